package recycler

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/google/btree"
	"github.com/gopmem/heapkit/memutils"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// thresholdMul scales a run's unit capacity into the unaccounted-unit debt
// that triggers a recalculation.
const thresholdMul = 2

const storeDegree = 32

// ErrCapacity is returned from Put when the recycler was created with a
// MaxTrackedRuns bound and the ordered store is full. The caller is expected
// to log and drop the run rather than leak it.
var ErrCapacity error = errors.New("recycler cannot track any more runs")

type runKey struct {
	zoneID  uint32
	chunkID uint32
}

// ReservedRun is a run that was freed back to the recycler while reservations
// against specific units inside it were still in flight. The reservation
// subsystem decrements Nresv as those resolve; the recycler only observes it
// reaching zero.
type ReservedRun struct {
	Block MemoryBlock
	Nresv atomic.Int64
}

// NewReservedRun wraps a run identity with its outstanding reservation count.
func NewReservedRun(m MemoryBlock, reservations int64) *ReservedRun {
	mr := &ReservedRun{Block: m}
	mr.Nresv.Store(reservations)
	return mr
}

// CreateInfo describes a new Recycler.
type CreateInfo struct {
	// Heap is the arena surface runs are scored against. Required.
	Heap Heap
	// UnitsPerRun is the unit capacity of a full run; a rescored run whose
	// free space reaches this count is extracted as fully empty. Required.
	UnitsPerRun uint32
	// MaxTrackedRuns bounds the ordered store when positive. Zero means
	// unbounded.
	MaxTrackedRuns int
	// Logger is the *slog.Logger this recycler will log to. slog.Default()
	// is used when nil.
	Logger *slog.Logger
}

// Recycler accepts freed runs, keeps them ordered by best-fit quality, and
// hands them back out to allocation requests of matching or smaller size.
// Scores go stale as other threads free units inside tracked runs; Recalc
// reconciles them in batches bounded by the accumulated debt rather than by
// the run population.
type Recycler struct {
	logger *slog.Logger
	heap   Heap

	unitsPerRun     uint32
	maxTrackedRuns  int
	recalcThreshold uint64

	// How many unaccounted units there *might* be inside the runs stored in
	// the recycler. Not meant to be accurate, but rather a rough measure of
	// how often the run scores should be recalculated.
	unaccountedUnits atomic.Uint64
	recalcInProgress atomic.Bool

	// mutex serializes the ordered store and the pending table. It is never
	// held across anything that blocks, other than a single run lock during
	// scoring.
	mutex   sync.Mutex
	runs    *btree.BTreeG[Element]
	pending *swiss.Map[runKey, *ReservedRun]
	scratch []Element
}

// New creates a Recycler from the provided CreateInfo.
func New(info CreateInfo) (*Recycler, error) {
	if info.Heap == nil {
		return nil, errors.New("a recycler requires a Heap to score runs against")
	}
	if info.UnitsPerRun == 0 {
		return nil, cerrors.Wrap(memutils.ZeroExtentError, "UnitsPerRun")
	}

	logger := info.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Recycler{
		logger:          logger,
		heap:            info.Heap,
		unitsPerRun:     info.UnitsPerRun,
		maxTrackedRuns:  info.MaxTrackedRuns,
		recalcThreshold: uint64(info.UnitsPerRun) * thresholdMul,
		runs:            btree.NewG[Element](storeDegree, elementLess),
		pending:         swiss.NewMap[runKey, *ReservedRun](8),
	}, nil
}

// insertElement places an element in the ordered store. The caller must hold
// the mutex.
func (r *Recycler) insertElement(e Element) error {
	if r.maxTrackedRuns > 0 && r.runs.Len() >= r.maxTrackedRuns {
		return cerrors.Wrapf(ErrCapacity, "run (zone %d, chunk %d)", e.ZoneID, e.ChunkID)
	}

	r.runs.ReplaceOrInsert(e)
	return nil
}

// Put inserts a freed run into the recycler. The element should have been
// scored with NewElement. A run placed here becomes visible to Get
// immediately; use PendingPut instead while reservations against the run are
// still outstanding.
func (r *Recycler) Put(element Element) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.insertElement(element)
}

// PendingPut places a run in the pending table until its outstanding
// reservations resolve. The run stays invisible to Get while mr.Nresv is
// above zero.
func (r *Recycler) PendingPut(mr *ReservedRun) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.pending.Put(runKey{zoneID: mr.Block.ZoneID, chunkID: mr.Block.ChunkID}, mr)
}

// pendingCheck iterates through pending runs, checks the reservation status,
// and moves any run with no more unfulfilled reservations into the ordered
// store. The caller must hold the mutex.
func (r *Recycler) pendingCheck() {
	if r.pending.Count() == 0 {
		return
	}

	var resolved []*ReservedRun
	r.pending.Iter(func(key runKey, mr *ReservedRun) bool {
		if mr.Nresv.Load() == 0 {
			resolved = append(resolved, mr)
		}
		return false
	})

	for _, mr := range resolved {
		e := NewElement(r.heap, mr.Block)
		err := r.insertElement(e)
		if err != nil {
			// Dropping the run loses capacity, not correctness. Tracking it
			// in both containers would.
			r.logger.LogAttrs(context.Background(), slog.LevelError, "unable to track run",
				slog.Uint64("zoneID", uint64(mr.Block.ZoneID)),
				slog.Uint64("chunkID", uint64(mr.Block.ChunkID)),
				slog.String("error", err.Error()),
			)
		}
		r.pending.Delete(runKey{zoneID: mr.Block.ZoneID, chunkID: mr.Block.ChunkID})
	}
}

// Get retrieves the best-fit run able to satisfy a contiguous request of
// sizeIdx units: the smallest satisfying MaxFreeBlock, ties broken toward
// less total free space, then lower identity. The returned run is removed
// from the store and its SizeIdx refreshed from the live chunk header. The
// second return value is false when no tracked run can satisfy the request,
// signaling the caller to carve fresh arena space instead.
func (r *Recycler) Get(sizeIdx uint32) (MemoryBlock, bool) {
	m, ok := r.get(sizeIdx)
	memutils.DebugValidate(r)
	return m, ok
}

func (r *Recycler) get(sizeIdx uint32) (MemoryBlock, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.pendingCheck()

	if sizeIdx > math.MaxUint16 {
		// MaxFreeBlock is 16-bit; no run can satisfy a larger request.
		return MemoryBlock{}, false
	}

	query := Element{MaxFreeBlock: uint16(sizeIdx)}
	var found Element
	ok := false
	r.runs.AscendGreaterOrEqual(query, func(e Element) bool {
		found = e
		ok = true
		return false
	})
	if !ok {
		return MemoryBlock{}, false
	}

	r.runs.Delete(found)

	m := MemoryBlock{ZoneID: found.ZoneID, ChunkID: found.ChunkID}

	// The chunk may have been resized since the run was scored; the header
	// is authoritative.
	m.SizeIdx = r.heap.ChunkUnits(m.ZoneID, m.ChunkID)
	r.heap.RebuildRunState(m.ZoneID, m.ChunkID)

	r.logger.LogAttrs(context.Background(), slog.LevelDebug, "recycled run",
		slog.Uint64("zoneID", uint64(m.ZoneID)),
		slog.Uint64("chunkID", uint64(m.ChunkID)),
		slog.Uint64("sizeIdx", uint64(m.SizeIdx)),
	)

	return m, true
}

// IncUnaccounted adds units to the recycler's stale-score debt. Called on
// every run free; never blocks on the recycler's mutex.
func (r *Recycler) IncUnaccounted(units uint32) {
	r.unaccountedUnits.Add(uint64(units))
}

// UnaccountedUnits reads the current stale-score debt.
func (r *Recycler) UnaccountedUnits() uint64 {
	return r.unaccountedUnits.Load()
}

// Recalc re-scores stored runs against their live bitmaps, lowest-scored
// first, until it has accounted for the debt captured at entry (or the whole
// store, when force is set). Runs found fully empty are extracted and
// returned; the caller owns them and is responsible for returning them to
// coarser-grained free space. Partially-used runs are re-admitted with their
// fresh score.
//
// Only one recalculation proceeds at a time; excess callers return nil
// immediately. Without force, the call is also a no-op until the debt reaches
// twice a run's unit capacity.
func (r *Recycler) Recalc(force bool) []MemoryBlock {
	units := r.unaccountedUnits.Load()

	if r.recalcInProgress.Load() || (!force && units < r.recalcThreshold) {
		return nil
	}

	if !r.recalcInProgress.CompareAndSwap(false, true) {
		return nil
	}

	var emptyRuns []MemoryBlock

	r.mutex.Lock()

	// If the search is forced, recalculate everything.
	searchLimit := units
	if force {
		searchLimit = math.MaxUint64
	}

	var foundUnits uint64
	for {
		ne, ok := r.runs.Min()
		if !ok {
			break
		}
		r.runs.Delete(ne)

		nm := MemoryBlock{ZoneID: ne.ZoneID, ChunkID: ne.ChunkID}
		existingFreeSpace := ne.FreeSpace

		r.heap.RebuildRunState(nm.ZoneID, nm.ChunkID)
		e := NewElement(r.heap, nm)

		// This recycler is the sole source of allocations from tracked runs
		// and it holds the lock, so free space can only have grown since the
		// run was last scored. Shrinkage means corrupted accounting and
		// handing out overlapping memory from here on.
		if e.FreeSpace < existingFreeSpace {
			panic(cerrors.Newf("free space of run (zone %d, chunk %d) shrank from %d to %d between scoring passes",
				nm.ZoneID, nm.ChunkID, existingFreeSpace, e.FreeSpace))
		}
		foundUnits += uint64(e.FreeSpace - existingFreeSpace)

		if uint32(e.FreeSpace) == r.unitsPerRun {
			r.heap.RebuildRunState(nm.ZoneID, nm.ChunkID)
			emptyRuns = append(emptyRuns, nm)
		} else {
			// Deferred reinsertion keeps the min-query scan from revisiting
			// entries it already refreshed.
			r.scratch = append(r.scratch, e)
		}

		if foundUnits >= searchLimit {
			break
		}
	}

	for _, e := range r.scratch {
		err := r.insertElement(e)
		if err != nil {
			r.logger.LogAttrs(context.Background(), slog.LevelError, "unable to track run",
				slog.Uint64("zoneID", uint64(e.ZoneID)),
				slog.Uint64("chunkID", uint64(e.ChunkID)),
				slog.String("error", err.Error()),
			)
		}
	}
	r.scratch = r.scratch[:0]

	r.mutex.Unlock()

	// Subtract the entry snapshot, not foundUnits: debt added by a concurrent
	// IncUnaccounted mid-scan still needs a future pass.
	r.unaccountedUnits.Add(^(units - 1))

	if !r.recalcInProgress.CompareAndSwap(true, false) {
		panic(cerrors.New("recalculation flag cleared by another thread mid-recalculation"))
	}

	r.logger.LogAttrs(context.Background(), slog.LevelDebug, "recalculated run scores",
		slog.Uint64("accountedUnits", units),
		slog.Uint64("foundUnits", foundUnits),
		slog.Int("emptyRuns", len(emptyRuns)),
	)

	memutils.DebugValidate(r)

	return emptyRuns
}

// PendingCount returns the number of runs parked behind outstanding
// reservations.
func (r *Recycler) PendingCount() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.pending.Count()
}

// TrackedCount returns the number of runs currently in the ordered store.
func (r *Recycler) TrackedCount() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.runs.Len()
}

// AddDetailedStatistics sums the tracked run population into the provided
// statistics.
func (r *Recycler) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.runs.Ascend(func(e Element) bool {
		stats.AddRun(int(r.unitsPerRun), int(e.FreeSpace), int(e.MaxFreeBlock))
		return true
	})
}

// Validate performs internal consistency checks on the recycler. When the
// recycler is functioning correctly it should not be possible for this method
// to return an error.
func (r *Recycler) Validate() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var validateErr error
	r.runs.Ascend(func(e Element) bool {
		if uint32(e.FreeSpace) > r.unitsPerRun {
			validateErr = errors.Errorf("run (zone %d, chunk %d) declares %d free units but runs hold at most %d",
				e.ZoneID, e.ChunkID, e.FreeSpace, r.unitsPerRun)
			return false
		}

		if e.MaxFreeBlock > e.FreeSpace {
			validateErr = errors.Errorf("run (zone %d, chunk %d) declares a free block of %d units but only %d free units",
				e.ZoneID, e.ChunkID, e.MaxFreeBlock, e.FreeSpace)
			return false
		}

		if _, parked := r.pending.Get(runKey{zoneID: e.ZoneID, chunkID: e.ChunkID}); parked {
			validateErr = errors.Errorf("run (zone %d, chunk %d) is both tracked and pending",
				e.ZoneID, e.ChunkID)
			return false
		}

		return true
	})
	if validateErr != nil {
		return validateErr
	}

	r.pending.Iter(func(key runKey, mr *ReservedRun) bool {
		if mr.Nresv.Load() < 0 {
			validateErr = errors.Errorf("run (zone %d, chunk %d) has a negative reservation count",
				key.zoneID, key.chunkID)
			return true
		}
		return false
	})

	return validateErr
}
