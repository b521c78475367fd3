package arena

import (
	"context"
	"math/bits"
	"sync"

	cerrors "github.com/cockroachdb/errors"
	"github.com/gopmem/heapkit/memutils"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

const bitsPerWord = 64

// CreateInfo describes the shape of a new Arena.
type CreateInfo struct {
	// ZoneCount is the number of zones in the arena
	ZoneCount uint32
	// ChunksPerZone is the number of chunks (and so runs) in each zone
	ChunksPerZone uint32
	// UnitsPerRun is the number of fixed-size allocation units each run is divided into
	UnitsPerRun uint32
	// UnitSize is the size in bytes of a single allocation unit. Must be a power of two.
	UnitSize uint32
	// Logger is the *slog.Logger this arena will log to. slog.Default() is used when nil.
	Logger *slog.Logger
}

// ChunkHeader is the authoritative bookkeeping record for a chunk. SizeIdx is
// the chunk's current unit count, which chunk splitting and coalescing outside
// this package may change after a run has been scored.
type ChunkHeader struct {
	SizeIdx uint32
}

type run struct {
	lock sync.Mutex

	// Occupancy bitmap, one bit per unit, 1 = occupied. Bits past the chunk's
	// unit count are permanently set so that scans never see phantom free units.
	bitmap []uint64

	// Derived state, refreshed by RebuildRunState.
	freeUnits uint32
}

type chunk struct {
	header ChunkHeader
	run    run
}

type zone struct {
	chunks []chunk
}

// Arena is an in-memory block arena divided into zones, chunks and runs. It
// implements the heap collaborator surface the recycler package consumes:
// per-run locks, live occupancy bitmaps, authoritative chunk unit counts and
// derived-state rebuilds.
type Arena struct {
	logger *slog.Logger

	zoneCount     uint32
	chunksPerZone uint32
	unitsPerRun   uint32
	unitSize      uint32

	zones   []zone
	backing []byte
	mapped  bool
}

// New creates an Arena from the provided CreateInfo. The unit payload space is
// backed by an anonymous memory mapping on unix platforms and by heap memory
// elsewhere.
func New(info CreateInfo) (*Arena, error) {
	if info.ZoneCount == 0 || info.ChunksPerZone == 0 || info.UnitsPerRun == 0 {
		return nil, cerrors.Wrapf(memutils.ZeroExtentError,
			"zones %d, chunks per zone %d, units per run %d",
			info.ZoneCount, info.ChunksPerZone, info.UnitsPerRun)
	}
	err := memutils.CheckPow2(info.UnitSize, "UnitSize")
	if err != nil {
		return nil, err
	}

	logger := info.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Arena{
		logger:        logger,
		zoneCount:     info.ZoneCount,
		chunksPerZone: info.ChunksPerZone,
		unitsPerRun:   info.UnitsPerRun,
		unitSize:      info.UnitSize,
	}

	backingSize := int(info.ZoneCount) * int(info.ChunksPerZone) *
		int(info.UnitsPerRun) * int(info.UnitSize)
	a.backing, a.mapped, err = mapBacking(backingSize)
	if err != nil {
		return nil, err
	}

	wordCount := memutils.DivideRoundingUp(info.UnitsPerRun, bitsPerWord)
	a.zones = make([]zone, info.ZoneCount)
	for zoneIndex := range a.zones {
		a.zones[zoneIndex].chunks = make([]chunk, info.ChunksPerZone)
		for chunkIndex := range a.zones[zoneIndex].chunks {
			c := &a.zones[zoneIndex].chunks[chunkIndex]
			c.header.SizeIdx = info.UnitsPerRun
			c.run.bitmap = make([]uint64, wordCount)
			c.run.freeUnits = info.UnitsPerRun
			setTrailingBits(c.run.bitmap, info.UnitsPerRun)
		}
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "created arena",
		slog.Int("backingBytes", backingSize),
		slog.Bool("mapped", a.mapped),
	)

	return a, nil
}

// setTrailingBits marks the bitmap bits past unitCount as occupied.
func setTrailingBits(bitmap []uint64, unitCount uint32) {
	remainder := unitCount % bitsPerWord
	if remainder != 0 {
		bitmap[len(bitmap)-1] = ^uint64(0) << remainder
	}
}

// Close releases the arena's backing storage. The arena must not be used
// afterward.
func (a *Arena) Close() error {
	if a.backing == nil {
		return nil
	}

	err := unmapBacking(a.backing, a.mapped)
	a.backing = nil

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "closed arena",
		slog.Bool("mapped", a.mapped),
	)

	return err
}

// UnitsPerRun returns the unit capacity each run was created with.
func (a *Arena) UnitsPerRun() uint32 { return a.unitsPerRun }

func (a *Arena) chunkAt(zoneID, chunkID uint32) *chunk {
	if zoneID >= a.zoneCount || chunkID >= a.chunksPerZone {
		panic(cerrors.Newf("run identity (zone %d, chunk %d) is outside the arena (%d zones, %d chunks per zone)",
			zoneID, chunkID, a.zoneCount, a.chunksPerZone))
	}
	return &a.zones[zoneID].chunks[chunkID]
}

// RunLock returns the fine-grained lock serializing bitmap access for one run.
func (a *Arena) RunLock(zoneID, chunkID uint32) *sync.Mutex {
	return &a.chunkAt(zoneID, chunkID).run.lock
}

// RunBitmap returns the live occupancy bitmap for one run. Readers must hold
// the run's lock, because concurrent Occupy and Release calls mutate it.
func (a *Arena) RunBitmap(zoneID, chunkID uint32) []uint64 {
	return a.chunkAt(zoneID, chunkID).run.bitmap
}

// ChunkUnits reads the authoritative current unit count from the chunk header.
func (a *Arena) ChunkUnits(zoneID, chunkID uint32) uint32 {
	return a.chunkAt(zoneID, chunkID).header.SizeIdx
}

// ResizeChunk updates the chunk header's unit count. Chunk splitting and
// coalescing live outside this package; this is their write path into the
// header. The new count may not exceed the run's unit capacity.
func (a *Arena) ResizeChunk(zoneID, chunkID, sizeIdx uint32) error {
	if sizeIdx > a.unitsPerRun {
		return errors.Errorf("chunk (zone %d, chunk %d) cannot hold %d units, run capacity is %d",
			zoneID, chunkID, sizeIdx, a.unitsPerRun)
	}

	a.chunkAt(zoneID, chunkID).header.SizeIdx = sizeIdx
	return nil
}

// RebuildRunState recomputes the run's cached derived state from its live
// bitmap. The recycler calls this after claiming or rescoring a run.
func (a *Arena) RebuildRunState(zoneID, chunkID uint32) {
	r := &a.chunkAt(zoneID, chunkID).run

	r.lock.Lock()
	defer r.lock.Unlock()

	var freeUnits uint32
	for _, word := range r.bitmap {
		freeUnits += uint32(bits.OnesCount64(^word))
	}
	r.freeUnits = freeUnits
}

// FreeUnits returns the run's cached free-unit count as of the last rebuild
// or occupancy change.
func (a *Arena) FreeUnits(zoneID, chunkID uint32) uint32 {
	r := &a.chunkAt(zoneID, chunkID).run

	r.lock.Lock()
	defer r.lock.Unlock()

	return r.freeUnits
}

// Occupy marks a single unit within a run as allocated.
func (a *Arena) Occupy(zoneID, chunkID, unit uint32) error {
	return a.setOccupancy(zoneID, chunkID, unit, 1, true)
}

// Release marks a single unit within a run as free.
func (a *Arena) Release(zoneID, chunkID, unit uint32) error {
	return a.setOccupancy(zoneID, chunkID, unit, 1, false)
}

// OccupyRange marks count consecutive units beginning at start as allocated.
func (a *Arena) OccupyRange(zoneID, chunkID, start, count uint32) error {
	return a.setOccupancy(zoneID, chunkID, start, count, true)
}

// ReleaseRange marks count consecutive units beginning at start as free.
func (a *Arena) ReleaseRange(zoneID, chunkID, start, count uint32) error {
	return a.setOccupancy(zoneID, chunkID, start, count, false)
}

func (a *Arena) setOccupancy(zoneID, chunkID, start, count uint32, occupied bool) error {
	c := a.chunkAt(zoneID, chunkID)
	if start+count > c.header.SizeIdx {
		return errors.Errorf("units [%d, %d) are outside chunk (zone %d, chunk %d) with %d units",
			start, start+count, zoneID, chunkID, c.header.SizeIdx)
	}

	c.run.lock.Lock()
	defer c.run.lock.Unlock()

	for unit := start; unit < start+count; unit++ {
		word := unit / bitsPerWord
		mask := uint64(1) << (unit % bitsPerWord)
		if occupied {
			if c.run.bitmap[word]&mask != 0 {
				return errors.Errorf("unit %d in run (zone %d, chunk %d) is already occupied",
					unit, zoneID, chunkID)
			}
			c.run.bitmap[word] |= mask
			c.run.freeUnits--
		} else {
			if c.run.bitmap[word]&mask == 0 {
				return errors.Errorf("unit %d in run (zone %d, chunk %d) is already free",
					unit, zoneID, chunkID)
			}
			c.run.bitmap[word] &^= mask
			c.run.freeUnits++
		}
	}

	return nil
}

// RunBytes returns the payload storage for one run as a slice of the arena's
// backing memory.
func (a *Arena) RunBytes(zoneID, chunkID uint32) []byte {
	a.chunkAt(zoneID, chunkID)

	runSize := int(a.unitsPerRun) * int(a.unitSize)
	offset := (int(zoneID)*int(a.chunksPerZone) + int(chunkID)) * runSize
	return a.backing[offset : offset+runSize]
}

// Validate performs internal consistency checks on every run in the arena.
// When the arena is functioning correctly it should not be possible for this
// method to return an error.
func (a *Arena) Validate() error {
	for zoneID := range a.zones {
		for chunkID := range a.zones[zoneID].chunks {
			c := &a.zones[zoneID].chunks[chunkID]

			if c.header.SizeIdx > a.unitsPerRun {
				return errors.Errorf("chunk (zone %d, chunk %d) declares %d units but runs hold at most %d",
					zoneID, chunkID, c.header.SizeIdx, a.unitsPerRun)
			}

			c.run.lock.Lock()
			var freeUnits uint32
			for _, word := range c.run.bitmap {
				freeUnits += uint32(bits.OnesCount64(^word))
			}
			cached := c.run.freeUnits
			c.run.lock.Unlock()

			if freeUnits != cached {
				return errors.Errorf("run (zone %d, chunk %d) caches %d free units but its bitmap holds %d",
					zoneID, chunkID, cached, freeUnits)
			}

			remainder := a.unitsPerRun % bitsPerWord
			if remainder != 0 {
				lastWord := c.run.bitmap[len(c.run.bitmap)-1]
				if lastWord&(^uint64(0)<<remainder) != ^uint64(0)<<remainder {
					return errors.Errorf("run (zone %d, chunk %d) has clear bits past its unit capacity",
						zoneID, chunkID)
				}
			}
		}
	}

	return nil
}
