package recycler_test

import (
	"math"
	"sync"
	"testing"

	"github.com/gopmem/heapkit/recycler"
	"github.com/stretchr/testify/require"
)

type fakeRun struct {
	lock     sync.Mutex
	bitmap   []uint64
	sizeIdx  uint32
	rebuilds int
}

type fakeHeap struct {
	mutex sync.Mutex
	runs  map[[2]uint32]*fakeRun

	// onRebuild, when set, runs at the start of every RebuildRunState call.
	onRebuild func()
}

var _ recycler.Heap = &fakeHeap{}

func newFakeHeap() *fakeHeap {
	return &fakeHeap{runs: map[[2]uint32]*fakeRun{}}
}

// addRun registers a run whose occupancy is the given bitmap words.
func (h *fakeHeap) addRun(zoneID, chunkID uint32, sizeIdx uint32, bitmap ...uint64) *fakeRun {
	run := &fakeRun{bitmap: bitmap, sizeIdx: sizeIdx}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.runs[[2]uint32{zoneID, chunkID}] = run
	return run
}

func (h *fakeHeap) runAt(zoneID, chunkID uint32) *fakeRun {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.runs[[2]uint32{zoneID, chunkID}]
}

func (h *fakeHeap) RunLock(zoneID, chunkID uint32) *sync.Mutex {
	return &h.runAt(zoneID, chunkID).lock
}

func (h *fakeHeap) RunBitmap(zoneID, chunkID uint32) []uint64 {
	return h.runAt(zoneID, chunkID).bitmap
}

func (h *fakeHeap) ChunkUnits(zoneID, chunkID uint32) uint32 {
	return h.runAt(zoneID, chunkID).sizeIdx
}

func (h *fakeHeap) RebuildRunState(zoneID, chunkID uint32) {
	if h.onRebuild != nil {
		h.onRebuild()
	}

	run := h.runAt(zoneID, chunkID)
	run.lock.Lock()
	defer run.lock.Unlock()
	run.rebuilds++
}

// setOccupied overwrites a run's live occupancy, simulating frees performed
// by other allocator paths.
func (r *fakeRun) setOccupied(bitmap ...uint64) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.bitmap = bitmap
}

func TestNewElementHandTrace(t *testing.T) {
	// An 8-unit run with occupancy 0b1100_1111 (LSB = unit 0) and all bits
	// past the unit count set. Complement is 0b0011_0000: two free units,
	// both in one contiguous block.
	word := ^uint64(0xFF) | 0b1100_1111

	heap := newFakeHeap()
	heap.addRun(0, 1, 8, word)

	e := recycler.NewElement(heap, recycler.MemoryBlock{ZoneID: 0, ChunkID: 1})
	require.Equal(t, recycler.Element{
		MaxFreeBlock: 2,
		FreeSpace:    2,
		ZoneID:       0,
		ChunkID:      1,
	}, e)
}

func TestNewElementLowBitsFree(t *testing.T) {
	// Units 0-3 free, everything else occupied.
	word := uint64(0xFFFFFFFFFFFFFFF0)

	heap := newFakeHeap()
	heap.addRun(0, 1, 64, word)

	e := recycler.NewElement(heap, recycler.MemoryBlock{ZoneID: 0, ChunkID: 1})
	require.Equal(t, uint16(4), e.FreeSpace)
	require.Equal(t, uint16(4), e.MaxFreeBlock)
}

func TestNewElementFullyFreeWord(t *testing.T) {
	heap := newFakeHeap()
	heap.addRun(0, 1, 64, 0)

	e := recycler.NewElement(heap, recycler.MemoryBlock{ZoneID: 0, ChunkID: 1})
	require.Equal(t, uint16(64), e.FreeSpace)
	require.Equal(t, uint16(64), e.MaxFreeBlock)
}

func TestNewElementFullyOccupied(t *testing.T) {
	heap := newFakeHeap()
	heap.addRun(0, 1, 64, math.MaxUint64)

	e := recycler.NewElement(heap, recycler.MemoryBlock{ZoneID: 0, ChunkID: 1})
	require.Equal(t, uint16(0), e.FreeSpace)
	require.Equal(t, uint16(0), e.MaxFreeBlock)
}

func TestNewElementDoesNotMergeAcrossWords(t *testing.T) {
	// Two free units at the top of the first word, three at the bottom of the
	// second. They are physically contiguous, but the largest free block is
	// searched one word at a time.
	word0 := ^(uint64(0b11) << 62)
	word1 := ^uint64(0b111)

	heap := newFakeHeap()
	heap.addRun(0, 1, 128, word0, word1)

	e := recycler.NewElement(heap, recycler.MemoryBlock{ZoneID: 0, ChunkID: 1})
	require.Equal(t, uint16(5), e.FreeSpace)
	require.Equal(t, uint16(3), e.MaxFreeBlock)
}

func TestNewElementScatteredRuns(t *testing.T) {
	// Free spans of lengths 1, 3 and 2 within one word.
	free := uint64(0b1)<<0 | uint64(0b111)<<10 | uint64(0b11)<<40
	word := ^free

	heap := newFakeHeap()
	heap.addRun(0, 1, 64, word)

	e := recycler.NewElement(heap, recycler.MemoryBlock{ZoneID: 0, ChunkID: 1})
	require.Equal(t, uint16(6), e.FreeSpace)
	require.Equal(t, uint16(3), e.MaxFreeBlock)
}
