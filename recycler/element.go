package recycler

import (
	"math/bits"
	"sync"
)

const bitsPerWord = 64

// MemoryBlock identifies a run within the arena by its (zone, chunk)
// coordinates, along with the unit count last read from the chunk header.
type MemoryBlock struct {
	ZoneID  uint32
	ChunkID uint32
	SizeIdx uint32
}

// Heap is the arena surface the recycler consumes. Implementations hand out
// per-run locks, live occupancy bitmaps (one bit per unit, 1 = occupied, bits
// past the unit count set), authoritative chunk-header unit counts, and a way
// to rebuild a run's cached derived state after it is claimed or rescored.
type Heap interface {
	RunLock(zoneID, chunkID uint32) *sync.Mutex
	RunBitmap(zoneID, chunkID uint32) []uint64
	ChunkUnits(zoneID, chunkID uint32) uint32
	RebuildRunState(zoneID, chunkID uint32)
}

// Element is a run's entry in the recycler's ordered store: its reusability
// score plus the identity that makes the ordering total.
type Element struct {
	MaxFreeBlock uint16
	FreeSpace    uint16
	ZoneID       uint32
	ChunkID      uint32
}

// elementLess orders elements lexicographically ascending over
// (MaxFreeBlock, FreeSpace, ZoneID, ChunkID). Runs able to satisfy a larger
// contiguous request sort later; ties break toward less total free space, then
// toward run identity so no two distinct entries ever compare equal.
func elementLess(l, r Element) bool {
	if l.MaxFreeBlock != r.MaxFreeBlock {
		return l.MaxFreeBlock < r.MaxFreeBlock
	}
	if l.FreeSpace != r.FreeSpace {
		return l.FreeSpace < r.FreeSpace
	}
	if l.ZoneID != r.ZoneID {
		return l.ZoneID < r.ZoneID
	}
	return l.ChunkID < r.ChunkID
}

// NewElement calculates how many free units a run has and the largest
// contiguous request the run can handle, and returns that as an Element.
//
// The count is taken under the run's own lock because concurrent allocations
// and frees mutate the bitmap. A transiently stale count is benign: it only
// affects which run gets picked next, never unit accounting.
//
// The largest free block is searched within each 64-bit bitmap word
// separately; free spans crossing a word boundary are not merged. That trades
// a little best-fit precision for a branch-light scan.
func NewElement(heap Heap, m MemoryBlock) Element {
	lock := heap.RunLock(m.ZoneID, m.ChunkID)
	lock.Lock()
	defer lock.Unlock()

	bitmap := heap.RunBitmap(m.ZoneID, m.ChunkID)

	var freeSpace uint16
	var maxBlock uint16

	for _, word := range bitmap {
		value := ^word
		if value == 0 {
			continue
		}

		freeInValue := uint16(bits.OnesCount64(value))
		freeSpace += freeInValue

		// If this word has fewer free units than the max already found,
		// there's no point in searching it.
		if freeInValue < maxBlock {
			continue
		}

		if freeInValue == bitsPerWord {
			maxBlock = bitsPerWord
			continue
		}

		// Each shift-and-mask erases the trailing unit of every free span, so
		// a span of length L survives exactly L iterations.
		var n uint16
		for value != 0 {
			value &= value << 1
			n++
		}

		if n > maxBlock {
			maxBlock = n
		}
	}

	return Element{
		FreeSpace:    freeSpace,
		MaxFreeBlock: maxBlock,
		ZoneID:       m.ZoneID,
		ChunkID:      m.ChunkID,
	}
}
