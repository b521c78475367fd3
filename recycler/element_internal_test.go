package recycler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestElementOrderIsTotal(t *testing.T) {
	elements := []Element{
		{MaxFreeBlock: 4, FreeSpace: 10, ZoneID: 0, ChunkID: 1},
		{MaxFreeBlock: 4, FreeSpace: 10, ZoneID: 0, ChunkID: 2},
		{MaxFreeBlock: 4, FreeSpace: 10, ZoneID: 1, ChunkID: 1},
		{MaxFreeBlock: 4, FreeSpace: 5, ZoneID: 0, ChunkID: 1},
		{MaxFreeBlock: 8, FreeSpace: 5, ZoneID: 0, ChunkID: 1},
	}

	for i, left := range elements {
		for j, right := range elements {
			if i == j {
				require.False(t, elementLess(left, right))
				require.False(t, elementLess(right, left))
				continue
			}

			// Exactly one direction must hold for distinct identities, even
			// when scores tie.
			require.NotEqual(t, elementLess(left, right), elementLess(right, left),
				"elements %d and %d do not have a strict order", i, j)
		}
	}
}

func TestElementOrderPrefersTighterFit(t *testing.T) {
	smallBlock := Element{MaxFreeBlock: 4, FreeSpace: 10, ZoneID: 0, ChunkID: 1}
	largeBlock := Element{MaxFreeBlock: 8, FreeSpace: 5, ZoneID: 0, ChunkID: 2}
	require.True(t, elementLess(smallBlock, largeBlock))

	lessFree := Element{MaxFreeBlock: 4, FreeSpace: 5, ZoneID: 0, ChunkID: 3}
	moreFree := Element{MaxFreeBlock: 4, FreeSpace: 10, ZoneID: 0, ChunkID: 4}
	require.True(t, elementLess(lessFree, moreFree))
}
