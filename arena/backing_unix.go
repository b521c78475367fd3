//go:build unix

package arena

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// mapBacking reserves the arena payload space as an anonymous private mapping,
// so large arenas don't sit on the Go heap.
func mapBacking(size int) ([]byte, bool, error) {
	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, false, cerrors.Wrapf(err, "failed to map %d bytes of arena backing", size)
	}

	return data, true, nil
}

func unmapBacking(data []byte, mapped bool) error {
	if !mapped {
		return nil
	}

	err := unix.Munmap(data)
	if err != nil {
		return cerrors.Wrap(err, "failed to unmap arena backing")
	}

	return nil
}
