//go:build !unix

package arena

// mapBacking falls back to heap memory on platforms without anonymous mappings.
func mapBacking(size int) ([]byte, bool, error) {
	return make([]byte, size), false, nil
}

func unmapBacking(data []byte, mapped bool) error {
	return nil
}
