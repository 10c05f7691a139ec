//go:build !unix

package mmap

// Map returns a zeroed heap region of size bytes.
func Map(size int) ([]byte, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	return make([]byte, size), nil
}

// Unmap is a no-op off unix; the region is reclaimed by the GC.
func Unmap(data []byte) error {
	return nil
}
