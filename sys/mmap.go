package sys

import "errors"

// ErrMmapNotSupported is returned by Mmap on platforms with no mapping
// implementation.
var ErrMmapNotSupported = errors.New("mmap not supported on this platform")

// MmapFile is the subset of *os.File that Mmap/Munmap need. FileHandle
// satisfies it via its embedded os.File-shaped methods, but callers that
// hold a raw *os.File (e.g. during a remap where the handle has been
// re-opened) can pass that directly too.
type MmapFile interface {
	Fd() uintptr
}

// Mmap maps length bytes of f starting at offset 0 into memory, read-write
// and shared with the underlying file (stringheap.Heap and columnfile.File
// both grow their mapping by unmapping and remapping under an exclusive
// lock, per spec.md §4.1/§4.2).
func Mmap(f MmapFile, length int) ([]byte, error) {
	return mmap(f, length)
}

// Munmap unmaps a byte slice previously returned by Mmap.
func Munmap(b []byte) error {
	return munmap(b)
}
