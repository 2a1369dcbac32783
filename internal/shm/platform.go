// Package shm contains platform-specific helpers for mapping the DMA slot arena
// and the cross-process ring files.
package shm

import "errors"

// MappedRegion represents a memory-mapped region.
type MappedRegion struct {
	Addr []byte
	// Fd is the backing descriptor, -1 for anonymous mappings.
	Fd   int
	Path string
	Size int
}

// MapOptions defines options for mapping a shared file region.
type MapOptions struct {
	// Path is the absolute file path. When empty, Name is resolved under DefaultDir().
	Path string
	Name string
	Size int
	// Create makes a new file of exactly Size bytes and fails if it exists.
	Create bool
}

var (
	// ErrNoSpace is returned when the target filesystem cannot hold the region.
	ErrNoSpace = errors.New("shared memory filesystem has not enough space left")
	// ErrSizeMismatch is returned when an existing file does not have the requested size.
	ErrSizeMismatch = errors.New("shared memory file size mismatch")
)

// Function implementations are provided in platform-specific files.
