//go:build unix && !linux

package shm

import "os"

// DefaultDir returns the temp directory; only Linux has /dev/shm.
func DefaultDir() string {
	return os.TempDir()
}

// CanCreateOnDevShm always returns true off Linux.
func CanCreateOnDevShm(size uint64, path string) bool {
	return true
}
