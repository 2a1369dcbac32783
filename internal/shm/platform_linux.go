//go:build linux

package shm

import (
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

const devShm = "/dev/shm"

// DefaultDir returns /dev/shm when it exists, otherwise the temp directory.
func DefaultDir() string {
	if info, err := os.Stat(devShm); err == nil && info.IsDir() {
		return devShm
	}
	return os.TempDir()
}

// CanCreateOnDevShm reports whether a file of size bytes fits on /dev/shm.
// Paths outside /dev/shm always return true.
func CanCreateOnDevShm(size uint64, path string) bool {
	if !strings.HasPrefix(path, devShm+"/") {
		return true
	}
	stat, err := disk.Usage(devShm)
	if err != nil {
		return true
	}
	return stat.Free >= size
}
