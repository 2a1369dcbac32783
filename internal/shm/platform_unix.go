//go:build unix

package shm

import (
	"context"
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ResolvePath returns the file path a region with the given options maps.
func ResolvePath(opts MapOptions) string {
	if opts.Path != "" {
		return opts.Path
	}
	return filepath.Join(DefaultDir(), opts.Name)
}

// MapRegion maps or creates a shared file region.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := ResolvePath(opts)

	flags := unix.O_RDWR | unix.O_CLOEXEC
	if opts.Create {
		if opts.Size <= 0 {
			return nil, fmt.Errorf("create %s: invalid size %d", path, opts.Size)
		}
		if !CanCreateOnDevShm(uint64(opts.Size), path) {
			return nil, fmt.Errorf("path:%s size:%d: %w", path, opts.Size, ErrNoSpace)
		}
		flags |= unix.O_CREAT | unix.O_EXCL
	}
	fd, err := unix.Open(path, flags, 0600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	size := opts.Size
	if opts.Create {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			_ = unix.Close(fd)
			_ = unix.Unlink(path)
			return nil, fmt.Errorf("ftruncate: %w", err)
		}
	} else {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("fstat: %w", err)
		}
		if size == 0 {
			size = int(st.Size)
		} else if int64(size) != st.Size {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("%s is %d bytes, want %d: %w", path, st.Size, size, ErrSizeMismatch)
		}
		if size <= 0 {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("%s is empty: %w", path, ErrSizeMismatch)
		}
	}

	addr, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		if opts.Create {
			_ = unix.Unlink(path)
		}
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{
		Addr: addr,
		Fd:   fd,
		Path: path,
		Size: size,
	}, nil
}

// MapAnonymous maps a zeroed, page-aligned shared region with no backing file.
func MapAnonymous(size int) (*MappedRegion, error) {
	if size <= 0 {
		return nil, fmt.Errorf("map anonymous: invalid size %d", size)
	}
	addr, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{Addr: addr, Fd: -1, Size: size}, nil
}

// UnmapRegion unmaps the region and closes its descriptor. The backing file is kept.
func UnmapRegion(_ context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if err := unix.Munmap(region.Addr); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	region.Addr = nil
	if region.Fd >= 0 {
		if err := unix.Close(region.Fd); err != nil {
			return fmt.Errorf("close fd %d: %w", region.Fd, err)
		}
		region.Fd = -1
	}
	return nil
}

// RemoveRegionFile unlinks the backing file of a named region.
func RemoveRegionFile(opts MapOptions) error {
	return unix.Unlink(ResolvePath(opts))
}

// PageSize returns the system page size.
func PageSize() int {
	return unix.Getpagesize()
}
