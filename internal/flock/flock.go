/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

//go:build unix

// Package flock implements exclusive lease files on top of flock(2).
//
// A lease is a dedicated file that is never replaced or unlinked while held.
// flock is advisory and per open file description: two leases taken by the
// same process on the same path through different descriptors still exclude
// each other.
package flock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned when the lease is held by someone else.
	ErrWouldBlock = errors.New("lease would block")

	errInodeMismatch = errors.New("inode mismatch")
)

const (
	leaseFilePerm = 0o600
	leaseDirPerm  = 0o755
)

// Lease is a held exclusive lock. Close releases it.
type Lease struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Path returns the lease file path.
func (l *Lease) Path() string {
	return l.path
}

// Close releases the lease. It is idempotent.
func (l *Lease) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	unlockErr := flockRetryEINTR(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking lease: %w", unlockErr)
	}
	if closeErr != nil {
		closeErr = fmt.Errorf("closing lease fd: %w", closeErr)
	}
	return errors.Join(unlockErr, closeErr)
}

// TryAcquire takes the exclusive lease at path without blocking.
func TryAcquire(path string) (*Lease, error) {
	return acquirePolling(path, 0)
}

// AcquireWithTimeout polls for the lease with a capped doubling sleep until timeout.
func AcquireWithTimeout(path string, timeout time.Duration) (*Lease, error) {
	if timeout <= 0 {
		return TryAcquire(path)
	}
	return acquirePolling(path, timeout)
}

func acquirePolling(path string, timeout time.Duration) (*Lease, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	sleep := time.Millisecond

	for {
		file, err := openLeaseFile(path)
		if err != nil {
			return nil, fmt.Errorf("opening lease file: %w", err)
		}

		err = acquire(file, path)
		if err == nil {
			return &Lease{file: file, path: path}, nil
		}
		_ = file.Close()

		if !errors.Is(err, ErrWouldBlock) && !errors.Is(err, errInodeMismatch) {
			return nil, err
		}
		if timeout == 0 {
			return nil, ErrWouldBlock
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: timed out after %s", ErrWouldBlock, timeout)
		}
		time.Sleep(min(sleep, remaining))
		if sleep < 25*time.Millisecond {
			sleep = min(sleep*2, 25*time.Millisecond)
		}
	}
}

// acquire flocks file and checks that it is still the inode at path. On failure
// the file is unlocked but not closed.
func acquire(file *os.File, path string) error {
	fd := int(file.Fd())
	if err := flockRetryEINTR(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return ErrWouldBlock
		}
		return fmt.Errorf("flock: %w", err)
	}

	match, err := inodeMatchesPath(path, file)
	if err != nil || !match {
		_ = flockRetryEINTR(fd, unix.LOCK_UN)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("verifying inode match: %w", err)
		}
		return errInodeMismatch
	}
	return nil
}

func openLeaseFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, leaseFilePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}
	if err := os.MkdirAll(filepath.Dir(path), leaseDirPerm); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, leaseFilePerm)
}

func inodeMatchesPath(path string, f *os.File) (bool, error) {
	openInfo, err := f.Stat()
	if err != nil {
		return false, err
	}
	pathInfo, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	a, ok1 := openInfo.Sys().(*syscall.Stat_t)
	b, ok2 := pathInfo.Sys().(*syscall.Stat_t)
	if !ok1 || !ok2 {
		return false, fmt.Errorf("stat Sys=%T, want *syscall.Stat_t", openInfo.Sys())
	}
	return a.Dev == b.Dev && a.Ino == b.Ino, nil
}

func flockRetryEINTR(fd, how int) error {
	for {
		err := unix.Flock(fd, how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
