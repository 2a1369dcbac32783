package device

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/srediag/dmaring/internal/flock"
	"github.com/srediag/dmaring/pkg/dma"
)

// Role is the side of a channel a lease binds.
type Role uint8

const (
	Reader Role = iota
	Writer
)

func (r Role) String() string {
	if r == Writer {
		return "writer"
	}
	return "reader"
}

// Lease is an exclusive binding of one role of one direction.
type Lease struct {
	dev      *Device
	dir      dma.Direction
	role     Role
	key      string
	file     *flock.Lease
	released atomic.Bool
	since    time.Time
}

// Direction returns the leased direction.
func (l *Lease) Direction() dma.Direction { return l.dir }

// Role returns the leased role.
func (l *Lease) Role() Role { return l.role }

// Since returns when the lease was granted.
func (l *Lease) Since() time.Time { return l.since }

func leaseKey(dir dma.Direction, role Role) string {
	return dir.String() + "." + role.String()
}

// Acquire takes the exclusive lease on role of dir. Within the process a held
// lease fails at once with ErrBusy; across processes the lock file is polled
// for up to Config.LeaseTimeout.
func (d *Device) Acquire(dir dma.Direction, role Role) (*Lease, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	if !dir.Valid() {
		return nil, fmt.Errorf("invalid direction %d", dir)
	}
	key := leaseKey(dir, role)
	l := &Lease{dev: d, dir: dir, role: role, key: key, since: time.Now()}
	if !d.leases.SetIfAbsent(key, l) {
		return nil, fmt.Errorf("%w: %s lease held in process", ErrBusy, key)
	}
	if d.cfg.LockDir != "" {
		path := filepath.Join(d.cfg.LockDir, d.cfg.Name+"."+key+".lock")
		file, err := flock.AcquireWithTimeout(path, d.cfg.LeaseTimeout)
		if err != nil {
			d.leases.Remove(key)
			if errors.Is(err, flock.ErrWouldBlock) {
				return nil, fmt.Errorf("%w: %s lease held by another process", ErrBusy, key)
			}
			return nil, err
		}
		l.file = file
	}
	d.log.Debugf("%s lease acquired", key)
	return l, nil
}

// Release gives the lease back. Releasing twice returns ErrNotLeased.
func (d *Device) Release(l *Lease) error {
	if l == nil || l.dev != d {
		return ErrNotLeased
	}
	return d.release(l)
}

func (d *Device) release(l *Lease) error {
	if l.released.Swap(true) {
		return ErrNotLeased
	}
	d.leases.RemoveCb(l.key, func(_ string, cur *Lease, exists bool) bool {
		return exists && cur == l
	})
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return fmt.Errorf("release %s lease: %w", l.key, err)
		}
	}
	d.log.Debugf("%s lease released", l.key)
	return nil
}

// Held reports whether role of dir is leased in this process.
func (d *Device) Held(dir dma.Direction, role Role) bool {
	return d.leases.Has(leaseKey(dir, role))
}
