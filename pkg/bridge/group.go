package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"

	"github.com/srediag/dmaring/internal/logging"
)

var log = logging.New("bridge")

// Group runs bridges on a bounded ants worker pool.
type Group struct {
	pool   *ants.Pool
	wg     sync.WaitGroup
	closed atomic.Bool

	mu      sync.Mutex
	bridges []*Bridge
	errs    []error
}

// NewGroup returns a group that runs at most size bridges at once. Go fails
// with ants.ErrPoolOverload beyond that.
func NewGroup(size int) (*Group, error) {
	g := &Group{}
	pool, err := ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithLogger(log),
		ants.WithPanicHandler(func(p any) {
			log.Errorf("bridge panicked: %v", p)
			g.fail(fmt.Errorf("bridge panicked: %v", p))
		}),
	)
	if err != nil {
		return nil, err
	}
	g.pool = pool
	return g, nil
}

func (g *Group) fail(err error) {
	g.mu.Lock()
	g.errs = append(g.errs, err)
	g.mu.Unlock()
}

// Go starts b.Run(ctx) on a pool worker.
func (g *Group) Go(ctx context.Context, b *Bridge) error {
	g.mu.Lock()
	g.bridges = append(g.bridges, b)
	g.mu.Unlock()

	g.wg.Add(1)
	err := g.pool.Submit(func() {
		defer g.wg.Done()
		if err := b.Run(ctx); err != nil {
			g.fail(fmt.Errorf("%s: %w", b.Name(), err))
		}
	})
	if err != nil {
		g.wg.Done()
		return fmt.Errorf("start bridge %s: %w", b.Name(), err)
	}
	return nil
}

// Bridges returns the bridges started so far.
func (g *Group) Bridges() []*Bridge {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Bridge(nil), g.bridges...)
}

// Running returns the number of busy workers.
func (g *Group) Running() int { return g.pool.Running() }

// Stop asks every bridge to stop.
func (g *Group) Stop() {
	for _, b := range g.Bridges() {
		b.Stop()
	}
}

// Wait blocks until every started bridge has returned and reports their errors.
func (g *Group) Wait() error {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return errors.Join(g.errs...)
}

// Close stops the bridges, waits for them and releases the pool. Only the
// first call reports the bridge errors.
func (g *Group) Close() error {
	if g.closed.Swap(true) {
		return nil
	}
	g.Stop()
	err := g.Wait()
	g.pool.Release()
	return err
}
