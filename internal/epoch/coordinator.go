package epoch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cascadedb/cascade/internal/observability"
)

// Coordinator issues barriers to registered injectors.
type Coordinator interface {
	Register(name string, inj Injector)
	Deregister(name string)
	Current() Epoch
	Tick(ctx context.Context) (Barrier, error)
}

// LocalCoordinator is a single-node Coordinator. It broadcasts each barrier to
// all registered injectors and waits for every one of them to acknowledge
// before the epoch is considered committed.
type LocalCoordinator struct {
	mu        sync.Mutex
	epoch     Epoch
	injectors map[string]Injector
	metrics   *observability.Metrics
}

// NewLocalCoordinator creates a coordinator starting at the given epoch.
// Restarting nodes pass the highest committed epoch found in storage so that
// epochs never regress across restarts.
func NewLocalCoordinator(start Epoch, metrics *observability.Metrics) *LocalCoordinator {
	return &LocalCoordinator{
		epoch:     start,
		injectors: make(map[string]Injector),
		metrics:   metrics,
	}
}

// Register adds an injector to the broadcast set. The injector receives every
// barrier issued after registration.
func (c *LocalCoordinator) Register(name string, inj Injector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.injectors[name] = inj
}

// Deregister removes an injector from the broadcast set.
func (c *LocalCoordinator) Deregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.injectors, name)
}

// Current returns the most recently issued epoch.
func (c *LocalCoordinator) Current() Epoch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Tick issues the next barrier and blocks until every registered injector has
// acknowledged it.
func (c *LocalCoordinator) Tick(ctx context.Context) (Barrier, error) {
	c.mu.Lock()
	c.epoch++
	barrier := Barrier{Epoch: c.epoch}
	targets := make(map[string]Injector, len(c.injectors))
	for name, inj := range c.injectors {
		targets[name] = inj
	}
	c.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for name, inj := range targets {
		g.Go(func() error {
			if err := inj.InjectBarrier(barrier); err != nil {
				return fmt.Errorf("inject barrier into %s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return barrier, err
	}

	if c.metrics != nil {
		c.metrics.BarrierEpoch.Set(float64(barrier.Epoch))
	}
	slog.DebugContext(ctx, "barrier committed", "epoch", uint64(barrier.Epoch))
	return barrier, nil
}

// Run ticks barriers at the given interval until ctx is cancelled.
func (c *LocalCoordinator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.Tick(ctx); err != nil {
				return fmt.Errorf("barrier tick: %w", err)
			}
		}
	}
}
