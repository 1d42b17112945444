package epoch

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type recordingInjector struct {
	mu       sync.Mutex
	barriers []Barrier
	err      error
}

func (r *recordingInjector) InjectBarrier(b Barrier) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.barriers = append(r.barriers, b)
	return nil
}

func (r *recordingInjector) seen() []Barrier {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Barrier(nil), r.barriers...)
}

func TestTickBroadcastsMonotonicEpochs(t *testing.T) {
	ctx := context.Background()
	c := NewLocalCoordinator(0, nil)
	a := &recordingInjector{}
	b := &recordingInjector{}
	c.Register("a", a)
	c.Register("b", b)

	for i := 1; i <= 3; i++ {
		barrier, err := c.Tick(ctx)
		if err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
		if barrier.Epoch != Epoch(i) {
			t.Errorf("tick %d issued epoch %d", i, uint64(barrier.Epoch))
		}
	}

	for name, inj := range map[string]*recordingInjector{"a": a, "b": b} {
		seen := inj.seen()
		if len(seen) != 3 {
			t.Fatalf("injector %s saw %d barriers, want 3", name, len(seen))
		}
		for i, barrier := range seen {
			if barrier.Epoch != Epoch(i+1) {
				t.Errorf("injector %s barrier %d has epoch %d", name, i, uint64(barrier.Epoch))
			}
		}
	}
	if c.Current() != 3 {
		t.Errorf("Current = %d, want 3", uint64(c.Current()))
	}
}

func TestTickSeedEpoch(t *testing.T) {
	c := NewLocalCoordinator(41, nil)
	barrier, err := c.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if barrier.Epoch != 42 {
		t.Errorf("epoch = %d, want 42 (seed + 1)", uint64(barrier.Epoch))
	}
}

func TestTickPropagatesInjectorError(t *testing.T) {
	c := NewLocalCoordinator(0, nil)
	c.Register("ok", &recordingInjector{})
	c.Register("bad", &recordingInjector{err: errors.New("sink wedged")})

	if _, err := c.Tick(context.Background()); err == nil {
		t.Error("Tick swallowed an injector error")
	}
}

func TestDeregisterStopsDelivery(t *testing.T) {
	ctx := context.Background()
	c := NewLocalCoordinator(0, nil)
	inj := &recordingInjector{}
	c.Register("x", inj)

	if _, err := c.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	c.Deregister("x")
	if _, err := c.Tick(ctx); err != nil {
		t.Fatalf("Tick after deregister: %v", err)
	}

	if len(inj.seen()) != 1 {
		t.Errorf("injector saw %d barriers after deregistration, want 1", len(inj.seen()))
	}
}
