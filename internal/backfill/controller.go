package backfill

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cascadedb/cascade/internal/epoch"
	"github.com/cascadedb/cascade/internal/observability"
	"github.com/cascadedb/cascade/internal/progress"
)

// Controller owns the backfill state machine and is the only writer to the
// progress store entry for its instance. Every advance performs exactly one
// atomic progress write; in-memory state never moves past what was durably
// persisted.
type Controller struct {
	instanceID string
	viewName   string
	store      *progress.Store
	metrics    *observability.Metrics

	mu         sync.RWMutex
	state      State
	position   []byte
	committed  epoch.Epoch
	startEpoch epoch.Epoch
	started    bool
	failure    error
}

// NewController creates a controller for one backfill instance.
func NewController(instanceID, viewName string, store *progress.Store, metrics *observability.Metrics) *Controller {
	return &Controller{
		instanceID: instanceID,
		viewName:   viewName,
		store:      store,
		metrics:    metrics,
		state:      StateInit,
	}
}

// InstanceID returns the instance id.
func (c *Controller) InstanceID() string {
	return c.instanceID
}

// ViewName returns the owning view's name.
func (c *Controller) ViewName() string {
	return c.viewName
}

// Recover loads persisted progress, trusting nothing in memory. A missing
// entry restarts from Init; done=true resumes as pure pass-through; anything
// else resumes Backfilling from the persisted position.
func (c *Controller) Recover(ctx context.Context) error {
	p, err := c.store.Get(ctx, c.instanceID)
	if errors.Is(err, progress.ErrNotFound) {
		c.mu.Lock()
		c.state = StateInit
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("recover backfill %s: %w", c.instanceID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.position = p.Position
	c.committed = p.CommittedEpoch
	if p.Done {
		c.state = StateDone
	} else {
		c.state = StateBackfilling
	}

	slog.InfoContext(ctx, "backfill progress recovered",
		"instance", c.instanceID,
		"state", c.state.String(),
		"committed_epoch", uint64(p.CommittedEpoch),
	)
	return nil
}

// Start fixes the snapshot consistency point at the first barrier observed
// after (re)start. The resulting start epoch is never earlier than the last
// committed epoch, by barrier monotonicity.
func (c *Controller) Start(b epoch.Barrier) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("backfill %s already started", c.instanceID)
	}
	if b.Epoch < c.committed {
		return fmt.Errorf("backfill %s: start barrier %d below committed epoch %d",
			c.instanceID, uint64(b.Epoch), uint64(c.committed))
	}
	c.started = true
	c.startEpoch = b.Epoch
	if c.state == StateInit {
		c.state = StateBackfilling
	}
	return nil
}

// Advance persists progress at a barrier boundary and applies the transition.
// It must be called once per barrier, in epoch order. A failed write is fatal
// to the instance: the in-memory state stays at the last durable progress and
// the error escalates to an instance restart.
func (c *Controller) Advance(ctx context.Context, barrierEpoch epoch.Epoch, position []byte, done bool) (st State, err error) {
	op, ctx := observability.StartOperation(ctx, c.metrics, "backfill.advance")
	defer op.End(err)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateFailed:
		return c.state, fmt.Errorf("backfill %s: advance on failed instance", c.instanceID)
	case StateInit:
		return c.state, fmt.Errorf("backfill %s: advance before start", c.instanceID)
	case StateDone:
		// Idempotent: only the committed epoch advances.
		position = c.position
		done = true
	}
	if barrierEpoch <= c.committed {
		return c.state, fmt.Errorf("backfill %s: barrier %d not after committed epoch %d",
			c.instanceID, uint64(barrierEpoch), uint64(c.committed))
	}
	if position == nil {
		position = c.position
	}
	if c.position != nil && bytes.Compare(position, c.position) < 0 {
		return c.state, fmt.Errorf("backfill %s: position regression", c.instanceID)
	}

	err = c.store.Put(ctx, &progress.Progress{
		InstanceID:     c.instanceID,
		ViewName:       c.viewName,
		Position:       position,
		Done:           done,
		CommittedEpoch: barrierEpoch,
	})
	if err != nil {
		return c.state, fmt.Errorf("persist progress for %s: %w", c.instanceID, err)
	}

	c.position = position
	c.committed = barrierEpoch
	if done && c.state != StateDone {
		c.state = StateDone
		slog.InfoContext(ctx, "backfill complete",
			"instance", c.instanceID,
			"view", c.viewName,
			"epoch", uint64(barrierEpoch),
		)
	}
	return c.state, nil
}

// Fail freezes the instance at its last persisted progress. The failure is
// surfaced through Status, not as a process crash.
func (c *Controller) Fail(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDone || c.state == StateFailed {
		return
	}
	c.state = StateFailed
	c.failure = cause
	slog.Error("backfill failed",
		"instance", c.instanceID,
		"view", c.viewName,
		"error", cause,
	)
}

// Drop deletes the instance's progress entry instead of finalizing it. Used
// when the owning view is dropped.
func (c *Controller) Drop(ctx context.Context) error {
	if err := c.store.Delete(ctx, c.instanceID); err != nil {
		return fmt.Errorf("drop backfill %s: %w", c.instanceID, err)
	}
	return nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// StartEpoch returns the snapshot consistency point. Valid after Start.
func (c *Controller) StartEpoch() epoch.Epoch {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.startEpoch
}

// Position returns the last durably committed snapshot position.
func (c *Controller) Position() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.position
}

// Status reports the instance for the catalog's observability surface.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var errMsg string
	if c.failure != nil {
		errMsg = c.failure.Error()
	}
	return Status{
		InstanceID:     c.instanceID,
		ViewName:       c.viewName,
		State:          c.state,
		Position:       append([]byte(nil), c.position...),
		CommittedEpoch: c.committed,
		Error:          errMsg,
	}
}

// Status describes one backfill instance for system views. Completion
// fraction is computed externally from key-range statistics.
type Status struct {
	InstanceID     string
	ViewName       string
	State          State
	Position       []byte
	CommittedEpoch epoch.Epoch
	Error          string
}
