// Package progress persists backfill progress, keyed by instance id.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cascadedb/cascade/internal/epoch"
	"github.com/cascadedb/cascade/internal/observability"
	"github.com/cascadedb/cascade/internal/progress/physical"
)

// ErrNotFound indicates no progress entry exists for the instance.
var ErrNotFound = errors.New("backfill progress not found")

// Progress is the durable record of one backfill instance. Position is nil
// before any snapshot chunk has been committed and advances monotonically in
// primary-key order. Done is terminal.
type Progress struct {
	InstanceID     string
	ViewName       string
	Position       []byte
	Done           bool
	CommittedEpoch epoch.Epoch
	UpdatedAt      time.Time
}

// Store provides checkpoint-consistent progress persistence. Each instance's
// entry has exactly one writer (its controller); Put is atomic per entry.
type Store struct {
	backend physical.Backend
	metrics *observability.Metrics
}

// NewStore creates a Store over the given backend.
func NewStore(backend physical.Backend, metrics *observability.Metrics) *Store {
	return &Store{backend: backend, metrics: metrics}
}

// Get retrieves the progress for an instance, or ErrNotFound.
func (s *Store) Get(ctx context.Context, instanceID string) (p *Progress, err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "progress.get")
	defer op.End(err)

	entry, err := s.backend.Get(ctx, instanceID)
	if errors.Is(err, physical.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	return fromEntry(entry), nil
}

// Put atomically persists the progress for an instance.
func (s *Store) Put(ctx context.Context, p *Progress) (err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "progress.put")
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		if s.metrics != nil {
			s.metrics.ProgressWritesTotal.WithLabelValues(status).Inc()
		}
		op.End(err)
	}()

	if err = s.backend.Put(ctx, toEntry(p)); err != nil {
		return fmt.Errorf("put progress: %w", err)
	}

	slog.DebugContext(ctx, "progress persisted",
		"instance", p.InstanceID,
		"committed_epoch", uint64(p.CommittedEpoch),
		"done", p.Done,
	)
	return nil
}

// Delete removes the progress entry for an instance.
func (s *Store) Delete(ctx context.Context, instanceID string) (err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "progress.delete")
	defer op.End(err)

	if err = s.backend.Delete(ctx, instanceID); err != nil {
		return fmt.Errorf("delete progress: %w", err)
	}
	return nil
}

// List returns the progress of all known instances.
func (s *Store) List(ctx context.Context) (all []*Progress, err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "progress.list")
	defer op.End(err)

	entries, err := s.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	all = make([]*Progress, 0, len(entries))
	for _, e := range entries {
		all = append(all, fromEntry(e))
	}
	return all, nil
}

// MaxCommittedEpoch returns the highest committed epoch across all instances.
// Restarting nodes seed the barrier coordinator with it.
func (s *Store) MaxCommittedEpoch(ctx context.Context) (epoch.Epoch, error) {
	all, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	var maxEpoch epoch.Epoch
	for _, p := range all {
		if p.CommittedEpoch > maxEpoch {
			maxEpoch = p.CommittedEpoch
		}
	}
	return maxEpoch, nil
}

// Close releases the underlying backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func toEntry(p *Progress) *physical.Entry {
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return &physical.Entry{
		InstanceID:     p.InstanceID,
		ViewName:       p.ViewName,
		Position:       p.Position,
		Done:           p.Done,
		CommittedEpoch: uint64(p.CommittedEpoch),
		UpdatedAtMs:    updated.UnixMilli(),
	}
}

func fromEntry(e *physical.Entry) *Progress {
	return &Progress{
		InstanceID:     e.InstanceID,
		ViewName:       e.ViewName,
		Position:       e.Position,
		Done:           e.Done,
		CommittedEpoch: epoch.Epoch(e.CommittedEpoch),
		UpdatedAt:      time.UnixMilli(e.UpdatedAtMs),
	}
}
