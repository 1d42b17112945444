// Package physical provides the physical storage backend interface for
// backfill progress persistence.
package physical

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates no progress entry exists for the instance.
	ErrNotFound = errors.New("progress entry not found")

	// ErrClosed indicates the backend has been closed.
	ErrClosed = errors.New("backend closed")
)

// Entry is a persisted backfill progress record. Position is nil before any
// snapshot chunk has been committed; Done is terminal and irreversible.
type Entry struct {
	InstanceID     string `json:"instance_id"`
	ViewName       string `json:"view_name,omitempty"`
	Position       []byte `json:"position,omitempty"`
	Done           bool   `json:"done"`
	CommittedEpoch uint64 `json:"committed_epoch"`
	UpdatedAtMs    int64  `json:"updated_at_ms"`
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Position != nil {
		c.Position = append([]byte(nil), e.Position...)
	}
	return &c
}

// Backend is the physical storage interface for progress entries. Put is
// atomic and last-write-wins per instance; each instance has exactly one
// writer at any time, so backends need no cross-instance coordination.
// All implementations must be thread-safe.
type Backend interface {
	Put(ctx context.Context, entry *Entry) error
	Get(ctx context.Context, instanceID string) (*Entry, error)
	Delete(ctx context.Context, instanceID string) error
	List(ctx context.Context) ([]*Entry, error)
	Close() error
}
