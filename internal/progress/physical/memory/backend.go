// Package memory provides an in-memory progress backend for tests and
// ephemeral nodes.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cascadedb/cascade/internal/progress/physical"
)

func init() {
	physical.Register("memory", NewFactory, nil)
}

// NewFactory creates a new in-memory backend. The configuration map is unused.
func NewFactory(_ context.Context, _ map[string]string) (physical.Backend, error) {
	return New(), nil
}

// Backend is an in-memory implementation of physical.Backend.
type Backend struct {
	mu      sync.RWMutex
	entries map[string]*physical.Entry
	closed  atomic.Bool
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{entries: make(map[string]*physical.Entry)}
}

// Put stores an entry, replacing any previous entry for the instance.
func (b *Backend) Put(_ context.Context, entry *physical.Entry) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[entry.InstanceID] = entry.Clone()
	return nil
}

// Get retrieves the entry for an instance.
func (b *Backend) Get(_ context.Context, instanceID string) (*physical.Entry, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.entries[instanceID]
	if !ok {
		return nil, physical.ErrNotFound
	}
	return entry.Clone(), nil
}

// Delete removes the entry for an instance. Deleting a missing entry is a no-op.
func (b *Backend) Delete(_ context.Context, instanceID string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, instanceID)
	return nil
}

// List returns all entries ordered by instance id.
func (b *Backend) List(_ context.Context) ([]*physical.Entry, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries := make([]*physical.Entry, 0, len(b.entries))
	for _, e := range b.entries {
		entries = append(entries, e.Clone())
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].InstanceID < entries[j].InstanceID
	})
	return entries, nil
}

// Close releases the backend. Subsequent calls fail with ErrClosed.
func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}
