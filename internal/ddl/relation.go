package ddl

import (
	"errors"
	"fmt"
	"sync"

	cascerr "github.com/cascadedb/cascade/pkg/errors"

	"github.com/cascadedb/cascade/internal/changelog"
	"github.com/cascadedb/cascade/internal/epoch"
	"github.com/cascadedb/cascade/internal/snapshot"
)

// Relation is one upstream table inside the dataflow: it owns the table's
// persisted state and fans its changelog out to every dependent view. It
// implements epoch.Injector; a barrier is acknowledged only after the staged
// records are committed to the table, every subscriber has received the
// barrier, and every subscriber's sink has aligned to it.
type Relation struct {
	name  string
	table *snapshot.Table

	mu      sync.Mutex
	staged  []changelog.Record
	seq     uint64
	subs    map[string]*subscriber
	current epoch.Epoch
}

type subscriber struct {
	source *changelog.Source
	sink   *viewSink
}

// NewRelation creates a relation over the given table.
func NewRelation(name string, table *snapshot.Table) *Relation {
	return &Relation{
		name:  name,
		table: table,
		subs:  make(map[string]*subscriber),
	}
}

// Name returns the relation name.
func (r *Relation) Name() string {
	return r.name
}

// Table returns the relation's persisted state.
func (r *Relation) Table() *snapshot.Table {
	return r.table
}

// Emit stages a mutation for the epoch the next barrier will close.
func (r *Relation) Emit(op changelog.Op, key, value []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staged = append(r.staged, changelog.Record{
		Op:    op,
		Key:   append([]byte(nil), key...),
		Value: append([]byte(nil), value...),
		Seq:   r.seq,
	})
	r.seq++

	for _, sub := range r.subs {
		sub.source.Emit(op, key, value)
	}
}

// EmitUpdate stages a paired update.
func (r *Relation) EmitUpdate(key, oldValue, newValue []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staged = append(r.staged,
		changelog.Record{Op: changelog.OpUpdateDelete, Key: append([]byte(nil), key...), Value: append([]byte(nil), oldValue...), Seq: r.seq},
		changelog.Record{Op: changelog.OpUpdateInsert, Key: append([]byte(nil), key...), Value: append([]byte(nil), newValue...), Seq: r.seq + 1},
	)
	r.seq += 2

	for _, sub := range r.subs {
		sub.source.EmitUpdate(key, oldValue, newValue)
	}
}

// subscribe attaches a view's changelog source and sink. The view receives
// every record staged after this call.
func (r *Relation) subscribe(view string, source *changelog.Source, sink *viewSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[view] = &subscriber{source: source, sink: sink}
}

// unsubscribe detaches a view and closes its source stream.
func (r *Relation) unsubscribe(view string) {
	r.mu.Lock()
	sub, ok := r.subs[view]
	delete(r.subs, view)
	r.mu.Unlock()
	if ok {
		sub.source.Close()
	}
}

// InjectBarrier commits the staged records at the barrier epoch, forwards the
// barrier to all subscribers, and waits until each subscriber's sink has
// aligned. Implements epoch.Injector.
func (r *Relation) InjectBarrier(b epoch.Barrier) error {
	r.mu.Lock()
	staged := r.staged
	r.staged = nil
	r.seq = 0
	r.current = b.Epoch
	subs := make([]*subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	if len(staged) > 0 {
		for i := range staged {
			staged[i].Epoch = b.Epoch
		}
		if err := r.table.ApplyAt(b.Epoch, staged); err != nil {
			return fmt.Errorf("relation %s: %w", r.name, err)
		}
	}

	for _, sub := range subs {
		if err := sub.source.InjectBarrier(b); err != nil {
			// A view dropped mid-barrier closes its source; that must not
			// fail the epoch for everyone else.
			if errors.Is(err, cascerr.ErrClosed) {
				continue
			}
			return fmt.Errorf("relation %s: %w", r.name, err)
		}
	}
	for _, sub := range subs {
		sub.sink.awaitEpoch(b.Epoch)
	}
	return nil
}
