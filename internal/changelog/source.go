package changelog

import (
	"sync"

	cascerr "github.com/cascadedb/cascade/pkg/errors"

	"github.com/cascadedb/cascade/internal/epoch"
)

// Source is an in-memory changelog head. Producers stage mutations with Emit;
// the barrier coordinator closes each epoch by injecting a barrier, at which
// point staged mutations are stamped with the barrier's epoch and flushed
// downstream ahead of the barrier. This upholds the ordering contract that all
// records for epoch E are delivered before barrier E.
type Source struct {
	name string

	mu      sync.Mutex
	pending []Record
	seq     uint64
	closed  bool

	out       chan *Message
	done      chan struct{}
	closeOnce sync.Once
}

// NewSource creates a changelog source with the given downstream buffer size.
func NewSource(name string, buffer int) *Source {
	if buffer <= 0 {
		buffer = 64
	}
	return &Source{
		name: name,
		out:  make(chan *Message, buffer),
		done: make(chan struct{}),
	}
}

// Name returns the source name.
func (s *Source) Name() string {
	return s.name
}

// Out returns the downstream message stream.
func (s *Source) Out() <-chan *Message {
	return s.out
}

// Emit stages a mutation for the epoch that the next barrier will close.
func (s *Source) Emit(op Op, key, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(s.pending, Record{
		Op:    op,
		Key:   append([]byte(nil), key...),
		Value: append([]byte(nil), value...),
		Seq:   s.seq,
	})
	s.seq++
}

// EmitUpdate stages a paired update: an OpUpdateDelete carrying the old row
// image immediately followed by an OpUpdateInsert carrying the new one.
func (s *Source) EmitUpdate(key, oldValue, newValue []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(s.pending,
		Record{Op: OpUpdateDelete, Key: append([]byte(nil), key...), Value: append([]byte(nil), oldValue...), Seq: s.seq},
		Record{Op: OpUpdateInsert, Key: append([]byte(nil), key...), Value: append([]byte(nil), newValue...), Seq: s.seq + 1},
	)
	s.seq += 2
}

// InjectBarrier stamps and flushes all staged records, then forwards the
// barrier. Implements epoch.Injector.
func (s *Source) InjectBarrier(b epoch.Barrier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cascerr.ErrClosed
	}
	records := s.pending
	s.pending = nil
	s.seq = 0

	if len(records) > 0 {
		for i := range records {
			records[i].Epoch = b.Epoch
		}
		if err := s.send(NewRecords(records)); err != nil {
			return err
		}
	}
	return s.send(NewBarrier(b))
}

// send delivers downstream while holding s.mu. Close signals s.done first, so
// a flush stalled on a dead consumer unblocks instead of wedging the barrier.
func (s *Source) send(msg *Message) error {
	select {
	case s.out <- msg:
		return nil
	case <-s.done:
		return cascerr.ErrClosed
	}
}

// Close closes the downstream stream. Staged but unflushed records are
// discarded. Safe to call concurrently with InjectBarrier.
func (s *Source) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.pending = nil
	close(s.out)
}
