package ddl

import (
	"sync"

	"github.com/cascadedb/cascade/internal/changelog"
	"github.com/cascadedb/cascade/internal/epoch"
	"github.com/cascadedb/cascade/internal/snapshot"
	"github.com/cascadedb/cascade/pkg/logging"
)

// viewSink applies an executor's output stream to the view's own table.
// Records are buffered until the barrier that closes their epoch, then
// committed atomically at that epoch. Applies are keyed upserts and deletes,
// so replaying a stream after a crash converges to the same table.
type viewSink struct {
	table *snapshot.Table
	log   *logging.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	applied epoch.Epoch
	closed  bool
	err     error
}

func newViewSink(table *snapshot.Table, log *logging.Logger) *viewSink {
	s := &viewSink{table: table, log: log}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// run consumes the stream until it closes. Must be called on its own
// goroutine; the error, if any, is recorded and visible via failure().
func (s *viewSink) run(in <-chan *changelog.Message) {
	defer s.close()

	var pending []changelog.Record
	for msg := range in {
		if len(msg.Records) > 0 {
			pending = append(pending, msg.Records...)
		}
		if msg.Barrier == nil {
			continue
		}
		e := msg.Barrier.Epoch
		if len(pending) > 0 {
			if err := s.table.ApplyAt(e, pending); err != nil {
				s.fail(err)
				return
			}
			pending = pending[:0]
		}
		s.observe(e)
	}
}

func (s *viewSink) observe(e epoch.Epoch) {
	s.mu.Lock()
	if e > s.applied {
		s.applied = e
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *viewSink) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	if s.log != nil {
		s.log.WithError(err).Error("view sink failed")
	}
}

func (s *viewSink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *viewSink) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// awaitEpoch blocks until the sink has applied the given epoch or the
// stream has ended.
func (s *viewSink) awaitEpoch(e epoch.Epoch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.applied < e && !s.closed {
		s.cond.Wait()
	}
}
