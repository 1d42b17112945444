package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cascadedb/cascade/internal/changelog"
	"github.com/cascadedb/cascade/internal/epoch"
	"github.com/cascadedb/cascade/internal/observability"
	"github.com/cascadedb/cascade/internal/progress"
	"github.com/cascadedb/cascade/internal/snapshot"
)

const (
	defaultChunkSize = 256
	defaultOutBuffer = 64
)

// ExecutorConfig configures one backfill operator.
type ExecutorConfig struct {
	InstanceID string
	ViewName   string
	Store      *progress.Store
	Reader     snapshot.Reader
	In         <-chan *changelog.Message
	ChunkSize  int
	OutBuffer  int
	RateLimit  RateLimit
	Metrics    *observability.Metrics
}

type chunkResult struct {
	chunk *snapshot.Chunk
	err   error
}

// stagedCheckpoint is progress computed at a barrier but not yet persisted.
// It is written out at the next barrier: a barrier for epoch E+1 is delivered
// only after every sink has durably applied epoch E, so the persisted
// checkpoint always trails durable application. Persisting it at E would let
// a crash strand the committed position past rows the view never applied.
type stagedCheckpoint struct {
	epoch    epoch.Epoch
	position []byte
	done     bool
}

// Executor runs one backfill instance as a dataflow operator. It consumes the
// upstream message stream (records and barriers), interleaves the rate-limited
// snapshot scan, and emits a single order-correct changelog downstream. Once
// the snapshot is exhausted and the change buffer has caught up, it becomes a
// pure pass-through.
type Executor struct {
	ctrl    *Controller
	buf     *Buffer
	limiter *Limiter
	reader  snapshot.Reader
	metrics *observability.Metrics

	in        <-chan *changelog.Message
	out       chan *changelog.Message
	chunks    chan chunkResult
	chunkSize int

	merger      *Merger
	passthrough bool
	pending     *stagedCheckpoint

	prefetchCancel context.CancelFunc
	prefetchWG     sync.WaitGroup

	readyOnce sync.Once
	ready     chan struct{}
	doneOnce  sync.Once
	done      chan struct{}
}

// NewExecutor creates an executor. Run drives it.
func NewExecutor(cfg ExecutorConfig) *Executor {
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	outBuffer := cfg.OutBuffer
	if outBuffer <= 0 {
		outBuffer = defaultOutBuffer
	}
	return &Executor{
		ctrl:      NewController(cfg.InstanceID, cfg.ViewName, cfg.Store, cfg.Metrics),
		buf:       NewBuffer(),
		limiter:   NewLimiter(cfg.RateLimit),
		reader:    cfg.Reader,
		metrics:   cfg.Metrics,
		in:        cfg.In,
		out:       make(chan *changelog.Message, outBuffer),
		chunks:    make(chan chunkResult, 1),
		chunkSize: chunkSize,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Out returns the downstream message stream. It is closed when Run returns.
func (e *Executor) Out() <-chan *changelog.Message {
	return e.out
}

// Ready is closed once the instance is durably initialized (first progress
// entry persisted, or recovery found one). Background DDL returns to the
// caller at this point.
func (e *Executor) Ready() <-chan struct{} {
	return e.ready
}

// Done is closed once the terminal Done state is durably persisted.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

// SetRateLimit reconfigures the snapshot-side rate limit on a live instance.
// It takes effect on the next permit request, without a restart.
func (e *Executor) SetRateLimit(cfg RateLimit) {
	e.limiter.Set(cfg)
}

// Status reports the instance state for the catalog.
func (e *Executor) Status() Status {
	return e.ctrl.Status()
}

// Run consumes the upstream stream until it is closed or ctx is cancelled.
// Fatal faults freeze the instance and are returned; the caller restarts or
// drops the instance.
func (e *Executor) Run(ctx context.Context) error {
	defer close(e.out)
	defer e.stopPrefetch()

	if err := e.ctrl.Recover(ctx); err != nil {
		e.ctrl.Fail(err)
		return err
	}
	if e.ctrl.State() == StateDone {
		e.passthrough = true
		e.signalReady()
		e.signalDone()
	} else if e.ctrl.State() == StateBackfilling {
		// Progress already durable from a previous incarnation.
		e.signalReady()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-e.in:
			if !ok {
				return nil
			}
			var err error
			if msg.Barrier != nil {
				err = e.onBarrier(ctx, *msg.Barrier)
			} else {
				err = e.onRecords(ctx, msg)
			}
			if err != nil {
				// Cancellation is a shutdown, not a backfill failure.
				if ctx.Err() == nil {
					e.ctrl.Fail(err)
				}
				return err
			}
		}
	}
}

func (e *Executor) onRecords(ctx context.Context, msg *changelog.Message) error {
	if e.passthrough {
		return e.send(ctx, msg)
	}
	for _, rec := range msg.Records {
		if err := e.buf.Push(rec); err != nil {
			return fmt.Errorf("buffer change record: %w", err)
		}
	}
	return nil
}

func (e *Executor) onBarrier(ctx context.Context, b epoch.Barrier) error {
	if !e.passthrough && e.merger == nil {
		if err := e.ctrl.Start(b); err != nil {
			return err
		}
		e.merger = NewMerger(e.ctrl.Position())
		e.startPrefetch(b.Epoch)
		slog.InfoContext(ctx, "backfill started",
			"instance", e.ctrl.InstanceID(),
			"view", e.ctrl.ViewName(),
			"start_epoch", uint64(b.Epoch),
			"resume_position", fmt.Sprintf("%q", e.ctrl.Position()),
		)
	}

	// This barrier's arrival means downstream has durably applied the
	// previous one; its checkpoint is now safe to persist.
	if err := e.flushCheckpoint(ctx); err != nil {
		return err
	}

	if e.passthrough {
		e.pending = &stagedCheckpoint{epoch: b.Epoch, done: true}
		return e.send(ctx, changelog.NewBarrier(b))
	}

	drained := e.buf.DrainUpTo(b.Epoch)

	var chunk *snapshot.Chunk
	if !e.merger.Exhausted() {
		select {
		case res := <-e.chunks:
			if res.err != nil {
				return fmt.Errorf("snapshot scan: %w", res.err)
			}
			chunk = res.chunk
			if e.metrics != nil && chunk != nil {
				e.metrics.BackfillChunkRows.Observe(float64(len(chunk.Rows)))
			}
		default:
			// Rate limiter or storage has not produced a chunk yet; the
			// changelog side still flows.
		}
	}

	out, done := e.merger.ProcessBarrier(b.Epoch, drained, chunk)
	if len(out) > 0 {
		if err := e.send(ctx, changelog.NewRecords(out)); err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.BackfillRowsTotal.WithLabelValues(e.ctrl.InstanceID(), "merged").Add(float64(len(out)))
		}
	}

	e.pending = &stagedCheckpoint{epoch: b.Epoch, position: e.merger.Position(), done: done}

	if err := e.send(ctx, changelog.NewBarrier(b)); err != nil {
		return err
	}

	if done {
		e.passthrough = true
		e.merger = nil
		e.stopPrefetch()
	}
	return nil
}

func (e *Executor) flushCheckpoint(ctx context.Context) error {
	if e.pending == nil {
		return nil
	}
	cp := e.pending
	e.pending = nil
	if _, err := e.ctrl.Advance(ctx, cp.epoch, cp.position, cp.done); err != nil {
		return err
	}
	e.signalReady()
	if cp.done {
		e.signalDone()
	}
	return nil
}

func (e *Executor) send(ctx context.Context, msg *changelog.Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case e.out <- msg:
		return nil
	}
}

// startPrefetch launches the snapshot-side task. It runs concurrently with
// the changelog path so a stalled rate limiter never head-of-line blocks
// barrier processing.
func (e *Executor) startPrefetch(asOf epoch.Epoch) {
	ctx, cancel := context.WithCancel(context.Background())
	e.prefetchCancel = cancel
	cursor := e.ctrl.Position()

	e.prefetchWG.Add(1)
	go func() {
		defer e.prefetchWG.Done()
		for {
			if err := e.limiter.Acquire(ctx, e.chunkSize); err != nil {
				return
			}
			chunk, err := e.reader.ReadChunk(ctx, cursor, e.chunkSize, asOf)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case e.chunks <- chunkResult{err: err}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case e.chunks <- chunkResult{chunk: chunk}:
			case <-ctx.Done():
				return
			}
			if chunk.Exhausted {
				return
			}
			if last := chunk.Last(); last != nil {
				cursor = last
			}
		}
	}()
}

func (e *Executor) stopPrefetch() {
	if e.prefetchCancel != nil {
		e.prefetchCancel()
		e.prefetchCancel = nil
	}
	e.prefetchWG.Wait()
}

func (e *Executor) signalReady() {
	e.readyOnce.Do(func() { close(e.ready) })
}

func (e *Executor) signalDone() {
	e.doneOnce.Do(func() { close(e.done) })
}
