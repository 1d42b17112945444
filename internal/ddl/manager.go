package ddl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	cascerr "github.com/cascadedb/cascade/pkg/errors"
	"github.com/cascadedb/cascade/pkg/logging"

	"github.com/cascadedb/cascade/internal/backfill"
	"github.com/cascadedb/cascade/internal/changelog"
	"github.com/cascadedb/cascade/internal/epoch"
	"github.com/cascadedb/cascade/internal/observability"
	"github.com/cascadedb/cascade/internal/progress"
	"github.com/cascadedb/cascade/internal/snapshot"
)

const (
	defaultSourceBuffer  = 64
	defaultRetryAttempts = 5
	defaultRetryBackoff  = 50 * time.Millisecond
)

// Config carries the shared infrastructure a Manager wires views into.
type Config struct {
	Store    *snapshot.Store
	Progress *progress.Store
	Coord    epoch.Coordinator
	Metrics  *observability.Metrics
	Log      *logging.Logger

	// ChunkSize bounds the rows read per snapshot chunk. Zero uses the
	// executor default.
	ChunkSize int
	// SourceBuffer sizes each view's changelog stream.
	SourceBuffer int
	// RetryAttempts and RetryBackoff tune transient snapshot read retries.
	RetryAttempts int
	RetryBackoff  time.Duration
}

// CreateViewRequest describes one CREATE MATERIALIZED VIEW.
type CreateViewRequest struct {
	// Name is the view name; the view's state lives in a table of the
	// same name.
	Name string
	// Upstream names the relation the view is defined over.
	Upstream string
	// Background makes CreateView return once the view is producing a
	// correct changelog, instead of waiting for the backfill to finish.
	Background bool
	// RateLimit throttles the view's snapshot scan.
	RateLimit backfill.RateLimit
}

// Manager owns the DDL surface: it creates materialized views over
// relations, runs their backfills, and tears them down. One Manager per
// node.
type Manager struct {
	cfg Config
	log *logging.Logger

	mu        sync.Mutex
	relations map[string]*Relation
	views     map[string]*viewInstance
	closed    bool
}

type viewInstance struct {
	name       string
	upstream   string
	instanceID string

	exec   *backfill.Executor
	sink   *viewSink
	source *changelog.Source
	cancel context.CancelFunc

	finished chan struct{}
	err      error
}

// NewManager creates a manager over the given infrastructure.
func NewManager(cfg Config) *Manager {
	if cfg.SourceBuffer <= 0 {
		cfg.SourceBuffer = defaultSourceBuffer
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	log := cfg.Log
	if log == nil {
		log = logging.New(nil)
	}
	return &Manager{
		cfg:       cfg,
		log:       log.WithComponent("ddl"),
		relations: make(map[string]*Relation),
		views:     make(map[string]*viewInstance),
	}
}

// Relation returns the named relation, creating and registering it with the
// barrier coordinator on first use.
func (m *Manager) Relation(name string) *Relation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.relationLocked(name)
}

func (m *Manager) relationLocked(name string) *Relation {
	if rel, ok := m.relations[name]; ok {
		return rel
	}
	rel := NewRelation(name, m.cfg.Store.Table(name))
	m.relations[name] = rel
	m.cfg.Coord.Register("relation/"+name, rel)
	return rel
}

// CreateView creates a materialized view over req.Upstream and starts its
// backfill. Foreground creation blocks until the view has fully caught up;
// background creation returns as soon as the view's changelog is correct,
// while the snapshot scan continues behind it.
func (m *Manager) CreateView(ctx context.Context, req CreateViewRequest) error {
	if req.Name == "" || req.Upstream == "" {
		return fmt.Errorf("create view: name and upstream required: %w", cascerr.ErrInvalidInput)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return cascerr.ErrClosed
	}
	if _, ok := m.views[req.Name]; ok {
		m.mu.Unlock()
		return fmt.Errorf("view %s: %w", req.Name, cascerr.ErrAlreadyExists)
	}
	rel := m.relationLocked(req.Upstream)

	inst := &viewInstance{
		name:       req.Name,
		upstream:   req.Upstream,
		instanceID: uuid.NewString(),
		finished:   make(chan struct{}),
	}
	inst.source = changelog.NewSource(req.Name, m.cfg.SourceBuffer)
	inst.exec = backfill.NewExecutor(backfill.ExecutorConfig{
		InstanceID: inst.instanceID,
		ViewName:   req.Name,
		Store:      m.cfg.Progress,
		Reader:     snapshot.NewRetryReader(rel.Table(), m.cfg.RetryAttempts, m.cfg.RetryBackoff, m.cfg.Metrics),
		In:         inst.source.Out(),
		ChunkSize:  m.cfg.ChunkSize,
		RateLimit:  req.RateLimit,
		Metrics:    m.cfg.Metrics,
	})
	inst.sink = newViewSink(m.cfg.Store.Table(req.Name), m.log.WithView(req.Name))

	runCtx, cancel := context.WithCancel(context.Background())
	inst.cancel = cancel
	m.views[req.Name] = inst
	m.mu.Unlock()

	log := m.log.WithView(req.Name).WithInstance(inst.instanceID)
	log.Info("creating materialized view",
		"upstream", req.Upstream, "background", req.Background)

	go inst.sink.run(inst.exec.Out())
	go func() {
		err := inst.exec.Run(runCtx)
		if err == nil {
			err = inst.sink.failure()
		}
		m.mu.Lock()
		inst.err = err
		m.mu.Unlock()
		close(inst.finished)
		rel.unsubscribe(req.Name)
		if err != nil && !errorsIsCancel(err) {
			log.WithError(err).Error("backfill instance failed")
		}
		m.syncInstanceGauge()
	}()

	// Subscribe after the executor is running so the first barrier is
	// consumed, not buffered indefinitely.
	rel.subscribe(req.Name, inst.source, inst.sink)
	m.syncInstanceGauge()

	wait := inst.exec.Done()
	if req.Background {
		wait = inst.exec.Ready()
	}
	select {
	case <-wait:
		m.syncInstanceGauge()
		return nil
	case <-inst.finished:
		if inst.err != nil {
			return fmt.Errorf("create view %s: %w", req.Name, inst.err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AlterViewRateLimit changes a running view's backfill rate limit. Zero
// pauses the snapshot scan; the view's changelog keeps flowing.
func (m *Manager) AlterViewRateLimit(name string, limit backfill.RateLimit) error {
	m.mu.Lock()
	inst, ok := m.views[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("view %s: %w", name, cascerr.ErrNotFound)
	}
	inst.exec.SetRateLimit(limit)
	m.log.WithView(name).Info("altered backfill rate limit")
	return nil
}

// DropView stops a view's backfill, detaches it from its relation, and
// deletes its progress entry. The instance stops at the next barrier
// boundary; a re-created view of the same name backfills from scratch.
func (m *Manager) DropView(ctx context.Context, name string) error {
	m.mu.Lock()
	inst, ok := m.views[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("view %s: %w", name, cascerr.ErrNotFound)
	}
	delete(m.views, name)
	rel := m.relations[inst.upstream]
	m.mu.Unlock()

	if rel != nil {
		rel.unsubscribe(name)
	}
	inst.cancel()
	select {
	case <-inst.finished:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := m.cfg.Progress.Delete(ctx, inst.instanceID); err != nil && !errorsIsNotFound(err) {
		return fmt.Errorf("drop view %s: %w", name, err)
	}
	m.log.WithView(name).WithInstance(inst.instanceID).Info("dropped materialized view")
	m.syncInstanceGauge()
	return nil
}

// WaitAll blocks until every view's backfill has finished. A failed backfill
// surfaces its error.
func (m *Manager) WaitAll(ctx context.Context) error {
	m.mu.Lock()
	insts := make([]*viewInstance, 0, len(m.views))
	for _, inst := range m.views {
		insts = append(insts, inst)
	}
	m.mu.Unlock()

	for _, inst := range insts {
		select {
		case <-inst.exec.Done():
		case <-inst.finished:
			m.mu.Lock()
			err := inst.err
			m.mu.Unlock()
			if err != nil && !errorsIsCancel(err) {
				return fmt.Errorf("view %s: %w", inst.name, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Statuses reports every tracked backfill instance, sorted by view name.
func (m *Manager) Statuses() []backfill.Status {
	m.mu.Lock()
	insts := make([]*viewInstance, 0, len(m.views))
	for _, inst := range m.views {
		insts = append(insts, inst)
	}
	m.mu.Unlock()

	out := make([]backfill.Status, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.exec.Status())
	}
	sortStatuses(out)
	return out
}

// Close cancels all view instances and waits for them to stop. Progress
// entries are kept so backfills resume on restart.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	insts := make([]*viewInstance, 0, len(m.views))
	for _, inst := range m.views {
		insts = append(insts, inst)
	}
	for name := range m.relations {
		m.cfg.Coord.Deregister("relation/" + name)
	}
	m.mu.Unlock()

	for _, inst := range insts {
		inst.cancel()
	}
	for _, inst := range insts {
		select {
		case <-inst.finished:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) syncInstanceGauge() {
	if m.cfg.Metrics == nil {
		return
	}
	m.mu.Lock()
	counts := make(map[backfill.State]float64)
	for _, inst := range m.views {
		counts[inst.exec.Status().State]++
	}
	m.mu.Unlock()
	for _, s := range []backfill.State{backfill.StateInit, backfill.StateBackfilling, backfill.StateDone, backfill.StateFailed} {
		m.cfg.Metrics.BackfillInstances.WithLabelValues(s.String()).Set(counts[s])
	}
}

func sortStatuses(statuses []backfill.Status) {
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].ViewName < statuses[j].ViewName
	})
}

func errorsIsCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, cascerr.ErrCancelled)
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, cascerr.ErrNotFound)
}
