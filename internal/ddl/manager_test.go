package ddl

import (
	"context"
	"errors"
	"testing"
	"time"

	cascerr "github.com/cascadedb/cascade/pkg/errors"

	"github.com/cascadedb/cascade/internal/backfill"
	"github.com/cascadedb/cascade/internal/changelog"
	"github.com/cascadedb/cascade/internal/epoch"
	"github.com/cascadedb/cascade/internal/progress"
	"github.com/cascadedb/cascade/internal/progress/physical/memory"
	"github.com/cascadedb/cascade/internal/snapshot"
)

type testRig struct {
	store    *snapshot.Store
	progress *progress.Store
	coord    *epoch.LocalCoordinator
	mgr      *Manager
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	store, err := snapshot.Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	prog := progress.NewStore(memory.New(), nil)
	coord := epoch.NewLocalCoordinator(0, nil)
	mgr := NewManager(Config{
		Store:     store,
		Progress:  prog,
		Coord:     coord,
		ChunkSize: 2,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})

	return &testRig{store: store, progress: prog, coord: coord, mgr: mgr}
}

// startTicker drives barriers in the background for the rest of the test.
func (r *testRig) startTicker(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if _, err := r.coord.Tick(context.Background()); err != nil && ctx.Err() == nil {
				t.Errorf("tick: %v", err)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
}

// seed populates the upstream relation through ticked epochs.
func (r *testRig) seed(t *testing.T, rel *Relation, pairs ...string) {
	t.Helper()
	for i := 0; i+1 < len(pairs); i += 2 {
		rel.Emit(changelog.OpInsert, []byte(pairs[i]), []byte(pairs[i+1]))
	}
	if _, err := r.coord.Tick(context.Background()); err != nil {
		t.Fatalf("seed tick: %v", err)
	}
}

// viewRows polls until the view's table matches want at the current epoch.
func (r *testRig) awaitViewRows(t *testing.T, view string, want map[string]string) {
	t.Helper()
	tbl := r.store.Table(view)
	deadline := time.Now().Add(5 * time.Second)
	for {
		chunk, err := tbl.ReadChunk(context.Background(), nil, 1000, r.coord.Current())
		if err != nil {
			t.Fatalf("ReadChunk: %v", err)
		}
		got := make(map[string]string, len(chunk.Rows))
		for _, row := range chunk.Rows {
			got[string(row.Key)] = string(row.Value)
		}
		if len(got) == len(want) {
			match := true
			for k, v := range want {
				if got[k] != v {
					match = false
					break
				}
			}
			if match {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("view %s = %v, want %v", view, got, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestCreateViewForeground(t *testing.T) {
	r := newTestRig(t)
	rel := r.mgr.Relation("orders")
	r.seed(t, rel, "a", "a0", "b", "b0", "c", "c0", "d", "d0", "e", "e0")
	r.startTicker(t)

	err := r.mgr.CreateView(context.Background(), CreateViewRequest{
		Name:     "mv_orders",
		Upstream: "orders",
	})
	if err != nil {
		t.Fatalf("CreateView: %v", err)
	}

	statuses := r.mgr.Statuses()
	if len(statuses) != 1 {
		t.Fatalf("Statuses has %d entries, want 1", len(statuses))
	}
	if statuses[0].State != backfill.StateDone {
		t.Errorf("state = %v, want Done after foreground create", statuses[0].State)
	}

	r.awaitViewRows(t, "mv_orders", map[string]string{
		"a": "a0", "b": "b0", "c": "c0", "d": "d0", "e": "e0",
	})
}

func TestCreateViewBackgroundConvergesWithLiveChanges(t *testing.T) {
	r := newTestRig(t)
	rel := r.mgr.Relation("orders")
	r.seed(t, rel, "a", "a0", "b", "b0", "c", "c0", "d", "d0")
	r.startTicker(t)

	err := r.mgr.CreateView(context.Background(), CreateViewRequest{
		Name:       "mv_orders",
		Upstream:   "orders",
		Background: true,
	})
	if err != nil {
		t.Fatalf("CreateView: %v", err)
	}

	// Live mutations while the backfill may still be running.
	rel.Emit(changelog.OpDelete, []byte("b"), nil)
	rel.EmitUpdate([]byte("c"), []byte("c0"), []byte("c1"))
	rel.Emit(changelog.OpInsert, []byte("z"), []byte("z0"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.mgr.WaitAll(ctx); err != nil {
		t.Fatalf("WaitAll: %v", err)
	}

	r.awaitViewRows(t, "mv_orders", map[string]string{
		"a": "a0", "c": "c1", "d": "d0", "z": "z0",
	})
}

func TestCreateViewValidation(t *testing.T) {
	r := newTestRig(t)
	r.startTicker(t)

	if err := r.mgr.CreateView(context.Background(), CreateViewRequest{Name: "mv"}); !errors.Is(err, cascerr.ErrInvalidInput) {
		t.Errorf("missing upstream: err = %v, want ErrInvalidInput", err)
	}

	req := CreateViewRequest{Name: "mv", Upstream: "orders"}
	if err := r.mgr.CreateView(context.Background(), req); err != nil {
		t.Fatalf("CreateView: %v", err)
	}
	if err := r.mgr.CreateView(context.Background(), req); !errors.Is(err, cascerr.ErrAlreadyExists) {
		t.Errorf("duplicate: err = %v, want ErrAlreadyExists", err)
	}
}

func TestDropViewDeletesProgress(t *testing.T) {
	r := newTestRig(t)
	rel := r.mgr.Relation("orders")
	r.seed(t, rel, "a", "a0")
	r.startTicker(t)

	ctx := context.Background()
	if err := r.mgr.CreateView(ctx, CreateViewRequest{Name: "mv", Upstream: "orders"}); err != nil {
		t.Fatalf("CreateView: %v", err)
	}
	if err := r.mgr.DropView(ctx, "mv"); err != nil {
		t.Fatalf("DropView: %v", err)
	}

	entries, err := r.progress.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("progress has %d entries after drop, want 0", len(entries))
	}
	if len(r.mgr.Statuses()) != 0 {
		t.Error("dropped view still tracked")
	}

	if err := r.mgr.DropView(ctx, "mv"); !errors.Is(err, cascerr.ErrNotFound) {
		t.Errorf("second drop: err = %v, want ErrNotFound", err)
	}

	// The name is free again.
	if err := r.mgr.CreateView(ctx, CreateViewRequest{Name: "mv", Upstream: "orders"}); err != nil {
		t.Fatalf("recreate: %v", err)
	}
}

func TestAlterViewRateLimit(t *testing.T) {
	r := newTestRig(t)
	rel := r.mgr.Relation("orders")
	r.seed(t, rel, "a", "a0", "b", "b0", "c", "c0")
	r.startTicker(t)

	ctx := context.Background()
	err := r.mgr.CreateView(ctx, CreateViewRequest{
		Name:       "mv",
		Upstream:   "orders",
		Background: true,
		RateLimit:  backfill.RowsPerSecond(0),
	})
	if err != nil {
		t.Fatalf("CreateView: %v", err)
	}

	// Paused: barriers advance, the scan does not.
	time.Sleep(20 * time.Millisecond)
	st := r.mgr.Statuses()[0]
	if st.State != backfill.StateBackfilling || st.Position != nil {
		t.Fatalf("paused status = %v at %q, want Backfilling at nil", st.State, st.Position)
	}

	if err := r.mgr.AlterViewRateLimit("mv", backfill.Unlimited()); err != nil {
		t.Fatalf("AlterViewRateLimit: %v", err)
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.mgr.WaitAll(wctx); err != nil {
		t.Fatalf("WaitAll after unpause: %v", err)
	}

	if err := r.mgr.AlterViewRateLimit("nope", backfill.Unlimited()); !errors.Is(err, cascerr.ErrNotFound) {
		t.Errorf("alter missing view: err = %v, want ErrNotFound", err)
	}
}

func TestRelationBarrierAppliesStagedRecords(t *testing.T) {
	r := newTestRig(t)
	rel := r.mgr.Relation("orders")

	rel.Emit(changelog.OpInsert, []byte("k"), []byte("v1"))
	if _, err := r.coord.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	rel.EmitUpdate([]byte("k"), []byte("v1"), []byte("v2"))
	if _, err := r.coord.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	v, err := rel.Table().Get(context.Background(), []byte("k"), 1)
	if err != nil || string(v) != "v1" {
		t.Errorf("k@1 = %q, %v, want v1", v, err)
	}
	v, err = rel.Table().Get(context.Background(), []byte("k"), 2)
	if err != nil || string(v) != "v2" {
		t.Errorf("k@2 = %q, %v, want v2", v, err)
	}
}

func TestManagerClosedRejectsCreate(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	if err := r.mgr.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := r.mgr.CreateView(ctx, CreateViewRequest{Name: "mv", Upstream: "orders"})
	if !errors.Is(err, cascerr.ErrClosed) {
		t.Errorf("create after close: err = %v, want ErrClosed", err)
	}
}
