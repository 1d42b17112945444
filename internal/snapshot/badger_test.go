package snapshot

import (
	"context"
	"testing"

	"github.com/cascadedb/cascade/internal/changelog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insert(key, value string) changelog.Record {
	return changelog.Record{Op: changelog.OpInsert, Key: []byte(key), Value: []byte(value)}
}

func del(key string) changelog.Record {
	return changelog.Record{Op: changelog.OpDelete, Key: []byte(key)}
}

func TestTableAsOfReads(t *testing.T) {
	ctx := context.Background()
	tbl := newTestStore(t).Table("orders")

	if err := tbl.ApplyAt(1, []changelog.Record{insert("a", "a1"), insert("b", "b1")}); err != nil {
		t.Fatalf("ApplyAt(1): %v", err)
	}
	if err := tbl.ApplyAt(2, []changelog.Record{insert("a", "a2"), del("b")}); err != nil {
		t.Fatalf("ApplyAt(2): %v", err)
	}

	v, err := tbl.Get(ctx, []byte("a"), 1)
	if err != nil {
		t.Fatalf("Get a@1: %v", err)
	}
	if string(v) != "a1" {
		t.Errorf("a@1 = %q, want a1", v)
	}

	v, err = tbl.Get(ctx, []byte("a"), 2)
	if err != nil {
		t.Fatalf("Get a@2: %v", err)
	}
	if string(v) != "a2" {
		t.Errorf("a@2 = %q, want a2", v)
	}

	v, err = tbl.Get(ctx, []byte("b"), 2)
	if err != nil {
		t.Fatalf("Get b@2: %v", err)
	}
	if v != nil {
		t.Errorf("b@2 = %q, want deleted", v)
	}

	v, err = tbl.Get(ctx, []byte("b"), 1)
	if err != nil {
		t.Fatalf("Get b@1: %v", err)
	}
	if string(v) != "b1" {
		t.Errorf("b@1 = %q, want b1 (delete at epoch 2 invisible)", v)
	}
}

func TestTableIsolation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	orders := store.Table("orders")
	users := store.Table("users")

	if err := orders.ApplyAt(1, []changelog.Record{insert("k", "order")}); err != nil {
		t.Fatalf("ApplyAt: %v", err)
	}
	if err := users.ApplyAt(1, []changelog.Record{insert("k", "user")}); err != nil {
		t.Fatalf("ApplyAt: %v", err)
	}

	v, err := orders.Get(ctx, []byte("k"), 1)
	if err != nil || string(v) != "order" {
		t.Errorf("orders/k = %q, %v", v, err)
	}

	chunk, err := users.ReadChunk(ctx, nil, 10, 1)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if len(chunk.Rows) != 1 || string(chunk.Rows[0].Value) != "user" {
		t.Errorf("users chunk = %v, want the single user row", chunk.Rows)
	}
}

func TestReadChunkPagination(t *testing.T) {
	ctx := context.Background()
	tbl := newTestStore(t).Table("t")

	if err := tbl.ApplyAt(1, []changelog.Record{
		insert("a", "1"), insert("b", "2"), insert("c", "3"),
		insert("d", "4"), insert("e", "5"),
	}); err != nil {
		t.Fatalf("ApplyAt: %v", err)
	}

	chunk, err := tbl.ReadChunk(ctx, nil, 2, 1)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if len(chunk.Rows) != 2 || chunk.Exhausted {
		t.Fatalf("first chunk: %d rows exhausted=%v, want 2 rows not exhausted",
			len(chunk.Rows), chunk.Exhausted)
	}
	if string(chunk.Rows[0].Key) != "a" || string(chunk.Rows[1].Key) != "b" {
		t.Errorf("first chunk keys = %q, %q", chunk.Rows[0].Key, chunk.Rows[1].Key)
	}

	chunk, err = tbl.ReadChunk(ctx, chunk.Last(), 2, 1)
	if err != nil {
		t.Fatalf("ReadChunk 2: %v", err)
	}
	if string(chunk.Rows[0].Key) != "c" || string(chunk.Rows[1].Key) != "d" {
		t.Errorf("second chunk keys = %q, %q", chunk.Rows[0].Key, chunk.Rows[1].Key)
	}

	chunk, err = tbl.ReadChunk(ctx, chunk.Last(), 2, 1)
	if err != nil {
		t.Fatalf("ReadChunk 3: %v", err)
	}
	if len(chunk.Rows) != 1 || !chunk.Exhausted {
		t.Errorf("final chunk: %d rows exhausted=%v, want 1 row exhausted",
			len(chunk.Rows), chunk.Exhausted)
	}
	if string(chunk.Rows[0].Key) != "e" {
		t.Errorf("final key = %q, want e", chunk.Rows[0].Key)
	}
}

func TestReadChunkAsOfIgnoresLaterWrites(t *testing.T) {
	ctx := context.Background()
	tbl := newTestStore(t).Table("t")

	if err := tbl.ApplyAt(1, []changelog.Record{insert("a", "old")}); err != nil {
		t.Fatalf("ApplyAt(1): %v", err)
	}
	if err := tbl.ApplyAt(5, []changelog.Record{insert("a", "new"), insert("b", "born-later")}); err != nil {
		t.Fatalf("ApplyAt(5): %v", err)
	}

	chunk, err := tbl.ReadChunk(ctx, nil, 10, 1)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if len(chunk.Rows) != 1 {
		t.Fatalf("chunk@1 has %d rows, want 1", len(chunk.Rows))
	}
	if string(chunk.Rows[0].Value) != "old" {
		t.Errorf("a@1 = %q, want old", chunk.Rows[0].Value)
	}
}

func TestReadChunkEmptyTable(t *testing.T) {
	tbl := newTestStore(t).Table("t")
	chunk, err := tbl.ReadChunk(context.Background(), nil, 10, 1)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if len(chunk.Rows) != 0 || !chunk.Exhausted {
		t.Errorf("empty table chunk = %+v, want exhausted and empty", chunk)
	}
	if chunk.Last() != nil {
		t.Errorf("Last() on empty chunk = %v, want nil", chunk.Last())
	}
}

func TestReadChunkInvalidLimit(t *testing.T) {
	tbl := newTestStore(t).Table("t")
	if _, err := tbl.ReadChunk(context.Background(), nil, 0, 1); err == nil {
		t.Error("ReadChunk accepted limit 0")
	}
}

func TestMaxVersion(t *testing.T) {
	store := newTestStore(t)
	if store.MaxVersion() != 0 {
		t.Errorf("MaxVersion of empty store = %d", uint64(store.MaxVersion()))
	}
	if err := store.Table("t").ApplyAt(9, []changelog.Record{insert("a", "1")}); err != nil {
		t.Fatalf("ApplyAt: %v", err)
	}
	if store.MaxVersion() != 9 {
		t.Errorf("MaxVersion = %d, want 9", uint64(store.MaxVersion()))
	}
}
