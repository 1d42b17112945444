package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/cascadedb/cascade/internal/changelog"
	"github.com/cascadedb/cascade/internal/epoch"
	"github.com/cascadedb/cascade/internal/storage"
)

// Store is an epoch-versioned table store. It runs BadgerDB in managed mode
// with the commit timestamp equal to the epoch, so a read at timestamp E is
// exactly the consistent as-of-epoch view the backfill contract requires.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a table store at the given path. An empty path opens
// an in-memory store.
func Open(path string) (*Store, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		path = storage.ExpandPath(path)
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("create table store directory: %w", err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = nil

	db, err := badger.OpenManaged(opts)
	if err != nil {
		return nil, fmt.Errorf("open table store: %w", err)
	}

	slog.Info("table store opened", "path", path, "in_memory", path == "")
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing managed-mode BadgerDB instance.
func NewWithDB(db *badger.DB) *Store {
	return &Store{db: db}
}

// Table returns a handle to the named table.
func (s *Store) Table(name string) *Table {
	return &Table{
		store:  s,
		name:   name,
		prefix: []byte("t/" + name + "/"),
	}
}

// MaxVersion returns the highest commit epoch present in the store.
func (s *Store) MaxVersion() epoch.Epoch {
	return epoch.Epoch(s.db.MaxVersion())
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Table is one relation inside a Store. It implements Reader.
type Table struct {
	store  *Store
	name   string
	prefix []byte
}

// Name returns the table name.
func (t *Table) Name() string {
	return t.name
}

func (t *Table) rowKey(key []byte) []byte {
	return append(append([]byte(nil), t.prefix...), key...)
}

// ApplyAt commits a batch of mutations at the given epoch. Upserts set the
// row; deletes (including the delete half of paired updates) remove it.
func (t *Table) ApplyAt(e epoch.Epoch, records []changelog.Record) error {
	if len(records) == 0 {
		return nil
	}

	txn := t.store.db.NewTransactionAt(uint64(e), true)
	defer txn.Discard()

	for _, rec := range records {
		var err error
		if rec.Op.Upsert() {
			err = txn.Set(t.rowKey(rec.Key), rec.Value)
		} else {
			err = txn.Delete(t.rowKey(rec.Key))
		}
		if err != nil {
			return fmt.Errorf("apply to %s: %w", t.name, err)
		}
	}

	if err := txn.CommitAt(uint64(e), nil); err != nil {
		return fmt.Errorf("commit to %s at epoch %d: %w", t.name, uint64(e), err)
	}
	return nil
}

// Get returns the value for a key as of the given epoch, or nil if absent.
func (t *Table) Get(ctx context.Context, key []byte, asOf epoch.Epoch) ([]byte, error) {
	txn := t.store.db.NewTransactionAt(uint64(asOf), false)
	defer txn.Discard()

	item, err := txn.Get(t.rowKey(key))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get from %s: %w", t.name, err)
	}
	return item.ValueCopy(nil)
}

// ReadChunk scans up to limit rows with keys strictly greater than after, as
// of the given epoch. Implements Reader.
func (t *Table) ReadChunk(ctx context.Context, after []byte, limit int, asOf epoch.Epoch) (*Chunk, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("read chunk from %s: non-positive limit %d", t.name, limit)
	}

	txn := t.store.db.NewTransactionAt(uint64(asOf), false)
	defer txn.Discard()

	iterOpts := badger.DefaultIteratorOptions
	iterOpts.Prefix = t.prefix
	it := txn.NewIterator(iterOpts)
	defer it.Close()

	// Seek past the cursor. The zero byte appended to after lands on the
	// first key strictly greater than it.
	seek := t.prefix
	if after != nil {
		seek = append(t.rowKey(after), 0)
	}

	chunk := &Chunk{}
	for it.Seek(seek); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(chunk.Rows) == limit {
			return chunk, nil
		}

		item := it.Item()
		key := item.KeyCopy(nil)[len(t.prefix):]
		if after != nil && bytes.Compare(key, after) <= 0 {
			continue
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("read chunk from %s: %w", t.name, err)
		}
		chunk.Rows = append(chunk.Rows, Row{Key: key, Value: value})
	}

	chunk.Exhausted = true
	return chunk, nil
}
