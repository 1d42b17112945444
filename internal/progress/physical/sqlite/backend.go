// Package sqlite provides a SQLite-backed progress backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cascadedb/cascade/internal/progress/physical"
	"github.com/cascadedb/cascade/internal/storage"
)

const (
	KeyPath        = "path"
	KeyJournalMode = "journal_mode"
	KeyBusyTimeout = "busy_timeout"
)

func init() {
	physical.Register("sqlite", NewFactory, Defaults)
}

// Defaults returns the default configuration for the SQLite backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:        "~/.cascade/progress.db",
		KeyJournalMode: "wal",
		KeyBusyTimeout: "5000",
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS backfill_progress (
    instance_id     TEXT PRIMARY KEY,
    view_name       TEXT NOT NULL DEFAULT '',
    position        BLOB,
    done            INTEGER NOT NULL DEFAULT 0,
    committed_epoch INTEGER NOT NULL DEFAULT 0,
    updated_at_ms   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_backfill_progress_done ON backfill_progress(done);
`

// NewFactory creates a new SQLite backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	path := storage.GetString(config, KeyPath, "")
	if path == "" {
		return nil, storage.NewConfigError("sqlite", KeyPath, "cannot be empty")
	}
	path = storage.ExpandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to create directory", err)
	}

	journalMode := storage.GetString(config, KeyJournalMode, "wal")
	busyTimeout := storage.GetString(config, KeyBusyTimeout, "5000")

	dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_busy_timeout=%s", path, journalMode, busyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to open database", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to initialize schema", err)
	}

	slog.Info("sqlite progress store initialized", "path", path, "journal_mode", journalMode)
	return &Backend{db: db}, nil
}

// Backend is a SQLite implementation of physical.Backend.
type Backend struct {
	db     *sql.DB
	closed atomic.Bool
}

// Put upserts an entry. The single-statement upsert keeps the write atomic.
func (b *Backend) Put(ctx context.Context, entry *physical.Entry) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	updated := entry.UpdatedAtMs
	if updated == 0 {
		updated = time.Now().UnixMilli()
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO backfill_progress (instance_id, view_name, position, done, committed_epoch, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			view_name = excluded.view_name,
			position = excluded.position,
			done = excluded.done,
			committed_epoch = excluded.committed_epoch,
			updated_at_ms = excluded.updated_at_ms`,
		entry.InstanceID, entry.ViewName, entry.Position, boolToInt(entry.Done),
		int64(entry.CommittedEpoch), updated)
	if err != nil {
		return fmt.Errorf("sqlite put: %w", err)
	}
	return nil
}

// Get retrieves the entry for an instance.
func (b *Backend) Get(ctx context.Context, instanceID string) (*physical.Entry, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	row := b.db.QueryRowContext(ctx, `
		SELECT instance_id, view_name, position, done, committed_epoch, updated_at_ms
		FROM backfill_progress WHERE instance_id = ?`, instanceID)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}
	return entry, nil
}

// Delete removes the entry for an instance. Deleting a missing entry is a no-op.
func (b *Backend) Delete(ctx context.Context, instanceID string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM backfill_progress WHERE instance_id = ?`, instanceID); err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

// List returns all entries ordered by instance id.
func (b *Backend) List(ctx context.Context) ([]*physical.Entry, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT instance_id, view_name, position, done, committed_epoch, updated_at_ms
		FROM backfill_progress ORDER BY instance_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite list: %w", err)
	}
	defer rows.Close()

	var entries []*physical.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite list: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite list: %w", err)
	}
	return entries, nil
}

// Close closes the underlying database.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*physical.Entry, error) {
	var entry physical.Entry
	var done int
	var committed int64
	if err := row.Scan(&entry.InstanceID, &entry.ViewName, &entry.Position,
		&done, &committed, &entry.UpdatedAtMs); err != nil {
		return nil, err
	}
	entry.Done = done != 0
	entry.CommittedEpoch = uint64(committed)
	return &entry, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
