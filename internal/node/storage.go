// Package node assembles a cascade node from configuration.
package node

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/cascadedb/cascade/internal/config"
	"github.com/cascadedb/cascade/internal/observability"
	"github.com/cascadedb/cascade/internal/progress"
	"github.com/cascadedb/cascade/internal/progress/physical"
	"github.com/cascadedb/cascade/internal/snapshot"

	// Register progress backends
	_ "github.com/cascadedb/cascade/internal/progress/physical/badger"
	_ "github.com/cascadedb/cascade/internal/progress/physical/memory"
	_ "github.com/cascadedb/cascade/internal/progress/physical/redis"
	_ "github.com/cascadedb/cascade/internal/progress/physical/sqlite"
)

// NewProgressStore creates the backfill progress store from configuration.
// File-backed backends default their path to <dataDir>/progress.
func NewProgressStore(ctx context.Context, dataDir string, cfg config.BackendConfig, metrics *observability.Metrics) (*progress.Store, error) {
	conf := make(map[string]string, len(cfg.Config)+1)
	for k, v := range cfg.Config {
		conf[k] = v
	}
	if conf["path"] == "" {
		switch cfg.Backend {
		case "badger":
			conf["path"] = filepath.Join(dataDir, "progress")
		case "sqlite":
			conf["path"] = filepath.Join(dataDir, "progress.db")
		}
	}

	backend, err := physical.New(ctx, cfg.Backend, conf)
	if err != nil {
		return nil, fmt.Errorf("create progress backend: %w", err)
	}
	return progress.NewStore(backend, metrics), nil
}

// OpenTableStore opens the epoch-versioned table store.
func OpenTableStore(cfg config.Config) (*snapshot.Store, error) {
	store, err := snapshot.Open(cfg.TableDir())
	if err != nil {
		return nil, fmt.Errorf("open table store: %w", err)
	}
	return store, nil
}
