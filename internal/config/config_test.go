package config

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Progress.Backend != "badger" {
		t.Errorf("progress backend = %q, want badger", cfg.Storage.Progress.Backend)
	}
	if cfg.Backfill.ChunkSize != 256 {
		t.Errorf("chunk size = %d, want 256", cfg.Backfill.ChunkSize)
	}
	if cfg.Backfill.RowsPerSecond != -1 {
		t.Errorf("rows per second = %d, want -1", cfg.Backfill.RowsPerSecond)
	}
	if cfg.Barrier.Interval != 100*time.Millisecond {
		t.Errorf("barrier interval = %v, want 100ms", cfg.Barrier.Interval)
	}
	if cfg.Observability.MetricsAddr != ":9090" {
		t.Errorf("metrics addr = %q, want :9090", cfg.Observability.MetricsAddr)
	}
	if cfg.DataDir == "" {
		t.Error("data dir empty")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CASCADE_DATA_DIR", "/srv/cascade")
	t.Setenv("CASCADE_STORAGE_PROGRESS_BACKEND", "sqlite")
	t.Setenv("CASCADE_BACKFILL_ROWS_PER_SECOND", "500")
	t.Setenv("CASCADE_BARRIER_INTERVAL", "250ms")

	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/srv/cascade" {
		t.Errorf("data dir = %q, want /srv/cascade", cfg.DataDir)
	}
	if cfg.Storage.Progress.Backend != "sqlite" {
		t.Errorf("progress backend = %q, want sqlite", cfg.Storage.Progress.Backend)
	}
	if cfg.Backfill.RowsPerSecond != 500 {
		t.Errorf("rows per second = %d, want 500", cfg.Backfill.RowsPerSecond)
	}
	if cfg.Barrier.Interval != 250*time.Millisecond {
		t.Errorf("barrier interval = %v, want 250ms", cfg.Barrier.Interval)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.hcl"))
	if err == nil {
		t.Fatal("Load with a missing explicit config file succeeded")
	}
}

func TestBackfillRateLimit(t *testing.T) {
	if l := (BackfillConfig{RowsPerSecond: -1}).RateLimit(); l.RowsPerSecond != nil {
		t.Errorf("negative rate = %v, want unlimited", *l.RowsPerSecond)
	}
	if l := (BackfillConfig{RowsPerSecond: 0}).RateLimit(); l.RowsPerSecond == nil || *l.RowsPerSecond != 0 {
		t.Error("zero rate should mean paused, not unlimited")
	}
	if l := (BackfillConfig{RowsPerSecond: 1000}).RateLimit(); l.RowsPerSecond == nil || *l.RowsPerSecond != 1000 {
		t.Error("positive rate not preserved")
	}
	// Rates beyond uint32 clamp instead of wrapping to a tiny (or paused) rate.
	if l := (BackfillConfig{RowsPerSecond: math.MaxUint32 + 1}).RateLimit(); l.RowsPerSecond == nil || *l.RowsPerSecond != math.MaxUint32 {
		t.Error("oversized rate not clamped")
	}
}

func TestTableDir(t *testing.T) {
	cfg := Config{DataDir: "/var/lib/cascade", Storage: StorageConfig{Table: "tables"}}
	if got := cfg.TableDir(); got != filepath.Join("/var/lib/cascade", "tables") {
		t.Errorf("TableDir = %q", got)
	}
	cfg.Storage.Table = "/mnt/tables"
	if got := cfg.TableDir(); got != "/mnt/tables" {
		t.Errorf("absolute TableDir = %q", got)
	}
}
