package node

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/cascadedb/cascade/internal/config"
	"github.com/cascadedb/cascade/internal/ddl"
	"github.com/cascadedb/cascade/internal/epoch"
	"github.com/cascadedb/cascade/internal/observability"
	"github.com/cascadedb/cascade/internal/progress"
	"github.com/cascadedb/cascade/internal/snapshot"
)

// Node is a running cascade node: table store, progress store, barrier
// coordinator, and the DDL surface over them.
type Node struct {
	Cfg      config.Config
	Obs      *observability.Observability
	Tables   *snapshot.Store
	Progress *progress.Store
	Coord    *epoch.LocalCoordinator
	DDL      *ddl.Manager
}

// New builds a node from configuration. The barrier coordinator is seeded
// with the highest epoch found in storage so epochs never regress across
// restarts.
func New(ctx context.Context, cfg config.Config) (*Node, error) {
	obs, err := observability.New(ctx, observability.ObsConfig{
		LogLevel:       cfg.Observability.LogLevel,
		LogFormat:      cfg.Observability.LogFormat,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		OTLPProtocol:   cfg.Observability.OTLPProtocol,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
	}, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	tables, err := OpenTableStore(cfg)
	if err != nil {
		return nil, err
	}
	obs.Shutdown.Register("table-store", func(context.Context) error {
		return tables.Close()
	})

	prog, err := NewProgressStore(ctx, cfg.DataDir, cfg.Storage.Progress, obs.Metrics)
	if err != nil {
		return nil, err
	}
	obs.Shutdown.Register("progress-store", func(context.Context) error {
		return prog.Close()
	})

	start, err := prog.MaxCommittedEpoch(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover committed epoch: %w", err)
	}
	if v := tables.MaxVersion(); v > start {
		start = v
	}
	coord := epoch.NewLocalCoordinator(start, obs.Metrics)

	mgr := ddl.NewManager(ddl.Config{
		Store:         tables,
		Progress:      prog,
		Coord:         coord,
		Metrics:       obs.Metrics,
		Log:           obs.Logger,
		ChunkSize:     cfg.Backfill.ChunkSize,
		SourceBuffer:  cfg.Backfill.SourceBuffer,
		RetryAttempts: cfg.Backfill.RetryAttempts,
		RetryBackoff:  cfg.Backfill.RetryBackoff,
	})
	obs.Shutdown.Register("ddl-manager", mgr.Close)

	obs.Logger.Info("node initialized",
		"data_dir", cfg.DataDir,
		"progress_backend", cfg.Storage.Progress.Backend,
		"start_epoch", uint64(start),
	)

	return &Node{
		Cfg:      cfg,
		Obs:      obs,
		Tables:   tables,
		Progress: prog,
		Coord:    coord,
		DDL:      mgr,
	}, nil
}

// Run serves metrics and ticks barriers until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if addr := n.Cfg.Observability.MetricsAddr; addr != "" {
		srv := n.Obs.ServeMetrics(ctx, addr)
		n.Obs.Shutdown.Register("metrics-server", srv.Shutdown)
	}

	g.Go(func() error {
		return n.Coord.Run(ctx, n.Cfg.Barrier.Interval)
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// Close runs all shutdown handlers in reverse registration order.
func (n *Node) Close(ctx context.Context) error {
	return n.Obs.Close(ctx)
}
