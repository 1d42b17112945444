package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics registry and standard meters.
type Metrics struct {
	Registry          *prometheus.Registry
	OperationDuration *prometheus.HistogramVec
	OperationTotal    *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec

	// Backfill meters.
	BackfillRowsTotal    *prometheus.CounterVec
	BackfillInstances    *prometheus.GaugeVec
	BackfillChunkRows    prometheus.Histogram
	BarrierEpoch         prometheus.Gauge
	ProgressWritesTotal  *prometheus.CounterVec
	SnapshotRetriesTotal prometheus.Counter
}

// NewMetrics creates a custom Prometheus registry with standard cascade metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	opDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cascade_operation_duration_seconds",
		Help:    "Duration of operations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "status"})

	opTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cascade_operation_total",
		Help: "Total number of operations.",
	}, []string{"operation", "status"})

	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cascade_errors_total",
		Help: "Total number of errors.",
	}, []string{"operation", "type"})

	backfillRows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cascade_backfill_rows_total",
		Help: "Rows emitted by backfill instances.",
	}, []string{"instance", "kind"})

	backfillInstances := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cascade_backfill_instances",
		Help: "Backfill instances by state.",
	}, []string{"state"})

	chunkRows := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cascade_backfill_chunk_rows",
		Help:    "Rows per snapshot chunk.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	barrierEpoch := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cascade_barrier_epoch",
		Help: "Most recently issued barrier epoch.",
	})

	progressWrites := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cascade_progress_writes_total",
		Help: "Progress store writes.",
	}, []string{"status"})

	snapshotRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cascade_snapshot_retries_total",
		Help: "Snapshot chunk reads retried after transient faults.",
	})

	reg.MustRegister(opDuration, opTotal, errorsTotal,
		backfillRows, backfillInstances, chunkRows, barrierEpoch, progressWrites, snapshotRetries)

	return &Metrics{
		Registry:             reg,
		OperationDuration:    opDuration,
		OperationTotal:       opTotal,
		ErrorsTotal:          errorsTotal,
		BackfillRowsTotal:    backfillRows,
		BackfillInstances:    backfillInstances,
		BackfillChunkRows:    chunkRows,
		BarrierEpoch:         barrierEpoch,
		ProgressWritesTotal:  progressWrites,
		SnapshotRetriesTotal: snapshotRetries,
	}
}
