package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cascadedb/cascade/internal/epoch"
	"github.com/cascadedb/cascade/internal/observability"
	cascerr "github.com/cascadedb/cascade/pkg/errors"
)

const (
	defaultMaxAttempts = 5
	defaultBaseBackoff = 50 * time.Millisecond
	maxBackoff         = 5 * time.Second
)

// RetryReader wraps a Reader with bounded exponential backoff. Chunk reads are
// side-effect-free, so each retry re-issues the identical cursor. An exhausted
// budget surfaces ErrRetryExhausted, which escalates to an instance restart.
type RetryReader struct {
	inner       Reader
	maxAttempts int
	baseBackoff time.Duration
	metrics     *observability.Metrics
}

// NewRetryReader wraps inner. maxAttempts <= 0 and baseBackoff <= 0 select
// defaults.
func NewRetryReader(inner Reader, maxAttempts int, baseBackoff time.Duration, metrics *observability.Metrics) *RetryReader {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if baseBackoff <= 0 {
		baseBackoff = defaultBaseBackoff
	}
	return &RetryReader{
		inner:       inner,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		metrics:     metrics,
	}
}

// ReadChunk implements Reader.
func (r *RetryReader) ReadChunk(ctx context.Context, after []byte, limit int, asOf epoch.Epoch) (*Chunk, error) {
	backoff := r.baseBackoff
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		chunk, err := r.inner.ReadChunk(ctx, after, limit, asOf)
		if err == nil {
			return chunk, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		slog.WarnContext(ctx, "snapshot chunk read failed, retrying",
			"attempt", attempt, "max_attempts", r.maxAttempts, "error", err)
		if r.metrics != nil {
			r.metrics.SnapshotRetriesTotal.Inc()
		}

		if attempt == r.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return nil, fmt.Errorf("%w: read chunk after %d attempts: %v", cascerr.ErrRetryExhausted, r.maxAttempts, lastErr)
}
