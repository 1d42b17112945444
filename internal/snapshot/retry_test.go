package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cascadedb/cascade/internal/epoch"
	cascerr "github.com/cascadedb/cascade/pkg/errors"
)

// flakyReader fails the first failures reads, then serves a fixed chunk.
type flakyReader struct {
	failures int
	calls    int
}

func (f *flakyReader) ReadChunk(_ context.Context, _ []byte, _ int, _ epoch.Epoch) (*Chunk, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("transient fault")
	}
	return &Chunk{Rows: []Row{{Key: []byte("k"), Value: []byte("v")}}, Exhausted: true}, nil
}

func TestRetryReaderRecovers(t *testing.T) {
	inner := &flakyReader{failures: 2}
	r := NewRetryReader(inner, 5, time.Millisecond, nil)

	chunk, err := r.ReadChunk(context.Background(), nil, 10, 1)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if len(chunk.Rows) != 1 || !chunk.Exhausted {
		t.Errorf("chunk = %+v", chunk)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestRetryReaderExhaustsBudget(t *testing.T) {
	inner := &flakyReader{failures: 100}
	r := NewRetryReader(inner, 3, time.Millisecond, nil)

	_, err := r.ReadChunk(context.Background(), nil, 10, 1)
	if !errors.Is(err, cascerr.ErrRetryExhausted) {
		t.Fatalf("err = %v, want ErrRetryExhausted", err)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want exactly the budget", inner.calls)
	}
}

func TestRetryReaderHonorsCancellation(t *testing.T) {
	inner := &flakyReader{failures: 100}
	r := NewRetryReader(inner, 50, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(15 * time.Millisecond)
		cancel()
	}()

	_, err := r.ReadChunk(ctx, nil, 10, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if inner.calls >= 50 {
		t.Errorf("calls = %d, cancellation did not cut the retry loop", inner.calls)
	}
}

func TestRetryReaderDefaults(t *testing.T) {
	r := NewRetryReader(&flakyReader{}, 0, 0, nil)
	if r.maxAttempts != defaultMaxAttempts || r.baseBackoff != defaultBaseBackoff {
		t.Errorf("defaults = %d/%v", r.maxAttempts, r.baseBackoff)
	}
}
