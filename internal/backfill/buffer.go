package backfill

import (
	"fmt"
	"sync"

	"github.com/cascadedb/cascade/internal/changelog"
	"github.com/cascadedb/cascade/internal/epoch"
)

// Buffer captures the live changelog arriving concurrently with the snapshot
// scan, in epoch-then-sequence order. It never deduplicates; reconciliation
// against the snapshot cursor is the merge engine's job.
type Buffer struct {
	mu      sync.Mutex
	records []changelog.Record
	drained epoch.Epoch
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Push appends a record. The changelog source contract delivers all records
// for epoch E before barrier E, so a record at or below the last drained
// barrier is an ordering violation.
func (b *Buffer) Push(rec changelog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rec.Epoch <= b.drained {
		return fmt.Errorf("change record at epoch %d arrived after barrier %d was drained",
			uint64(rec.Epoch), uint64(b.drained))
	}
	if n := len(b.records); n > 0 {
		prev := b.records[n-1]
		if rec.Epoch < prev.Epoch || (rec.Epoch == prev.Epoch && rec.Seq < prev.Seq) {
			return fmt.Errorf("change record out of order: epoch %d seq %d after epoch %d seq %d",
				uint64(rec.Epoch), rec.Seq, uint64(prev.Epoch), prev.Seq)
		}
	}
	b.records = append(b.records, rec)
	return nil
}

// DrainUpTo returns and removes all buffered records with epoch <= e,
// preserving arrival order.
func (b *Buffer) DrainUpTo(e epoch.Epoch) []changelog.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e > b.drained {
		b.drained = e
	}

	cut := len(b.records)
	for i, rec := range b.records {
		if rec.Epoch > e {
			cut = i
			break
		}
	}
	if cut == 0 {
		return nil
	}
	drained := b.records[:cut:cut]
	b.records = b.records[cut:]
	return drained
}

// Len returns the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}
