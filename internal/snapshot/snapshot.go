// Package snapshot provides ordered, chunked, as-of-epoch scans over a
// relation's persisted state.
package snapshot

import (
	"context"

	"github.com/cascadedb/cascade/internal/epoch"
)

// Row is one primary-key/value pair from a snapshot scan.
type Row struct {
	Key   []byte
	Value []byte
}

// Chunk is the result of one bounded scan step. Rows are strictly ordered by
// primary key and strictly greater than the requested cursor. Exhausted
// signals that no rows exist beyond the returned ones.
type Chunk struct {
	Rows      []Row
	Exhausted bool
}

// Last returns the key of the final row in the chunk, or nil if empty.
func (c *Chunk) Last() []byte {
	if len(c.Rows) == 0 {
		return nil
	}
	return c.Rows[len(c.Rows)-1].Key
}

// Reader performs consistent point-in-time chunked scans. The view is fixed at
// asOf: writes committed at later epochs are never observed. Reads are
// side-effect-free, so callers may safely retry with the same cursor.
type Reader interface {
	ReadChunk(ctx context.Context, after []byte, limit int, asOf epoch.Epoch) (*Chunk, error)
}
