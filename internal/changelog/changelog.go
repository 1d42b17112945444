// Package changelog defines the ordered stream of row mutations flowing
// between operators, interleaved with epoch barriers.
package changelog

import (
	"fmt"

	"github.com/cascadedb/cascade/internal/epoch"
)

// Op is the kind of mutation a record carries.
type Op uint8

const (
	// OpInsert adds a row for a key that was previously absent.
	OpInsert Op = iota

	// OpDelete removes a row.
	OpDelete

	// OpUpdateDelete is the first half of a paired update: the old row image.
	// Within one epoch it is immediately followed by an OpUpdateInsert for the
	// same key.
	OpUpdateDelete

	// OpUpdateInsert is the second half of a paired update: the new row image.
	OpUpdateInsert
)

// String returns the lowercase operation name.
func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpUpdateDelete:
		return "update_delete"
	case OpUpdateInsert:
		return "update_insert"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Upsert reports whether the operation leaves the key present.
func (o Op) Upsert() bool {
	return o == OpInsert || o == OpUpdateInsert
}

// Record is one mutation in a relation's changelog. Records arrive in
// epoch-then-sequence order.
type Record struct {
	Op    Op
	Key   []byte
	Value []byte
	Epoch epoch.Epoch
	Seq   uint64
}

// Message is one element of an operator's input stream: either a batch of
// records or a barrier. Exactly one of the two fields is set.
type Message struct {
	Records []Record
	Barrier *epoch.Barrier
}

// NewRecords wraps a record batch in a Message.
func NewRecords(records []Record) *Message {
	return &Message{Records: records}
}

// NewBarrier wraps a barrier in a Message.
func NewBarrier(b epoch.Barrier) *Message {
	return &Message{Barrier: &b}
}
