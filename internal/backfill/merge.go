package backfill

import (
	"bytes"

	"github.com/cascadedb/cascade/internal/changelog"
	"github.com/cascadedb/cascade/internal/epoch"
	"github.com/cascadedb/cascade/internal/snapshot"
)

// Merger interleaves snapshot chunks and buffered changes into a single,
// order-correct output stream. The reconciliation rule: a change for a key
// the cursor has already passed is forwarded as-is; a change for a key ahead
// of the cursor instead mutates the pending snapshot view, so no two records
// for one key are ever emitted out of order.
type Merger struct {
	overlay   *Overlay
	position  []byte
	exhausted bool
	emitSeq   uint64
}

// NewMerger creates a merger resuming at the given snapshot position
// (nil = before the first key).
func NewMerger(position []byte) *Merger {
	return &Merger{
		overlay:  NewOverlay(),
		position: position,
	}
}

// passed reports whether the snapshot cursor has already emitted key.
func (m *Merger) passed(key []byte) bool {
	if m.exhausted {
		return true
	}
	if m.position == nil {
		return false
	}
	return bytes.Compare(key, m.position) <= 0
}

// Exhausted reports whether the snapshot reader has run out of rows.
func (m *Merger) Exhausted() bool {
	return m.exhausted
}

// Position returns the current working cursor.
func (m *Merger) Position() []byte {
	return m.position
}

// OverlayLen returns the number of pending per-key corrections.
func (m *Merger) OverlayLen() int {
	return m.overlay.Len()
}

// ProcessBarrier performs one merge step at barrier epoch e: reconcile the
// drained change records against the cursor, emit the chunk (if any)
// modulated by the overlay, and report whether the backfill is complete.
// Chunk may be nil when the rate limiter stalled the snapshot side; drained
// changes still flow.
func (m *Merger) ProcessBarrier(e epoch.Epoch, drained []changelog.Record, chunk *snapshot.Chunk) (out []changelog.Record, done bool) {
	for _, rec := range drained {
		if m.passed(rec.Key) {
			out = append(out, rec)
			continue
		}
		if rec.Op.Upsert() {
			m.overlay.Upsert(rec.Key, rec.Value)
		} else {
			m.overlay.Delete(rec.Key)
		}
	}

	if chunk != nil && !m.exhausted {
		if chunk.Exhausted {
			m.exhausted = true
		}

		through := chunk.Last()
		var corrections []overlayEntry
		if m.exhausted {
			// Keys beyond the final snapshot row were born during the scan;
			// flush them now, in key order.
			corrections = m.overlay.TakeThrough(nil)
		} else if through != nil {
			corrections = m.overlay.TakeThrough(through)
		}

		merged := m.mergeOrdered(e, chunk.Rows, corrections)
		out = append(out, merged...)

		if through != nil && (m.position == nil || bytes.Compare(through, m.position) > 0) {
			m.position = through
		}
		if n := len(merged); n > 0 {
			last := merged[n-1].Key
			if m.position == nil || bytes.Compare(last, m.position) > 0 {
				m.position = last
			}
		}
	}

	return out, m.exhausted
}

// mergeOrdered emits the chunk rows and overlay corrections as synthetic
// inserts in primary-key order. A correction wins over the snapshot row for
// the same key; elided keys are suppressed entirely.
func (m *Merger) mergeOrdered(e epoch.Epoch, rows []snapshot.Row, corrections []overlayEntry) []changelog.Record {
	var out []changelog.Record

	emit := func(key, value []byte) {
		out = append(out, changelog.Record{
			Op:    changelog.OpInsert,
			Key:   key,
			Value: value,
			Epoch: e,
			Seq:   m.emitSeq,
		})
		m.emitSeq++
	}

	i, j := 0, 0
	for i < len(rows) || j < len(corrections) {
		switch {
		case j == len(corrections):
			emit(rows[i].Key, rows[i].Value)
			i++
		case i == len(rows):
			if !corrections[j].deleted {
				emit(corrections[j].key, corrections[j].value)
			}
			j++
		default:
			switch cmp := bytes.Compare(rows[i].Key, corrections[j].key); {
			case cmp < 0:
				emit(rows[i].Key, rows[i].Value)
				i++
			case cmp > 0:
				if !corrections[j].deleted {
					emit(corrections[j].key, corrections[j].value)
				}
				j++
			default:
				if !corrections[j].deleted {
					emit(corrections[j].key, corrections[j].value)
				}
				i++
				j++
			}
		}
	}
	return out
}
