package backfill

import (
	"bytes"

	"github.com/google/btree"
)

// overlayEntry is one pending correction: either a last-writer-wins value for
// a key the snapshot cursor has not reached yet, or an elision marker so the
// snapshot row for that key is suppressed when it arrives.
type overlayEntry struct {
	key     []byte
	value   []byte
	deleted bool
}

// Overlay holds pending corrections for keys ahead of the snapshot cursor,
// ordered by primary key. Memory is bounded by the number of distinct
// not-yet-reached keys touched during the scan, not by changelog volume.
type Overlay struct {
	tree *btree.BTreeG[overlayEntry]
}

// NewOverlay creates an empty overlay.
func NewOverlay() *Overlay {
	return &Overlay{
		tree: btree.NewG(8, func(a, b overlayEntry) bool {
			return bytes.Compare(a.key, b.key) < 0
		}),
	}
}

// Upsert records that key currently has the given value, replacing any prior
// correction for the key.
func (o *Overlay) Upsert(key, value []byte) {
	o.tree.ReplaceOrInsert(overlayEntry{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
}

// Delete marks key as elided, replacing any prior correction for the key.
func (o *Overlay) Delete(key []byte) {
	o.tree.ReplaceOrInsert(overlayEntry{
		key:     append([]byte(nil), key...),
		deleted: true,
	})
}

// Get returns the correction for key, if any.
func (o *Overlay) Get(key []byte) (overlayEntry, bool) {
	return o.tree.Get(overlayEntry{key: key})
}

// Remove drops the correction for key.
func (o *Overlay) Remove(key []byte) {
	o.tree.Delete(overlayEntry{key: key})
}

// TakeThrough removes and returns, in key order, every correction with
// key <= through. A nil through takes the whole overlay.
func (o *Overlay) TakeThrough(through []byte) []overlayEntry {
	var taken []overlayEntry
	o.tree.Ascend(func(e overlayEntry) bool {
		if through != nil && bytes.Compare(e.key, through) > 0 {
			return false
		}
		taken = append(taken, e)
		return true
	})
	for _, e := range taken {
		o.tree.Delete(e)
	}
	return taken
}

// Len returns the number of pending corrections.
func (o *Overlay) Len() int {
	return o.tree.Len()
}
