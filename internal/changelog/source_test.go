package changelog

import (
	"errors"
	"testing"

	cascerr "github.com/cascadedb/cascade/pkg/errors"

	"github.com/cascadedb/cascade/internal/epoch"
)

func TestSourceFlushOrder(t *testing.T) {
	s := NewSource("orders", 8)

	s.Emit(OpInsert, []byte("a"), []byte("1"))
	s.Emit(OpDelete, []byte("b"), nil)
	if err := s.InjectBarrier(epoch.Barrier{Epoch: 7}); err != nil {
		t.Fatalf("InjectBarrier: %v", err)
	}

	msg := <-s.Out()
	if msg.Barrier != nil {
		t.Fatal("barrier arrived before its records")
	}
	if len(msg.Records) != 2 {
		t.Fatalf("flushed %d records, want 2", len(msg.Records))
	}
	for i, rec := range msg.Records {
		if rec.Epoch != 7 {
			t.Errorf("record %d epoch = %d, want 7", i, uint64(rec.Epoch))
		}
		if rec.Seq != uint64(i) {
			t.Errorf("record %d seq = %d", i, rec.Seq)
		}
	}

	msg = <-s.Out()
	if msg.Barrier == nil || msg.Barrier.Epoch != 7 {
		t.Fatalf("second message = %+v, want barrier 7", msg)
	}
}

func TestSourceEmptyEpoch(t *testing.T) {
	s := NewSource("orders", 8)
	if err := s.InjectBarrier(epoch.Barrier{Epoch: 1}); err != nil {
		t.Fatalf("InjectBarrier: %v", err)
	}

	msg := <-s.Out()
	if msg.Barrier == nil {
		t.Fatal("empty epoch must flush only the barrier")
	}
}

func TestSourceEmitUpdatePairs(t *testing.T) {
	s := NewSource("orders", 8)
	s.EmitUpdate([]byte("k"), []byte("old"), []byte("new"))
	if err := s.InjectBarrier(epoch.Barrier{Epoch: 1}); err != nil {
		t.Fatalf("InjectBarrier: %v", err)
	}

	msg := <-s.Out()
	if len(msg.Records) != 2 {
		t.Fatalf("flushed %d records, want the update pair", len(msg.Records))
	}
	if msg.Records[0].Op != OpUpdateDelete || string(msg.Records[0].Value) != "old" {
		t.Errorf("first half = %v %q", msg.Records[0].Op, msg.Records[0].Value)
	}
	if msg.Records[1].Op != OpUpdateInsert || string(msg.Records[1].Value) != "new" {
		t.Errorf("second half = %v %q", msg.Records[1].Op, msg.Records[1].Value)
	}
	if msg.Records[1].Seq != msg.Records[0].Seq+1 {
		t.Error("update halves not adjacent in sequence")
	}
}

func TestSourceSeqResetsPerEpoch(t *testing.T) {
	s := NewSource("orders", 8)
	s.Emit(OpInsert, []byte("a"), []byte("1"))
	_ = s.InjectBarrier(epoch.Barrier{Epoch: 1})
	<-s.Out()
	<-s.Out()

	s.Emit(OpInsert, []byte("b"), []byte("2"))
	_ = s.InjectBarrier(epoch.Barrier{Epoch: 2})
	msg := <-s.Out()
	if msg.Records[0].Seq != 0 {
		t.Errorf("seq = %d, want 0 at the start of a new epoch", msg.Records[0].Seq)
	}
}

func TestSourceClose(t *testing.T) {
	s := NewSource("orders", 8)
	s.Emit(OpInsert, []byte("a"), []byte("1"))
	s.Close()
	s.Close() // idempotent

	if err := s.InjectBarrier(epoch.Barrier{Epoch: 1}); !errors.Is(err, cascerr.ErrClosed) {
		t.Errorf("InjectBarrier after close = %v, want ErrClosed", err)
	}
	if _, ok := <-s.Out(); ok {
		t.Error("Out not closed")
	}
}

func TestSourceCloseUnblocksFlush(t *testing.T) {
	// Nobody consumes Out, so the flush parks on a full buffer; Close must
	// unblock it.
	s := NewSource("orders", 1)
	s.Emit(OpInsert, []byte("a"), []byte("1"))

	flushed := make(chan error, 1)
	go func() {
		flushed <- s.InjectBarrier(epoch.Barrier{Epoch: 1})
	}()

	// The records message fills the buffer; the barrier send blocks.
	s.Close()
	if err := <-flushed; !errors.Is(err, cascerr.ErrClosed) {
		t.Errorf("blocked flush returned %v, want ErrClosed", err)
	}
}
