package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/snapdb/SnapDB-sub000/pkg/block"
)

func TestPreBufferAssignsMonotonicTxIDs(t *testing.T) {
	out := make(chan Batch, 8)
	w := NewPreBufferWriter(PreBufferConfig{MaxPoints: 1000, RolloverPointCount: 2, RolloverIntervalMS: 1000}, out)

	var lastWriteTx uint64
	for i := 0; i < 5; i++ {
		txID, err := w.Write(Point{Key: key(uint32(i)), Value: key(uint32(i))})
		if err != nil {
			t.Fatal(err)
		}
		if txID <= lastWriteTx {
			t.Fatalf("write tx ids not monotonic: %d after %d", txID, lastWriteTx)
		}
		lastWriteTx = txID
		w.MaybeFlush()
	}
	var lastTx uint64
	for len(out) > 0 {
		b := <-out
		if b.TxID <= lastTx {
			t.Fatalf("tx ids not monotonic: %d after %d", b.TxID, lastTx)
		}
		lastTx = b.TxID
	}
}

func TestPreBufferBackpressure(t *testing.T) {
	out := make(chan Batch, 8)
	w := NewPreBufferWriter(PreBufferConfig{MaxPoints: 2, RolloverPointCount: 100, RolloverIntervalMS: 1000}, out)
	if _, err := w.Write(Point{Key: key(1)}); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(Point{Key: key(2)}); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(Point{Key: key(3)}); err != ErrPreBufferFull {
		t.Fatalf("got %v, want ErrPreBufferFull", err)
	}
}

func key(n uint32) []byte {
	return []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}

func TestFirstStageCascadeRollsOverToDisk(t *testing.T) {
	dev := block.NewMemoryDevice(512)
	tracker := NewTransactionTracker()
	var events []RolloverEvent
	fs := NewFirstStageWriter(FirstStageConfig{ListCapacity: 2, KeySize: 4}, 1, dev, tracker, func(e RolloverEvent) error {
		events = append(events, e)
		return nil
	})

	// ListCapacity=2 nested 3 deep needs 2^3=8 ingests to fill list0,
	// cascade into list1, fill list1, cascade into list2, and fill
	// list2 to trigger the disk rollover.
	for txID := uint64(1); txID <= 8; txID++ {
		b := Batch{TxID: txID, Points: []Point{{Key: key(uint32(txID)), Value: key(uint32(txID))}}}
		if err := fs.Ingest(b); err != nil {
			t.Fatal(err)
		}
	}
	if len(events) == 0 {
		t.Fatalf("expected at least one rollover event after filling all 3 cascade levels")
	}
	if tracker.HardCommit() == 0 {
		t.Fatalf("hard commit watermark not advanced")
	}
	if tracker.SoftCommit() < tracker.HardCommit() {
		t.Fatalf("soft commit (%d) behind hard commit (%d)", tracker.SoftCommit(), tracker.HardCommit())
	}
}

func TestTransactionTrackerWaitForSoftCommit(t *testing.T) {
	tr := NewTransactionTracker()
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- tr.WaitForSoftCommit(ctx, 5)
	}()
	tr.AdvanceSoftCommit(5)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestCombineConfigShouldCombine(t *testing.T) {
	cfg := CombineConfig{CombineOnFileCount: 4, CombineOnSizeMB: 1}
	small := []IntermediateFile{{SizeBytes: 10}}
	if cfg.ShouldCombine(small) {
		t.Fatalf("should not combine well under threshold")
	}
	big := []IntermediateFile{{SizeBytes: 1024 * 1024}}
	if !cfg.ShouldCombine(big) {
		t.Fatalf("should combine at the size threshold")
	}
	many := []IntermediateFile{{}, {}, {}, {}}
	if !cfg.ShouldCombine(many) {
		t.Fatalf("should combine at the file-count threshold")
	}
}
