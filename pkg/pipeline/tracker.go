// Package pipeline implements the write path (§4.10): a pre-buffer
// that assigns transaction ids to incoming points, a first-stage
// writer that cascades them through three fixed-capacity in-memory
// table lists before rolling them to disk as a tree, a stage-combine
// task that compacts the resulting intermediate files, and a
// transaction tracker exposing soft/hard commit watermarks to callers
// awaiting durability.
//
// Grounded on pkg/sorted's merge-then-flush shape and on
// golang.org/x/sync's errgroup/singleflight, used here (as the teacher
// corpus uses them for blob-fetch fan-in) to bound concurrent rollover
// work and to dedupe concurrent waiters targeting the same watermark.
package pipeline

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// TransactionTracker exposes the two monotonic watermarks callers
// block on (§4.10 "TransactionTracker"): SoftCommit (durably queued in
// the in-memory cascade) and HardCommit (durably on disk).
type TransactionTracker struct {
	mu   sync.Mutex
	cond *sync.Cond

	soft uint64
	hard uint64

	waitGroup singleflight.Group
}

// NewTransactionTracker returns a tracker starting at watermark 0.
func NewTransactionTracker() *TransactionTracker {
	t := &TransactionTracker{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// AdvanceSoftCommit raises the soft-commit watermark to txID if it is
// higher than the current value, waking any waiters.
func (t *TransactionTracker) AdvanceSoftCommit(txID uint64) {
	t.mu.Lock()
	if txID > t.soft {
		t.soft = txID
		t.cond.Broadcast()
	}
	t.mu.Unlock()
}

// AdvanceHardCommit raises the hard-commit watermark. A hard commit at
// txID implies a soft commit at txID or later (§8 "hard-commit implies
// soft-commit"), so this also raises the soft watermark if needed.
func (t *TransactionTracker) AdvanceHardCommit(txID uint64) {
	t.mu.Lock()
	if txID > t.hard {
		t.hard = txID
	}
	if txID > t.soft {
		t.soft = txID
	}
	t.cond.Broadcast()
	t.mu.Unlock()
}

func (t *TransactionTracker) SoftCommit() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.soft
}

func (t *TransactionTracker) HardCommit() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hard
}

// WaitForSoftCommit blocks until the soft-commit watermark reaches
// txID or ctx is done.
func (t *TransactionTracker) WaitForSoftCommit(ctx context.Context, txID uint64) error {
	return t.wait(ctx, txID, func() uint64 { return t.soft })
}

// WaitForHardCommit blocks until the hard-commit watermark reaches
// txID or ctx is done.
func (t *TransactionTracker) WaitForHardCommit(ctx context.Context, txID uint64) error {
	return t.wait(ctx, txID, func() uint64 { return t.hard })
}

func (t *TransactionTracker) wait(ctx context.Context, txID uint64, current func() uint64) error {
	done := make(chan struct{})
	go func() {
		t.mu.Lock()
		for current() < txID {
			t.cond.Wait()
		}
		t.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceFlushTo is called by readers that need txID durable sooner than
// the writer's own cadence. Concurrent requests for the same watermark
// collapse into a single call to flush via singleflight.
func (t *TransactionTracker) ForceFlushTo(txID uint64, flush func(uint64) error) error {
	key := formatTxID(txID)
	_, err, _ := t.waitGroup.Do(key, func() (interface{}, error) {
		return nil, flush(txID)
	})
	return err
}

func formatTxID(txID uint64) string {
	// Plain decimal with no padding, so equal watermarks always give
	// equal singleflight keys.
	const digits = "0123456789"
	if txID == 0 {
		return "0"
	}
	buf := make([]byte, 0, 20)
	for txID > 0 {
		buf = append([]byte{digits[txID%10]}, buf...)
		txID /= 10
	}
	return string(buf)
}
