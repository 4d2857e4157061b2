package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrPreBufferFull is returned by Write when the backlog has reached
// MaxPoints and the writer applies backpressure rather than growing
// without bound (§4.10 "max_points backpressure").
var ErrPreBufferFull = errors.New("pipeline: pre-buffer is full")

// Point is one incoming (key, value) record, already serialized to the
// tree's record encoding.
type Point struct {
	Key   []byte
	Value []byte
}

// Batch is a pre-buffer rollover: a transaction id and the points
// assigned to it, in arrival order (not yet sorted).
type Batch struct {
	TxID   uint64
	Points []Point
}

// PreBufferWriter is the single producer-facing entry point (§4.10
// "exactly one pre-buffer producer"): it assigns a monotonically
// increasing transaction id to every accepted point and rolls
// accumulated points to the first-stage writer either when
// RolloverPointCount is reached or RolloverIntervalMS elapses,
// whichever comes first.
type PreBufferWriter struct {
	cfg PreBufferConfig
	out chan<- Batch

	mu      sync.Mutex
	pending []Point
	nextTx  uint64
}

// NewPreBufferWriter constructs a writer that emits rollover batches
// on out. The caller owns out and should size it to avoid blocking
// Run's rollover cadence.
func NewPreBufferWriter(cfg PreBufferConfig, out chan<- Batch) *PreBufferWriter {
	return &PreBufferWriter{cfg: cfg, out: out, nextTx: 1}
}

// Write appends a point to the backlog, assigning it the next
// monotonically increasing transaction id and returning it to the
// caller (§4.10 "write(key, value) -> tx_id"), or ErrPreBufferFull if
// MaxPoints would be exceeded.
func (w *PreBufferWriter) Write(p Point) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) >= w.cfg.MaxPoints {
		return 0, ErrPreBufferFull
	}
	txID := w.nextTx
	w.nextTx++
	w.pending = append(w.pending, p)
	return txID, nil
}

// Pending reports the current backlog depth.
func (w *PreBufferWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Run drives the interval cadence until ctx is done: on every
// RolloverIntervalMS tick it flushes a non-empty backlog, and it
// flushes once more when ctx is done. Point-count rollovers come from
// MaybeFlush, not from Run.
func (w *PreBufferWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(w.cfg.RolloverIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return ctx.Err()
		case <-ticker.C:
			w.flush()
		}
	}
}

// MaybeFlush flushes immediately if the backlog has reached
// RolloverPointCount; callers on the Write hot path can call this
// after every Write to get point-count-triggered rollovers without
// waiting for the next tick.
func (w *PreBufferWriter) MaybeFlush() {
	w.mu.Lock()
	ready := len(w.pending) >= w.cfg.RolloverPointCount
	w.mu.Unlock()
	if ready {
		w.flush()
	}
}

func (w *PreBufferWriter) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	// nextTx-1 is the id Write handed out for the last point in this
	// backlog, since Write is the only place that advances nextTx.
	batch := Batch{TxID: w.nextTx - 1, Points: w.pending}
	w.pending = nil
	w.mu.Unlock()
	w.out <- batch
}
