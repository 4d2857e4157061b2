package pipeline

import (
	"bytes"
	"container/heap"
	"sort"
	"sync"

	"github.com/snapdb/SnapDB-sub000/pkg/block"
	"github.com/snapdb/SnapDB-sub000/pkg/tree"
	"github.com/snapdb/SnapDB-sub000/pkg/tree/encoding"
)

// RolloverEvent reports that the first-stage writer has durably
// written an intermediate tree to disk (§4.10 "RolloverComplete
// event").
type RolloverEvent struct {
	TxID  uint64
	Root  block.Address
	Level byte
	Count int
}

// FirstStageWriter cascades incoming batches through three
// fixed-capacity in-memory table lists (§4.10): list 0 holds raw
// sorted tables, list 1 holds k-way merges of full list-0 batches,
// list 2 holds merges of full list-1 batches; when list 2 fills it is
// merged and rolled to disk as one tree via a sequential bulk writer.
type FirstStageWriter struct {
	cfg    FirstStageConfig
	fileID int32

	mu     sync.Mutex
	lists  [3][][]Point

	tracker *TransactionTracker
	onSoftCommit   func(txID uint64)
	onRollover     func(RolloverEvent) error

	rolloverDev block.Device
	lastTxID    uint64

	archiveList *ArchiveList
	matchFlag   string
}

// SetArchiveList registers the archive list a rollover should record
// its resulting intermediate file in, tagged with matchFlag so the
// stage-combine task knows which files may be merged together (§4.10,
// §5 "archive list").
func (w *FirstStageWriter) SetArchiveList(list *ArchiveList, matchFlag string) {
	w.archiveList = list
	w.matchFlag = matchFlag
}

// NewFirstStageWriter constructs a cascading writer whose final
// rollover is written to rolloverDev (commonly an in-memory device for
// intermediate files, per §6's in-memory archive option).
func NewFirstStageWriter(cfg FirstStageConfig, fileID int32, rolloverDev block.Device, tracker *TransactionTracker, onRollover func(RolloverEvent) error) *FirstStageWriter {
	return &FirstStageWriter{
		cfg:         cfg,
		fileID:      fileID,
		tracker:     tracker,
		onRollover:  onRollover,
		rolloverDev: rolloverDev,
	}
}

// Ingest absorbs one pre-buffer batch: sorts it into a list-0 table,
// advances the soft-commit watermark for its transaction id, and
// cascades any now-full lists upward (§4.10 "SequenceNumberCommitted
// event").
func (w *FirstStageWriter) Ingest(b Batch) error {
	table := append([]Point(nil), b.Points...)
	sort.Slice(table, func(i, j int) bool { return bytes.Compare(table[i].Key, table[j].Key) < 0 })

	w.mu.Lock()
	w.lists[0] = append(w.lists[0], table)
	w.lastTxID = b.TxID
	full := len(w.lists[0]) >= w.cfg.ListCapacity
	w.mu.Unlock()

	if w.tracker != nil {
		w.tracker.AdvanceSoftCommit(b.TxID)
	}

	if full {
		return w.cascade(0)
	}
	return nil
}

// cascade merges a full list at level and pushes the result to level+1,
// recursing as far up as necessary (§4.10 "3 cascading pending-table
// lists"). level 2 overflowing triggers a disk rollover instead of a
// further cascade.
func (w *FirstStageWriter) cascade(level int) error {
	w.mu.Lock()
	tables := w.lists[level]
	w.lists[level] = nil
	txID := w.lastTxID
	w.mu.Unlock()

	merged := mergeTables(tables)

	if level == 2 {
		return w.rollover(txID, merged)
	}

	w.mu.Lock()
	w.lists[level+1] = append(w.lists[level+1], merged)
	full := len(w.lists[level+1]) >= w.cfg.ListCapacity
	w.mu.Unlock()
	if full {
		return w.cascade(level + 1)
	}
	return nil
}

// rollover writes merged, a single fully-sorted table, to disk as one
// tree via the sequential bulk writer (§4.9), then fires
// RolloverComplete and advances the hard-commit watermark.
func (w *FirstStageWriter) rollover(txID uint64, merged []Point) error {
	bw := tree.NewBulkWriter(w.rolloverDev, w.fileID, encoding.Fixed{KeySize: w.cfg.KeySize, ValueSize: w.cfg.KeySize}, w.cfg.KeySize)
	for _, p := range merged {
		if err := bw.Append(p.Key, p.Value); err != nil {
			return err
		}
	}
	root, level, err := bw.Finish()
	if err != nil {
		return err
	}
	if err := w.rolloverDev.Commit(nil); err != nil {
		return err
	}
	if w.tracker != nil {
		w.tracker.AdvanceHardCommit(txID)
	}
	if w.archiveList != nil {
		var sizeBytes int64
		for _, p := range merged {
			sizeBytes += int64(len(p.Key) + len(p.Value))
		}
		w.archiveList.Add(IntermediateFile{
			Dev:       w.rolloverDev,
			FileID:    w.fileID,
			Root:      root,
			SizeBytes: sizeBytes,
			MatchFlag: w.matchFlag,
		})
	}
	if w.onRollover != nil {
		if err := w.onRollover(RolloverEvent{TxID: txID, Root: root, Level: level, Count: len(merged)}); err != nil {
			return err
		}
	}
	return nil
}

// Flush forces every non-empty list to cascade immediately, used when
// a caller needs a hard commit sooner than the cascade would reach on
// its own (§4.10 TransactionTracker.ForceFlushTo).
func (w *FirstStageWriter) Flush() error {
	for level := 0; level < 3; level++ {
		w.mu.Lock()
		nonEmpty := len(w.lists[level]) > 0
		w.mu.Unlock()
		if nonEmpty {
			if err := w.cascade(level); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- k-way merge -------------------------------------------------------

type heapItem struct {
	point      Point
	tableIndex int
	pos        int
}

type mergeHeap struct {
	items  []heapItem
	tables [][]Point
}

func (h *mergeHeap) Len() int { return len(h.items) }
func (h *mergeHeap) Less(i, j int) bool {
	return bytes.Compare(h.items[i].point.Key, h.items[j].point.Key) < 0
}
func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap) Push(x interface{}) { h.items = append(h.items, x.(heapItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}

// mergeTables performs a k-way merge of already-sorted, duplicate-free
// tables (§4.10 "k-way merge"), later writers' values winning ties on a
// duplicate key across tables (last pre-buffer rollover wins).
func mergeTables(tables [][]Point) []Point {
	h := &mergeHeap{tables: tables}
	for ti, t := range tables {
		if len(t) > 0 {
			heap.Push(h, heapItem{point: t[0], tableIndex: ti, pos: 0})
		}
	}
	heap.Init(h)

	var out []Point
	for h.Len() > 0 {
		top := heap.Pop(h).(heapItem)
		if len(out) > 0 && bytes.Equal(out[len(out)-1].Key, top.point.Key) {
			out[len(out)-1] = top.point
		} else {
			out = append(out, top.point)
		}
		next := top.pos + 1
		if next < len(tables[top.tableIndex]) {
			heap.Push(h, heapItem{point: tables[top.tableIndex][next], tableIndex: top.tableIndex, pos: next})
		}
	}
	return out
}
