// Package engine wires the paged I/O, transactional header, write
// pipeline, and tree layers into the top-level archive API: Open an
// archive, Write points into it, and Read them back through a range
// Scanner (§1 OVERVIEW).
//
// Grounded on pkg/blobserver/diskpacked's top-level Storage type, which
// similarly composes a device, an index, and a single-writer append
// path behind one small public surface.
package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/snapdb/SnapDB-sub000/pkg/block"
	"github.com/snapdb/SnapDB-sub000/pkg/header"
	"github.com/snapdb/SnapDB-sub000/pkg/pipeline"
	"github.com/snapdb/SnapDB-sub000/pkg/subfile"
	"github.com/snapdb/SnapDB-sub000/pkg/txn"
)

// Config bounds the engine's write pipeline. KeySize is the fixed
// byte width of every record's key (§4.7 "FixedSize").
type Config struct {
	KeySize    int
	PreBuffer  pipeline.PreBufferConfig
	FirstStage pipeline.FirstStageConfig
	Combine    pipeline.CombineConfig
}

// archiveMatchFlag tags every intermediate file this engine's single
// subfile produces, since stage-combine only ever merges files sharing
// one match flag (§4.10) and an Engine currently owns exactly one
// logical stream.
const archiveMatchFlag = "primary"

// Engine is one open archive: one subfile, one transactional file
// structure, and the write pipeline feeding it.
type Engine struct {
	fs          *txn.FileStructure
	dev         block.Device
	rolloverDev block.Device
	subfileID   int32
	cfg         Config

	tracker     *pipeline.TransactionTracker
	archiveList *pipeline.ArchiveList
	pre         *pipeline.PreBufferWriter
	stage       *pipeline.FirstStageWriter
	batches     chan pipeline.Batch

	// rootSeq is the next virtual block index this engine will use to
	// record a rollover's tree root in the subfile's own indirect-index
	// chain (§4.1 L2/L3); it only ever grows, so every commitRoot call
	// targets a never-before-written vbi.
	rootSeq uint64

	mu            sync.Mutex
	lastWriteTxID uint64
	latestRoot    block.Address
	latestLevel   byte
}

// Open creates a fresh archive backed by dev, with rollovers written
// to rolloverDev (an in-memory device is the common choice for the
// first stage's intermediate trees, per §6's in-memory archive
// option).
func Open(dev, rolloverDev block.Device, cfg Config) (*Engine, error) {
	h, err := header.CreateNew(log2(dev.BlockSize()), false)
	if err != nil {
		return nil, err
	}
	name := header.NameOfGUIDs(h.ArchiveID, uuid.New(), uuid.New())
	sf, err := h.CreateNewFile(name)
	if err != nil {
		return nil, err
	}
	fs := txn.Open(dev, h)

	e := &Engine{
		fs:          fs,
		dev:         dev,
		rolloverDev: rolloverDev,
		subfileID:   sf.FileID,
		cfg:         cfg,
		tracker:     pipeline.NewTransactionTracker(),
		archiveList: pipeline.NewArchiveList(),
	}
	e.batches = make(chan pipeline.Batch, 16)
	e.pre = pipeline.NewPreBufferWriter(cfg.PreBuffer, e.batches)
	e.stage = pipeline.NewFirstStageWriter(cfg.FirstStage, sf.FileID, rolloverDev, e.tracker, e.onRollover)
	e.stage.SetArchiveList(e.archiveList, archiveMatchFlag)
	return e, nil
}

// onRollover runs on the first-stage writer's goroutine every time a
// tree is durably rolled to rolloverDev: it lands the tree's root
// descriptor in the committed archive (§4.1 L4) before exposing the
// root to readers, so a scanner opened after onRollover returns never
// observes a root the archive device hasn't durably recorded.
func (e *Engine) onRollover(ev pipeline.RolloverEvent) error {
	if err := e.commitRoot(ev); err != nil {
		return err
	}
	e.mu.Lock()
	e.latestRoot = ev.Root
	e.latestLevel = ev.Level
	e.mu.Unlock()
	return nil
}

// commitRoot persists one rollover's tree-root descriptor into the
// subfile's own indirect-index chain on the archive device (§4.1
// L2-L4): a normal EditSession opens the subfile, Navigator.Resolve
// shadow-copies (or allocates) the index path down to the next virtual
// block index, and CommitAndDispose durably advances the file
// structure's committed header generation. Because at most one edit
// session may be open at a time, a caller already holding one open
// makes this fail with txn.ErrTransactionAlreadyActive (§8 scenario 6);
// any error before CommitAndDispose leaves the committed archive
// exactly as it was (§8 scenario 3, kill/rollback before commit).
func (e *Engine) commitRoot(ev pipeline.RolloverEvent) error {
	es, err := e.fs.BeginEdit()
	if err != nil {
		return err
	}

	sf, err := es.OpenFileByID(e.subfileID)
	if err != nil {
		es.RollbackAndDispose()
		return err
	}

	dev := es.Device()
	before := dev.LastAllocated()
	nav := subfile.NewNavigator(dev, sf)
	addr, err := nav.Resolve(e.rootSeq)
	if err != nil {
		es.RollbackAndDispose()
		return err
	}

	v, err := dev.WriteExistingBlock(addr, block.TypeData, 0, sf.FileID)
	if err != nil {
		es.RollbackAndDispose()
		return err
	}
	copy(v.Payload(), encodeRootRecord(ev))
	v.Stamp(block.TypeData, 0, sf.FileID)

	sf.DataBlockCount++
	sf.TotalBlockCount += uint32(dev.LastAllocated() - before)

	if err := es.CommitAndDispose(dev.BlockSize() - block.FooterSize); err != nil {
		return err
	}
	e.rootSeq++
	return nil
}

// rootRecordSize is the encoded width of one tree-root descriptor:
// a block address, a tree level byte, and a record count.
const rootRecordSize = 4 + 1 + 4

func encodeRootRecord(ev pipeline.RolloverEvent) []byte {
	buf := make([]byte, rootRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(ev.Root))
	buf[4] = ev.Level
	binary.LittleEndian.PutUint32(buf[5:9], uint32(ev.Count))
	return buf
}

func decodeRootRecord(b []byte) (root block.Address, level byte, count int) {
	root = block.Address(binary.LittleEndian.Uint32(b[0:4]))
	level = b[4]
	count = int(binary.LittleEndian.Uint32(b[5:9]))
	return
}

// RunPipeline drains incoming batches into the first-stage writer
// until ctx is done; callers typically run this in its own goroutine.
// Batches are handed over only when Write or Flush finds the
// pre-buffer holding RolloverPointCount points; the engine does not
// start PreBufferWriter.Run, so there is no interval-driven rollover.
func (e *Engine) RunPipeline(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-e.batches:
			if err := e.stage.Ingest(b); err != nil {
				return err
			}
		}
	}
}

// Write appends one point to the pre-buffer, returning the always-
// increasing transaction id the pre-buffer assigned it (§4.10
// "write(key, value) -> tx_id").
func (e *Engine) Write(key, value []byte) (uint64, error) {
	if len(key) != e.cfg.KeySize {
		return 0, fmt.Errorf("engine: key size %d, want %d", len(key), e.cfg.KeySize)
	}
	txID, err := e.pre.Write(pipeline.Point{Key: key, Value: value})
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	e.lastWriteTxID = txID
	e.mu.Unlock()
	e.pre.MaybeFlush()
	return txID, nil
}

// Flush hands the pre-buffer's backlog to the pipeline only if it has
// reached RolloverPointCount, then cascades every non-empty
// first-stage list through to a disk rollover. It does not wait for
// batches still queued for RunPipeline, and it does not wait for the
// hard-commit watermark to reach the last point Write accepted; points
// below RolloverPointCount stay in the pre-buffer. Concurrent callers racing to flush
// the same watermark collapse into a single cascade via
// TransactionTracker.ForceFlushTo's singleflight dedup.
func (e *Engine) Flush(ctx context.Context) error {
	e.pre.MaybeFlush()
	e.mu.Lock()
	target := e.lastWriteTxID
	e.mu.Unlock()
	if target == 0 {
		return e.stage.Flush()
	}
	return e.tracker.ForceFlushTo(target, func(uint64) error {
		return e.stage.Flush()
	})
}

// Combine inspects the archive list for match-flag groups that have
// crossed the configured combine threshold and folds each into a
// single tree on rolloverDev, replacing its constituent intermediate
// files (§4.10 "stage-combine task").
func (e *Engine) Combine(ctx context.Context) error {
	groups := pipeline.GroupByMatchFlag(e.archiveList.Snapshot())
	for flag, files := range groups {
		if len(files) < 2 || !e.cfg.Combine.ShouldCombine(files) {
			continue
		}
		root, _, err := pipeline.CombineFiles(ctx, files, e.rolloverDev, e.subfileID, e.cfg.KeySize, nil)
		if err != nil {
			return err
		}
		if err := e.rolloverDev.Commit(nil); err != nil {
			return err
		}
		var sizeBytes int64
		for _, f := range files {
			sizeBytes += f.SizeBytes
		}
		e.archiveList.Replace(flag, pipeline.IntermediateFile{
			Dev:       e.rolloverDev,
			FileID:    e.subfileID,
			Root:      root,
			SizeBytes: sizeBytes,
			MatchFlag: flag,
		})
	}
	return nil
}

// Tracker exposes the soft/hard commit watermarks for callers that
// need to await durability explicitly.
func (e *Engine) Tracker() *pipeline.TransactionTracker { return e.tracker }

// ArchiveList exposes the pending-combine intermediate file list, used
// by tests and by callers that drive Combine on their own schedule.
func (e *Engine) ArchiveList() *pipeline.ArchiveList { return e.archiveList }

// NewScanner opens a forward/backward range scanner over the most
// recently rolled-over tree.
func (e *Engine) NewScanner() *Scanner {
	e.mu.Lock()
	root := e.latestRoot
	e.mu.Unlock()
	return newScanner(e.rolloverDev, root, e.cfg.KeySize)
}

func log2(n int) byte {
	var b byte
	for 1<<b < n {
		b++
	}
	return b
}
