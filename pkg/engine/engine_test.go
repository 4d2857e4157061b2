package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/snapdb/SnapDB-sub000/pkg/block"
	"github.com/snapdb/SnapDB-sub000/pkg/pipeline"
	"github.com/snapdb/SnapDB-sub000/pkg/subfile"
	"github.com/snapdb/SnapDB-sub000/pkg/txn"
)

func testConfig() Config {
	return Config{
		KeySize: 4,
		PreBuffer: pipeline.PreBufferConfig{
			MaxPoints:          1000,
			RolloverPointCount: 4,
			RolloverIntervalMS: 50,
		},
		FirstStage: pipeline.FirstStageConfig{
			ListCapacity: 2,
			KeySize:      4,
		},
		Combine: pipeline.CombineConfig{
			CombineOnFileCount: 4,
			CombineOnSizeMB:    64,
		},
	}
}

func key(n uint32) []byte {
	return []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}

func TestEngineWriteAndScan(t *testing.T) {
	dev := block.NewMemoryDevice(4096)
	rolloverDev := block.NewMemoryDevice(512)
	e, err := Open(dev, rolloverDev, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go e.RunPipeline(ctx)

	// 8 points: RolloverPointCount=4 gives two pre-buffer rollovers of
	// 4, which fill list0 (capacity 2) and cascade once into list1; the
	// explicit Flush then cascades through list2 to a disk rollover.
	var lastTxID uint64
	for i := uint32(1); i <= 8; i++ {
		txID, err := e.Write(key(i), key(i))
		if err != nil {
			t.Fatal(err)
		}
		if txID <= lastTxID {
			t.Fatalf("write tx ids not monotonic: %d after %d", txID, lastTxID)
		}
		lastTxID = txID
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for e.latestRoot == block.NullAddress && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if e.latestRoot == block.NullAddress {
		t.Fatalf("no rollover observed within deadline")
	}

	// The rollover's root descriptor must have landed in the committed
	// archive header generation, not just on rolloverDev (§8 scenarios
	// 3 and 6 depend on this path being live).
	committed := e.fs.CommittedHeader()
	sf := committed.SubfileByID(e.subfileID)
	if sf == nil {
		t.Fatalf("committed header has no subfile with id %d", e.subfileID)
	}
	if sf.DataBlockCount == 0 {
		t.Fatalf("committed subfile has no data blocks; root was never committed through txn")
	}

	nav := subfile.NewNavigator(e.dev, sf)
	addr, err := nav.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if addr == block.NullAddress {
		t.Fatalf("virtual block 0 was never resolved to a physical address")
	}
	v, err := e.dev.ReadBlock(addr, block.TypeData, 0, sf.FileID)
	if err != nil {
		t.Fatal(err)
	}
	root, _, recordCount := decodeRootRecord(v.Payload())
	if root != e.latestRoot {
		t.Fatalf("committed root record %d does not match latestRoot %d", root, e.latestRoot)
	}
	if recordCount == 0 {
		t.Fatalf("committed root record reports zero records")
	}

	s := e.NewScanner()
	ok, err := s.SeekFirst()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("scanner found no records after rollover")
	}
	count := 0
	for ok {
		count++
		ok, err = s.Next()
		if err != nil {
			t.Fatal(err)
		}
	}
	if count == 0 {
		t.Fatalf("expected at least one record, scanned %d", count)
	}
}

// TestEngineSecondEditBlocksRolloverCommit exercises §8 scenario 6: a
// rollover's attempt to commit its root while some other edit session
// is already open must fail with ErrTransactionAlreadyActive, not
// silently block or corrupt the committed header.
func TestEngineSecondEditBlocksRolloverCommit(t *testing.T) {
	dev := block.NewMemoryDevice(4096)
	rolloverDev := block.NewMemoryDevice(512)
	e, err := Open(dev, rolloverDev, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	held, err := e.fs.BeginEdit()
	if err != nil {
		t.Fatal(err)
	}
	defer held.RollbackAndDispose()

	err = e.commitRoot(pipeline.RolloverEvent{TxID: 1, Root: 1, Level: 0, Count: 1})
	if !errors.Is(err, txn.ErrTransactionAlreadyActive) {
		t.Fatalf("got %v, want ErrTransactionAlreadyActive", err)
	}
}

// TestEngineRollbackLeavesCommittedHeaderUnchanged exercises §8
// scenario 3: a failure after BeginEdit but before CommitAndDispose
// must leave the previously committed header exactly as it was.
func TestEngineRollbackLeavesCommittedHeaderUnchanged(t *testing.T) {
	dev := block.NewMemoryDevice(4096)
	rolloverDev := block.NewMemoryDevice(512)
	e, err := Open(dev, rolloverDev, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	before := e.fs.CommittedHeader()
	beforeSeq := before.SnapshotSequenceNumber

	es, err := e.fs.BeginEdit()
	if err != nil {
		t.Fatal(err)
	}
	sf, err := es.OpenFileByID(e.subfileID)
	if err != nil {
		t.Fatal(err)
	}
	nav := subfile.NewNavigator(es.Device(), sf)
	if _, err := nav.Resolve(0); err != nil {
		t.Fatal(err)
	}
	if err := es.RollbackAndDispose(); err != nil {
		t.Fatal(err)
	}

	after := e.fs.CommittedHeader()
	if after.SnapshotSequenceNumber != beforeSeq {
		t.Fatalf("committed header generation advanced despite rollback: %d -> %d", beforeSeq, after.SnapshotSequenceNumber)
	}
	if after.SubfileByID(e.subfileID).DataBlockCount != 0 {
		t.Fatalf("committed subfile shows data blocks written by a rolled-back edit")
	}

	// The edit slot must be free again for a subsequent commitRoot to
	// succeed once the rollback has released it.
	if err := e.commitRoot(pipeline.RolloverEvent{TxID: 1, Root: 1, Level: 0, Count: 1}); err != nil {
		t.Fatalf("commitRoot after a prior rollback: %v", err)
	}
}

// TestEngineCombinesRolledOverFiles exercises the stage-combine task
// (§4.10) end to end: enough rollovers accumulate in the archive list
// to cross CombineOnFileCount, and Combine folds them into one tree.
func TestEngineCombinesRolledOverFiles(t *testing.T) {
	dev := block.NewMemoryDevice(4096)
	rolloverDev := block.NewMemoryDevice(512)
	cfg := testConfig()
	cfg.Combine.CombineOnFileCount = 2
	e, err := Open(dev, rolloverDev, cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go e.RunPipeline(ctx)

	// Each cycle of 8 writes followed by an explicit Flush forces
	// exactly one disk rollover (its two pre-buffer batches of 4 reach
	// list1, and Flush cascades them through list2 to disk), so two
	// cycles produce two archive-list entries sharing archiveMatchFlag.
	n := uint32(0)
	for cycle := 0; cycle < 2; cycle++ {
		for i := 0; i < 8; i++ {
			n++
			if _, err := e.Write(key(n), key(n)); err != nil {
				t.Fatal(err)
			}
		}
		if err := e.Flush(ctx); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for len(e.ArchiveList().Snapshot()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	files := e.ArchiveList().Snapshot()
	if len(files) < 2 {
		t.Fatalf("expected at least 2 archive-list entries, got %d", len(files))
	}

	if err := e.Combine(ctx); err != nil {
		t.Fatal(err)
	}

	combined := e.ArchiveList().Snapshot()
	if len(combined) != 1 {
		t.Fatalf("expected combine to fold the group into 1 entry, got %d", len(combined))
	}
	if combined[0].Root == block.NullAddress {
		t.Fatalf("combined file has no root")
	}
}
