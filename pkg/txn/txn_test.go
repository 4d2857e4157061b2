package txn

import (
	"testing"

	"github.com/google/uuid"

	"github.com/snapdb/SnapDB-sub000/pkg/block"
	"github.com/snapdb/SnapDB-sub000/pkg/header"
)

func newTestStructure(t *testing.T) *FileStructure {
	t.Helper()
	dev := block.NewMemoryDevice(4096)
	h, err := header.CreateNew(12, true)
	if err != nil {
		t.Fatal(err)
	}
	return Open(dev, h)
}

func TestBeginEditExclusivity(t *testing.T) {
	fs := newTestStructure(t)
	es, err := fs.BeginEdit()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.BeginEdit(); err != ErrTransactionAlreadyActive {
		t.Fatalf("got %v, want ErrTransactionAlreadyActive", err)
	}
	if err := es.RollbackAndDispose(); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.BeginEdit(); err != nil {
		t.Fatalf("begin edit after rollback: %v", err)
	}
}

func TestCommitAndDisposeUpdatesCommittedHeader(t *testing.T) {
	fs := newTestStructure(t)
	es, err := fs.BeginEdit()
	if err != nil {
		t.Fatal(err)
	}
	name := header.NameOf("points", uuid.New(), uuid.New())
	if _, err := es.CreateFile(name); err != nil {
		t.Fatal(err)
	}
	if err := es.CommitAndDispose(4096 - block.FooterSize); err != nil {
		t.Fatal(err)
	}
	if len(fs.CommittedHeader().Subfiles) != 1 {
		t.Fatalf("committed header did not pick up the new subfile")
	}
}

func TestReadSnapshotUnaffectedByInFlightEdit(t *testing.T) {
	fs := newTestStructure(t)
	snap := fs.NewReadSnapshot()
	es, err := fs.BeginEdit()
	if err != nil {
		t.Fatal(err)
	}
	name := header.NameOf("points", uuid.New(), uuid.New())
	if _, err := es.CreateFile(name); err != nil {
		t.Fatal(err)
	}
	if len(snap.Header().Subfiles) != 0 {
		t.Fatalf("snapshot observed an uncommitted mutation")
	}
	if err := es.CommitAndDispose(4096 - block.FooterSize); err != nil {
		t.Fatal(err)
	}
	if len(snap.Header().Subfiles) != 0 {
		t.Fatalf("snapshot changed after a later commit")
	}
}
