package rollover

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := Record{Sources: []uuid.UUID{uuid.New(), uuid.New()}, Destination: uuid.New()}
	data := rec.Encode()
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Destination != rec.Destination || len(got.Sources) != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestDecodeRejectsCorruptTrailer(t *testing.T) {
	rec := Record{Sources: []uuid.UUID{uuid.New()}, Destination: uuid.New()}
	data := rec.Encode()
	data[len(data)-1] ^= 0xFF
	if _, err := Decode(data); err != ErrHashMismatch {
		t.Fatalf("got %v, want ErrHashMismatch", err)
	}
}

type fakeArchive struct {
	existing map[uuid.UUID]bool
	removed  []uuid.UUID
}

func (f *fakeArchive) Exists(id uuid.UUID) bool { return f.existing[id] }
func (f *fakeArchive) Remove(id uuid.UUID) error {
	f.removed = append(f.removed, id)
	delete(f.existing, id)
	return nil
}

func TestRecoverDeletesSourcesWhenDestinationExists(t *testing.T) {
	dir := t.TempDir()
	src1, src2, dst := uuid.New(), uuid.New(), uuid.New()
	rec := Record{Sources: []uuid.UUID{src1, src2}, Destination: dst}
	if err := WriteLog(dir, "combine1", rec); err != nil {
		t.Fatal(err)
	}
	logPath := filepath.Join(dir, "combine1"+LogExtension)

	arc := &fakeArchive{existing: map[uuid.UUID]bool{dst: true, src1: true, src2: true}}
	if err := Recover(logPath, arc); err != nil {
		t.Fatal(err)
	}
	if len(arc.removed) != 2 {
		t.Fatalf("expected 2 sources removed, got %d", len(arc.removed))
	}
	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Fatalf("log file should have been deleted")
	}
}

func TestRecoverLeavesSourcesWhenDestinationMissing(t *testing.T) {
	dir := t.TempDir()
	src1, dst := uuid.New(), uuid.New()
	rec := Record{Sources: []uuid.UUID{src1}, Destination: dst}
	if err := WriteLog(dir, "combine2", rec); err != nil {
		t.Fatal(err)
	}
	logPath := filepath.Join(dir, "combine2"+LogExtension)

	arc := &fakeArchive{existing: map[uuid.UUID]bool{src1: true}}
	if err := Recover(logPath, arc); err != nil {
		t.Fatal(err)
	}
	if len(arc.removed) != 0 {
		t.Fatalf("sources should be left for GC, got %d removed", len(arc.removed))
	}
	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Fatalf("log file should have been deleted regardless")
	}
}
