package header

import (
	"testing"

	"github.com/google/uuid"

	"github.com/snapdb/SnapDB-sub000/pkg/block"
)

func TestCreateNewFileDuplicateAndOverflow(t *testing.T) {
	f, err := CreateNew(12, false)
	if err != nil {
		t.Fatal(err)
	}
	name := NameOf("points", uuid.New(), uuid.New())
	if _, err := f.CreateNewFile(name); err != nil {
		t.Fatal(err)
	}
	if _, err := f.CreateNewFile(name); err != ErrDuplicateName {
		t.Fatalf("got %v, want ErrDuplicateName", err)
	}
	for i := 0; i < MaxSubfiles-1; i++ {
		n := NameOf("points", uuid.New(), uuid.New())
		if _, err := f.CreateNewFile(n); err != nil {
			t.Fatalf("unexpected error at %d: %v", i, err)
		}
	}
	if _, err := f.CreateNewFile(NameOf("overflow", uuid.New(), uuid.New())); err != ErrFileCountOverflow {
		t.Fatalf("got %v, want ErrFileCountOverflow", err)
	}
}

func TestCloneEditableBumpsSequenceOnce(t *testing.T) {
	f, _ := CreateNew(12, false)
	f.SnapshotSequenceNumber = 5
	c := f.CloneEditable()
	if c.SnapshotSequenceNumber != 6 {
		t.Fatalf("got %d, want 6", c.SnapshotSequenceNumber)
	}
	if f.SnapshotSequenceNumber != 5 {
		t.Fatalf("original mutated: %d", f.SnapshotSequenceNumber)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f, _ := CreateNew(12, false)
	name := NameOf("points", uuid.New(), uuid.New())
	sf, err := f.CreateNewFile(name)
	if err != nil {
		t.Fatal(err)
	}
	sf.Direct = 42
	sf.DataBlockCount = 7
	f.Flags = []uuid.UUID{uuid.New(), uuid.New()}
	userKey := uuid.New()
	f.UserAttributes[userKey] = []byte("hello")
	f.unknownAttributes = append(f.unknownAttributes, rawAttribute{tag: 150, payload: []byte{1, 2, 3}})

	payload, err := f.Encode(block.PayloadSize(4096))
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(payload)
	if err != nil {
		t.Fatal(err)
	}
	if got.ArchiveID != f.ArchiveID {
		t.Fatalf("archive id mismatch")
	}
	if len(got.Subfiles) != 1 || got.Subfiles[0].Direct != 42 || got.Subfiles[0].DataBlockCount != 7 {
		t.Fatalf("subfile mismatch: %+v", got.Subfiles)
	}
	if len(got.Flags) != 2 {
		t.Fatalf("flags mismatch: %v", got.Flags)
	}
	if string(got.UserAttributes[userKey]) != "hello" {
		t.Fatalf("user attribute mismatch")
	}
	if len(got.unknownAttributes) != 1 || got.unknownAttributes[0].tag != 150 {
		t.Fatalf("unknown attribute not preserved: %+v", got.unknownAttributes)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	bad := make([]byte, 64)
	if _, err := Decode(bad); err != ErrMagicMismatch {
		t.Fatalf("got %v, want ErrMagicMismatch", err)
	}
}
