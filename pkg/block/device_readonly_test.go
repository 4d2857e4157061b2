package block

import (
	"path/filepath"
	"testing"
)

func TestReadOnlyFileDeviceReadsBackWhatFileDeviceWrote(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intermediate.d2db")

	dev, err := OpenFileDevice(path, 4096, 0)
	if err != nil {
		t.Fatal(err)
	}
	addr, err := dev.AllocateBlocks(1)
	if err != nil {
		t.Fatal(err)
	}
	v, err := dev.WriteNewBlock(addr, TypeData, 9, 2)
	if err != nil {
		t.Fatal(err)
	}
	copy(v.Payload(), []byte("rolledover"))
	v.Stamp(TypeData, 9, 2)
	if err := dev.Commit(nil); err != nil {
		t.Fatal(err)
	}
	frontier := dev.Frontier()
	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}

	ro, err := OpenReadOnlyFileDevice(path, 4096, frontier)
	if err != nil {
		t.Fatal(err)
	}
	defer ro.Close()

	got, err := ro.ReadBlock(addr, TypeData, 9, 2)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Payload()[:10]) != "rolledover" {
		t.Fatalf("got %q", got.Payload()[:10])
	}

	if _, err := ro.WriteNewBlock(addr, TypeData, 9, 2); err != ErrReadOnlyViolation {
		t.Fatalf("got %v, want ErrReadOnlyViolation", err)
	}
	if _, err := ro.AllocateBlocks(1); err != ErrReadOnlyViolation {
		t.Fatalf("got %v, want ErrReadOnlyViolation", err)
	}
}

func TestReadOnlyFileDeviceDedupesConcurrentOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.d2db")
	dev, err := OpenFileDevice(path, 4096, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.Commit(nil); err != nil {
		t.Fatal(err)
	}
	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}

	a, err := OpenReadOnlyFileDevice(path, 4096, 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := OpenReadOnlyFileDevice(path, 4096, 0)
	if err != nil {
		t.Fatal(err)
	}
	if a.r != b.r {
		t.Fatalf("second open did not share the first open's file handle")
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
}
