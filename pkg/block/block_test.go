package block

import "testing"

func TestIsPowerOfTwoSize(t *testing.T) {
	cases := []struct {
		size int
		want bool
	}{
		{32, true},
		{4096, true},
		{1 << 30, true},
		{1 << 31, false}, // exceeds MaxBlockSizeLog2
		{1 << 4, false},  // below MinBlockSizeLog2
		{100, false},     // not a power of two
		{0, false},
	}
	for _, c := range cases {
		if got := IsPowerOfTwoSize(c.size); got != c.want {
			t.Errorf("IsPowerOfTwoSize(%d) = %v, want %v", c.size, got, c.want)
		}
	}
}

func TestStampAndVerifyFooterRoundTrip(t *testing.T) {
	buf := make([]byte, 4096)
	stampFooter(buf, 4096, TypeData, 7, 3)
	if err := verifyFooter(buf, 4096, TypeData, 7, 3); err != nil {
		t.Fatalf("verifyFooter: %v", err)
	}
}

func TestVerifyFooterDetectsChecksumMismatch(t *testing.T) {
	buf := make([]byte, 4096)
	stampFooter(buf, 4096, TypeData, 7, 3)
	buf[10] ^= 0xFF
	if err := verifyFooter(buf, 4096, TypeData, 7, 3); err != ErrChecksumMismatch {
		t.Fatalf("got %v, want ErrChecksumMismatch", err)
	}
}

func TestVerifyFooterDetectsTypeMismatch(t *testing.T) {
	buf := make([]byte, 4096)
	stampFooter(buf, 4096, TypeData, 7, 3)
	if err := verifyFooter(buf, 4096, TypeFileHeader, 7, 3); err == nil {
		t.Fatalf("expected a type mismatch error")
	}
}

func TestMemoryDeviceWriteCommitRead(t *testing.T) {
	dev := NewMemoryDevice(4096)
	addr, err := dev.AllocateBlocks(1)
	if err != nil {
		t.Fatal(err)
	}
	v, err := dev.WriteNewBlock(addr, TypeData, 5, 1)
	if err != nil {
		t.Fatal(err)
	}
	copy(v.Payload(), []byte("hello"))
	v.Stamp(TypeData, 5, 1)

	if err := dev.Commit(nil); err != nil {
		t.Fatal(err)
	}

	got, err := dev.ReadBlock(addr, TypeData, 5, 1)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Payload()[:5]) != "hello" {
		t.Fatalf("got %q", got.Payload()[:5])
	}
	if addr > dev.Frontier() {
		t.Fatalf("committed address %d should be <= frontier %d", addr, dev.Frontier())
	}
}

func TestMemoryDeviceRollbackDiscardsUncommitted(t *testing.T) {
	dev := NewMemoryDevice(4096)
	before := dev.LastAllocated()
	addr, err := dev.AllocateBlocks(3)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dev.WriteNewBlock(addr, TypeData, 0, 1); err != nil {
		t.Fatal(err)
	}
	if err := dev.Rollback(); err != nil {
		t.Fatal(err)
	}
	if dev.LastAllocated() != before {
		t.Fatalf("rollback did not restore high-water mark: got %d, want %d", dev.LastAllocated(), before)
	}
}

func TestViewStaleAfterCommit(t *testing.T) {
	dev := NewMemoryDevice(4096)
	addr, _ := dev.AllocateBlocks(1)
	v, err := dev.WriteNewBlock(addr, TypeData, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	v.Stamp(TypeData, 0, 1)
	if v.Stale() {
		t.Fatalf("view should not be stale before any commit")
	}
	if err := dev.Commit(nil); err != nil {
		t.Fatal(err)
	}
	if !v.Stale() {
		t.Fatalf("view should be stale after a commit bumped the pointer version")
	}
}
