package subfile

import (
	"testing"

	"github.com/snapdb/SnapDB-sub000/pkg/block"
	"github.com/snapdb/SnapDB-sub000/pkg/header"
)

func TestLocateDirectAndSingle(t *testing.T) {
	lvl, _ := Locate(0, 4096)
	if lvl != LevelDirect {
		t.Fatalf("vbi 0 should be direct, got %v", lvl)
	}
	lvl, offs := Locate(1, 4096)
	if lvl != LevelSingle || offs[3] != 0 {
		t.Fatalf("vbi 1 should be single offset 0, got %v %v", lvl, offs)
	}
}

func TestResolveAndGetRoundTrip(t *testing.T) {
	dev := block.NewMemoryDevice(4096)
	sf := &header.Subfile{FileID: 1}
	nav := NewNavigator(dev, sf)

	addrs := make([]block.Address, 0, 8)
	for vbi := uint64(0); vbi < 8; vbi++ {
		addr, err := nav.Resolve(vbi)
		if err != nil {
			t.Fatalf("resolve %d: %v", vbi, err)
		}
		if addr == block.NullAddress {
			t.Fatalf("resolve %d returned null address", vbi)
		}
		addrs = append(addrs, addr)
	}
	if err := dev.Commit(nil); err != nil {
		t.Fatal(err)
	}
	nav2 := NewNavigator(dev, sf)
	for vbi, want := range addrs {
		got, err := nav2.Get(uint64(vbi))
		if err != nil {
			t.Fatalf("get %d: %v", vbi, err)
		}
		if got != want {
			t.Fatalf("vbi %d: got addr %d, want %d", vbi, got, want)
		}
	}
}

func TestShadowCopyOnlyAboveFrontierIsMutable(t *testing.T) {
	dev := block.NewMemoryDevice(4096)
	sf := &header.Subfile{FileID: 1}
	nav := NewNavigator(dev, sf)

	// Large enough vbi to force at least one indirect level.
	const vbi = 500
	addr1, err := nav.Resolve(vbi)
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.Commit(nil); err != nil {
		t.Fatal(err)
	}

	single := sf.Single
	nav2 := NewNavigator(dev, sf)
	addr2, err := nav2.Resolve(vbi)
	if err != nil {
		t.Fatal(err)
	}
	if addr2 != addr1 {
		t.Fatalf("resolving an already-allocated path changed the data address: %d != %d", addr1, addr2)
	}
	if sf.Single == single {
		t.Fatalf("index block below the frontier was not shadow-copied")
	}
}
