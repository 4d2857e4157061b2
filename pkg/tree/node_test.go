package tree

import (
	"testing"

	"github.com/snapdb/SnapDB-sub000/pkg/tree/encoding"
)

func key(n uint32) []byte {
	return []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}

func TestFixedNodeInsertGetRemove(t *testing.T) {
	payload := make([]byte, 256)
	enc := encoding.Fixed{KeySize: 4, ValueSize: 4}
	n := NewFixedNode(payload, 0, enc, ByteCompare)

	for _, k := range []uint32{5, 1, 3, 2, 4} {
		if err := n.Insert(key(k), key(k*10)); err != nil {
			t.Fatalf("insert %d: %v", k, err)
		}
	}
	if n.Count() != 5 {
		t.Fatalf("count = %d, want 5", n.Count())
	}
	prev := uint32(0)
	for i := 0; i < n.Count(); i++ {
		k := n.keyAt(i)
		v := uint32(k[0])<<24 | uint32(k[1])<<16 | uint32(k[2])<<8 | uint32(k[3])
		if v <= prev {
			t.Fatalf("keys not sorted: %d after %d", v, prev)
		}
		prev = v
	}
	v, ok := n.Get(key(3))
	if !ok || len(v) != 4 {
		t.Fatalf("get(3) = %v, %v", v, ok)
	}
	if err := n.Insert(key(3), key(99)); err != ErrDuplicateKey {
		t.Fatalf("got %v, want ErrDuplicateKey", err)
	}
	if err := n.Remove(key(3)); err != nil {
		t.Fatal(err)
	}
	if _, ok := n.Get(key(3)); ok {
		t.Fatalf("key 3 still present after remove")
	}
	if err := n.Remove(key(3)); err != ErrKeyNotFound {
		t.Fatalf("got %v, want ErrKeyNotFound", err)
	}
}

func TestFixedNodeSplit(t *testing.T) {
	enc := encoding.Fixed{KeySize: 4, ValueSize: 4}
	leftPayload := make([]byte, 14+2+2+8*enc.RecordSize())
	rightPayload := make([]byte, len(leftPayload))
	left := NewFixedNode(leftPayload, 0, enc, ByteCompare)
	right := NewFixedNode(rightPayload, 0, enc, ByteCompare)

	for i := uint32(0); i < 8; i++ {
		if err := left.AppendSequentialStream(key(i), key(i)); err != nil {
			t.Fatal(err)
		}
	}
	splitKey := left.Split(right)
	if left.Count()+right.Count() != 8 {
		t.Fatalf("records lost in split: %d + %d", left.Count(), right.Count())
	}
	if string(splitKey) != string(right.keyAt(0)) {
		t.Fatalf("split key mismatch")
	}
}

func TestAppendSequentialStreamRejectsOutOfOrder(t *testing.T) {
	enc := encoding.Fixed{KeySize: 4, ValueSize: 4}
	payload := make([]byte, 256)
	n := NewFixedNode(payload, 0, enc, ByteCompare)
	if err := n.AppendSequentialStream(key(5), key(5)); err != nil {
		t.Fatal(err)
	}
	if err := n.AppendSequentialStream(key(3), key(3)); err != ErrNotSequential {
		t.Fatalf("got %v, want ErrNotSequential", err)
	}
	if err := n.AppendSequentialStream(key(5), key(5)); err != ErrContainsDuplicates {
		t.Fatalf("got %v, want ErrContainsDuplicates", err)
	}
}

func TestDeltaEncodedNodeScan(t *testing.T) {
	enc := encoding.Delta{KeySize: 4}
	payload := make([]byte, 256)
	n := NewEncodedNode(payload, enc)
	for i := uint32(0); i < 5; i++ {
		if err := n.Append(key(i*10), key(i)); err != nil {
			t.Fatal(err)
		}
	}
	var gotKeys [][]byte
	n.Scan(func(k, v []byte) bool {
		gotKeys = append(gotKeys, append([]byte(nil), k...))
		return true
	})
	if len(gotKeys) != 5 {
		t.Fatalf("scanned %d records, want 5", len(gotKeys))
	}
	for i, k := range gotKeys {
		want := key(uint32(i) * 10)
		if string(k) != string(want) {
			t.Fatalf("record %d: got %v want %v", i, k, want)
		}
	}
}

func TestBulkWriterBuildsTree(t *testing.T) {
	dev := newTestDevice()
	w := NewBulkWriter(dev, 1, encoding.Fixed{KeySize: 4, ValueSize: 4}, 4)
	const n = 40
	for i := uint32(0); i < n; i++ {
		if err := w.Append(key(i), key(i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	root, _, err := w.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if root == 0 {
		t.Fatalf("bulk writer produced a null root")
	}
	if w.Count() != n {
		t.Fatalf("count = %d, want %d", w.Count(), n)
	}
}
