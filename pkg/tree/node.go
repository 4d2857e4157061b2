// Package tree implements the B+-tree node (§4.6-§4.9): a common
// header shared by every node, a fixed-size, binary-searchable record
// layout for interior and sparse-index nodes, and the sparse index and
// bulk sequential writer built on top of it.
//
// Grounded on pkg/sorted's ordered key-value contract and on
// _examples/other_examples' conuredb-conuredb btree-storage.go, whose
// node split/merge shape this package follows directly.
package tree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/snapdb/SnapDB-sub000/pkg/block"
	"github.com/snapdb/SnapDB-sub000/pkg/tree/encoding"
)

// Comparer orders two keys, returning <0, 0, >0 like bytes.Compare.
type Comparer func(a, b []byte) int

// ByteCompare is the default Comparer: plain byte-lexicographic order,
// which is also the correct order for the fixed-width big-endian keys
// this package's callers use (§4.6 "keys compare as unsigned byte
// strings").
func ByteCompare(a, b []byte) int { return bytes.Compare(a, b) }

var (
	ErrDuplicateKey = errors.New("tree: duplicate key")
	ErrKeyNotFound  = errors.New("tree: key not found")
	ErrNodeFull     = errors.New("tree: node has no remaining capacity")

	ErrNotSequential     = errors.New("tree: bulk stream is not sorted ascending")
	ErrContainsDuplicates = errors.New("tree: bulk stream contains a duplicate key")
)

const nodeVersion byte = 1

// Header is the fixed portion every node carries (§4.6 "common node
// header"): level, record accounting, sibling pointers, and the
// node's inclusive lower key / exclusive upper key bounds.
type Header struct {
	Level       byte
	RecordCount uint16
	ValidBytes  uint16
	Left        block.Address
	Right       block.Address
	LowerKey    []byte // inclusive
	UpperKey    []byte // exclusive; nil means "unbounded"
}

func parseHeader(payload []byte) (Header, int) {
	var h Header
	h.Level = payload[1]
	h.RecordCount = binary.LittleEndian.Uint16(payload[2:4])
	h.ValidBytes = binary.LittleEndian.Uint16(payload[4:6])
	h.Left = block.Address(binary.LittleEndian.Uint32(payload[6:10]))
	h.Right = block.Address(binary.LittleEndian.Uint32(payload[10:14]))
	off := 14
	lowerLen := int(binary.LittleEndian.Uint16(payload[off : off+2]))
	off += 2
	if lowerLen > 0 {
		h.LowerKey = append([]byte(nil), payload[off:off+lowerLen]...)
	}
	off += lowerLen
	upperLen := int(binary.LittleEndian.Uint16(payload[off : off+2]))
	off += 2
	if upperLen > 0 {
		h.UpperKey = append([]byte(nil), payload[off:off+upperLen]...)
	}
	off += upperLen
	return h, off
}

func (h Header) encode(payload []byte) int {
	payload[0] = nodeVersion
	payload[1] = h.Level
	binary.LittleEndian.PutUint16(payload[2:4], h.RecordCount)
	binary.LittleEndian.PutUint16(payload[4:6], h.ValidBytes)
	binary.LittleEndian.PutUint32(payload[6:10], uint32(h.Left))
	binary.LittleEndian.PutUint32(payload[10:14], uint32(h.Right))
	off := 14
	binary.LittleEndian.PutUint16(payload[off:off+2], uint16(len(h.LowerKey)))
	off += 2
	off += copy(payload[off:], h.LowerKey)
	binary.LittleEndian.PutUint16(payload[off:off+2], uint16(len(h.UpperKey)))
	off += 2
	off += copy(payload[off:], h.UpperKey)
	return off
}

func headerSize(lowerKeyLen, upperKeyLen int) int {
	return 14 + 2 + lowerKeyLen + 2 + upperKeyLen
}

// FixedNode is a fixed-record-width node: the only encoding used for
// interior and sparse-index levels, and available to leaves that don't
// need delta compression (§4.7 "FixedSize").
type FixedNode struct {
	payload    []byte
	hdr        Header
	enc        encoding.Fixed
	recordsOff int
	cmp        Comparer
}

// NewFixedNode initializes an empty node of the given level in payload
// (the caller's block.View.Payload()).
func NewFixedNode(payload []byte, level byte, enc encoding.Fixed, cmp Comparer) *FixedNode {
	n := &FixedNode{payload: payload, enc: enc, cmp: cmp}
	n.hdr = Header{Level: level, Left: block.NullSibling, Right: block.NullSibling}
	n.recordsOff = headerSize(0, 0)
	n.hdr.encode(payload)
	return n
}

// LoadFixedNode parses an existing node from payload.
func LoadFixedNode(payload []byte, enc encoding.Fixed, cmp Comparer) *FixedNode {
	hdr, off := parseHeader(payload)
	return &FixedNode{payload: payload, hdr: hdr, enc: enc, recordsOff: off, cmp: cmp}
}

func (n *FixedNode) Header() Header { return n.hdr }
func (n *FixedNode) Level() byte    { return n.hdr.Level }
func (n *FixedNode) IsLeaf() bool   { return n.hdr.Level == 0 }

func (n *FixedNode) capacity() int {
	return (len(n.payload) - n.recordsOff) / n.enc.RecordSize()
}

func (n *FixedNode) record(i int) []byte {
	sz := n.enc.RecordSize()
	off := n.recordsOff + i*sz
	return n.payload[off : off+sz]
}

func (n *FixedNode) keyAt(i int) []byte { return n.record(i)[:n.enc.KeySize] }
func (n *FixedNode) valAt(i int) []byte { return n.record(i)[n.enc.KeySize:] }

// search returns (index, true) if key is present, else (insertion
// point, false), via binary search (§4.7 "binary search").
func (n *FixedNode) search(key []byte) (int, bool) {
	lo, hi := 0, int(n.hdr.RecordCount)
	for lo < hi {
		mid := (lo + hi) / 2
		c := n.cmp(n.keyAt(mid), key)
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// Get returns the value stored for key, if present.
func (n *FixedNode) Get(key []byte) (value []byte, ok bool) {
	i, found := n.search(key)
	if !found {
		return nil, false
	}
	return n.valAt(i), true
}

// GetOrNext returns the record at key, or the next record with a
// greater key if key is absent (§4.6 "get_or_next").
func (n *FixedNode) GetOrNext(key []byte) (k, v []byte, ok bool) {
	i, _ := n.search(key)
	if i >= int(n.hdr.RecordCount) {
		return nil, nil, false
	}
	return n.keyAt(i), n.valAt(i), true
}

func (n *FixedNode) GetFirst() (k, v []byte, ok bool) {
	if n.hdr.RecordCount == 0 {
		return nil, nil, false
	}
	return n.keyAt(0), n.valAt(0), true
}

func (n *FixedNode) GetLast() (k, v []byte, ok bool) {
	if n.hdr.RecordCount == 0 {
		return nil, nil, false
	}
	i := int(n.hdr.RecordCount) - 1
	return n.keyAt(i), n.valAt(i), true
}

// Insert places (key, value) in sorted position.
func (n *FixedNode) Insert(key, value []byte) error {
	i, found := n.search(key)
	if found {
		return ErrDuplicateKey
	}
	if int(n.hdr.RecordCount) >= n.capacity() {
		return ErrNodeFull
	}
	sz := n.enc.RecordSize()
	count := int(n.hdr.RecordCount)
	if i < count {
		src := n.payload[n.recordsOff+i*sz : n.recordsOff+count*sz]
		dst := n.payload[n.recordsOff+(i+1)*sz : n.recordsOff+(count+1)*sz]
		copy(dst, src)
	}
	rec := n.record(i)
	copy(rec[:n.enc.KeySize], key)
	copy(rec[n.enc.KeySize:], value)
	n.hdr.RecordCount++
	n.hdr.ValidBytes += uint16(sz)
	n.hdr.encode(n.payload)
	return nil
}

// Remove deletes key, if present.
func (n *FixedNode) Remove(key []byte) error {
	i, found := n.search(key)
	if !found {
		return ErrKeyNotFound
	}
	sz := n.enc.RecordSize()
	count := int(n.hdr.RecordCount)
	if i < count-1 {
		src := n.payload[n.recordsOff+(i+1)*sz : n.recordsOff+count*sz]
		dst := n.payload[n.recordsOff+i*sz : n.recordsOff+(count-1)*sz]
		copy(dst, src)
	}
	n.hdr.RecordCount--
	n.hdr.ValidBytes -= uint16(sz)
	n.hdr.encode(n.payload)
	return nil
}

// UpdateValue overwrites the value stored for an existing key.
func (n *FixedNode) UpdateValue(key, value []byte) error {
	i, found := n.search(key)
	if !found {
		return ErrKeyNotFound
	}
	copy(n.valAt(i), value)
	return nil
}

// UpdateKey rewrites the node's lower and upper bound keys in place
// (§4.6 "update_key"); it fails when the new keys' lengths would move
// the records offset.
func (n *FixedNode) UpdateKey(lower, upper []byte) error {
	needOff := headerSize(len(lower), len(upper))
	if needOff != n.recordsOff {
		return fmt.Errorf("tree: update_key would move the records offset (not supported in place)")
	}
	n.hdr.LowerKey = lower
	n.hdr.UpperKey = upper
	n.hdr.encode(n.payload)
	return nil
}

// AppendSequentialStream appends a pre-sorted, duplicate-free record
// directly at the end with no search, for the bulk loader (§4.9).
func (n *FixedNode) AppendSequentialStream(key, value []byte) error {
	count := int(n.hdr.RecordCount)
	if count > 0 {
		c := n.cmp(n.keyAt(count-1), key)
		if c > 0 {
			return ErrNotSequential
		}
		if c == 0 {
			return ErrContainsDuplicates
		}
	}
	if count >= n.capacity() {
		return ErrNodeFull
	}
	rec := n.record(count)
	copy(rec[:n.enc.KeySize], key)
	copy(rec[n.enc.KeySize:], value)
	n.hdr.RecordCount++
	n.hdr.ValidBytes += uint16(n.enc.RecordSize())
	n.hdr.encode(n.payload)
	return nil
}

// Split moves the upper half of n's records into right (a freshly
// initialized, same-level node) and returns the key dividing the two
// (right's new inclusive lower bound) (§4.6 "split").
func (n *FixedNode) Split(right *FixedNode) (splitKey []byte) {
	count := int(n.hdr.RecordCount)
	mid := count / 2
	for i := mid; i < count; i++ {
		k := append([]byte(nil), n.keyAt(i)...)
		v := append([]byte(nil), n.valAt(i)...)
		if err := right.AppendSequentialStream(k, v); err != nil {
			panic(fmt.Sprintf("tree: split into right sibling: %v", err))
		}
	}
	splitKey = append([]byte(nil), n.keyAt(mid)...)
	n.hdr.RecordCount = uint16(mid)
	n.hdr.ValidBytes = uint16(mid * n.enc.RecordSize())
	n.hdr.encode(n.payload)

	sz := n.enc.RecordSize()
	for _, b := range []struct {
		node         *FixedNode
		lower, upper []byte
	}{{right, splitKey, n.hdr.UpperKey}, {n, n.hdr.LowerKey, splitKey}} {
		// The bound keys grow the header, so the records slide to the
		// new records offset before the header is rewritten over them.
		newOff := headerSize(len(b.lower), len(b.upper))
		used := b.node.Count() * sz
		copy(b.node.payload[newOff:newOff+used], b.node.payload[b.node.recordsOff:b.node.recordsOff+used])
		b.node.recordsOff = newOff
		b.node.hdr.LowerKey, b.node.hdr.UpperKey = b.lower, b.upper
		b.node.hdr.encode(b.node.payload)
	}
	return splitKey
}

// TransferRecords moves the first count records of n onto the end of
// dst (§4.6 "transfer_records").
func (n *FixedNode) TransferRecords(dst *FixedNode, count int) error {
	if count > int(n.hdr.RecordCount) {
		return fmt.Errorf("tree: transfer_records count %d exceeds available %d", count, n.hdr.RecordCount)
	}
	for i := 0; i < count; i++ {
		k := append([]byte(nil), n.keyAt(i)...)
		v := append([]byte(nil), n.valAt(i)...)
		if err := dst.AppendSequentialStream(k, v); err != nil {
			return err
		}
	}
	sz := n.enc.RecordSize()
	remaining := int(n.hdr.RecordCount) - count
	copy(n.payload[n.recordsOff:n.recordsOff+remaining*sz], n.payload[n.recordsOff+count*sz:n.recordsOff+int(n.hdr.RecordCount)*sz])
	n.hdr.RecordCount = uint16(remaining)
	n.hdr.ValidBytes = uint16(remaining * sz)
	n.hdr.encode(n.payload)
	return nil
}

// RecordAt returns the key and value of the i'th record (0-based).
func (n *FixedNode) RecordAt(i int) (key, value []byte) {
	return n.keyAt(i), n.valAt(i)
}

// Count returns the number of records currently stored.
func (n *FixedNode) Count() int { return int(n.hdr.RecordCount) }

// Capacity returns the maximum number of records this node's payload
// can hold.
func (n *FixedNode) Capacity() int { return n.capacity() }

// SetSiblings updates the left/right sibling pointers.
func (n *FixedNode) SetSiblings(left, right block.Address) {
	n.hdr.Left, n.hdr.Right = left, right
	n.hdr.encode(n.payload)
}
