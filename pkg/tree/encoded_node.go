package tree

import (
	"github.com/snapdb/SnapDB-sub000/pkg/block"
	"github.com/snapdb/SnapDB-sub000/pkg/tree/encoding"
)

// EncodedNode is a leaf node using a delta/compressed PairEncoding
// (§4.7 "Encoded"): it supports only strictly-forward construction and
// scanning, trading random access for density. Interior and
// sparse-index nodes never use this type.
type EncodedNode struct {
	payload    []byte
	hdr        Header
	enc        encoding.PairEncoding
	recordsOff int
	used       int // bytes of the records area currently occupied

	lastKey, lastValue []byte
}

// NewEncodedNode initializes an empty leaf.
func NewEncodedNode(payload []byte, enc encoding.PairEncoding) *EncodedNode {
	n := &EncodedNode{payload: payload, enc: enc}
	n.hdr = Header{Level: 0, Left: block.NullSibling, Right: block.NullSibling}
	n.recordsOff = headerSize(0, 0)
	n.hdr.encode(payload)
	return n
}

// LoadEncodedNode parses an existing node.
func LoadEncodedNode(payload []byte, enc encoding.PairEncoding) *EncodedNode {
	hdr, off := parseHeader(payload)
	n := &EncodedNode{payload: payload, hdr: hdr, enc: enc, recordsOff: off, used: int(hdr.ValidBytes)}
	n.primeLast()
	return n
}

func (n *EncodedNode) primeLast() {
	var prevK, prevV []byte
	off := 0
	for i := 0; i < int(n.hdr.RecordCount); i++ {
		k, v, adv := n.enc.Decode(n.payload[n.recordsOff+off:], prevK, prevV)
		prevK, prevV = k, v
		off += adv
	}
	n.lastKey, n.lastValue = prevK, prevV
}

func (n *EncodedNode) Header() Header { return n.hdr }
func (n *EncodedNode) Count() int     { return int(n.hdr.RecordCount) }

// Append writes the next record in forward sequence (§4.9 "strictly
// forward scanning"). key must be strictly greater than the last
// appended key.
func (n *EncodedNode) Append(key, value []byte) error {
	if n.hdr.RecordCount > 0 && ByteCompare(n.lastKey, key) >= 0 {
		if ByteCompare(n.lastKey, key) == 0 {
			return ErrContainsDuplicates
		}
		return ErrNotSequential
	}
	remaining := len(n.payload) - n.recordsOff - n.used
	if remaining < n.enc.MaxCompressionSize() {
		return ErrNodeFull
	}
	encoded := n.enc.Encode(nil, n.lastKey, n.lastValue, key, value)
	if len(encoded) > remaining {
		return ErrNodeFull
	}
	copy(n.payload[n.recordsOff+n.used:], encoded)
	n.used += len(encoded)
	n.hdr.RecordCount++
	n.hdr.ValidBytes = uint16(n.used)
	n.hdr.encode(n.payload)
	n.lastKey, n.lastValue = key, value
	return nil
}

// Scan invokes fn for every record in order, stopping early if fn
// returns false.
func (n *EncodedNode) Scan(fn func(key, value []byte) bool) {
	var prevK, prevV []byte
	off := 0
	for i := 0; i < int(n.hdr.RecordCount); i++ {
		k, v, adv := n.enc.Decode(n.payload[n.recordsOff+off:], prevK, prevV)
		if !fn(k, v) {
			return
		}
		prevK, prevV = k, v
		off += adv
	}
}

// Get scans forward from the first record to find key (§4.7, no
// random access for delta-encoded leaves).
func (n *EncodedNode) Get(key []byte) (value []byte, ok bool) {
	n.Scan(func(k, v []byte) bool {
		if ByteCompare(k, key) == 0 {
			value, ok = v, true
			return false
		}
		return ByteCompare(k, key) < 0
	})
	return
}

func (n *EncodedNode) SetSiblings(left, right block.Address) {
	n.hdr.Left, n.hdr.Right = left, right
	n.hdr.encode(n.payload)
}
