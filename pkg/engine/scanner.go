package engine

import (
	"github.com/snapdb/SnapDB-sub000/pkg/block"
	"github.com/snapdb/SnapDB-sub000/pkg/tree"
	"github.com/snapdb/SnapDB-sub000/pkg/tree/encoding"
)

// Scanner iterates a tree's leaves in key order, forward or backward,
// via leaf sibling pointers (§6 SUPPLEMENTED: "read snapshot iteration
// helpers"). It is the read-side counterpart to Engine.Write.
type Scanner struct {
	dev  block.Device
	root block.Address
	enc  encoding.Fixed

	leaf  *tree.FixedNode
	index int
}

func newScanner(dev block.Device, root block.Address, keySize int) *Scanner {
	return &Scanner{dev: dev, root: root, enc: encoding.Fixed{KeySize: keySize, ValueSize: keySize}, index: -1}
}

// SeekTo positions the scanner at the first record whose key is >= key
// (§4.6 "get_or_next" applied at the leaf level).
func (s *Scanner) SeekTo(key []byte) (bool, error) {
	if s.root == block.NullAddress {
		return false, nil
	}
	addr := s.root
	for {
		v, err := s.dev.ReadBlock(addr, block.TypeData, 0, 0)
		if err != nil {
			return false, err
		}
		n := tree.LoadFixedNode(v.Payload(), s.enc, tree.ByteCompare)
		if n.IsLeaf() {
			s.leaf = n
			s.index = leafSearchIndex(n, key, tree.ByteCompare)
			return s.index < n.Count(), nil
		}
		addr = descend(n, key)
	}
}

// SeekFirst positions the scanner at the leftmost record.
func (s *Scanner) SeekFirst() (bool, error) { return s.seekEdge(true) }

// SeekLast positions the scanner at the rightmost record.
func (s *Scanner) SeekLast() (bool, error) { return s.seekEdge(false) }

func (s *Scanner) seekEdge(first bool) (bool, error) {
	if s.root == block.NullAddress {
		return false, nil
	}
	addr := s.root
	for {
		v, err := s.dev.ReadBlock(addr, block.TypeData, 0, 0)
		if err != nil {
			return false, err
		}
		n := tree.LoadFixedNode(v.Payload(), s.enc, tree.ByteCompare)
		if n.IsLeaf() {
			s.leaf = n
			if first {
				s.index = 0
			} else {
				s.index = n.Count() - 1
			}
			return s.index >= 0 && s.index < n.Count(), nil
		}
		if first {
			_, val, _ := n.GetFirst()
			addr = block.Address(decodeAddr4(val))
		} else {
			_, val := n.RecordAt(n.Count() - 1)
			addr = block.Address(decodeAddr4(val))
		}
	}
}

// Key and Value return the record at the current position. Call only
// after a positioning method or Next/Prev has returned true.
func (s *Scanner) Key() []byte {
	k, _ := s.leaf.RecordAt(s.index)
	return k
}

func (s *Scanner) Value() []byte {
	_, v := s.leaf.RecordAt(s.index)
	return v
}

// Next advances to the next record in ascending key order, crossing
// into the right sibling leaf if needed.
func (s *Scanner) Next() (bool, error) {
	s.index++
	if s.index < s.leaf.Count() {
		return true, nil
	}
	right := s.leaf.Header().Right
	if right == block.NullSibling || right == block.NullAddress {
		return false, nil
	}
	v, err := s.dev.ReadBlock(right, block.TypeData, 0, 0)
	if err != nil {
		return false, err
	}
	s.leaf = tree.LoadFixedNode(v.Payload(), s.enc, tree.ByteCompare)
	s.index = 0
	return s.leaf.Count() > 0, nil
}

// Prev retreats to the previous record in ascending key order,
// crossing into the left sibling leaf if needed.
func (s *Scanner) Prev() (bool, error) {
	s.index--
	if s.index >= 0 {
		return true, nil
	}
	left := s.leaf.Header().Left
	if left == block.NullSibling || left == block.NullAddress {
		return false, nil
	}
	v, err := s.dev.ReadBlock(left, block.TypeData, 0, 0)
	if err != nil {
		return false, err
	}
	s.leaf = tree.LoadFixedNode(v.Payload(), s.enc, tree.ByteCompare)
	s.index = s.leaf.Count() - 1
	return s.index >= 0, nil
}

func leafSearchIndex(n *tree.FixedNode, key []byte, cmp tree.Comparer) int {
	lo, hi := 0, n.Count()
	for lo < hi {
		mid := (lo + hi) / 2
		k, _ := n.RecordAt(mid)
		if cmp(k, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func descend(n *tree.FixedNode, key []byte) block.Address {
	lo, hi := 0, n.Count()
	for lo < hi {
		mid := (lo + hi) / 2
		k, _ := n.RecordAt(mid)
		if tree.ByteCompare(k, key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	idx := lo - 1
	if idx < 0 {
		idx = 0
	}
	_, val := n.RecordAt(idx)
	return block.Address(decodeAddr4(val))
}

func decodeAddr4(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
