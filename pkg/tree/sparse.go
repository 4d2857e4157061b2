package tree

import (
	"fmt"

	"github.com/snapdb/SnapDB-sub000/pkg/block"
	"github.com/snapdb/SnapDB-sub000/pkg/tree/encoding"
)

// MaxSparseLevels bounds the interior stack (§4.8 "up to 250 levels").
const MaxSparseLevels = 250

// SparseIndex is the stack of fixed-encoding interior nodes sitting
// above a tree's leaves (§4.8): every level uses encoding.Fixed
// regardless of what the leaves use, so interior lookups are always
// binary-searchable.
type SparseIndex struct {
	dev      block.Device
	fileID   int32
	keySize  int
	enc      encoding.Fixed
	levels   []*levelState
	onRoot   func(addr block.Address, level byte)
}

type levelState struct {
	addr block.Address
	node *FixedNode
}

// NewSparseIndex creates an empty index stack over dev for the given
// key width. onRootChanged, if non-nil, fires every time a new root is
// promoted (§4.8 "RootHasChanged event").
func NewSparseIndex(dev block.Device, fileID int32, keySize int, onRootChanged func(addr block.Address, level byte)) *SparseIndex {
	return &SparseIndex{
		dev:     dev,
		fileID:  fileID,
		keySize: keySize,
		enc:     encoding.Fixed{KeySize: keySize, ValueSize: 4},
		onRoot:  onRootChanged,
	}
}

func (s *SparseIndex) allocLevel(level int) (*levelState, error) {
	addr, err := s.dev.AllocateBlocks(1)
	if err != nil {
		return nil, err
	}
	v, err := s.dev.WriteNewBlock(addr, blockTypeForLevel(level), int32(level+1), s.fileID)
	if err != nil {
		return nil, err
	}
	node := NewFixedNode(v.Payload(), byte(level+1), s.enc, ByteCompare)
	return &levelState{addr: addr, node: node}, nil
}

func blockTypeForLevel(level int) block.Type {
	switch level {
	case 0:
		return block.TypeIndexIndirect1
	case 1:
		return block.TypeIndexIndirect2
	case 2:
		return block.TypeIndexIndirect3
	default:
		return block.TypeIndexIndirect4
	}
}

func addrBytes(addr block.Address) []byte {
	b := make([]byte, 4)
	b[0], b[1], b[2], b[3] = byte(addr), byte(addr>>8), byte(addr>>16), byte(addr>>24)
	return b
}

// PushBoundary records that a freshly sealed child node begins at
// dividingKey and lives at childAddr (§4.9 "leaf sealing -> sparse
// index writer"), cascading a level-0 node split up the stack exactly
// as far as is needed.
func (s *SparseIndex) PushBoundary(dividingKey []byte, childAddr block.Address) error {
	return s.pushAt(0, dividingKey, childAddr)
}

func (s *SparseIndex) pushAt(level int, dividingKey []byte, childAddr block.Address) error {
	if level >= MaxSparseLevels {
		return fmt.Errorf("tree: sparse index exceeds %d levels", MaxSparseLevels)
	}
	if level == len(s.levels) {
		ls, err := s.allocLevel(level)
		if err != nil {
			return err
		}
		s.levels = append(s.levels, ls)
	}
	ls := s.levels[level]
	if err := ls.node.AppendSequentialStream(dividingKey, addrBytes(childAddr)); err != nil {
		if err != ErrNodeFull {
			return err
		}
		sealedAddr := ls.addr
		firstKey, _, _ := ls.node.GetFirst()
		next, err := s.allocLevel(level)
		if err != nil {
			return err
		}
		s.levels[level] = next
		if err := s.pushAt(level+1, firstKey, sealedAddr); err != nil {
			return err
		}
		return s.pushAt(level, dividingKey, childAddr)
	}
	return nil
}

// Finish seals every partially-filled level bottom-up and returns the
// final root address and its level. The root is always an interior
// node (level >= 1), even above a single leaf; NullAddress and level 0
// are returned only when no boundary was ever pushed.
func (s *SparseIndex) Finish() (root block.Address, level byte, err error) {
	if len(s.levels) == 0 {
		return block.NullAddress, 0, nil
	}
	for i := 0; i < len(s.levels)-1; i++ {
		ls := s.levels[i]
		firstKey, _, ok := ls.node.GetFirst()
		if !ok {
			continue
		}
		if err := s.pushAt(i+1, firstKey, ls.addr); err != nil {
			return 0, 0, err
		}
	}
	top := s.levels[len(s.levels)-1]
	root, level = top.addr, top.node.Level()
	if s.onRoot != nil {
		s.onRoot(root, level)
	}
	return root, level, nil
}
