package tree

import (
	"github.com/snapdb/SnapDB-sub000/pkg/block"
	"github.com/snapdb/SnapDB-sub000/pkg/tree/encoding"
)

// BulkWriter constructs a tree in one pass from a sorted,
// duplicate-free stream of records (§4.9 "Sequential bulk writer"):
// each full leaf is sealed and its dividing key pushed into the
// sparse index, which in turn seals and cascades its own full
// interior nodes one level up.
type BulkWriter struct {
	dev    block.Device
	fileID int32
	leafEnc encoding.PairEncoding
	fixed  encoding.Fixed // only set when leafEnc is a Fixed encoding
	useFixed bool

	sparse *SparseIndex

	cur       *block.View
	curAddr   block.Address
	curFixed  *FixedNode
	curEnc    *EncodedNode
	leafFirst []byte

	dataCount int
}

// NewBulkWriter starts a fresh bulk load. leafEnc selects the leaf
// record encoding (encoding.Fixed for random access, or a delta
// encoding such as encoding.Delta for density); keySize sizes the
// sparse index's interior nodes, which are always fixed-width (§4.8).
func NewBulkWriter(dev block.Device, fileID int32, leafEnc encoding.PairEncoding, keySize int) *BulkWriter {
	w := &BulkWriter{dev: dev, fileID: fileID, leafEnc: leafEnc}
	if f, ok := leafEnc.(encoding.Fixed); ok {
		w.fixed, w.useFixed = f, true
	}
	w.sparse = NewSparseIndex(dev, fileID, keySize, nil)
	return w
}

func (w *BulkWriter) sealCurrentLeaf() error {
	if w.cur == nil {
		return nil
	}
	var right block.Address = block.NullSibling
	if w.useFixed {
		w.curFixed.SetSiblings(block.NullSibling, right)
	} else {
		w.curEnc.SetSiblings(block.NullSibling, right)
	}
	if err := w.sparse.PushBoundary(w.leafFirst, w.curAddr); err != nil {
		return err
	}
	w.cur, w.curFixed, w.curEnc = nil, nil, nil
	return nil
}

func (w *BulkWriter) openNewLeaf() error {
	addr, err := w.dev.AllocateBlocks(1)
	if err != nil {
		return err
	}
	v, err := w.dev.WriteNewBlock(addr, block.TypeData, 0, w.fileID)
	if err != nil {
		return err
	}
	w.cur, w.curAddr = v, addr
	if w.useFixed {
		w.curFixed = NewFixedNode(v.Payload(), 0, w.fixed, ByteCompare)
	} else {
		w.curEnc = NewEncodedNode(v.Payload(), w.leafEnc)
	}
	w.leafFirst = nil
	return nil
}

// Append adds the next record of the sorted, duplicate-free input
// stream, sealing and starting leaves as they fill.
func (w *BulkWriter) Append(key, value []byte) error {
	if w.cur == nil {
		if err := w.openNewLeaf(); err != nil {
			return err
		}
	}
	var err error
	if w.useFixed {
		err = w.curFixed.AppendSequentialStream(key, value)
	} else {
		err = w.curEnc.Append(key, value)
	}
	if err == ErrNodeFull {
		if sealErr := w.sealCurrentLeaf(); sealErr != nil {
			return sealErr
		}
		if err := w.openNewLeaf(); err != nil {
			return err
		}
		if w.useFixed {
			err = w.curFixed.AppendSequentialStream(key, value)
		} else {
			err = w.curEnc.Append(key, value)
		}
	}
	if err != nil {
		return err
	}
	if w.leafFirst == nil {
		w.leafFirst = append([]byte(nil), key...)
	}
	w.dataCount++
	return nil
}

// Finish seals the final partial leaf and the sparse index above it,
// returning the tree's root address and level.
func (w *BulkWriter) Finish() (root block.Address, level byte, err error) {
	if w.cur != nil {
		if err := w.sealCurrentLeaf(); err != nil {
			return 0, 0, err
		}
	}
	return w.sparse.Finish()
}

// Count returns the number of records appended so far.
func (w *BulkWriter) Count() int { return w.dataCount }
