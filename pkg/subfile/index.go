// Package subfile implements the indirect-index engine and shadow-copy
// allocator (§4.1 L2/L3): mapping a subfile's virtual data-block index
// to a physical block.Address through up to four levels of indirection,
// and copy-on-write promotion of any index block still at or below the
// device's frontier.
//
// Grounded on the fixed-size-record indirect addressing in
// _examples/other_examples' conuredb-conuredb btree-storage.go (reserved
// header + page chasing) and on pkg/blobserver/diskpacked's append-only,
// address-by-offset convention for the leaf layer.
package subfile

import (
	"fmt"

	"github.com/snapdb/SnapDB-sub000/pkg/block"
	"github.com/snapdb/SnapDB-sub000/pkg/header"
)

// Level names one of the four indirection tiers, or LevelDirect for the
// single block addressed straight from the subfile header.
type Level int

const (
	LevelDirect Level = iota
	LevelSingle
	LevelDouble
	LevelTriple
	LevelQuadruple
)

// entriesPerIndexBlock returns how many block.Address entries fit in
// one index block's payload: the payload excludes the block footer, so
// this is block.PayloadSize(block_size)/4.
func entriesPerIndexBlock(blockSize int) uint64 {
	return uint64(block.PayloadSize(blockSize)) / 4
}

// Locate resolves a virtual block index to the indirection level and
// the (up to 4) per-level offsets needed to walk to it, via successive
// division by entriesPerIndexBlock (§4.1). offsets[0] is consumed at the
// outermost (e.g. quadruple) level first.
func Locate(vbi uint64, blockSize int) (lvl Level, offsets [4]uint64) {
	if vbi == 0 {
		return LevelDirect, offsets
	}
	e := entriesPerIndexBlock(blockSize)
	v := vbi - 1
	cap1 := e
	cap2 := e * e
	cap3 := e * e * e
	switch {
	case v < cap1:
		offsets[3] = v
		return LevelSingle, offsets
	case v < cap1+cap2:
		v -= cap1
		offsets[2] = v / e
		offsets[3] = v % e
		return LevelDouble, offsets
	case v < cap1+cap2+cap3:
		v -= cap1 + cap2
		offsets[1] = v / (e * e)
		offsets[2] = (v / e) % e
		offsets[3] = v % e
		return LevelTriple, offsets
	default:
		v -= cap1 + cap2 + cap3
		offsets[0] = v / (e * e * e)
		offsets[1] = (v / (e * e)) % e
		offsets[2] = (v / e) % e
		offsets[3] = v % e
		return LevelQuadruple, offsets
	}
}

// rootAddress returns the subfile's top-level pointer for the given
// indirection level.
func rootAddress(sf *header.Subfile, lvl Level) block.Address {
	switch lvl {
	case LevelSingle:
		return sf.Single
	case LevelDouble:
		return sf.Double
	case LevelTriple:
		return sf.Triple
	case LevelQuadruple:
		return sf.Quadruple
	default:
		return sf.Direct
	}
}

func setRootAddress(sf *header.Subfile, lvl Level, addr block.Address) {
	switch lvl {
	case LevelSingle:
		sf.Single = addr
	case LevelDouble:
		sf.Double = addr
	case LevelTriple:
		sf.Triple = addr
	case LevelQuadruple:
		sf.Quadruple = addr
	default:
		sf.Direct = addr
	}
}

func blockTypeFor(lvl Level) block.Type {
	switch lvl {
	case LevelSingle:
		return block.TypeIndexIndirect1
	case LevelDouble:
		return block.TypeIndexIndirect2
	case LevelTriple:
		return block.TypeIndexIndirect3
	case LevelQuadruple:
		return block.TypeIndexIndirect4
	default:
		return block.TypeData
	}
}

func depthOf(lvl Level) int {
	switch lvl {
	case LevelSingle:
		return 1
	case LevelDouble:
		return 2
	case LevelTriple:
		return 3
	case LevelQuadruple:
		return 4
	default:
		return 0
	}
}

// offsetAt returns the offset consumed when descending to tier d (1 is
// the outermost tier actually present for this path, depth is the
// deepest tier).
func offsetAt(offsets [4]uint64, depth, d int) uint64 {
	return offsets[4-depth+d-1]
}

// entrySlot is the byte range of one block.Address entry within an
// index block's payload.
func entrySlot(payload []byte, offset uint64) []byte {
	o := offset * 4
	return payload[o : o+4]
}

// Navigator resolves and mutates the index chain for one subfile
// against one Device. Every Get and Resolve walks the chain from the
// subfile header's root pointer; no index block is cached between
// calls.
type Navigator struct {
	dev block.Device
	sf  *header.Subfile

	cachedVBI    uint64
	cachedValid  bool
	cachedChain  []cachedBlock
}

type cachedBlock struct {
	addr   block.Address
	offset uint64
	view   *block.View
}

// NewNavigator wraps dev for the given subfile's index structure.
func NewNavigator(dev block.Device, sf *header.Subfile) *Navigator {
	return &Navigator{dev: dev, sf: sf}
}

func (n *Navigator) invalidateFrom(d int) {
	if d < len(n.cachedChain) {
		n.cachedChain = n.cachedChain[:d]
	}
}

// Get resolves vbi to its current data block address, or
// block.NullAddress if that data block has never been written.
func (n *Navigator) Get(vbi uint64) (block.Address, error) {
	lvl, offsets := Locate(vbi, n.dev.BlockSize())
	depth := depthOf(lvl)
	if depth == 0 {
		return n.sf.Direct, nil
	}
	addr := rootAddress(n.sf, lvl)
	for d := 1; d <= depth; d++ {
		if addr == block.NullAddress {
			return block.NullAddress, nil
		}
		idxType := indexTypeAtDepth(d)
		v, err := n.dev.ReadBlock(addr, idxType, int32(d), int32(n.sf.FileID))
		if err != nil {
			return block.NullAddress, fmt.Errorf("subfile: walk depth %d: %w", d, err)
		}
		off := offsetAt(offsets, depth, d)
		next := block.Address(decodeAddr(entrySlot(v.Payload(), off)))
		addr = next
	}
	return addr, nil
}

func indexTypeAtDepth(d int) block.Type {
	switch d {
	case 1:
		return block.TypeIndexIndirect1
	case 2:
		return block.TypeIndexIndirect2
	case 3:
		return block.TypeIndexIndirect3
	default:
		return block.TypeIndexIndirect4
	}
}

// Resolve returns the data block address for vbi, shadow-copying (or
// allocating) every index block on the path that sits at or below the
// device's frontier, then allocating the data block itself if it does
// not yet exist. It stamps and leaves writable every touched index
// block; the caller is responsible for stamping the data block it
// fills in.
func (n *Navigator) Resolve(vbi uint64) (block.Address, error) {
	lvl, offsets := Locate(vbi, n.dev.BlockSize())
	depth := depthOf(lvl)
	if depth == 0 {
		if n.sf.Direct == block.NullAddress {
			addr, err := n.dev.AllocateBlocks(1)
			if err != nil {
				return 0, err
			}
			if _, err := n.dev.WriteNewBlock(addr, block.TypeData, 0, n.sf.FileID); err != nil {
				return 0, err
			}
			n.sf.Direct = addr
		}
		return n.sf.Direct, nil
	}

	frontier := n.dev.Frontier()
	parentSlot := func(parentPayload []byte, off uint64) []byte { return entrySlot(parentPayload, off) }

	addr := rootAddress(n.sf, lvl)
	var parentView *block.View
	var parentOffset uint64
	for d := 1; d <= depth; d++ {
		off := offsetAt(offsets, depth, d)
		idxType := indexTypeAtDepth(d)

		if addr == block.NullAddress {
			newAddr, err := n.dev.AllocateBlocks(1)
			if err != nil {
				return 0, err
			}
			v, err := n.dev.WriteNewBlock(newAddr, idxType, int32(d), int32(n.sf.FileID))
			if err != nil {
				return 0, err
			}
			v.Stamp(idxType, int32(d), int32(n.sf.FileID))
			if parentView != nil {
				encodeAddr(parentSlot(parentView.Payload(), parentOffset), uint32(newAddr))
				parentView.Stamp(indexTypeAtDepth(d-1), int32(d-1), int32(n.sf.FileID))
			} else {
				setRootAddress(n.sf, lvl, newAddr)
			}
			addr = block.Address(decodeAddr(entrySlot(v.Payload(), off)))
			parentView = v
			parentOffset = off
			continue
		}

		if addr <= frontier {
			v, err := n.dev.ReadBlock(addr, idxType, int32(d), int32(n.sf.FileID))
			if err != nil {
				return 0, err
			}
			newAddr, err := n.dev.AllocateBlocks(1)
			if err != nil {
				return 0, err
			}
			nv, err := n.dev.WriteNewBlock(newAddr, idxType, int32(d), int32(n.sf.FileID))
			if err != nil {
				return 0, err
			}
			copy(nv.Payload(), v.Payload())
			nv.Stamp(idxType, int32(d), int32(n.sf.FileID))
			if parentView != nil {
				encodeAddr(parentSlot(parentView.Payload(), parentOffset), uint32(newAddr))
				parentView.Stamp(indexTypeAtDepth(d-1), int32(d-1), int32(n.sf.FileID))
			} else {
				setRootAddress(n.sf, lvl, newAddr)
			}
			addr = block.Address(decodeAddr(entrySlot(nv.Payload(), off)))
			parentView = nv
			parentOffset = off
			continue
		}

		v, err := n.dev.WriteExistingBlock(addr, idxType, int32(d), int32(n.sf.FileID))
		if err != nil {
			return 0, err
		}
		parentView = v
		parentOffset = off
		addr = block.Address(decodeAddr(entrySlot(v.Payload(), off)))
	}

	dataAddr := addr
	if dataAddr == block.NullAddress {
		newAddr, err := n.dev.AllocateBlocks(1)
		if err != nil {
			return 0, err
		}
		if _, err := n.dev.WriteNewBlock(newAddr, block.TypeData, 0, n.sf.FileID); err != nil {
			return 0, err
		}
		encodeAddr(parentSlot(parentView.Payload(), parentOffset), uint32(newAddr))
		parentView.Stamp(indexTypeAtDepth(depth), int32(depth), int32(n.sf.FileID))
		dataAddr = newAddr
	}
	return dataAddr, nil
}

func decodeAddr(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func encodeAddr(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
