// Package block implements the paged I/O layer (§4.1): a block-addressed
// device with a copy-on-write frontier, a fixed 32-byte per-block footer
// carrying a type tag and checksum, and the version-stamped pointer
// mechanism callers use to detect when their cached view of a block has
// gone stale.
//
// Grounded on pkg/blobserver/diskpacked's fixed-size-record file layout
// and on _examples/other_examples' conuredb-conuredb btree-storage.go
// (page-addressed file with a reserved header region and copy-on-write
// node cloning).
package block

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/spaolacci/murmur3"
)

// Address is a 1-based block address. 0 means "absent".
type Address uint32

// NullAddress is the "absent" sentinel (§3 "Block address").
const NullAddress Address = 0

// NullSibling is the "null sibling" sentinel, distinct from NullAddress:
// it marks the right_sibling of the rightmost leaf in a chain.
const NullSibling Address = math.MaxUint32

// FooterSize is the fixed trailer every block carries, regardless of
// block size.
const FooterSize = 32

// MinBlockSizeLog2 and MaxBlockSizeLog2 bound block_size = 2^n (§3).
const (
	MinBlockSizeLog2 = 5
	MaxBlockSizeLog2 = 30
)

// Type tags the footer's block-type byte.
type Type byte

const (
	TypeFileHeader Type = iota
	TypeIndexIndirect1
	TypeIndexIndirect2
	TypeIndexIndirect3
	TypeIndexIndirect4
	TypeData
	TypeRollback // blocks allocated then abandoned by a rolled-back edit; never committed
)

func (t Type) String() string {
	switch t {
	case TypeFileHeader:
		return "FileHeader"
	case TypeIndexIndirect1:
		return "IndexIndirect1"
	case TypeIndexIndirect2:
		return "IndexIndirect2"
	case TypeIndexIndirect3:
		return "IndexIndirect3"
	case TypeIndexIndirect4:
		return "IndexIndirect4"
	case TypeData:
		return "Data"
	default:
		return fmt.Sprintf("Type(%d)", t)
	}
}

// Errors from §7, fatal for the affected read.
var (
	ErrChecksumMismatch     = errors.New("block: checksum mismatch")
	ErrBlockTypeMismatch    = errors.New("block: type mismatch")
	ErrIndexMismatch        = errors.New("block: index-value mismatch")
	ErrFileIDMismatch       = errors.New("block: file-id mismatch")
	ErrEndianMismatch       = errors.New("block: endianness mismatch, only little-endian is supported")
	ErrVersionNotRecognized = errors.New("block: unrecognized version")
	ErrReadOnlyViolation    = errors.New("block: write attempted on a read-only device")
	ErrAlreadyDisposed      = errors.New("block: device already disposed")
)

// IsPowerOfTwoSize reports whether size is a valid block size: 2^n with
// MinBlockSizeLog2 <= n <= MaxBlockSizeLog2.
func IsPowerOfTwoSize(size int) bool {
	if size <= 0 {
		return false
	}
	n := bits.Len(uint(size)) - 1
	return size == 1<<uint(n) && n >= MinBlockSizeLog2 && n <= MaxBlockSizeLog2
}

// footer is the decoded form of the trailing 32 bytes of a block.
type footer struct {
	Type       Type
	IndexValue int32
	FileID     int32
	Checksum1  int64
	Checksum2  int32
}

// footerOffset returns the byte offset of the footer within a block of
// the given size.
func footerOffset(blockSize int) int { return blockSize - FooterSize }

func encodeFooter(buf []byte, blockSize int, f footer) {
	off := footerOffset(blockSize)
	fb := buf[off : off+FooterSize]
	for i := range fb {
		fb[i] = 0
	}
	fb[0] = byte(f.Type)
	binary.LittleEndian.PutUint32(fb[4:8], uint32(f.IndexValue))
	binary.LittleEndian.PutUint32(fb[8:12], uint32(f.FileID))
	binary.LittleEndian.PutUint64(fb[16:24], uint64(f.Checksum1))
	binary.LittleEndian.PutUint32(fb[24:28], uint32(f.Checksum2))
}

func decodeFooter(buf []byte, blockSize int) footer {
	off := footerOffset(blockSize)
	fb := buf[off : off+FooterSize]
	return footer{
		Type:       Type(fb[0]),
		IndexValue: int32(binary.LittleEndian.Uint32(fb[4:8])),
		FileID:     int32(binary.LittleEndian.Uint32(fb[8:12])),
		Checksum1:  int64(binary.LittleEndian.Uint64(fb[16:24])),
		Checksum2:  int32(binary.LittleEndian.Uint32(fb[24:28])),
	}
}

// checksum computes the 128-bit Murmur3 variant over buf[0:size-16],
// split into a stored (int64, int32) pair (§6).
func checksum(buf []byte, blockSize int) (int64, int32) {
	prefix := buf[:blockSize-16]
	h1, h2 := murmur3.Sum128(prefix)
	return int64(h1), int32(uint32(h2))
}

// stampFooter fills in the type/index/file-id fields and recomputes the
// checksum over the payload, to be called right before a block is
// handed back to the device for flushing.
func stampFooter(buf []byte, blockSize int, typ Type, indexValue, fileID int32) {
	encodeFooter(buf, blockSize, footer{Type: typ, IndexValue: indexValue, FileID: fileID})
	c1, c2 := checksum(buf, blockSize)
	f := decodeFooter(buf, blockSize)
	f.Checksum1, f.Checksum2 = c1, c2
	encodeFooter(buf, blockSize, f)
}

// verifyFooter validates a block read from an immutable (below the
// frontier) region: checksum, then type, then index-value/file-id. The
// first failing check is the error returned, matching §7's ordering.
func verifyFooter(buf []byte, blockSize int, wantType Type, wantIndex, wantFileID int32) error {
	f := decodeFooter(buf, blockSize)
	c1, c2 := checksum(buf, blockSize)
	if c1 != f.Checksum1 || c2 != f.Checksum2 {
		return ErrChecksumMismatch
	}
	if f.Type != wantType {
		return fmt.Errorf("%w: got %s want %s", ErrBlockTypeMismatch, f.Type, wantType)
	}
	if f.IndexValue != wantIndex {
		return fmt.Errorf("%w: got %d want %d", ErrIndexMismatch, f.IndexValue, wantIndex)
	}
	if f.FileID != wantFileID {
		return fmt.Errorf("%w: got %d want %d", ErrFileIDMismatch, f.FileID, wantFileID)
	}
	return nil
}

// PayloadSize is the number of usable bytes in a block of blockSize,
// excluding the footer.
func PayloadSize(blockSize int) int { return blockSize - FooterSize }
