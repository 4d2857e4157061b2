package block

import (
	"fmt"

	"github.com/snapdb/SnapDB-sub000/pkg/readerutil"
)

// ReadOnlyFileDevice is a read-only counterpart to FileDevice for the
// stage-combine task's parallel leaf readers (§4.10 "CombineFiles"):
// many goroutines reading the same on-disk intermediate file share one
// underlying *os.File, via readerutil.OpenSingle's refcounted dedup,
// instead of each opening and locking its own handle.
type ReadOnlyFileDevice struct {
	r         readerutil.ReaderAtCloser
	blockSize int
	frontier  Address
}

var _ Device = (*ReadOnlyFileDevice)(nil)

// OpenReadOnlyFileDevice opens path for reading, deduplicating the
// underlying file descriptor against any other open ReadOnlyFileDevice
// on the same path. frontier is the committed high-water mark to report
// (every address up to it was already durable when the caller learned
// of this file, since a combine source is never concurrently written).
func OpenReadOnlyFileDevice(path string, blockSize int, frontier Address) (*ReadOnlyFileDevice, error) {
	if !IsPowerOfTwoSize(blockSize) {
		return nil, fmt.Errorf("block: invalid block size %d", blockSize)
	}
	r, err := readerutil.OpenSingle(path)
	if err != nil {
		return nil, err
	}
	return &ReadOnlyFileDevice{r: r, blockSize: blockSize, frontier: frontier}, nil
}

func (d *ReadOnlyFileDevice) BlockSize() int         { return d.blockSize }
func (d *ReadOnlyFileDevice) PointerVersion() uint64 { return 0 }
func (d *ReadOnlyFileDevice) Frontier() Address      { return d.frontier }
func (d *ReadOnlyFileDevice) LastAllocated() Address { return d.frontier }

func (d *ReadOnlyFileDevice) ReadBlock(addr Address, wantType Type, wantIndex, wantFileID int32) (*View, error) {
	if addr == NullAddress {
		return nil, fmt.Errorf("block: read of null address")
	}
	buf := make([]byte, d.blockSize)
	off := int64(addr-1) * int64(d.blockSize)
	if _, err := d.r.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("block: read addr %d: %w", addr, err)
	}
	if err := verifyFooter(buf, d.blockSize, wantType, wantIndex, wantFileID); err != nil {
		return nil, err
	}
	return &View{dev: d, version: 0, addr: addr, buf: buf}, nil
}

func (d *ReadOnlyFileDevice) WriteNewBlock(Address, Type, int32, int32) (*View, error) {
	return nil, ErrReadOnlyViolation
}

func (d *ReadOnlyFileDevice) WriteExistingBlock(Address, Type, int32, int32) (*View, error) {
	return nil, ErrReadOnlyViolation
}

func (d *ReadOnlyFileDevice) AllocateBlocks(uint32) (Address, error) {
	return 0, ErrReadOnlyViolation
}

func (d *ReadOnlyFileDevice) Commit([]byte) error { return ErrReadOnlyViolation }
func (d *ReadOnlyFileDevice) Rollback() error     { return ErrReadOnlyViolation }
func (d *ReadOnlyFileDevice) Close() error        { return d.r.Close() }
