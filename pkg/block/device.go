package block

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Device is the paged I/O contract from §4.1. A Device is opened once
// per file structure (§4.5 owns it exclusively) and serves exactly one
// in-flight edit session plus any number of concurrent read snapshots.
//
// Addresses above Frontier() may be written in place; addresses at or
// below it are immutable and must be copied (§3 "Last-readonly
// frontier"). No address is ever reused within the lifetime of a
// device (§4.1 AllocateBlocks).
type Device interface {
	BlockSize() int

	// PointerVersion is bumped every time previously handed-out Views
	// may have been invalidated (a commit or rollback). Callers that
	// cache a View across a yield point must compare versions and
	// re-acquire on mismatch.
	PointerVersion() uint64

	// Frontier is the high-water mark as of the start of the current
	// edit window: addresses <= Frontier are read-only.
	Frontier() Address

	// LastAllocated is the current high-water mark, including
	// allocations made by the in-flight edit.
	LastAllocated() Address

	// ReadBlock returns a read-only view of a committed (<=Frontier)
	// or freshly written (>Frontier) block, verifying its footer
	// against the expected type/index/file-id when the block is
	// at or below the frontier.
	ReadBlock(addr Address, wantType Type, wantIndex, wantFileID int32) (*View, error)

	// WriteNewBlock reserves addr for fresh content: the caller fills
	// the payload with no prior read. addr must be > Frontier.
	WriteNewBlock(addr Address, typ Type, indexValue, fileID int32) (*View, error)

	// WriteExistingBlock acquires a writable view of an
	// already-written, not-yet-committed block (addr > Frontier).
	WriteExistingBlock(addr Address, typ Type, indexValue, fileID int32) (*View, error)

	// AllocateBlocks bumps the high-water mark by n and returns the
	// base address of the new run (LastAllocated()+1 before the bump).
	AllocateBlocks(n uint32) (Address, error)

	// Commit flushes every block written above the frontier, durably
	// persists headerBytes as the new committed header, advances the
	// frontier to the new high-water mark, and bumps PointerVersion.
	Commit(headerBytes []byte) error

	// Rollback discards every block written above the frontier and
	// restores the high-water mark to the frontier. PointerVersion is
	// bumped so stale Views are detected.
	Rollback() error

	// Close releases the device. Committed data remains durable.
	Close() error
}

// View is a pinned, version-stamped handle to one block's in-memory
// image (§9 "pointer chasing + pinned pointers" -> (version, offset,
// len) handle). Bytes() is valid only while Stale() reports false;
// once the backing device's PointerVersion no longer matches version,
// the caller must re-acquire the block.
type View struct {
	dev     Device
	version uint64
	addr    Address
	buf     []byte // full block including footer
	write   bool
}

// Stale reports whether the device has moved on to a new generation
// since this view was acquired.
func (v *View) Stale() bool { return v.dev.PointerVersion() != v.version }

// Bytes returns the full block image, footer included. Panics if the
// view has gone stale; callers on a hot path should check Stale first.
func (v *View) Bytes() []byte {
	if v.Stale() {
		panic("block: stale view accessed")
	}
	return v.buf
}

// Payload returns the usable region, excluding the 32-byte footer.
func (v *View) Payload() []byte {
	b := v.Bytes()
	return b[:len(b)-FooterSize]
}

// Writable reports whether this view was acquired for mutation.
func (v *View) Writable() bool { return v.write }

// Address is the block address this view pins.
func (v *View) Address() Address { return v.addr }

// Stamp finalizes the footer (type, index/file-id, checksum) after the
// caller has filled Payload(). Only valid on a writable view.
func (v *View) Stamp(typ Type, indexValue, fileID int32) {
	if !v.write {
		panic("block: Stamp on a read-only view")
	}
	stampFooter(v.buf, len(v.buf), typ, indexValue, fileID)
}

// --- MemoryDevice -----------------------------------------------------

// MemoryDevice is the in-memory archive option from §6: block storage
// that never touches disk, used by the first-stage writer's
// intermediate trees (§4.10) and by tests.
type MemoryDevice struct {
	mu        sync.Mutex
	blockSize int
	version   uint64

	committed     [][]byte // 1-indexed via addr-1; nil slot == never allocated
	committedLast Address

	pending     map[Address][]byte
	pendingLast Address
}

var _ Device = (*MemoryDevice)(nil)

// NewMemoryDevice creates an empty in-memory device with the given
// block size (must satisfy IsPowerOfTwoSize).
func NewMemoryDevice(blockSize int) *MemoryDevice {
	return &MemoryDevice{
		blockSize: blockSize,
		pending:   make(map[Address][]byte),
	}
}

func (m *MemoryDevice) BlockSize() int             { return m.blockSize }
func (m *MemoryDevice) PointerVersion() uint64     { return atomic.LoadUint64(&m.version) }
func (m *MemoryDevice) Frontier() Address          { m.mu.Lock(); defer m.mu.Unlock(); return m.committedLast }
func (m *MemoryDevice) LastAllocated() Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingLast > m.committedLast {
		return m.pendingLast
	}
	return m.committedLast
}

func (m *MemoryDevice) ReadBlock(addr Address, wantType Type, wantIndex, wantFileID int32) (*View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr == NullAddress {
		return nil, fmt.Errorf("block: read of null address")
	}
	if addr <= m.committedLast {
		idx := int(addr) - 1
		if idx >= len(m.committed) || m.committed[idx] == nil {
			return nil, fmt.Errorf("block: address %d not allocated", addr)
		}
		buf := m.committed[idx]
		if err := verifyFooter(buf, m.blockSize, wantType, wantIndex, wantFileID); err != nil {
			return nil, err
		}
		return &View{dev: m, version: atomic.LoadUint64(&m.version), addr: addr, buf: buf}, nil
	}
	buf, ok := m.pending[addr]
	if !ok {
		return nil, fmt.Errorf("block: address %d not allocated in this edit", addr)
	}
	return &View{dev: m, version: atomic.LoadUint64(&m.version), addr: addr, buf: buf, write: true}, nil
}

func (m *MemoryDevice) WriteNewBlock(addr Address, typ Type, indexValue, fileID int32) (*View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr <= m.committedLast {
		return nil, ErrReadOnlyViolation
	}
	buf := make([]byte, m.blockSize)
	m.pending[addr] = buf
	return &View{dev: m, version: atomic.LoadUint64(&m.version), addr: addr, buf: buf, write: true}, nil
}

func (m *MemoryDevice) WriteExistingBlock(addr Address, typ Type, indexValue, fileID int32) (*View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.pending[addr]
	if !ok {
		return nil, fmt.Errorf("block: address %d has no pending write", addr)
	}
	return &View{dev: m, version: atomic.LoadUint64(&m.version), addr: addr, buf: buf, write: true}, nil
}

func (m *MemoryDevice) AllocateBlocks(n uint32) (Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := m.pendingLast + 1
	if m.pendingLast == 0 {
		base = m.committedLast + 1
	}
	if n == 0 {
		return base, nil
	}
	m.pendingLast = base + Address(n) - 1
	return base, nil
}

func (m *MemoryDevice) Commit(headerBytes []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	need := int(m.pendingLast)
	if need > len(m.committed) {
		grown := make([][]byte, need)
		copy(grown, m.committed)
		m.committed = grown
	}
	for addr, buf := range m.pending {
		m.committed[int(addr)-1] = buf
	}
	m.pending = make(map[Address][]byte)
	m.committedLast = m.pendingLast
	atomic.AddUint64(&m.version, 1)
	_ = headerBytes // header bytes live in the header package; the device just durably orders the commit
	return nil
}

func (m *MemoryDevice) Rollback() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = make(map[Address][]byte)
	m.pendingLast = m.committedLast
	atomic.AddUint64(&m.version, 1)
	return nil
}

func (m *MemoryDevice) Close() error { return nil }
