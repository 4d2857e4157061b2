// Package header implements the file header block (§4.2, §6 "File
// format"): the versioned record carrying archive identity, the
// subfile directory, and an extensible, unknown-tag-tolerant attribute
// stream.
//
// Grounded on the file-header/magic-number handling in
// _examples/other_examples' conuredb-conuredb btree-storage.go
// (fixed-size reserved header page, magic+version validation) and on
// scigolib-hdf5's superblock.go for the idea of a small versioned
// preamble ahead of a variable attribute region.
package header

import (
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/snapdb/SnapDB-sub000/pkg/block"
)

// Magic is the fixed 26-byte file preamble (§6).
const Magic = "openHistorian 2.0 Archive\x00"

// EndianMarker is the only supported value of byte 26; any other value
// fails open with ErrEndianMismatch.
const EndianMarker = 'L'

// CurrentVersion is the header layout this package writes.
// Versions 0 and 1 ("legacy layout") are recognized but not supported
// by this implementation; opening one fails with ErrVersionUnsupported
// rather than guessing at the legacy field order (§9, "do not guess").
const CurrentVersion int16 = 2

// MaxSubfiles bounds the subfile directory (§3).
const MaxSubfiles = 64

var (
	ErrDuplicateName       = errors.New("header: duplicate subfile name")
	ErrFileCountOverflow   = errors.New("header: subfile directory is full")
	ErrVersionUnsupported  = errors.New("header: header version not supported by this build")
	ErrMagicMismatch       = errors.New("header: bad magic preamble")
)

// Name is the 20-byte subfile name (§3 "two i64 + one i32"): the raw
// bytes of a SHA-1 digest, which happens to be exactly 20 bytes.
type Name [20]byte

// NameOf derives a subfile name from a canonical (base name, key-type
// GUID, value-type GUID) tuple (§6 "Helpers construct names from GUID
// triples or (name, key-type GUID, value-type GUID) tuples").
func NameOf(baseName string, keyType, valueType uuid.UUID) Name {
	h := sha1.New()
	h.Write([]byte(baseName))
	kb, _ := keyType.MarshalBinary()
	vb, _ := valueType.MarshalBinary()
	h.Write(kb)
	h.Write(vb)
	var n Name
	copy(n[:], h.Sum(nil))
	return n
}

// NameOfGUIDs derives a subfile name directly from three GUIDs, used
// when there is no natural "base name" (§6 "from GUID triples").
func NameOfGUIDs(a, b, c uuid.UUID) Name {
	h := sha1.New()
	ab, _ := a.MarshalBinary()
	bb, _ := b.MarshalBinary()
	cb, _ := c.MarshalBinary()
	h.Write(ab)
	h.Write(bb)
	h.Write(cb)
	var n Name
	copy(n[:], h.Sum(nil))
	return n
}

// SubfileFlag bits.
type SubfileFlag uint32

const (
	FlagReadOnly SubfileFlag = 1 << iota
	FlagSimplified
)

// Subfile is one entry of the subfile directory (§3).
type Subfile struct {
	FileID   int32
	Name     Name
	Flags    SubfileFlag
	Direct   block.Address
	Single   block.Address
	Double   block.Address
	Triple   block.Address
	Quadruple block.Address

	DataBlockCount  uint32
	TotalBlockCount uint32
}

func (s *Subfile) ReadOnly() bool   { return s.Flags&FlagReadOnly != 0 }
func (s *Subfile) Simplified() bool { return s.Flags&FlagSimplified != 0 }

// File is the file header block (§3 "File header block").
type File struct {
	ArchiveID     uuid.UUID
	ArchiveTypeID uuid.UUID

	BlockSizeLog2   byte
	MinReadVersion  int16
	MinWriteVersion int16

	HeaderBlockCount int // 10 full mode, 1 simplified mode

	LastAllocatedBlock     block.Address
	SnapshotSequenceNumber uint64
	NextFileID             int32

	Subfiles []Subfile
	Flags    []uuid.UUID

	// UserAttributes are arbitrary caller attributes keyed by GUID.
	UserAttributes map[uuid.UUID][]byte
	// unknownAttributes preserves, verbatim, tag bytes this build does
	// not recognize, so a round-trip save/load never drops data (§3,
	// §8 "preserved unknown-attribute bytes").
	unknownAttributes []rawAttribute

	readOnly bool
}

type rawAttribute struct {
	tag     uint64
	payload []byte
}

// Simplified reports whether this header was created in simplified
// (single-header-block, no replication) mode.
func (f *File) Simplified() bool { return f.HeaderBlockCount == 1 }

// BlockSize returns 2^BlockSizeLog2.
func (f *File) BlockSize() int { return 1 << uint(f.BlockSizeLog2) }

// CreateNew constructs an empty, editable-cloneable header (§4.2
// "create_new"). simplified selects the 1-header-block / 0-last-alloc
// layout.
func CreateNew(blockSizeLog2 byte, simplified bool) (*File, error) {
	if blockSizeLog2 < block.MinBlockSizeLog2 || blockSizeLog2 > block.MaxBlockSizeLog2 {
		return nil, fmt.Errorf("header: invalid block size log2 %d", blockSizeLog2)
	}
	f := &File{
		ArchiveID:       uuid.New(),
		ArchiveTypeID:   uuid.New(),
		BlockSizeLog2:   blockSizeLog2,
		MinReadVersion:  CurrentVersion,
		MinWriteVersion: CurrentVersion,
		NextFileID:      1,
		UserAttributes:  make(map[uuid.UUID][]byte),
	}
	if simplified {
		f.HeaderBlockCount = 1
		f.LastAllocatedBlock = 0
	} else {
		f.HeaderBlockCount = 10
		f.LastAllocatedBlock = 9
	}
	return f, nil
}

// CloneEditable produces a mutable copy with SnapshotSequenceNumber
// bumped exactly once (§4.2 "clone_editable").
func (f *File) CloneEditable() *File {
	c := *f
	c.Subfiles = append([]Subfile(nil), f.Subfiles...)
	c.Flags = append([]uuid.UUID(nil), f.Flags...)
	c.UserAttributes = make(map[uuid.UUID][]byte, len(f.UserAttributes))
	for k, v := range f.UserAttributes {
		c.UserAttributes[k] = append([]byte(nil), v...)
	}
	c.unknownAttributes = append([]rawAttribute(nil), f.unknownAttributes...)
	c.readOnly = false
	c.SnapshotSequenceNumber = f.SnapshotSequenceNumber + 1
	return &c
}

// CreateNewFile appends a subfile (§4.2 "create_new_file").
func (f *File) CreateNewFile(name Name) (*Subfile, error) {
	if len(f.Subfiles) >= MaxSubfiles {
		return nil, ErrFileCountOverflow
	}
	for i := range f.Subfiles {
		if f.Subfiles[i].Name == name {
			return nil, ErrDuplicateName
		}
	}
	sf := Subfile{FileID: f.NextFileID}
	f.NextFileID++
	sf.Name = name
	f.Subfiles = append(f.Subfiles, sf)
	return &f.Subfiles[len(f.Subfiles)-1], nil
}

// SubfileByID returns a pointer to the subfile with the given file-id.
func (f *File) SubfileByID(id int32) *Subfile {
	for i := range f.Subfiles {
		if f.Subfiles[i].FileID == id {
			return &f.Subfiles[i]
		}
	}
	return nil
}

// SubfileByName returns a pointer to the subfile with the given name.
func (f *File) SubfileByName(name Name) *Subfile {
	for i := range f.Subfiles {
		if f.Subfiles[i].Name == name {
			return &f.Subfiles[i]
		}
	}
	return nil
}

// AllocateFreeBlocks mirrors the device's high-water-mark bump (§4.1,
// §4.2) so the header's own LastAllocatedBlock tracks what has been
// handed out for persistence at commit time.
func (f *File) AllocateFreeBlocks(n uint32) block.Address {
	base := f.LastAllocatedBlock + 1
	if n > 0 {
		f.LastAllocatedBlock += block.Address(n)
	}
	return base
}

