package header

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/snapdb/SnapDB-sub000/pkg/block"
	"github.com/snapdb/SnapDB-sub000/pkg/pools"
)

// Attribute stream tags (§3 "extensible attribute maps"). Tags below
// 100 are reserved for this package; unrecognized tags, including any
// >=100 a future version introduces, round-trip verbatim.
const (
	tagEndOfAttributes = 0
	tagFlags           = 1
	tagUserAttribute   = 2
)

// Encode serializes the header into a payload suitable for writing to
// the file-header block(s). It does not include the block footer,
// which the caller stamps via block.View.Stamp.
func (f *File) Encode(payloadSize int) ([]byte, error) {
	buf := pools.BytesBuffer()
	defer pools.PutBuffer(buf)

	buf.WriteString(Magic)
	buf.WriteByte(EndianMarker)
	writeInt16(buf, CurrentVersion)
	buf.WriteByte(f.BlockSizeLog2)
	writeInt16(buf, f.MinReadVersion)
	writeInt16(buf, f.MinWriteVersion)
	writeInt32(buf, int32(f.HeaderBlockCount))
	writeGUID(buf, f.ArchiveID)
	writeGUID(buf, f.ArchiveTypeID)
	writeUint32(buf, uint32(f.LastAllocatedBlock))
	writeUint64(buf, f.SnapshotSequenceNumber)
	writeInt32(buf, f.NextFileID)

	writeInt32(buf, int32(len(f.Subfiles)))
	for _, sf := range f.Subfiles {
		writeInt32(buf, sf.FileID)
		buf.Write(sf.Name[:])
		writeUint32(buf, uint32(sf.Flags))
		writeUint32(buf, uint32(sf.Direct))
		writeUint32(buf, uint32(sf.Single))
		writeUint32(buf, uint32(sf.Double))
		writeUint32(buf, uint32(sf.Triple))
		writeUint32(buf, uint32(sf.Quadruple))
		writeUint32(buf, sf.DataBlockCount)
		writeUint32(buf, sf.TotalBlockCount)
	}

	if len(f.Flags) > 0 {
		var payload bytes.Buffer
		writeUint32(&payload, uint32(len(f.Flags)))
		for _, g := range f.Flags {
			writeGUID(&payload, g)
		}
		writeAttribute(buf, tagFlags, payload.Bytes())
	}
	for id, val := range f.UserAttributes {
		var payload bytes.Buffer
		writeGUID(&payload, id)
		payload.Write(val)
		writeAttribute(buf, tagUserAttribute, payload.Bytes())
	}
	for _, raw := range f.unknownAttributes {
		writeAttribute(buf, raw.tag, raw.payload)
	}
	writeUvarint(buf, tagEndOfAttributes)

	if buf.Len() > payloadSize {
		return nil, fmt.Errorf("header: encoded size %d exceeds block payload %d", buf.Len(), payloadSize)
	}
	out := make([]byte, payloadSize)
	copy(out, buf.Bytes())
	return out, nil
}

// Decode parses a header payload previously produced by Encode,
// preserving any attribute tags this build does not recognize.
func Decode(payload []byte) (*File, error) {
	r := bytes.NewReader(payload)

	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("header: short read of magic: %w", err)
	}
	if string(magic) != Magic {
		return nil, ErrMagicMismatch
	}
	endian, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if endian != EndianMarker {
		return nil, block.ErrEndianMismatch
	}
	version, err := readInt16(r)
	if err != nil {
		return nil, err
	}
	if version != CurrentVersion {
		if version == 0 || version == 1 {
			return nil, fmt.Errorf("%w: legacy header version %d", ErrVersionUnsupported, version)
		}
		return nil, block.ErrVersionNotRecognized
	}

	f := &File{UserAttributes: make(map[uuid.UUID][]byte)}
	blockSizeLog2, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	f.BlockSizeLog2 = blockSizeLog2
	if f.MinReadVersion, err = readInt16(r); err != nil {
		return nil, err
	}
	if f.MinWriteVersion, err = readInt16(r); err != nil {
		return nil, err
	}
	hbc, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	f.HeaderBlockCount = int(hbc)
	if f.ArchiveID, err = readGUID(r); err != nil {
		return nil, err
	}
	if f.ArchiveTypeID, err = readGUID(r); err != nil {
		return nil, err
	}
	lastAlloc, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	f.LastAllocatedBlock = block.Address(lastAlloc)
	if f.SnapshotSequenceNumber, err = readUint64(r); err != nil {
		return nil, err
	}
	if f.NextFileID, err = readInt32(r); err != nil {
		return nil, err
	}

	count, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	f.Subfiles = make([]Subfile, count)
	for i := range f.Subfiles {
		sf := &f.Subfiles[i]
		if sf.FileID, err = readInt32(r); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, sf.Name[:]); err != nil {
			return nil, err
		}
		flags, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		sf.Flags = SubfileFlag(flags)
		addrs := [5]*block.Address{&sf.Direct, &sf.Single, &sf.Double, &sf.Triple, &sf.Quadruple}
		for _, a := range addrs {
			v, err := readUint32(r)
			if err != nil {
				return nil, err
			}
			*a = block.Address(v)
		}
		if sf.DataBlockCount, err = readUint32(r); err != nil {
			return nil, err
		}
		if sf.TotalBlockCount, err = readUint32(r); err != nil {
			return nil, err
		}
	}

	for {
		tag, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("header: reading attribute tag: %w", err)
		}
		if tag == tagEndOfAttributes {
			break
		}
		length, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("header: reading attribute length: %w", err)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("header: short attribute payload for tag %d: %w", tag, err)
		}
		switch tag {
		case tagFlags:
			pr := bytes.NewReader(payload)
			n, err := readUint32(pr)
			if err != nil {
				return nil, err
			}
			f.Flags = make([]uuid.UUID, n)
			for i := range f.Flags {
				if f.Flags[i], err = readGUID(pr); err != nil {
					return nil, err
				}
			}
		case tagUserAttribute:
			pr := bytes.NewReader(payload)
			id, err := readGUID(pr)
			if err != nil {
				return nil, err
			}
			rest := make([]byte, pr.Len())
			io.ReadFull(pr, rest)
			f.UserAttributes[id] = rest
		default:
			f.unknownAttributes = append(f.unknownAttributes, rawAttribute{tag: tag, payload: payload})
		}
	}
	return f, nil
}

func writeAttribute(buf *bytes.Buffer, tag uint64, payload []byte) {
	writeUvarint(buf, tag)
	writeUvarint(buf, uint64(len(payload)))
	buf.Write(payload)
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeInt16(buf *bytes.Buffer, v int16)   { binary.Write(buf, binary.LittleEndian, v) }
func writeInt32(buf *bytes.Buffer, v int32)   { binary.Write(buf, binary.LittleEndian, v) }
func writeUint32(buf *bytes.Buffer, v uint32) { binary.Write(buf, binary.LittleEndian, v) }
func writeUint64(buf *bytes.Buffer, v uint64) { binary.Write(buf, binary.LittleEndian, v) }

func writeGUID(buf *bytes.Buffer, id uuid.UUID) {
	b, _ := id.MarshalBinary()
	buf.Write(b)
}

func readInt16(r io.Reader) (int16, error) {
	var v int16
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
func readInt32(r io.Reader) (int32, error) {
	var v int32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
func readUint32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
func readUint64(r io.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
func readGUID(r io.Reader) (uuid.UUID, error) {
	var b [16]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return uuid.UUID{}, err
	}
	return uuid.FromBytes(b[:])
}
