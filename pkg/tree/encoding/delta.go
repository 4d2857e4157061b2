package encoding

import "encoding/binary"

// Delta is a compressed leaf encoding for fixed-width, monotonically
// increasing keys (the historian time+point-id case): each key is
// stored as a uvarint delta from the previous key, each value is
// stored as a uvarint length followed by its raw bytes. It gives up
// random access for density (§4.7 "Encoded"): callers must scan
// forward from the first record.
type Delta struct {
	KeySize int // width of the decoded key, in bytes, big-endian
}

// MaxCompressionSize bounds a record whose value is at most 8 bytes;
// Encode writes more than this for a longer value.
func (d Delta) MaxCompressionSize() int {
	return binary.MaxVarintLen64 + binary.MaxVarintLen64 + 8
}

func (d Delta) RandomAccess() bool { return false }

func (d Delta) Encode(dst, prevKey, _, key, value []byte) []byte {
	cur := beToUint64(key, d.KeySize)
	prev := uint64(0)
	if prevKey != nil {
		prev = beToUint64(prevKey, d.KeySize)
	}
	delta := cur - prev
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], delta)
	dst = append(dst, tmp[:n]...)

	n = binary.PutUvarint(tmp[:], uint64(len(value)))
	dst = append(dst, tmp[:n]...)
	dst = append(dst, value...)
	return dst
}

func (d Delta) Decode(src, prevKey, _ []byte) (key, value []byte, n int) {
	delta, n1 := binary.Uvarint(src)
	valueLen, n2 := binary.Uvarint(src[n1:])
	off := n1 + n2
	value = src[off : off+int(valueLen)]

	prev := uint64(0)
	if prevKey != nil {
		prev = beToUint64(prevKey, d.KeySize)
	}
	key = uint64ToBE(prev+delta, d.KeySize)
	return key, value, off + int(valueLen)
}

func beToUint64(b []byte, size int) uint64 {
	var v uint64
	for i := 0; i < size; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func uint64ToBE(v uint64, size int) []byte {
	out := make([]byte, size)
	for i := size - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}
