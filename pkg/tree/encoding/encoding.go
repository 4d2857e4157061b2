// Package encoding defines the pluggable per-record encodings used by
// B+-tree leaf nodes (§4.7): a fixed-size, randomly-addressable
// encoding for interior/sparse-index nodes and fast binary search, and
// a delta ("Encoded") encoding for leaves that trades random access
// for compression against the previous record.
//
// Grounded on pkg/sorted's key-value-pair abstraction (pluggable
// backends behind one interface) and on klauspost/compress's
// incremental-encoder shape, adapted here to a fixed, checksum-stable
// byte layout rather than a streaming compressor (§9 "do not wire a
// generic compressor into the checksummed block layout").
package encoding

// PairEncoding is implemented by every node record encoding. Decode
// must tolerate being handed the previous record's key/value (nil for
// the first record in a node) so delta encodings can reconstruct
// forward-only; fixed-size encodings simply ignore them.
type PairEncoding interface {
	// MaxCompressionSize is the largest number of bytes Encode can ever
	// write for one record, used to size worst-case capacity checks.
	MaxCompressionSize() int

	// Encode appends the encoding of (key, value) to dst, given the
	// immediately preceding record's (prevKey, prevValue) -- nil for
	// the first record -- and returns the extended slice.
	Encode(dst, prevKey, prevValue, key, value []byte) []byte

	// Decode reads one record from the front of src, given the
	// preceding record's (prevKey, prevValue), and returns the decoded
	// key, value, and the number of bytes consumed.
	Decode(src, prevKey, prevValue []byte) (key, value []byte, n int)

	// RandomAccess reports whether records of this encoding may be
	// located by binary search without a full forward scan (§4.7).
	RandomAccess() bool
}

// Fixed is a packed, fixed-width encoding: every record occupies
// exactly KeySize+ValueSize bytes, enabling binary search (§4.7
// "FixedSize").
type Fixed struct {
	KeySize   int
	ValueSize int
}

func (f Fixed) MaxCompressionSize() int { return f.KeySize + f.ValueSize }
func (f Fixed) RandomAccess() bool      { return true }

func (f Fixed) Encode(dst, _, _, key, value []byte) []byte {
	dst = append(dst, key...)
	dst = append(dst, value...)
	return dst
}

func (f Fixed) Decode(src, _, _ []byte) (key, value []byte, n int) {
	key = src[:f.KeySize]
	value = src[f.KeySize : f.KeySize+f.ValueSize]
	return key, value, f.KeySize + f.ValueSize
}

// RecordSize is the fixed byte width of one record under this
// encoding, used by callers doing binary search directly over a
// records buffer without calling Decode in a loop.
func (f Fixed) RecordSize() int { return f.KeySize + f.ValueSize }
