// Package rollover implements the crash-recoverable rollover log
// (§4.11): a small record, written before a stage-combine task deletes
// its source files, that lets recovery finish or undo an interrupted
// combine.
//
// Grounded on pkg/blobserver/diskpacked's ".loose"/overflow recovery
// convention (a sidecar marker describing an in-flight operation) and
// on the teacher's reliance on crypto/sha1 as its content-addressing
// hash, reused here as the log's integrity trailer.
package rollover

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/snapdb/SnapDB-sub000/pkg/pools"
)

// MagicHeader is the fixed log preamble (§4.11).
const MagicHeader = "Historian 2.0 Rollover Log"

// Version is the only log layout this package writes.
const Version byte = 1

// LogExtension names a fully written log; TempExtension names the file
// while WriteLog is writing it, before the rename into place. Recover
// reads only the path it is given; nothing in this package looks for
// or removes a leftover TempExtension file.
const (
	LogExtension  = ".d2i"
	TempExtension = ".~d2i"
)

var (
	ErrTruncated    = errors.New("rollover: log is truncated")
	ErrHashMismatch = errors.New("rollover: trailer hash mismatch")
)

// Record is one rollover log entry: the set of source files a combine
// consumed and the single destination file it produced.
type Record struct {
	Sources     []uuid.UUID
	Destination uuid.UUID
}

// Encode serializes r into the on-disk log format: header, version,
// source count, source GUIDs, destination GUID, SHA-1 trailer over
// everything preceding it (§4.11).
func (r Record) Encode() []byte {
	buf := pools.BytesBuffer()
	defer pools.PutBuffer(buf)

	buf.WriteString(MagicHeader)
	buf.WriteByte(Version)
	binary.Write(buf, binary.LittleEndian, int32(len(r.Sources)))
	for _, s := range r.Sources {
		b, _ := s.MarshalBinary()
		buf.Write(b)
	}
	db, _ := r.Destination.MarshalBinary()
	buf.Write(db)

	sum := sha1.Sum(buf.Bytes())
	buf.Write(sum[:])
	return append([]byte(nil), buf.Bytes()...)
}

// Decode parses a log previously written by Encode, verifying its
// trailer.
func Decode(data []byte) (Record, error) {
	const trailerSize = sha1.Size
	if len(data) < len(MagicHeader)+1+4+trailerSize {
		return Record{}, ErrTruncated
	}
	body := data[:len(data)-trailerSize]
	trailer := data[len(data)-trailerSize:]
	want := sha1.Sum(body)
	if !bytes.Equal(trailer, want[:]) {
		return Record{}, ErrHashMismatch
	}

	r := bytes.NewReader(body)
	magic := make([]byte, len(MagicHeader))
	if _, err := io.ReadFull(r, magic); err != nil {
		return Record{}, err
	}
	if string(magic) != MagicHeader {
		return Record{}, fmt.Errorf("rollover: bad magic header")
	}
	version, err := r.ReadByte()
	if err != nil {
		return Record{}, err
	}
	if version != Version {
		return Record{}, fmt.Errorf("rollover: unsupported log version %d", version)
	}
	var count int32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return Record{}, err
	}
	rec := Record{Sources: make([]uuid.UUID, count)}
	for i := range rec.Sources {
		var b [16]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Record{}, err
		}
		rec.Sources[i], _ = uuid.FromBytes(b[:])
	}
	var db [16]byte
	if _, err := io.ReadFull(r, db[:]); err != nil {
		return Record{}, err
	}
	rec.Destination, _ = uuid.FromBytes(db[:])
	return rec, nil
}

// ArchiveRemover is the archive-list operation Recover needs: it must
// delete the named archive file if present, and report whether the
// named archive currently exists.
type ArchiveRemover interface {
	Exists(id uuid.UUID) bool
	Remove(id uuid.UUID) error
}

// WriteLog durably writes a rollover log for rec at dir/name+LogExtension,
// via a temp file renamed into place so a crash mid-write leaves only
// a stray .~d2i file, never a corrupt .d2i one.
func WriteLog(dir, name string, rec Record) error {
	tmp := dir + "/" + name + TempExtension
	final := dir + "/" + name + LogExtension
	if err := os.WriteFile(tmp, rec.Encode(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// Recover implements the crash-recovery contract (§4.11): if the
// destination file exists, the combine completed and the sources are
// deleted; if the destination is absent, the combine never finished
// and the sources are left for garbage collection (some other recovery
// pass, or an operator, decides their fate). Either way the log itself
// is always deleted once recovery has acted on it.
func Recover(logPath string, archive ArchiveRemover) error {
	data, err := os.ReadFile(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	rec, err := Decode(data)
	if err != nil {
		// A truncated or corrupt log can only be the result of a crash
		// mid-write; neither outcome (sources deleted or kept) can be
		// trusted, so it is discarded without touching any archive.
		return os.Remove(logPath)
	}
	if archive.Exists(rec.Destination) {
		for _, src := range rec.Sources {
			if err := archive.Remove(src); err != nil {
				return err
			}
		}
	}
	return os.Remove(logPath)
}
