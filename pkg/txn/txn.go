// Package txn implements the transactional file structure (§4.1 L4):
// single-writer edit sessions guarded by a compare-and-swap lock, and
// unlimited concurrent read snapshots pinned to a committed header
// generation.
//
// Grounded on pkg/blobserver/diskpacked's single-writer-append model,
// generalized to the single-slot CAS-guarded edit lock below. The
// archive-list-wide coarse lock from §5 lives in pkg/pipeline.ArchiveList,
// not here: this package's own mutual exclusion is the single compare-
// and-swap edit slot, which needs no reader/writer distinction.
package txn

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/snapdb/SnapDB-sub000/pkg/block"
	"github.com/snapdb/SnapDB-sub000/pkg/header"
)

var (
	// ErrTransactionAlreadyActive is returned by BeginEdit when another
	// edit session is already open on this file structure (§7).
	ErrTransactionAlreadyActive = errors.New("txn: an edit session is already active")
	ErrAlreadyDisposed          = errors.New("txn: session already disposed")
)

// FileStructure owns one Device and the single-slot CAS lock guarding
// its one permitted concurrent edit session (§4.1, §4.5 "a file
// structure exclusively owns its block device").
type FileStructure struct {
	dev block.Device

	mu       sync.Mutex
	header   *header.File
	editLock int32 // CAS guard: 0 = free, 1 = held
}

// Open wraps an already-opened Device and its most recently committed
// header.
func Open(dev block.Device, h *header.File) *FileStructure {
	return &FileStructure{dev: dev, header: h}
}

// CommittedHeader returns the current committed header. Callers that
// need a stable snapshot should call NewReadSnapshot instead, since
// this pointer can be replaced by a subsequent commit.
func (fs *FileStructure) CommittedHeader() *header.File {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.header
}

// BeginEdit acquires the single edit slot via compare-and-swap and
// returns an EditSession holding an editable clone of the committed
// header (§4.2 "clone_editable").
func (fs *FileStructure) BeginEdit() (*EditSession, error) {
	if !atomic.CompareAndSwapInt32(&fs.editLock, 0, 1) {
		return nil, ErrTransactionAlreadyActive
	}
	fs.mu.Lock()
	h := fs.header.CloneEditable()
	fs.mu.Unlock()
	return &EditSession{fs: fs, header: h}, nil
}

// ReadSnapshot is a pinned, read-only view of the file structure as of
// a specific committed generation. It never blocks a concurrent edit
// session and is never invalidated by one (§4.1 "unlimited read
// snapshots").
type ReadSnapshot struct {
	dev    block.Device
	header *header.File
}

// NewReadSnapshot pins the file structure's current committed header.
func (fs *FileStructure) NewReadSnapshot() *ReadSnapshot {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return &ReadSnapshot{dev: fs.dev, header: fs.header}
}

func (rs *ReadSnapshot) Header() *header.File { return rs.header }
func (rs *ReadSnapshot) Device() block.Device { return rs.dev }

// EditSession is the single in-flight mutation context (§4.2
// "EditSession"). Exactly one may be open per FileStructure at a time.
type EditSession struct {
	fs       *FileStructure
	header   *header.File
	disposed bool
}

// Header returns the editable header clone this session mutates.
func (es *EditSession) Header() *header.File { return es.header }

// Device returns the underlying block device for index/tree writers to
// use directly within this edit.
func (es *EditSession) Device() block.Device { return es.fs.dev }

// OpenFileByID looks up a subfile by file-id within the session's
// in-progress header.
func (es *EditSession) OpenFileByID(id int32) (*header.Subfile, error) {
	sf := es.header.SubfileByID(id)
	if sf == nil {
		return nil, fmt.Errorf("txn: no subfile with file-id %d", id)
	}
	return sf, nil
}

// OpenFileByName looks up a subfile by name within the session's
// in-progress header.
func (es *EditSession) OpenFileByName(name header.Name) (*header.Subfile, error) {
	sf := es.header.SubfileByName(name)
	if sf == nil {
		return nil, fmt.Errorf("txn: no subfile named %x", name)
	}
	return sf, nil
}

// CreateFile appends a new subfile to the session's in-progress header.
func (es *EditSession) CreateFile(name header.Name) (*header.Subfile, error) {
	return es.header.CreateNewFile(name)
}

// CommitAndDispose durably persists the edit's header and releases the
// edit slot (§4.2 "commit_and_dispose").
func (es *EditSession) CommitAndDispose(payloadSize int) error {
	if es.disposed {
		return ErrAlreadyDisposed
	}
	payload, err := es.header.Encode(payloadSize)
	if err != nil {
		return err
	}
	if err := es.fs.dev.Commit(payload); err != nil {
		return err
	}
	es.fs.mu.Lock()
	es.fs.header = es.header
	es.fs.mu.Unlock()
	es.dispose()
	return nil
}

// RollbackAndDispose discards the edit's header and any blocks the
// device allocated above the frontier, then releases the edit slot
// (§4.2 "rollback_and_dispose").
func (es *EditSession) RollbackAndDispose() error {
	if es.disposed {
		return ErrAlreadyDisposed
	}
	if err := es.fs.dev.Rollback(); err != nil {
		return err
	}
	es.dispose()
	return nil
}

func (es *EditSession) dispose() {
	es.disposed = true
	atomic.StoreInt32(&es.fs.editLock, 0)
}
