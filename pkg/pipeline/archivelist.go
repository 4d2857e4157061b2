package pipeline

import "github.com/snapdb/SnapDB-sub000/pkg/syncutil"

// ArchiveList tracks the intermediate files produced by rollovers that
// are pending stage-combine (§4.10, §5 "archive list"). A CoarseLock
// guards it: rollovers append under Lock, the combine selection pass
// and any range-scan callers take a consistent Snapshot under RLock.
type ArchiveList struct {
	mu    syncutil.CoarseLock
	files []IntermediateFile
}

// NewArchiveList returns an empty archive list.
func NewArchiveList() *ArchiveList {
	return &ArchiveList{}
}

// Add records a newly rolled-over intermediate file.
func (l *ArchiveList) Add(f IntermediateFile) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.files = append(l.files, f)
}

// Snapshot returns a copy of the current file list, safe to inspect
// without holding the lock.
func (l *ArchiveList) Snapshot() []IntermediateFile {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]IntermediateFile(nil), l.files...)
}

// Replace atomically drops every file sharing matchFlag and appends
// combined in their place, used after a stage-combine pass folds a
// group of intermediate files into one (§4.10 "stage-combine task").
func (l *ArchiveList) Replace(matchFlag string, combined IntermediateFile) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.files[:0]
	for _, f := range l.files {
		if f.MatchFlag != matchFlag {
			kept = append(kept, f)
		}
	}
	l.files = append(kept, combined)
}
