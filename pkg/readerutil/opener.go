/*
Copyright 2013 The Camlistore Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package readerutil provides a refcounted, deduplicated file opener so
// that many concurrent read snapshots of the same archive file share one
// underlying file descriptor instead of each opening their own.
package readerutil

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// ReaderAtCloser can ReadAt and Close.
type ReaderAtCloser interface {
	io.ReaderAt
	io.Closer
}

var (
	openerGroup singleflight.Group

	openFileMu sync.RWMutex // guards openFiles
	openFiles  = make(map[string]*openFile)
)

type openFile struct {
	// refCount must be 64-bit aligned for 32-bit platforms.
	refCount int64 // starts at 1; only valid if initial increment >= 2

	*os.File
	path string // map key of openFiles
}

func (f *openFile) Close() error {
	if atomic.AddInt64(&f.refCount, -1) == 0 {
		openFileMu.Lock()
		if openFiles[f.path] == f {
			delete(openFiles, f.path)
		}
		openFileMu.Unlock()
		return f.File.Close()
	}
	return nil
}

// OpenSingle opens the given file path for reading, reusing an existing
// file descriptor when one is already open for the same path. Each
// returned handle must be Close'd independently; the underlying
// os.File is only actually closed once every lease has been released.
func OpenSingle(path string) (ReaderAtCloser, error) {
	resi, err, _ := openerGroup.Do(path, func() (interface{}, error) {
		openFileMu.RLock()
		of := openFiles[path]
		openFileMu.RUnlock()
		if of != nil {
			if atomic.AddInt64(&of.refCount, 1) >= 2 {
				return of, nil
			}
			of.Close()
		}

		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		of = &openFile{
			File:     f,
			refCount: 1,
			path:     path,
		}
		openFileMu.Lock()
		openFiles[path] = of
		openFileMu.Unlock()
		return of, nil
	})
	if err != nil {
		return nil, err
	}
	return resi.(*openFile), nil
}
