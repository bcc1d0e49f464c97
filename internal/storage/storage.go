// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage stands in for the filesystem collaborator spec.md §1
// leaves out of scope: create/remove/open/read/write/seek/length/close, plus
// write-deny. FileSystem guards its path table and each file's content with
// its own mutexes, but a handle's cursor (Seek/Tell/Read/Write position) is
// not synchronized; callers (internal/syscall) serialize every call through
// a single file_lock, the same contract spec.md §4.6/§5 describes.
//
// The per-open-file content tracking (a shared node plus an independent
// read/write cursor per handle) is modeled on the teacher repo's
// gcsproxy.MutableContent: a ReadAt/WriteAt content view with an mtime
// stamped from an injected clock.Clock.
package storage

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/kernellab/userproc/clock"
)

// node is the shared, path-addressed backing content for a file. Multiple
// File handles (distinct opens, even across processes) may reference the
// same node; each has its own cursor.
type node struct {
	mu            sync.Mutex
	content       []byte
	denyWriteRefs int
	modTime       time.Time
}

// FileSystem is an in-memory filesystem implementing the primitives
// spec.md's loader and C6 syscalls rely on. Its path table and file content
// are mutex-guarded; a File's cursor is not, so concurrent use of one handle
// needs an external lock around each call.
type FileSystem struct {
	clock clock.Clock
	mu    sync.Mutex // guards the path->node table itself, not file content
	nodes map[string]*node
}

// New returns an empty FileSystem.
func New(c clock.Clock) *FileSystem {
	return &FileSystem{clock: c, nodes: make(map[string]*node)}
}

// Create makes a new, empty file at path sized to size bytes (zero-filled),
// failing if the path already exists.
func (fs *FileSystem) Create(path string, size uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, exists := fs.nodes[path]; exists {
		return fmt.Errorf("storage: %q already exists", path)
	}

	fs.nodes[path] = &node{content: make([]byte, size), modTime: fs.clock.Now()}
	return nil
}

// Remove deletes the file at path. Per spec.md's deny-write invariant, a
// node that is currently open with a write-deny outstanding cannot be
// removed out from under its mapping -- real Pintos filesystems allow
// removing an open file (the directory entry goes, the inode lives on until
// the last close); we keep that same semantic by simply dropping the name
// from the table while existing node references remain valid.
func (fs *FileSystem) Remove(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, exists := fs.nodes[path]; !exists {
		return fmt.Errorf("storage: %q does not exist", path)
	}
	delete(fs.nodes, path)
	return nil
}

// Open returns a new independent handle onto path's content, or an error if
// path does not exist.
func (fs *FileSystem) Open(path string) (*File, error) {
	fs.mu.Lock()
	n, exists := fs.nodes[path]
	fs.mu.Unlock()

	if !exists {
		return nil, fmt.Errorf("storage: %q does not exist", path)
	}

	return &File{path: path, node: n, clock: fs.clock}, nil
}

// File is one open file description: a cursor plus a reference to shared
// node content. The six per-fd syscalls' bodies
// (filesize/read/write/seek/tell/close) map directly onto it.
type File struct {
	path     string
	node     *node
	clock    clock.Clock
	position int64
}

// DenyWrite asserts write-denial, the guarantee spec.md's Data Model demands
// be held on the executable file from load-start to process exit.
func (f *File) DenyWrite() {
	f.node.mu.Lock()
	defer f.node.mu.Unlock()
	f.node.denyWriteRefs++
}

// AllowWrite releases one write-denial reference. Close does not call it;
// proc.Table.Exit calls it just before closing a process's executable.
func (f *File) AllowWrite() {
	f.node.mu.Lock()
	defer f.node.mu.Unlock()
	if f.node.denyWriteRefs > 0 {
		f.node.denyWriteRefs--
	}
}

// Length returns the file's current size in bytes.
func (f *File) Length() uint32 {
	f.node.mu.Lock()
	defer f.node.mu.Unlock()
	return uint32(len(f.node.content))
}

// Seek repositions this handle's cursor. Out-of-range positions are
// accepted without error, matching spec.md's "no error report" contract for
// SYS_SEEK.
func (f *File) Seek(pos uint32) {
	f.position = int64(pos)
}

// Tell returns this handle's current cursor position.
func (f *File) Tell() uint32 {
	return uint32(f.position)
}

// Read fills buf starting at the current cursor, advancing it by the
// number of bytes actually read, and returns that count.
func (f *File) Read(buf []byte) int {
	f.node.mu.Lock()
	defer f.node.mu.Unlock()

	if f.position >= int64(len(f.node.content)) {
		return 0
	}

	n := copy(buf, f.node.content[f.position:])
	f.position += int64(n)
	return n
}

// ReadAt reads starting at a caller-supplied offset (used by the loader,
// which does not share a cursor with any syscall-level open file).
func (f *File) ReadAt(buf []byte, offset int64) (int, error) {
	f.node.mu.Lock()
	defer f.node.mu.Unlock()

	if offset >= int64(len(f.node.content)) {
		return 0, io.EOF
	}
	n := copy(buf, f.node.content[offset:])
	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

// Write appends/overwrites buf at the current cursor, growing the file if
// necessary, advancing the cursor by len(buf), and returning the number of
// bytes written. Writing to a write-denied file (the executable of any live
// process) writes zero bytes and returns an error, enforcing spec.md's
// write-denial invariant.
func (f *File) Write(buf []byte) (int, error) {
	f.node.mu.Lock()
	defer f.node.mu.Unlock()

	if f.node.denyWriteRefs > 0 {
		return 0, fmt.Errorf("storage: %q is open for execution; write denied", f.path)
	}

	end := f.position + int64(len(buf))
	if end > int64(len(f.node.content)) {
		grown := make([]byte, end)
		copy(grown, f.node.content)
		f.node.content = grown
	}

	n := copy(f.node.content[f.position:end], buf)
	f.position += int64(n)
	f.node.modTime = f.clock.Now()
	return n, nil
}

// ModTime returns the time of the most recent successful Write (or Create,
// if the file has never been written to), stamped from the clock.Clock the
// owning FileSystem was built with -- the same clock-injected Stat().Mtime
// pattern gcsproxy.MutableContent uses instead of calling time.Now()
// inline.
func (f *File) ModTime() time.Time {
	f.node.mu.Lock()
	defer f.node.mu.Unlock()
	return f.node.modTime
}

// Close detaches this handle. The node's content lives on for any other
// open handle.
func (f *File) Close() {
	f.node = nil
}
