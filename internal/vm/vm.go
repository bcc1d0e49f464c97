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

// Package vm is the address-space builder (spec component C1): it stands in
// for the page-directory/page-frame allocator that spec.md explicitly treats
// as an opaque external collaborator, giving it one concrete, simulated
// implementation so the rest of the subsystem can run.
//
// A PageDirectory here plays the role of Pintos's uint32_t *pagedir: a map
// from page-aligned user virtual addresses to the backing frame, installed
// with install_page and released wholesale by Destroy. There is no real
// ring-3/ring-0 transition in a hosted Go process, so Activate is a
// bookkeeping hook rather than a CR3 load, but it is still the single call
// site every context switch must go through, matching process_activate.
package vm

import (
	"fmt"
	"sync/atomic"

	"github.com/jacobsa/syncutil"
)

// Layout describes the simulated address space geometry. The zero value is
// invalid; use DefaultLayout or set every field.
type Layout struct {
	PageSize uint32
	UserBase uint32
	PhysBase uint32
}

// DefaultLayout mirrors the i386 Pintos geometry this subsystem was modeled
// on: 4096-byte pages, user addresses starting at 0x08048000, PHYS_BASE at
// 0xC0000000.
func DefaultLayout() Layout {
	return Layout{PageSize: 4096, UserBase: 0x08048000, PhysBase: 0xC0000000}
}

// PageOffset returns addr's offset within its page.
func (l Layout) PageOffset(addr uint32) uint32 { return addr & (l.PageSize - 1) }

// RoundDown rounds addr down to a page boundary.
func (l Layout) RoundDown(addr uint32) uint32 { return addr &^ (l.PageSize - 1) }

// RoundUp rounds n up to a multiple of the page size.
func (l Layout) RoundUp(n uint32) uint32 {
	return (n + l.PageSize - 1) &^ (l.PageSize - 1)
}

// IsUserAddress reports whether addr falls in [UserBase, PhysBase), the user
// half of the address space. It does not check mapping -- that is Lookup's
// job -- only the range spec.md §4.2/§4.5 requires.
func (l Layout) IsUserAddress(addr uint32) bool {
	return addr >= l.UserBase && addr < l.PhysBase
}

// FrameAllocator hands out zeroed, page-sized frames from a simulated
// physical memory pool and tracks outstanding allocations so tests can
// assert spec.md §8's "zero leaked frames at process exit" property.
type FrameAllocator struct {
	layout    Layout
	capacity  int64
	allocated int64
}

// NewFrameAllocator builds an allocator with room for capacity frames. A
// capacity of 0 means unlimited (useful in tests).
func NewFrameAllocator(layout Layout, capacity int) *FrameAllocator {
	return &FrameAllocator{layout: layout, capacity: int64(capacity)}
}

// Frame is a leased physical frame. The zero value is not a valid frame;
// Frames are only produced by FrameAllocator.Alloc.
type Frame struct {
	Bytes []byte
	alloc *FrameAllocator
	freed bool
}

// Alloc returns a newly zeroed frame, or an error if the pool is exhausted
// (the Go analogue of palloc_get_page returning NULL).
func (a *FrameAllocator) Alloc() (*Frame, error) {
	if a.capacity > 0 {
		n := atomic.AddInt64(&a.allocated, 1)
		if n > a.capacity {
			atomic.AddInt64(&a.allocated, -1)
			return nil, fmt.Errorf("vm: out of user-pool frames")
		}
	} else {
		atomic.AddInt64(&a.allocated, 1)
	}

	return &Frame{Bytes: make([]byte, a.layout.PageSize), alloc: a}, nil
}

// Free releases a frame back to the pool. Freeing a frame twice is a no-op,
// mirroring how process_exit's directory teardown frees everything exactly
// once.
func (f *Frame) Free() {
	if f == nil || f.freed {
		return
	}
	f.freed = true
	atomic.AddInt64(&f.alloc.allocated, -1)
}

// Outstanding returns the number of frames currently leased out. It is the
// mechanism backing the "no leaked frames" testable property.
func (a *FrameAllocator) Outstanding() int64 {
	return atomic.LoadInt64(&a.allocated)
}

// mapping is one page-directory entry.
type mapping struct {
	frame    *Frame
	writable bool
}

// PageDirectory is a process's owning handle to its simulated virtual
// address space.
type PageDirectory struct {
	layout Layout
	mu     syncutil.InvariantMutex
	pages  map[uint32]mapping // GUARDED_BY(mu)
}

// NewPageDirectory allocates a fresh, empty page directory (pagedir_create).
// Like fs.fileSystem.mu, the directory's map is guarded by an
// InvariantMutex so a debug build can assert every mapped key stays
// page-aligned across the directory's whole lifetime, not just at
// construction.
func NewPageDirectory(layout Layout) *PageDirectory {
	pd := &PageDirectory{layout: layout, pages: make(map[uint32]mapping)}
	pd.mu = syncutil.NewInvariantMutex(pd.checkInvariants)
	return pd
}

// checkInvariants asserts every mapped page key is page-aligned, the
// property InstallPage's page-alignment check is supposed to uphold for
// the lifetime of the directory.
func (pd *PageDirectory) checkInvariants() {
	for upage := range pd.pages {
		if upage%pd.layout.PageSize != 0 {
			panic(fmt.Sprintf("vm: page directory holds misaligned key %#x", upage))
		}
	}
}

// Layout returns the address space geometry this directory was built with.
func (pd *PageDirectory) Layout() Layout { return pd.layout }

// InstallPage adds a mapping from the page-aligned user address upage to
// frame. It fails if upage is already mapped, exactly like install_page in
// process.c. On success the frame's ownership transfers to the directory;
// on failure the caller must free it itself.
func (pd *PageDirectory) InstallPage(upage uint32, frame *Frame, writable bool) error {
	if upage%pd.layout.PageSize != 0 {
		return fmt.Errorf("vm: upage %#x is not page-aligned", upage)
	}

	pd.mu.Lock()
	defer pd.mu.Unlock()

	if _, exists := pd.pages[upage]; exists {
		return fmt.Errorf("vm: %#x is already mapped", upage)
	}

	pd.pages[upage] = mapping{frame: frame, writable: writable}
	return nil
}

// Lookup returns the backing frame for the page containing addr and whether
// it is writable, mirroring pagedir_get_page combined with a writable check.
// ok is false if the page is unmapped.
func (pd *PageDirectory) Lookup(addr uint32) (frame []byte, writable bool, ok bool) {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	m, exists := pd.pages[pd.layout.RoundDown(addr)]
	if !exists {
		return nil, false, false
	}
	return m.frame.Bytes, m.writable, true
}

// IsMappedUserAddress implements the exact check spec.md §4.5 step 1
// requires before touching any user pointer: non-null, in the user range,
// and mapped in this directory.
func (pd *PageDirectory) IsMappedUserAddress(addr uint32) bool {
	if addr == 0 {
		return false
	}
	if !pd.layout.IsUserAddress(addr) {
		return false
	}
	_, _, ok := pd.Lookup(addr)
	return ok
}

// Activate is the hook every context switch must call (process_activate):
// in a real kernel it loads CR3 and refreshes the TSS so interrupts land on
// the right kernel stack. Here it does nothing and records nothing; it
// only gives callers a single call site for that step.
func (pd *PageDirectory) Activate() {}

// Destroy releases every frame this directory owns. It must only be called
// after another directory has been activated (proc.Table.Exit follows the
// ordering spec.md §4.4 mandates).
func (pd *PageDirectory) Destroy() {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	for upage, m := range pd.pages {
		m.frame.Free()
		delete(pd.pages, upage)
	}
}
