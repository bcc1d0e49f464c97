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

// Package syscall implements spec components C5 (argument/pointer
// validation) and C6 (the thirteen syscall bodies), the Go counterpart of
// Pintos's userprog/syscall.c int 0x30 handler. Unlike that file -- which
// original_source/src/userprog/syscall.c leaves as an almost-empty draft
// with only SYS_HALT wired up -- every syscall here is fully implemented,
// following the contracts the rest of the corpus's process.c/process.h
// describe.
package syscall

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/kernellab/userproc/internal/console"
	"github.com/kernellab/userproc/internal/metrics"
	"github.com/kernellab/userproc/internal/proc"
	"github.com/kernellab/userproc/internal/storage"
	"github.com/kernellab/userproc/internal/vm"
)

// Syscall numbers, per spec's external interface table.
const (
	SysHalt = iota
	SysExit
	SysExec
	SysWait
	SysCreate
	SysRemove
	SysOpen
	SysFilesize
	SysRead
	SysWrite
	SysSeek
	SysTell
	SysClose
)

const (
	fdStdin  = 0
	fdStdout = 1
)

// ExitError is returned by Dispatch when a syscall ends the calling
// process, whether that's an explicit exit(status) call or argument/buffer
// validation failing (spec.md §4.5 step 1: "any check failure ends the
// process with exit status -1"). Validation distinguishes the two for
// metrics purposes: validation failures count as page faults, a deliberate
// exit syscall does not.
type ExitError struct {
	Status     int32
	Validation bool
}

func (e *ExitError) Error() string {
	if e.Validation {
		return fmt.Sprintf("syscall: process terminated by validation failure, status %d", e.Status)
	}
	return fmt.Sprintf("syscall: process exited with status %d", e.Status)
}

// HaltError is returned by Dispatch for SYS_HALT, the Go stand-in for
// Pintos's shutdown_power_off(): the whole simulated machine stops, not
// just the calling process. The run loop that drives Dispatch is
// responsible for tearing everything down when it sees one.
type HaltError struct{}

func (*HaltError) Error() string { return "syscall: machine halted" }

// Dispatcher holds the two coarse locks spec.md §4.6 names -- file_lock
// serializing every filesystem call, sys_lock serializing console-input
// reads -- plus the collaborators a syscall body needs to reach.
type Dispatcher struct {
	fileLock sync.Mutex
	sysLock  sync.Mutex

	fs       *storage.FileSystem
	console  *console.Console
	table    *proc.Table
	recorder *metrics.Recorder
}

// NewDispatcher builds a Dispatcher wired to the given filesystem, console,
// and process table. recorder may be nil; Dispatch skips the metrics calls
// in that case, which is how tests exercise the dispatcher without pulling
// in an otel meter provider.
func NewDispatcher(fs *storage.FileSystem, cons *console.Console, table *proc.Table, recorder *metrics.Recorder) *Dispatcher {
	return &Dispatcher{fs: fs, console: cons, table: table, recorder: recorder}
}

// validateUserAddress implements the exact predicate spec.md §4.5 step 1
// specifies: non-null, in the user range, and mapped in p's directory.
func validateUserAddress(pd *vm.PageDirectory, addr uint32) bool {
	return pd.IsMappedUserAddress(addr)
}

// readArg reads one 4-byte argument slot at esp+(index+1)*4, validating
// the slot's first and last byte first (step 2: validate the last byte of
// the last argument covers the whole region given monotone growth, but each
// slot is checked individually here for a tighter fault boundary).
func readArg(pd *vm.PageDirectory, esp uint32, index int) (uint32, error) {
	addr := esp + uint32(index+1)*4
	if !validateUserAddress(pd, addr) || !validateUserAddress(pd, addr+3) {
		return 0, &ExitError{Status: -1, Validation: true}
	}
	return binary.LittleEndian.Uint32(readUserBytes(pd, addr, 4)), nil
}

// validateBuffer walks buffer..buffer+size-1 one byte at a time, the exact
// byte-by-byte check spec.md §4.5 step 4 requires for any syscall taking a
// user buffer.
func validateBuffer(pd *vm.PageDirectory, addr, size uint32) error {
	for i := uint32(0); i < size; i++ {
		if !validateUserAddress(pd, addr+i) {
			return &ExitError{Status: -1, Validation: true}
		}
	}
	return nil
}

// readUserBytes copies size bytes starting at addr out of the process's
// mapped pages, assuming validateBuffer already passed.
func readUserBytes(pd *vm.PageDirectory, addr, size uint32) []byte {
	out := make([]byte, size)
	for i := uint32(0); i < size; i++ {
		frame, _, ok := pd.Lookup(addr + i)
		if !ok {
			return out[:i]
		}
		off := (addr + i) & (pd.Layout().PageSize - 1)
		out[i] = frame[off]
	}
	return out
}

// writeUserBytes copies buf into the process's mapped pages starting at
// addr, assuming validateBuffer already passed and the destination pages
// are writable.
func writeUserBytes(pd *vm.PageDirectory, addr uint32, buf []byte) int {
	n := 0
	for i, b := range buf {
		frame, writable, ok := pd.Lookup(addr + uint32(i))
		if !ok || !writable {
			break
		}
		off := (addr + uint32(i)) & (pd.Layout().PageSize - 1)
		frame[off] = b
		n++
	}
	return n
}

// readUserString reads a NUL-terminated string starting at addr, validating
// each byte as it goes and bounded by maxLen.
func readUserString(pd *vm.PageDirectory, addr uint32, maxLen uint32) (string, error) {
	buf := make([]byte, 0, 64)
	for i := uint32(0); i < maxLen; i++ {
		if !validateUserAddress(pd, addr+i) {
			return "", &ExitError{Status: -1, Validation: true}
		}
		b := readUserBytes(pd, addr+i, 1)
		if len(b) == 0 || b[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}
	return string(buf), nil
}
