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

package loader

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/kernellab/userproc/internal/vm"
)

// Tokenize splits a command line on single spaces, dropping empty fields --
// the same behavior strtok_r(..., " ", ...) gives Pintos's
// setup_stack, collapsed here into one pass instead of the original's three
// redundant re-tokenizations of the same string (see DESIGN.md).
func Tokenize(cmdline string) []string {
	fields := strings.Split(cmdline, " ")
	argv := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			argv = append(argv, f)
		}
	}
	return argv
}

// BuildInitialStack maps one zeroed page at the top of the user address
// space and lays out argv on it per the System V i386 ABI, exactly as
// setup_stack does: strings, alignment padding, a NULL sentinel, the argv
// pointer array (high to low), the address of argv[0], argc, and a fake
// return address, in that order from high to low addresses. It returns the
// resulting %esp.
func BuildInitialStack(argv []string, pd *vm.PageDirectory, alloc *vm.FrameAllocator) (uint32, error) {
	layout := pd.Layout()

	frame, err := alloc.Alloc()
	if err != nil {
		return 0, fmt.Errorf("loader: %w", err)
	}

	stackPage := layout.PhysBase - layout.PageSize
	if err := pd.InstallPage(stackPage, frame, true); err != nil {
		frame.Free()
		return 0, fmt.Errorf("loader: %w", err)
	}

	// esp walks downward from PhysBase within frame.Bytes, which backs the
	// single page [stackPage, stackPage+PageSize). Everything pushed below
	// must fit in that one page, matching Pintos's assumption that
	// argv for a test program never exceeds it.
	esp := layout.PageSize // offset within frame.Bytes, not a full vaddr
	push := func(b []byte) (uint32, error) {
		if uint32(len(b)) > esp {
			return 0, fmt.Errorf("loader: initial stack overflowed its single page")
		}
		esp -= uint32(len(b))
		copy(frame.Bytes[esp:esp+uint32(len(b))], b)
		return stackPage + esp, nil
	}

	argvAddrs := make([]uint32, len(argv))
	for i, arg := range argv {
		addr, err := push(append([]byte(arg), 0))
		if err != nil {
			return 0, err
		}
		argvAddrs[i] = addr
	}

	if pad := esp % 4; pad != 0 {
		if _, err := push(make([]byte, pad)); err != nil {
			return 0, err
		}
	}

	// NULL sentinel terminating argv.
	if _, err := push(make([]byte, 4)); err != nil {
		return 0, err
	}

	var argvZero uint32
	for i := len(argvAddrs) - 1; i >= 0; i-- {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], argvAddrs[i])
		addr, err := push(b[:])
		if err != nil {
			return 0, err
		}
		if i == 0 {
			argvZero = addr
		}
	}

	var argvPtr [4]byte
	binary.LittleEndian.PutUint32(argvPtr[:], argvZero)
	if _, err := push(argvPtr[:]); err != nil {
		return 0, err
	}

	var argcBuf [4]byte
	binary.LittleEndian.PutUint32(argcBuf[:], uint32(len(argv)))
	if _, err := push(argcBuf[:]); err != nil {
		return 0, err
	}

	// Fake return address.
	espAddr, err := push(make([]byte, 4))
	if err != nil {
		return 0, err
	}

	return espAddr, nil
}
