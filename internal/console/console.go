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

// Package console stands in for the kernel's console/keyboard driver
// (spec.md §1's "out of scope" console I/O collaborator). It is the one
// place SYS_WRITE-to-STDOUT and SYS_READ-from-STDIN ultimately touch, and
// the only place the exact "<name>: exit(<status>)\n" string is written, so
// the test-harness pattern match in spec.md §6 sees it unmodified by any
// logging framing.
package console

import (
	"bufio"
	"fmt"
	"io"
	"sync"
)

// Console is a process-wide console device. putbuf is assumed internally
// atomic per call (spec.md §5); Console serializes writes with a mutex to
// give that guarantee even when the backing io.Writer doesn't.
type Console struct {
	mu     sync.Mutex
	out    io.Writer
	in     *bufio.Reader
}

// New builds a Console backed by the given writer (STDOUT) and reader
// (keyboard input).
func New(out io.Writer, in io.Reader) *Console {
	return &Console{out: out, in: bufio.NewReader(in)}
}

// Putbuf writes buf to the console atomically and returns the number of
// bytes written, the semantics SYS_WRITE to fd 1 relies on.
func (c *Console) Putbuf(buf []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, _ := c.out.Write(buf)
	return n
}

// ExitLine prints the literal exit-status line spec.md §6 requires,
// "<name>: exit(<status>)\n", bypassing the logger entirely.
func (c *Console) ExitLine(name string, status int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "%s: exit(%d)\n", name, status)
}

// GetChar reads a single byte from the keyboard input stream, blocking
// until one is available or the stream is exhausted (in which case it
// returns 0, matching the keyboard driver's EOF behavior of returning NUL).
func (c *Console) GetChar() byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, err := c.in.ReadByte()
	if err != nil {
		return 0
	}
	return b
}
