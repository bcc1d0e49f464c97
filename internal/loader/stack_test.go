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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernellab/userproc/internal/vm"
)

func TestTokenizeDropsEmptyFields(t *testing.T) {
	assert.Equal(t, []string{"args-single", "onearg"}, Tokenize("args-single onearg"))
	assert.Equal(t, []string{"a", "b"}, Tokenize("a  b"))
	assert.Equal(t, []string{}, Tokenize(""))
}

// readUint32 pulls a little-endian dword out of a frame at the given
// in-page offset, the same cursor math the syscall dispatcher's
// readUserBytes uses against a mapped page.
func readUint32(t *testing.T, pd *vm.PageDirectory, addr uint32) uint32 {
	t.Helper()
	frame, _, ok := pd.Lookup(addr)
	require.True(t, ok, "address %#x must be mapped", addr)
	off := addr & (pd.Layout().PageSize - 1)
	return binary.LittleEndian.Uint32(frame[off : off+4])
}

func TestBuildInitialStackLayout(t *testing.T) {
	layout := vm.DefaultLayout()
	alloc := vm.NewFrameAllocator(layout, 0)
	pd := vm.NewPageDirectory(layout)

	argv := []string{"args-single", "onearg"}
	esp, err := BuildInitialStack(argv, pd, alloc)
	require.NoError(t, err)

	assert.Zero(t, esp%4, "esp must be dword-aligned at the point user code starts")

	fakeReturn := readUint32(t, pd, esp)
	assert.Zero(t, fakeReturn, "fake return address must be zero")

	argc := readUint32(t, pd, esp+4)
	assert.EqualValues(t, len(argv), argc)

	argvBase := readUint32(t, pd, esp+8)
	argv0 := readUint32(t, pd, argvBase)
	argv1 := readUint32(t, pd, argvBase+4)
	sentinel := readUint32(t, pd, argvBase+8)
	assert.Zero(t, sentinel, "argv[argc] must be NULL")

	assert.Zero(t, argv0%4)
	assert.Zero(t, argv1%4)

	s0 := readCString(t, pd, argv0)
	s1 := readCString(t, pd, argv1)
	assert.Equal(t, "args-single", s0)
	assert.Equal(t, "onearg", s1)
}

func TestBuildInitialStackAlignsPadBytes(t *testing.T) {
	layout := vm.DefaultLayout()
	alloc := vm.NewFrameAllocator(layout, 0)
	pd := vm.NewPageDirectory(layout)

	argv := make([]string, 31)
	for i := range argv {
		argv[i] = string(rune('a' + i%26))
	}

	esp, err := BuildInitialStack(argv, pd, alloc)
	require.NoError(t, err)
	assert.Zero(t, esp%4)
}

func readCString(t *testing.T, pd *vm.PageDirectory, addr uint32) string {
	t.Helper()
	var out []byte
	for i := uint32(0); ; i++ {
		frame, _, ok := pd.Lookup(addr + i)
		require.True(t, ok)
		off := (addr + i) & (pd.Layout().PageSize - 1)
		if frame[off] == 0 {
			break
		}
		out = append(out, frame[off])
	}
	return string(out)
}
