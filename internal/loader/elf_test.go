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

	"github.com/stretchr/testify/require"

	"github.com/kernellab/userproc/clock"
	"github.com/kernellab/userproc/internal/storage"
	"github.com/kernellab/userproc/internal/vm"
)

type testPhdr struct {
	typ, offset, vaddr, filesz, memsz, flags uint32
}

// buildElf assembles a minimal, otherwise-valid ELF32 image: a header, a
// program header table, then a single page of segment data at file offset
// PGSIZE, so PT_LOAD entries can point p_offset/p_vaddr at page-aligned
// addresses as validate_segment requires.
func buildElf(t *testing.T, entry uint32, phdrs []testPhdr, segData []byte) []byte {
	t.Helper()

	const pgsize = 4096
	buf := make([]byte, pgsize+len(segData))

	copy(buf[0:7], []byte{0x7f, 'E', 'L', 'F', 1, 1, 1})
	binary.LittleEndian.PutUint16(buf[16:18], 2) // ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:20], 3) // EM_386
	binary.LittleEndian.PutUint32(buf[20:24], 1) // version
	binary.LittleEndian.PutUint32(buf[24:28], entry)
	binary.LittleEndian.PutUint32(buf[28:32], ehdrSize) // phoff
	binary.LittleEndian.PutUint16(buf[42:44], phdrSize)
	binary.LittleEndian.PutUint16(buf[44:46], uint16(len(phdrs)))

	off := ehdrSize
	for _, p := range phdrs {
		binary.LittleEndian.PutUint32(buf[off+0:], p.typ)
		binary.LittleEndian.PutUint32(buf[off+4:], p.offset)
		binary.LittleEndian.PutUint32(buf[off+8:], p.vaddr)
		binary.LittleEndian.PutUint32(buf[off+16:], p.filesz)
		binary.LittleEndian.PutUint32(buf[off+20:], p.memsz)
		binary.LittleEndian.PutUint32(buf[off+24:], p.flags)
		off += phdrSize
	}

	copy(buf[pgsize:], segData)
	return buf
}

func openTestFile(t *testing.T, data []byte) *storage.File {
	t.Helper()
	fs := storage.New(clock.RealClock{})
	require.NoError(t, fs.Create("prog", uint32(len(data))))
	f, err := fs.Open("prog")
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	return f
}

func TestLoadValidSingleSegment(t *testing.T) {
	layout := vm.DefaultLayout()
	segData := []byte("hello, world\x00")
	phdrs := []testPhdr{
		{typ: ptLoad, offset: 4096, vaddr: layout.UserBase, filesz: uint32(len(segData)), memsz: uint32(len(segData)), flags: pfR},
	}
	data := buildElf(t, 0x08048054, phdrs, segData)
	f := openTestFile(t, data)

	pd := vm.NewPageDirectory(layout)
	alloc := vm.NewFrameAllocator(layout, 0)

	result, err := Load(f, []string{"prog"}, pd, alloc)
	require.NoError(t, err)
	require.EqualValues(t, 0x08048054, result.Entry)
	require.NotZero(t, result.InitialStack)

	frame, writable, ok := pd.Lookup(layout.UserBase)
	require.True(t, ok)
	require.False(t, writable, "PF_W not set, segment must be read-only")
	require.Equal(t, byte('h'), frame[0])
}

func TestLoadRejectsBadMagic(t *testing.T) {
	layout := vm.DefaultLayout()
	data := buildElf(t, 0, nil, nil)
	data[0] = 0x00 // corrupt magic

	f := openTestFile(t, data)
	pd := vm.NewPageDirectory(layout)
	alloc := vm.NewFrameAllocator(layout, 0)

	_, err := Load(f, []string{"prog"}, pd, alloc)
	require.Error(t, err)
}

func TestLoadRejectsDynamicSegment(t *testing.T) {
	layout := vm.DefaultLayout()
	phdrs := []testPhdr{
		{typ: ptDynamic, offset: 4096, vaddr: layout.UserBase, filesz: 4, memsz: 4},
	}
	data := buildElf(t, 0x08048054, phdrs, []byte{1, 2, 3, 4})
	f := openTestFile(t, data)

	pd := vm.NewPageDirectory(layout)
	alloc := vm.NewFrameAllocator(layout, 0)

	_, err := Load(f, []string{"prog"}, pd, alloc)
	require.Error(t, err, "PT_DYNAMIC must fail the load -- no dynamic linking")
}

func TestLoadIgnoresNoteAndStackSegments(t *testing.T) {
	layout := vm.DefaultLayout()
	segData := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	phdrs := []testPhdr{
		{typ: ptNote, offset: 0, vaddr: 0, filesz: 0, memsz: 0},
		{typ: ptStack, offset: 0, vaddr: 0, filesz: 0, memsz: 0},
		{typ: ptLoad, offset: 4096, vaddr: layout.UserBase, filesz: uint32(len(segData)), memsz: uint32(len(segData)), flags: pfR | pfW},
	}
	data := buildElf(t, 0x08048054, phdrs, segData)
	f := openTestFile(t, data)

	pd := vm.NewPageDirectory(layout)
	alloc := vm.NewFrameAllocator(layout, 0)

	_, err := Load(f, []string{"prog"}, pd, alloc)
	require.NoError(t, err)

	_, writable, ok := pd.Lookup(layout.UserBase)
	require.True(t, ok)
	require.True(t, writable)
}

func TestValidateSegmentRejectsPageZero(t *testing.T) {
	layout := vm.DefaultLayout()
	pd := vm.NewPageDirectory(layout)

	err := validateSegment(Elf32Phdr{Offset: 0, Vaddr: 0, Filesz: 4, Memsz: 4}, 4096, pd)
	require.Error(t, err)
}

func TestValidateSegmentRejectsMemszLessThanFilesz(t *testing.T) {
	layout := vm.DefaultLayout()
	pd := vm.NewPageDirectory(layout)

	err := validateSegment(Elf32Phdr{Offset: 0, Vaddr: layout.UserBase, Filesz: 10, Memsz: 4}, 4096, pd)
	require.Error(t, err)
}

func TestValidateSegmentRejectsOffsetVaddrMismatch(t *testing.T) {
	layout := vm.DefaultLayout()
	pd := vm.NewPageDirectory(layout)

	err := validateSegment(Elf32Phdr{Offset: 1, Vaddr: layout.UserBase, Filesz: 4, Memsz: 4}, 4096, pd)
	require.Error(t, err)
}
