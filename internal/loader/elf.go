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

// Package loader implements spec component C2 (ELF32 loading into a fresh
// address space) and C3 (initial stack construction). Header layout,
// validation order and the read/zero split for PT_LOAD segments follow
// Pintos's userprog/process.c load/validate_segment/load_segment, adapted
// onto internal/vm and internal/storage instead of pagedir_* and
// struct file.
package loader

import (
	"encoding/binary"
	"fmt"

	"github.com/kernellab/userproc/internal/storage"
	"github.com/kernellab/userproc/internal/vm"
)

const ehdrSize = 52
const phdrSize = 32

// Elf32Ehdr is the ELF32 file header, laid out exactly as Elf32_Ehdr.
type Elf32Ehdr struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	Phoff     uint32
	Shoff     uint32
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// Elf32Phdr is one ELF32 program header entry, laid out exactly as
// Elf32_Phdr.
type Elf32Phdr struct {
	Type   uint32
	Offset uint32
	Vaddr  uint32
	Paddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
	Align  uint32
}

// Program header types, per the ELF32 spec (only the ones load() switches
// on are named).
const (
	ptNull    = 0
	ptLoad    = 1
	ptDynamic = 2
	ptInterp  = 3
	ptNote    = 4
	ptShlib   = 5
	ptPhdr    = 6
	ptStack   = 0x6474e551
)

// Program header flags.
const (
	pfX = 1
	pfW = 2
	pfR = 4
)

var elfMagic = [7]byte{0x7f, 'E', 'L', 'F', 1, 1, 1}

func decodeEhdr(buf []byte) Elf32Ehdr {
	var h Elf32Ehdr
	copy(h.Ident[:], buf[0:16])
	h.Type = binary.LittleEndian.Uint16(buf[16:18])
	h.Machine = binary.LittleEndian.Uint16(buf[18:20])
	h.Version = binary.LittleEndian.Uint32(buf[20:24])
	h.Entry = binary.LittleEndian.Uint32(buf[24:28])
	h.Phoff = binary.LittleEndian.Uint32(buf[28:32])
	h.Shoff = binary.LittleEndian.Uint32(buf[32:36])
	h.Flags = binary.LittleEndian.Uint32(buf[36:40])
	h.Ehsize = binary.LittleEndian.Uint16(buf[40:42])
	h.Phentsize = binary.LittleEndian.Uint16(buf[42:44])
	h.Phnum = binary.LittleEndian.Uint16(buf[44:46])
	h.Shentsize = binary.LittleEndian.Uint16(buf[46:48])
	h.Shnum = binary.LittleEndian.Uint16(buf[48:50])
	h.Shstrndx = binary.LittleEndian.Uint16(buf[50:52])
	return h
}

func decodePhdr(buf []byte) Elf32Phdr {
	var p Elf32Phdr
	p.Type = binary.LittleEndian.Uint32(buf[0:4])
	p.Offset = binary.LittleEndian.Uint32(buf[4:8])
	p.Vaddr = binary.LittleEndian.Uint32(buf[8:12])
	p.Paddr = binary.LittleEndian.Uint32(buf[12:16])
	p.Filesz = binary.LittleEndian.Uint32(buf[16:20])
	p.Memsz = binary.LittleEndian.Uint32(buf[20:24])
	p.Flags = binary.LittleEndian.Uint32(buf[24:28])
	p.Align = binary.LittleEndian.Uint32(buf[28:32])
	return p
}

// MaxProgramHeaders bounds e_phnum, matching Pintos load()'s
// `ehdr.e_phnum > 1024` rejection.
const MaxProgramHeaders = 1024

// Result carries everything Load produces that process bookkeeping needs
// beyond the mapped pages already installed in pd.
type Result struct {
	Entry        uint32
	InitialStack uint32
}

// Load reads an ELF32 executable from f, maps its PT_LOAD segments into pd
// via alloc, and constructs the initial user stack for argv. It returns the
// entry point and initial %esp, or an error describing why loading failed
// -- the caller (proc package) is responsible for turning that into the
// load-semaphore handshake spec.md §4.4 describes.
func Load(f *storage.File, argv []string, pd *vm.PageDirectory, alloc *vm.FrameAllocator) (Result, error) {
	var hdr [ehdrSize]byte
	n, err := f.ReadAt(hdr[:], 0)
	if err != nil && n != ehdrSize {
		return Result{}, fmt.Errorf("loader: error loading executable: could not read header")
	}

	ehdr := decodeEhdr(hdr[:])
	if ehdr.Ident != elfMagic ||
		ehdr.Type != 2 ||
		ehdr.Machine != 3 ||
		ehdr.Version != 1 ||
		ehdr.Phentsize != phdrSize ||
		ehdr.Phnum > MaxProgramHeaders {
		return Result{}, fmt.Errorf("loader: error loading executable: bad ELF header")
	}

	fileOfs := ehdr.Phoff
	fileLen := f.Length()
	for i := uint16(0); i < ehdr.Phnum; i++ {
		if fileOfs > fileLen {
			return Result{}, fmt.Errorf("loader: program header %d offset out of range", i)
		}

		var raw [phdrSize]byte
		if _, err := f.ReadAt(raw[:], int64(fileOfs)); err != nil {
			return Result{}, fmt.Errorf("loader: could not read program header %d: %w", i, err)
		}
		fileOfs += phdrSize
		phdr := decodePhdr(raw[:])

		switch phdr.Type {
		case ptNull, ptNote, ptPhdr, ptStack:
			// Ignore.
		case ptDynamic, ptInterp, ptShlib:
			return Result{}, fmt.Errorf("loader: unsupported segment type %#x", phdr.Type)
		case ptLoad:
			if err := validateSegment(phdr, fileLen, pd); err != nil {
				return Result{}, err
			}
			writable := phdr.Flags&pfW != 0
			layout := pd.Layout()
			filePage := phdr.Offset &^ (layout.PageSize - 1)
			memPage := phdr.Vaddr &^ (layout.PageSize - 1)
			pageOffset := phdr.Vaddr & (layout.PageSize - 1)

			var readBytes, zeroBytes uint32
			if phdr.Filesz > 0 {
				readBytes = pageOffset + phdr.Filesz
				zeroBytes = layout.RoundUp(pageOffset+phdr.Memsz) - readBytes
			} else {
				readBytes = 0
				zeroBytes = layout.RoundUp(pageOffset + phdr.Memsz)
			}

			if err := loadSegment(f, filePage, memPage, readBytes, zeroBytes, writable, pd, alloc); err != nil {
				return Result{}, err
			}
		default:
			// Ignore unrecognized segment types, matching load()'s default case.
		}
	}

	esp, err := BuildInitialStack(argv, pd, alloc)
	if err != nil {
		return Result{}, err
	}

	return Result{Entry: ehdr.Entry, InitialStack: esp}, nil
}

// validateSegment implements validate_segment's checks verbatim.
func validateSegment(phdr Elf32Phdr, fileLen uint32, pd *vm.PageDirectory) error {
	layout := pd.Layout()
	pageMask := layout.PageSize - 1

	if phdr.Offset&pageMask != phdr.Vaddr&pageMask {
		return fmt.Errorf("loader: segment offset/vaddr page-offset mismatch")
	}
	if phdr.Offset > fileLen {
		return fmt.Errorf("loader: segment offset beyond end of file")
	}
	if phdr.Memsz < phdr.Filesz {
		return fmt.Errorf("loader: segment memsz smaller than filesz")
	}
	if phdr.Memsz == 0 {
		return fmt.Errorf("loader: empty segment")
	}
	if !layout.IsUserAddress(phdr.Vaddr) {
		return fmt.Errorf("loader: segment start outside user address space")
	}
	end := phdr.Vaddr + phdr.Memsz
	if !layout.IsUserAddress(end) {
		return fmt.Errorf("loader: segment end outside user address space")
	}
	if end < phdr.Vaddr {
		return fmt.Errorf("loader: segment wraps around address space")
	}
	if phdr.Vaddr < layout.PageSize {
		return fmt.Errorf("loader: segment maps page zero")
	}
	return nil
}

// loadSegment implements load_segment: page by page, read the file portion
// and zero the rest, then install each page into pd.
func loadSegment(f *storage.File, ofs, upage, readBytes, zeroBytes uint32, writable bool, pd *vm.PageDirectory, alloc *vm.FrameAllocator) error {
	layout := pd.Layout()

	for readBytes > 0 || zeroBytes > 0 {
		pageRead := readBytes
		if pageRead > layout.PageSize {
			pageRead = layout.PageSize
		}
		pageZero := layout.PageSize - pageRead

		frame, err := alloc.Alloc()
		if err != nil {
			return fmt.Errorf("loader: %w", err)
		}

		if pageRead > 0 {
			n, rerr := f.ReadAt(frame.Bytes[:pageRead], int64(ofs))
			if rerr != nil && uint32(n) != pageRead {
				frame.Free()
				return fmt.Errorf("loader: short read loading segment")
			}
		}
		for i := uint32(0); i < pageZero; i++ {
			frame.Bytes[pageRead+i] = 0
		}

		if err := pd.InstallPage(upage, frame, writable); err != nil {
			frame.Free()
			return fmt.Errorf("loader: %w", err)
		}

		readBytes -= pageRead
		zeroBytes -= pageZero
		upage += layout.PageSize
		ofs += pageRead
	}
	return nil
}
