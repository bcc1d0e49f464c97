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

package proc

import (
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernellab/userproc/clock"
	"github.com/kernellab/userproc/internal/console"
	"github.com/kernellab/userproc/internal/storage"
	"github.com/kernellab/userproc/internal/vm"
)

// buildValidElf assembles the smallest ELF32 image Load will accept: one
// PT_LOAD segment containing a few bytes, at a page-aligned file offset so
// validate_segment's offset/vaddr page-offset check passes.
func buildValidElf(layout vm.Layout) []byte {
	const pgsize = 4096
	segData := []byte("ok")
	buf := make([]byte, pgsize+len(segData))

	copy(buf[0:7], []byte{0x7f, 'E', 'L', 'F', 1, 1, 1})
	binary.LittleEndian.PutUint16(buf[16:18], 2)
	binary.LittleEndian.PutUint16(buf[18:20], 3)
	binary.LittleEndian.PutUint32(buf[20:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], layout.UserBase)
	binary.LittleEndian.PutUint32(buf[28:32], 52)
	binary.LittleEndian.PutUint16(buf[42:44], 32)
	binary.LittleEndian.PutUint16(buf[44:46], 1)

	off := 52
	binary.LittleEndian.PutUint32(buf[off+0:], 1) // PT_LOAD
	binary.LittleEndian.PutUint32(buf[off+4:], pgsize)
	binary.LittleEndian.PutUint32(buf[off+8:], layout.UserBase)
	binary.LittleEndian.PutUint32(buf[off+16:], uint32(len(segData)))
	binary.LittleEndian.PutUint32(buf[off+20:], uint32(len(segData)))
	binary.LittleEndian.PutUint32(buf[off+24:], 4) // PF_R

	copy(buf[pgsize:], segData)
	return buf
}

func newTestTable(t *testing.T) (*Table, vm.Layout, *vm.FrameAllocator, *storage.FileSystem) {
	t.Helper()
	layout := vm.DefaultLayout()
	alloc := vm.NewFrameAllocator(layout, 0)
	fs := storage.New(clock.RealClock{})
	cons := console.New(&strings.Builder{}, strings.NewReader(""))
	table := NewTable(fs, layout, alloc, cons)
	return table, layout, alloc, fs
}

func seedExecutable(t *testing.T, fs *storage.FileSystem, name string, layout vm.Layout) {
	t.Helper()
	data := buildValidElf(layout)
	require.NoError(t, fs.Create(name, uint32(len(data))))
	f, err := fs.Open(name)
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
}

func TestSpawnLoadSuccessThenExitThenWait(t *testing.T) {
	table, layout, alloc, fs := newTestTable(t)
	seedExecutable(t, fs, "init", layout)
	seedExecutable(t, fs, "args-single", layout)

	parent, err := table.Spawn(nil, "init")
	require.NoError(t, err)
	parent.WaitForLoad()

	child, err := table.Spawn(parent, "args-single onearg")
	require.NoError(t, err)
	child.WaitForLoad()

	rec := parent.FindChild(child.PID)
	require.NotNil(t, rec)
	assert.True(t, rec.LoadSuccess)
	assert.Equal(t, ExitStatusAlive, rec.ExitStatus)

	table.Exit(child, 42)
	status := table.Wait(parent, child.PID)
	assert.EqualValues(t, 42, status)

	second := table.Wait(parent, child.PID)
	assert.EqualValues(t, -1, second, "a pid waited on twice must return -1 the second time")

	table.Exit(parent, 0)
	assert.Zero(t, alloc.Outstanding(), "no frames from either load should remain after both processes exit")
}

func TestSpawnMissingExecutableFailsLoad(t *testing.T) {
	table, layout, _, fs := newTestTable(t)
	seedExecutable(t, fs, "init", layout)

	parent, err := table.Spawn(nil, "init")
	require.NoError(t, err)
	parent.WaitForLoad()

	child, err := table.Spawn(parent, "no-such-file")
	require.NoError(t, err)
	child.WaitForLoad()

	rec := parent.FindChild(child.PID)
	require.NotNil(t, rec)
	assert.False(t, rec.LoadSuccess)

	status := table.Wait(parent, child.PID)
	assert.EqualValues(t, -1, status)
}

func TestWaitOnUnknownPidReturnsNegativeOne(t *testing.T) {
	table, layout, _, fs := newTestTable(t)
	seedExecutable(t, fs, "init", layout)
	parent, err := table.Spawn(nil, "init")
	require.NoError(t, err)
	parent.WaitForLoad()

	assert.EqualValues(t, -1, table.Wait(parent, 999))
}

func TestWaitBlocksUntilChildExits(t *testing.T) {
	table, layout, _, fs := newTestTable(t)
	seedExecutable(t, fs, "init", layout)
	seedExecutable(t, fs, "args-single", layout)

	parent, err := table.Spawn(nil, "init")
	require.NoError(t, err)
	parent.WaitForLoad()
	child, err := table.Spawn(parent, "args-single")
	require.NoError(t, err)
	child.WaitForLoad()

	result := make(chan int32, 1)
	go func() { result <- table.Wait(parent, child.PID) }()

	select {
	case <-result:
		t.Fatal("wait returned before the child exited")
	case <-time.After(50 * time.Millisecond):
	}

	table.Exit(child, 7)

	select {
	case status := <-result:
		assert.EqualValues(t, 7, status)
	case <-time.After(time.Second):
		t.Fatal("wait should have unblocked once the child exited")
	}
}

func TestFdAllocationIsMonotonicAndNeverReused(t *testing.T) {
	table, layout, _, fs := newTestTable(t)
	seedExecutable(t, fs, "init", layout)
	seedExecutable(t, fs, "prog", layout)

	parent, err := table.Spawn(nil, "init")
	require.NoError(t, err)
	parent.WaitForLoad()

	f1, err := fs.Open("prog")
	require.NoError(t, err)
	f2, err := fs.Open("prog")
	require.NoError(t, err)

	fd1 := parent.AllocFd(f1)
	fd2 := parent.AllocFd(f2)
	assert.Equal(t, 2, fd1)
	assert.Equal(t, 3, fd2)

	parent.CloseFd(fd1)
	assert.Nil(t, parent.LookupFd(fd1))

	f3, err := fs.Open("prog")
	require.NoError(t, err)
	fd3 := parent.AllocFd(f3)
	assert.Equal(t, 4, fd3, "fd 2 must never be reissued even after being closed")
}
