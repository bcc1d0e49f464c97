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

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kernellab/userproc/clock"
	"github.com/kernellab/userproc/internal/console"
	"github.com/kernellab/userproc/internal/logger"
	"github.com/kernellab/userproc/internal/metrics"
	"github.com/kernellab/userproc/internal/proc"
	"github.com/kernellab/userproc/internal/storage"
	"github.com/kernellab/userproc/internal/syscall"
	"github.com/kernellab/userproc/internal/vm"
)

var runCmd = &cobra.Command{
	Use:   "run <executable> [args...]",
	Short: "Load a statically-linked ELF32 executable and run its load/exit lifecycle",
	Long: `run hosts a single user process the way the simulated kernel's boot
path would: it loads the ELF32 binary named by the first argument into a
fresh address space, runs the load handshake, and reports the outcome.
There is no instruction-level CPU model in this subsystem -- only the
loader, the initial stack, and the syscall dispatcher a caller drives
programmatically -- so run's own job ends at the load/exit boundary; embed
the internal/proc, internal/loader and internal/syscall packages directly
to drive an actual syscall trace against the loaded process.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	logger.UpdateDefaultLogger(RootConfig.Logging.Format, "userprocsim")
	logger.SetLoggingLevel(RootConfig.Logging.Severity)
	if RootConfig.Logging.FilePath != "" {
		logger.AddWriterAndRefresh(logger.NewRotatingFileWriter(RootConfig.Logging.FilePath), "userprocsim")
	}

	recorder, err := metrics.NewRecorder()
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	_ = recorder

	execPath := args[0]
	hostBytes, err := os.ReadFile(execPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", execPath, err)
	}

	layout := vm.Layout{
		PageSize: RootConfig.Memory.PageSize,
		UserBase: RootConfig.Memory.UserBase,
		PhysBase: RootConfig.Memory.PhysBase,
	}
	alloc := vm.NewFrameAllocator(layout, RootConfig.Memory.FrameCount)

	fs := storage.New(clock.RealClock{})
	name := filepath.Base(execPath)
	if err := fs.Create(name, uint32(len(hostBytes))); err != nil {
		return fmt.Errorf("staging %s: %w", name, err)
	}
	staged, err := fs.Open(name)
	if err != nil {
		return err
	}
	if _, err := staged.Write(hostBytes); err != nil {
		return fmt.Errorf("staging %s: %w", name, err)
	}
	staged.Seek(0)

	cons := console.New(os.Stdout, os.Stdin)
	table := proc.NewTable(fs, layout, alloc, cons)
	_ = syscall.NewDispatcher(fs, cons, table, recorder)

	cmdline := strings.Join(append([]string{name}, args[1:]...), " ")
	child, err := table.Spawn(nil, cmdline)
	if err != nil {
		return fmt.Errorf("spawning %s: %w", name, err)
	}
	child.WaitForLoad()

	logger.Infof("run: %s: load handshake complete", name)
	fmt.Printf("%s: loaded, outstanding frames=%d\n", name, alloc.Outstanding())

	table.Exit(child, 0)
	return nil
}
