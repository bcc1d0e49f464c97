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

// Package cfg holds the configuration surface for the userprocsim kernel
// simulator: the tunables that govern the simulated address space, the
// per-process resource limits and the diagnostic logger. Values are bound to
// both command-line flags and (optionally) a YAML config file via Viper.
package cfg

import (
	"golang.org/x/sys/unix"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is unmarshaled from Viper after flags are bound.
type Config struct {
	AppName string `yaml:"app-name"`

	Memory  MemoryConfig  `yaml:"memory"`
	Process ProcessConfig `yaml:"process"`
	Logging LoggingConfig `yaml:"logging"`
	Debug   DebugConfig   `yaml:"debug"`
}

// MemoryConfig governs the simulated address space that internal/vm builds
// for every process: page size, the user/kernel split, and where user
// addresses start.
type MemoryConfig struct {
	PageSize   uint32 `yaml:"page-size"`
	PhysBase   uint32 `yaml:"phys-base"`
	UserBase   uint32 `yaml:"user-base"`
	FrameCount int    `yaml:"frame-count"`
}

// ProcessConfig governs internal/proc and internal/syscall resource limits.
type ProcessConfig struct {
	// MaxOpenFiles is bound to the max-open-files flag. No component reads
	// it: Process.AllocFd places no limit on a process's fd table, and a
	// zero value is not replaced by ChooseMaxOpenFiles.
	MaxOpenFiles int `yaml:"max-open-files"`

	// MaxProgramHeaders is bound to the max-program-headers flag. The loader
	// does not read it; it always applies loader.MaxProgramHeaders (1024).
	MaxProgramHeaders int `yaml:"max-program-headers"`
}

type LoggingConfig struct {
	Severity string `yaml:"severity"`
	Format   string `yaml:"format"`
	FilePath string `yaml:"file-path"`
}

type DebugConfig struct {
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`
}

// Default values used when a flag/config key is left unset.
const (
	DefaultPageSize          = 4096
	DefaultPhysBase          = 0xC0000000
	DefaultUserBase          = 0x08048000
	DefaultFrameCount        = 1 << 16
	DefaultMaxProgramHeaders = 1024
	DefaultLoggingSeverity   = "INFO"
	DefaultLoggingFormat     = "text"
)

// ChooseMaxOpenFiles picks a reasonable per-process fd-table limit from the
// host's RLIMIT_NOFILE: about three quarters of the limit, capped at a
// reasonable ceiling.
func ChooseMaxOpenFiles() int {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		const fallback = 256
		return fallback
	}

	limit := rlimit.Cur/2 + rlimit.Cur/4

	const ceiling = 1 << 15
	if limit > ceiling {
		limit = ceiling
	}

	return int(limit)
}

// BindFlags registers every flag this config surface understands and binds
// each one to its Viper key.
func BindFlags(flagSet *pflag.FlagSet) error {
	var err error
	bind := func(key, flagName string) {
		if err == nil {
			err = viper.BindPFlag(key, flagSet.Lookup(flagName))
		}
	}

	flagSet.StringP("app-name", "", "userprocsim", "Application name stored in the config (log lines do not use it).")
	bind("app-name", "app-name")

	flagSet.Uint32P("page-size", "", DefaultPageSize, "Simulated page size in bytes.")
	bind("memory.page-size", "page-size")

	flagSet.Uint32P("phys-base", "", DefaultPhysBase, "Simulated kernel/user address-space split.")
	bind("memory.phys-base", "phys-base")

	flagSet.Uint32P("user-base", "", DefaultUserBase, "Lowest valid user virtual address.")
	bind("memory.user-base", "user-base")

	flagSet.IntP("frame-count", "", DefaultFrameCount, "Number of simulated physical frames available to the user pool.")
	bind("memory.frame-count", "frame-count")

	flagSet.IntP("max-open-files", "", 0, "Per-process fd table limit; stored in the config, not enforced.")
	bind("process.max-open-files", "max-open-files")

	flagSet.IntP("max-program-headers", "", DefaultMaxProgramHeaders, "Maximum e_phnum; stored in the config, the ELF loader always applies 1024.")
	bind("process.max-program-headers", "max-program-headers")

	flagSet.StringP("log-severity", "", DefaultLoggingSeverity, "Minimum severity logged (TRACE, DEBUG, INFO, WARNING, ERROR).")
	bind("logging.severity", "log-severity")

	flagSet.StringP("log-format", "", DefaultLoggingFormat, "Log encoding: text or json.")
	bind("logging.format", "log-format")

	flagSet.StringP("log-file", "", "", "If set, also write logs to this file (rotated via lumberjack).")
	bind("logging.file-path", "log-file")

	flagSet.BoolP("debug-invariants", "", false, "Stored in the config; no component reads it.")
	bind("debug.exit-on-invariant-violation", "debug-invariants")

	return err
}
