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

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kernellab/userproc/cfg"
)

// useYAMLTags makes viper.Unmarshal key off Config's existing yaml struct
// tags instead of requiring a parallel set of mapstructure tags.
func useYAMLTags(c *mapstructure.DecoderConfig) { c.TagName = "yaml" }

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error
	RootConfig    cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "userprocsim",
	Short: "Run statically-linked ELF32 user processes under a simulated kernel",
	Long: `userprocsim hosts the user-process subsystem of a small educational
kernel: it loads a statically-linked 32-bit ELF executable into a fresh
simulated address space, builds its initial argv stack, and runs it to
completion through a simulated software-interrupt syscall dispatcher.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		return validateConfig()
	},
}

func validateConfig() error {
	if RootConfig.Memory.PageSize == 0 || RootConfig.Memory.PageSize&(RootConfig.Memory.PageSize-1) != 0 {
		return fmt.Errorf("page-size must be a power of two, got %d", RootConfig.Memory.PageSize)
	}
	if RootConfig.Memory.UserBase >= RootConfig.Memory.PhysBase {
		return fmt.Errorf("user-base (%#x) must be below phys-base (%#x)", RootConfig.Memory.UserBase, RootConfig.Memory.PhysBase)
	}
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(&RootConfig, viper.DecoderConfigOption(useYAMLTags))
		return
	}

	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("error while reading config file: %w", err)
		return
	}
	unmarshalErr = viper.Unmarshal(&RootConfig, viper.DecoderConfigOption(useYAMLTags))
}
