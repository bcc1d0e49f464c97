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

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var printConfigCmd = &cobra.Command{
	Use:   "print-config",
	Short: "Print the fully resolved configuration as YAML",
	Long: `print-config marshals RootConfig -- flags and any --config-file
layered by Viper -- back out as YAML using the same yaml
struct tags cfg.Config already carries for Viper's own key matching, the
way the teacher repo's autogen tooling round-trips its own YAML-tagged
structs through gopkg.in/yaml.v3.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(RootConfig)
		if err != nil {
			return fmt.Errorf("marshaling config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(printConfigCmd)
}
