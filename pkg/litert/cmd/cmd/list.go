// Copyright 2025 Antfly, Inc.
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
	"github.com/spf13/cobra"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/cli"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List local models",
	Long: `List the .task bundles and signature directories under --models-dir.

Examples:
  litert list
  litert list --models-dir /opt/litert/models`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	return cli.ListLocalModels(cli.ListOptions{
		ModelsDir:  modelsDir,
		BinaryName: "litert",
	})
}
