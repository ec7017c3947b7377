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
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/cli"
)

var pullCmd = &cobra.Command{
	Use:   "pull <hf-reference> [hf-reference...]",
	Short: "Pull model(s) from HuggingFace",
	Long: `Download one or more models from the HuggingFace Hub into --models-dir.

A reference naming a file downloads that file, typically a .task bundle. A
reference naming only a repository downloads its prefill/decode signature
graphs together with tokenizer files.

Examples:
  # Pull a .task bundle
  litert pull hf:litert-community/Gemma3-1B-IT/gemma3-1b-it-int4.task

  # Pull the signature graphs of a repository
  litert pull hf:litert-community/Qwen2.5-0.5B-Instruct

  # Pull to a custom directory
  litert pull --models-dir /opt/litert/models hf:litert-community/Qwen2.5-0.5B-Instruct`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)
}

func runPull(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, modelRef := range args {
		fmt.Printf("\n=== Pulling %s ===\n", modelRef)
		if err := cli.PullModel(ctx, modelRef, cli.PullOptions{
			ModelsDir: modelsDir,
			HFToken:   viper.GetString("hf_token"),
		}); err != nil {
			return fmt.Errorf("failed to pull %s: %w", modelRef, err)
		}
	}
	return nil
}
