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
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/google-ai-edge/ai-edge-apis/pkg/client"
	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/cli"
)

var generateCmd = &cobra.Command{
	Use:   "generate --model <model> <prompt...>",
	Short: "Generate a completion for a prompt",
	Long: `Load a model, run one greedy generation and print the result.

The model may be the name of a model under --models-dir, a local .task file
or signature directory, or an hf: reference that is pulled first.

Examples:
  # Stream the completion as it is decoded
  litert generate --model gemma3-1b-it-int4 --print-text "Why is the sky blue?"

  # Signature directory with a separate tokenizer
  litert generate --model ./qwen --tokenizer ./qwen/tokenizer.json "Hello"

  # Ask a running server instead of loading the model locally
  litert generate --server http://localhost:11435 --model gemma3-1b-it-int4 "Hello"

  # Cap the completion at 32 tokens
  litert generate --model hf:litert-community/Qwen2.5-0.5B-Instruct --max-decode-steps 32 "Hi"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().String("model", "", "model name, path or hf: reference")
	generateCmd.Flags().Int("max-decode-steps", 0, "maximum tokens to generate (0 = until the cache is full)")
	generateCmd.Flags().Bool("print-text", false, "stream text to stdout while decoding")
	generateCmd.Flags().Bool("disable-truncation", false, "fail instead of truncating prompts that are too long")
	generateCmd.Flags().Bool("stats", false, "print token counts and the stop reason to stderr")
	generateCmd.Flags().String("server", "", "generate on a running litert server at this URL")
	_ = generateCmd.MarkFlagRequired("model")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
	defer func() { _ = logger.Sync() }()

	model, _ := cmd.Flags().GetString("model")
	maxSteps, _ := cmd.Flags().GetInt("max-decode-steps")
	printText, _ := cmd.Flags().GetBool("print-text")
	disableTruncation, _ := cmd.Flags().GetBool("disable-truncation")
	stats, _ := cmd.Flags().GetBool("stats")

	if server, _ := cmd.Flags().GetString("server"); server != "" {
		return generateRemote(ctx, server, model, strings.Join(args, " "), maxSteps, printText, stats)
	}

	res, err := cli.RunGenerate(ctx, cli.GenerateOptions{
		Model:             model,
		Prompt:            strings.Join(args, " "),
		ModelsDir:         modelsDir,
		TokenizerLocation: viper.GetString("tokenizer"),
		MaxDecodeSteps:    maxSteps,
		NumThreads:        viper.GetInt("num_threads"),
		BackendPriority:   viper.GetStringSlice("backend_priority"),
		DisableTruncation: disableTruncation,
		PrintText:         printText,
		HFToken:           viper.GetString("hf_token"),
		Logger:            logger.Named("generate"),
		Out:               os.Stdout,
	})
	if err != nil {
		logger.Error("Generation failed", zap.String("model", model), zap.Error(err))
		return err
	}
	if stats && res != nil {
		_, _ = fmt.Fprintf(os.Stderr, "prompt_tokens=%d generated_tokens=%d stop_reason=%s truncated=%t signature=%s\n",
			res.PromptTokens, res.GeneratedTokens, res.StopReason, res.Truncated, res.Signature)
	}
	return nil
}

// generateRemote runs the generation on a litert server.
func generateRemote(ctx context.Context, server, model, prompt string, maxSteps int, printText, stats bool) error {
	c, err := client.NewLiteRTClient(server, nil)
	if err != nil {
		return err
	}

	var res *client.GenerateResponse
	if printText {
		res, err = c.GenerateStream(ctx, model, prompt, maxSteps, func(fragment string) {
			fmt.Print(fragment)
		})
		fmt.Println()
	} else {
		res, err = c.Generate(ctx, model, prompt, maxSteps)
		if err == nil {
			fmt.Println(res.Text)
		}
	}
	if err != nil {
		return err
	}
	if stats {
		_, _ = fmt.Fprintf(os.Stderr, "prompt_tokens=%d generated_tokens=%d stop_reason=%s truncated=%t signature=%s\n",
			res.PromptTokens, res.GeneratedTokens, res.StopReason, res.Truncated, res.Signature)
	}
	return nil
}
