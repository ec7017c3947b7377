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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert"
)

// Version is set by main from the build's ldflags.
var Version = "dev"

var (
	cfgFile   string
	modelsDir string
)

var rootCmd = &cobra.Command{
	Use:   "litert",
	Short: "Greedy text generation over bucketed prefill/decode graphs",
	Long: `litert serves and runs language models exported as prefill and decode
signature graphs, either as a directory of .onnx signatures or as a .task
bundle.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		litert.Version = Version
		return initConfig()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	defaultModelsDir := "models"
	if home, err := os.UserHomeDir(); err == nil {
		defaultModelsDir = filepath.Join(home, ".litert", "models")
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ./litert.yaml or ~/.litert/litert.yaml)")
	pf.StringVar(&modelsDir, "models-dir", defaultModelsDir, "directory holding .task bundles and signature directories")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-style", "terminal", "log style (terminal, json, noop)")
	pf.String("hf-token", "", "HuggingFace API token for gated models (or use HF_TOKEN env var)")
	pf.String("tokenizer", "", "tokenizer directory, tokenizer file or tiktoken:<encoding> for models without one")
	pf.StringSlice("backend-priority", nil, "backends in order of preference, e.g. onnx:cuda,go")
	pf.Int("num-threads", 0, "intra-op threads per session (0 = default)")

	mustBindPFlag("models_dir", pf.Lookup("models-dir"))
	mustBindPFlag("log.level", pf.Lookup("log-level"))
	mustBindPFlag("log.style", pf.Lookup("log-style"))
	mustBindPFlag("hf_token", pf.Lookup("hf-token"))
	mustBindPFlag("tokenizer", pf.Lookup("tokenizer"))
	mustBindPFlag("backend_priority", pf.Lookup("backend-priority"))
	mustBindPFlag("num_threads", pf.Lookup("num-threads"))

	viper.SetDefault("api_url", "http://localhost:11435")
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", key, err))
	}
}

// initConfig reads the optional config file and LITERT_* environment
// variables. Flags win over both.
func initConfig() error {
	viper.SetEnvPrefix("LITERT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("litert")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".litert"))
		}
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}

	modelsDir = viper.GetString("models_dir")
	return nil
}
