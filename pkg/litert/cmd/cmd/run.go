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
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/antflydb/antfly-go/libaf/healthserver"
	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the litert server",
	Long: `Start the litert generation server. Models under --models-dir are
discovered at startup and loaded on first use.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.Int("health-port", 4200, "health/metrics server port")
	f.String("api-url", "http://localhost:11435", "address of the HTTP API")
	f.String("keep-alive", "5m", "unload idle models after this duration (0 keeps them loaded)")
	f.Int("max-loaded-models", 0, "maximum models in memory (0 = unlimited)")
	f.StringSlice("preload", nil, "models to load at startup (names or hf: references)")
	f.Int("pool-size", 0, "concurrent generations per model (0 = CPU count)")
	f.Int("max-concurrent-requests", 0, "requests processed at once (0 = CPU count)")
	f.Int("max-queue-size", 64, "requests allowed to wait for a slot (0 = unbounded)")
	f.String("request-timeout", "30s", "maximum wait for a slot")
	f.String("generation-cache-ttl", "2m", "cache identical completions for this long (0 disables)")
	f.String("cache-dir", "", "directory for extracted .task bundles")
	f.Bool("disable-truncation", false, "reject prompts longer than the largest prefill bucket")
	f.Int("max-dynamic-prefill", 0, "expand dynamic prefill graphs into buckets up to this length")

	mustBindPFlag("health_port", f.Lookup("health-port"))
	mustBindPFlag("api_url", f.Lookup("api-url"))
	mustBindPFlag("keep_alive", f.Lookup("keep-alive"))
	mustBindPFlag("max_loaded_models", f.Lookup("max-loaded-models"))
	mustBindPFlag("preload", f.Lookup("preload"))
	mustBindPFlag("pool_size", f.Lookup("pool-size"))
	mustBindPFlag("max_concurrent_requests", f.Lookup("max-concurrent-requests"))
	mustBindPFlag("max_queue_size", f.Lookup("max-queue-size"))
	mustBindPFlag("request_timeout", f.Lookup("request-timeout"))
	mustBindPFlag("generation_cache_ttl", f.Lookup("generation-cache-ttl"))
	mustBindPFlag("cache_dir", f.Lookup("cache-dir"))
	mustBindPFlag("disable_truncation", f.Lookup("disable-truncation"))
	mustBindPFlag("max_dynamic_prefill", f.Lookup("max-dynamic-prefill"))
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Create logger from config
	logger := logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Running as litert")

	var cfg litert.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return err
	}
	cfg.ModelsDir = modelsDir

	// Track readiness state
	ready := &atomic.Bool{}
	readyC := make(chan struct{})

	// Start health server with readiness checker
	healthserver.Start(logger, viper.GetInt("health_port"), ready.Load)

	// Wait for ready signal in background
	go func() {
		<-readyC
		ready.Store(true)
		logger.Info("LiteRT is ready")
	}()

	litert.RunAsLiteRT(ctx, logger, cfg, readyC)
	return nil
}
