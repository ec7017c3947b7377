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

// Package litert serves greedy text generation over bucketed prefill and
// decode graphs behind an HTTP API.
package litert

import (
	"context"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/backends"
	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/generation"
	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/modelregistry"
)

type LiteRTNode struct {
	logger *zap.Logger

	registry *PipelineRegistry

	// Request queue for backpressure control
	requestQueue *RequestQueue

	// Nil when the generation cache is disabled
	generationCache *GenerationCache
}

// corsMiddleware adds permissive CORS headers for the API
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, Accept, Origin")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// DefaultShutdownTimeout is the default time to wait for graceful shutdown
const DefaultShutdownTimeout = 30 * time.Second

// Handler builds the root handler: health endpoints plus the validated API.
func (ln *LiteRTNode) Handler() (http.Handler, error) {
	apiHandler, err := NewLiteRTAPI(ln.logger, ln)
	if err != nil {
		return nil, err
	}

	rootMux := http.NewServeMux()

	// Health endpoints (outside /api prefix for k8s compatibility)
	rootMux.HandleFunc("GET /healthz", ln.handleHealthz)
	rootMux.HandleFunc("GET /readyz", ln.handleReadyz)
	rootMux.Handle("/api/", apiHandler)
	ln.RegisterOpenAIRoutes(rootMux)

	return corsMiddleware(rootMux), nil
}

// RunAsLiteRT starts the generation server and blocks until ctx is done.
// If readyC is non-nil, it will be closed when the server is ready to accept requests.
func RunAsLiteRT(ctx context.Context, zl *zap.Logger, config Config, readyC chan struct{}) {
	zl = zl.Named("litert")
	zl.Info("Starting litert node", zap.Any("config", config))

	u, err := url.Parse(config.ApiUrl)
	if err != nil {
		zl.Fatal("Invalid API URL", zap.String("url", config.ApiUrl), zap.Error(err))
	}

	keepAlive, err := parseDuration("keep_alive", config.KeepAlive)
	if err != nil {
		zl.Fatal("Invalid keep_alive duration", zap.Error(err))
	}
	requestTimeout, err := parseDuration("request_timeout", config.RequestTimeout)
	if err != nil {
		zl.Fatal("Invalid request_timeout duration", zap.Error(err))
	}
	cacheTTL := GenerationCacheTTL
	if config.GenerationCacheTTL != "" {
		if cacheTTL, err = parseDuration("generation_cache_ttl", config.GenerationCacheTTL); err != nil {
			zl.Fatal("Invalid generation_cache_ttl duration", zap.Error(err))
		}
	}

	gpuInfo := backends.DetectGPU()
	zl.Info("GPU detection complete",
		zap.Bool("available", gpuInfo.Available),
		zap.String("type", gpuInfo.Type),
		zap.String("device", gpuInfo.DeviceName))
	var available []string
	for _, b := range backends.ListAvailable() {
		available = append(available, b.Name())
	}
	zl.Info("Inference backends available", zap.Strings("backends", available))

	sessionManager := backends.NewSessionManager()
	defer func() { _ = sessionManager.Close() }()
	if len(config.BackendPriority) > 0 {
		priority, err := backends.ParseBackendPriority(config.BackendPriority)
		if err != nil {
			zl.Fatal("Invalid backend_priority", zap.Strings("backend_priority", config.BackendPriority), zap.Error(err))
		}
		sessionManager.SetPriority(priority)
	}

	// Pulled models land in models_dir so later discovery finds them.
	hfCacheDir := config.ModelsDir
	if hfCacheDir == "" {
		hfCacheDir = filepath.Join(config.CacheDir, "huggingface")
	}
	hf := modelregistry.NewHuggingFaceClient(hfCacheDir,
		modelregistry.WithHFToken(config.HuggingFaceToken),
		modelregistry.WithHFLogger(zl.Named("huggingface")))

	registry, err := NewPipelineRegistry(PipelineRegistryConfig{
		ModelsDir:       config.ModelsDir,
		KeepAlive:       keepAlive,
		MaxLoadedModels: uint64(max(config.MaxLoadedModels, 0)),
		Loader: generation.LoaderConfig{
			TokenizerLocation: config.TokenizerLocation,
			CacheDir:          config.CacheDir,
			NumThreads:        config.NumThreads,
			PoolSize:          config.PoolSize,
			DisableTruncation: config.DisableTruncation,
			MaxDynamicPrefill: config.MaxDynamicPrefill,
			SessionManager:    sessionManager,
			HuggingFace:       hf,
			Logger:            zl.Named("loader"),
		},
	}, zl.Named("registry"))
	if err != nil {
		zl.Fatal("Failed to initialize pipeline registry", zap.Error(err))
	}
	defer func() { _ = registry.Close() }()

	// Preload entries may be hf: references that were never pulled into
	// models_dir; resolve them first so they can be served by name.
	preload := make([]string, 0, len(config.Preload))
	for _, name := range config.Preload {
		if ref, err := modelregistry.ParseModelRef(name); err == nil && ref.Kind == modelregistry.SourceHuggingFace {
			m, err := modelregistry.Resolve(ctx, ref, hf)
			if err != nil {
				zl.Warn("Failed to pull model for preload", zap.String("model", name), zap.Error(err))
				continue
			}
			registry.Register(m)
			name = m.Name
		}
		preload = append(preload, name)
	}
	if err := registry.Preload(preload); err != nil {
		zl.Warn("Some models failed to preload", zap.Error(err))
	}

	requestQueue := NewRequestQueue(RequestQueueConfig{
		MaxConcurrentRequests: config.MaxConcurrentRequests,
		MaxQueueSize:          config.MaxQueueSize,
		RequestTimeout:        requestTimeout,
	}, zl.Named("queue"))

	var generationCache *GenerationCache
	if cacheTTL > 0 {
		generationCache = NewGenerationCache(cacheTTL, zl.Named("generation-cache"))
		defer generationCache.Close()
	}

	node := &LiteRTNode{
		logger:          zl,
		registry:        registry,
		requestQueue:    requestQueue,
		generationCache: generationCache,
	}

	handler, err := node.Handler()
	if err != nil {
		zl.Fatal("Failed to build API handler", zap.Error(err))
	}

	srv := &http.Server{
		Addr:        u.Host,
		Handler:     handler,
		ReadTimeout: 540 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		zl.Info("LiteRT api server starting", zap.String("address", config.ApiUrl))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Signal readiness after server starts
	if readyC != nil {
		close(readyC)
	}

	// Wait for context cancellation or server error
	select {
	case err := <-serverErr:
		if err != nil {
			zl.Fatal("HTTP server error", zap.Error(err))
		}
	case <-ctx.Done():
		zl.Info("Shutdown signal received, starting graceful shutdown...")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections
	srv.SetKeepAlivesEnabled(false)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("Graceful shutdown failed, forcing close",
			zap.Error(err),
			zap.Duration("timeout", DefaultShutdownTimeout))
		_ = srv.Close()
	} else {
		zl.Info("Graceful shutdown completed successfully")
	}

	zl.Info("HTTP server stopped")
}
