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

package litert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/backends"
	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/generation"
	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/modelregistry"
)

// ErrModelNotFound is returned for names that were never discovered.
var ErrModelNotFound = errors.New("model not found")

// LoadFunc turns a discovered model into a generator.
type LoadFunc func(m modelregistry.LocalModel) (generation.Generator, error)

// PipelineRegistryConfig configures the pipeline registry
type PipelineRegistryConfig struct {
	ModelsDir       string
	KeepAlive       time.Duration // How long to keep models loaded (0 = forever)
	MaxLoadedModels uint64        // Max models in memory (0 = unlimited)
	// Load defaults to generation.LoadModel with Loader.
	Load   LoadFunc
	Loader generation.LoaderConfig
}

// PipelineRegistry manages generation pipelines with lazy loading and
// TTL-based unloading.
type PipelineRegistry struct {
	modelsDir string
	load      LoadFunc
	logger    *zap.Logger

	// Model discovery (paths only, not loaded)
	discovered map[string]modelregistry.LocalModel
	mu         sync.RWMutex

	// Loaded models with TTL cache
	cache  *ttlcache.Cache[string, generation.Generator]
	loadSF singleflight.Group

	// Reference counting to prevent eviction during active use
	refCounts   map[string]int
	refCountsMu sync.Mutex

	keepAlive time.Duration
}

// NewPipelineRegistry creates a lazy-loading registry and discovers the
// models under config.ModelsDir.
func NewPipelineRegistry(config PipelineRegistryConfig, logger *zap.Logger) (*PipelineRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	keepAlive := config.KeepAlive
	if keepAlive == 0 {
		keepAlive = ttlcache.NoTTL // Never expire
	}

	load := config.Load
	if load == nil {
		loaderCfg := config.Loader
		if loaderCfg.Logger == nil {
			loaderCfg.Logger = logger
		}
		load = func(m modelregistry.LocalModel) (generation.Generator, error) {
			return generation.LoadModel(m, loaderCfg)
		}
	}

	registry := &PipelineRegistry{
		modelsDir:  config.ModelsDir,
		load:       load,
		logger:     logger,
		discovered: make(map[string]modelregistry.LocalModel),
		refCounts:  make(map[string]int),
		keepAlive:  keepAlive,
	}

	cacheOpts := []ttlcache.Option[string, generation.Generator]{
		ttlcache.WithTTL[string, generation.Generator](keepAlive),
	}
	if config.MaxLoadedModels > 0 {
		cacheOpts = append(cacheOpts,
			ttlcache.WithCapacity[string, generation.Generator](config.MaxLoadedModels))
	}
	registry.cache = ttlcache.New(cacheOpts...)

	// Only close on TTL expiration or capacity eviction. Close() handles
	// manual deletion synchronously.
	registry.cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, generation.Generator]) {
		if reason == ttlcache.EvictionReasonDeleted {
			return
		}

		reasonStr := "unknown"
		switch reason {
		case ttlcache.EvictionReasonExpired:
			reasonStr = "expired (keep-alive timeout)"
		case ttlcache.EvictionReasonCapacityReached:
			reasonStr = "capacity reached (LRU eviction)"
		}

		// Hold the lock through check-and-action to prevent a race with Release()
		registry.refCountsMu.Lock()
		refCount := registry.refCounts[item.Key()]
		if refCount > 0 {
			registry.cache.Set(item.Key(), item.Value(), registry.keepAlive)
			registry.refCountsMu.Unlock()
			logger.Warn("Preventing eviction of model with active references",
				zap.String("model", item.Key()),
				zap.Int("refCount", refCount),
				zap.String("reason", reasonStr))
			return
		}
		registry.refCountsMu.Unlock()

		logger.Info("Evicting model from cache",
			zap.String("model", item.Key()),
			zap.String("reason", reasonStr))
		if err := item.Value().Close(); err != nil {
			logger.Warn("Error closing evicted model",
				zap.String("model", item.Key()),
				zap.Error(err))
		}
	})

	go registry.cache.Start()

	if err := registry.Refresh(); err != nil {
		registry.cache.Stop()
		return nil, err
	}

	logger.Info("Pipeline registry initialized",
		zap.Int("models_discovered", len(registry.discovered)),
		zap.Duration("keep_alive", keepAlive),
		zap.Uint64("max_loaded_models", config.MaxLoadedModels))

	return registry, nil
}

// Refresh rescans the models directory. Loaded models stay loaded.
func (r *PipelineRegistry) Refresh() error {
	if r.modelsDir == "" {
		r.logger.Info("No models directory configured")
		return nil
	}
	if _, err := os.Stat(r.modelsDir); os.IsNotExist(err) {
		r.logger.Warn("Models directory does not exist", zap.String("dir", r.modelsDir))
		return nil
	}

	models, err := modelregistry.Discover(r.modelsDir)
	if err != nil {
		return fmt.Errorf("discovering models: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range models {
		if _, ok := r.discovered[m.Name]; !ok {
			r.logger.Info("Discovered model (not loaded)",
				zap.String("name", m.Name),
				zap.String("path", m.Path),
				zap.String("kind", string(m.Kind)))
		}
		r.discovered[m.Name] = m
	}
	return nil
}

// Register adds a model that lives outside the models directory.
func (r *PipelineRegistry) Register(m modelregistry.LocalModel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovered[m.Name] = m
}

// get returns a loaded model, loading it once if necessary.
func (r *PipelineRegistry) get(modelName string) (generation.Generator, error) {
	if item := r.cache.Get(modelName); item != nil {
		return item.Value(), nil
	}

	r.mu.RLock()
	m, ok := r.discovered[modelName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelName)
	}

	v, err, _ := r.loadSF.Do(modelName, func() (any, error) {
		if item := r.cache.Get(modelName); item != nil {
			return item.Value(), nil
		}
		r.logger.Info("Loading model on demand",
			zap.String("model", modelName),
			zap.String("path", m.Path))
		start := time.Now()
		g, err := r.load(m)
		if err != nil {
			return nil, fmt.Errorf("loading model %s: %w", modelName, err)
		}
		backend := "unknown"
		if b, ok := g.(interface{ Backend() backends.BackendType }); ok {
			backend = string(b.Backend())
		}
		RecordModelLoadDuration(modelName, backend, time.Since(start).Seconds())
		r.cache.Set(modelName, g, r.keepAlive)
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(generation.Generator), nil
}

// Acquire returns a generator by name and increments its reference count.
// The caller MUST call Release() when done so the model can be evicted.
func (r *PipelineRegistry) Acquire(modelName string) (generation.Generator, error) {
	g, err := r.get(modelName)
	if err != nil {
		return nil, err
	}

	r.refCountsMu.Lock()
	r.refCounts[modelName]++
	count := r.refCounts[modelName]
	r.refCountsMu.Unlock()

	r.logger.Debug("Acquired model",
		zap.String("model", modelName),
		zap.Int("refCount", count))
	return g, nil
}

// Release decrements the reference count for a model.
func (r *PipelineRegistry) Release(modelName string) {
	r.refCountsMu.Lock()
	if r.refCounts[modelName] > 0 {
		r.refCounts[modelName]--
	}
	count := r.refCounts[modelName]
	r.refCountsMu.Unlock()

	r.logger.Debug("Released model",
		zap.String("model", modelName),
		zap.Int("refCount", count))
}

// List returns all discovered model names, sorted.
func (r *PipelineRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.discovered))
	for name := range r.discovered {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListLoaded returns the currently loaded model names, sorted.
func (r *PipelineRegistry) ListLoaded() []string {
	keys := r.cache.Keys()
	sort.Strings(keys)
	return keys
}

// IsLoaded returns whether a model is currently loaded in memory
func (r *PipelineRegistry) IsLoaded(modelName string) bool {
	return r.cache.Has(modelName)
}

// Preload loads models at startup to avoid first-request latency.
func (r *PipelineRegistry) Preload(modelNames []string) error {
	if len(modelNames) == 0 {
		return nil
	}

	r.logger.Info("Preloading models", zap.Strings("models", modelNames))

	var loaded, failed int
	for _, name := range modelNames {
		if _, err := r.get(name); err != nil {
			r.logger.Warn("Failed to preload model",
				zap.String("model", name),
				zap.Error(err))
			failed++
			continue
		}
		loaded++
	}

	r.logger.Info("Preloading complete",
		zap.Int("loaded", loaded),
		zap.Int("failed", failed))

	if failed > 0 && loaded == 0 {
		return fmt.Errorf("all %d models failed to preload", failed)
	}
	return nil
}

// Close stops the cache and unloads all models
func (r *PipelineRegistry) Close() error {
	r.logger.Info("Closing pipeline registry")

	r.cache.Stop()

	var errs []error
	for _, key := range r.cache.Keys() {
		if item := r.cache.Get(key); item != nil {
			if err := item.Value().Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing %s: %w", key, err))
			}
		}
	}

	// Eviction callbacks skip EvictionReasonDeleted, so nothing is closed twice.
	r.cache.DeleteAll()
	return errors.Join(errs...)
}
