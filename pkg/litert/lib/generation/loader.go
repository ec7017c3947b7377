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

package generation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/core/tensors/bucketing"
	"go.uber.org/zap"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/backends"
	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/modelregistry"
	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/pipelines"
	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/taskbundle"
	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/tokenizer"
)

// DefaultBundleCacheDir is where bundles are extracted when LoaderConfig
// names no cache directory, relative to the bundle's own directory.
const DefaultBundleCacheDir = ".litert-cache"

// LoaderConfig controls how a model becomes a generator.
type LoaderConfig struct {
	// TokenizerLocation overrides the tokenizer shipped with the model.
	// See tokenizer.Load for the accepted forms.
	TokenizerLocation string
	// CacheDir receives extracted .task bundles.
	CacheDir string
	// NumThreads per session (0 = backends.DefaultNumThreads).
	NumThreads int
	// PoolSize bounds concurrent generations (0 = CPU count).
	PoolSize int
	// DisableTruncation rejects prompts longer than the largest prefill
	// bucket instead of cutting them from the left.
	DisableTruncation bool
	// MaxDynamicPrefill expands a prefill graph with a dynamic sequence
	// dimension into power-of-two buckets up to this length.
	MaxDynamicPrefill int

	// SessionManager picks the backend. Ignored when SessionFactory is set.
	SessionManager *backends.SessionManager
	SessionFactory backends.SessionFactory
	// HuggingFace pulls hf: references. Nil restricts Load to local models.
	HuggingFace *modelregistry.HuggingFaceClient
	Logger      *zap.Logger
}

// Load resolves ref (see modelregistry.ParseModelRef) and loads it.
func Load(ctx context.Context, ref string, cfg LoaderConfig) (*PipelineGenerator, error) {
	parsed, err := modelregistry.ParseModelRef(ref)
	if err != nil {
		return nil, err
	}
	m, err := modelregistry.Resolve(ctx, parsed, cfg.HuggingFace)
	if err != nil {
		return nil, err
	}
	return LoadModel(m, cfg)
}

// LoadModel loads a model that is already on disk.
func LoadModel(m modelregistry.LocalModel, cfg LoaderConfig) (*PipelineGenerator, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("model", m.Name))

	graphDir, tok, err := loadAssets(m, cfg, logger)
	if err != nil {
		return nil, err
	}

	factory := cfg.SessionFactory
	var device backends.DeviceType
	if factory == nil {
		sm := cfg.SessionManager
		if sm == nil {
			sm = backends.NewSessionManager()
		}
		var spec backends.BackendSpec
		if factory, spec, err = sm.GetSessionFactoryWithFallback(); err != nil {
			_ = tok.Close()
			return nil, err
		}
		logger.Debug("Selected backend", zap.String("backend", spec.String()))
		device = spec.Device
	}

	threads := cfg.NumThreads
	if threads <= 0 {
		threads = backends.DefaultNumThreads
	}
	sessionOpts := []backends.SessionOption{backends.WithSessionThreads(threads)}
	if device != "" && device != backends.DeviceAuto {
		sessionOpts = append(sessionOpts, backends.WithSessionGPUMode(device.ToGPUMode()))
	}
	interpOpts := []backends.InterpreterOption{
		backends.WithSessionOptions(sessionOpts...),
	}
	if cfg.MaxDynamicPrefill > 0 {
		interpOpts = append(interpOpts, backends.WithDynamicPrefillBuckets(bucketing.Pow2(), cfg.MaxDynamicPrefill))
	}
	interp, err := backends.LoadInterpreter(graphDir, factory, interpOpts...)
	if err != nil {
		_ = tok.Close()
		return nil, fmt.Errorf("loading signatures of %s: %w", m.Name, err)
	}

	p, err := pipelines.New(interp, tok,
		pipelines.WithLogger(logger),
		pipelines.WithTruncation(!cfg.DisableTruncation))
	if err != nil {
		_ = interp.Close()
		_ = tok.Close()
		return nil, fmt.Errorf("building pipeline for %s: %w", m.Name, err)
	}

	logger.Info("Loaded generator",
		zap.String("path", m.Path),
		zap.String("backend", string(interp.Backend())),
		zap.Strings("signatures", interp.SignatureList()),
		zap.Int("cacheCapacity", p.Shapes().CacheCapacity(p.Shapes().Prefill[0])))
	return NewPipelineGenerator(p, tok, interp.Backend(), cfg.PoolSize, logger), nil
}

// loadAssets finds the signature graphs and the tokenizer of m. A bundle's
// own tokenizer and prompt template win over TokenizerLocation only when
// no location was given.
func loadAssets(m modelregistry.LocalModel, cfg LoaderConfig, logger *zap.Logger) (string, *tokenizer.Tokenizer, error) {
	tokOpts := []tokenizer.Option{tokenizer.WithLogger(logger)}

	if m.Kind != modelregistry.SourceBundle {
		location := cfg.TokenizerLocation
		if location == "" && dirHasTokenizer(m.Path) {
			location = m.Path
		}
		tok, err := tokenizer.Load(location, tokenizer.EmptyTemplate(), tokOpts...)
		if err != nil {
			return "", nil, err
		}
		return m.Path, tok, nil
	}

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(filepath.Dir(m.Path), DefaultBundleCacheDir)
	}
	b, err := taskbundle.Open(m.Path, cacheDir, logger)
	if err != nil {
		return "", nil, err
	}
	graphDir, err := b.GraphDir()
	if err != nil {
		return "", nil, err
	}
	template, err := b.PromptTemplate()
	if err != nil {
		return "", nil, err
	}

	var tok *tokenizer.Tokenizer
	if path, ok := b.TokenizerPath(); ok && cfg.TokenizerLocation == "" {
		tok, err = tokenizer.LoadSentencePiece(path, template, tokOpts...)
	} else {
		tok, err = tokenizer.Load(cfg.TokenizerLocation, template, tokOpts...)
	}
	if err != nil {
		return "", nil, err
	}
	return graphDir, tok, nil
}

func dirHasTokenizer(dir string) bool {
	for _, name := range []string{"tokenizer.json", "tokenizer.model"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}
