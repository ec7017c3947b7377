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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/generation"
	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/modelregistry"
)

// countingLoader hands out one MockGenerator per model and counts loads.
type countingLoader struct {
	mu    sync.Mutex
	loads atomic.Int32
	gens  map[string]*MockGenerator
	fail  map[string]bool
}

func newCountingLoader() *countingLoader {
	return &countingLoader{gens: map[string]*MockGenerator{}, fail: map[string]bool{}}
}

func (l *countingLoader) load(m modelregistry.LocalModel) (generation.Generator, error) {
	l.loads.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail[m.Name] {
		return nil, errors.New("corrupt graph")
	}
	g := &MockGenerator{text: m.Name}
	l.gens[m.Name] = g
	return g, nil
}

func (l *countingLoader) generator(name string) *MockGenerator {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gens[name]
}

func TestPipelineRegistry_Discovery(t *testing.T) {
	loader := newCountingLoader()
	registry, err := NewPipelineRegistry(PipelineRegistryConfig{
		ModelsDir: makeModelsDir(t, "zeta", "alpha", "nested/beta"),
		Load:      loader.load,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { _ = registry.Close() }()

	assert.Equal(t, []string{"alpha", "nested/beta", "zeta"}, registry.List())
	assert.Empty(t, registry.ListLoaded())
	assert.Equal(t, int32(0), loader.loads.Load(), "discovery must not load models")
}

func TestPipelineRegistry_MissingModelsDir(t *testing.T) {
	registry, err := NewPipelineRegistry(PipelineRegistryConfig{
		ModelsDir: "/nonexistent/models",
		Load:      newCountingLoader().load,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { _ = registry.Close() }()
	assert.Empty(t, registry.List())
}

func TestPipelineRegistry_AcquireLoadsOnce(t *testing.T) {
	loader := newCountingLoader()
	registry, err := NewPipelineRegistry(PipelineRegistryConfig{
		ModelsDir: makeModelsDir(t, "gemma"),
		Load:      loader.load,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { _ = registry.Close() }()

	var eg errgroup.Group
	for range 8 {
		eg.Go(func() error {
			g, err := registry.Acquire("gemma")
			if err != nil {
				return err
			}
			defer registry.Release("gemma")
			if g != loader.generator("gemma") {
				return errors.New("unexpected generator instance")
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	assert.Equal(t, int32(1), loader.loads.Load())
	assert.True(t, registry.IsLoaded("gemma"))
	assert.Equal(t, []string{"gemma"}, registry.ListLoaded())
}

func TestPipelineRegistry_NotFound(t *testing.T) {
	registry, err := NewPipelineRegistry(PipelineRegistryConfig{
		ModelsDir: makeModelsDir(t, "gemma"),
		Load:      newCountingLoader().load,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { _ = registry.Close() }()

	_, err = registry.Acquire("llama")
	require.ErrorIs(t, err, ErrModelNotFound)
}

func TestPipelineRegistry_LoadError(t *testing.T) {
	loader := newCountingLoader()
	loader.fail["broken"] = true
	registry, err := NewPipelineRegistry(PipelineRegistryConfig{
		ModelsDir: makeModelsDir(t, "broken"),
		Load:      loader.load,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { _ = registry.Close() }()

	_, err = registry.Acquire("broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt graph")
	assert.False(t, registry.IsLoaded("broken"))
}

func TestPipelineRegistry_Register(t *testing.T) {
	loader := newCountingLoader()
	registry, err := NewPipelineRegistry(PipelineRegistryConfig{Load: loader.load}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { _ = registry.Close() }()

	registry.Register(modelregistry.LocalModel{Name: "hf-model", Path: t.TempDir(), Kind: modelregistry.SourceHuggingFace})
	assert.Equal(t, []string{"hf-model"}, registry.List())

	g, err := registry.Acquire("hf-model")
	require.NoError(t, err)
	registry.Release("hf-model")
	assert.NotNil(t, g)
}

func TestPipelineRegistry_Preload(t *testing.T) {
	t.Run("partial failure is tolerated", func(t *testing.T) {
		loader := newCountingLoader()
		loader.fail["broken"] = true
		registry, err := NewPipelineRegistry(PipelineRegistryConfig{
			ModelsDir: makeModelsDir(t, "gemma", "broken"),
			Load:      loader.load,
		}, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer func() { _ = registry.Close() }()

		require.NoError(t, registry.Preload([]string{"gemma", "broken", "missing"}))
		assert.Equal(t, []string{"gemma"}, registry.ListLoaded())
	})

	t.Run("all failures are reported", func(t *testing.T) {
		loader := newCountingLoader()
		loader.fail["broken"] = true
		registry, err := NewPipelineRegistry(PipelineRegistryConfig{
			ModelsDir: makeModelsDir(t, "broken"),
			Load:      loader.load,
		}, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer func() { _ = registry.Close() }()

		assert.Error(t, registry.Preload([]string{"broken"}))
	})
}

func TestPipelineRegistry_KeepAliveEviction(t *testing.T) {
	loader := newCountingLoader()
	registry, err := NewPipelineRegistry(PipelineRegistryConfig{
		ModelsDir: makeModelsDir(t, "gemma"),
		KeepAlive: 50 * time.Millisecond,
		Load:      loader.load,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { _ = registry.Close() }()

	_, err = registry.Acquire("gemma")
	require.NoError(t, err)
	registry.Release("gemma")

	assert.Eventually(t, func() bool {
		return !registry.IsLoaded("gemma")
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, loader.generator("gemma").closed.Load())

	// Reloads on the next request.
	_, err = registry.Acquire("gemma")
	require.NoError(t, err)
	registry.Release("gemma")
	assert.Equal(t, int32(2), loader.loads.Load())
}

func TestPipelineRegistry_ActiveModelSurvivesExpiry(t *testing.T) {
	loader := newCountingLoader()
	registry, err := NewPipelineRegistry(PipelineRegistryConfig{
		ModelsDir: makeModelsDir(t, "gemma"),
		KeepAlive: 30 * time.Millisecond,
		Load:      loader.load,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { _ = registry.Close() }()

	_, err = registry.Acquire("gemma")
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	assert.False(t, loader.generator("gemma").closed.Load())
	assert.Equal(t, int32(1), loader.loads.Load())

	registry.Release("gemma")
}

func TestPipelineRegistry_CloseUnloadsModels(t *testing.T) {
	loader := newCountingLoader()
	registry, err := NewPipelineRegistry(PipelineRegistryConfig{
		ModelsDir: makeModelsDir(t, "a", "b"),
		Load:      loader.load,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, registry.Preload([]string{"a", "b"}))
	require.NoError(t, registry.Close())

	assert.True(t, loader.generator("a").closed.Load())
	assert.True(t, loader.generator("b").closed.Load())
}
