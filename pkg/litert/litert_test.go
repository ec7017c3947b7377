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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/generation"
	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/modelregistry"
	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/pipelines"
)

// MockGenerator echoes a fixed completion and counts calls.
type MockGenerator struct {
	text      string
	err       error
	block     chan struct{}
	callCount atomic.Int32
	closed    atomic.Bool
}

func (m *MockGenerator) Generate(ctx context.Context, prompt string, opts generation.GenerateOptions) (*generation.GenerateResult, error) {
	m.callCount.Add(1)
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	words := strings.Fields(m.text)
	return &generation.GenerateResult{
		Text:            m.text,
		StopReason:      "end_token",
		PromptTokens:    len(strings.Fields(prompt)),
		GeneratedTokens: len(words),
		Signature:       "prefill_8",
	}, nil
}

func (m *MockGenerator) Close() error {
	m.closed.Store(true)
	return nil
}

// MockStreamingGenerator streams the completion word by word.
type MockStreamingGenerator struct {
	MockGenerator
}

func (m *MockStreamingGenerator) GenerateStream(ctx context.Context, prompt string, opts generation.GenerateOptions) (<-chan generation.TokenDelta, <-chan error, error) {
	res, err := m.Generate(ctx, prompt, opts)
	if err != nil {
		return nil, nil, err
	}
	tokens := make(chan generation.TokenDelta, 16)
	errs := make(chan error, 1)
	go func() {
		defer close(tokens)
		defer close(errs)
		for i, word := range strings.SplitAfter(res.Text, " ") {
			tokens <- generation.TokenDelta{Token: word, Index: i}
		}
		tokens <- generation.TokenDelta{Result: res}
	}()
	return tokens, errs, nil
}

// makeModelsDir creates one signature directory per name.
func makeModelsDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		modelDir := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(modelDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(modelDir, "decode.onnx"), []byte("graph"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(modelDir, "prefill_8.onnx"), []byte("graph"), 0o644))
	}
	return dir
}

func newTestNode(t *testing.T, gen generation.Generator, withCache bool, models ...string) *LiteRTNode {
	t.Helper()
	logger := zaptest.NewLogger(t)

	registry, err := NewPipelineRegistry(PipelineRegistryConfig{
		ModelsDir: makeModelsDir(t, models...),
		Load: func(m modelregistry.LocalModel) (generation.Generator, error) {
			return gen, nil
		},
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })

	node := &LiteRTNode{
		logger:       logger,
		registry:     registry,
		requestQueue: NewRequestQueue(RequestQueueConfig{MaxConcurrentRequests: 4}, logger),
	}
	if withCache {
		node.generationCache = NewGenerationCache(GenerationCacheTTL, logger)
		t.Cleanup(node.generationCache.Close)
	}
	return node
}

func serve(t *testing.T, node *LiteRTNode, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	handler, err := node.Handler()
	require.NoError(t, err)

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestHandleApiGenerate(t *testing.T) {
	gen := &MockGenerator{text: "hello there"}
	node := newTestNode(t, gen, false, "gemma")

	w := serve(t, node, http.MethodPost, "/api/generate", `{"model":"gemma","prompt":"say hi","max_decode_steps":4}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp GenerateResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "gemma", resp.Model)
	assert.Equal(t, "hello there", resp.Text)
	assert.Equal(t, "end_token", resp.StopReason)
	assert.Equal(t, 2, resp.PromptTokens)
	assert.Equal(t, 2, resp.GeneratedTokens)
	assert.False(t, resp.Done)

	assert.True(t, node.registry.IsLoaded("gemma"))
}

func TestHandleApiGenerate_CacheServesRepeats(t *testing.T) {
	gen := &MockGenerator{text: "cached"}
	node := newTestNode(t, gen, true, "gemma")

	body := `{"model":"gemma","prompt":"same prompt"}`
	for range 3 {
		w := serve(t, node, http.MethodPost, "/api/generate", body)
		require.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, int32(1), gen.callCount.Load())
}

func TestHandleApiGenerate_Stream(t *testing.T) {
	gen := &MockStreamingGenerator{MockGenerator{text: "one two three"}}
	node := newTestNode(t, gen, true, "gemma")

	w := serve(t, node, http.MethodPost, "/api/generate", `{"model":"gemma","prompt":"count","stream":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 4)

	var fragments []string
	for _, line := range lines[:3] {
		var chunk GenerateChunk
		require.NoError(t, json.Unmarshal([]byte(line), &chunk))
		assert.Equal(t, "gemma", chunk.Model)
		assert.False(t, chunk.Done)
		fragments = append(fragments, chunk.Fragment)
	}
	assert.Equal(t, "one two three", strings.Join(fragments, ""))

	var final GenerateResponse
	require.NoError(t, json.Unmarshal([]byte(lines[3]), &final))
	assert.True(t, final.Done)
	assert.Equal(t, "one two three", final.Text)
	assert.Equal(t, 3, final.GeneratedTokens)
}

func TestHandleApiGenerate_StreamWithoutStreamingSupport(t *testing.T) {
	gen := &MockGenerator{text: "whole answer"}
	node := newTestNode(t, gen, false, "gemma")

	w := serve(t, node, http.MethodPost, "/api/generate", `{"model":"gemma","prompt":"q","stream":true}`)
	require.Equal(t, http.StatusOK, w.Code)

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 2)
	var chunk GenerateChunk
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &chunk))
	assert.Equal(t, "whole answer", chunk.Fragment)
	var final GenerateResponse
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &final))
	assert.True(t, final.Done)
}

func TestHandleApiGenerate_Errors(t *testing.T) {
	tests := []struct {
		name       string
		genErr     error
		models     []string
		body       string
		wantStatus int
	}{
		{
			name:       "invalid json",
			models:     []string{"gemma"},
			body:       `not json`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing prompt",
			models:     []string{"gemma"},
			body:       `{"model":"gemma"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "negative steps",
			models:     []string{"gemma"},
			body:       `{"model":"gemma","prompt":"x","max_decode_steps":-1}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown model",
			models:     []string{"gemma"},
			body:       `{"model":"llama","prompt":"x"}`,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "no models",
			body:       `{"model":"gemma","prompt":"x"}`,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "prompt too long",
			models:     []string{"gemma"},
			genErr:     &pipelines.NoSuitableGraphError{Largest: 8, Smallest: 8, Requested: 20},
			body:       `{"model":"gemma","prompt":"x"}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "empty prompt",
			models:     []string{"gemma"},
			genErr:     pipelines.ErrEmptyPrompt,
			body:       `{"model":"gemma","prompt":""}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "engine failure",
			models:     []string{"gemma"},
			genErr:     &pipelines.EngineInvocationError{Signature: "decode", Err: errors.New("boom")},
			body:       `{"model":"gemma","prompt":"x"}`,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &MockGenerator{text: "ok", err: tt.genErr}
			node := newTestNode(t, gen, false, tt.models...)

			w := serve(t, node, http.MethodPost, "/api/generate", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestHandleApiGenerate_StreamError(t *testing.T) {
	gen := &MockStreamingGenerator{MockGenerator{err: pipelines.ErrEmptyPrompt}}
	node := newTestNode(t, gen, false, "gemma")

	w := serve(t, node, http.MethodPost, "/api/generate", `{"model":"gemma","prompt":"","stream":true}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestListModels(t *testing.T) {
	node := newTestNode(t, &MockGenerator{text: "x"}, false, "b-model", "a-model")

	_, err := node.registry.Acquire("b-model")
	require.NoError(t, err)
	node.registry.Release("b-model")

	w := serve(t, node, http.MethodGet, "/api/models", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp ModelsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, []string{"a-model", "b-model"}, resp.Models)
	assert.Equal(t, []string{"b-model"}, resp.Loaded)
}

func TestGetVersion(t *testing.T) {
	node := newTestNode(t, &MockGenerator{}, false)

	w := serve(t, node, http.MethodGet, "/api/version", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp VersionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, Version, resp.Version)
	assert.NotEmpty(t, resp.GoVersion)
}

func TestHealthEndpoints(t *testing.T) {
	t.Run("healthz", func(t *testing.T) {
		node := newTestNode(t, &MockGenerator{}, false)
		w := serve(t, node, http.MethodGet, "/healthz", "")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("readyz without models", func(t *testing.T) {
		node := newTestNode(t, &MockGenerator{}, false)
		w := serve(t, node, http.MethodGet, "/readyz", "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		var resp ReadyResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "not_ready", resp.Status)
	})

	t.Run("readyz with models", func(t *testing.T) {
		node := newTestNode(t, &MockGenerator{}, false, "gemma")
		w := serve(t, node, http.MethodGet, "/readyz", "")
		assert.Equal(t, http.StatusOK, w.Code)

		var resp ReadyResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, 1, resp.Models.Discovered)
		assert.Equal(t, 0, resp.Models.Loaded)
	})
}

func TestCorsPreflight(t *testing.T) {
	node := newTestNode(t, &MockGenerator{}, false)
	w := serve(t, node, http.MethodOptions, "/api/generate", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
