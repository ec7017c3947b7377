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

package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/modelregistry"
)

func writeSignatureDir(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "decode.onnx"), make([]byte, 2048), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prefill_32.onnx"), make([]byte, 1024), 0o644))
}

func TestListLocalModels(t *testing.T) {
	modelsDir := t.TempDir()
	writeSignatureDir(t, filepath.Join(modelsDir, "qwen"))

	var out bytes.Buffer
	require.NoError(t, ListLocalModels(ListOptions{ModelsDir: modelsDir, Out: &out}))

	s := out.String()
	assert.Contains(t, s, "NAME")
	assert.Contains(t, s, "qwen")
	assert.Contains(t, s, "dir")
	assert.Contains(t, s, "3.0 KiB")
	assert.Contains(t, s, "decode,prefill_32")
}

func TestListLocalModels_Empty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, ListLocalModels(ListOptions{
		ModelsDir:  filepath.Join(t.TempDir(), "missing"),
		BinaryName: "litert",
		Out:        &out,
	}))
	assert.Contains(t, out.String(), "No models found")
}

func TestPullModel_RejectsLocalReference(t *testing.T) {
	err := PullModel(context.Background(), "./models/gemma.task", PullOptions{ModelsDir: t.TempDir(), Out: &bytes.Buffer{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only hf: references")
}

func TestResolveModel(t *testing.T) {
	modelsDir := t.TempDir()
	writeSignatureDir(t, filepath.Join(modelsDir, "team", "qwen"))

	t.Run("discovered name", func(t *testing.T) {
		m, err := ResolveModel(context.Background(), "team/qwen", modelsDir, nil)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(modelsDir, "team", "qwen"), m.Path)
		assert.Equal(t, modelregistry.SourceDir, m.Kind)
	})

	t.Run("local path", func(t *testing.T) {
		m, err := ResolveModel(context.Background(), filepath.Join(modelsDir, "team", "qwen"), "", nil)
		require.NoError(t, err)
		assert.Equal(t, "qwen", m.Name)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := ResolveModel(context.Background(), "llama", modelsDir, nil)
		require.Error(t, err)
	})
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
		{-1, "0 B"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatBytes(tt.in))
	}
}
