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
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/backends"
	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/modelregistry"
	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/tokenizer"
)

const (
	testVocab    = 128
	testCapacity = 16
	testBucket   = 8
)

// graphSession echoes the cache it is given and puts all logit mass on
// (token+1) mod vocab.
type graphSession struct {
	inputs  []backends.TensorInfo
	outputs []backends.TensorInfo
	seqLen  int64
	runs    *atomic.Int32
}

func (s *graphSession) Run(in []backends.NamedTensor) ([]backends.NamedTensor, error) {
	s.runs.Add(1)
	var out []backends.NamedTensor
	tok := 0
	for _, t := range in {
		switch {
		case strings.HasPrefix(t.Name, "kv_cache"):
			out = append(out, t)
		case t.Name == "tokens":
			tok = int(t.Data.([]int32)[0])
		}
	}
	logits := make([]float32, int(s.seqLen)*testVocab)
	logits[(tok+1)%testVocab] = 1
	out = append(out, backends.NamedTensor{
		Name:  "logits",
		Shape: backends.Shape{1, s.seqLen, testVocab},
		Data:  logits,
	})
	return out, nil
}

func (s *graphSession) InputInfo() []backends.TensorInfo  { return s.inputs }
func (s *graphSession) OutputInfo() []backends.TensorInfo { return s.outputs }
func (s *graphSession) Close() error                      { return nil }

type graphFactory struct {
	threads int
	runs    atomic.Int32
}

func (f *graphFactory) CreateSession(path string, opts ...backends.SessionOption) (backends.Session, error) {
	f.threads = backends.ApplySessionOptions(opts...).NumThreads
	seq := int64(1)
	if strings.HasPrefix(filepath.Base(path), "prefill") {
		seq = testBucket
	}
	c := int64(testCapacity)
	caches := []backends.TensorInfo{
		{Name: "kv_cache_k_0", Shape: backends.Shape{1, 1, c, 2}, DataType: backends.DataTypeFloat32},
		{Name: "kv_cache_v_0", Shape: backends.Shape{1, 1, 2, c}, DataType: backends.DataTypeFloat32},
	}
	inputs := append([]backends.TensorInfo{
		{Name: "tokens", Shape: backends.Shape{1, seq}, DataType: backends.DataTypeInt32},
		{Name: "input_pos", Shape: backends.Shape{seq}, DataType: backends.DataTypeInt32},
		{Name: "mask", Shape: backends.Shape{1, 1, seq, c}, DataType: backends.DataTypeFloat32},
	}, caches...)
	outputs := append([]backends.TensorInfo{
		{Name: "logits", Shape: backends.Shape{1, seq, testVocab}, DataType: backends.DataTypeFloat32},
	}, caches...)
	return &graphSession{inputs: inputs, outputs: outputs, seqLen: seq, runs: &f.runs}, nil
}

func (f *graphFactory) Backend() backends.BackendType { return backends.BackendGo }

func writeGraphDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"decode.onnx", "prefill_8.onnx"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("graph"), 0o644))
	}
	return dir
}

func writeBundle(t *testing.T, entries ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiny.task")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, name := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte("graph"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func TestLoadModel_SignatureDir(t *testing.T) {
	factory := &graphFactory{}
	dir := writeGraphDir(t)
	g, err := LoadModel(modelregistry.LocalModel{Name: "tiny", Path: dir, Kind: modelregistry.SourceDir}, LoaderConfig{
		TokenizerLocation: tokenizer.BPEPrefix + tokenizer.DefaultBPEEncoding,
		SessionFactory:    factory,
		PoolSize:          2,
	})
	require.NoError(t, err)

	assert.Equal(t, backends.BackendGo, g.Backend())
	assert.Equal(t, backends.DefaultNumThreads, factory.threads)
	assert.Equal(t, []int{testBucket}, g.Pipeline().Shapes().Buckets())

	res, err := g.Generate(context.Background(), "hello world", GenerateOptions{MaxDecodeSteps: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, res.GeneratedTokens)
	assert.Equal(t, "budget", res.StopReason)
	assert.Equal(t, "prefill_8", res.Signature)
	assert.False(t, res.Truncated)
	// One prefill plus one decode call per generated token.
	assert.Equal(t, int32(4), factory.runs.Load())

	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
	_, err = g.Generate(context.Background(), "hello", GenerateOptions{})
	require.ErrorIs(t, err, ErrGeneratorClosed)
	_, _, err = g.GenerateStream(context.Background(), "hello", GenerateOptions{})
	require.ErrorIs(t, err, ErrGeneratorClosed)
}

func TestLoadModel_NoTokenizer(t *testing.T) {
	_, err := LoadModel(modelregistry.LocalModel{Name: "tiny", Path: writeGraphDir(t), Kind: modelregistry.SourceDir}, LoaderConfig{
		SessionFactory: &graphFactory{},
	})
	require.ErrorIs(t, err, tokenizer.ErrNoTokenizer)
}

func TestLoad_Bundle(t *testing.T) {
	bundle := writeBundle(t, "decode.onnx", "prefill_8.onnx")
	cfg := LoaderConfig{
		CacheDir:       t.TempDir(),
		SessionFactory: &graphFactory{},
	}

	_, err := Load(context.Background(), bundle, cfg)
	require.ErrorIs(t, err, tokenizer.ErrNoTokenizer, "the bundle carries no tokenizer model")

	cfg.TokenizerLocation = tokenizer.BPEPrefix + tokenizer.DefaultBPEEncoding
	g, err := Load(context.Background(), bundle, cfg)
	require.NoError(t, err)
	defer g.Close()

	res, err := g.Generate(context.Background(), "hi", GenerateOptions{MaxDecodeSteps: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.GeneratedTokens)
}

func TestLoad_BundleWithoutSignatureGraphs(t *testing.T) {
	bundle := writeBundle(t, "TF_LITE_PREFILL_DECODE")
	_, err := Load(context.Background(), bundle, LoaderConfig{
		CacheDir:          t.TempDir(),
		TokenizerLocation: tokenizer.BPEPrefix + tokenizer.DefaultBPEEncoding,
		SessionFactory:    &graphFactory{},
	})
	require.Error(t, err)
}

func TestLoad_BadReference(t *testing.T) {
	_, err := Load(context.Background(), "", LoaderConfig{})
	require.Error(t, err)
	_, err = Load(context.Background(), "hf:google/gemma/gemma.task", LoaderConfig{})
	require.ErrorContains(t, err, "no huggingface client")
}

func newTestGenerator(t *testing.T, poolSize int) *PipelineGenerator {
	t.Helper()
	g, err := LoadModel(modelregistry.LocalModel{Name: "tiny", Path: writeGraphDir(t), Kind: modelregistry.SourceDir}, LoaderConfig{
		TokenizerLocation: tokenizer.BPEPrefix + tokenizer.DefaultBPEEncoding,
		SessionFactory:    &graphFactory{},
		PoolSize:          poolSize,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestGenerateStream(t *testing.T) {
	g := newTestGenerator(t, 1)

	want, err := g.Generate(context.Background(), "stream me", GenerateOptions{MaxDecodeSteps: 4})
	require.NoError(t, err)

	tokens, errs, err := g.GenerateStream(context.Background(), "stream me", GenerateOptions{MaxDecodeSteps: 4})
	require.NoError(t, err)

	var text strings.Builder
	var final *GenerateResult
	for d := range tokens {
		if d.Result != nil {
			final = d.Result
			continue
		}
		text.WriteString(d.Token)
	}
	for err := range errs {
		require.NoError(t, err)
	}
	require.NotNil(t, final)
	assert.Equal(t, want, final)
	assert.Equal(t, want.Text, text.String())
}

func TestGenerate_Concurrent(t *testing.T) {
	g := newTestGenerator(t, 2)

	want, err := g.Generate(context.Background(), "same prompt", GenerateOptions{MaxDecodeSteps: 5})
	require.NoError(t, err)

	var eg errgroup.Group
	results := make([]*GenerateResult, 8)
	for i := range results {
		eg.Go(func() error {
			res, err := g.Generate(context.Background(), "same prompt", GenerateOptions{MaxDecodeSteps: 5})
			results[i] = res
			return err
		})
	}
	require.NoError(t, eg.Wait())
	for _, res := range results {
		assert.Equal(t, want, res)
	}
}

func TestGenerate_CancelledContext(t *testing.T) {
	g := newTestGenerator(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Generate(ctx, "hello", GenerateOptions{})
	require.ErrorIs(t, err, context.Canceled)
}
