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

package pipelines

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/backends"
)

type fakeSignature struct {
	name    string
	inputs  map[string]backends.TensorInfo
	outputs map[string]backends.TensorInfo
	run     func(in map[string]backends.NamedTensor) (map[string]backends.NamedTensor, error)

	mu    sync.Mutex
	calls []map[string]backends.NamedTensor
}

func (s *fakeSignature) Name() string { return s.name }
func (s *fakeSignature) InputDetails() map[string]backends.TensorInfo { return s.inputs }
func (s *fakeSignature) OutputDetails() map[string]backends.TensorInfo { return s.outputs }

func (s *fakeSignature) Run(in map[string]backends.NamedTensor) (map[string]backends.NamedTensor, error) {
	s.mu.Lock()
	s.calls = append(s.calls, in)
	s.mu.Unlock()
	return s.run(in)
}

func (s *fakeSignature) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fakeEngine struct {
	sigs   map[string]*fakeSignature
	closed bool
}

func (e *fakeEngine) SignatureList() []string {
	names := make([]string, 0, len(e.sigs))
	for name := range e.sigs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *fakeEngine) Signature(name string) (backends.Signature, error) {
	s, ok := e.sigs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", backends.ErrSignatureNotFound, name)
	}
	return s, nil
}

func (e *fakeEngine) Close() error {
	e.closed = true
	return nil
}

// fakeModel is a tiny in-memory model. The decode graph puts all logit mass
// on next(token, position); cache tensors gain +1 on every call.
type fakeModel struct {
	engine   *fakeEngine
	capacity int
	vocab    int
	next     func(tok, pos int) int
	decodeFn func(in map[string]backends.NamedTensor) (map[string]backends.NamedTensor, error)
}

func f32(name string, shape ...int64) backends.TensorInfo {
	return backends.TensorInfo{Name: name, Shape: shape, DataType: backends.DataTypeFloat32}
}

func i32(name string, shape ...int64) backends.TensorInfo {
	return backends.TensorInfo{Name: name, Shape: shape, DataType: backends.DataTypeInt32}
}

func cacheInfos(capacity int) map[string]backends.TensorInfo {
	c := int64(capacity)
	return map[string]backends.TensorInfo{
		"kv_cache_k_0": f32("kv_cache_k_0", 1, 1, c, 2),
		"kv_cache_v_0": f32("kv_cache_v_0", 1, 1, 2, c),
	}
}

func bumpCache(in map[string]backends.NamedTensor, out map[string]backends.NamedTensor) {
	for name, t := range in {
		if !strings.Contains(name, cacheMarker) {
			continue
		}
		src := t.Data.([]float32)
		dst := make([]float32, len(src))
		for i, v := range src {
			dst[i] = v + 1
		}
		out[name] = backends.NamedTensor{Name: name, Shape: t.Shape, Data: dst}
	}
}

func newFakeModel(buckets []int, capacity, vocab int, next func(tok, pos int) int) *fakeModel {
	m := &fakeModel{
		engine:   &fakeEngine{sigs: make(map[string]*fakeSignature)},
		capacity: capacity,
		vocab:    vocab,
		next:     next,
	}
	c := int64(capacity)

	for _, b := range buckets {
		inputs := cacheInfos(capacity)
		inputs[InputTokens] = i32(InputTokens, 1, int64(b))
		inputs[InputPos] = i32(InputPos, int64(b))
		inputs[InputMask] = f32(InputMask, 1, 1, int64(b), c)
		bucket := int64(b)
		name := fmt.Sprintf("prefill_%d", b)
		m.engine.sigs[name] = &fakeSignature{
			name:   name,
			inputs: inputs,
			run: func(in map[string]backends.NamedTensor) (map[string]backends.NamedTensor, error) {
				out := map[string]backends.NamedTensor{
					OutputLogits: {Name: OutputLogits, Shape: backends.Shape{1, bucket, int64(vocab)}, Data: make([]float32, int(bucket)*vocab)},
				}
				bumpCache(in, out)
				return out, nil
			},
		}
	}

	decodeInputs := cacheInfos(capacity)
	decodeInputs[InputTokens] = i32(InputTokens, 1, 1)
	decodeInputs[InputPos] = i32(InputPos, 1)
	decodeInputs[InputMask] = f32(InputMask, 1, 1, 1, c)
	m.engine.sigs["decode"] = &fakeSignature{
		name:   "decode",
		inputs: decodeInputs,
		run: func(in map[string]backends.NamedTensor) (map[string]backends.NamedTensor, error) {
			if m.decodeFn != nil {
				return m.decodeFn(in)
			}
			tok := int(in[InputTokens].Data.([]int32)[0])
			pos := int(in[InputPos].Data.([]int32)[0])
			logits := make([]float32, vocab)
			logits[m.next(tok, pos)] = 1
			out := map[string]backends.NamedTensor{
				OutputLogits: {Name: OutputLogits, Shape: backends.Shape{1, 1, int64(vocab)}, Data: logits},
			}
			bumpCache(in, out)
			return out, nil
		},
	}
	return m
}

func (m *fakeModel) prefill(b int) *fakeSignature {
	return m.engine.sigs[fmt.Sprintf("prefill_%d", b)]
}

func (m *fakeModel) decode() *fakeSignature {
	return m.engine.sigs["decode"]
}

// decodePositions lists the input_pos of every decode call so far.
func (m *fakeModel) decodePositions() []int {
	sig := m.decode()
	sig.mu.Lock()
	defer sig.mu.Unlock()
	out := make([]int, len(sig.calls))
	for i, in := range sig.calls {
		out[i] = int(in[InputPos].Data.([]int32)[0])
	}
	return out
}

const endID = 1

// fakeTokenizer maps prompts to fixed ids and renders id n as "<n>".
type fakeTokenizer struct {
	prompts map[string][]int
	err     error
}

func (t *fakeTokenizer) EncodeWithTemplate(prompt string) ([]int, error) {
	if t.err != nil {
		return nil, t.err
	}
	return append([]int(nil), t.prompts[prompt]...), nil
}

func (t *fakeTokenizer) DecodeOne(id int) string {
	if t.IsEnd(id) {
		return ""
	}
	return fmt.Sprintf("<%d>", id)
}

func (t *fakeTokenizer) IsEnd(id int) bool { return id == endID }

func seq(from, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = from + i
	}
	return out
}
