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
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/backends"
)

func newTestDecoder(t *testing.T, m *fakeModel) (*Decoder, *ShapeRegistry) {
	t.Helper()
	r, err := NewShapeRegistry(m.engine)
	require.NoError(t, err)
	return NewDecoder(r.Decode, &fakeTokenizer{}, nil, m.capacity, zaptest.NewLogger(t)), r
}

func TestDecoder_StopsAtCapacity(t *testing.T) {
	m := newFakeModel([]int{4}, 8, 64, func(tok, pos int) int { return 40 + pos })
	dec, r := newTestDecoder(t, m)
	cache, err := AllocateCache(r.Decode)
	require.NoError(t, err)

	state := &GenerationState{NextPosition: 6, NextTokenID: 12, Cache: cache}
	out, err := dec.Run(context.Background(), state, 10, nil)
	require.NoError(t, err)

	assert.Equal(t, StoppedOnCapacity, out.StopReason)
	assert.Equal(t, "<46><47>", out.Text)
	assert.Equal(t, []int{46, 47}, out.TokenIDs)
	assert.Equal(t, 8, state.NextPosition)
	assert.Equal(t, 47, state.NextTokenID)
	assert.Equal(t, []int{6, 7}, m.decodePositions())
	// Two decode calls, each bumping every cache cell by one.
	assert.Equal(t, float32(2), state.Cache["kv_cache_k_0"].Data.([]float32)[0])
}

func TestDecoder_EndTokenOnFirstStep(t *testing.T) {
	m := newFakeModel([]int{4}, 16, 8, func(int, int) int { return endID })
	dec, r := newTestDecoder(t, m)
	cache, err := AllocateCache(r.Decode)
	require.NoError(t, err)

	state := &GenerationState{NextPosition: 3, NextTokenID: 5, Cache: cache}
	out, err := dec.Run(context.Background(), state, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, StoppedOnEndToken, out.StopReason)
	assert.Empty(t, out.Text)
	assert.Empty(t, out.TokenIDs)
	assert.Equal(t, 3, state.NextPosition)
	assert.Equal(t, 1, m.decode().callCount())
}

func TestDecoder_StepInputs(t *testing.T) {
	m := newFakeModel([]int{4}, 8, 16, func(int, int) int { return 9 })
	dec, r := newTestDecoder(t, m)
	cache, err := AllocateCache(r.Decode)
	require.NoError(t, err)
	cache["unrelated"] = backends.NamedTensor{Name: "unrelated", Shape: backends.Shape{1}, Data: []float32{0}}

	state := &GenerationState{NextPosition: 3, NextTokenID: 7, Cache: cache}
	logits, next, err := dec.Step(state)
	require.NoError(t, err)
	assert.Len(t, logits, 16)
	assert.Equal(t, 9, Argmax(logits))
	assert.Equal(t, []string{"kv_cache_k_0", "kv_cache_v_0"}, next.Names())
	assert.Equal(t, 3, state.NextPosition, "Step must not advance the state")

	in := m.decode().calls[0]
	assert.NotContains(t, in, "unrelated")
	assert.Equal(t, []int32{7}, in[InputTokens].Data)
	assert.Equal(t, backends.Shape{1, 1}, in[InputTokens].Shape)
	assert.Equal(t, []int32{3}, in[InputPos].Data)
	negInf := float32(math.Inf(-1))
	assert.Equal(t, []float32{0, 0, 0, 0, negInf, negInf, negInf, negInf}, in[InputMask].Data)
}

func TestDecoder_MissingCacheEntry(t *testing.T) {
	m := newFakeModel([]int{4}, 8, 16, func(int, int) int { return 9 })
	dec, _ := newTestDecoder(t, m)
	_, _, err := dec.Step(&GenerationState{Cache: Cache{}})
	var sme *ShapeMismatchError
	require.ErrorAs(t, err, &sme)
}

func TestDecoder_Uninitialized(t *testing.T) {
	var uce *UninitializedComponentError

	_, err := NewDecoder(nil, &fakeTokenizer{}, nil, 8, nil).Run(context.Background(), &GenerationState{Cache: Cache{}}, 1, nil)
	require.ErrorAs(t, err, &uce)
	assert.Equal(t, "decode graph", uce.Component)

	m := newFakeModel([]int{4}, 8, 16, nil)
	r, err := NewShapeRegistry(m.engine)
	require.NoError(t, err)
	_, err = NewDecoder(r.Decode, nil, nil, 8, nil).Run(context.Background(), &GenerationState{Cache: Cache{}}, 1, nil)
	require.ErrorAs(t, err, &uce)
	assert.Equal(t, "tokenizer", uce.Component)

	_, err = NewDecoder(r.Decode, &fakeTokenizer{}, nil, 8, nil).Run(context.Background(), nil, 1, nil)
	require.ErrorAs(t, err, &uce)
}

func TestFirstLogitRow(t *testing.T) {
	row, err := firstLogitRow(map[string]backends.NamedTensor{
		OutputLogits: {Shape: backends.Shape{2, 1, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
	})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, row)

	_, err = firstLogitRow(map[string]backends.NamedTensor{})
	require.Error(t, err)

	_, err = firstLogitRow(map[string]backends.NamedTensor{
		OutputLogits: {Shape: backends.Shape{1, 1, 8}, Data: []float32{1, 2}},
	})
	require.Error(t, err)
}

func TestArgmax(t *testing.T) {
	assert.Equal(t, -1, Argmax(nil))
	assert.Equal(t, 0, Argmax([]float32{2, 2, 2}))
	assert.Equal(t, 1, Argmax([]float32{1, 3, 3, 2}))
	assert.Equal(t, 2, Argmax([]float32{-5, -4, -1, -3}))

	long := make([]float32, 100)
	long[40] = 7
	long[73] = 7
	assert.Equal(t, 40, Argmax(long))
	assert.Equal(t, 40, Greedy{}.Sample(long))
}

func TestStopReason(t *testing.T) {
	for reason, want := range map[StopReason]string{
		Running:           "running",
		StoppedOnEndToken: "end_token",
		StoppedOnBudget:   "budget",
		StoppedOnCapacity: "capacity",
		StopReason(42):    "unknown",
	} {
		assert.Equal(t, want, reason.String())
		text, err := reason.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, want, string(text))
	}
}
