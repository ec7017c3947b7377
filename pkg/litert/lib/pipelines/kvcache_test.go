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
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/backends"
)

func TestAllocateCache(t *testing.T) {
	m := newFakeModel([]int{8}, 16, 8, nil)
	r, err := NewShapeRegistry(m.engine)
	require.NoError(t, err)

	cache, err := AllocateCache(r.Prefill[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"kv_cache_k_0", "kv_cache_v_0"}, cache.Names())
	assert.Equal(t, backends.Shape{1, 1, 16, 2}, cache["kv_cache_k_0"].Shape)
	assert.Equal(t, backends.Shape{1, 1, 2, 16}, cache["kv_cache_v_0"].Shape)
	for _, name := range cache.Names() {
		for _, v := range cache[name].Data.([]float32) {
			require.Zero(t, v)
		}
	}

	_, err = AllocateCache(nil)
	var uce *UninitializedComponentError
	require.ErrorAs(t, err, &uce)
}

func TestAllocateCache_RejectsDynamicShape(t *testing.T) {
	v := &GraphVariant{
		Name:       "prefill_8",
		Inputs:     map[string]backends.TensorInfo{"kv_cache_k_0": f32("kv_cache_k_0", 1, -1, 16, 2)},
		CacheNames: []string{"kv_cache_k_0"},
	}
	_, err := AllocateCache(v)
	var sme *ShapeMismatchError
	require.ErrorAs(t, err, &sme)
	assert.Equal(t, "kv_cache_k_0", sme.Tensor)
}

func TestMergeCache(t *testing.T) {
	prev := Cache{
		"kv_cache_k_0": {Name: "kv_cache_k_0", Shape: backends.Shape{1, 2}, Data: []float32{0, 0}},
	}

	next, err := MergeCache(prev, map[string]backends.NamedTensor{
		"kv_cache_k_0": {Name: "kv_cache_k_0", Shape: backends.Shape{1, 2}, Data: []float32{1, 2}},
		OutputLogits:   {Name: OutputLogits, Shape: backends.Shape{1, 1, 3}, Data: []float32{0, 0, 0}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"kv_cache_k_0"}, next.Names())
	assert.Equal(t, []float32{1, 2}, next["kv_cache_k_0"].Data)

	_, err = MergeCache(prev, map[string]backends.NamedTensor{})
	require.ErrorContains(t, err, "missing")

	_, err = MergeCache(prev, map[string]backends.NamedTensor{
		"kv_cache_k_0": {Shape: backends.Shape{2, 2}, Data: []float32{1, 2, 3, 4}},
	})
	var sme *ShapeMismatchError
	require.ErrorAs(t, err, &sme)

	_, err = MergeCache(nil, nil)
	var uce *UninitializedComponentError
	require.ErrorAs(t, err, &uce)
}

func TestRunPrefill_EmptyReturnsZeroCacheWithoutEngine(t *testing.T) {
	m := newFakeModel([]int{8}, 16, 8, nil)
	r, err := NewShapeRegistry(m.engine)
	require.NoError(t, err)

	cache, err := RunPrefill(context.Background(), r.Prefill[0], nil)
	require.NoError(t, err)
	fresh, err := AllocateCache(r.Prefill[0])
	require.NoError(t, err)
	assert.Equal(t, fresh, cache)
	assert.Zero(t, m.prefill(8).callCount())
}

func TestRunPrefill_PadsTokensAndPositions(t *testing.T) {
	m := newFakeModel([]int{8}, 16, 8, nil)
	r, err := NewShapeRegistry(m.engine)
	require.NoError(t, err)

	cache, err := RunPrefill(context.Background(), r.Prefill[0], []int{5, 6, 7, 8, 9})
	require.NoError(t, err)
	assert.NotContains(t, cache, OutputLogits)
	assert.Equal(t, []string{"kv_cache_k_0", "kv_cache_v_0"}, cache.Names())
	assert.Equal(t, float32(1), cache["kv_cache_v_0"].Data.([]float32)[0])

	require.Equal(t, 1, m.prefill(8).callCount())
	in := m.prefill(8).calls[0]
	assert.Equal(t, backends.Shape{1, 8}, in[InputTokens].Shape)
	assert.Equal(t, []int32{5, 6, 7, 8, 9, 0, 0, 0}, in[InputTokens].Data)
	assert.Equal(t, []int32{0, 1, 2, 3, 4, 0, 0, 0}, in[InputPos].Data)

	mask := in[InputMask].Data.([]float32)
	assert.Equal(t, float32(0), mask[0])
	assert.Equal(t, float32(math.Inf(-1)), mask[1])
	assert.Equal(t, float32(0), mask[16+1])
	assert.Equal(t, float32(math.Inf(-1)), mask[16+2])
}

func TestRunPrefill_WithoutMaskInput(t *testing.T) {
	m := newFakeModel([]int{4}, 16, 8, nil)
	delete(m.prefill(4).inputs, InputMask)
	r, err := NewShapeRegistry(m.engine)
	require.NoError(t, err)

	_, err = RunPrefill(context.Background(), r.Prefill[0], []int{3, 4})
	require.NoError(t, err)
	assert.NotContains(t, m.prefill(4).calls[0], InputMask)
}

func TestRunPrefill_EngineFailure(t *testing.T) {
	m := newFakeModel([]int{4}, 16, 8, nil)
	boom := errors.New("delegate failed")
	m.prefill(4).run = func(map[string]backends.NamedTensor) (map[string]backends.NamedTensor, error) {
		return nil, boom
	}
	r, err := NewShapeRegistry(m.engine)
	require.NoError(t, err)

	_, err = RunPrefill(context.Background(), r.Prefill[0], []int{3})
	var eie *EngineInvocationError
	require.ErrorAs(t, err, &eie)
	assert.Equal(t, "prefill_4", eie.Signature)
	assert.ErrorIs(t, err, boom)

	_, err = RunPrefill(context.Background(), r.Prefill[0], []int{1, 2, 3, 4, 5})
	require.Error(t, err)
}
