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
	"fmt"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/backends"
)

// RunPrefill encodes tokenIDs into a fresh cache using the prefill variant v.
// Tokens are right padded with id 0 to the variant's sequence length and
// positions run 0..len-1 followed by zero padding. An empty tokenIDs returns
// the zero cache without running the engine.
func RunPrefill(ctx context.Context, v *GraphVariant, tokenIDs []int) (Cache, error) {
	cache, err := AllocateCache(v)
	if err != nil {
		return nil, err
	}
	if len(tokenIDs) == 0 {
		return cache, nil
	}
	if len(tokenIDs) > v.MaxSeqLen || len(tokenIDs) > v.BucketSize {
		return nil, &ShapeMismatchError{
			Tensor: InputTokens,
			Reason: fmt.Sprintf("%d tokens do not fit signature %s (max %d)", len(tokenIDs), v.Name, v.MaxSeqLen),
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tokens := make([]int32, v.MaxSeqLen)
	for i, id := range tokenIDs {
		tokens[i] = int32(id)
	}
	tokensShape := backends.Shape{1, int64(v.MaxSeqLen)}
	if len(v.TokensShape) == 1 {
		tokensShape = backends.Shape{int64(v.MaxSeqLen)}
	}

	positions := make([]int32, v.BucketSize)
	for i := range tokenIDs {
		positions[i] = int32(i)
	}

	inputs := make(map[string]backends.NamedTensor, len(cache)+3)
	for name, t := range cache {
		inputs[name] = t
	}
	inputs[InputTokens] = backends.NamedTensor{Name: InputTokens, Shape: tokensShape, Data: tokens}
	inputs[InputPos] = backends.NamedTensor{Name: InputPos, Shape: backends.Shape{int64(v.BucketSize)}, Data: positions}
	if v.HasMask {
		mask, err := BuildMask(v.MaskShape, 1)
		if err != nil {
			return nil, err
		}
		inputs[InputMask] = mask
	}

	outputs, err := v.Signature.Run(inputs)
	if err != nil {
		return nil, &EngineInvocationError{Signature: v.Name, Err: err}
	}
	return MergeCache(cache, outputs)
}
