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
	"strings"

	"go.uber.org/zap"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/backends"
)

// DecodeResult is what the decode loop produced before it stopped.
type DecodeResult struct {
	Text       string
	TokenIDs   []int
	StopReason StopReason
}

// Decoder runs the token-by-token loop against the decode signature.
type Decoder struct {
	variant   *GraphVariant
	tokenizer Tokenizer
	sampler   Sampler
	capacity  int
	logger    *zap.Logger
}

// NewDecoder creates a decoder that stops once the position reaches capacity.
func NewDecoder(variant *GraphVariant, tokenizer Tokenizer, sampler Sampler, capacity int, logger *zap.Logger) *Decoder {
	if sampler == nil {
		sampler = Greedy{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{
		variant:   variant,
		tokenizer: tokenizer,
		sampler:   sampler,
		capacity:  capacity,
		logger:    logger,
	}
}

// Run decodes at most maxSteps tokens starting from state, which it advances
// in place. onToken, when set, receives every non-empty emitted fragment.
//
// When ctx is cancelled between steps the text decoded so far is returned
// together with the context error.
func (d *Decoder) Run(ctx context.Context, state *GenerationState, maxSteps int, onToken func(string)) (*DecodeResult, error) {
	switch {
	case d.variant == nil:
		return nil, &UninitializedComponentError{Component: "decode graph"}
	case d.tokenizer == nil:
		return nil, &UninitializedComponentError{Component: "tokenizer"}
	case state == nil || state.Cache == nil:
		return nil, &UninitializedComponentError{Component: "generation state"}
	case d.capacity <= 0:
		return nil, &UninitializedComponentError{Component: "cache capacity"}
	}

	res := &DecodeResult{StopReason: Running}
	var text strings.Builder
	for i := 0; i < maxSteps && res.StopReason == Running; i++ {
		if err := ctx.Err(); err != nil {
			res.Text = text.String()
			return res, err
		}
		// The previous step's token is checked before spending another step.
		if i > 0 && d.tokenizer.IsEnd(state.NextTokenID) {
			res.StopReason = StoppedOnEndToken
			break
		}

		logits, cache, err := d.Step(state)
		if err != nil {
			res.Text = text.String()
			return res, err
		}
		next := d.sampler.Sample(logits)
		if d.tokenizer.IsEnd(next) {
			res.StopReason = StoppedOnEndToken
			break
		}

		piece := d.tokenizer.DecodeOne(next)
		text.WriteString(piece)
		res.TokenIDs = append(res.TokenIDs, next)
		if onToken != nil && piece != "" {
			onToken(piece)
		}

		state.NextTokenID = next
		state.NextPosition++
		state.Cache = cache

		if state.NextPosition >= d.capacity {
			d.logger.Warn("Maximum KV cache sequence length reached",
				zap.Int("position", state.NextPosition),
				zap.Int("capacity", d.capacity))
			res.StopReason = StoppedOnCapacity
		}
	}
	if res.StopReason == Running {
		res.StopReason = StoppedOnBudget
	}
	res.Text = text.String()
	return res, nil
}

// Step runs one decode invocation for state.NextTokenID at state.NextPosition
// and returns the logit row for that position plus the updated cache. state
// is not modified.
func (d *Decoder) Step(state *GenerationState) ([]float32, Cache, error) {
	v := d.variant
	prev := make(Cache, len(v.CacheNames))
	inputs := make(map[string]backends.NamedTensor, len(v.CacheNames)+3)
	for _, name := range v.CacheNames {
		t, ok := state.Cache[name]
		if !ok {
			return nil, nil, &ShapeMismatchError{Tensor: name, Want: v.Inputs[name].Shape, Reason: "missing from cache"}
		}
		prev[name] = t
		inputs[name] = t
	}

	tokensShape := backends.Shape{1, 1}
	if len(v.TokensShape) == 1 {
		tokensShape = backends.Shape{1}
	}
	inputs[InputTokens] = backends.NamedTensor{Name: InputTokens, Shape: tokensShape, Data: []int32{int32(state.NextTokenID)}}
	inputs[InputPos] = backends.NamedTensor{Name: InputPos, Shape: backends.Shape{1}, Data: []int32{int32(state.NextPosition)}}
	if v.HasMask {
		mask, err := BuildMask(v.MaskShape, state.NextPosition+1)
		if err != nil {
			return nil, nil, err
		}
		inputs[InputMask] = mask
	}

	outputs, err := v.Signature.Run(inputs)
	if err != nil {
		return nil, nil, &EngineInvocationError{Signature: v.Name, Err: err}
	}
	logits, err := firstLogitRow(outputs)
	if err != nil {
		return nil, nil, err
	}
	cache, err := MergeCache(prev, outputs)
	if err != nil {
		return nil, nil, err
	}
	return logits, cache, nil
}

// firstLogitRow takes logits[0][0] from a (batch, 1, vocab) output.
func firstLogitRow(outputs map[string]backends.NamedTensor) ([]float32, error) {
	t, ok := outputs[OutputLogits]
	if !ok {
		return nil, &ShapeMismatchError{Tensor: OutputLogits, Reason: "missing from decode outputs"}
	}
	data, err := t.Float32s()
	if err != nil {
		return nil, &ShapeMismatchError{Tensor: OutputLogits, Got: t.Shape, Reason: err.Error()}
	}
	if len(t.Shape) == 0 {
		return nil, &ShapeMismatchError{Tensor: OutputLogits, Got: t.Shape, Reason: "logits must have a vocabulary axis"}
	}
	vocab := int(t.Shape[len(t.Shape)-1])
	if vocab <= 0 || len(data) < vocab {
		return nil, &ShapeMismatchError{
			Tensor: OutputLogits,
			Got:    t.Shape,
			Reason: fmt.Sprintf("have %d values for a vocabulary of %d", len(data), vocab),
		}
	}
	return data[:vocab], nil
}
