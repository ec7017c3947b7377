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

// Package pipelines implements greedy text generation over bucketed,
// fixed-shape prefill and decode graphs.
//
// A Generate call encodes the prompt, picks the smallest prefill graph whose
// bucket holds it, prefills every prompt token except the last into a zero
// initialized KV cache, then feeds one token at a time through the decode
// graph until an end token, the step budget or the cache capacity stops it.
//
// All per-call state lives in a GenerationState owned by the call, so a
// Pipeline may serve concurrent calls when its engine allows interleaved
// invocations.
package pipelines

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/backends"
)

// Tokenizer is what the pipeline needs from a tokenizer backend.
type Tokenizer interface {
	// EncodeWithTemplate wraps prompt in the model's prompt template and
	// returns its token ids, including any start token.
	EncodeWithTemplate(prompt string) ([]int, error)
	// DecodeOne returns the text of a single id, empty for end tokens.
	DecodeOne(id int) string
	IsEnd(id int) bool
}

// GenerateOptions controls one Generate call.
type GenerateOptions struct {
	// MaxDecodeSteps caps the number of decoded tokens. Zero or negative
	// uses everything the cache has room for.
	MaxDecodeSteps int
	// OnToken receives each text fragment as soon as it is decoded.
	OnToken func(fragment string)
}

// Pipeline generates text with one loaded model.
type Pipeline struct {
	engine    backends.SignatureEngine
	shapes    *ShapeRegistry
	tokenizer Tokenizer
	sampler   Sampler
	truncate  bool
	logger    *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithSampler replaces greedy sampling.
func WithSampler(s Sampler) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.sampler = s
		}
	}
}

// WithTruncation controls whether prompts longer than the largest prefill
// bucket are cut from the left (the default) or rejected with a
// NoSuitableGraphError.
func WithTruncation(enabled bool) Option {
	return func(p *Pipeline) {
		p.truncate = enabled
	}
}

// New reads the engine's signatures and returns a ready pipeline. The
// pipeline owns the engine and closes it on Close.
func New(engine backends.SignatureEngine, tokenizer Tokenizer, opts ...Option) (*Pipeline, error) {
	if tokenizer == nil {
		return nil, &UninitializedComponentError{Component: "tokenizer"}
	}
	shapes, err := NewShapeRegistry(engine)
	if err != nil {
		return nil, err
	}
	for _, v := range shapes.Prefill {
		if shapes.CacheCapacity(v) <= 0 {
			return nil, &ShapeMismatchError{Tensor: cacheCapacity,
				Reason: fmt.Sprintf("cannot determine cache capacity for signature %s", v.Name)}
		}
	}

	p := &Pipeline{
		engine:    engine,
		shapes:    shapes,
		tokenizer: tokenizer,
		sampler:   Greedy{},
		truncate:  true,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Shapes exposes the graph variants the pipeline selects from.
func (p *Pipeline) Shapes() *ShapeRegistry {
	return p.shapes
}

// Close releases the engine.
func (p *Pipeline) Close() error {
	return p.engine.Close()
}

// Generate produces a completion for prompt.
//
// Early stops (end token, budget, cache capacity) return a Result and a nil
// error. Engine and shape failures return no Result. A cancelled ctx returns
// the partial Result together with the context error.
func (p *Pipeline) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*Result, error) {
	ids, err := p.tokenizer.EncodeWithTemplate(prompt)
	if err != nil {
		return nil, fmt.Errorf("encoding prompt: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrEmptyPrompt
	}

	res := &Result{}
	variant, ids, err := p.selectPrefill(ids, res)
	if err != nil {
		return nil, err
	}

	// The last prompt token seeds the decode loop instead of being prefilled.
	prefillLen := len(ids) - 1
	res.PromptTokens = len(ids)
	res.PrefillTokens = prefillLen
	res.PrefillSignature = variant.Name

	p.logger.Debug("Running prefill",
		zap.String("signature", variant.Name),
		zap.Int("tokens", prefillLen))
	cache, err := RunPrefill(ctx, variant, ids[:prefillLen])
	if err != nil {
		return nil, err
	}

	capacity := p.shapes.CacheCapacity(variant)
	maxPossible := capacity - prefillLen - 1
	if maxPossible <= 0 {
		p.logger.Warn("No room left in the KV cache for decoding, returning empty text",
			zap.Int("prefill_tokens", prefillLen),
			zap.Int("capacity", capacity))
		res.StopReason = StoppedOnCapacity
		return res, nil
	}

	steps := maxPossible
	switch {
	case opts.MaxDecodeSteps < 0:
		p.logger.Warn("max_decode_steps must be positive, using the full budget",
			zap.Int("requested", opts.MaxDecodeSteps),
			zap.Int("budget", maxPossible))
	case opts.MaxDecodeSteps > 0:
		steps = min(opts.MaxDecodeSteps, maxPossible)
	}

	state := &GenerationState{
		NextPosition: prefillLen,
		NextTokenID:  ids[prefillLen],
		Cache:        cache,
	}
	p.logger.Debug("Running decode", zap.Int("max_steps", steps))
	dec := NewDecoder(p.shapes.Decode, p.tokenizer, p.sampler, capacity, p.logger)
	out, err := dec.Run(ctx, state, steps, opts.OnToken)
	if out != nil {
		res.Text = out.Text
		res.TokenIDs = out.TokenIDs
		res.GeneratedTokens = len(out.TokenIDs)
		res.StopReason = out.StopReason
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return res, err
		}
		return nil, err
	}
	return res, nil
}

// selectPrefill picks the prefill variant for ids, truncating ids from the
// left when they do not fit and truncation is enabled.
func (p *Pipeline) selectPrefill(ids []int, res *Result) (*GraphVariant, []int, error) {
	variant, err := SelectPrefill(p.shapes.Prefill, len(ids))
	if err != nil {
		var nsg *NoSuitableGraphError
		if !p.truncate || !errors.As(err, &nsg) || nsg.Largest <= 0 {
			return nil, nil, err
		}
		p.logger.Warn("Prompt exceeds the largest prefill bucket, truncating",
			zap.Int("prompt_tokens", len(ids)),
			zap.Int("largest_bucket", nsg.Largest))
		ids = ids[len(ids)-nsg.Largest:]
		res.Truncated = true
		if variant, err = SelectPrefill(p.shapes.Prefill, len(ids)); err != nil {
			return nil, nil, err
		}
	}

	if len(ids) > variant.MaxSeqLen {
		if !p.truncate {
			return nil, nil, &NoSuitableGraphError{
				Largest:   variant.MaxSeqLen,
				Smallest:  p.shapes.Prefill[0].BucketSize,
				Requested: len(ids),
			}
		}
		p.logger.Warn("Prompt exceeds the prefill sequence length, truncating",
			zap.Int("prompt_tokens", len(ids)),
			zap.Int("max_seq_len", variant.MaxSeqLen))
		// Keep the end of the prompt, it usually matters most.
		ids = ids[len(ids)-variant.MaxSeqLen:]
		res.Truncated = true
		if variant, err = SelectPrefill(p.shapes.Prefill, len(ids)); err != nil {
			return nil, nil, err
		}
	}
	return variant, ids, nil
}
