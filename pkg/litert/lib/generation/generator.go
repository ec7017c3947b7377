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

// Package generation turns model references into ready text generators.
package generation

import (
	"context"
	"errors"
)

// ErrGeneratorClosed is returned by calls made after Close.
var ErrGeneratorClosed = errors.New("generator is closed")

// GenerateOptions configures text generation parameters.
type GenerateOptions struct {
	// MaxDecodeSteps caps the number of generated tokens. Zero or negative
	// uses the whole cache budget.
	MaxDecodeSteps int `json:"max_decode_steps,omitempty"`
}

// GenerateResult contains the output from text generation.
type GenerateResult struct {
	Text            string `json:"text"`
	StopReason      string `json:"stop_reason"` // "end_token", "budget" or "capacity"
	PromptTokens    int    `json:"prompt_tokens"`
	GeneratedTokens int    `json:"generated_tokens"`
	Truncated       bool   `json:"truncated"`
	// Signature is the prefill graph the prompt ran through.
	Signature string `json:"signature,omitempty"`
}

// TokenDelta is one streamed fragment. The last delta of a stream carries
// the final Result and no Token.
type TokenDelta struct {
	Token  string
	Index  int
	Result *GenerateResult
}

// Generator is the interface for text generation models.
type Generator interface {
	// Generate produces a completion for prompt. A cancelled ctx returns
	// the partial result together with the context error.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (*GenerateResult, error)

	// Close releases any resources held by the generator.
	Close() error
}

// StreamingGenerator extends Generator with streaming support.
//
//	if sg, ok := generator.(StreamingGenerator); ok {
//	    tokens, errs, err := sg.GenerateStream(ctx, prompt, opts)
//	    // consume tokens channel
//	}
type StreamingGenerator interface {
	Generator

	// GenerateStream produces fragments as they are decoded.
	// Returns:
	//   - tokens: channel of TokenDelta, closed when generation completes
	//   - errs: channel of errors during generation, closed when done
	//   - err: initialization error (if non-nil, channels are nil)
	GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (
		tokens <-chan TokenDelta,
		errs <-chan error,
		err error,
	)
}
