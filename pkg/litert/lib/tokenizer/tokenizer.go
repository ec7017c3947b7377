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

// Package tokenizer adapts SentencePiece, HuggingFace and tiktoken
// tokenizers to the generation pipeline, adding prompt templates and end
// token detection.
package tokenizer

import (
	"fmt"
	"slices"
	"sort"

	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"go.uber.org/zap"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/pipelines"
)

// pieceLookup is implemented by backends that can map a vocabulary piece
// straight to its id without running it through the encoder.
type pieceLookup interface {
	PieceID(piece string) (int, bool)
}

// Tokenizer is a raw tokenizer plus the prompt template and end tokens of
// one model.
type Tokenizer struct {
	raw      tokenizers.Tokenizer
	template PromptTemplate
	startIDs []int
	endIDs   map[int]struct{}
	logger   *zap.Logger
}

var _ pipelines.Tokenizer = (*Tokenizer)(nil)

// Option configures a Tokenizer.
type Option func(*options)

type options struct {
	endIDs     []int
	stopPieces []string
	logger     *zap.Logger
}

// WithEndTokenIDs adds ids that end generation.
func WithEndTokenIDs(ids ...int) Option {
	return func(o *options) {
		o.endIDs = append(o.endIDs, ids...)
	}
}

// WithStopPieces adds vocabulary pieces that end generation. Pieces missing
// from the vocabulary are ignored.
func WithStopPieces(pieces ...string) Option {
	return func(o *options) {
		o.stopPieces = append(o.stopPieces, pieces...)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func resolveOptions(opts []Option) *options {
	o := &options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

// New wraps raw with template. The end of sentence id reported by raw is
// always an end token.
func New(raw tokenizers.Tokenizer, template PromptTemplate, opts ...Option) (*Tokenizer, error) {
	if raw == nil {
		return nil, fmt.Errorf("tokenizer backend is nil")
	}
	o := resolveOptions(opts)

	t := &Tokenizer{
		raw:      raw,
		template: template,
		endIDs:   make(map[int]struct{}),
		logger:   o.logger,
	}

	switch {
	case template.StartTokenID >= 0:
		t.startIDs = []int{template.StartTokenID}
	case template.StartToken != "":
		id, ok := t.lookup(template.StartToken)
		if !ok {
			return nil, fmt.Errorf("start token %q is not a single vocabulary piece", template.StartToken)
		}
		t.startIDs = []int{id}
	}

	if id, err := raw.SpecialTokenID(api.TokEndOfSentence); err == nil && id >= 0 {
		t.endIDs[id] = struct{}{}
	}
	for _, id := range o.endIDs {
		if id >= 0 {
			t.endIDs[id] = struct{}{}
		}
	}
	for _, piece := range slices.Concat(template.StopTokens, o.stopPieces) {
		id, ok := t.lookup(piece)
		if !ok {
			o.logger.Debug("Stop token not in vocabulary", zap.String("piece", piece))
			continue
		}
		t.endIDs[id] = struct{}{}
	}
	if len(t.endIDs) == 0 {
		o.logger.Warn("Tokenizer has no end tokens, generation only stops on budget or capacity")
	}
	return t, nil
}

func (t *Tokenizer) lookup(piece string) (int, bool) {
	if pl, ok := t.raw.(pieceLookup); ok {
		return pl.PieceID(piece)
	}
	ids := t.raw.Encode(piece)
	if len(ids) != 1 {
		return 0, false
	}
	return ids[0], true
}

// Encode returns the ids of text without any template.
func (t *Tokenizer) Encode(text string) []int {
	return t.raw.Encode(text)
}

// EncodeWithTemplate returns the start token followed by the ids of the
// wrapped prompt.
func (t *Tokenizer) EncodeWithTemplate(prompt string) ([]int, error) {
	ids := append([]int(nil), t.startIDs...)
	return append(ids, t.raw.Encode(t.template.Wrap(prompt))...), nil
}

// DecodeOne decodes a single id. End tokens decode to the empty string.
func (t *Tokenizer) DecodeOne(id int) string {
	if t.IsEnd(id) {
		return ""
	}
	return t.raw.Decode([]int{id})
}

// Decode decodes a sequence of ids.
func (t *Tokenizer) Decode(ids []int) string {
	return t.raw.Decode(ids)
}

// IsEnd reports whether id ends generation.
func (t *Tokenizer) IsEnd(id int) bool {
	_, ok := t.endIDs[id]
	return ok
}

// EndTokenIDs returns the end token ids in ascending order.
func (t *Tokenizer) EndTokenIDs() []int {
	ids := make([]int, 0, len(t.endIDs))
	for id := range t.endIDs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Template returns the prompt template.
func (t *Tokenizer) Template() PromptTemplate {
	return t.template
}

// Close releases backend resources when the backend holds any.
func (t *Tokenizer) Close() error {
	if c, ok := t.raw.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
