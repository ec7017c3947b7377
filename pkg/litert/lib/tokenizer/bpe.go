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

package tokenizer

import (
	"fmt"

	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultBPEEncoding is used when a tiktoken reference names no encoding.
const DefaultBPEEncoding = "cl100k_base"

const bpeEndOfText = "<|endoftext|>"

func init() {
	// Set the offline loader for tiktoken to avoid network requests
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// bpeTokenizer uses OpenAI's tiktoken BPE tokenization.
type bpeTokenizer struct {
	tiktoken *tiktoken.Tiktoken
}

var (
	_ tokenizers.Tokenizer = (*bpeTokenizer)(nil)
	_ pieceLookup          = (*bpeTokenizer)(nil)
)

// LoadBPE creates a tiktoken tokenizer from the embedded dictionaries.
// Supported encodings include "cl100k_base", "o200k_base", "p50k_base"
// and "r50k_base".
func LoadBPE(encoding string, template PromptTemplate, opts ...Option) (*Tokenizer, error) {
	if encoding == "" {
		encoding = DefaultBPEEncoding
	}
	tk, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding %q: %w", encoding, err)
	}
	return New(&bpeTokenizer{tiktoken: tk}, template, opts...)
}

func (t *bpeTokenizer) Encode(text string) []int {
	if text == "" {
		return nil
	}
	return t.tiktoken.Encode(text, nil, nil)
}

func (t *bpeTokenizer) Decode(ids []int) string {
	return t.tiktoken.Decode(ids)
}

// PieceID resolves special tokens such as <|endoftext|>, which the plain
// encoder refuses.
func (t *bpeTokenizer) PieceID(piece string) (int, bool) {
	ids := t.tiktoken.Encode(piece, []string{piece}, nil)
	if len(ids) != 1 {
		return 0, false
	}
	return ids[0], true
}

func (t *bpeTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	if token != api.TokEndOfSentence {
		return 0, fmt.Errorf("unknown special token: %s (%d)", token, int(token))
	}
	id, ok := t.PieceID(bpeEndOfText)
	if !ok {
		return 0, fmt.Errorf("encoding defines no %s", bpeEndOfText)
	}
	return id, nil
}
