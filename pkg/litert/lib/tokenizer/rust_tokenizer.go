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

//go:build onnx && ORT

package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/daulet/tokenizers"
	goTokenizers "github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
)

// rustTokenizer wraps the Rust HuggingFace tokenizers library, which ships
// alongside ONNX Runtime builds.
type rustTokenizer struct {
	tk     *tokenizers.Tokenizer
	config *api.Config
}

var _ goTokenizers.Tokenizer = (*rustTokenizer)(nil)

func loadRustTokenizer(dir string, config *api.Config) (goTokenizers.Tokenizer, error) {
	data, err := os.ReadFile(filepath.Join(dir, tokenizerJSONFile))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", tokenizerJSONFile, err)
	}
	tk, err := tokenizers.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("loading Rust tokenizer: %w", err)
	}
	return &rustTokenizer{tk: tk, config: config}, nil
}

func (t *rustTokenizer) Encode(text string) []int {
	output := t.tk.EncodeWithOptions(text, true)
	result := make([]int, len(output.IDs))
	for i, id := range output.IDs {
		result[i] = int(id)
	}
	return result
}

func (t *rustTokenizer) Decode(ids []int) string {
	uids := make([]uint32, len(ids))
	for i, id := range ids {
		uids[i] = uint32(id)
	}
	return t.tk.Decode(uids, true)
}

// PieceID encodes piece without special token post-processing.
func (t *rustTokenizer) PieceID(piece string) (int, bool) {
	output := t.tk.EncodeWithOptions(piece, false)
	if len(output.IDs) != 1 {
		return 0, false
	}
	return int(output.IDs[0]), true
}

func (t *rustTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	if t.config == nil {
		return 0, fmt.Errorf("no tokenizer config available")
	}
	var tokenStr string
	switch token {
	case api.TokUnknown:
		tokenStr = t.config.UnkToken
	case api.TokPad:
		tokenStr = t.config.PadToken
	case api.TokBeginningOfSentence:
		tokenStr = t.config.BosToken
	case api.TokEndOfSentence:
		tokenStr = t.config.EosToken
	default:
		return 0, fmt.Errorf("unknown special token: %s (%d)", token, int(token))
	}
	if tokenStr == "" {
		return 0, fmt.Errorf("special token %s not defined in config", token)
	}
	id, ok := t.PieceID(tokenStr)
	if !ok {
		return 0, fmt.Errorf("special token %s not found in vocabulary", tokenStr)
	}
	return id, nil
}

func (t *rustTokenizer) Close() error {
	if t.tk != nil {
		return t.tk.Close()
	}
	return nil
}

// rustTokenizerAvailable reports whether tokenizer.json files go through the
// Rust library. Set TOKENIZER_BACKEND=go to force the pure Go tokenizer.
func rustTokenizerAvailable() bool {
	return os.Getenv("TOKENIZER_BACKEND") != "go"
}
