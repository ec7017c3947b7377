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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoTokenizer is returned when a model has no bundled tokenizer and no
// tokenizer location was given.
var ErrNoTokenizer = errors.New("no tokenizer available: the model bundles none and no tokenizer location was given")

// BPEPrefix selects a tiktoken encoding, as in "tiktoken:o200k_base".
const BPEPrefix = "tiktoken:"

// Load resolves a tokenizer location:
//
//   - "tiktoken:<encoding>" loads an embedded BPE encoding
//   - a directory loads tokenizer.json or tokenizer.model from it
//   - a tokenizer.json file loads its directory
//   - any other file is read as a SentencePiece model
func Load(location string, template PromptTemplate, opts ...Option) (*Tokenizer, error) {
	if location == "" {
		return nil, ErrNoTokenizer
	}
	if enc, ok := strings.CutPrefix(location, BPEPrefix); ok {
		return LoadBPE(enc, template, opts...)
	}

	info, err := os.Stat(location)
	if err != nil {
		return nil, fmt.Errorf("tokenizer location %s: %w", location, err)
	}
	switch {
	case info.IsDir():
		return LoadDir(location, template, opts...)
	case filepath.Base(location) == tokenizerJSONFile:
		return LoadDir(filepath.Dir(location), template, opts...)
	default:
		return LoadSentencePiece(location, template, opts...)
	}
}
