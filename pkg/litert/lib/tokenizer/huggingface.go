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
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/gomlx/go-huggingface/tokenizers/hftokenizer"
	"go.uber.org/zap"
)

const (
	tokenizerJSONFile    = "tokenizer.json"
	tokenizerConfigFile  = "tokenizer_config.json"
	generationConfigFile = "generation_config.json"
	sentencePieceFile    = "tokenizer.model"
)

// LoadDir loads the tokenizer of a local model directory. tokenizer.json is
// preferred over a SentencePiece tokenizer.model. End token ids listed in
// generation_config.json are honoured. A chat_template in
// tokenizer_config.json is not evaluated; template wraps prompts instead.
func LoadDir(dir string, template PromptTemplate, opts ...Option) (*Tokenizer, error) {
	if hasChatTemplate(filepath.Join(dir, tokenizerConfigFile)) {
		resolveOptions(opts).logger.Info("Ignoring chat_template from tokenizer config, using prompt template",
			zap.String("dir", dir),
			zap.String("prefix", template.Prefix))
	}
	if ids, err := generationEndIDs(filepath.Join(dir, generationConfigFile)); err != nil {
		return nil, err
	} else if len(ids) > 0 {
		opts = append(opts, WithEndTokenIDs(ids...))
	}

	if _, err := os.Stat(filepath.Join(dir, tokenizerJSONFile)); err == nil {
		raw, err := loadHuggingFace(dir)
		if err != nil {
			return nil, err
		}
		return New(raw, template, opts...)
	}
	spPath := filepath.Join(dir, sentencePieceFile)
	if _, err := os.Stat(spPath); err == nil {
		return LoadSentencePiece(spPath, template, opts...)
	}
	return nil, fmt.Errorf("no tokenizer found in %s (expected %s or %s)", dir, tokenizerJSONFile, sentencePieceFile)
}

func loadHuggingFace(dir string) (tokenizers.Tokenizer, error) {
	var config *api.Config
	configPath := filepath.Join(dir, tokenizerConfigFile)
	if _, err := os.Stat(configPath); err == nil {
		// Normalize the config to handle HuggingFace AddedToken objects
		normalizedContent, err := normalizeTokenizerConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("normalizing tokenizer config: %w", err)
		}
		config, err = api.ParseConfigContent(normalizedContent)
		if err != nil {
			return nil, fmt.Errorf("parsing tokenizer config: %w", err)
		}
		config.ConfigFile = configPath
	}

	if rustTokenizerAvailable() {
		if tok, err := loadRustTokenizer(dir, config); err == nil && tok != nil {
			return tok, nil
		}
	}

	tok, err := hftokenizer.NewFromFile(config, filepath.Join(dir, tokenizerJSONFile))
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", tokenizerJSONFile, err)
	}
	return tok, nil
}

// normalizeTokenizerConfig reads a tokenizer_config.json file and normalizes
// HuggingFace AddedToken objects to plain strings.
// Some HuggingFace models use {"__type": "AddedToken", "content": "<s>"} format
// instead of plain strings for special tokens.
func normalizeTokenizerConfig(configPath string) ([]byte, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var raw map[string]any
	if err := sonic.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("parsing config JSON: %w", err)
	}

	tokenFields := []string{
		"bos_token", "eos_token", "pad_token", "unk_token",
		"cls_token", "sep_token", "mask_token",
	}
	for _, field := range tokenFields {
		if val, ok := raw[field]; ok {
			raw[field] = extractTokenContent(val)
		}
	}
	return sonic.Marshal(raw)
}

// extractTokenContent extracts the token string from either a plain string
// or a HuggingFace AddedToken object.
func extractTokenContent(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		if content, ok := val["content"].(string); ok {
			return content
		}
	}
	return ""
}

// hasChatTemplate reports whether a tokenizer_config.json carries a
// non-empty chat_template. Unreadable files count as having none.
func hasChatTemplate(configPath string) bool {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return false
	}
	var cfg struct {
		ChatTemplate any `json:"chat_template"`
	}
	if err := sonic.Unmarshal(content, &cfg); err != nil {
		return false
	}
	switch v := cfg.ChatTemplate.(type) {
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	}
	return false
}

// generationEndIDs reads eos_token_id from generation_config.json, which
// holds either a single id or a list. A missing file yields no ids.
func generationEndIDs(path string) ([]int, error) {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg struct {
		EOS any `json:"eos_token_id"`
	}
	if err := sonic.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	switch v := cfg.EOS.(type) {
	case float64:
		return []int{int(v)}, nil
	case []any:
		ids := make([]int, 0, len(v))
		for _, e := range v {
			if f, ok := e.(float64); ok {
				ids = append(ids, int(f))
			}
		}
		return ids, nil
	}
	return nil, nil
}
