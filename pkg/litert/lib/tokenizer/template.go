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

// NoTokenID marks an unset token id.
const NoTokenID = -1

// PromptTemplate wraps a single-turn user prompt.
type PromptTemplate struct {
	// StartToken is prepended as a single vocabulary piece. Ignored when
	// StartTokenID is set.
	StartToken string
	// StartTokenID is prepended when >= 0. Use NoTokenID to leave it unset.
	StartTokenID int
	Prefix       string
	Suffix       string
	// StopTokens are extra pieces that end generation.
	StopTokens []string
}

// EmptyTemplate passes prompts through unchanged.
func EmptyTemplate() PromptTemplate {
	return PromptTemplate{StartTokenID: NoTokenID}
}

// Wrap returns prompt with the prefix and suffix applied.
func (t PromptTemplate) Wrap(prompt string) string {
	return t.Prefix + prompt + t.Suffix
}

// HasStart reports whether the template adds a start token.
func (t PromptTemplate) HasStart() bool {
	return t.StartTokenID >= 0 || t.StartToken != ""
}
