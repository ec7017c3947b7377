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

package taskbundle

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/tokenizer"
)

// LlmParameters field numbers.
const (
	fieldStartToken      protowire.Number = 4
	fieldStopTokens      protowire.Number = 5
	fieldPromptTemplate  protowire.Number = 6
	fieldStartTokenID    protowire.Number = 7
	fieldPromptTemplates protowire.Number = 8

	fieldPromptPrefix protowire.Number = 1
	fieldPromptSuffix protowire.Number = 2

	fieldUserTemplate protowire.Number = 1
)

// TemplateParts is a prompt prefix and suffix.
type TemplateParts struct {
	Prefix string
	Suffix string
}

// LlmParameters is the subset of the bundle metadata used for generation.
type LlmParameters struct {
	StartToken string
	// StartTokenID is tokenizer.NoTokenID when absent.
	StartTokenID int
	StopTokens   []string
	// LegacyTemplate is the deprecated single prompt_template field.
	LegacyTemplate *TemplateParts
	// UserTemplate is prompt_templates.user_template.
	UserTemplate *TemplateParts
}

// ParseLlmParameters decodes a serialized LlmParameters message. Unknown
// fields are skipped.
func ParseLlmParameters(data []byte) (*LlmParameters, error) {
	p := &LlmParameters{StartTokenID: tokenizer.NoTokenID}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldStartToken && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			p.StartToken = v
			return n, nil
		case num == fieldStopTokens && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n >= 0 {
				p.StopTokens = append(p.StopTokens, v)
			}
			return n, nil
		case num == fieldStartTokenID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.StartTokenID = int(int32(v))
			return n, nil
		case num == fieldPromptTemplate && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			parts, err := parseTemplateParts(v)
			p.LegacyTemplate = parts
			return n, err
		case num == fieldPromptTemplates && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			parts, err := parseUserTemplate(v)
			p.UserTemplate = parts
			return n, err
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", EntryMetadata, err)
	}
	return p, nil
}

func parseTemplateParts(data []byte) (*TemplateParts, error) {
	t := &TemplateParts{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.BytesType && (num == fieldPromptPrefix || num == fieldPromptSuffix) {
			v, n := protowire.ConsumeString(b)
			if num == fieldPromptPrefix {
				t.Prefix = v
			} else {
				t.Suffix = v
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return t, err
}

func parseUserTemplate(data []byte) (*TemplateParts, error) {
	var user *TemplateParts
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == fieldUserTemplate && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			parts, err := parseTemplateParts(v)
			user = parts
			return n, err
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err == nil && user == nil {
		// A present but empty prompt_templates still selects the new format.
		user = &TemplateParts{}
	}
	return user, err
}

// walk calls fn for every field of a message. fn consumes the value and
// returns its length, negative on malformed input.
func walk(data []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		data = data[m:]
	}
	return nil
}

// PromptTemplate builds the tokenizer template. prompt_templates wins over
// the legacy prompt_template; with neither only the start token is used.
func (p *LlmParameters) PromptTemplate() tokenizer.PromptTemplate {
	t := tokenizer.PromptTemplate{
		StartToken:   p.StartToken,
		StartTokenID: p.StartTokenID,
		StopTokens:   append([]string(nil), p.StopTokens...),
	}
	parts := p.UserTemplate
	if parts == nil {
		parts = p.LegacyTemplate
	}
	if parts != nil {
		t.Prefix = parts.Prefix
		t.Suffix = parts.Suffix
	}
	return t
}

// PromptTemplate reads the bundle metadata and returns its prompt template.
func (b *Bundle) PromptTemplate() (tokenizer.PromptTemplate, error) {
	p, err := b.Metadata()
	if err != nil {
		return tokenizer.PromptTemplate{}, err
	}
	return p.PromptTemplate(), nil
}
