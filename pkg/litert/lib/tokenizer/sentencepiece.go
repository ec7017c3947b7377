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

	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
)

// sentencePieceEndPieces are control pieces that end a turn in the chat
// formats shipped with SentencePiece models.
var sentencePieceEndPieces = []string{"<end_of_turn>", "<eos>", "</s>"}

// sentencepieceTokenizer wraps esentencepiece.Processor to implement tokenizers.Tokenizer.
type sentencepieceTokenizer struct {
	*esentencepiece.Processor
	Info *esentencepiece.ModelInfo
}

var (
	_ tokenizers.Tokenizer = (*sentencepieceTokenizer)(nil)
	_ pieceLookup          = (*sentencepieceTokenizer)(nil)
)

// LoadSentencePiece loads a SentencePiece model file such as the
// TOKENIZER_MODEL entry of a .task bundle.
func LoadSentencePiece(path string, template PromptTemplate, opts ...Option) (*Tokenizer, error) {
	proc, err := esentencepiece.NewProcessorFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("loading sentencepiece model %s: %w", path, err)
	}
	raw := &sentencepieceTokenizer{Processor: proc, Info: proc.ModelInfo()}
	opts = append([]Option{WithStopPieces(sentencePieceEndPieces...)}, opts...)
	return New(raw, template, opts...)
}

// Encode returns the text encoded into a sequence of token IDs.
func (t *sentencepieceTokenizer) Encode(text string) []int {
	tokens := t.Processor.Encode(text)
	result := make([]int, len(tokens))
	for i, tok := range tokens {
		result[i] = tok.ID
	}
	return result
}

// Decode returns the text from a sequence of token IDs.
func (t *sentencepieceTokenizer) Decode(ids []int) string {
	return t.Processor.Decode(ids)
}

// PieceID finds the id of a whole piece. Encoding a control piece like
// "<bos>" as text would otherwise split it into "<", "bos", ">".
func (t *sentencepieceTokenizer) PieceID(piece string) (int, bool) {
	id, found := 0, false
	for _, tok := range t.Processor.Encode(piece) {
		switch {
		case tok.Text == piece && !found:
			id, found = tok.ID, true
		case tok.Text == whitespacePiece:
			// dummy prefix
		default:
			return 0, false
		}
	}
	return id, found
}

const whitespacePiece = "▁"

// SpecialTokenID returns the ID for the given special token, or an error if unknown.
func (t *sentencepieceTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	var id int
	switch token {
	case api.TokUnknown:
		id = t.Info.UnknownID
	case api.TokPad:
		id = t.Info.PadID
	case api.TokBeginningOfSentence:
		id = t.Info.BeginningOfSentenceID
	case api.TokEndOfSentence:
		id = t.Info.EndOfSentenceID
	default:
		return 0, fmt.Errorf("unknown special token: %s (%d)", token, int(token))
	}
	if id < 0 {
		return 0, fmt.Errorf("model defines no %s token", token)
	}
	return id, nil
}
