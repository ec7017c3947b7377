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

package pipelines

// StopReason is the state of the decode loop. Every state other than
// Running is terminal, and none of them is an error.
type StopReason int

const (
	Running StopReason = iota
	StoppedOnEndToken
	StoppedOnBudget
	StoppedOnCapacity
)

func (s StopReason) String() string {
	switch s {
	case Running:
		return "running"
	case StoppedOnEndToken:
		return "end_token"
	case StoppedOnBudget:
		return "budget"
	case StoppedOnCapacity:
		return "capacity"
	default:
		return "unknown"
	}
}

// MarshalText encodes the reason by name.
func (s StopReason) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// GenerationState is threaded between decode steps. It belongs to a single
// Generate call.
type GenerationState struct {
	// NextPosition is the absolute position of NextTokenID.
	NextPosition int
	NextTokenID  int
	Cache        Cache
}

// Result is the outcome of a Generate call. A Result is returned for every
// terminal state, including early stops.
type Result struct {
	Text       string
	StopReason StopReason

	// PromptTokens is the number of prompt ids after truncation.
	PromptTokens    int
	PrefillTokens   int
	GeneratedTokens int
	TokenIDs        []int

	// Truncated is set when the prompt was cut from the left to fit.
	Truncated        bool
	PrefillSignature string
}
