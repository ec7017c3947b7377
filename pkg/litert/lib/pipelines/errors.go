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

import (
	"errors"
	"fmt"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/backends"
)

// ErrEmptyPrompt is returned when the tokenizer yields no ids for a prompt,
// leaving nothing to seed the decode loop with.
var ErrEmptyPrompt = errors.New("prompt encodes to zero tokens")

// NoSuitableGraphError reports that no prefill variant accepts the requested
// number of tokens.
type NoSuitableGraphError struct {
	Largest   int
	Smallest  int
	Requested int
}

func (e *NoSuitableGraphError) Error() string {
	return fmt.Sprintf("the largest prefill length supported is %d (smallest %d), but the prompt has %d tokens",
		e.Largest, e.Smallest, e.Requested)
}

// UninitializedComponentError signals an operation invoked before the state
// it depends on was set up. It indicates a caller bug.
type UninitializedComponentError struct {
	Component string
}

func (e *UninitializedComponentError) Error() string {
	return fmt.Sprintf("%s is not initialized", e.Component)
}

// EngineInvocationError wraps a failure of the execution engine while running
// a signature.
type EngineInvocationError struct {
	Signature string
	Err       error
}

func (e *EngineInvocationError) Error() string {
	return fmt.Sprintf("running signature %s: %v", e.Signature, e.Err)
}

func (e *EngineInvocationError) Unwrap() error {
	return e.Err
}

// ShapeMismatchError reports a tensor whose shape or presence differs from
// what the graph declared.
type ShapeMismatchError struct {
	Tensor string
	Want   backends.Shape
	Got    backends.Shape
	Reason string
}

func (e *ShapeMismatchError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("tensor %s: %s", e.Tensor, e.Reason)
	}
	return fmt.Sprintf("tensor %s: expected shape %s, got %s", e.Tensor, e.Want, e.Got)
}
