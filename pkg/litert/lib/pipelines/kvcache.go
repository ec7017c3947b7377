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
	"sort"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/backends"
)

// Cache maps cache input names to their current tensors. Shapes come from
// the engine and are never interpreted here, so both K/V layouts work.
type Cache map[string]backends.NamedTensor

// Names returns the cache tensor names in sorted order.
func (c Cache) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllocateCache creates a zero float32 buffer for every cache input of v,
// using the declared shape.
func AllocateCache(v *GraphVariant) (Cache, error) {
	if v == nil {
		return nil, &UninitializedComponentError{Component: "prefill graph"}
	}
	cache := make(Cache, len(v.CacheNames))
	for _, name := range v.CacheNames {
		shape := v.Inputs[name].Shape
		n := shape.NumElements()
		if n < 0 {
			return nil, &ShapeMismatchError{Tensor: name, Got: shape, Reason: "cache shape has dynamic dimensions"}
		}
		cache[name] = backends.NamedTensor{
			Name:  name,
			Shape: shape.Clone(),
			Data:  make([]float32, n),
		}
	}
	return cache, nil
}

// MergeCache takes the tensors a step returned under the previous cache names
// as the new cache. Logits and any other outputs are dropped. The set of
// names and their shapes must not change.
func MergeCache(prev Cache, outputs map[string]backends.NamedTensor) (Cache, error) {
	if prev == nil {
		return nil, &UninitializedComponentError{Component: "kv cache"}
	}
	next := make(Cache, len(prev))
	for name, old := range prev {
		out, ok := outputs[name]
		if !ok {
			return nil, &ShapeMismatchError{Tensor: name, Want: old.Shape, Reason: "missing from step outputs"}
		}
		if !out.Shape.Equal(old.Shape) {
			return nil, &ShapeMismatchError{Tensor: name, Want: old.Shape, Got: out.Shape}
		}
		out.Name = name
		next[name] = out
	}
	return next, nil
}
