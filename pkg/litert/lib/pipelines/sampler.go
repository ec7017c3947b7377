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

import "github.com/ajroetker/go-highway/hwy/contrib/vec"

// Sampler picks the next token id from a logit vector.
type Sampler interface {
	Sample(logits []float32) int
}

// Greedy is deterministic arg-max sampling.
type Greedy struct{}

func (Greedy) Sample(logits []float32) int {
	return Argmax(logits)
}

// Argmax returns the index of the largest value, preferring the lowest index
// on ties. It returns -1 for an empty slice.
func Argmax(values []float32) int {
	if len(values) == 0 {
		return -1
	}
	// The SIMD kernel finds the maximum quickly but does not promise which
	// index it reports for repeated maxima, so resolve ties with a scan.
	best := int(vec.Argmax(values))
	top := values[best]
	for i := 0; i < best; i++ {
		if values[i] == top {
			return i
		}
	}
	return best
}
