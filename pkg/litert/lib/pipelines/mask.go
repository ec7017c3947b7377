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
	"math"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/backends"
)

// BuildMask returns an additive attention mask of the given shape. Over the
// last two axes, element (i, j) is 0 when j < i+k and -Inf otherwise; leading
// axes repeat the same block. Prefill uses k=1, a decode step at position p
// uses k=p+1.
func BuildMask(shape backends.Shape, k int) (backends.NamedTensor, error) {
	n := shape.NumElements()
	if n < 0 || len(shape) == 0 {
		return backends.NamedTensor{}, &ShapeMismatchError{Tensor: InputMask, Got: shape,
			Reason: "mask shape must be static"}
	}

	rows, cols := 1, int(shape[len(shape)-1])
	if len(shape) >= 2 {
		rows = int(shape[len(shape)-2])
	}
	data := make([]float32, n)
	negInf := float32(math.Inf(-1))
	block := rows * cols
	for off := 0; off < n; off += block {
		for i := 0; i < rows; i++ {
			row := data[off+i*cols : off+(i+1)*cols]
			for j := range row {
				if j >= i+k {
					row[j] = negInf
				}
			}
		}
	}
	return backends.NamedTensor{Name: InputMask, Shape: shape.Clone(), Data: data}, nil
}
