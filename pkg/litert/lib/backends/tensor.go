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

package backends

import "fmt"

// ConvertForInput casts the tensor's element type to the type the graph
// declares for that input. Integer inputs are converted between int32 and
// int64, float64 data is narrowed to float32. Data is copied only when a
// conversion is needed.
func ConvertForInput(t NamedTensor, want DataType) (NamedTensor, error) {
	if n := t.Shape.NumElements(); n >= 0 && n != dataLen(t.Data) {
		return NamedTensor{}, fmt.Errorf("tensor %s: shape %s needs %d elements, got %d",
			t.Name, t.Shape, n, dataLen(t.Data))
	}

	out := t
	switch want {
	case DataTypeInt32:
		switch data := t.Data.(type) {
		case []int32:
		case []int64:
			conv := make([]int32, len(data))
			for i, v := range data {
				conv[i] = int32(v)
			}
			out.Data = conv
		case []int:
			conv := make([]int32, len(data))
			for i, v := range data {
				conv[i] = int32(v)
			}
			out.Data = conv
		default:
			return NamedTensor{}, fmt.Errorf("tensor %s: cannot feed %T as int32", t.Name, t.Data)
		}
	case DataTypeInt64:
		switch data := t.Data.(type) {
		case []int64:
		case []int32:
			conv := make([]int64, len(data))
			for i, v := range data {
				conv[i] = int64(v)
			}
			out.Data = conv
		case []int:
			conv := make([]int64, len(data))
			for i, v := range data {
				conv[i] = int64(v)
			}
			out.Data = conv
		default:
			return NamedTensor{}, fmt.Errorf("tensor %s: cannot feed %T as int64", t.Name, t.Data)
		}
	case DataTypeFloat32, DataTypeFloat16:
		// float16 inputs are fed as float32; engines that need half precision
		// cast inside the graph.
		switch data := t.Data.(type) {
		case []float32:
		case []float64:
			conv := make([]float32, len(data))
			for i, v := range data {
				conv[i] = float32(v)
			}
			out.Data = conv
		default:
			return NamedTensor{}, fmt.Errorf("tensor %s: cannot feed %T as float", t.Name, t.Data)
		}
	case DataTypeBool:
		if _, ok := t.Data.([]bool); !ok {
			return NamedTensor{}, fmt.Errorf("tensor %s: cannot feed %T as bool", t.Name, t.Data)
		}
	default:
		return NamedTensor{}, fmt.Errorf("tensor %s: unsupported data type %q", t.Name, want)
	}
	return out, nil
}

func dataLen(data interface{}) int {
	switch d := data.(type) {
	case []float32:
		return len(d)
	case []float64:
		return len(d)
	case []int64:
		return len(d)
	case []int32:
		return len(d)
	case []int:
		return len(d)
	case []bool:
		return len(d)
	default:
		return -1
	}
}

// inputsByName indexes a session's inputs and checks that every declared
// input is present.
func inputsByName(declared []TensorInfo, inputs []NamedTensor) ([]NamedTensor, error) {
	byName := make(map[string]NamedTensor, len(inputs))
	for _, in := range inputs {
		byName[in.Name] = in
	}
	ordered := make([]NamedTensor, len(declared))
	for i, info := range declared {
		in, ok := byName[info.Name]
		if !ok {
			return nil, fmt.Errorf("missing input tensor: %s", info.Name)
		}
		conv, err := ConvertForInput(in, info.DataType)
		if err != nil {
			return nil, err
		}
		ordered[i] = conv
	}
	return ordered, nil
}
