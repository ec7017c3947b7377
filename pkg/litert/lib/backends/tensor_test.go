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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertForInput(t *testing.T) {
	tests := []struct {
		name    string
		in      NamedTensor
		want    DataType
		expect  interface{}
		wantErr bool
	}{
		{
			name:   "int32 to int64",
			in:     NamedTensor{Name: "tokens", Shape: Shape{1, 2}, Data: []int32{3, 4}},
			want:   DataTypeInt64,
			expect: []int64{3, 4},
		},
		{
			name:   "int64 to int32",
			in:     NamedTensor{Name: "input_pos", Shape: Shape{2}, Data: []int64{0, 1}},
			want:   DataTypeInt32,
			expect: []int32{0, 1},
		},
		{
			name:   "int to int32",
			in:     NamedTensor{Name: "input_pos", Shape: Shape{1}, Data: []int{9}},
			want:   DataTypeInt32,
			expect: []int32{9},
		},
		{
			name:   "float passthrough",
			in:     NamedTensor{Name: "mask", Shape: Shape{2}, Data: []float32{0, 1}},
			want:   DataTypeFloat32,
			expect: []float32{0, 1},
		},
		{
			name:   "float16 fed as float32",
			in:     NamedTensor{Name: "mask", Shape: Shape{1}, Data: []float64{0.5}},
			want:   DataTypeFloat16,
			expect: []float32{0.5},
		},
		{
			name:    "shape mismatch",
			in:      NamedTensor{Name: "tokens", Shape: Shape{1, 3}, Data: []int32{1}},
			want:    DataTypeInt32,
			wantErr: true,
		},
		{
			name:    "float as int",
			in:      NamedTensor{Name: "tokens", Shape: Shape{1}, Data: []float32{1}},
			want:    DataTypeInt64,
			wantErr: true,
		},
		{
			name:    "bool mismatch",
			in:      NamedTensor{Name: "flag", Shape: Shape{1}, Data: []int32{1}},
			want:    DataTypeBool,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ConvertForInput(tt.in, tt.want)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expect, got.Data)
			assert.Equal(t, tt.in.Shape, got.Shape)
		})
	}
}

func TestShape(t *testing.T) {
	s := Shape{1, 4, 8}
	assert.Equal(t, "[1,4,8]", s.String())
	assert.Equal(t, 32, s.NumElements())
	assert.True(t, s.IsStatic())
	assert.Equal(t, -1, Shape{1, -1}.NumElements())
	assert.False(t, Shape{1, -1}.IsStatic())
	assert.Equal(t, 0, Shape{0, 4}.NumElements())

	c := s.Clone()
	c[0] = 2
	assert.False(t, s.Equal(c))
	assert.True(t, s.Equal(Shape{1, 4, 8}))
}

func TestNamedTensorFloat32s(t *testing.T) {
	f, err := NamedTensor{Name: "logits", Data: []float32{1, 2}}.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, f)

	_, err = NamedTensor{Name: "tokens", Data: []int32{1}}.Float32s()
	require.Error(t, err)
}

func TestFlattenValue(t *testing.T) {
	got, err := flattenValue[float32]([][][]float32{{{1, 2}}, {{3, 4}}})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, got)

	scalar, err := flattenValue[int64](int64(7))
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, scalar)

	_, err = flattenValue[float32]("nope")
	require.Error(t, err)
}
