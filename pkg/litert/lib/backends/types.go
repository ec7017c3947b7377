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

// Package backends is the execution engine behind the generation pipelines.
//
// A compiled model is a set of named signatures (for example prefill_32,
// prefill_128 and decode), each one a fixed-shape graph. Backends turn graph
// files into Sessions; an Interpreter groups the sessions of one model and
// exposes them by signature name.
//
// Available backends:
//   - GoMLX (Go): always available, runs ONNX graphs through onnx-gomlx
//   - GoMLX (XLA): hardware accelerated via PJRT, requires -tags="xla,XLA"
//   - ONNX Runtime: fastest CPU/CUDA inference, requires -tags="onnx,ORT"
//
// Backend selection at runtime follows a configurable priority order
// (default: ONNX > XLA > Go).
package backends

import (
	"fmt"
	"strings"
)

// BackendType identifies the inference backend
type BackendType string

const (
	// BackendONNX is the ONNX Runtime backend - fast CPU/GPU inference
	BackendONNX BackendType = "onnx"

	// BackendXLA is the GoMLX backend with XLA engine (hardware accelerated via PJRT)
	BackendXLA BackendType = "xla"

	// BackendGo is the GoMLX backend with pure Go engine (no CGO)
	BackendGo BackendType = "go"
)

// DeviceType identifies the hardware device for inference
type DeviceType string

const (
	DeviceAuto DeviceType = "auto"
	DeviceCUDA DeviceType = "cuda"
	DeviceTPU  DeviceType = "tpu"
	DeviceCPU  DeviceType = "cpu"
)

// GPUMode controls how GPU acceleration is enabled.
type GPUMode string

const (
	GPUModeAuto GPUMode = "auto" // Auto-detect GPU availability
	GPUModeTpu  GPUMode = "tpu"  // Force TPU
	GPUModeCuda GPUMode = "cuda" // Force CUDA
	GPUModeOff  GPUMode = "off"  // CPU only
)

// ToGPUMode converts DeviceType to GPUMode.
func (d DeviceType) ToGPUMode() GPUMode {
	switch d {
	case DeviceCUDA:
		return GPUModeCuda
	case DeviceTPU:
		return GPUModeTpu
	case DeviceCPU:
		return GPUModeOff
	default:
		return GPUModeAuto
	}
}

// BackendSpec combines a backend type with a device specification.
type BackendSpec struct {
	Backend BackendType
	Device  DeviceType
}

// String returns the string representation (e.g., "onnx:cuda" or "go")
func (s BackendSpec) String() string {
	if s.Device == DeviceAuto || s.Device == "" {
		return string(s.Backend)
	}
	return string(s.Backend) + ":" + string(s.Device)
}

// GPUInfo contains information about the detected accelerator
type GPUInfo struct {
	Available  bool   `json:"available"`
	Type       string `json:"type"` // "cuda", "tpu", "none"
	DeviceName string `json:"device_name,omitempty"`
	DriverVer  string `json:"driver_version,omitempty"`
}

// Shape represents tensor dimensions. Dynamic dimensions are reported as -1.
type Shape []int64

// String returns a string representation of the shape.
func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// NumElements returns the product of all dimensions, or -1 when any
// dimension is dynamic.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		if d < 0 {
			return -1
		}
		n *= int(d)
	}
	return n
}

// IsStatic reports whether every dimension is known.
func (s Shape) IsStatic() bool {
	return s.NumElements() >= 0
}

// Equal reports whether two shapes have the same dimensions.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	out := make(Shape, len(s))
	copy(out, s)
	return out
}
