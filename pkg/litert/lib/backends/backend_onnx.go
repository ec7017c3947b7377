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

//go:build onnx && ORT

package backends

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

func init() {
	RegisterBackend(&onnxBackend{})
}

// onnxBackend runs signature graphs with ONNX Runtime.
//
// The shared library is located through ONNXRUNTIME_ROOT or the platform
// library path. CGO must be enabled.
type onnxBackend struct {
	gpuMode   GPUMode
	gpuModeMu sync.RWMutex

	cudaEnabled     bool
	cudaEnabledOnce sync.Once

	initOnce sync.Once
	initErr  error
}

func (b *onnxBackend) Type() BackendType {
	return BackendONNX
}

func (b *onnxBackend) Name() string {
	if b.useCUDA() {
		return "ONNX Runtime (CUDA)"
	}
	return "ONNX Runtime (CPU)"
}

// Available is always true: the build tags only include this file when
// ONNX Runtime is linked in.
func (b *onnxBackend) Available() bool {
	return true
}

func (b *onnxBackend) Priority() int {
	return 10
}

func (b *onnxBackend) SessionFactory() SessionFactory {
	return &onnxSessionFactory{backend: b}
}

func (b *onnxBackend) init() error {
	b.initOnce.Do(func() {
		if libPath := onnxLibraryPath(); libPath != "" {
			ort.SetSharedLibraryPath(filepath.Join(libPath, onnxLibraryName()))
		}
		b.initErr = ort.InitializeEnvironment()
	})
	return b.initErr
}

// onnxLibraryPath returns the directory containing libonnxruntime, checking
// ONNXRUNTIME_ROOT before LD_LIBRARY_PATH (DYLD_LIBRARY_PATH on macOS).
func onnxLibraryPath() string {
	libName := onnxLibraryName()

	if root := os.Getenv("ONNXRUNTIME_ROOT"); root != "" {
		platform := runtime.GOOS + "-" + runtime.GOARCH
		for _, dir := range []string{filepath.Join(root, platform, "lib"), filepath.Join(root, "lib")} {
			if _, err := os.Stat(filepath.Join(dir, libName)); err == nil {
				return dir
			}
		}
	}

	ldPath := os.Getenv("LD_LIBRARY_PATH")
	if runtime.GOOS == "darwin" {
		if dyld := os.Getenv("DYLD_LIBRARY_PATH"); dyld != "" {
			ldPath = dyld
		}
	}
	for _, dir := range filepath.SplitList(ldPath) {
		if _, err := os.Stat(filepath.Join(dir, libName)); err == nil {
			return dir
		}
	}
	return ""
}

func onnxLibraryName() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

// SetGPUMode must be called before any session is created to take effect.
func (b *onnxBackend) SetGPUMode(mode GPUMode) {
	b.gpuModeMu.Lock()
	defer b.gpuModeMu.Unlock()
	b.gpuMode = mode
}

func (b *onnxBackend) getGPUMode() GPUMode {
	b.gpuModeMu.RLock()
	defer b.gpuModeMu.RUnlock()
	if b.gpuMode == "" {
		return GPUModeAuto
	}
	return b.gpuMode
}

func (b *onnxBackend) useCUDA() bool {
	b.cudaEnabledOnce.Do(func() {
		b.cudaEnabled = ShouldUseGPU(b.getGPUMode())
	})
	return b.cudaEnabled
}

type onnxSessionFactory struct {
	backend *onnxBackend
}

func (f *onnxSessionFactory) CreateSession(modelPath string, opts ...SessionOption) (Session, error) {
	if err := f.backend.init(); err != nil {
		return nil, fmt.Errorf("initializing ONNX Runtime: %w", err)
	}
	cfg := ApplySessionOptions(opts...)

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("reading graph info: %w", err)
	}
	inputNames, inputInfo := ortTensorInfo(inputs)
	outputNames, outputInfo := ortTensorInfo(outputs)

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}
	if cfg.NumThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			_ = sessionOpts.Destroy()
			return nil, fmt.Errorf("setting thread count: %w", err)
		}
	}

	gpuMode := cfg.GPUMode
	if gpuMode == "" {
		gpuMode = f.backend.getGPUMode()
	}
	if gpuMode == GPUModeCuda || (gpuMode == GPUModeAuto && f.backend.useCUDA()) {
		if cudaOpts, err := ort.NewCUDAProviderOptions(); err == nil {
			// CUDA is best effort; the session falls back to CPU.
			_ = sessionOpts.AppendExecutionProviderCUDA(cudaOpts)
			_ = cudaOpts.Destroy()
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, sessionOpts)
	if err != nil {
		_ = sessionOpts.Destroy()
		return nil, fmt.Errorf("creating ONNX session: %w", err)
	}

	return &onnxSession{
		session:     session,
		sessionOpts: sessionOpts,
		inputInfo:   inputInfo,
		outputInfo:  outputInfo,
	}, nil
}

func (f *onnxSessionFactory) Backend() BackendType {
	return BackendONNX
}

func ortTensorInfo(infos []ort.InputOutputInfo) ([]string, []TensorInfo) {
	names := make([]string, len(infos))
	out := make([]TensorInfo, len(infos))
	for i, info := range infos {
		names[i] = info.Name
		out[i] = TensorInfo{
			Name:     info.Name,
			Shape:    Shape(info.Dimensions).Clone(),
			DataType: onnxDataType(info.DataType),
		}
	}
	return names, out
}

func onnxDataType(dt ort.TensorElementDataType) DataType {
	switch dt {
	case ort.TensorElementDataTypeFloat:
		return DataTypeFloat32
	case ort.TensorElementDataTypeFloat16:
		return DataTypeFloat16
	case ort.TensorElementDataTypeInt64:
		return DataTypeInt64
	case ort.TensorElementDataTypeInt32:
		return DataTypeInt32
	case ort.TensorElementDataTypeBool:
		return DataTypeBool
	default:
		return DataTypeFloat32
	}
}

type onnxSession struct {
	mu          sync.Mutex
	session     *ort.DynamicAdvancedSession
	sessionOpts *ort.SessionOptions
	inputInfo   []TensorInfo
	outputInfo  []TensorInfo
}

func (s *onnxSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, fmt.Errorf("session is closed")
	}

	ordered, err := inputsByName(s.inputInfo, inputs)
	if err != nil {
		return nil, err
	}

	ortInputs := make([]ort.Value, 0, len(ordered))
	defer func() {
		for _, t := range ortInputs {
			_ = t.Destroy()
		}
	}()
	for _, in := range ordered {
		t, err := newOrtTensor(in)
		if err != nil {
			return nil, fmt.Errorf("creating input tensor %s: %w", in.Name, err)
		}
		ortInputs = append(ortInputs, t)
	}

	// nil outputs let the runtime allocate tensors of the produced shape.
	ortOutputs := make([]ort.Value, len(s.outputInfo))
	if err := s.session.Run(ortInputs, ortOutputs); err != nil {
		return nil, fmt.Errorf("running ONNX session: %w", err)
	}
	defer func() {
		for _, t := range ortOutputs {
			if t != nil {
				_ = t.Destroy()
			}
		}
	}()

	outputs := make([]NamedTensor, 0, len(ortOutputs))
	for i, v := range ortOutputs {
		if v == nil {
			continue
		}
		out, err := extractOrtTensor(v, s.outputInfo[i].Name)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func (s *onnxSession) InputInfo() []TensorInfo {
	return s.inputInfo
}

func (s *onnxSession) OutputInfo() []TensorInfo {
	return s.outputInfo
}

func (s *onnxSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		_ = s.session.Destroy()
		s.session = nil
	}
	if s.sessionOpts != nil {
		_ = s.sessionOpts.Destroy()
		s.sessionOpts = nil
	}
	return nil
}

func newOrtTensor(in NamedTensor) (ort.Value, error) {
	shape := ort.NewShape(in.Shape...)
	switch data := in.Data.(type) {
	case []float32:
		return ort.NewTensor(shape, data)
	case []int64:
		return ort.NewTensor(shape, data)
	case []int32:
		return ort.NewTensor(shape, data)
	case []bool:
		return ort.NewTensor(shape, data)
	default:
		return nil, fmt.Errorf("unsupported data type: %T", data)
	}
}

func extractOrtTensor(v ort.Value, name string) (NamedTensor, error) {
	shape := Shape(v.GetShape()).Clone()
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		return NamedTensor{Name: name, Shape: shape, Data: append([]float32(nil), t.GetData()...)}, nil
	case *ort.Tensor[int64]:
		return NamedTensor{Name: name, Shape: shape, Data: append([]int64(nil), t.GetData()...)}, nil
	case *ort.Tensor[int32]:
		return NamedTensor{Name: name, Shape: shape, Data: append([]int32(nil), t.GetData()...)}, nil
	case *ort.Tensor[bool]:
		return NamedTensor{Name: name, Shape: shape, Data: append([]bool(nil), t.GetData()...)}, nil
	default:
		return NamedTensor{}, fmt.Errorf("output %s: unsupported tensor type %T", name, v)
	}
}
