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
	"fmt"
	"reflect"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/x448/float16"

	// Pure Go engine, registered as "go". No CGO required.
	_ "github.com/gomlx/gomlx/backends/simplego"
)

func init() {
	RegisterBackend(newGomlxBackend(BackendGo, "go"))
}

// gomlxBackend runs signature graphs through onnx-gomlx. The same type
// serves the pure Go engine (always registered) and the XLA engine
// (registered under the xla build tags).
type gomlxBackend struct {
	backendType BackendType
	engineType  string

	engineOnce sync.Once
	engine     backends.Backend
	engineErr  error

	availableOnce sync.Once
	available     bool
}

func newGomlxBackend(backendType BackendType, engineType string) *gomlxBackend {
	return &gomlxBackend{backendType: backendType, engineType: engineType}
}

func (b *gomlxBackend) Type() BackendType {
	return b.backendType
}

func (b *gomlxBackend) Name() string {
	switch b.backendType {
	case BackendXLA:
		return "GoMLX (XLA)"
	case BackendGo:
		return "GoMLX (Go)"
	default:
		return "GoMLX"
	}
}

// Available reports whether the engine can be constructed. Some engines
// panic when their native plugin fails to load, so construction is guarded.
func (b *gomlxBackend) Available() bool {
	b.availableOnce.Do(func() {
		_, err := b.getEngine()
		b.available = err == nil
	})
	return b.available
}

func (b *gomlxBackend) Priority() int {
	if b.backendType == BackendXLA {
		return 20
	}
	return 100
}

func (b *gomlxBackend) SessionFactory() SessionFactory {
	return &gomlxSessionFactory{backend: b}
}

func (b *gomlxBackend) getEngine() (backends.Backend, error) {
	b.engineOnce.Do(func() {
		b.engine, b.engineErr = safeNewEngine(b.engineType)
	})
	return b.engine, b.engineErr
}

func safeNewEngine(engineType string) (engine backends.Backend, err error) {
	defer func() {
		if r := recover(); r != nil {
			engine = nil
			err = fmt.Errorf("engine %q panicked during initialization: %v", engineType, r)
		}
	}()
	return backends.NewWithConfig(engineType)
}

type gomlxSessionFactory struct {
	backend *gomlxBackend
}

// CreateSession loads an ONNX graph and its weights into a GoMLX context.
// Thread options are ignored; the engine manages its own parallelism.
func (f *gomlxSessionFactory) CreateSession(modelPath string, _ ...SessionOption) (Session, error) {
	engine, err := f.backend.getEngine()
	if err != nil {
		return nil, fmt.Errorf("getting GoMLX engine: %w", err)
	}

	om, err := onnx.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("loading ONNX graph: %w", err)
	}
	ctx := mlctx.New()
	if err := om.VariablesToContext(ctx); err != nil {
		return nil, fmt.Errorf("loading ONNX variables: %w", err)
	}

	inputNames, inputShapes := om.Inputs()
	outputNames, outputShapes := om.Outputs()

	s := &gomlxSession{
		outputNames: outputNames,
		inputDTypes: make([]dtypes.DType, len(inputNames)),
		inputInfo:   make([]TensorInfo, len(inputNames)),
		outputInfo:  make([]TensorInfo, len(outputNames)),
	}
	for i, name := range inputNames {
		s.inputDTypes[i] = inputShapes[i].DType
		s.inputInfo[i] = TensorInfo{
			Name:     name,
			Shape:    intsToShape(inputShapes[i].Dimensions),
			DataType: gomlxDataType(inputShapes[i].DType),
		}
	}
	for i, name := range outputNames {
		s.outputInfo[i] = TensorInfo{
			Name:     name,
			Shape:    intsToShape(outputShapes[i].Dimensions),
			DataType: gomlxDataType(outputShapes[i].DType),
		}
	}

	// Signature graphs have fixed shapes, so the exec compiles once on
	// the first Run and every later decode step reuses that program.
	exec, err := mlctx.NewExecAny(engine, ctx, func(ctx *mlctx.Context, graphInputs []*graph.Node) []*graph.Node {
		byName := make(map[string]*graph.Node, len(inputNames))
		for i, name := range inputNames {
			byName[name] = graphInputs[i]
		}
		return om.CallGraph(ctx.Reuse(), graphInputs[0].Graph(), byName)
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec for %s: %w", modelPath, err)
	}
	s.exec = exec
	return s, nil
}

func (f *gomlxSessionFactory) Backend() BackendType {
	return f.backend.backendType
}

// graphExec is the part of *mlctx.Exec a session uses.
type graphExec interface {
	Exec(args ...any) ([]*tensors.Tensor, error)
	Finalize()
}

type gomlxSession struct {
	mu          sync.Mutex
	exec        graphExec
	outputNames []string
	inputDTypes []dtypes.DType
	inputInfo   []TensorInfo
	outputInfo  []TensorInfo
}

func (s *gomlxSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec == nil {
		return nil, fmt.Errorf("session is closed")
	}

	ordered, err := inputsByName(s.inputInfo, inputs)
	if err != nil {
		return nil, err
	}
	args := make([]any, len(ordered))
	for i, in := range ordered {
		t, err := toGoMLXTensor(in, s.inputDTypes[i])
		if err != nil {
			return nil, fmt.Errorf("converting input tensor %s: %w", in.Name, err)
		}
		args[i] = t
	}

	results, err := s.exec.Exec(args...)
	if err != nil {
		return nil, fmt.Errorf("executing ONNX graph: %w", err)
	}

	outputs := make([]NamedTensor, 0, len(results))
	for i, r := range results {
		if i >= len(s.outputNames) {
			break
		}
		out, err := fromGoMLXTensor(r, s.outputNames[i])
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func (s *gomlxSession) InputInfo() []TensorInfo {
	return s.inputInfo
}

func (s *gomlxSession) OutputInfo() []TensorInfo {
	return s.outputInfo
}

func (s *gomlxSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec != nil {
		s.exec.Finalize()
		s.exec = nil
	}
	return nil
}

func intsToShape(dims []int) Shape {
	out := make(Shape, len(dims))
	for i, d := range dims {
		out[i] = int64(d)
	}
	return out
}

func gomlxDataType(dt dtypes.DType) DataType {
	switch dt {
	case dtypes.Float16, dtypes.BFloat16:
		return DataTypeFloat16
	case dtypes.Int64:
		return DataTypeInt64
	case dtypes.Int32, dtypes.Int16, dtypes.Int8:
		return DataTypeInt32
	case dtypes.Bool:
		return DataTypeBool
	default:
		return DataTypeFloat32
	}
}

// toGoMLXTensor builds a device tensor of the dtype the graph declares.
// Half precision inputs are converted from float32 here since NamedTensor
// carries no float16 representation.
func toGoMLXTensor(in NamedTensor, want dtypes.DType) (*tensors.Tensor, error) {
	dims := make([]int, len(in.Shape))
	for i, d := range in.Shape {
		dims[i] = int(d)
	}
	switch data := in.Data.(type) {
	case []float32:
		if want == dtypes.Float16 {
			half := make([]float16.Float16, len(data))
			for i, v := range data {
				half[i] = float16.Fromfloat32(v)
			}
			return tensors.FromFlatDataAndDimensions(half, dims...), nil
		}
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []int64:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []int32:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []bool:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	default:
		return nil, fmt.Errorf("unsupported tensor data type: %T", data)
	}
}

func fromGoMLXTensor(t *tensors.Tensor, name string) (NamedTensor, error) {
	shape := t.Shape()
	out := NamedTensor{Name: name, Shape: intsToShape(shape.Dimensions)}

	var err error
	switch shape.DType {
	case dtypes.Float32:
		out.Data, err = flattenValue[float32](t.Value())
	case dtypes.Float64:
		var f64 []float64
		if f64, err = flattenValue[float64](t.Value()); err == nil {
			f32 := make([]float32, len(f64))
			for i, v := range f64 {
				f32[i] = float32(v)
			}
			out.Data = f32
		}
	case dtypes.Float16:
		var half []float16.Float16
		if half, err = flattenValue[float16.Float16](t.Value()); err == nil {
			f32 := make([]float32, len(half))
			for i, v := range half {
				f32[i] = v.Float32()
			}
			out.Data = f32
		}
	case dtypes.Int64:
		out.Data, err = flattenValue[int64](t.Value())
	case dtypes.Int32:
		out.Data, err = flattenValue[int32](t.Value())
	case dtypes.Bool:
		out.Data, err = flattenValue[bool](t.Value())
	default:
		err = fmt.Errorf("unsupported dtype %s", shape.DType)
	}
	if err != nil {
		return NamedTensor{}, fmt.Errorf("output %s: %w", name, err)
	}
	return out, nil
}

// flattenValue flattens the nested slices returned by Tensor.Value into a
// single row-major slice. Scalars come back as a one element slice.
func flattenValue[T any](v any) ([]T, error) {
	var out []T
	var walk func(rv reflect.Value) error
	walk = func(rv reflect.Value) error {
		if leaf, ok := rv.Interface().([]T); ok {
			out = append(out, leaf...)
			return nil
		}
		if leaf, ok := rv.Interface().(T); ok {
			out = append(out, leaf)
			return nil
		}
		if rv.Kind() != reflect.Slice {
			return fmt.Errorf("unexpected tensor value of type %s", rv.Type())
		}
		for i := 0; i < rv.Len(); i++ {
			if err := walk(rv.Index(i)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return out, nil
}
