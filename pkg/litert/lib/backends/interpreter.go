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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors/bucketing"
)

// Signature is one named entry point of a compiled model. Inputs and outputs
// are addressed by name.
type Signature interface {
	Name() string
	InputDetails() map[string]TensorInfo
	OutputDetails() map[string]TensorInfo
	Run(inputs map[string]NamedTensor) (map[string]NamedTensor, error)
}

// SignatureEngine exposes the signatures of a loaded model.
type SignatureEngine interface {
	SignatureList() []string
	Signature(name string) (Signature, error)
	Close() error
}

// GraphExt is the file extension of signature graphs inside a model directory.
const GraphExt = ".onnx"

// ErrSignatureNotFound is returned when a signature name is not part of the model.
var ErrSignatureNotFound = errors.New("signature not found")

// InterpreterOption configures LoadInterpreter and NewInterpreter.
type InterpreterOption func(*interpreterConfig)

type interpreterConfig struct {
	sessionOpts []SessionOption
	buckets     bucketing.Strategy
	maxBucket   int
}

// WithSessionOptions forwards options to every session the interpreter opens.
func WithSessionOptions(opts ...SessionOption) InterpreterOption {
	return func(c *interpreterConfig) {
		c.sessionOpts = append(c.sessionOpts, opts...)
	}
}

// WithDynamicPrefillBuckets exposes a prefill graph with a dynamic sequence
// dimension as a family of fixed-size signatures named prefill_<n>, one per
// bucket the strategy yields up to maxLen. Graphs with static shapes are left
// untouched.
func WithDynamicPrefillBuckets(strategy bucketing.Strategy, maxLen int) InterpreterOption {
	return func(c *interpreterConfig) {
		c.buckets = strategy
		c.maxBucket = maxLen
	}
}

// Interpreter is a SignatureEngine built from one session per signature.
type Interpreter struct {
	mu         sync.RWMutex
	signatures map[string]Signature
	sessions   []Session
	backend    BackendType
	closed     bool
}

// LoadInterpreter opens every graph file in dir as a signature named after
// the file's base name (decode.onnx becomes "decode").
func LoadInterpreter(dir string, factory SessionFactory, opts ...InterpreterOption) (*Interpreter, error) {
	cfg := &interpreterConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*"+GraphExt))
	if err != nil {
		return nil, fmt.Errorf("listing graphs in %s: %w", dir, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no %s signature graphs in %s", GraphExt, dir)
	}
	sort.Strings(paths)

	sessions := make(map[string]Session, len(paths))
	for _, p := range paths {
		name := strings.TrimSuffix(filepath.Base(p), GraphExt)
		s, err := factory.CreateSession(p, cfg.sessionOpts...)
		if err != nil {
			for _, opened := range sessions {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("opening signature %s: %w", name, err)
		}
		sessions[name] = s
	}

	interp := NewInterpreter(sessions, opts...)
	interp.backend = factory.Backend()
	return interp, nil
}

// NewInterpreter wraps already open sessions. The interpreter takes
// ownership and closes them on Close.
func NewInterpreter(sessions map[string]Session, opts ...InterpreterOption) *Interpreter {
	cfg := &interpreterConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	interp := &Interpreter{signatures: make(map[string]Signature)}
	for name, s := range sessions {
		interp.sessions = append(interp.sessions, s)
		sig := newSessionSignature(name, s)
		if cfg.buckets != nil && strings.Contains(name, "prefill") && sig.dynamicSeqLen() {
			for _, b := range bucketSizes(cfg.buckets, cfg.maxBucket) {
				variant := fmt.Sprintf("%s_%d", name, b)
				interp.signatures[variant] = sig.withSeqLen(variant, b)
			}
			continue
		}
		interp.signatures[name] = sig
	}
	return interp
}

// bucketSizes lists the distinct buckets a strategy produces up to maxLen.
// maxLen itself is always the last bucket.
func bucketSizes(strategy bucketing.Strategy, maxLen int) []int {
	var sizes []int
	for n := 1; n <= maxLen; {
		b := strategy.Bucket(n)
		if b > maxLen {
			break
		}
		if b < n {
			b = n
		}
		sizes = append(sizes, b)
		n = b + 1
	}
	if maxLen > 0 && (len(sizes) == 0 || sizes[len(sizes)-1] != maxLen) {
		sizes = append(sizes, maxLen)
	}
	return sizes
}

func (i *Interpreter) SignatureList() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	names := make([]string, 0, len(i.signatures))
	for name := range i.signatures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (i *Interpreter) Signature(name string) (Signature, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return nil, errors.New("interpreter is closed")
	}
	sig, ok := i.signatures[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSignatureNotFound, name)
	}
	return sig, nil
}

// Backend reports which backend opened the sessions. Empty for interpreters
// built with NewInterpreter.
func (i *Interpreter) Backend() BackendType {
	return i.backend
}

func (i *Interpreter) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	var errs []error
	for _, s := range i.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sessionSignature adapts a Session to the Signature interface. Several
// signatures may share one session when bucket variants are expanded.
type sessionSignature struct {
	name    string
	session Session
	inputs  map[string]TensorInfo
	outputs map[string]TensorInfo
}

func newSessionSignature(name string, s Session) *sessionSignature {
	sig := &sessionSignature{
		name:    name,
		session: s,
		inputs:  make(map[string]TensorInfo),
		outputs: make(map[string]TensorInfo),
	}
	for _, info := range s.InputInfo() {
		sig.inputs[info.Name] = info
	}
	for _, info := range s.OutputInfo() {
		sig.outputs[info.Name] = info
	}
	return sig
}

func (s *sessionSignature) dynamicSeqLen() bool {
	for name, info := range s.inputs {
		if !strings.Contains(name, "kv_cache") && !info.Shape.IsStatic() {
			return true
		}
	}
	return false
}

// withSeqLen returns a view of the signature whose dynamic non-cache input
// dimensions are pinned: the leading batch dimension of a rank>1 tensor
// becomes 1 and every other dynamic dimension becomes n.
func (s *sessionSignature) withSeqLen(name string, n int) *sessionSignature {
	view := &sessionSignature{
		name:    name,
		session: s.session,
		inputs:  make(map[string]TensorInfo, len(s.inputs)),
		outputs: s.outputs,
	}
	for inName, info := range s.inputs {
		if !strings.Contains(inName, "kv_cache") {
			shape := info.Shape.Clone()
			for d := range shape {
				if shape[d] >= 0 {
					continue
				}
				if d == 0 && len(shape) > 1 {
					shape[d] = 1
				} else {
					shape[d] = int64(n)
				}
			}
			info.Shape = shape
		}
		view.inputs[inName] = info
	}
	return view
}

func (s *sessionSignature) Name() string { return s.name }

func (s *sessionSignature) InputDetails() map[string]TensorInfo { return s.inputs }

func (s *sessionSignature) OutputDetails() map[string]TensorInfo { return s.outputs }

func (s *sessionSignature) Run(inputs map[string]NamedTensor) (map[string]NamedTensor, error) {
	list := make([]NamedTensor, 0, len(inputs))
	for name, t := range inputs {
		if _, ok := s.inputs[name]; !ok {
			return nil, fmt.Errorf("signature %s has no input %q", s.name, name)
		}
		t.Name = name
		list = append(list, t)
	}
	outs, err := s.session.Run(list)
	if err != nil {
		return nil, err
	}
	result := make(map[string]NamedTensor, len(outs))
	for _, o := range outs {
		result[o.Name] = o
	}
	return result, nil
}

// IsGraphDir reports whether dir holds at least one signature graph.
func IsGraphDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), GraphExt) {
			return true
		}
	}
	return false
}
