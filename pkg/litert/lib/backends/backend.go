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
	"maps"
	"slices"
	"strings"
	"sync"
)

// Backend executes signature graphs. Implementations register themselves
// from init() in their own files, usually behind build tags.
type Backend interface {
	Type() BackendType
	// Name is shown in logs, e.g. "ONNX Runtime (CUDA)".
	Name() string
	// Available reports whether the libraries and hardware this backend
	// needs are present.
	Available() bool
	// Priority orders backends missing from the configured priority list
	// (lower first).
	Priority() int
	// SessionFactory opens graph files for this backend.
	SessionFactory() SessionFactory
}

// engines is the process-wide backend table.
type engines struct {
	mu       sync.RWMutex
	byType   map[BackendType]Backend
	priority []BackendType
}

var registered = &engines{
	byType:   make(map[BackendType]Backend),
	priority: []BackendType{BackendONNX, BackendXLA, BackendGo},
}

// RegisterBackend adds b, replacing any backend of the same type.
func RegisterBackend(b Backend) {
	registered.mu.Lock()
	defer registered.mu.Unlock()
	registered.byType[b.Type()] = b
}

// GetBackend returns the backend registered for t.
func GetBackend(t BackendType) (Backend, bool) {
	registered.mu.RLock()
	defer registered.mu.RUnlock()
	b, ok := registered.byType[t]
	return b, ok
}

// SetPriority replaces the global selection order. An empty order keeps
// the built-in one.
func SetPriority(order []BackendType) {
	if len(order) == 0 {
		return
	}
	registered.mu.Lock()
	defer registered.mu.Unlock()
	registered.priority = slices.Clone(order)
}

// GetPriority returns the global selection order.
func GetPriority() []BackendType {
	registered.mu.RLock()
	defer registered.mu.RUnlock()
	return slices.Clone(registered.priority)
}

// ListAvailable returns the usable backends: those named by the priority
// order first, then the rest by their own Priority.
func ListAvailable() []Backend {
	registered.mu.RLock()
	defer registered.mu.RUnlock()

	var ordered, rest []Backend
	for _, t := range registered.priority {
		if b, ok := registered.byType[t]; ok && b.Available() {
			ordered = append(ordered, b)
		}
	}
	for t, b := range registered.byType {
		if !slices.Contains(registered.priority, t) && b.Available() {
			rest = append(rest, b)
		}
	}
	slices.SortFunc(rest, func(a, b Backend) int { return a.Priority() - b.Priority() })
	return append(ordered, rest...)
}

var backendNames = map[string]BackendType{
	"onnx":  BackendONNX,
	"ort":   BackendONNX,
	"xla":   BackendXLA,
	"go":    BackendGo,
	"gomlx": BackendGo,
}

var deviceNames = map[string]DeviceType{
	"":     DeviceAuto,
	"auto": DeviceAuto,
	"cuda": DeviceCUDA,
	"gpu":  DeviceCUDA,
	"tpu":  DeviceTPU,
	"cpu":  DeviceCPU,
	"off":  DeviceCPU,
}

func lookupName[T any](kind string, table map[string]T, s string) (T, error) {
	if v, ok := table[strings.ToLower(strings.TrimSpace(s))]; ok {
		return v, nil
	}
	var zero T
	valid := slices.DeleteFunc(slices.Sorted(maps.Keys(table)), func(k string) bool { return k == "" })
	return zero, fmt.Errorf("unknown %s %q (valid: %s)", kind, s, strings.Join(valid, ", "))
}

// ParseBackendSpec parses "backend" or "backend:device", e.g. "onnx:cuda"
// or "go".
func ParseBackendSpec(s string) (BackendSpec, error) {
	name, device, _ := strings.Cut(s, ":")
	bt, err := lookupName("backend", backendNames, name)
	if err != nil {
		return BackendSpec{}, err
	}
	dt, err := lookupName("device", deviceNames, device)
	if err != nil {
		return BackendSpec{}, err
	}
	return BackendSpec{Backend: bt, Device: dt}, nil
}

// ParseBackendPriority parses a backend_priority setting.
func ParseBackendPriority(priority []string) ([]BackendSpec, error) {
	specs := make([]BackendSpec, 0, len(priority))
	for _, s := range priority {
		spec, err := ParseBackendSpec(s)
		if err != nil {
			return nil, fmt.Errorf("invalid backend priority %q: %w", s, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
