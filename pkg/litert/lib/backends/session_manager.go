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
	"sync"
)

// SessionManager hands out session factories across multiple backends.
// It keeps at most one factory per backend type (lazy-created).
//
// Usage:
//
//	manager := backends.NewSessionManager()
//	defer manager.Close()
//
//	manager.SetPriority([]BackendSpec{
//	    {Backend: BackendONNX, Device: DeviceCUDA},
//	    {Backend: BackendGo, Device: DeviceAuto},
//	})
//
//	factory, spec, err := manager.GetSessionFactoryWithFallback()
type SessionManager struct {
	factories map[BackendType]SessionFactory
	priority  []BackendSpec
	mu        sync.RWMutex
	closed    bool
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		factories: make(map[BackendType]SessionFactory),
	}
}

// SetPriority configures the backend priority order with device preferences.
func (sm *SessionManager) SetPriority(priority []BackendSpec) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.priority = make([]BackendSpec, len(priority))
	copy(sm.priority, priority)
}

// Priority returns the configured priority or the global default.
func (sm *SessionManager) Priority() []BackendSpec {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if len(sm.priority) > 0 {
		result := make([]BackendSpec, len(sm.priority))
		copy(result, sm.priority)
		return result
	}

	global := GetPriority()
	result := make([]BackendSpec, len(global))
	for i, bt := range global {
		result[i] = BackendSpec{Backend: bt, Device: DeviceAuto}
	}
	return result
}

// GetSessionFactory returns the session factory for the specified backend.
// Returns an error if the backend is not registered or unavailable.
func (sm *SessionManager) GetSessionFactory(backend BackendType) (SessionFactory, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.closed {
		return nil, fmt.Errorf("session manager is closed")
	}
	if f, ok := sm.factories[backend]; ok {
		return f, nil
	}

	b, ok := GetBackend(backend)
	if !ok {
		return nil, fmt.Errorf("backend %q not registered", backend)
	}
	if !b.Available() {
		return nil, fmt.Errorf("backend %q not available", backend)
	}

	f := b.SessionFactory()
	sm.factories[backend] = f
	return f, nil
}

// GetSessionFactoryWithFallback walks the priority list and returns the first
// usable factory together with the spec that selected it.
func (sm *SessionManager) GetSessionFactoryWithFallback() (SessionFactory, BackendSpec, error) {
	var lastErr error
	for _, spec := range sm.Priority() {
		f, err := sm.GetSessionFactory(spec.Backend)
		if err != nil {
			lastErr = err
			continue
		}
		return f, spec, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("empty backend priority")
	}
	return nil, BackendSpec{}, fmt.Errorf("no available backends: %w", lastErr)
}

// ActiveBackends returns the backends that have handed out a factory.
func (sm *SessionManager) ActiveBackends() []BackendType {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]BackendType, 0, len(sm.factories))
	for bt := range sm.factories {
		out = append(out, bt)
	}
	return out
}

// Close releases the cached factories. Sessions created from them are owned
// by their callers and must be closed separately.
func (sm *SessionManager) Close() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closed = true
	sm.factories = make(map[BackendType]SessionFactory)
	return nil
}
