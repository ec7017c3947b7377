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

const backendTest BackendType = "test"

type testBackend struct {
	available bool
}

func (b *testBackend) Type() BackendType { return backendTest }
func (b *testBackend) Name() string { return "Test" }
func (b *testBackend) Available() bool { return b.available }
func (b *testBackend) Priority() int { return 1000 }
func (b *testBackend) SessionFactory() SessionFactory { return &fakeFactory{} }

func TestParseBackendSpec(t *testing.T) {
	tests := []struct {
		in      string
		want    BackendSpec
		wantErr bool
	}{
		{in: "onnx", want: BackendSpec{Backend: BackendONNX, Device: DeviceAuto}},
		{in: "onnx:cuda", want: BackendSpec{Backend: BackendONNX, Device: DeviceCUDA}},
		{in: "xla:tpu", want: BackendSpec{Backend: BackendXLA, Device: DeviceTPU}},
		{in: "GO:gpu", want: BackendSpec{Backend: BackendGo, Device: DeviceCUDA}},
		{in: "ort:cpu", want: BackendSpec{Backend: BackendONNX, Device: DeviceCPU}},
		{in: "gomlx:", want: BackendSpec{Backend: BackendGo, Device: DeviceAuto}},
		{in: "tflite", wantErr: true},
		{in: "go:quantum", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBackendSpec(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	specs, err := ParseBackendPriority([]string{"onnx:cuda", "go"})
	require.NoError(t, err)
	assert.Equal(t, "onnx:cuda", specs[0].String())
	assert.Equal(t, "go", specs[1].String())

	_, err = ParseBackendPriority([]string{"nope"})
	require.Error(t, err)
}

func TestDeviceGPUMode(t *testing.T) {
	assert.Equal(t, GPUModeCuda, DeviceCUDA.ToGPUMode())
	assert.Equal(t, GPUModeTpu, DeviceTPU.ToGPUMode())
	assert.Equal(t, GPUModeOff, DeviceCPU.ToGPUMode())
	assert.False(t, ShouldUseGPU(GPUModeOff))
	assert.True(t, ShouldUseGPU(GPUModeCuda))
}

func TestGoBackendRegistered(t *testing.T) {
	b, ok := GetBackend(BackendGo)
	require.True(t, ok)
	assert.Equal(t, "GoMLX (Go)", b.Name())
	assert.Equal(t, 100, b.Priority())
}

func TestListAvailable(t *testing.T) {
	RegisterBackend(&testBackend{available: true})

	available := ListAvailable()
	require.NotEmpty(t, available)
	// Not in the priority order, so it sorts after every listed backend.
	assert.Equal(t, backendTest, available[len(available)-1].Type())

	SetPriority(nil)
	assert.Equal(t, []BackendType{BackendONNX, BackendXLA, BackendGo}, GetPriority())
}

func TestSessionManager_Fallback(t *testing.T) {
	RegisterBackend(&testBackend{available: true})

	sm := NewSessionManager()
	sm.SetPriority([]BackendSpec{
		{Backend: "missing"},
		{Backend: backendTest, Device: DeviceCPU},
	})

	factory, spec, err := sm.GetSessionFactoryWithFallback()
	require.NoError(t, err)
	require.NotNil(t, factory)
	assert.Equal(t, backendTest, spec.Backend)
	assert.Equal(t, []BackendType{backendTest}, sm.ActiveBackends())

	require.NoError(t, sm.Close())
	_, err = sm.GetSessionFactory(backendTest)
	require.Error(t, err)
}

func TestSessionManager_NoBackends(t *testing.T) {
	sm := NewSessionManager()
	sm.SetPriority([]BackendSpec{{Backend: "missing"}})
	_, _, err := sm.GetSessionFactoryWithFallback()
	require.ErrorContains(t, err, "no available backends")
}

func TestSessionManager_DefaultPriority(t *testing.T) {
	sm := NewSessionManager()
	prio := sm.Priority()
	require.Len(t, prio, 3)
	assert.Equal(t, BackendONNX, prio[0].Backend)
	assert.Equal(t, DeviceAuto, prio[0].Device)
}
