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
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

var (
	gpuInfoOnce sync.Once
	gpuInfo     GPUInfo
)

// DetectGPU reports the available accelerator. The result is cached after
// the first call.
func DetectGPU() GPUInfo {
	gpuInfoOnce.Do(func() {
		if info := detectTPU(); info.Available {
			gpuInfo = info
			return
		}
		gpuInfo = detectCUDA()
	})
	return gpuInfo
}

func detectTPU() GPUInfo {
	if backend := os.Getenv("GOMLX_BACKEND"); strings.Contains(strings.ToLower(backend), "tpu") {
		return GPUInfo{Available: true, Type: "tpu", DeviceName: "TPU (via GOMLX_BACKEND)"}
	}
	dirs := []string{"/usr/local/lib", "/usr/lib"}
	if p := os.Getenv("PJRT_PLUGIN_LIBRARY_PATH"); p != "" {
		dirs = append([]string{p}, dirs...)
	}
	if libraryExists(dirs, "libtpu.so*", "pjrt_plugin_tpu.so*") {
		return GPUInfo{Available: true, Type: "tpu", DeviceName: "TPU (libtpu detected)"}
	}
	return GPUInfo{Type: "none"}
}

func detectCUDA() GPUInfo {
	if nvidiaSMI, err := exec.LookPath("nvidia-smi"); err == nil {
		out, err := exec.Command(nvidiaSMI, "--query-gpu=name,driver_version", "--format=csv,noheader,nounits").Output() //nolint:gosec // G204: path comes from LookPath
		if err == nil {
			info := GPUInfo{Available: true, Type: "cuda"}
			parts := strings.Split(strings.TrimSpace(string(out)), ", ")
			info.DeviceName = strings.TrimSpace(parts[0])
			if len(parts) > 1 {
				info.DriverVer = strings.TrimSpace(parts[1])
			}
			return info
		}
	}

	dirs := []string{"/usr/local/cuda/lib64", "/usr/lib/x86_64-linux-gnu", "/usr/lib64"}
	if ld := os.Getenv("LD_LIBRARY_PATH"); ld != "" {
		dirs = append(filepath.SplitList(ld), dirs...)
	}
	if libraryExists(dirs, "libcudart.so*") {
		return GPUInfo{Available: true, Type: "cuda", DeviceName: "CUDA (libraries detected)"}
	}
	return GPUInfo{Type: "none"}
}

func libraryExists(dirs []string, patterns ...string) bool {
	for _, dir := range dirs {
		for _, pattern := range patterns {
			if matches, _ := filepath.Glob(filepath.Join(dir, pattern)); len(matches) > 0 {
				return true
			}
		}
	}
	return false
}

// ShouldUseGPU determines if GPU should be used based on mode and availability.
func ShouldUseGPU(mode GPUMode) bool {
	switch mode {
	case GPUModeOff:
		return false
	case GPUModeTpu, GPUModeCuda:
		return true // forced; fails at session creation if unavailable
	default:
		return DetectGPU().Available
	}
}
