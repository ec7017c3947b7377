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

//go:build xla && XLA

package backends

import (
	"os"
	"path/filepath"

	// Registers the "xla" engine with the GoMLX backends registry.
	_ "github.com/gomlx/gomlx/backends/xla"
)

func init() {
	// A plugin bundled next to the binary is only used when nothing is
	// installed in the standard locations.
	if os.Getenv("PJRT_PLUGIN_LIBRARY_PATH") == "" && !pjrtInstalled() {
		if dir := bundledPJRTDir(); dir != "" {
			_ = os.Setenv("PJRT_PLUGIN_LIBRARY_PATH", dir)
		}
	}
	RegisterBackend(newGomlxBackend(BackendXLA, "xla"))
}

func pjrtInstalled() bool {
	home, _ := os.UserHomeDir()
	return libraryExists([]string{
		"/usr/local/lib/gomlx/pjrt",
		"/usr/local/lib/go-xla",
		filepath.Join(home, ".local/lib/gomlx/pjrt"),
		filepath.Join(home, ".local/lib/go-xla"),
	}, "pjrt_*plugin*")
}

func bundledPJRTDir() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	dir := filepath.Join(filepath.Dir(exe), "lib")
	if libraryExists([]string{dir}, "pjrt_*plugin*") {
		return dir
	}
	return ""
}
