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

package litert

import (
	"fmt"
	"time"
)

// Config holds the server configuration. Field names follow the keys of the
// config file and of LITERT_* environment variables.
type Config struct {
	// ApiUrl is the address the HTTP API listens on.
	ApiUrl string `json:"api_url" mapstructure:"api_url"`
	// ModelsDir is scanned for .task bundles and signature directories.
	ModelsDir string `json:"models_dir" mapstructure:"models_dir"`
	// CacheDir receives extracted bundles. Defaults to a .litert-cache
	// directory beside each bundle.
	CacheDir string `json:"cache_dir,omitempty" mapstructure:"cache_dir"`
	// TokenizerLocation is used for models that ship no tokenizer.
	TokenizerLocation string `json:"tokenizer,omitempty" mapstructure:"tokenizer"`

	// BackendPriority lists backends in order of preference, optionally
	// with a device ("onnx:cuda", "go").
	BackendPriority []string `json:"backend_priority,omitempty" mapstructure:"backend_priority"`
	NumThreads      int      `json:"num_threads,omitempty" mapstructure:"num_threads"`
	// PoolSize bounds concurrent generations per model (0 = CPU count).
	PoolSize int `json:"pool_size,omitempty" mapstructure:"pool_size"`
	// DisableTruncation rejects prompts that fit no prefill bucket.
	DisableTruncation bool `json:"disable_truncation,omitempty" mapstructure:"disable_truncation"`
	// MaxDynamicPrefill expands dynamic prefill graphs into buckets up to
	// this length.
	MaxDynamicPrefill int `json:"max_dynamic_prefill,omitempty" mapstructure:"max_dynamic_prefill"`

	// KeepAlive unloads idle models after this duration ("0" keeps them
	// forever).
	KeepAlive       string   `json:"keep_alive,omitempty" mapstructure:"keep_alive"`
	MaxLoadedModels int      `json:"max_loaded_models,omitempty" mapstructure:"max_loaded_models"`
	Preload         []string `json:"preload,omitempty" mapstructure:"preload"`

	MaxConcurrentRequests int    `json:"max_concurrent_requests,omitempty" mapstructure:"max_concurrent_requests"`
	MaxQueueSize          int    `json:"max_queue_size,omitempty" mapstructure:"max_queue_size"`
	RequestTimeout        string `json:"request_timeout,omitempty" mapstructure:"request_timeout"`

	// GenerationCacheTTL keeps finished completions for identical requests.
	// "0" disables the cache.
	GenerationCacheTTL string `json:"generation_cache_ttl,omitempty" mapstructure:"generation_cache_ttl"`

	HuggingFaceToken string `json:"-" mapstructure:"hf_token"`
}

// parseDuration reads an optional duration setting where "" and "0" mean
// unset.
func parseDuration(name, value string) (time.Duration, error) {
	if value == "" || value == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	return d, nil
}
