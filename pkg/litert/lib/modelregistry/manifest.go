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

// Package modelregistry resolves model references to local files: it pulls
// bundles and signature graphs from the HuggingFace Hub, records what was
// pulled, and discovers models already on disk.
package modelregistry

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
)

// ManifestFilename is the standard filename for model manifests
const ManifestFilename = "model_manifest.json"

// CurrentSchemaVersion is the current manifest schema version
const CurrentSchemaVersion = 1

// ModelFile represents a single file in the model manifest
type ModelFile struct {
	// Name is the filename (e.g., "decode.onnx", "tokenizer.json")
	Name string `json:"name"`
	// Digest is the SHA256 hash of the file (e.g., "sha256:abc123...")
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
}

// ModelProvenance tracks model origin and download metadata
type ModelProvenance struct {
	// DownloadedFrom is the source: "huggingface" or "local"
	DownloadedFrom string    `json:"downloadedFrom"`
	DownloadedAt   time.Time `json:"downloadedAt"`
}

// ModelManifest describes a pulled model and its files
type ModelManifest struct {
	SchemaVersion int    `json:"schemaVersion"`
	Name          string `json:"name"`
	// Source is the reference the model was pulled from.
	Source     string           `json:"source"`
	Owner      string           `json:"owner,omitempty"`
	Files      []ModelFile      `json:"files"`
	Provenance *ModelProvenance `json:"provenance,omitempty"`
}

// SaveTo writes the manifest to a file as JSON
func (m *ModelManifest) SaveTo(path string) error {
	data, err := sonic.ConfigStd.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// LoadManifestFromDir loads the manifest of a model directory.
func LoadManifestFromDir(modelDir string) (*ModelManifest, error) {
	data, err := os.ReadFile(filepath.Join(modelDir, ManifestFilename))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m ModelManifest
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("manifest in %s has no name", modelDir)
	}
	return &m, nil
}

// ComputeFileDigest computes the SHA256 digest of a file in "sha256:..." format
func ComputeFileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

// ScanModelFiles returns ModelFile entries for the files of a directory,
// skipping the manifest itself.
func ScanModelFiles(modelDir string) ([]ModelFile, error) {
	entries, err := os.ReadDir(modelDir)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}

	var files []ModelFile
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == ManifestFilename {
			continue
		}
		filePath := filepath.Join(modelDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		digest, err := ComputeFileDigest(filePath)
		if err != nil {
			continue
		}
		files = append(files, ModelFile{
			Name:   entry.Name(),
			Digest: digest,
			Size:   info.Size(),
		})
	}
	return files, nil
}
