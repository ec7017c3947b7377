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

package modelregistry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/go-huggingface/hub"
	"go.uber.org/zap"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/taskbundle"
)

// ProgressHandler is called as files are copied into the cache.
type ProgressHandler func(downloaded, total int64, filename string)

// HuggingFaceClient pulls bundles and signature graphs from HuggingFace Hub
type HuggingFaceClient struct {
	token           string
	cacheDir        string
	logger          *zap.Logger
	progressHandler ProgressHandler
}

// HFClientOption configures the HuggingFace client
type HFClientOption func(*HuggingFaceClient)

// NewHuggingFaceClient creates a client that stores pulled files under
// cacheDir/<owner>/<repo>.
func NewHuggingFaceClient(cacheDir string, opts ...HFClientOption) *HuggingFaceClient {
	c := &HuggingFaceClient{cacheDir: cacheDir, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithHFToken sets the HuggingFace API token for gated models
func WithHFToken(token string) HFClientOption {
	return func(c *HuggingFaceClient) { c.token = token }
}

// WithHFLogger sets the logger.
func WithHFLogger(logger *zap.Logger) HFClientOption {
	return func(c *HuggingFaceClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHFProgressHandler sets the progress handler for downloads
func WithHFProgressHandler(h ProgressHandler) HFClientOption {
	return func(c *HuggingFaceClient) { c.progressHandler = h }
}

// CacheDir returns the root directory pulled models are stored in.
func (c *HuggingFaceClient) CacheDir() string {
	return c.cacheDir
}

func (c *HuggingFaceClient) repo(ref ModelRef) *hub.Repo {
	repo := hub.New(ref.RepoID())
	if c.token != "" {
		repo = repo.WithAuth(c.token)
	}
	return repo
}

// Pull makes a HuggingFace reference available locally and returns the
// local path: the file itself for a file reference, or the model directory
// for a repository reference. Files already in the cache are not fetched
// again.
func (c *HuggingFaceClient) Pull(ctx context.Context, ref ModelRef) (string, error) {
	if ref.Kind != SourceHuggingFace {
		return "", fmt.Errorf("%s is not a huggingface reference", ref)
	}
	modelDir := filepath.Join(c.cacheDir, ref.DirPath())

	if ref.File != "" {
		dest := filepath.Join(modelDir, filepath.FromSlash(ref.File))
		if _, err := os.Stat(dest); err == nil {
			c.logger.Info("Model file already downloaded",
				zap.String("ref", ref.String()),
				zap.String("path", dest))
			return dest, nil
		}
		if err := c.fetch(ctx, c.repo(ref), ref.File, dest); err != nil {
			return "", err
		}
		return dest, nil
	}

	files, err := c.ListRepoFiles(ctx, ref)
	if err != nil {
		return "", err
	}
	toDownload := selectSignatureFiles(files)
	if len(toDownload) == 0 {
		return "", fmt.Errorf("no signature graphs or task bundles found in %s", ref.RepoID())
	}

	repo := c.repo(ref)
	for _, name := range toDownload {
		// Flatten path (e.g., "onnx/decode.onnx" -> "decode.onnx")
		dest := filepath.Join(modelDir, filepath.Base(name))
		if _, err := os.Stat(dest); err == nil {
			continue
		}
		if err := c.fetch(ctx, repo, name, dest); err != nil {
			return "", err
		}
	}

	if len(toDownload) == 1 && taskbundle.IsBundle(toDownload[0]) {
		return filepath.Join(modelDir, filepath.Base(toDownload[0])), nil
	}
	if err := c.saveManifest(modelDir, ref); err != nil {
		c.logger.Warn("Failed to generate manifest", zap.Error(err))
	}
	return modelDir, nil
}

func (c *HuggingFaceClient) fetch(ctx context.Context, repo *hub.Repo, name, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.logger.Info("Downloading from HuggingFace", zap.String("file", name))
	localPath, err := repo.DownloadFile(name)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", name, err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	base := filepath.Base(dest)
	if c.progressHandler != nil {
		c.progressHandler(0, 0, base)
	}
	if err := copyFile(localPath, dest); err != nil {
		return fmt.Errorf("copying %s: %w", name, err)
	}
	if c.progressHandler != nil {
		if info, err := os.Stat(dest); err == nil {
			c.progressHandler(info.Size(), info.Size(), base)
		}
	}
	return nil
}

func (c *HuggingFaceClient) saveManifest(modelDir string, ref ModelRef) error {
	files, err := ScanModelFiles(modelDir)
	if err != nil {
		return fmt.Errorf("scanning files: %w", err)
	}
	manifest := &ModelManifest{
		SchemaVersion: CurrentSchemaVersion,
		Name:          ref.Name(),
		Source:        ref.String(),
		Owner:         ref.Owner,
		Files:         files,
		Provenance: &ModelProvenance{
			DownloadedFrom: "huggingface",
			DownloadedAt:   time.Now(),
		},
	}
	return manifest.SaveTo(filepath.Join(modelDir, ManifestFilename))
}

// ListRepoFiles returns all files in a HuggingFace repo.
func (c *HuggingFaceClient) ListRepoFiles(ctx context.Context, ref ModelRef) ([]string, error) {
	var files []string
	for fileName, err := range c.repo(ref).IterFileNames() {
		if err != nil {
			return nil, fmt.Errorf("listing files: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		files = append(files, fileName)
	}
	return files, nil
}

// signatureSupportFiles are pulled next to the signature graphs.
var signatureSupportFiles = map[string]bool{
	"tokenizer.json":          true,
	"tokenizer.model":         true,
	"tokenizer_config.json":   true,
	"special_tokens_map.json": true,
	"generation_config.json":  true,
	"config.json":             true,
}

// selectSignatureFiles picks the prefill/decode graphs of a repository and
// their tokenizer files. A repository without signature graphs yields its
// first .task bundle instead.
func selectSignatureFiles(files []string) []string {
	var graphs, support, bundles []string
	for _, f := range files {
		base := strings.ToLower(filepath.Base(f))
		switch {
		case strings.HasSuffix(base, ".onnx") && (strings.Contains(base, "prefill") || strings.Contains(base, "decode")):
			graphs = append(graphs, f)
		case strings.HasSuffix(base, ".onnx_data") || strings.HasSuffix(base, ".onnx.data"):
			support = append(support, f)
		case signatureSupportFiles[base]:
			support = append(support, f)
		case taskbundle.IsBundle(base):
			bundles = append(bundles, f)
		}
	}
	if len(graphs) > 0 {
		return append(graphs, support...)
	}
	if len(bundles) > 0 {
		return bundles[:1]
	}
	return nil
}

// copyFile copies a file from src to dst
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer func() { _ = srcFile.Close() }()

	dstFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}
	if _, err := io.Copy(dstFile, srcFile); err != nil {
		_ = dstFile.Close()
		return fmt.Errorf("copying: %w", err)
	}
	return dstFile.Close()
}
