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

// Package taskbundle unpacks .task model bundles: zip archives holding the
// prefill/decode graph, a SentencePiece tokenizer and LlmParameters metadata.
package taskbundle

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/backends"
	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/tokenizer"
)

// Well-known bundle entries.
const (
	EntryGraph     = "TF_LITE_PREFILL_DECODE"
	EntryTokenizer = "TOKENIZER_MODEL"
	EntryMetadata  = "METADATA"
)

// Ext is the bundle file extension.
const Ext = ".task"

const stampFile = ".extracted"

// ErrNoSignatureGraphs is returned by GraphDir when the bundle only carries
// a TFLite flatbuffer and no per-signature graph files.
var ErrNoSignatureGraphs = errors.New("bundle has no signature graph files")

// Bundle is an extracted .task file.
type Bundle struct {
	Path string
	// Dir holds the extracted entries.
	Dir     string
	entries []string
}

// IsBundle reports whether path names a .task file.
func IsBundle(path string) bool {
	return strings.EqualFold(filepath.Ext(path), Ext)
}

// Open validates the bundle at path and extracts it below cacheDir. A bundle
// that was already extracted from the same file is reused as is.
func Open(path, cacheDir string, logger *zap.Logger) (*Bundle, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("task file %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%s is not a valid zip file: %w", path, err)
	}
	defer r.Close()

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	b := &Bundle{
		Path: path,
		Dir:  filepath.Join(cacheDir, fmt.Sprintf("%s-%08x", name, uint32(xxhash.Sum64String(abs)))),
	}
	for _, f := range r.File {
		if !strings.HasSuffix(f.Name, "/") {
			b.entries = append(b.entries, f.Name)
		}
	}
	sort.Strings(b.entries)

	stamp := fmt.Sprintf("%d:%d", info.Size(), info.ModTime().UnixNano())
	if prev, err := os.ReadFile(filepath.Join(b.Dir, stampFile)); err == nil && string(prev) == stamp {
		logger.Debug("Reusing extracted task file", zap.String("dir", b.Dir))
		return b, nil
	}

	logger.Info("Extracting task file", zap.String("path", path), zap.String("dir", b.Dir))
	if err := os.RemoveAll(b.Dir); err != nil {
		return nil, fmt.Errorf("clearing %s: %w", b.Dir, err)
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("unable to create %s: %w", b.Dir, err)
	}
	for _, f := range r.File {
		if err := extractFile(b.Dir, f); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(filepath.Join(b.Dir, stampFile), []byte(stamp), 0o644); err != nil {
		return nil, fmt.Errorf("writing extraction stamp: %w", err)
	}
	return b, nil
}

func extractFile(dir string, f *zip.File) error {
	destName := filepath.Join(dir, f.Name)
	if rel, err := filepath.Rel(dir, destName); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("bundle entry %s escapes the extraction directory", f.Name)
	}
	if f.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("bundle entry %s is a symlink", f.Name)
	}
	if strings.HasSuffix(f.Name, "/") {
		return os.MkdirAll(destName, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(destName), 0o755); err != nil {
		return fmt.Errorf("failed to mkdir %s: %w", filepath.Dir(destName), err)
	}

	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open bundle file %s: %w", f.Name, err)
	}
	defer src.Close()
	dst, err := os.OpenFile(destName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open output file %s: %w", destName, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return dst.Close()
}

// Entries lists the file entries of the bundle in sorted order.
func (b *Bundle) Entries() []string {
	return append([]string(nil), b.entries...)
}

func (b *Bundle) has(entry string) bool {
	i := sort.SearchStrings(b.entries, entry)
	return i < len(b.entries) && b.entries[i] == entry
}

// GraphPath returns the path of the TFLite prefill/decode graph.
func (b *Bundle) GraphPath() string {
	return filepath.Join(b.Dir, EntryGraph)
}

// TokenizerPath returns the path of the SentencePiece model, or false when
// the bundle has none.
func (b *Bundle) TokenizerPath() (string, bool) {
	if !b.has(EntryTokenizer) {
		return "", false
	}
	return filepath.Join(b.Dir, EntryTokenizer), true
}

// GraphDir returns the directory holding the bundle's per-signature graph
// files, the first in entry order when there are several.
func (b *Bundle) GraphDir() (string, error) {
	for _, e := range b.entries {
		if strings.EqualFold(filepath.Ext(e), backends.GraphExt) {
			return filepath.Join(b.Dir, filepath.Dir(e)), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoSignatureGraphs, b.Path)
}

// Metadata parses the METADATA entry. A bundle without one yields empty
// parameters.
func (b *Bundle) Metadata() (*LlmParameters, error) {
	if !b.has(EntryMetadata) {
		return &LlmParameters{StartTokenID: tokenizer.NoTokenID}, nil
	}
	data, err := os.ReadFile(filepath.Join(b.Dir, EntryMetadata))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", EntryMetadata, err)
	}
	return ParseLlmParameters(data)
}
