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

// Package cli provides the model management and generation commands shared
// by the litert binary.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/backends"
	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/generation"
	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/modelregistry"
)

// PullOptions contains options for pulling models from HuggingFace
type PullOptions struct {
	ModelsDir string
	HFToken   string
	Out       io.Writer
}

// ListOptions contains options for listing models
type ListOptions struct {
	ModelsDir  string
	BinaryName string // Used for help messages
	Out        io.Writer
}

// GenerateOptions configures a one-shot generation from the command line.
type GenerateOptions struct {
	// Model is a name under ModelsDir, a local path or an hf: reference.
	Model             string
	Prompt            string
	ModelsDir         string
	TokenizerLocation string
	MaxDecodeSteps    int
	NumThreads        int
	BackendPriority   []string
	DisableTruncation bool
	// PrintText streams fragments to Out as they are decoded.
	PrintText bool
	HFToken   string
	Logger    *zap.Logger
	Out       io.Writer
}

func hfClient(modelsDir, token string, logger *zap.Logger) *modelregistry.HuggingFaceClient {
	if token == "" {
		token = os.Getenv("HF_TOKEN")
	}
	opts := []modelregistry.HFClientOption{
		modelregistry.WithHFToken(token),
		modelregistry.WithHFProgressHandler(PrintProgress),
	}
	if logger != nil {
		opts = append(opts, modelregistry.WithHFLogger(logger))
	}
	return modelregistry.NewHuggingFaceClient(modelsDir, opts...)
}

// PullModel downloads an hf: reference into opts.ModelsDir, where the
// server discovers it.
func PullModel(ctx context.Context, modelRef string, opts PullOptions) error {
	out := writerOrStdout(opts.Out)

	ref, err := modelregistry.ParseModelRef(modelRef)
	if err != nil {
		return err
	}
	if ref.Kind != modelregistry.SourceHuggingFace {
		return fmt.Errorf("%s is a local model; only %s references can be pulled", modelRef, modelregistry.HFPrefix)
	}

	_, _ = fmt.Fprintf(out, "Pulling from HuggingFace: %s\n", ref.RepoID())
	if ref.File != "" {
		_, _ = fmt.Fprintf(out, "File: %s\n", ref.File)
	}
	_, _ = fmt.Fprintln(out, "Downloading files...")

	path, err := hfClient(opts.ModelsDir, opts.HFToken, nil).Pull(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to pull model: %w", err)
	}
	size, _ := diskUsage(path)
	_, _ = fmt.Fprintf(out, "\n✓ Model pulled successfully to %s (%s)\n", path, FormatBytes(size))
	return nil
}

// ListLocalModels prints every model discovered under opts.ModelsDir.
func ListLocalModels(opts ListOptions) error {
	out := writerOrStdout(opts.Out)
	_, _ = fmt.Fprintf(out, "Local models in %s:\n\n", opts.ModelsDir)

	models, err := modelregistry.Discover(opts.ModelsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			models = nil
		} else {
			return err
		}
	}
	if len(models) == 0 {
		binary := opts.BinaryName
		if binary == "" {
			binary = "litert"
		}
		_, _ = fmt.Fprintf(out, "No models found. Pull one with: %s pull hf:<owner>/<repo>[/<file>]\n", binary)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tKIND\tSIZE\tSIGNATURES")
	for _, m := range models {
		size, err := diskUsage(m.Path)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Name, m.Kind, FormatBytes(size), signatureSummary(m))
	}
	return w.Flush()
}

// signatureSummary lists the graphs of a signature directory.
func signatureSummary(m modelregistry.LocalModel) string {
	if m.Kind != modelregistry.SourceDir {
		return "-"
	}
	entries, err := os.ReadDir(m.Path)
	if err != nil {
		return "-"
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), backends.GraphExt) {
			names = append(names, strings.TrimSuffix(e.Name(), backends.GraphExt))
		}
	}
	return strings.Join(names, ",")
}

// ResolveModel finds model by discovered name under modelsDir first, then
// as a local path or hf: reference.
func ResolveModel(ctx context.Context, model, modelsDir string, hf *modelregistry.HuggingFaceClient) (modelregistry.LocalModel, error) {
	if modelsDir != "" && !strings.HasPrefix(model, modelregistry.HFPrefix) {
		if models, err := modelregistry.Discover(modelsDir); err == nil {
			for _, m := range models {
				if m.Name == model {
					return m, nil
				}
			}
		}
	}
	ref, err := modelregistry.ParseModelRef(model)
	if err != nil {
		return modelregistry.LocalModel{}, err
	}
	return modelregistry.Resolve(ctx, ref, hf)
}

// RunGenerate loads opts.Model, generates one completion and writes it to
// opts.Out.
func RunGenerate(ctx context.Context, opts GenerateOptions) (*generation.GenerateResult, error) {
	out := writerOrStdout(opts.Out)
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	hf := hfClient(opts.ModelsDir, opts.HFToken, logger.Named("huggingface"))
	m, err := ResolveModel(ctx, opts.Model, opts.ModelsDir, hf)
	if err != nil {
		return nil, err
	}

	sm := backends.NewSessionManager()
	defer func() { _ = sm.Close() }()
	if len(opts.BackendPriority) > 0 {
		priority, err := backends.ParseBackendPriority(opts.BackendPriority)
		if err != nil {
			return nil, err
		}
		sm.SetPriority(priority)
	}

	gen, err := generation.LoadModel(m, generation.LoaderConfig{
		TokenizerLocation: opts.TokenizerLocation,
		NumThreads:        opts.NumThreads,
		PoolSize:          1,
		DisableTruncation: opts.DisableTruncation,
		SessionManager:    sm,
		HuggingFace:       hf,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = gen.Close() }()

	genOpts := generation.GenerateOptions{MaxDecodeSteps: opts.MaxDecodeSteps}
	if !opts.PrintText {
		res, err := gen.Generate(ctx, opts.Prompt, genOpts)
		if res != nil {
			_, _ = fmt.Fprintln(out, res.Text)
		}
		return res, err
	}

	tokens, errs, err := gen.GenerateStream(ctx, opts.Prompt, genOpts)
	if err != nil {
		return nil, err
	}
	var final *generation.GenerateResult
	for delta := range tokens {
		if delta.Result != nil {
			final = delta.Result
			continue
		}
		_, _ = fmt.Fprint(out, delta.Token)
	}
	_, _ = fmt.Fprintln(out)
	if err := <-errs; err != nil {
		return final, err
	}
	return final, nil
}

// diskUsage sums the sizes of the regular files under path.
func diskUsage(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// FormatBytes formats bytes as human-readable string
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}

// PrintProgress prints download progress to stdout
func PrintProgress(downloaded, total int64, filename string) {
	if total <= 0 {
		fmt.Printf("\r  %s: %s", filename, FormatBytes(downloaded))
		return
	}

	percent := float64(downloaded) / float64(total) * 100
	barWidth := 30
	filled := min(int(float64(barWidth)*float64(downloaded)/float64(total)), barWidth)

	bar := strings.Repeat("=", filled) + strings.Repeat("-", barWidth-filled)
	fmt.Printf("\r  %s: [%s] %.1f%% (%s/%s)",
		filename, bar, percent, FormatBytes(downloaded), FormatBytes(total))

	if downloaded >= total {
		fmt.Println()
	}
}

func writerOrStdout(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}
