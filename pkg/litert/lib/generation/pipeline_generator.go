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

package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/backends"
	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/pipelines"
)

// Ensure PipelineGenerator implements the Generator and StreamingGenerator interfaces
var _ Generator = (*PipelineGenerator)(nil)
var _ StreamingGenerator = (*PipelineGenerator)(nil)

// PipelineGenerator serves one loaded pipeline to concurrent callers.
// Every call owns its own generation state, so calls run in parallel up to
// the pool size.
type PipelineGenerator struct {
	pipeline  *pipelines.Pipeline
	tokenizer io.Closer
	backend   backends.BackendType
	sem       *semaphore.Weighted
	poolSize  int
	logger    *zap.Logger

	// mu is held for reading by every in-flight call and for writing by
	// Close, so Close waits for running generations.
	mu     sync.RWMutex
	closed bool
}

// NewPipelineGenerator wraps p. poolSize bounds concurrent calls (0 =
// auto-detect from CPU count). tokenizer, when non-nil, is closed with the
// generator.
func NewPipelineGenerator(p *pipelines.Pipeline, tokenizer io.Closer, backend backends.BackendType, poolSize int, logger *zap.Logger) *PipelineGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
	}
	return &PipelineGenerator{
		pipeline:  p,
		tokenizer: tokenizer,
		backend:   backend,
		sem:       semaphore.NewWeighted(int64(poolSize)),
		poolSize:  poolSize,
		logger:    logger,
	}
}

// Backend reports the backend the pipeline's sessions run on.
func (g *PipelineGenerator) Backend() backends.BackendType {
	return g.backend
}

// Pipeline exposes the underlying pipeline.
func (g *PipelineGenerator) Pipeline() *pipelines.Pipeline {
	return g.pipeline
}

// acquire takes the read lock and a pool slot. The returned func releases both.
func (g *PipelineGenerator) acquire(ctx context.Context) (func(), error) {
	g.mu.RLock()
	if g.closed {
		g.mu.RUnlock()
		return nil, ErrGeneratorClosed
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		g.mu.RUnlock()
		return nil, fmt.Errorf("acquiring pipeline slot: %w", err)
	}
	return func() {
		g.sem.Release(1)
		g.mu.RUnlock()
	}, nil
}

// Generate produces text for prompt.
func (g *PipelineGenerator) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*GenerateResult, error) {
	release, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	g.logger.Debug("Starting generation",
		zap.Int("promptLength", len(prompt)),
		zap.Int("maxDecodeSteps", opts.MaxDecodeSteps))

	res, err := g.pipeline.Generate(ctx, prompt, pipelines.GenerateOptions{MaxDecodeSteps: opts.MaxDecodeSteps})
	if err != nil {
		if res != nil {
			return toResult(res), err
		}
		g.logger.Error("Generation failed", zap.Error(err))
		return nil, err
	}

	out := toResult(res)
	g.logger.Debug("Generation complete",
		zap.Int("tokensGenerated", out.GeneratedTokens),
		zap.String("stopReason", out.StopReason))
	return out, nil
}

// GenerateStream produces fragments as they are decoded. The pool slot is
// held until the stream ends.
func (g *PipelineGenerator) GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (<-chan TokenDelta, <-chan error, error) {
	release, err := g.acquire(ctx)
	if err != nil {
		return nil, nil, err
	}

	tokenChan := make(chan TokenDelta)
	errChan := make(chan error, 1)

	go func() {
		defer release()
		defer close(tokenChan)
		defer close(errChan)

		index := 0
		send := func(d TokenDelta) bool {
			select {
			case <-ctx.Done():
				return false
			case tokenChan <- d:
				return true
			}
		}
		res, err := g.pipeline.Generate(ctx, prompt, pipelines.GenerateOptions{
			MaxDecodeSteps: opts.MaxDecodeSteps,
			OnToken: func(fragment string) {
				if send(TokenDelta{Token: fragment, Index: index}) {
					index++
				}
			},
		})
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				g.logger.Error("Streaming generation failed", zap.Error(err))
			}
			errChan <- err
			return
		}
		send(TokenDelta{Index: index, Result: toResult(res)})
		g.logger.Debug("Streaming generation complete", zap.Int("fragments", index))
	}()

	return tokenChan, errChan, nil
}

// Close waits for in-flight calls and releases the pipeline and tokenizer.
// Calling Close more than once is safe.
func (g *PipelineGenerator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true

	err := g.pipeline.Close()
	if g.tokenizer != nil {
		err = errors.Join(err, g.tokenizer.Close())
	}
	return err
}

func toResult(res *pipelines.Result) *GenerateResult {
	return &GenerateResult{
		Text:            res.Text,
		StopReason:      res.StopReason.String(),
		PromptTokens:    res.PromptTokens,
		GeneratedTokens: res.GeneratedTokens,
		Truncated:       res.Truncated,
		Signature:       res.PrefillSignature,
	}
}
