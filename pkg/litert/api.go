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
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/bytedance/sonic/decoder"
	"github.com/bytedance/sonic/encoder"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
	"go.uber.org/zap"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/generation"
	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/pipelines"
)

//go:embed openapi.yaml
var openapiSpec []byte

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	MaxDecodeSteps int    `json:"max_decode_steps,omitempty"`
	Stream         bool   `json:"stream,omitempty"`
}

// GenerateResponse is a finished completion. It is also the last line of a
// streamed response, with Done set.
type GenerateResponse struct {
	Model           string `json:"model"`
	Text            string `json:"text"`
	StopReason      string `json:"stop_reason"`
	PromptTokens    int    `json:"prompt_tokens"`
	GeneratedTokens int    `json:"generated_tokens"`
	Truncated       bool   `json:"truncated"`
	Signature       string `json:"signature,omitempty"`
	Done            bool   `json:"done,omitempty"`
}

// GenerateChunk is one streamed fragment, or a terminal error.
type GenerateChunk struct {
	Model    string `json:"model"`
	Fragment string `json:"fragment,omitempty"`
	Error    string `json:"error,omitempty"`
	Done     bool   `json:"done,omitempty"`
}

// ModelsResponse lists discovered and loaded models.
type ModelsResponse struct {
	Models []string `json:"models"`
	Loaded []string `json:"loaded"`
}

// VersionResponse reports build information.
type VersionResponse struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// LiteRTAPI serves the /api routes described by openapi.yaml.
type LiteRTAPI struct {
	logger *zap.Logger
	node   *LiteRTNode
	router routers.Router
}

// NewLiteRTAPI creates the HTTP handler for the API. Requests matching a
// documented operation are validated against the embedded OpenAPI document
// before they reach a handler.
func NewLiteRTAPI(logger *zap.Logger, node *LiteRTNode) (http.Handler, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openapiSpec)
	if err != nil {
		return nil, fmt.Errorf("loading openapi document: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("validating openapi document: %w", err)
	}
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("building openapi router: %w", err)
	}

	api := &LiteRTAPI{
		logger: logger,
		node:   node,
		router: router,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/generate", api.GenerateText)
	mux.HandleFunc("GET /api/models", api.ListModels)
	mux.HandleFunc("GET /api/version", api.GetVersion)
	return api.validateRequests(mux), nil
}

func (t *LiteRTAPI) validateRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, pathParams, err := t.router.FindRoute(r)
		if err != nil {
			// Unknown routes fall through to the mux for its 404/405.
			next.ServeHTTP(w, r)
			return
		}
		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: pathParams,
			Route:      route,
		}
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			t.logger.Debug("Rejecting invalid request",
				zap.String("path", r.URL.Path),
				zap.Error(err))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GenerateText handles POST /api/generate
func (t *LiteRTAPI) GenerateText(w http.ResponseWriter, r *http.Request) {
	t.node.handleApiGenerate(w, r)
}

// ListModels handles GET /api/models
func (t *LiteRTAPI) ListModels(w http.ResponseWriter, r *http.Request) {
	resp := ModelsResponse{
		Models: []string{},
		Loaded: []string{},
	}
	if t.node.registry != nil {
		resp.Models = t.node.registry.List()
		resp.Loaded = t.node.registry.ListLoaded()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := encoder.NewStreamEncoder(w).Encode(resp); err != nil {
		t.logger.Error("encoding response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// GetVersion handles GET /api/version
func (t *LiteRTAPI) GetVersion(w http.ResponseWriter, r *http.Request) {
	resp := VersionResponse{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := encoder.NewStreamEncoder(w).Encode(resp); err != nil {
		t.logger.Error("encoding response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// statusForError maps generation and lookup failures to HTTP status codes.
func statusForError(err error) int {
	var noGraph *pipelines.NoSuitableGraphError
	switch {
	case errors.Is(err, ErrModelNotFound):
		return http.StatusNotFound
	case errors.As(err, &noGraph), errors.Is(err, pipelines.ErrEmptyPrompt):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrQueueFull), errors.Is(err, generation.ErrGeneratorClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleApiGenerate runs one completion, optionally streamed as NDJSON.
func (ln *LiteRTNode) handleApiGenerate(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()
	start := time.Now()

	if ln.registry == nil || len(ln.registry.List()) == 0 {
		http.Error(w, "generation not available: no models configured", http.StatusServiceUnavailable)
		return
	}

	release, ok := ln.admit(w, r)
	if !ok {
		return
	}
	defer release()

	var req GenerateRequest
	if err := decoder.NewStreamDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Model == "" {
		http.Error(w, "model is required", http.StatusBadRequest)
		return
	}
	RecordGenerateRequest(req.Model)

	gen, err := ln.registry.Acquire(req.Model)
	if err != nil {
		status := statusForError(err)
		if status == http.StatusInternalServerError {
			ln.logger.Error("loading model failed", zap.String("model", req.Model), zap.Error(err))
		}
		RecordRequestDuration("generate", req.Model, "error", time.Since(start).Seconds())
		http.Error(w, err.Error(), status)
		return
	}
	defer ln.registry.Release(req.Model)

	opts := generation.GenerateOptions{MaxDecodeSteps: req.MaxDecodeSteps}
	if req.Stream {
		ln.streamGenerate(w, r, req, gen, opts, start)
		return
	}

	res, err := ln.complete(r.Context(), req.Model, gen, req.Prompt, opts)
	if err != nil {
		ln.failGeneration(w, req, err, start)
		return
	}
	ln.recordSuccess(req, res, start)

	w.Header().Set("Content-Type", "application/json")
	if err := encoder.NewStreamEncoder(w).Encode(toResponse(req.Model, res, false)); err != nil {
		ln.logger.Error("encoding response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// streamGenerate writes one GenerateChunk line per fragment followed by the
// final GenerateResponse. Errors after the header was sent are reported in a
// terminal chunk.
func (ln *LiteRTNode) streamGenerate(w http.ResponseWriter, r *http.Request, req GenerateRequest, gen generation.Generator, opts generation.GenerateOptions, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sg, ok := gen.(generation.StreamingGenerator)
	if !ok {
		// Non-streaming generators answer with a single fragment.
		res, err := gen.Generate(r.Context(), req.Prompt, opts)
		if err != nil {
			ln.failGeneration(w, req, err, start)
			return
		}
		ln.recordSuccess(req, res, start)
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := encoder.NewStreamEncoder(w)
		if res.Text != "" {
			_ = enc.Encode(GenerateChunk{Model: req.Model, Fragment: res.Text})
		}
		_ = enc.Encode(toResponse(req.Model, res, true))
		flusher.Flush()
		return
	}

	tokens, errs, err := sg.GenerateStream(r.Context(), req.Prompt, opts)
	if err != nil {
		ln.failGeneration(w, req, err, start)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	enc := encoder.NewStreamEncoder(w)

	var final *generation.GenerateResult
	for delta := range tokens {
		if delta.Result != nil {
			final = delta.Result
			continue
		}
		if err := enc.Encode(GenerateChunk{Model: req.Model, Fragment: delta.Token}); err != nil {
			ln.logger.Debug("client went away during stream", zap.Error(err))
			continue
		}
		flusher.Flush()
	}

	if err := <-errs; err != nil {
		if statusForError(err) == http.StatusInternalServerError {
			ln.logger.Error("streaming generation failed", zap.String("model", req.Model), zap.Error(err))
		}
		RecordRequestDuration("generate", req.Model, "error", time.Since(start).Seconds())
		_ = enc.Encode(GenerateChunk{Model: req.Model, Error: err.Error(), Done: true})
		flusher.Flush()
		return
	}
	if final == nil {
		// The request context ended before the final delta could be sent.
		RecordRequestDuration("generate", req.Model, "cancelled", time.Since(start).Seconds())
		return
	}

	ln.recordSuccess(req, final, start)
	_ = enc.Encode(toResponse(req.Model, final, true))
	flusher.Flush()
}

// admit applies backpressure via the request queue. When it returns false
// the response has already been written.
func (ln *LiteRTNode) admit(w http.ResponseWriter, r *http.Request) (func(), bool) {
	release, err := ln.requestQueue.Acquire(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, ErrQueueFull):
			WriteQueueFullResponse(w, 5*time.Second)
		case errors.Is(err, ErrRequestTimeout):
			WriteTimeoutResponse(w)
		default:
			http.Error(w, "request cancelled", http.StatusRequestTimeout)
		}
		return nil, false
	}
	UpdateQueueMetrics(ln.requestQueue.Stats())
	return release, true
}

// complete runs a blocking generation, through the generation cache when
// one is configured.
func (ln *LiteRTNode) complete(ctx context.Context, model string, gen generation.Generator, prompt string, opts generation.GenerateOptions) (*generation.GenerateResult, error) {
	if ln.generationCache != nil {
		return ln.generationCache.Generate(ctx, model, gen, prompt, opts)
	}
	return gen.Generate(ctx, prompt, opts)
}

func (ln *LiteRTNode) failGeneration(w http.ResponseWriter, req GenerateRequest, err error, start time.Time) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		ln.logger.Error("generation failed",
			zap.String("model", req.Model),
			zap.Error(err))
	}
	RecordRequestDuration("generate", req.Model, "error", time.Since(start).Seconds())
	http.Error(w, fmt.Sprintf("generation failed: %v", err), status)
}

func (ln *LiteRTNode) recordSuccess(req GenerateRequest, res *generation.GenerateResult, start time.Time) {
	RecordGeneration(req.Model, res.PromptTokens, res.GeneratedTokens, res.StopReason, res.Truncated)
	RecordRequestDuration("generate", req.Model, "ok", time.Since(start).Seconds())
	ln.logger.Info("generation request completed",
		zap.String("model", req.Model),
		zap.Int("prompt_tokens", res.PromptTokens),
		zap.Int("generated_tokens", res.GeneratedTokens),
		zap.String("stop_reason", res.StopReason),
		zap.Bool("stream", req.Stream),
		zap.Duration("took", time.Since(start)))
}

func toResponse(model string, res *generation.GenerateResult, done bool) GenerateResponse {
	return GenerateResponse{
		Model:           model,
		Text:            res.Text,
		StopReason:      res.StopReason,
		PromptTokens:    res.PromptTokens,
		GeneratedTokens: res.GeneratedTokens,
		Truncated:       res.Truncated,
		Signature:       res.Signature,
		Done:            done,
	}
}
