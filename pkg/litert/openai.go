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
	"net/http"
	"time"

	"github.com/bytedance/sonic/decoder"
	"github.com/bytedance/sonic/encoder"
	"go.uber.org/zap"

	"github.com/google-ai-edge/ai-edge-apis/pkg/litert/lib/generation"
)

// OpenAI-compatible API at /openai/v1/*
//
// This lets standard OpenAI SDKs talk to litert through the legacy text
// completions endpoint:
//
//   - POST /openai/v1/completions - Text completion (greedy, non-streaming)
//   - GET  /openai/v1/models      - List available models
//
// Usage with OpenAI SDK:
//
//	client := openai.NewClient(
//	    option.WithBaseURL("http://localhost:11435/openai/v1"),
//	    option.WithAPIKey("unused"), // litert doesn't require auth
//	)

type openAICompletionRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	Stream    bool   `json:"stream,omitempty"`
}

type openAIChoice struct {
	Text         string `json:"text"`
	Index        int    `json:"index"`
	FinishReason string `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAICompletion struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
}

type openAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type openAIModelList struct {
	Object string        `json:"object"`
	Data   []openAIModel `json:"data"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type openAIErrorResponse struct {
	Error openAIError `json:"error"`
}

// RegisterOpenAIRoutes adds OpenAI-compatible endpoints to the given mux.
func (ln *LiteRTNode) RegisterOpenAIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /openai/v1/completions", ln.handleOpenAICompletions)
	mux.HandleFunc("GET /openai/v1/models", ln.handleOpenAIModels)
}

// finishReason maps a stop reason onto OpenAI's vocabulary. Running out of
// cache is reported like running out of budget.
func finishReason(stopReason string) string {
	if stopReason == "end_token" {
		return "stop"
	}
	return "length"
}

func writeOpenAIError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = encoder.NewStreamEncoder(w).Encode(openAIErrorResponse{
		Error: openAIError{Message: msg, Type: errType},
	})
}

// handleOpenAICompletions serves the text completions endpoint on top of
// the same registry, queue and cache as /api/generate.
func (ln *LiteRTNode) handleOpenAICompletions(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()
	start := time.Now()

	var req openAICompletionRequest
	if err := decoder.NewStreamDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	switch {
	case req.Model == "":
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	case req.MaxTokens < 0:
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "max_tokens must not be negative")
		return
	case req.Stream:
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "stream is not supported on this endpoint, use /api/generate")
		return
	}
	if ln.registry == nil || len(ln.registry.List()) == 0 {
		writeOpenAIError(w, http.StatusServiceUnavailable, "server_error", "generation not available: no models configured")
		return
	}

	release, ok := ln.admit(w, r)
	if !ok {
		return
	}
	defer release()
	RecordGenerateRequest(req.Model)

	gen, err := ln.registry.Acquire(req.Model)
	if err != nil {
		RecordRequestDuration("openai_completions", req.Model, "error", time.Since(start).Seconds())
		writeOpenAIError(w, statusForError(err), "invalid_request_error", err.Error())
		return
	}
	defer ln.registry.Release(req.Model)

	res, err := ln.complete(r.Context(), req.Model, gen, req.Prompt,
		generation.GenerateOptions{MaxDecodeSteps: req.MaxTokens})
	if err != nil {
		status := statusForError(err)
		if status == http.StatusInternalServerError {
			ln.logger.Error("openai completion failed", zap.String("model", req.Model), zap.Error(err))
		}
		RecordRequestDuration("openai_completions", req.Model, "error", time.Since(start).Seconds())
		writeOpenAIError(w, status, "server_error", err.Error())
		return
	}
	RecordGeneration(req.Model, res.PromptTokens, res.GeneratedTokens, res.StopReason, res.Truncated)
	RecordRequestDuration("openai_completions", req.Model, "ok", time.Since(start).Seconds())

	resp := openAICompletion{
		ID:      fmt.Sprintf("cmpl-%d", start.UnixNano()),
		Object:  "text_completion",
		Created: start.Unix(),
		Model:   req.Model,
		Choices: []openAIChoice{{
			Text:         res.Text,
			FinishReason: finishReason(res.StopReason),
		}},
		Usage: openAIUsage{
			PromptTokens:     res.PromptTokens,
			CompletionTokens: res.GeneratedTokens,
			TotalTokens:      res.PromptTokens + res.GeneratedTokens,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := encoder.NewStreamEncoder(w).Encode(resp); err != nil {
		ln.logger.Error("encoding openai completion response", zap.Error(err))
	}
}

// handleOpenAIModels returns models in OpenAI-compatible format.
func (ln *LiteRTNode) handleOpenAIModels(w http.ResponseWriter, r *http.Request) {
	resp := openAIModelList{
		Object: "list",
		Data:   []openAIModel{},
	}

	now := time.Now().Unix()
	if ln.registry != nil {
		for _, name := range ln.registry.List() {
			resp.Data = append(resp.Data, openAIModel{
				ID:      name,
				Object:  "model",
				Created: now,
				OwnedBy: "litert",
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := encoder.NewStreamEncoder(w).Encode(resp); err != nil {
		ln.logger.Error("encoding openai models response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}
