/*
Copyright 2025 The Antfly Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package client provides a Go SDK client for the LiteRT generation API.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/bytedance/sonic/decoder"
)

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	MaxDecodeSteps int    `json:"max_decode_steps,omitempty"`
	Stream         bool   `json:"stream,omitempty"`
}

// GenerateResponse is a finished completion.
type GenerateResponse struct {
	Model           string `json:"model"`
	Text            string `json:"text"`
	StopReason      string `json:"stop_reason"`
	PromptTokens    int    `json:"prompt_tokens"`
	GeneratedTokens int    `json:"generated_tokens"`
	Truncated       bool   `json:"truncated"`
	Signature       string `json:"signature,omitempty"`
}

// ModelsResponse lists discovered and loaded models.
type ModelsResponse struct {
	Models []string `json:"models"`
	Loaded []string `json:"loaded"`
}

// VersionResponse reports server build information.
type VersionResponse struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// streamLine covers both the fragment lines and the final line of a
// streamed response.
type streamLine struct {
	GenerateResponse
	Fragment string `json:"fragment"`
	Error    string `json:"error"`
	Done     bool   `json:"done"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("unexpected status code %d: %s", e.StatusCode, e.Message)
}

// LiteRTClient is a client for interacting with the LiteRT API.
type LiteRTClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewLiteRTClient creates a new LiteRT client.
// The baseURL should be the server address (e.g., "http://localhost:11435").
// The /api prefix is automatically appended.
func NewLiteRTClient(baseURL string, httpClient *http.Client) (*LiteRTClient, error) {
	if baseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &LiteRTClient{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/") + "/api",
	}, nil
}

// Generate returns the completion of prompt.
func (c *LiteRTClient) Generate(ctx context.Context, model, prompt string, maxDecodeSteps int) (*GenerateResponse, error) {
	resp, err := c.post(ctx, "/generate", GenerateRequest{
		Model:          model,
		Prompt:         prompt,
		MaxDecodeSteps: maxDecodeSteps,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var out GenerateResponse
	if err := decoder.NewStreamDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &out, nil
}

// GenerateStream requests a streamed completion and calls onFragment for
// every fragment as it arrives. It returns the final response.
func (c *LiteRTClient) GenerateStream(ctx context.Context, model, prompt string, maxDecodeSteps int, onFragment func(string)) (*GenerateResponse, error) {
	resp, err := c.post(ctx, "/generate", GenerateRequest{
		Model:          model,
		Prompt:         prompt,
		MaxDecodeSteps: maxDecodeSteps,
		Stream:         true,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	dec := decoder.NewStreamDecoder(resp.Body)
	for {
		var line streamLine
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("stream ended before the final response")
			}
			return nil, fmt.Errorf("decoding stream: %w", err)
		}
		switch {
		case line.Error != "":
			return nil, fmt.Errorf("generation failed: %s", line.Error)
		case line.Done:
			return &line.GenerateResponse, nil
		case onFragment != nil:
			onFragment(line.Fragment)
		}
	}
}

// ListModels returns the discovered and loaded models.
func (c *LiteRTClient) ListModels(ctx context.Context) (*ModelsResponse, error) {
	var out ModelsResponse
	if err := c.get(ctx, "/models", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetVersion returns LiteRT version information.
func (c *LiteRTClient) GetVersion(ctx context.Context) (*VersionResponse, error) {
	var out VersionResponse
	if err := c.get(ctx, "/version", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *LiteRTClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := sonic.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *LiteRTClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := decoder.NewStreamDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// do sends req and turns non-2xx responses into an *APIError.
func (c *LiteRTClient) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}
