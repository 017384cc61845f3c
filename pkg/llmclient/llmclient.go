// Copyright 2025 Tom Barlow
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

// Package llmclient implements the engine's narrow LlmClient collaborator
// against Anthropic's Messages API over plain net/http, with no provider
// SDK dependency.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loopr/loopr/internal/engine"
	"github.com/loopr/loopr/pkg/httpclient"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"
)

// Client implements engine.LlmClient against the Anthropic Messages API.
// Safe for concurrent use: it holds no mutable per-call state.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// New constructs a Client for model, authenticating with apiKey. Retries
// are handled by the shared retry transport rather than a bespoke loop,
// with POST allowed to retry since the Messages API is safe to resend on
// a 5xx/429/timeout (no side effect occurs until a response is received).
func New(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llmclient: API key is required")
	}
	if model == "" {
		return nil, fmt.Errorf("llmclient: model is required")
	}

	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 120 * time.Second
	cfg.UserAgent = "loopr-llmclient/1.0"
	cfg.AllowNonIdempotentRetry = true

	httpClient, err := httpclient.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("llmclient: building http client: %w", err)
	}

	return &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		httpClient: httpClient,
	}, nil
}

// Complete sends req to the Messages API and translates the response back
// into the engine's vendor-agnostic CompletionResponse shape.
func (c *Client) Complete(ctx context.Context, req engine.CompletionRequest) (engine.CompletionResponse, error) {
	apiReq, err := c.buildRequest(req)
	if err != nil {
		return engine.CompletionResponse{}, err
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return engine.CompletionResponse{}, fmt.Errorf("llmclient: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return engine.CompletionResponse{}, fmt.Errorf("llmclient: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return engine.CompletionResponse{}, fmt.Errorf("llmclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return engine.CompletionResponse{}, fmt.Errorf("llmclient: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp messagesErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			return engine.CompletionResponse{}, fmt.Errorf("llmclient: %d %s: %s", resp.StatusCode, errResp.Error.Type, errResp.Error.Message)
		}
		return engine.CompletionResponse{}, fmt.Errorf("llmclient: %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResp messagesResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return engine.CompletionResponse{}, fmt.Errorf("llmclient: parsing response: %w", err)
	}

	return toCompletionResponse(apiResp), nil
}

func (c *Client) buildRequest(req engine.CompletionRequest) (messagesRequest, error) {
	var system string
	var messages []messagesMessage

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		case "user":
			messages = append(messages, messagesMessage{
				Role:    "user",
				Content: []any{textBlock{Type: "text", Text: msg.Content}},
			})
		case "assistant":
			var content []any
			if msg.Content != "" {
				content = append(content, textBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				content = append(content, toolUseBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Input,
				})
			}
			if len(content) > 0 {
				messages = append(messages, messagesMessage{Role: "assistant", Content: content})
			}
		case "tool":
			messages = append(messages, messagesMessage{
				Role: "user",
				Content: []any{toolResultBlock{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})
		default:
			return messagesRequest{}, fmt.Errorf("llmclient: unknown message role %q", msg.Role)
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	tools := make([]toolDefinition, len(req.Tools))
	for i, t := range req.Tools {
		tools[i] = toolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}

	return messagesRequest{
		Model:     c.model,
		Messages:  messages,
		MaxTokens: maxTokens,
		System:    system,
		Tools:     tools,
	}, nil
}

func toCompletionResponse(resp messagesResponse) engine.CompletionResponse {
	var text string
	var toolCalls []engine.ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if text != "" {
				text += "\n"
			}
			text += block.Text
		case "tool_use":
			toolCalls = append(toolCalls, engine.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}

	return engine.CompletionResponse{
		Text:      text,
		ToolCalls: toolCalls,
		Usage: engine.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
}

type messagesRequest struct {
	Model     string            `json:"model"`
	Messages  []messagesMessage `json:"messages"`
	MaxTokens int               `json:"max_tokens"`
	System    string            `json:"system,omitempty"`
	Tools     []toolDefinition  `json:"tools,omitempty"`
}

type messagesMessage struct {
	Role    string `json:"role"`
	Content []any  `json:"content"`
}

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolUseBlock struct {
	Type  string         `json:"type"`
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

type toolResultBlock struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
}

type toolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type messagesResponse struct {
	Content []responseBlock `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type responseBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

type messagesErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
