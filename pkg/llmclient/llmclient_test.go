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

package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loopr/loopr/internal/engine"
)

func TestNew_RequiresAPIKeyAndModel(t *testing.T) {
	if _, err := New("", "claude-3-5-sonnet-20241022"); err == nil {
		t.Error("expected error with empty API key")
	}
	if _, err := New("key", ""); err == nil {
		t.Error("expected error with empty model")
	}
}

func TestComplete_ParsesTextResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q, want test-key", r.Header.Get("x-api-key"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(messagesResponse{
			Content: []responseBlock{{Type: "text", Text: "done"}},
			Usage:   struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			}{InputTokens: 10, OutputTokens: 5},
		})
	}))
	defer server.Close()

	client, err := New("test-key", "claude-3-5-sonnet-20241022")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client.baseURL = server.URL

	resp, err := client.Complete(context.Background(), engine.CompletionRequest{
		Messages: []engine.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "done" {
		t.Errorf("Text = %q, want done", resp.Text)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("Usage = %+v, want {10 5}", resp.Usage)
	}
}

func TestComplete_ParsesToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(messagesResponse{
			Content: []responseBlock{{
				Type:  "tool_use",
				ID:    "call_1",
				Name:  "read_file",
				Input: map[string]any{"path": "README.md"},
			}},
		})
	}))
	defer server.Close()

	client, err := New("test-key", "claude-3-5-sonnet-20241022")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client.baseURL = server.URL

	resp, err := client.Complete(context.Background(), engine.CompletionRequest{
		Messages: []engine.Message{{Role: "user", Content: "read the readme"}},
		Tools:    []engine.ToolDefinition{{Name: "read_file"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "read_file" {
		t.Errorf("ToolCalls = %+v, want one read_file call", resp.ToolCalls)
	}
}

func TestComplete_PropagatesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(messagesErrorResponse{Error: struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}{Type: "authentication_error", Message: "invalid x-api-key"}})
	}))
	defer server.Close()

	client, err := New("bad-key", "claude-3-5-sonnet-20241022")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client.baseURL = server.URL

	_, err = client.Complete(context.Background(), engine.CompletionRequest{
		Messages: []engine.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
}

func TestFake_ReturnsScriptedResponsesInOrder(t *testing.T) {
	fake := &Fake{Responses: []engine.CompletionResponse{
		{Text: "first"},
		{Text: "second"},
	}}

	first, _ := fake.Complete(context.Background(), engine.CompletionRequest{})
	second, _ := fake.Complete(context.Background(), engine.CompletionRequest{})
	third, _ := fake.Complete(context.Background(), engine.CompletionRequest{})

	if first.Text != "first" || second.Text != "second" || third.Text != "second" {
		t.Errorf("got %q, %q, %q; want first, second, second (repeats last)", first.Text, second.Text, third.Text)
	}
	if fake.Calls() != 3 {
		t.Errorf("Calls() = %d, want 3", fake.Calls())
	}
}
