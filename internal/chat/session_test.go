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

package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loopr/loopr/internal/engine"
	"github.com/loopr/loopr/internal/eventbus"
	"github.com/loopr/loopr/internal/store"
)

type fakeLLM struct {
	mu        sync.Mutex
	responses []engine.CompletionResponse
	calls     int
	delay     time.Duration
}

func (f *fakeLLM) Complete(ctx context.Context, req engine.CompletionRequest) (engine.CompletionResponse, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return engine.CompletionResponse{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	return f.responses[idx], nil
}

type fakeTools struct{}

func (fakeTools) Definitions() []engine.ToolDefinition {
	return []engine.ToolDefinition{{Name: "shell"}}
}

func (fakeTools) Execute(ctx context.Context, call engine.ToolCall, cwd string) (engine.ToolResult, error) {
	return engine.ToolResult{Output: map[string]any{"ok": true}}, nil
}

func newTestSession(t *testing.T, llm *fakeLLM) (*Session, *store.Store) {
	t.Helper()
	s := store.Open(t.TempDir())
	bus := eventbus.New(16)
	return New(s.Chat, bus, llm, fakeTools{}, nil), s
}

func TestSend_AppendsUserAndAssistantTurns(t *testing.T) {
	llm := &fakeLLM{responses: []engine.CompletionResponse{{Text: "hi there"}}}
	sess, s := newTestSession(t, llm)

	id, err := sess.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty assistant message id")
	}

	records, err := s.Chat.List(nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if records[0].Role != "user" || records[0].Content != "hello" {
		t.Errorf("first record = %+v, want user/hello", records[0])
	}
	if records[1].Role != "assistant" || records[1].Content != "hi there" {
		t.Errorf("second record = %+v, want assistant/hi there", records[1])
	}
}

func TestSend_DrivesToolCallsToCompletion(t *testing.T) {
	llm := &fakeLLM{responses: []engine.CompletionResponse{
		{ToolCalls: []engine.ToolCall{{ID: "1", Name: "shell", Input: map[string]any{"cmd": "ls"}}}},
		{Text: "done"},
	}}
	sess, s := newTestSession(t, llm)

	id, err := sess.Send(context.Background(), "run ls")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	records, err := s.Chat.List(nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	last := records[len(records)-1]
	if last.ID != id || last.Content != "done" {
		t.Errorf("final record = %+v, want id %q content done", last, id)
	}
	if len(last.ToolCalls) != 1 || last.ToolCalls[0].Name != "shell" {
		t.Errorf("ToolCalls = %+v, want one shell call", last.ToolCalls)
	}
}

func TestClear_RemovesAllHistory(t *testing.T) {
	llm := &fakeLLM{responses: []engine.CompletionResponse{{Text: "hi"}}}
	sess, s := newTestSession(t, llm)

	if _, err := sess.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := sess.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	records, err := s.Chat.List(nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("len(records) = %d, want 0", len(records))
	}
}

func TestCancel_StopsInFlightSend(t *testing.T) {
	llm := &fakeLLM{
		delay: 50 * time.Millisecond,
		responses: []engine.CompletionResponse{
			{ToolCalls: []engine.ToolCall{{ID: "1", Name: "shell"}}},
			{ToolCalls: []engine.ToolCall{{ID: "2", Name: "shell"}}},
		},
	}
	sess, _ := newTestSession(t, llm)

	go func() {
		time.Sleep(5 * time.Millisecond)
		sess.Cancel()
	}()

	_, err := sess.Send(context.Background(), "loop forever")
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}
