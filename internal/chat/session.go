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

// Package chat implements the daemon's single ongoing conversation: a
// user submits a message, the LLM responds using the full history and the
// shared tool router, and the exchange is persisted and fanned out over
// the EventBus one chunk at a time.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loopr/loopr/internal/engine"
	"github.com/loopr/loopr/internal/eventbus"
	"github.com/loopr/loopr/internal/loggingx"
	"github.com/loopr/loopr/internal/model"
	"github.com/loopr/loopr/internal/store"
	"github.com/loopr/loopr/pkg/looprerrors"
)

// maxTurns bounds how many LLM+tool round trips a single Send call may
// take before giving up and returning whatever text it has, mirroring the
// engine's max_turns_per_iteration guard against a runaway tool loop.
const maxTurns = 25

// Store is the subset of *store.Collection[model.ChatMessage,...] the
// session needs.
type Store interface {
	Create(rec model.ChatMessage) (model.ChatMessage, error)
	List(filters []store.Filter) ([]model.ChatMessage, error)
	Delete(id string) error
}

// Session is the daemon's single conversation. One Session exists per
// daemon process; concurrent Send calls are serialized since the
// conversation has one linear history.
type Session struct {
	messages Store
	bus      *eventbus.Bus
	llm      engine.LlmClient
	tools    engine.ToolRouter
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New constructs a Session backed by messages, publishing chat.chunk and
// chat.cleared events to bus.
func New(messages Store, bus *eventbus.Bus, llm engine.LlmClient, tools engine.ToolRouter, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		messages: messages,
		bus:      bus,
		llm:      llm,
		tools:    tools,
		logger:   loggingx.WithComponent(logger, "chat"),
	}
}

// Send appends content as a user turn, drives the LLM+tool conversation to
// a final textual response, persists and publishes every step, and returns
// the id of the resulting assistant message.
func (s *Session) Send(ctx context.Context, content string) (string, error) {
	s.mu.Lock()
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		cancel()
	}()

	if _, err := s.messages.Create(model.ChatMessage{Role: model.ChatRoleUser, Content: content}); err != nil {
		return "", err
	}

	history, err := s.history()
	if err != nil {
		return "", err
	}

	var toolCalls []model.ToolCallInfo
	var usage engine.Usage
	turn := 0
	for {
		if ctx.Err() != nil {
			return "", looprerrors.New(looprerrors.KindCancelled, "chat send cancelled")
		}

		resp, err := s.llm.Complete(ctx, engine.CompletionRequest{
			Messages: history,
			Tools:    s.tools.Definitions(),
		})
		if err != nil {
			return "", looprerrors.Wrap(looprerrors.KindLlmUnavailable, "chat completion failed", err)
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens

		if len(resp.ToolCalls) == 0 {
			return s.finish(resp.Text, toolCalls, usage)
		}

		s.publishChunk(resp.Text)
		history = append(history, engine.Message{Role: "assistant", Content: resp.Text, ToolCalls: resp.ToolCalls})

		for _, call := range resp.ToolCalls {
			if ctx.Err() != nil {
				return "", looprerrors.New(looprerrors.KindCancelled, "chat send cancelled")
			}
			result, err := s.tools.Execute(ctx, call, "")
			info := model.ToolCallInfo{ID: call.ID, Name: call.Name, Input: call.Input}
			var toolContent string
			if err != nil {
				info.Error = err.Error()
				toolContent = "error: " + err.Error()
			} else if result.Error != "" {
				info.Error = result.Error
				toolContent = "error: " + result.Error
			} else {
				info.Output = result.Output
				toolContent = fmt.Sprintf("%v", result.Output)
			}
			toolCalls = append(toolCalls, info)
			history = append(history, engine.Message{Role: "tool", Content: toolContent, ToolCallID: call.ID})
			s.publishChunk(toolContent)
		}

		turn++
		if turn >= maxTurns {
			return s.finish(history[len(history)-1].Content, toolCalls, usage)
		}
	}
}

// finish persists the assistant turn and returns its id.
func (s *Session) finish(text string, toolCalls []model.ToolCallInfo, usage engine.Usage) (string, error) {
	msg, err := s.messages.Create(model.ChatMessage{
		Role:      model.ChatRoleAssistant,
		Content:   text,
		ToolCalls: toolCalls,
		TokensIn:  usage.InputTokens,
		TokensOut: usage.OutputTokens,
	})
	if err != nil {
		return "", err
	}
	s.publishChunk(text)
	return msg.ID, nil
}

// Clear deletes every message in the session's history.
func (s *Session) Clear() error {
	existing, err := s.messages.List(nil)
	if err != nil {
		return err
	}
	for _, m := range existing {
		if err := s.messages.Delete(m.ID); err != nil {
			return err
		}
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "chat.cleared", CreatedAt: eventbus.NowMillis()})
	}
	return nil
}

// Cancel interrupts an in-flight Send call, if any. A no-op otherwise.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// history loads the full persisted conversation as engine.Message turns,
// the shape the LLM client and tool router already understand.
func (s *Session) history() ([]engine.Message, error) {
	records, err := s.messages.List(nil)
	if err != nil {
		return nil, err
	}
	out := make([]engine.Message, 0, len(records))
	for _, rec := range records {
		out = append(out, engine.Message{Role: string(rec.Role), Content: rec.Content})
	}
	return out, nil
}

func (s *Session) publishChunk(content string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type:      "chat.chunk",
		Payload:   map[string]any{"content": content},
		CreatedAt: eventbus.NowMillis(),
	})
}
