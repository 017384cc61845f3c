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

// Package engine drives a single loop record through the Ralph cycle:
// render prompt, call the LLM plus tools to convergence, validate, append
// feedback on failure, repeat until a terminal status or a suspension
// signal is observed.
package engine

import (
	"context"
	"time"

	"github.com/loopr/loopr/internal/eventbus"
	"github.com/loopr/loopr/internal/model"
	"github.com/loopr/loopr/internal/store"
)

// Message is one turn in the conversation submitted to the LLM for a
// single iteration. Role is "user", "assistant", or "tool".
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall is one invocation the LLM requested.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolDefinition describes one tool available to the LLM.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolResult is the outcome of executing one ToolCall.
type ToolResult struct {
	Output map[string]any
	Error  string
}

// Usage reports token accounting for one completion call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// CompletionRequest is submitted to the LLM client for one LLM turn.
type CompletionRequest struct {
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// CompletionResponse is the LLM's reply to one CompletionRequest. ToolCalls
// is empty when the LLM has produced a final textual answer.
type CompletionResponse struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// LlmClient is the narrow external interface the engine calls against
// (spec.md §6). Implementations must be safe for concurrent use across
// loops.
type LlmClient interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// ToolRouter executes tool calls on the engine's behalf.
type ToolRouter interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, call ToolCall, cwd string) (ToolResult, error)
}

// ValidationResult is the outcome of running a loop's validation command.
type ValidationResult struct {
	Passed   bool
	Output   string
	ExitCode int
}

// Validator runs a loop's validation command in its worktree.
type Validator interface {
	Validate(ctx context.Context, worktree, command string, timeout time.Duration, successExitCode int) (ValidationResult, error)
}

// PromptRenderer substitutes variables into the template identified by
// templateID.
type PromptRenderer interface {
	Render(templateID string, variables map[string]any) (string, error)
}

// LoopStore is the subset of *store.Collection[model.Loop,*model.Loop] the
// engine needs; satisfied directly by that type.
type LoopStore interface {
	Get(id string) (model.Loop, bool, error)
	Update(rec model.Loop) (model.Loop, error)
}

// SignalStore is the subset of *store.Collection[model.SignalRecord,...]
// the engine needs to poll and acknowledge control signals.
type SignalStore interface {
	List(filters []store.Filter) ([]model.SignalRecord, error)
	Update(rec model.SignalRecord) (model.SignalRecord, error)
}

// ToolJobStore records one ToolJobRecord per tool call.
type ToolJobStore interface {
	Create(rec model.ToolJobRecord) (model.ToolJobRecord, error)
}

// EventStore durably records lifecycle events, independent of live
// EventBus fan-out.
type EventStore interface {
	Create(rec model.EventRecord) (model.EventRecord, error)
}

// EventPublisher fans a live event out to subscribed protocol clients.
// Satisfied directly by *eventbus.Bus.
type EventPublisher interface {
	Publish(evt eventbus.Event)
}
