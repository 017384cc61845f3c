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

package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loopr/loopr/internal/config"
	"github.com/loopr/loopr/internal/eventbus"
	"github.com/loopr/loopr/internal/model"
	"github.com/loopr/loopr/internal/store"
)

// fakeLLM answers with a canned sequence of responses, one per call,
// repeating the last entry once exhausted.
type fakeLLM struct {
	mu        sync.Mutex
	responses []CompletionResponse
	calls     int
}

func (f *fakeLLM) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
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

func (fakeTools) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "shell", Description: "runs a shell command"}}
}

func (fakeTools) Execute(ctx context.Context, call ToolCall, cwd string) (ToolResult, error) {
	return ToolResult{Output: map[string]any{"ok": true}}, nil
}

// fakeValidator reports pass/fail according to a fixed sequence indexed by
// call count, blocking for delay before returning when set.
type fakeValidator struct {
	mu      sync.Mutex
	results []ValidationResult
	calls   int
	delay   time.Duration
}

func (f *fakeValidator) Validate(ctx context.Context, worktree, command string, timeout time.Duration, successExitCode int) (ValidationResult, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ValidationResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.calls++
	return f.results[idx], nil
}

type fakePrompts struct{}

func (fakePrompts) Render(templateID string, variables map[string]any) (string, error) {
	return "prompt for " + templateID, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	return store.Open(t.TempDir())
}

func newTestEngine(t *testing.T, llm *fakeLLM, val *fakeValidator) (*Engine, *store.Store) {
	t.Helper()
	s := newTestStore(t)
	bus := eventbus.New(16)
	e := &Engine{
		Loops:     s.Loops,
		Signals:   s.Signals,
		ToolJobs:  s.ToolJobs,
		Events:    s.Events,
		Bus:       bus,
		LLM:       llm,
		Tools:     fakeTools{},
		Validator: val,
		Prompts:   fakePrompts{},
		Progress:  config.ProgressConfig{MaxEntries: 50, MaxOutputChars: 8000},
	}
	return e, s
}

func baseLoop(loopType model.LoopType) model.Loop {
	return model.Loop{
		LoopType:             loopType,
		Status:               model.LoopStatusRunning,
		PromptPath:           "ralph.tmpl",
		MaxIterations:        3,
		MaxTurnsPerIteration: 4,
		IterationTimeoutMs:   1000,
		ValidationCommand:    "make test",
		Tools:                []string{"shell"},
	}
}

func TestRun_SucceedsToComplete(t *testing.T) {
	llm := &fakeLLM{responses: []CompletionResponse{{Text: "done"}}}
	val := &fakeValidator{results: []ValidationResult{{Passed: true, ExitCode: 0}}}
	e, s := newTestEngine(t, llm, val)

	loop, err := s.Loops.Create(baseLoop(model.LoopTypeRalph))
	if err != nil {
		t.Fatalf("Create loop: %v", err)
	}

	if err := e.Run(context.Background(), loop.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _, err := s.Loops.Get(loop.ID)
	if err != nil {
		t.Fatalf("Get loop: %v", err)
	}
	if got.Status != model.LoopStatusComplete {
		t.Errorf("Status = %q, want Complete", got.Status)
	}
}

func TestRun_PlanTypeSucceedsToAwaitingApproval(t *testing.T) {
	llm := &fakeLLM{responses: []CompletionResponse{{Text: "plan ready"}}}
	val := &fakeValidator{results: []ValidationResult{{Passed: true}}}
	e, s := newTestEngine(t, llm, val)

	loop, err := s.Loops.Create(baseLoop(model.LoopTypePlan))
	if err != nil {
		t.Fatalf("Create loop: %v", err)
	}

	if err := e.Run(context.Background(), loop.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _, _ := s.Loops.Get(loop.ID)
	if got.Status != model.LoopStatusAwaitingApproval {
		t.Errorf("Status = %q, want AwaitingApproval", got.Status)
	}
}

func TestRun_MaxIterationsExceededFails(t *testing.T) {
	llm := &fakeLLM{responses: []CompletionResponse{{Text: "tried"}}}
	val := &fakeValidator{results: []ValidationResult{{Passed: false, Output: "tests failed"}}}
	e, s := newTestEngine(t, llm, val)

	loop := baseLoop(model.LoopTypeRalph)
	loop.MaxIterations = 2
	created, err := s.Loops.Create(loop)
	if err != nil {
		t.Fatalf("Create loop: %v", err)
	}

	if err := e.Run(context.Background(), created.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _, _ := s.Loops.Get(created.ID)
	if got.Status != model.LoopStatusFailed {
		t.Errorf("Status = %q, want Failed", got.Status)
	}
	if got.Iteration != 2 {
		t.Errorf("Iteration = %d, want 2", got.Iteration)
	}
	blocks := strings.Count(got.Progress, "validator ---")
	if blocks != 2 {
		t.Errorf("progress has %d validator blocks, want 2", blocks)
	}
}

func TestRun_MaxIterationsZeroFailsImmediately(t *testing.T) {
	llm := &fakeLLM{responses: []CompletionResponse{{Text: "n/a"}}}
	val := &fakeValidator{results: []ValidationResult{{Passed: true}}}
	e, s := newTestEngine(t, llm, val)

	loop := baseLoop(model.LoopTypeRalph)
	loop.MaxIterations = 0
	created, err := s.Loops.Create(loop)
	if err != nil {
		t.Fatalf("Create loop: %v", err)
	}

	if err := e.Run(context.Background(), created.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _, _ := s.Loops.Get(created.ID)
	if got.Status != model.LoopStatusFailed {
		t.Errorf("Status = %q, want Failed", got.Status)
	}
	if llm.calls != 0 {
		t.Errorf("llm was called %d times, want 0", llm.calls)
	}
}

func TestRun_CancelSignalStopsLoop(t *testing.T) {
	llm := &fakeLLM{responses: []CompletionResponse{{Text: "n/a"}}}
	val := &fakeValidator{results: []ValidationResult{{Passed: true}}}
	e, s := newTestEngine(t, llm, val)

	loop, err := s.Loops.Create(baseLoop(model.LoopTypeRalph))
	if err != nil {
		t.Fatalf("Create loop: %v", err)
	}
	if _, err := s.Signals.Create(model.SignalRecord{
		TargetLoop: loop.ID,
		Kind:       model.SignalCancel,
	}); err != nil {
		t.Fatalf("Create signal: %v", err)
	}

	if err := e.Run(context.Background(), loop.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _, _ := s.Loops.Get(loop.ID)
	if got.Status != model.LoopStatusCancelled {
		t.Errorf("Status = %q, want Cancelled", got.Status)
	}
	if llm.calls != 0 {
		t.Errorf("llm was called %d times, want 0 (cancelled before any turn)", llm.calls)
	}
}

func TestRun_PauseSignalStopsAtBoundary(t *testing.T) {
	llm := &fakeLLM{responses: []CompletionResponse{{Text: "n/a"}}}
	val := &fakeValidator{results: []ValidationResult{{Passed: true}}}
	e, s := newTestEngine(t, llm, val)

	loop, err := s.Loops.Create(baseLoop(model.LoopTypeRalph))
	if err != nil {
		t.Fatalf("Create loop: %v", err)
	}
	if _, err := s.Signals.Create(model.SignalRecord{
		TargetLoop: loop.ID,
		Kind:       model.SignalPause,
	}); err != nil {
		t.Fatalf("Create signal: %v", err)
	}

	if err := e.Run(context.Background(), loop.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _, _ := s.Loops.Get(loop.ID)
	if got.Status != model.LoopStatusPaused {
		t.Errorf("Status = %q, want Paused", got.Status)
	}
}

// signalInjectingLLM enqueues a signal against the loop the moment its
// first Complete call lands, simulating a pause raised mid-iteration.
type signalInjectingLLM struct {
	*fakeLLM
	store    *store.Store
	loopID   string
	sig      model.SignalRecord
	injected bool
}

func (f *signalInjectingLLM) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if !f.injected {
		f.injected = true
		sig := f.sig
		sig.TargetLoop = f.loopID
		if _, err := f.store.Signals.Create(sig); err != nil {
			return CompletionResponse{}, err
		}
	}
	return f.fakeLLM.Complete(ctx, req)
}

func TestRun_PauseSignalDuringIterationAppliesAtNextBoundary(t *testing.T) {
	val := &fakeValidator{results: []ValidationResult{{Passed: false, Output: "tests failed"}}}
	e, s := newTestEngine(t, &fakeLLM{responses: []CompletionResponse{{Text: "tried"}}}, val)

	loop := baseLoop(model.LoopTypeRalph)
	loop.MaxIterations = 5
	created, err := s.Loops.Create(loop)
	if err != nil {
		t.Fatalf("Create loop: %v", err)
	}

	injecting := &signalInjectingLLM{
		fakeLLM: e.LLM.(*fakeLLM),
		store:   s,
		loopID:  created.ID,
		sig:     model.SignalRecord{Kind: model.SignalPause},
	}
	e.LLM = injecting

	if err := e.Run(context.Background(), created.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _, _ := s.Loops.Get(created.ID)
	if got.Status != model.LoopStatusPaused {
		t.Errorf("Status = %q, want Paused", got.Status)
	}
	if got.Iteration != 1 {
		t.Errorf("Iteration = %d, want 1 (the in-flight iteration must finish before pause applies)", got.Iteration)
	}
	if got.Progress == "" {
		t.Error("expected a progress entry from the completed in-flight iteration")
	}
	if injecting.fakeLLM.calls != 1 {
		t.Errorf("llm was called %d times, want 1 (pause raised after the only turn must not trigger another)", injecting.fakeLLM.calls)
	}
}

func TestRun_ParameterChangeSignalAppliedMidRun(t *testing.T) {
	llm := &fakeLLM{responses: []CompletionResponse{{Text: "tried"}}}
	val := &fakeValidator{results: []ValidationResult{{Passed: false, Output: "nope"}}}
	e, s := newTestEngine(t, llm, val)

	loop := baseLoop(model.LoopTypeRalph)
	loop.MaxIterations = 5
	created, err := s.Loops.Create(loop)
	if err != nil {
		t.Fatalf("Create loop: %v", err)
	}
	if _, err := s.Signals.Create(model.SignalRecord{
		TargetLoop: created.ID,
		Kind:       model.SignalParameterChange,
		Payload:    map[string]any{"max_iterations": 1},
	}); err != nil {
		t.Fatalf("Create signal: %v", err)
	}

	if err := e.Run(context.Background(), created.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _, _ := s.Loops.Get(created.ID)
	if got.MaxIterations != 1 {
		t.Errorf("MaxIterations = %d, want 1 (applied from signal)", got.MaxIterations)
	}
	if got.Status != model.LoopStatusFailed {
		t.Errorf("Status = %q, want Failed", got.Status)
	}
}

func TestRun_ToolFailureDoesNotAbortIteration(t *testing.T) {
	llm := &fakeLLM{responses: []CompletionResponse{
		{Text: "calling tool", ToolCalls: []ToolCall{{ID: "1", Name: "unknown_tool"}}},
		{Text: "final answer"},
	}}
	val := &fakeValidator{results: []ValidationResult{{Passed: true}}}
	e, s := newTestEngine(t, llm, val)

	loop, err := s.Loops.Create(baseLoop(model.LoopTypeRalph))
	if err != nil {
		t.Fatalf("Create loop: %v", err)
	}

	if err := e.Run(context.Background(), loop.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _, _ := s.Loops.Get(loop.ID)
	if got.Status != model.LoopStatusComplete {
		t.Errorf("Status = %q, want Complete despite disallowed tool call", got.Status)
	}

	jobs, err := s.ToolJobs.List(nil)
	if err != nil {
		t.Fatalf("List tool jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != model.ToolJobFailed {
		t.Errorf("tool jobs = %+v, want one Failed job", jobs)
	}
}

func TestRun_TurnBudgetExhaustionFallsThroughToValidation(t *testing.T) {
	llm := &fakeLLM{responses: []CompletionResponse{
		{Text: "still working", ToolCalls: []ToolCall{{ID: "1", Name: "shell"}}},
	}}
	val := &fakeValidator{results: []ValidationResult{{Passed: true}}}
	e, s := newTestEngine(t, llm, val)

	loop := baseLoop(model.LoopTypeRalph)
	loop.MaxTurnsPerIteration = 2
	created, err := s.Loops.Create(loop)
	if err != nil {
		t.Fatalf("Create loop: %v", err)
	}

	if err := e.Run(context.Background(), created.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _, _ := s.Loops.Get(created.ID)
	if got.Status != model.LoopStatusComplete {
		t.Errorf("Status = %q, want Complete once turn budget falls through to validation", got.Status)
	}
}
