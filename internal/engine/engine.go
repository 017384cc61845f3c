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
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loopr/loopr/internal/config"
	"github.com/loopr/loopr/internal/eventbus"
	"github.com/loopr/loopr/internal/loggingx"
	"github.com/loopr/loopr/internal/model"
	"github.com/loopr/loopr/pkg/looprerrors"
)

// Engine drives loop records through the Ralph cycle. One Engine is
// shared across every concurrently running loop; it carries no per-loop
// state of its own.
type Engine struct {
	Loops    LoopStore
	Signals  SignalStore
	ToolJobs ToolJobStore
	Events   EventStore
	Bus      EventPublisher

	LLM       LlmClient
	Tools     ToolRouter
	Validator Validator
	Prompts   PromptRenderer

	Progress config.ProgressConfig
	Logger   *slog.Logger

	// Tracer emits one span per iteration when set. Left nil, runIteration
	// skips tracing entirely rather than falling back to a no-op tracer, so
	// tests never need to wire one in.
	Tracer trace.Tracer
}

// Run drives loopID to a terminal status, or until a pause/cancel signal
// stops it short of one. It returns only on unrecoverable store errors;
// normal stopping conditions (Complete, Failed, Cancelled, Paused) are
// persisted internally and reported via events, not via the return value.
func (e *Engine) Run(ctx context.Context, loopID string) error {
	loop, ok, err := e.Loops.Get(loopID)
	if err != nil {
		return err
	}
	if !ok {
		return looprerrors.New(looprerrors.KindLoopNotFound, loopID)
	}

	logger := loggingx.WithComponent(loggingx.WithLoop(e.logger(), loopID), "engine")

	if loop.MaxIterations <= 0 {
		loop.Status = model.LoopStatusFailed
		loop.FailureNote = "max_iterations is 0"
		if _, err := e.Loops.Update(loop); err != nil {
			return err
		}
		e.recordAndPublish(loopID, "loop.updated", map[string]any{"status": string(loop.Status)})
		return nil
	}

	for {
		action, err := e.checkSuspend(&loop)
		if err != nil {
			return err
		}
		if action != suspendNone {
			logger.Info("loop suspended at iteration boundary", slog.String("action", suspendActionName(action)))
			return nil
		}
		if loop.Status.IsTerminal() {
			return nil
		}

		updated, terminal, err := e.runIteration(ctx, loop)
		if err != nil {
			return err
		}
		loop = updated
		if terminal {
			return nil
		}
	}
}

// runIteration executes exactly one Ralph-cycle iteration against the
// freshest copy of the loop record, returning the updated record and
// whether the Run loop should stop.
func (e *Engine) runIteration(ctx context.Context, loop model.Loop) (model.Loop, bool, error) {
	fresh, ok, err := e.Loops.Get(loop.ID)
	if err != nil {
		return loop, false, err
	}
	if !ok {
		return loop, true, nil
	}
	loop = fresh

	if e.Tracer != nil {
		var span trace.Span
		ctx, span = e.Tracer.Start(ctx, "loop.iteration",
			trace.WithAttributes(
				attribute.String("loop.id", loop.ID),
				attribute.Int("loop.iteration", loop.Iteration),
				attribute.String("loop.type", string(loop.LoopType)),
			))
		defer func() {
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	logger := loggingx.WithIteration(e.logger(), loop.ID, loop.Iteration)

	prompt, err := e.renderPrompt(loop)
	if err != nil {
		return e.failIteration(loop, "", fmt.Sprintf("prompt render error: %v", err))
	}

	selfReport, stopped, err := e.runTurns(ctx, &loop, prompt)
	if err != nil {
		return loop, false, err
	}
	if stopped {
		return loop, true, nil
	}

	validation, action, err := e.runValidation(ctx, loop)
	if err != nil {
		return loop, false, err
	}
	if action == suspendCancel {
		return loop, true, nil
	}

	if validation.Passed {
		return e.completeIteration(loop, logger)
	}
	return e.failIteration(loop, validation.Output, selfReport)
}

// runTurns drives the LLM+tool conversation to a final textual response,
// bounded by max_turns_per_iteration. It returns that final text and
// whether a cancel signal stopped the iteration early; a pending pause or
// parameter-change signal is left for the next iteration boundary.
func (e *Engine) runTurns(ctx context.Context, loop *model.Loop, prompt string) (string, bool, error) {
	messages := []Message{{Role: "user", Content: prompt}}
	toolDefs := e.allowedTools(loop.Tools)

	turn := 0
	for {
		action, err := e.checkSuspendCancelOnly(loop)
		if err != nil {
			return "", false, err
		}
		if action != suspendNone {
			return "", true, nil
		}

		resp, err := e.LLM.Complete(ctx, CompletionRequest{
			Messages:  messages,
			Tools:     toolDefs,
			MaxTokens: loop.MaxTokens,
		})
		if err != nil {
			return fmt.Sprintf("llm error: %v", err), false, nil
		}
		if len(resp.ToolCalls) == 0 {
			return resp.Text, false, nil
		}

		turn++
		messages = append(messages, Message{Role: "assistant", Content: resp.Text, ToolCalls: resp.ToolCalls})

		for _, call := range resp.ToolCalls {
			action, err := e.checkSuspendCancelOnly(loop)
			if err != nil {
				return "", false, err
			}
			if action != suspendNone {
				return "", true, nil
			}

			result := e.executeTool(ctx, *loop, call)
			messages = append(messages, Message{
				Role:       "tool",
				Content:    toolResultContent(result),
				ToolCallID: call.ID,
			})
		}

		if turn >= loop.MaxTurnsPerIteration {
			return messages[len(messages)-2].Content, false, nil
		}
	}
}

// runValidation runs the loop's validation command, polling for a cancel
// signal for the duration of the wait (the third suspension point named
// in spec.md §4.2).
func (e *Engine) runValidation(ctx context.Context, loop model.Loop) (ValidationResult, suspendAction, error) {
	valCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		res ValidationResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.Validator.Validate(
			valCtx, loop.Worktree, loop.ValidationCommand,
			time.Duration(loop.IterationTimeoutMs)*time.Millisecond, loop.SuccessExitCode,
		)
		done <- outcome{res, err}
	}()

	ticker := time.NewTicker(signalPollInterval)
	defer ticker.Stop()

	for {
		select {
		case o := <-done:
			if o.err != nil {
				return ValidationResult{Passed: false, Output: o.err.Error()}, suspendNone, nil
			}
			return o.res, suspendNone, nil
		case <-ticker.C:
			sig, err := e.pendingSignal(loop)
			if err != nil || sig == nil || sig.Kind != model.SignalCancel {
				continue
			}
			cancel()
			<-done
			action, err := e.applySignal(&loop, *sig)
			if err != nil {
				return ValidationResult{}, suspendNone, err
			}
			return ValidationResult{}, action, nil
		}
	}
}

func (e *Engine) executeTool(ctx context.Context, loop model.Loop, call ToolCall) ToolResult {
	job := model.ToolJobRecord{
		LoopID:    loop.ID,
		Iteration: loop.Iteration,
		ToolName:  call.Name,
		Input:     call.Input,
		Status:    model.ToolJobRunning,
	}

	if !toolAllowed(loop.Tools, call.Name) {
		result := ToolResult{Error: fmt.Sprintf("tool %q is not in this loop's allow-list", call.Name)}
		job.Status = model.ToolJobFailed
		job.Output = map[string]any{"error": result.Error}
		job.CompletedAt = time.Now().UnixMilli()
		_, _ = e.ToolJobs.Create(job)
		return result
	}

	result, err := e.Tools.Execute(ctx, call, loop.Worktree)
	job.CompletedAt = time.Now().UnixMilli()
	if err != nil {
		job.Status = model.ToolJobFailed
		job.Output = map[string]any{"error": err.Error()}
		result.Error = err.Error()
	} else if result.Error != "" {
		job.Status = model.ToolJobFailed
		job.Output = map[string]any{"error": result.Error}
	} else {
		job.Status = model.ToolJobSuccess
		job.Output = result.Output
	}
	_, _ = e.ToolJobs.Create(job)
	return result
}

func (e *Engine) completeIteration(loop model.Loop, logger *slog.Logger) (model.Loop, bool, error) {
	if loop.LoopType == model.LoopTypePlan {
		loop.Status = model.LoopStatusAwaitingApproval
	} else {
		loop.Status = model.LoopStatusComplete
	}

	updated, err := e.Loops.Update(loop)
	if err != nil {
		return loop, false, err
	}
	logger.Info("iteration succeeded", slog.String("status", string(updated.Status)))
	e.recordAndPublish(updated.ID, "loop.updated", map[string]any{
		"status":    string(updated.Status),
		"iteration": updated.Iteration,
	})
	return updated, true, nil
}

func (e *Engine) failIteration(loop model.Loop, validatorOutput, selfReport string) (model.Loop, bool, error) {
	entry := formatFeedback(loop.Iteration, validatorOutput, selfReport, e.Progress)
	loop.Progress = AppendProgress(loop.Progress, entry, e.Progress)
	loop.Iteration++

	terminal := loop.Iteration >= loop.MaxIterations
	if terminal {
		loop.Status = model.LoopStatusFailed
	}

	updated, err := e.Loops.Update(loop)
	if err != nil {
		return loop, false, err
	}

	if terminal {
		e.recordAndPublish(updated.ID, "loop.updated", map[string]any{
			"status":    string(updated.Status),
			"iteration": updated.Iteration,
		})
	} else {
		e.recordAndPublish(updated.ID, "loop.iteration", map[string]any{
			"iteration": updated.Iteration,
		})
	}
	return updated, terminal, nil
}

// PreviewPrompt renders the prompt that would be submitted for loop's next
// iteration without invoking the LLM, for the protocol's plan.get_preview.
func (e *Engine) PreviewPrompt(loop model.Loop) (string, error) {
	return e.renderPrompt(loop)
}

func (e *Engine) renderPrompt(loop model.Loop) (string, error) {
	vars := make(map[string]any, len(loop.Context)+4)
	for k, v := range loop.Context {
		vars[k] = v
	}
	vars["iteration"] = loop.Iteration
	vars["max_iterations"] = loop.MaxIterations
	vars["progress"] = loop.Progress
	vars["loop_type"] = string(loop.LoopType)
	return e.Prompts.Render(loop.PromptPath, vars)
}

func (e *Engine) allowedTools(allow []string) []ToolDefinition {
	all := e.Tools.Definitions()
	if len(allow) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allow))
	for _, name := range allow {
		set[name] = true
	}
	out := make([]ToolDefinition, 0, len(allow))
	for _, def := range all {
		if set[def.Name] {
			out = append(out, def)
		}
	}
	return out
}

func toolAllowed(allow []string, name string) bool {
	for _, a := range allow {
		if a == name {
			return true
		}
	}
	return false
}

func toolResultContent(result ToolResult) string {
	if result.Error != "" {
		return "error: " + result.Error
	}
	return fmt.Sprintf("%v", result.Output)
}

func (e *Engine) recordAndPublish(loopID, eventType string, payload map[string]any) {
	if e.Events != nil {
		_, _ = e.Events.Create(model.EventRecord{EventType: eventType, LoopID: loopID, Payload: payload})
	}
	if e.Bus != nil {
		e.Bus.Publish(eventbus.Event{
			Type:      eventType,
			LoopID:    loopID,
			Payload:   payload,
			CreatedAt: eventbus.NowMillis(),
		})
	}
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func suspendActionName(a suspendAction) string {
	switch a {
	case suspendPause:
		return "pause"
	case suspendCancel:
		return "cancel"
	default:
		return "none"
	}
}
