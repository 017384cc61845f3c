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
	"time"

	"github.com/expr-lang/expr"

	"github.com/loopr/loopr/internal/model"
	"github.com/loopr/loopr/internal/store"
)

// signalPollInterval bounds how often a blocking wait (validation
// subprocess) re-checks for a cancel signal.
const signalPollInterval = 200 * time.Millisecond

// suspendAction is what a pending signal asked the engine to do.
type suspendAction int

const (
	suspendNone suspendAction = iota
	suspendPause
	suspendCancel
)

// pendingSignal returns the oldest unacknowledged signal targeting loop,
// either by exact id or by a target_selector expression that evaluates
// true against the loop's fields. nil, nil when none is pending.
func (e *Engine) pendingSignal(loop model.Loop) (*model.SignalRecord, error) {
	candidates, err := e.Signals.List([]store.Filter{
		{Field: "acknowledged", Op: store.OpEq, Value: store.BoolValue(false)},
	})
	if err != nil {
		return nil, err
	}

	for _, sig := range candidates {
		if sig.TargetLoop == loop.ID {
			s := sig
			return &s, nil
		}
		if sig.TargetSelector != "" && selectorMatches(sig.TargetSelector, loop) {
			s := sig
			return &s, nil
		}
	}
	return nil, nil
}

// selectorMatches evaluates a target_selector boolean expression against
// the loop's fields. A malformed expression never matches.
func selectorMatches(selector string, loop model.Loop) bool {
	env := map[string]any{
		"id":        loop.ID,
		"parent_id": loop.ParentID,
		"loop_type": string(loop.LoopType),
		"status":    string(loop.Status),
	}
	program, err := expr.Compile(selector, expr.Env(env), expr.AsBool())
	if err != nil {
		return false
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false
	}
	matched, _ := out.(bool)
	return matched
}

// applySignal actions a pending signal against loop, persisting the
// result and acknowledging the signal. It returns the action taken so
// the caller can decide whether to stop the Ralph cycle.
func (e *Engine) applySignal(loop *model.Loop, sig model.SignalRecord) (suspendAction, error) {
	action := suspendNone

	switch sig.Kind {
	case model.SignalCancel:
		loop.Status = model.LoopStatusCancelled
		action = suspendCancel
	case model.SignalPause:
		loop.Status = model.LoopStatusPaused
		action = suspendPause
	case model.SignalParameterChange:
		applyParameterChange(loop, sig.Payload)
	}

	updated, err := e.Loops.Update(*loop)
	if err != nil {
		return suspendNone, err
	}
	*loop = updated

	sig.AcknowledgedAt = time.Now().UnixMilli()
	if _, err := e.Signals.Update(sig); err != nil {
		return suspendNone, err
	}

	if action != suspendNone {
		e.recordAndPublish(loop.ID, "loop.updated", map[string]any{"status": string(loop.Status)})
	}
	return action, nil
}

// applyParameterChange merges recognized fields from payload onto loop.
// Unrecognized keys are ignored.
func applyParameterChange(loop *model.Loop, payload map[string]any) {
	if v, ok := payload["max_iterations"]; ok {
		if n, ok := toInt(v); ok {
			loop.MaxIterations = n
		}
	}
	if v, ok := payload["max_tokens"]; ok {
		if n, ok := toInt(v); ok {
			loop.MaxTokens = n
		}
	}
	if v, ok := payload["validation_command"].(string); ok {
		loop.ValidationCommand = v
	}
	if v, ok := payload["iteration_timeout_ms"]; ok {
		if n, ok := toInt(v); ok {
			loop.IterationTimeoutMs = int64(n)
		}
	}
	if v, ok := payload["tools"].([]any); ok {
		tools := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok {
				tools = append(tools, s)
			}
		}
		loop.Tools = tools
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// checkSuspend is the iteration-boundary check, called once per trip
// through Run's outer loop (spec.md §5). It acts on any pending signal
// kind: Cancel ends the loop, Pause suspends it, a parameter change is
// applied and the loop continues.
func (e *Engine) checkSuspend(loop *model.Loop) (suspendAction, error) {
	sig, err := e.pendingSignal(*loop)
	if err != nil {
		return suspendNone, err
	}
	if sig == nil {
		return suspendNone, nil
	}
	return e.applySignal(loop, *sig)
}

// checkSuspendCancelOnly is the mid-iteration suspension-point check, used
// before the LLM call and before/after each tool execution. Only Cancel
// stops the loop from there; Pause and parameter-change signals are left
// unacknowledged so the current iteration runs to completion and they take
// effect at the next iteration boundary via checkSuspend, matching
// runValidation's handling of its own suspension point.
func (e *Engine) checkSuspendCancelOnly(loop *model.Loop) (suspendAction, error) {
	sig, err := e.pendingSignal(*loop)
	if err != nil {
		return suspendNone, err
	}
	if sig == nil || sig.Kind != model.SignalCancel {
		return suspendNone, nil
	}
	return e.applySignal(loop, *sig)
}
