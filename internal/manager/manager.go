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

// Package manager is the lifecycle authority for loops: creation (including
// recursive children), status transitions, spawning and tracking background
// execution tasks, and lifecycle event emission. It holds no iteration logic
// of its own; that belongs to internal/engine.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loopr/loopr/internal/config"
	"github.com/loopr/loopr/internal/engine"
	"github.com/loopr/loopr/internal/eventbus"
	"github.com/loopr/loopr/internal/model"
	"github.com/loopr/loopr/internal/store"
	"github.com/loopr/loopr/pkg/looprerrors"
)

// LoopSpec is the caller-supplied shape for creating a loop: loop type,
// prompt context, working directory, and any per-loop config overrides.
type LoopSpec struct {
	LoopType  model.LoopType
	Context   map[string]any
	Worktree  string
	Overrides config.Overrides
}

// ChildSpecFunc parses a Plan loop's artifact into the specs for its Spec
// children. Supplied by the caller of ApprovePlan since artifact format is
// an external collaborator concern, not the manager's.
type ChildSpecFunc func(parent model.Loop) ([]LoopSpec, error)

// Manager is the lifecycle authority for loops. One Manager is shared by
// the daemon's protocol handlers and its dispatcher.
type Manager struct {
	store *store.Store
	cfg   *config.Config
	bus   *eventbus.Bus
	eng   *engine.Engine

	wake chan struct{}

	locks   sync.Map // map[string]*sync.Mutex, per-loop-id lifecycle guard
	handles sync.Map // map[string]context.CancelFunc, live background tasks
}

// New constructs a Manager over the given store, resolved config, event bus,
// and engine. All four must be non-nil.
func New(st *store.Store, cfg *config.Config, bus *eventbus.Bus, eng *engine.Engine) *Manager {
	return &Manager{
		store: st,
		cfg:   cfg,
		bus:   bus,
		eng:   eng,
		wake:  make(chan struct{}, 1),
	}
}

// WakeUp returns the channel the dispatcher selects on to learn that a
// Pending loop may now be eligible to start, or a Running loop just
// terminated freeing a concurrency slot.
func (m *Manager) WakeUp() <-chan struct{} {
	return m.wake
}

func (m *Manager) notifyWake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// ActiveCount reports the number of loops with a live background task,
// mirroring the teacher's ActiveRunCount.
func (m *Manager) ActiveCount() int {
	count := 0
	m.handles.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// CancelAll cancels the context backing every live background task, used
// during daemon shutdown once the grace period elapses.
func (m *Manager) CancelAll() {
	m.handles.Range(func(_, value any) bool {
		if cancel, ok := value.(context.CancelFunc); ok {
			cancel()
		}
		return true
	})
}

// Get returns a loop by id.
func (m *Manager) Get(id string) (model.Loop, bool, error) {
	return m.store.Loops.Get(id)
}

// List returns loops matching filters.
func (m *Manager) List(filters []store.Filter) ([]model.Loop, error) {
	return m.store.Loops.List(filters)
}

// CreateLoop persists a new top-level Pending loop with config resolved
// from spec.LoopType and spec.Overrides, and emits loop.created.
func (m *Manager) CreateLoop(spec LoopSpec) (model.Loop, error) {
	return m.createLoopRecord(spec, "")
}

// CreateChild persists a new Pending loop as a child of parentID, appending
// its id to the parent's children. Forbidden once the parent is terminal.
func (m *Manager) CreateChild(parentID string, spec LoopSpec) (model.Loop, error) {
	lock := m.lockFor(parentID)
	lock.Lock()
	defer lock.Unlock()

	parent, ok, err := m.store.Loops.Get(parentID)
	if err != nil {
		return model.Loop{}, err
	}
	if !ok {
		return model.Loop{}, looprerrors.New(looprerrors.KindLoopNotFound, parentID)
	}
	if parent.Status.IsTerminal() {
		return model.Loop{}, looprerrors.Newf(looprerrors.KindIllegalTransition, "parent loop %s is terminal", parentID)
	}

	child, err := m.createLoopRecord(spec, parentID)
	if err != nil {
		return model.Loop{}, err
	}

	parent.Children = append(parent.Children, child.ID)
	if _, err := m.store.Loops.Update(parent); err != nil {
		return model.Loop{}, err
	}
	return child, nil
}

func (m *Manager) createLoopRecord(spec LoopSpec, parentID string) (model.Loop, error) {
	lc := config.Resolve(m.cfg, spec.LoopType, spec.Overrides)

	loop := model.Loop{
		ParentID:             parentID,
		LoopType:             spec.LoopType,
		Status:               model.LoopStatusPending,
		Context:              spec.Context,
		PromptPath:           lc.PromptPath,
		MaxIterations:        lc.MaxIterations,
		MaxTurnsPerIteration: lc.MaxTurnsPerIteration,
		IterationTimeoutMs:   lc.IterationTimeoutMs,
		ValidationCommand:    lc.ValidationCommand,
		SuccessExitCode:      lc.SuccessExitCode,
		Tools:                lc.Tools,
		MaxTokens:            lc.MaxTokens,
		Worktree:             spec.Worktree,
	}

	created, err := m.store.Loops.Create(loop)
	if err != nil {
		return model.Loop{}, err
	}
	m.recordAndPublish(created.ID, "loop.created", map[string]any{
		"status":    string(created.Status),
		"loop_type": string(created.LoopType),
	})
	m.notifyWake()
	return created, nil
}

// Start transitions a Pending or Paused loop to Running and spawns its
// background execution task. Refuses from any other status.
func (m *Manager) Start(id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	loop, ok, err := m.store.Loops.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return looprerrors.New(looprerrors.KindLoopNotFound, id)
	}
	if loop.Status != model.LoopStatusPending && loop.Status != model.LoopStatusPaused {
		return looprerrors.Newf(looprerrors.KindIllegalTransition, "cannot start loop %s from status %s", id, loop.Status)
	}

	loop.Status = model.LoopStatusRunning
	updated, err := m.store.Loops.Update(loop)
	if err != nil {
		return err
	}
	m.recordAndPublish(updated.ID, "loop.updated", map[string]any{"status": string(updated.Status)})

	go m.runLoop(updated.ID)
	return nil
}

func (m *Manager) runLoop(id string) {
	ctx, cancel := context.WithCancel(context.Background())
	m.handles.Store(id, cancel)
	defer func() {
		m.handles.Delete(id)
		m.notifyWake()
	}()

	runErr := m.eng.Run(ctx, id)

	loop, ok, gerr := m.store.Loops.Get(id)
	if gerr != nil || !ok {
		return
	}

	if runErr != nil && !loop.Status.IsTerminal() {
		loop.Status = model.LoopStatusFailed
		loop.FailureNote = runErr.Error()
		updated, uerr := m.store.Loops.Update(loop)
		if uerr != nil {
			return
		}
		m.recordAndPublish(updated.ID, "loop.updated", map[string]any{"status": string(updated.Status)})
		loop = updated
	}

	// Engine.Run may have transitioned the loop to Failed internally
	// (max_iterations exhausted, or max_iterations <= 0) without returning
	// an error; either way a Failed parent recursively cancels any
	// non-terminal children.
	if loop.Status == model.LoopStatusFailed {
		_ = m.cancelChildren(loop.Children)
	}
}

// Pause enqueues a pause signal for a Running loop. The transition to
// Paused occurs at the next iteration boundary observed by the engine.
func (m *Manager) Pause(id string) error {
	loop, ok, err := m.store.Loops.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return looprerrors.New(looprerrors.KindLoopNotFound, id)
	}
	if loop.Status != model.LoopStatusRunning {
		return looprerrors.Newf(looprerrors.KindIllegalTransition, "cannot pause loop %s from status %s", id, loop.Status)
	}
	_, err = m.store.Signals.Create(model.SignalRecord{TargetLoop: id, Kind: model.SignalPause})
	return err
}

// Resume transitions a Paused loop back to Pending, re-submitting it to the
// dispatcher rather than resuming its old (now-gone) background task.
func (m *Manager) Resume(id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	loop, ok, err := m.store.Loops.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return looprerrors.New(looprerrors.KindLoopNotFound, id)
	}
	if loop.Status != model.LoopStatusPaused {
		return looprerrors.Newf(looprerrors.KindIllegalTransition, "cannot resume loop %s from status %s", id, loop.Status)
	}

	loop.Status = model.LoopStatusPending
	updated, err := m.store.Loops.Update(loop)
	if err != nil {
		return err
	}
	m.recordAndPublish(updated.ID, "loop.updated", map[string]any{"status": string(updated.Status)})
	m.notifyWake()
	return nil
}

// Cancel enqueues a cancel signal for id (or transitions it directly if it
// has no live background task) and recurses over its children.
func (m *Manager) Cancel(id string) error {
	return m.cancelRecursive(id, map[string]bool{})
}

func (m *Manager) cancelRecursive(id string, seen map[string]bool) error {
	if seen[id] {
		return nil
	}
	seen[id] = true

	loop, ok, err := m.store.Loops.Get(id)
	if err != nil {
		return err
	}
	if !ok || loop.Status.IsTerminal() {
		return nil
	}

	if loop.Status == model.LoopStatusRunning {
		if _, err := m.store.Signals.Create(model.SignalRecord{TargetLoop: id, Kind: model.SignalCancel}); err != nil {
			return err
		}
	} else {
		loop.Status = model.LoopStatusCancelled
		updated, err := m.store.Loops.Update(loop)
		if err != nil {
			return err
		}
		m.recordAndPublish(updated.ID, "loop.updated", map[string]any{"status": string(updated.Status)})
	}

	for _, childID := range loop.Children {
		if err := m.cancelRecursive(childID, seen); err != nil {
			return err
		}
	}
	return nil
}

// cancelChildren cascades a cancel over children, for a parent that has
// already landed on Cancelled or Failed by a path other than Cancel()
// (a natural Failed transition: max-iterations exhaustion, a spawn
// failure, startup reconciliation). cancelRecursive bails immediately on
// a terminal loop, which is correct when called on the parent itself but
// would skip the children entirely here, so each child is recursed into
// directly instead.
func (m *Manager) cancelChildren(children []string) error {
	seen := map[string]bool{}
	for _, childID := range children {
		if err := m.cancelRecursive(childID, seen); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a terminal loop's record, orphaning its children: a child
// not already terminal becomes a top-level Cancelled loop.
func (m *Manager) Delete(id string) error {
	loop, ok, err := m.store.Loops.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if !loop.Status.IsTerminal() {
		return looprerrors.Newf(looprerrors.KindIllegalTransition, "cannot delete loop %s in status %s", id, loop.Status)
	}

	for _, childID := range loop.Children {
		child, ok, err := m.store.Loops.Get(childID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		child.ParentID = ""
		if !child.Status.IsTerminal() {
			child.Status = model.LoopStatusCancelled
		}
		updated, err := m.store.Loops.Update(child)
		if err != nil {
			return err
		}
		m.recordAndPublish(updated.ID, "loop.updated", map[string]any{
			"status":    string(updated.Status),
			"parent_id": "",
		})
	}

	return m.store.Loops.Delete(id)
}

// ForceIterate moves an AwaitingApproval or Failed loop back to Pending,
// appending feedback to its progress log so the next run picks it up.
func (m *Manager) ForceIterate(id, feedback string) error {
	loop, ok, err := m.store.Loops.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return looprerrors.New(looprerrors.KindLoopNotFound, id)
	}
	if loop.Status != model.LoopStatusAwaitingApproval && loop.Status != model.LoopStatusFailed {
		return looprerrors.Newf(looprerrors.KindIllegalTransition, "cannot force-iterate loop %s from status %s", id, loop.Status)
	}

	if feedback != "" {
		loop.Progress = engine.AppendProgress(loop.Progress, feedback, m.cfg.Progress)
	}
	loop.Status = model.LoopStatusPending
	updated, err := m.store.Loops.Update(loop)
	if err != nil {
		return err
	}
	m.recordAndPublish(updated.ID, "loop.updated", map[string]any{"status": string(updated.Status)})
	m.notifyWake()
	return nil
}

// FailSpawn transitions id directly to Failed with cause recorded in
// progress. Used by the dispatcher when Start itself errors (store failure,
// lost race on a concurrent transition): the loop never got a background
// task, so there is nothing to cancel, only a status to record.
func (m *Manager) FailSpawn(id string, cause error) error {
	loop, ok, err := m.store.Loops.Get(id)
	if err != nil {
		return err
	}
	if !ok || loop.Status.IsTerminal() {
		return nil
	}

	loop.Progress = engine.AppendProgress(loop.Progress, fmt.Sprintf("spawn error: %v", cause), m.cfg.Progress)
	loop.Status = model.LoopStatusFailed
	loop.FailureNote = cause.Error()
	updated, err := m.store.Loops.Update(loop)
	if err != nil {
		return err
	}
	m.recordAndPublish(updated.ID, "loop.updated", map[string]any{"status": string(updated.Status)})
	return m.cancelChildren(updated.Children)
}

// ApprovePlan moves a Plan loop from AwaitingApproval to Complete and spawns
// its Spec children, parsed from the loop's artifacts by parseFn. Child
// spawn is atomic: if any child fails to persist, the ones already created
// for this call are rolled back and the parent is left untouched.
func (m *Manager) ApprovePlan(id string, parseFn ChildSpecFunc) (int, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	loop, ok, err := m.store.Loops.Get(id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, looprerrors.New(looprerrors.KindLoopNotFound, id)
	}
	if loop.Status != model.LoopStatusAwaitingApproval {
		return 0, looprerrors.Newf(looprerrors.KindIllegalTransition, "cannot approve loop %s from status %s", id, loop.Status)
	}
	if loop.LoopType != model.LoopTypePlan {
		return 0, looprerrors.Newf(looprerrors.KindIllegalTransition, "loop %s is not a Plan loop", id)
	}

	specs, err := parseFn(loop)
	if err != nil {
		return 0, err
	}

	created := make([]model.Loop, 0, len(specs))
	for _, spec := range specs {
		child, err := m.createLoopRecord(spec, id)
		if err != nil {
			m.rollback(created)
			return 0, err
		}
		created = append(created, child)
	}

	loop.Children = append(loop.Children, childIDs(created)...)
	loop.Status = model.LoopStatusComplete
	updated, err := m.store.Loops.Update(loop)
	if err != nil {
		m.rollback(created)
		return 0, err
	}

	m.recordAndPublish(updated.ID, "loop.updated", map[string]any{"status": string(updated.Status)})
	m.recordAndPublish(updated.ID, "plan.approved", map[string]any{"specs_spawned": len(created)})
	m.notifyWake()
	return len(created), nil
}

func (m *Manager) rollback(created []model.Loop) {
	for _, c := range created {
		_ = m.store.Loops.Delete(c.ID)
	}
}

func childIDs(loops []model.Loop) []string {
	ids := make([]string, len(loops))
	for i, l := range loops {
		ids[i] = l.ID
	}
	return ids
}

// RejectPlan moves an AwaitingApproval loop to Failed, recording reason in
// its progress log.
func (m *Manager) RejectPlan(id, reason string) error {
	loop, ok, err := m.store.Loops.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return looprerrors.New(looprerrors.KindLoopNotFound, id)
	}
	if loop.Status != model.LoopStatusAwaitingApproval {
		return looprerrors.Newf(looprerrors.KindIllegalTransition, "cannot reject loop %s from status %s", id, loop.Status)
	}

	loop.Progress = engine.AppendProgress(loop.Progress, reason, m.cfg.Progress)
	loop.Status = model.LoopStatusFailed
	updated, err := m.store.Loops.Update(loop)
	if err != nil {
		return err
	}
	m.recordAndPublish(updated.ID, "loop.updated", map[string]any{"status": string(updated.Status)})
	m.recordAndPublish(updated.ID, "plan.rejected", map[string]any{"reason": reason})
	return nil
}

// ReconcileOnStartup scans loops left in status Running by an unclean
// daemon exit, for which no background task handle exists in this fresh
// process. A loop whose last update is older than staleThreshold is
// resubmitted as Pending; a loop updated recently relative to that
// threshold is left for the operator to investigate and marked Failed with
// a recovery note (spec.md §5, recovery on startup).
func (m *Manager) ReconcileOnStartup(staleThreshold time.Duration) error {
	running, err := m.store.Loops.List([]store.Filter{
		{Field: "status", Op: store.OpEq, Value: store.StringValue(string(model.LoopStatusRunning))},
	})
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	for _, loop := range running {
		if now-loop.UpdatedAt > staleThreshold.Milliseconds() {
			loop.Status = model.LoopStatusPending
		} else {
			loop.Status = model.LoopStatusFailed
			loop.FailureNote = "interrupted by daemon restart"
		}
		updated, err := m.store.Loops.Update(loop)
		if err != nil {
			return err
		}
		m.recordAndPublish(updated.ID, "loop.updated", map[string]any{"status": string(updated.Status)})
		if updated.Status == model.LoopStatusFailed {
			if err := m.cancelChildren(updated.Children); err != nil {
				return err
			}
		}
	}
	if len(running) > 0 {
		m.notifyWake()
	}
	return nil
}

func (m *Manager) recordAndPublish(loopID, eventType string, payload map[string]any) {
	if m.store.Events != nil {
		_, _ = m.store.Events.Create(model.EventRecord{EventType: eventType, LoopID: loopID, Payload: payload})
	}
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{
			Type:      eventType,
			LoopID:    loopID,
			Payload:   payload,
			CreatedAt: eventbus.NowMillis(),
		})
	}
}
