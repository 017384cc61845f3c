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

package protocol

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/loopr/loopr/internal/chat"
	"github.com/loopr/loopr/internal/config"
	"github.com/loopr/loopr/internal/engine"
	"github.com/loopr/loopr/internal/manager"
	"github.com/loopr/loopr/internal/model"
	"github.com/loopr/loopr/internal/store"
	"github.com/loopr/loopr/pkg/looprerrors"
)

// Handlers wires the method table named in spec.md §4.6 onto a Manager,
// Engine, and the daemon's single chat Session. Register installs every
// method on registry.
type Handlers struct {
	Mgr     *manager.Manager
	Eng     *engine.Engine
	Chat    *chat.Session
	Version string
}

// Register binds every method this type implements onto registry.
func (h *Handlers) Register(registry *Registry) {
	registry.Register("ping", h.ping)
	registry.Register("status", h.status)
	registry.Register("loop.list", h.loopList)
	registry.Register("loop.get", h.loopGet)
	registry.Register("loop.create_plan", h.loopCreatePlan)
	registry.Register("loop.start", h.loopStart)
	registry.Register("loop.pause", h.loopPause)
	registry.Register("loop.resume", h.loopResume)
	registry.Register("loop.cancel", h.loopCancel)
	registry.Register("loop.delete", h.loopDelete)
	registry.Register("plan.approve", h.planApprove)
	registry.Register("plan.reject", h.planReject)
	registry.Register("plan.iterate", h.planIterate)
	registry.Register("plan.get_preview", h.planGetPreview)
	registry.Register("metrics.get", h.metricsGet)
	registry.Register("connect", h.connect)
	registry.Register("disconnect", h.disconnect)
	registry.Register("chat.send", h.chatSend)
	registry.Register("chat.clear", h.chatClear)
	registry.Register("chat.cancel", h.chatCancel)
}

func (h *Handlers) ping(ctx context.Context, req *Envelope) (any, error) {
	return map[string]bool{"pong": true}, nil
}

func (h *Handlers) status(ctx context.Context, req *Envelope) (any, error) {
	return map[string]any{
		"version":      h.Version,
		"active_loops": h.Mgr.ActiveCount(),
	}, nil
}

type loopListParams struct {
	Status   string `json:"status"`
	LoopType string `json:"loop_type"`
	ParentID string `json:"parent_id"`
}

func (h *Handlers) loopList(ctx context.Context, req *Envelope) (any, error) {
	var p loopListParams
	if err := req.UnmarshalParams(&p); err != nil {
		return nil, looprerrors.Wrap(looprerrors.KindInvalidParams, "loop.list", err)
	}

	var filters []store.Filter
	if p.Status != "" {
		filters = append(filters, store.Filter{Field: "status", Op: store.OpEq, Value: store.StringValue(p.Status)})
	}
	if p.LoopType != "" {
		filters = append(filters, store.Filter{Field: "loop_type", Op: store.OpEq, Value: store.StringValue(p.LoopType)})
	}
	if p.ParentID != "" {
		filters = append(filters, store.Filter{Field: "parent_id", Op: store.OpEq, Value: store.StringValue(p.ParentID)})
	}

	loops, err := h.Mgr.List(filters)
	if err != nil {
		return nil, err
	}
	return map[string]any{"loops": loops}, nil
}

type loopIDParams struct {
	ID string `json:"id"`
}

func (h *Handlers) loopGet(ctx context.Context, req *Envelope) (any, error) {
	var p loopIDParams
	if err := req.UnmarshalParams(&p); err != nil || p.ID == "" {
		return nil, looprerrors.New(looprerrors.KindInvalidParams, "id is required")
	}
	loop, ok, err := h.Mgr.Get(p.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, looprerrors.New(looprerrors.KindLoopNotFound, p.ID)
	}
	return loop, nil
}

type createPlanParams struct {
	Description string         `json:"description"`
	Context     map[string]any `json:"context"`
	Worktree    string         `json:"worktree"`
}

func (h *Handlers) loopCreatePlan(ctx context.Context, req *Envelope) (any, error) {
	var p createPlanParams
	if err := req.UnmarshalParams(&p); err != nil || p.Description == "" {
		return nil, looprerrors.New(looprerrors.KindInvalidParams, "description is required")
	}

	loopCtx := p.Context
	if loopCtx == nil {
		loopCtx = map[string]any{}
	}
	loopCtx["description"] = p.Description

	loop, err := h.Mgr.CreateLoop(manager.LoopSpec{
		LoopType: model.LoopTypePlan,
		Context:  loopCtx,
		Worktree: p.Worktree,
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": loop.ID}, nil
}

func (h *Handlers) loopStart(ctx context.Context, req *Envelope) (any, error) {
	var p loopIDParams
	if err := req.UnmarshalParams(&p); err != nil || p.ID == "" {
		return nil, looprerrors.New(looprerrors.KindInvalidParams, "id is required")
	}
	if err := h.Mgr.Start(p.ID); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (h *Handlers) loopPause(ctx context.Context, req *Envelope) (any, error) {
	var p loopIDParams
	if err := req.UnmarshalParams(&p); err != nil || p.ID == "" {
		return nil, looprerrors.New(looprerrors.KindInvalidParams, "id is required")
	}
	if err := h.Mgr.Pause(p.ID); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (h *Handlers) loopResume(ctx context.Context, req *Envelope) (any, error) {
	var p loopIDParams
	if err := req.UnmarshalParams(&p); err != nil || p.ID == "" {
		return nil, looprerrors.New(looprerrors.KindInvalidParams, "id is required")
	}
	if err := h.Mgr.Resume(p.ID); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (h *Handlers) loopCancel(ctx context.Context, req *Envelope) (any, error) {
	var p loopIDParams
	if err := req.UnmarshalParams(&p); err != nil || p.ID == "" {
		return nil, looprerrors.New(looprerrors.KindInvalidParams, "id is required")
	}
	if err := h.Mgr.Cancel(p.ID); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (h *Handlers) loopDelete(ctx context.Context, req *Envelope) (any, error) {
	var p loopIDParams
	if err := req.UnmarshalParams(&p); err != nil || p.ID == "" {
		return nil, looprerrors.New(looprerrors.KindInvalidParams, "id is required")
	}
	if err := h.Mgr.Delete(p.ID); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (h *Handlers) planApprove(ctx context.Context, req *Envelope) (any, error) {
	var p loopIDParams
	if err := req.UnmarshalParams(&p); err != nil || p.ID == "" {
		return nil, looprerrors.New(looprerrors.KindInvalidParams, "id is required")
	}
	n, err := h.Mgr.ApprovePlan(p.ID, parsePlanArtifact)
	if err != nil {
		return nil, err
	}
	return map[string]int{"specs_spawned": n}, nil
}

type planRejectParams struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

func (h *Handlers) planReject(ctx context.Context, req *Envelope) (any, error) {
	var p planRejectParams
	if err := req.UnmarshalParams(&p); err != nil || p.ID == "" {
		return nil, looprerrors.New(looprerrors.KindInvalidParams, "id is required")
	}
	if err := h.Mgr.RejectPlan(p.ID, p.Reason); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

type planIterateParams struct {
	ID       string `json:"id"`
	Feedback string `json:"feedback"`
}

func (h *Handlers) planIterate(ctx context.Context, req *Envelope) (any, error) {
	var p planIterateParams
	if err := req.UnmarshalParams(&p); err != nil || p.ID == "" {
		return nil, looprerrors.New(looprerrors.KindInvalidParams, "id is required")
	}
	if err := h.Mgr.ForceIterate(p.ID, p.Feedback); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (h *Handlers) planGetPreview(ctx context.Context, req *Envelope) (any, error) {
	var p loopIDParams
	if err := req.UnmarshalParams(&p); err != nil || p.ID == "" {
		return nil, looprerrors.New(looprerrors.KindInvalidParams, "id is required")
	}
	loop, ok, err := h.Mgr.Get(p.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, looprerrors.New(looprerrors.KindLoopNotFound, p.ID)
	}
	prompt, err := h.Eng.PreviewPrompt(loop)
	if err != nil {
		return nil, err
	}
	return map[string]string{"prompt": prompt}, nil
}

func (h *Handlers) metricsGet(ctx context.Context, req *Envelope) (any, error) {
	return map[string]any{"active_loops": h.Mgr.ActiveCount()}, nil
}

func (h *Handlers) connect(ctx context.Context, req *Envelope) (any, error) {
	return map[string]bool{"ok": true}, nil
}

func (h *Handlers) disconnect(ctx context.Context, req *Envelope) (any, error) {
	return map[string]bool{"ok": true}, nil
}

type chatSendParams struct {
	Content string `json:"content"`
}

func (h *Handlers) chatSend(ctx context.Context, req *Envelope) (any, error) {
	var p chatSendParams
	if err := req.UnmarshalParams(&p); err != nil || p.Content == "" {
		return nil, looprerrors.New(looprerrors.KindInvalidParams, "content is required")
	}
	id, err := h.Chat.Send(ctx, p.Content)
	if err != nil {
		return nil, err
	}
	return map[string]string{"message_id": id}, nil
}

func (h *Handlers) chatClear(ctx context.Context, req *Envelope) (any, error) {
	if err := h.Chat.Clear(); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (h *Handlers) chatCancel(ctx context.Context, req *Envelope) (any, error) {
	h.Chat.Cancel()
	return map[string]bool{"ok": true}, nil
}

// planArtifactSpec is one entry of a Plan loop's plan.json artifact.
type planArtifactSpec struct {
	Description string         `json:"description"`
	Context     map[string]any `json:"context"`
}

// parsePlanArtifact reads plan.json from parent's worktree and builds the
// Spec children ApprovePlan should spawn. Artifact format is an external
// collaborator concern by design (manager.ChildSpecFunc's doc comment);
// this is the one concrete implementation the daemon wires in.
func parsePlanArtifact(parent model.Loop) ([]manager.LoopSpec, error) {
	path := filepath.Join(parent.Worktree, "plan.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, looprerrors.Wrap(looprerrors.KindInvalidParams, "reading plan artifact", err)
	}

	var specs []planArtifactSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, looprerrors.Wrap(looprerrors.KindInvalidParams, "parsing plan artifact", err)
	}

	out := make([]manager.LoopSpec, 0, len(specs))
	for _, s := range specs {
		ctx := s.Context
		if ctx == nil {
			ctx = map[string]any{}
		}
		ctx["description"] = s.Description
		out = append(out, manager.LoopSpec{
			LoopType:  model.LoopTypeSpec,
			Context:   ctx,
			Worktree:  parent.Worktree,
			Overrides: config.Overrides{},
		})
	}
	return out, nil
}
