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

package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/loopr/loopr/internal/model"
	"github.com/loopr/loopr/pkg/looprerrors"
)

func newTestLoops(t *testing.T) *Collection[model.Loop, *model.Loop] {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loops.log")
	return NewCollection[model.Loop, *model.Loop](path, loopIndex)
}

func TestCollection_CreateGet(t *testing.T) {
	c := newTestLoops(t)

	created, err := c.Create(model.Loop{
		LoopType: model.LoopTypePlan,
		Status:   model.LoopStatusPending,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated id")
	}

	got, ok, err := c.Get(created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected record to exist")
	}
	if got.Status != model.LoopStatusPending {
		t.Errorf("Status = %v, want Pending", got.Status)
	}
}

func TestCollection_CreateDuplicate(t *testing.T) {
	c := newTestLoops(t)

	rec := model.Loop{Base: model.Base{ID: "L1"}, LoopType: model.LoopTypePlan}
	if _, err := c.Create(rec); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	_, err := c.Create(rec)
	if looprerrors.KindOf(err) != looprerrors.KindDuplicate {
		t.Errorf("second Create error kind = %v, want Duplicate", looprerrors.KindOf(err))
	}
}

func TestCollection_UpdateNotFound(t *testing.T) {
	c := newTestLoops(t)
	_, err := c.Update(model.Loop{Base: model.Base{ID: "missing"}})
	if looprerrors.KindOf(err) != looprerrors.KindNotFound {
		t.Errorf("Update error kind = %v, want NotFound", looprerrors.KindOf(err))
	}
}

func TestCollection_DeleteThenCreateSameID(t *testing.T) {
	c := newTestLoops(t)

	rec := model.Loop{Base: model.Base{ID: "L1"}, LoopType: model.LoopTypePlan}
	if _, err := c.Create(rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Delete("L1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := c.Get("L1"); ok {
		t.Fatal("expected no record after delete")
	}
	if _, err := c.Create(rec); err != nil {
		t.Fatalf("recreate after delete: %v", err)
	}
	if _, ok, _ := c.Get("L1"); !ok {
		t.Fatal("expected record after recreate")
	}
}

func TestCollection_DeleteIdempotent(t *testing.T) {
	c := newTestLoops(t)
	if err := c.Delete("never-existed"); err != nil {
		t.Errorf("Delete of absent id should be a no-op, got %v", err)
	}
}

func TestCollection_ListFilters(t *testing.T) {
	c := newTestLoops(t)

	mustCreate := func(id string, status model.LoopStatus, lt model.LoopType) {
		t.Helper()
		if _, err := c.Create(model.Loop{Base: model.Base{ID: id}, Status: status, LoopType: lt}); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	mustCreate("L1", model.LoopStatusPending, model.LoopTypePlan)
	mustCreate("L2", model.LoopStatusRunning, model.LoopTypeSpec)
	mustCreate("L3", model.LoopStatusPending, model.LoopTypeSpec)

	got, err := c.List([]Filter{{Field: "status", Op: OpEq, Value: StringValue(string(model.LoopStatusPending))}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List(status=Pending) returned %d records, want 2", len(got))
	}

	_, err = c.List([]Filter{{Field: "not_indexed", Op: OpEq, Value: StringValue("x")}})
	if looprerrors.KindOf(err) != looprerrors.KindInvalidFilter {
		t.Errorf("List on unknown field error kind = %v, want InvalidFilter", looprerrors.KindOf(err))
	}
}

func TestCollection_RebuildAfterCacheDiscard(t *testing.T) {
	c := newTestLoops(t)
	if _, err := c.Create(model.Loop{Base: model.Base{ID: "L1"}, LoopType: model.LoopTypePlan}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	before, err := c.List(nil)
	if err != nil {
		t.Fatalf("List before: %v", err)
	}

	// Force a rebuild and confirm list() is identical.
	if err := c.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	after, err := c.List(nil)
	if err != nil {
		t.Fatalf("List after: %v", err)
	}
	if len(before) != len(after) {
		t.Fatalf("record count changed across rebuild: %d vs %d", len(before), len(after))
	}
}

func TestCollection_CorruptTrailingLineSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loops.log")
	c := NewCollection[model.Loop, *model.Loop](path, loopIndex)

	if _, err := c.Create(model.Loop{Base: model.Base{ID: "L1"}, LoopType: model.LoopTypePlan}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open log for corruption: %v", err)
	}
	if _, err := f.WriteString(`{"id":"L2","loop_type":"Plan"`); err != nil { // no closing brace, no newline
		t.Fatalf("write partial line: %v", err)
	}
	f.Close()

	if err := c.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, ok, _ := c.Get("L1"); !ok {
		t.Fatal("preceding record should remain queryable after a corrupt trailing line")
	}
	if _, ok, _ := c.Get("L2"); ok {
		t.Fatal("corrupt trailing record should not be present")
	}
}
