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

package promptrender

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/loopr/loopr/pkg/looprerrors"
)

func TestRender_SubstitutesVariables(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "plan.tmpl"), []byte("iteration {{.iteration}}: {{.description}}"), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}

	r := New(dir)
	out, err := r.Render("plan.tmpl", map[string]any{"iteration": 2, "description": "build a thing"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "iteration 2: build a thing" {
		t.Errorf("Render = %q, want %q", out, "iteration 2: build a thing")
	}
}

func TestRender_CachesParsedTemplate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ralph.tmpl")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}

	r := New(dir)
	first, err := r.Render("ralph.tmpl", nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if first != "v1" {
		t.Fatalf("first render = %q, want v1", first)
	}

	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatalf("rewrite template: %v", err)
	}
	second, err := r.Render("ralph.tmpl", nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if second != "v1" {
		t.Errorf("second render = %q, want cached v1", second)
	}
}

func TestRender_MissingTemplate(t *testing.T) {
	r := New(t.TempDir())
	_, err := r.Render("missing.tmpl", nil)
	if looprerrors.KindOf(err) != looprerrors.KindNotFound {
		t.Errorf("KindOf(err) = %v, want KindNotFound", looprerrors.KindOf(err))
	}
}

func TestRender_RejectsPathTraversal(t *testing.T) {
	r := New(t.TempDir())
	_, err := r.Render("../escape.tmpl", nil)
	if looprerrors.KindOf(err) != looprerrors.KindInvalidParams {
		t.Errorf("KindOf(err) = %v, want KindInvalidParams", looprerrors.KindOf(err))
	}
}
