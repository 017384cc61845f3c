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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/loopr/loopr/pkg/looprerrors"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.MaxConcurrentLoops != 50 {
		t.Errorf("MaxConcurrentLoops = %d, want 50", cfg.MaxConcurrentLoops)
	}
	if cfg.Validation.IterationTimeoutMs != 300000 {
		t.Errorf("Validation.IterationTimeoutMs = %d, want 300000", cfg.Validation.IterationTimeoutMs)
	}
	if cfg.Validation.MaxIterations != 100 {
		t.Errorf("Validation.MaxIterations = %d, want 100", cfg.Validation.MaxIterations)
	}
}

func TestLoad_ExplicitPathMissing(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	if looprerrors.KindOf(err) != looprerrors.KindConfigInvalid {
		t.Errorf("error kind = %v, want ConfigInvalid", looprerrors.KindOf(err))
	}
}

func TestLoad_ExplicitPathOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loopr.yml")
	body := "max_concurrent_loops: 5\nvalidation:\n  command: \"go test ./...\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, used, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if used != path {
		t.Errorf("used path = %q, want %q", used, path)
	}
	if cfg.MaxConcurrentLoops != 5 {
		t.Errorf("MaxConcurrentLoops = %d, want 5", cfg.MaxConcurrentLoops)
	}
	if cfg.Validation.Command != "go test ./..." {
		t.Errorf("Validation.Command = %q, want %q", cfg.Validation.Command, "go test ./...")
	}
	// Fields the file doesn't mention keep their compiled default.
	if cfg.Validation.MaxIterations != 100 {
		t.Errorf("Validation.MaxIterations = %d, want unchanged default 100", cfg.Validation.MaxIterations)
	}
}

func TestLoad_NoFileFound(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg-config"))

	oldwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	cwd := t.TempDir()
	if err := os.Chdir(cwd); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(oldwd) })

	cfg, used, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if used != "" {
		t.Errorf("used path = %q, want empty", used)
	}
	if cfg.MaxConcurrentLoops != Defaults().MaxConcurrentLoops {
		t.Error("expected compiled defaults when no config file exists")
	}
}

func TestResolvedLoopType_ExtendsChain(t *testing.T) {
	cfg := Defaults()
	cfg.LoopTypes = map[string]LoopTypeConfig{
		"base": {
			Tools:     []string{"read_file"},
			MaxTokens: 4096,
		},
		"derived": {
			Extends: "base",
			Prompt:  "derived.tmpl",
		},
	}

	resolved := cfg.resolvedLoopType("derived")
	if resolved.Prompt != "derived.tmpl" {
		t.Errorf("Prompt = %q, want derived.tmpl", resolved.Prompt)
	}
	if len(resolved.Tools) != 1 || resolved.Tools[0] != "read_file" {
		t.Errorf("Tools = %v, want [read_file] inherited from base", resolved.Tools)
	}
	if resolved.MaxTokens != 4096 {
		t.Errorf("MaxTokens = %d, want 4096 inherited from base", resolved.MaxTokens)
	}
}

func TestResolvedLoopType_CycleDoesNotHang(t *testing.T) {
	cfg := Defaults()
	cfg.LoopTypes = map[string]LoopTypeConfig{
		"a": {Extends: "b", Prompt: "a.tmpl"},
		"b": {Extends: "a", Prompt: "b.tmpl"},
	}

	resolved := cfg.resolvedLoopType("a")
	if resolved.Prompt == "" {
		t.Fatal("expected a resolved prompt despite the cycle")
	}
}
