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

package toolrouter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/loopr/loopr/internal/engine"
)

func TestDefinitions_ListsBuiltins(t *testing.T) {
	r := New()
	defs := r.Definitions()
	if len(defs) != 3 {
		t.Fatalf("len(Definitions()) = %d, want 3", len(defs))
	}
	names := map[string]bool{}
	for _, d := range defs {
		names[d.Name] = true
	}
	for _, want := range []string{"read_file", "write_file", "shell"} {
		if !names[want] {
			t.Errorf("Definitions() missing %q", want)
		}
	}
}

func TestExecute_WriteThenReadFile(t *testing.T) {
	r := New()
	dir := t.TempDir()

	writeResult, err := r.Execute(context.Background(), engine.ToolCall{
		Name:  "write_file",
		Input: map[string]any{"path": "notes.txt", "content": "hello"},
	}, dir)
	if err != nil {
		t.Fatalf("Execute(write_file): %v", err)
	}
	if writeResult.Error != "" {
		t.Fatalf("write_file result.Error = %q", writeResult.Error)
	}

	readResult, err := r.Execute(context.Background(), engine.ToolCall{
		Name:  "read_file",
		Input: map[string]any{"path": "notes.txt"},
	}, dir)
	if err != nil {
		t.Fatalf("Execute(read_file): %v", err)
	}
	if readResult.Output["content"] != "hello" {
		t.Errorf("content = %v, want %q", readResult.Output["content"], "hello")
	}
}

func TestExecute_WriteFileCreatesParentDirs(t *testing.T) {
	r := New()
	dir := t.TempDir()

	result, err := r.Execute(context.Background(), engine.ToolCall{
		Name:  "write_file",
		Input: map[string]any{"path": "nested/deep/notes.txt", "content": "x"},
	}, dir)
	if err != nil {
		t.Fatalf("Execute(write_file): %v", err)
	}
	if result.Error != "" {
		t.Fatalf("result.Error = %q", result.Error)
	}
	if _, err := os.Stat(filepath.Join(dir, "nested/deep/notes.txt")); err != nil {
		t.Errorf("expected file to exist: %v", err)
	}
}

func TestExecute_ReadFileRejectsWorktreeEscape(t *testing.T) {
	r := New()
	dir := t.TempDir()

	result, err := r.Execute(context.Background(), engine.ToolCall{
		Name:  "read_file",
		Input: map[string]any{"path": "../../etc/passwd"},
	}, dir)
	if err != nil {
		t.Fatalf("Execute(read_file): %v", err)
	}
	if result.Error == "" {
		t.Error("expected Error for path escaping worktree, got none")
	}
}

func TestExecute_Shell(t *testing.T) {
	r := New()
	dir := t.TempDir()

	result, err := r.Execute(context.Background(), engine.ToolCall{
		Name:  "shell",
		Input: map[string]any{"command": "echo hi"},
	}, dir)
	if err != nil {
		t.Fatalf("Execute(shell): %v", err)
	}
	if result.Output["status"] != "completed" {
		t.Errorf("status = %v, want completed", result.Output["status"])
	}
	if result.Output["output"] != "hi\n" {
		t.Errorf("output = %q, want %q", result.Output["output"], "hi\n")
	}
}

func TestExecute_ShellNonZeroExit(t *testing.T) {
	r := New()
	dir := t.TempDir()

	result, err := r.Execute(context.Background(), engine.ToolCall{
		Name:  "shell",
		Input: map[string]any{"command": "exit 9"},
	}, dir)
	if err != nil {
		t.Fatalf("Execute(shell): %v", err)
	}
	if result.Output["exit_code"] != 9 {
		t.Errorf("exit_code = %v, want 9", result.Output["exit_code"])
	}
	if result.Output["status"] != "error" {
		t.Errorf("status = %v, want error", result.Output["status"])
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	r := New()
	_, err := r.Execute(context.Background(), engine.ToolCall{Name: "nonexistent"}, t.TempDir())
	if err == nil {
		t.Error("expected error for unknown tool")
	}
}
