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

// Package toolrouter implements the engine's narrow ToolRouter
// collaborator: an in-process registry of built-in tools (read_file,
// write_file, shell) confined to a loop's worktree.
package toolrouter

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loopr/loopr/internal/engine"
)

const (
	defaultShellTimeout = 30 * time.Second
	defaultMaxFileSize  = 10 * 1024 * 1024
)

// Router dispatches tool calls to the three built-ins. Every path argument
// is resolved relative to the cwd Execute is called with and rejected if
// it would escape that directory, confining tool use to a loop's worktree.
type Router struct {
	ShellTimeout time.Duration
	MaxFileSize  int64
}

// New constructs a Router with the default shell timeout and file size
// bound.
func New() *Router {
	return &Router{
		ShellTimeout: defaultShellTimeout,
		MaxFileSize:  defaultMaxFileSize,
	}
}

// Definitions lists the tools available to the LLM.
func (r *Router) Definitions() []engine.ToolDefinition {
	return []engine.ToolDefinition{
		{
			Name:        "read_file",
			Description: "Read a file's contents from the loop's worktree",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string"},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        "write_file",
			Description: "Write content to a file in the loop's worktree, creating parent directories as needed",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				"required": []string{"path", "content"},
			},
		},
		{
			Name:        "shell",
			Description: "Run a shell command in the loop's worktree",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string"},
				},
				"required": []string{"command"},
			},
		},
	}
}

// Execute runs call against cwd, the loop's worktree.
func (r *Router) Execute(ctx context.Context, call engine.ToolCall, cwd string) (engine.ToolResult, error) {
	switch call.Name {
	case "read_file":
		return r.readFile(cwd, call.Input)
	case "write_file":
		return r.writeFile(cwd, call.Input)
	case "shell":
		return r.shell(ctx, cwd, call.Input)
	default:
		return engine.ToolResult{}, fmt.Errorf("unknown tool %q", call.Name)
	}
}

func (r *Router) readFile(cwd string, input map[string]any) (engine.ToolResult, error) {
	path, ok := input["path"].(string)
	if !ok || path == "" {
		return engine.ToolResult{Error: "path is required"}, nil
	}
	resolved, err := resolvePath(cwd, path)
	if err != nil {
		return engine.ToolResult{Error: err.Error()}, nil
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return engine.ToolResult{Error: fmt.Sprintf("stat %s: %v", path, err)}, nil
	}
	maxSize := r.MaxFileSize
	if maxSize <= 0 {
		maxSize = defaultMaxFileSize
	}
	if info.Size() > maxSize {
		return engine.ToolResult{Error: fmt.Sprintf("%s exceeds maximum read size of %d bytes", path, maxSize)}, nil
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		return engine.ToolResult{Error: fmt.Sprintf("read %s: %v", path, err)}, nil
	}
	return engine.ToolResult{Output: map[string]any{"content": string(content)}}, nil
}

func (r *Router) writeFile(cwd string, input map[string]any) (engine.ToolResult, error) {
	path, ok := input["path"].(string)
	if !ok || path == "" {
		return engine.ToolResult{Error: "path is required"}, nil
	}
	content, _ := input["content"].(string)

	resolved, err := resolvePath(cwd, path)
	if err != nil {
		return engine.ToolResult{Error: err.Error()}, nil
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return engine.ToolResult{Error: fmt.Sprintf("creating parent directory for %s: %v", path, err)}, nil
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return engine.ToolResult{Error: fmt.Sprintf("write %s: %v", path, err)}, nil
	}
	return engine.ToolResult{Output: map[string]any{"bytes_written": len(content)}}, nil
}

func (r *Router) shell(ctx context.Context, cwd string, input map[string]any) (engine.ToolResult, error) {
	command, ok := input["command"].(string)
	if !ok || command == "" {
		return engine.ToolResult{Error: "command is required"}, nil
	}

	timeout := r.ShellTimeout
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	if cwd != "" {
		cmd.Dir = cwd
	}
	output, err := cmd.CombinedOutput()

	exitCode := 0
	status := "completed"
	if runCtx.Err() != nil {
		status = "timeout"
		exitCode = -1
	} else if err != nil {
		status = "error"
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	return engine.ToolResult{Output: map[string]any{
		"output":    string(output),
		"exit_code": exitCode,
		"status":    status,
	}}, nil
}

// resolvePath joins cwd and path and rejects the result if it would escape
// cwd, confining every file tool to the loop's worktree.
func resolvePath(cwd, path string) (string, error) {
	if cwd == "" {
		return "", fmt.Errorf("tool has no worktree to resolve %q against", path)
	}
	joined := filepath.Join(cwd, path)
	cleanCwd := filepath.Clean(cwd)
	if joined != cleanCwd && !strings.HasPrefix(joined, cleanCwd+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the worktree", path)
	}
	return joined, nil
}
