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

// Package validator implements the engine's narrow Validator collaborator
// by running a loop's validation command as a subprocess in its worktree.
package validator

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/loopr/loopr/internal/engine"
)

// SubprocessValidator runs validation commands through the shell, the way
// loops themselves invoke build/test tooling.
type SubprocessValidator struct {
	// Shell is the interpreter used to run command, "/bin/sh" by default.
	Shell string
}

// New constructs a SubprocessValidator with the default shell.
func New() *SubprocessValidator {
	return &SubprocessValidator{Shell: "/bin/sh"}
}

// Validate runs command in worktree under a per-call timeout, bounding the
// combined stdout+stderr captured in ValidationResult.Output to 64KiB from
// the tail, matching the engine's own bound on self-report/validator text
// appended to a loop's progress log.
func (v *SubprocessValidator) Validate(ctx context.Context, worktree, command string, timeout time.Duration, successExitCode int) (engine.ValidationResult, error) {
	shell := v.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, shell, "-c", command)
	if worktree != "" {
		cmd.Dir = worktree
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	exitCode := exitCodeOf(err)

	output := out.String()
	const maxOutput = 64 * 1024
	if len(output) > maxOutput {
		output = "[output truncated]\n" + output[len(output)-maxOutput:]
	}

	return engine.ValidationResult{
		Passed:   exitCode == successExitCode,
		Output:   output,
		ExitCode: exitCode,
	}, nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
