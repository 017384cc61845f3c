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

package validator

import (
	"context"
	"testing"
	"time"
)

func TestValidate_Passes(t *testing.T) {
	v := New()
	result, err := v.Validate(context.Background(), t.TempDir(), "exit 0", time.Second, 0)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !result.Passed {
		t.Errorf("Passed = false, want true (exit code %d)", result.ExitCode)
	}
}

func TestValidate_Fails(t *testing.T) {
	v := New()
	result, err := v.Validate(context.Background(), t.TempDir(), "echo boom && exit 7", time.Second, 0)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if result.Passed {
		t.Error("Passed = true, want false")
	}
	if result.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", result.ExitCode)
	}
	if result.Output == "" {
		t.Error("Output is empty, want captured stdout")
	}
}

func TestValidate_CustomSuccessExitCode(t *testing.T) {
	v := New()
	result, err := v.Validate(context.Background(), t.TempDir(), "exit 3", time.Second, 3)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !result.Passed {
		t.Error("Passed = false, want true for matching success_exit_code")
	}
}

func TestValidate_TimesOut(t *testing.T) {
	v := New()
	result, err := v.Validate(context.Background(), t.TempDir(), "sleep 5", 20*time.Millisecond, 0)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if result.Passed {
		t.Error("Passed = true, want false on timeout")
	}
}

func TestValidate_RunsInWorktree(t *testing.T) {
	dir := t.TempDir()
	v := New()
	result, err := v.Validate(context.Background(), dir, "pwd", time.Second, 0)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !result.Passed {
		t.Fatalf("Passed = false, want true")
	}
}
