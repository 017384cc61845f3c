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

import "github.com/loopr/loopr/internal/model"

// LoopConfig is the fully resolved, layer-three configuration for a single
// loop: global defaults, overridden by its loop type's bundle, overridden
// by whatever the caller passed explicitly when creating the loop. Its
// fields are copied directly onto the model.Loop record at creation time.
type LoopConfig struct {
	PromptPath           string
	MaxIterations        int
	MaxTurnsPerIteration int
	IterationTimeoutMs   int64
	ValidationCommand    string
	SuccessExitCode      int
	Tools                []string
	MaxTokens            int
}

// Overrides carries the subset of LoopConfig a caller may set explicitly
// when creating a loop, taking precedence over both global and loop-type
// defaults. A nil field (distinguished by the zero value for strings/ints
// being indistinguishable from "not set") is not representable here, so
// Overrides uses pointers for anything a caller may legitimately want to
// leave unset.
type Overrides struct {
	PromptPath           *string
	MaxIterations        *int
	MaxTurnsPerIteration *int
	IterationTimeoutMs   *int64
	ValidationCommand    *string
	SuccessExitCode      *int
	Tools                []string
	MaxTokens            *int
}

// Resolve layers cfg's global defaults, loopType's bundle (following its
// Extends chain), and overrides, in that precedence order, into one
// LoopConfig. loopType may be LoopTypeCustom, in which case no bundle is
// looked up and only global defaults plus overrides apply.
func Resolve(cfg *Config, loopType model.LoopType, overrides Overrides) LoopConfig {
	out := LoopConfig{
		MaxIterations:      cfg.Validation.MaxIterations,
		IterationTimeoutMs: cfg.Validation.IterationTimeoutMs,
		ValidationCommand:  cfg.Validation.Command,
		SuccessExitCode:    cfg.Validation.SuccessExitCode,
	}

	if loopType != model.LoopTypeCustom {
		bundle := cfg.resolvedLoopType(string(loopType))
		if bundle.Prompt != "" {
			out.PromptPath = bundle.Prompt
		}
		if len(bundle.Tools) > 0 {
			out.Tools = bundle.Tools
		}
		if bundle.MaxTokens != 0 {
			out.MaxTokens = bundle.MaxTokens
		}
		if bundle.Validation != nil {
			if bundle.Validation.Command != "" {
				out.ValidationCommand = bundle.Validation.Command
			}
			if bundle.Validation.IterationTimeoutMs != 0 {
				out.IterationTimeoutMs = bundle.Validation.IterationTimeoutMs
			}
			if bundle.Validation.MaxIterations != 0 {
				out.MaxIterations = bundle.Validation.MaxIterations
			}
			out.SuccessExitCode = bundle.Validation.SuccessExitCode
		}
	}

	if overrides.PromptPath != nil {
		out.PromptPath = *overrides.PromptPath
	}
	if overrides.MaxIterations != nil {
		out.MaxIterations = *overrides.MaxIterations
	}
	if overrides.MaxTurnsPerIteration != nil {
		out.MaxTurnsPerIteration = *overrides.MaxTurnsPerIteration
	}
	if overrides.IterationTimeoutMs != nil {
		out.IterationTimeoutMs = *overrides.IterationTimeoutMs
	}
	if overrides.ValidationCommand != nil {
		out.ValidationCommand = *overrides.ValidationCommand
	}
	if overrides.SuccessExitCode != nil {
		out.SuccessExitCode = *overrides.SuccessExitCode
	}
	if len(overrides.Tools) > 0 {
		out.Tools = overrides.Tools
	}
	if overrides.MaxTokens != nil {
		out.MaxTokens = *overrides.MaxTokens
	}

	if out.MaxTurnsPerIteration == 0 {
		out.MaxTurnsPerIteration = defaultMaxTurnsPerIteration
	}

	return out
}

// defaultMaxTurnsPerIteration bounds one Ralph iteration's LLM+tool turns
// when neither a loop type bundle nor an override sets it.
const defaultMaxTurnsPerIteration = 20
