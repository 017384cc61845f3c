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

package llmclient

import (
	"context"

	"github.com/loopr/loopr/internal/engine"
)

// Fake is a scripted engine.LlmClient for tests driving the engine without
// a live API key. Responses are returned in order; once exhausted, the
// last response repeats.
type Fake struct {
	Responses []engine.CompletionResponse
	Err       error

	calls int
}

// Complete returns the next scripted response, or Err if set.
func (f *Fake) Complete(_ context.Context, _ engine.CompletionRequest) (engine.CompletionResponse, error) {
	if f.Err != nil {
		return engine.CompletionResponse{}, f.Err
	}
	if len(f.Responses) == 0 {
		return engine.CompletionResponse{}, nil
	}
	idx := f.calls
	if idx >= len(f.Responses) {
		idx = len(f.Responses) - 1
	}
	f.calls++
	return f.Responses[idx], nil
}

// Calls reports how many times Complete has been invoked.
func (f *Fake) Calls() int {
	return f.calls
}
