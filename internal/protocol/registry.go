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
	"sync"

	"github.com/loopr/loopr/pkg/looprerrors"
)

// Handler answers one request Envelope, returning the value to marshal into
// the response's Result (or an error, translated by Registry.Handle into an
// error Envelope).
type Handler func(ctx context.Context, req *Envelope) (any, error)

// Registry maps method names to handlers, shared by every connection the
// server accepts.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds method to handler. A later call for the same method
// replaces the earlier one.
func (r *Registry) Register(method string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = handler
}

// HasMethod reports whether method is registered.
func (r *Registry) HasMethod(method string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[method]
	return ok
}

// Handle dispatches req to its registered handler and builds the response
// Envelope. Unknown methods and invalid parameters are mapped to the
// matching error codes rather than returned as Go errors, since every call
// here must produce a response, never propagate upward. The second return
// value reports whether the handler panicked; callers must close the
// connection in that case (spec.md §4.6).
func (r *Registry) Handle(ctx context.Context, req *Envelope) (env *Envelope, panicked bool) {
	r.mu.RLock()
	handler, ok := r.handlers[req.Method]
	r.mu.RUnlock()

	if !ok {
		return NewErrorResponse(req.ID, CodeMethodNotFound, "unknown method: "+req.Method), false
	}

	defer func() {
		if rec := recover(); rec != nil {
			env = NewErrorResponse(req.ID, CodeInternalError, "internal error")
			panicked = true
		}
	}()

	result, err := handler(ctx, req)
	if err != nil {
		return NewErrorResponse(req.ID, codeFor(err), err.Error()), false
	}
	resp, err := NewResponse(req.ID, result)
	if err != nil {
		return NewErrorResponse(req.ID, CodeInternalError, "marshal result: "+err.Error()), false
	}
	return resp, false
}

// codeFor maps a handler error's looprerrors.Kind to a protocol error code.
func codeFor(err error) string {
	switch looprerrors.KindOf(err) {
	case looprerrors.KindInvalidParams, looprerrors.KindInvalidFilter:
		return CodeInvalidParams
	case looprerrors.KindLoopNotFound, looprerrors.KindNotFound:
		return CodeLoopNotFound
	case looprerrors.KindIllegalTransition:
		return CodeIllegalState
	default:
		return CodeInternalError
	}
}
