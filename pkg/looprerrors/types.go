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

// Package looprerrors holds the error taxonomy shared by the store, the
// loop engine, the lifecycle manager, and the protocol layer. Errors carry
// a stable Kind so handlers can map them to protocol error codes without
// string matching.
package looprerrors

import "fmt"

// Kind is a taxonomy tag, not a Go type — callers compare with errors.As
// against *Error and switch on Kind.
type Kind string

const (
	KindNotFound              Kind = "NotFound"
	KindDuplicate             Kind = "Duplicate"
	KindInvalidParams         Kind = "InvalidParams"
	KindInvalidFilter         Kind = "InvalidFilter"
	KindIllegalTransition     Kind = "IllegalTransition"
	KindLoopNotFound          Kind = "LoopNotFound"
	KindLlmUnavailable        Kind = "LlmUnavailable"
	KindLlmTimeout            Kind = "LlmTimeout"
	KindToolUnknown           Kind = "ToolUnknown"
	KindToolFailed            Kind = "ToolFailed"
	KindValidationTimeout     Kind = "ValidationTimeout"
	KindMaxIterationsExceeded Kind = "MaxIterationsExceeded"
	KindCancelled             Kind = "Cancelled"
	KindStorageCorrupt        Kind = "StorageCorrupt"
	KindConfigInvalid         Kind = "ConfigInvalid"
	KindInternal              Kind = "Internal"
)

// Error is the single error type for the taxonomy above. Field is optional
// context (a record id, a config key, a tool name); Cause is the wrapped
// underlying error, if any.
type Error struct {
	Kind    Kind
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, looprerrors.New(KindNotFound, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an *Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given kind wrapping cause. If cause is
// nil, returns nil.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithField returns a copy of e with Field set, for adding record/tool/key
// context after construction.
func (e *Error) WithField(field string) *Error {
	cp := *e
	cp.Field = field
	return &cp
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error,
// defaulting to KindInternal for anything else.
func KindOf(err error) Kind {
	var e *Error
	if as(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// as is a thin indirection so this file only imports "errors" once, kept
// in helpers.go to mirror the teacher's errors/Is/As split.
func as(err error, target **Error) bool {
	return errorsAs(err, target)
}
