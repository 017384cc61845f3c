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

// Package protocol implements the request/response + event-stream wire
// format spoken over the daemon's socket, and the transports that carry it.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidMessage is returned when a frame cannot be parsed into a
// well-formed request, response, or event.
var ErrInvalidMessage = errors.New("protocol: invalid message")

// Error codes returned in an error Envelope's Code field.
const (
	CodeMethodNotFound = "METHOD_NOT_FOUND"
	CodeInvalidParams  = "INVALID_PARAMS"
	CodeInternalError  = "INTERNAL_ERROR"
	CodeLoopNotFound   = "LOOP_NOT_FOUND"
	CodeIllegalState   = "ILLEGAL_TRANSITION"
)

// Envelope is the single message shape carried over the wire: a request
// (ID, Method, Params set), a response (ID plus Result or Error set), or a
// server-initiated event (EventType and Payload set, no ID).
type Envelope struct {
	ID     any             `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`

	EventType string `json:"event_type,omitempty"`
	Payload   any     `json:"payload,omitempty"`
}

// ErrorBody is the structured error carried in a response Envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsRequest reports whether e carries a method to dispatch.
func (e *Envelope) IsRequest() bool {
	return e.Method != ""
}

// NewRequest builds a request Envelope, marshaling params into its Params
// field.
func NewRequest(id any, method string, params any) (*Envelope, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = data
	}
	return &Envelope{ID: id, Method: method, Params: raw}, nil
}

// NewResponse builds a success response Envelope echoing id.
func NewResponse(id any, result any) (*Envelope, error) {
	var raw json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		raw = data
	}
	return &Envelope{ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response Envelope echoing id.
func NewErrorResponse(id any, code, message string) *Envelope {
	return &Envelope{ID: id, Error: &ErrorBody{Code: code, Message: message}}
}

// NewEvent builds a server-initiated event Envelope. Events never carry an
// id; clients distinguish them from responses by that absence.
func NewEvent(eventType string, payload any) *Envelope {
	return &Envelope{EventType: eventType, Payload: payload}
}

// UnmarshalParams decodes e's Params into v. A request with no params is a
// no-op, leaving v at its zero value.
func (e *Envelope) UnmarshalParams(v any) error {
	if len(e.Params) == 0 {
		return nil
	}
	return json.Unmarshal(e.Params, v)
}

// ParseEnvelope decodes one newline-delimited JSON frame.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if env.Method == "" && env.EventType == "" && env.Result == nil && env.Error == nil {
		return nil, fmt.Errorf("%w: empty envelope", ErrInvalidMessage)
	}
	return &env, nil
}
