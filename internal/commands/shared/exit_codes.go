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

package shared

import (
	"errors"
	"fmt"
	"os"

	"github.com/loopr/loopr/pkg/looprerrors"
)

// Exit codes per the daemon/client protocol: 0 success, 1 operational
// failure (the daemon rejected or couldn't complete a request), 2 usage
// error (bad flags or arguments caught before a request was even sent).
const (
	ExitSuccess    = 0
	ExitOperation  = 1
	ExitUsageError = 2
)

// ExitError is an error that carries the process exit code it should
// produce, set by command RunE implementations that know more about the
// failure than a bare looprerrors.Kind conveys.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewUsageError wraps msg as a usage-error exit.
func NewUsageError(msg string) *ExitError {
	return &ExitError{Code: ExitUsageError, Message: msg}
}

// HandleExitError prints err and exits with its associated code: an
// *ExitError's own Code, a code derived from a wrapped looprerrors.Kind, or
// ExitOperation for anything else.
func HandleExitError(err error) {
	if err == nil {
		return
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", exitErr.Error())
		os.Exit(exitErr.Code)
	}

	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	os.Exit(codeForKind(looprerrors.KindOf(err)))
}

func codeForKind(kind looprerrors.Kind) int {
	switch kind {
	case looprerrors.KindInvalidParams, looprerrors.KindInvalidFilter, looprerrors.KindConfigInvalid:
		return ExitUsageError
	default:
		return ExitOperation
	}
}
