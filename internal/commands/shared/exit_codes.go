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

	pkgerrors "github.com/tombee/helmsman/pkg/errors"
)

// Exit codes for helmsman commands
const (
	ExitSuccess         = 0
	ExitExecutionFailed = 1
	ExitInvalidFlow     = 2
	ExitNotFound        = 3
	ExitPolicyDenied    = 4
)

// ExitError is an error that carries an exit code
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

// NewExecutionError creates an error for run execution failures
func NewExecutionError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitExecutionFailed,
		Message: msg,
		Cause:   cause,
	}
}

// NewInvalidFlowError creates an error for invalid flow documents
func NewInvalidFlowError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitInvalidFlow,
		Message: msg,
		Cause:   cause,
	}
}

// ExitCodeFor maps well-known engine errors to exit codes.
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case pkgerrors.IsValidation(err), pkgerrors.IsInvalidResumePayload(err):
		return ExitInvalidFlow
	case pkgerrors.IsNotFound(err):
		return ExitNotFound
	case pkgerrors.IsPolicyViolation(err):
		return ExitPolicyDenied
	default:
		return ExitExecutionFailed
	}
}

// HandleExitError checks if an error is an ExitError and exits with the
// appropriate code; other errors are mapped through ExitCodeFor.
func HandleExitError(err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	printSuggestion(err)

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}
	os.Exit(ExitCodeFor(err))
}

// printSuggestion prints the fix-it hint carried by validation errors.
func printSuggestion(err error) {
	var vErr *pkgerrors.ValidationError
	if errors.As(err, &vErr) && vErr.Suggestion != "" {
		fmt.Fprintln(os.Stderr, "Suggestion:", vErr.Suggestion)
	}
}
