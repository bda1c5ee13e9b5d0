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

package errors

import "fmt"

// ValidationError represents a malformed flow definition or invalid input.
// Use this for errors detected before any step executes.
type ValidationError struct {
	// Field identifies which field failed validation (e.g., "steps[2].retry")
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested run, flow, tool, or agent does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run", "tool", "agent")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// PolicyViolationError represents a governance denial.
// A run that hits one of these fails with no partial continuation.
type PolicyViolationError struct {
	// Rule is the machine-readable policy rule that fired
	// (e.g., "tool_blocked", "max_tool_calls_exceeded", "full_autonomy_disabled")
	Rule string

	// Reason is the human-readable explanation
	Reason string
}

// Error implements the error interface.
func (e *PolicyViolationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("policy violation (%s): %s", e.Rule, e.Reason)
	}
	return fmt.Sprintf("policy violation: %s", e.Rule)
}

// ConflictError represents a write that lost a compare-and-set race or would
// repeat an already-applied resolution. The first writer wins; callers seeing
// this must treat the stored state as authoritative.
type ConflictError struct {
	// Resource is the type of resource (e.g., "approval", "run")
	Resource string

	// ID is the identifier of the conflicting resource
	ID string

	// Reason explains the conflict (e.g., "already resolved")
	Reason string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Resource, e.ID, e.Reason)
}

// InvalidResumeError rejects a resume call made against a run that is not
// paused, or that has no unresolved approval or input request. The run is
// left untouched.
type InvalidResumeError struct {
	// RunID is the run the caller tried to resume
	RunID string

	// Reason explains why the resume was rejected
	Reason string
}

// Error implements the error interface.
func (e *InvalidResumeError) Error() string {
	return fmt.Sprintf("cannot resume run %s: %s", e.RunID, e.Reason)
}

// InvalidResumePayloadError rejects a resume payload that does not match the
// expected shape (decision enum for approvals, schema/required fields for
// user input). The run stays paused and unmodified.
type InvalidResumePayloadError struct {
	// Field identifies the offending payload field
	Field string

	// Reason explains what is wrong with the payload
	Reason string
}

// Error implements the error interface.
func (e *InvalidResumePayloadError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid resume payload at %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid resume payload: %s", e.Reason)
}

// StateError represents an illegal run or step status transition.
// Only the defined state machine transitions are permitted.
type StateError struct {
	// Resource is the type of resource (e.g., "run", "step")
	Resource string

	// ID is the resource identifier
	ID string

	// From and To describe the rejected transition
	From string
	To   string
}

// Error implements the error interface.
func (e *StateError) Error() string {
	return fmt.Sprintf("illegal %s transition for %s: %s -> %s", e.Resource, e.ID, e.From, e.To)
}
