// Package run defines the persistent records the orchestrator writes: runs,
// steps, approvals, user-input requests, and trace events. These types are
// the stable audit contract; the engine is the only writer of run and step
// status, and trace events are append-only.
package run

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle status of a run.
type Status string

const (
	// StatusRunning indicates the run is actively executing steps.
	StatusRunning Status = "running"
	// StatusPendingHuman indicates the run is paused on a human approval.
	StatusPendingHuman Status = "pending_human"
	// StatusPendingUserInput indicates the run is paused waiting for user input.
	StatusPendingUserInput Status = "pending_user_input"
	// StatusCompleted indicates every step finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the run stopped on an unrecoverable failure.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the run was explicitly cancelled.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a terminal run state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Paused reports whether the status is one of the pause states.
func (s Status) Paused() bool {
	return s == StatusPendingHuman || s == StatusPendingUserInput
}

// CanTransition reports whether moving from s to next is a legal transition
// in the run state machine. Terminal states accept nothing; cancellation is
// reachable from every non-terminal state.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusRunning:
		return next == StatusPendingHuman || next == StatusPendingUserInput ||
			next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	case StatusPendingHuman, StatusPendingUserInput:
		return next == StatusRunning || next == StatusFailed || next == StatusCancelled
	}
	return false
}

// StepStatus is the lifecycle status of a single step.
type StepStatus string

const (
	// StepPending indicates the step record exists but execution has not begun.
	StepPending StepStatus = "pending"
	// StepRunning indicates the step is executing (or paused awaiting a human).
	StepRunning StepStatus = "running"
	// StepCompleted indicates the step finished successfully.
	StepCompleted StepStatus = "completed"
	// StepFailed indicates the step failed after exhausting its retry policy.
	StepFailed StepStatus = "failed"
	// StepSkipped indicates the step was bypassed.
	StepSkipped StepStatus = "skipped"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// CanAdvance reports whether moving from s to next goes forward in the step
// lifecycle. Step status never moves backwards.
func (s StepStatus) CanAdvance(next StepStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StepPending:
		return next == StepRunning || next == StepSkipped
	case StepRunning:
		return next == StepCompleted || next == StepFailed || next == StepSkipped
	}
	return false
}

// Record is the persistent record of a flow run.
type Record struct {
	RunID    string `json:"run_id"`
	Product  string `json:"product"`
	Flow     string `json:"flow"`
	Status   Status `json:"status"`
	Autonomy string `json:"autonomy"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Input is the caller-supplied payload, redacted before persistence.
	Input map[string]any `json:"input,omitempty"`

	// Output is the final artifact map once the run completes.
	Output map[string]any `json:"output,omitempty"`

	// Summary carries engine bookkeeping that must survive restarts:
	// current_step_index, failed_step_id, and governance counters.
	Summary Summary `json:"summary"`
}

// Summary holds the run's resumable bookkeeping.
type Summary struct {
	CurrentStepIndex int    `json:"current_step_index"`
	FailedStepID     string `json:"failed_step_id,omitempty"`

	// Counters consumed by per-run governance budgets.
	StepsExecuted int `json:"steps_executed"`
	ToolCalls     int `json:"tool_calls"`
	TokensUsed    int `json:"tokens_used"`
}

// StepRecord is the persistent record of a single step execution.
// (run_id, step_id) is the composite key; StepIndex values for one run are
// strictly increasing and contiguous from zero.
type StepRecord struct {
	RunID     string     `json:"run_id"`
	StepID    string     `json:"step_id"`
	StepIndex int        `json:"step_index"`
	Name      string     `json:"name"`
	Type      string     `json:"type"`
	Status    StepStatus `json:"status"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Attempts int `json:"attempts"`

	Input  map[string]any `json:"input,omitempty"`
	Output map[string]any `json:"output,omitempty"`
	Error  *StepError     `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// StepError is the structured, sanitized error stored on a failed step.
type StepError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ApprovalStatus is the lifecycle status of an approval or input request.
type ApprovalStatus string

const (
	// ApprovalPending indicates a decision has not been recorded yet.
	ApprovalPending ApprovalStatus = "pending"
	// ApprovalApproved indicates the human approved.
	ApprovalApproved ApprovalStatus = "approved"
	// ApprovalRejected indicates the human rejected.
	ApprovalRejected ApprovalStatus = "rejected"
	// ApprovalCancelled indicates the run was cancelled while paused.
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// Approval is the record created when a run pauses on a human_approval step.
// It is mutated exactly once, at resolution.
type Approval struct {
	ApprovalID string         `json:"approval_id"`
	RunID      string         `json:"run_id"`
	StepID     string         `json:"step_id"`
	Status     ApprovalStatus `json:"status"`

	Message string `json:"message"`

	RequestedAt time.Time  `json:"requested_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`

	Decision string `json:"decision,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

// InputStatus is the lifecycle status of a user-input request.
type InputStatus string

const (
	// InputUnresolved indicates no valid response has been recorded.
	InputUnresolved InputStatus = "unresolved"
	// InputResolved indicates a valid response was recorded.
	InputResolved InputStatus = "resolved"
	// InputCancelled indicates the run was cancelled while waiting.
	InputCancelled InputStatus = "cancelled"
)

// InputRequest is the record created when a run pauses on a user_input step.
// Schema, Defaults, and Required mirror the step definition so the caller can
// render a form without reloading the flow.
type InputRequest struct {
	RequestID string      `json:"request_id"`
	RunID     string      `json:"run_id"`
	StepID    string      `json:"step_id"`
	Status    InputStatus `json:"status"`

	Prompt   string         `json:"prompt"`
	Schema   map[string]any `json:"schema,omitempty"`
	Defaults map[string]any `json:"defaults,omitempty"`
	Required []string       `json:"required,omitempty"`

	RequestedAt time.Time  `json:"requested_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`

	Response map[string]any `json:"response,omitempty"`
}

// TraceEvent is a single append-only audit record. Payloads are redacted
// before the event reaches the store.
type TraceEvent struct {
	EventID string    `json:"event_id"`
	RunID   string    `json:"run_id"`
	StepID  string    `json:"step_id,omitempty"`
	Kind    string    `json:"kind"`
	TS      time.Time `json:"ts"`

	Payload map[string]any `json:"payload,omitempty"`
}

// Trace event kinds emitted by the engine and the tool gateway.
const (
	EventRunStarted         = "run_started"
	EventRunResumed         = "run_resumed"
	EventRunCompleted       = "run_completed"
	EventRunFailed          = "run_failed"
	EventRunCancelled       = "run_cancelled"
	EventStepStarted        = "step_started"
	EventStepCompleted      = "step_completed"
	EventStepFailed         = "step_failed"
	EventStepRetryScheduled = "step_retry_scheduled"
	EventPendingHuman       = "pending_human"
	EventPendingUserInput   = "pending_user_input"
	EventToolExecuted       = "tool.executed"
	EventToolBlocked        = "tool.blocked"
	EventPolicyViolation    = "policy_violation"
)

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return "run_" + uuid.NewString()
}

// NewApprovalID returns a fresh approval identifier.
func NewApprovalID() string {
	return "ap_" + uuid.NewString()
}

// NewInputRequestID returns a fresh input-request identifier.
func NewInputRequestID() string {
	return "inp_" + uuid.NewString()
}

// NewEventID returns a fresh trace-event identifier.
func NewEventID() string {
	return uuid.NewString()
}
