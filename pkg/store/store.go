// Package store defines the persistence contract for runs, steps,
// approvals, user-input requests, and trace events, plus an in-memory
// implementation for tests and ephemeral runs. The sqlite subpackage is the
// durable single-node backend.
//
// The engine is the only writer of run and step state. Approval and
// input-request resolution is compare-and-set on the pending status, so
// exactly one resolution wins regardless of caller interleaving.
package store

import (
	"context"

	"github.com/tombee/helmsman/pkg/run"
)

// RunFilter narrows ListRuns.
type RunFilter struct {
	Product string
	Status  run.Status
	Limit   int
}

// Store is the persistence contract the engine drives.
type Store interface {
	// CreateRun persists a new run record.
	CreateRun(ctx context.Context, rec *run.Record) error

	// GetRun retrieves a run by id. Returns NotFoundError when absent.
	GetRun(ctx context.Context, runID string) (*run.Record, error)

	// UpdateRun persists the run's mutable fields (status, output, summary,
	// finished_at). A status change must be legal per Status.CanTransition;
	// illegal transitions return ConflictError and leave the record
	// untouched. Same-status updates always pass.
	UpdateRun(ctx context.Context, rec *run.Record) error

	// ListRuns returns runs matching the filter, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*run.Record, error)

	// PutStep upserts a step record keyed by (run_id, step_id).
	PutStep(ctx context.Context, rec *run.StepRecord) error

	// GetStep retrieves one step record.
	GetStep(ctx context.Context, runID, stepID string) (*run.StepRecord, error)

	// ListSteps returns a run's step records ordered by step index.
	ListSteps(ctx context.Context, runID string) ([]*run.StepRecord, error)

	// CreateApproval persists a pending approval record.
	CreateApproval(ctx context.Context, ap *run.Approval) error

	// GetApproval retrieves an approval by id.
	GetApproval(ctx context.Context, approvalID string) (*run.Approval, error)

	// PendingApproval returns the run's unresolved approval, or
	// NotFoundError when none exists.
	PendingApproval(ctx context.Context, runID string) (*run.Approval, error)

	// ResolveApproval flips a pending approval to the given status.
	// Compare-and-set: resolving an already-resolved approval returns
	// ConflictError and leaves the record untouched.
	ResolveApproval(ctx context.Context, approvalID string, status run.ApprovalStatus, decision, comment string) (*run.Approval, error)

	// CreateInputRequest persists an unresolved input request.
	CreateInputRequest(ctx context.Context, req *run.InputRequest) error

	// GetInputRequest retrieves an input request by id.
	GetInputRequest(ctx context.Context, requestID string) (*run.InputRequest, error)

	// PendingInputRequest returns the run's unresolved input request, or
	// NotFoundError when none exists.
	PendingInputRequest(ctx context.Context, runID string) (*run.InputRequest, error)

	// ResolveInputRequest flips an unresolved request to the given status
	// with the validated response. Compare-and-set like ResolveApproval.
	ResolveInputRequest(ctx context.Context, requestID string, status run.InputStatus, response map[string]any) (*run.InputRequest, error)

	// AppendTrace appends one audit event. Trace events are immutable.
	AppendTrace(ctx context.Context, event run.TraceEvent) error

	// ListTrace returns a run's trace events in append order.
	ListTrace(ctx context.Context, runID string) ([]run.TraceEvent, error)

	// Close releases backend resources.
	Close() error
}
