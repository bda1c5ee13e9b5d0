package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tombee/helmsman/pkg/errors"
	"github.com/tombee/helmsman/pkg/run"
)

// Memory is an in-process Store. Records are copied on the way in and out
// so callers can never alias internal state.
type Memory struct {
	mu        sync.RWMutex
	runs      map[string]*run.Record
	steps     map[string][]*run.StepRecord // keyed by run id, ordered by index
	approvals map[string]*run.Approval
	inputs    map[string]*run.InputRequest
	traces    map[string][]run.TraceEvent
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:      make(map[string]*run.Record),
		steps:     make(map[string][]*run.StepRecord),
		approvals: make(map[string]*run.Approval),
		inputs:    make(map[string]*run.InputRequest),
		traces:    make(map[string][]run.TraceEvent),
	}
}

func (m *Memory) CreateRun(_ context.Context, rec *run.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[rec.RunID]; exists {
		return &errors.ConflictError{Resource: "run", ID: rec.RunID, Reason: "already exists"}
	}
	m.runs[rec.RunID] = copyRun(rec)
	return nil
}

func (m *Memory) GetRun(_ context.Context, runID string) (*run.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.runs[runID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return copyRun(rec), nil
}

func (m *Memory) UpdateRun(_ context.Context, rec *run.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.runs[rec.RunID]
	if !ok {
		return &errors.NotFoundError{Resource: "run", ID: rec.RunID}
	}
	// Same-status updates carry progress (step index, counters, output);
	// a status change must be a legal transition.
	if rec.Status != current.Status && !current.Status.CanTransition(rec.Status) {
		return &errors.ConflictError{
			Resource: "run",
			ID:       rec.RunID,
			Reason:   fmt.Sprintf("illegal transition %s -> %s", current.Status, rec.Status),
		}
	}
	m.runs[rec.RunID] = copyRun(rec)
	return nil
}

func (m *Memory) ListRuns(_ context.Context, filter RunFilter) ([]*run.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*run.Record
	for _, rec := range m.runs {
		if filter.Product != "" && rec.Product != filter.Product {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, copyRun(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) PutStep(_ context.Context, rec *run.StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	steps := m.steps[rec.RunID]
	for i, existing := range steps {
		if existing.StepID == rec.StepID {
			steps[i] = copyStep(rec)
			return nil
		}
	}
	m.steps[rec.RunID] = append(steps, copyStep(rec))
	sort.Slice(m.steps[rec.RunID], func(i, j int) bool {
		return m.steps[rec.RunID][i].StepIndex < m.steps[rec.RunID][j].StepIndex
	})
	return nil
}

func (m *Memory) GetStep(_ context.Context, runID, stepID string) (*run.StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.steps[runID] {
		if rec.StepID == stepID {
			return copyStep(rec), nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "step", ID: runID + "/" + stepID}
}

func (m *Memory) ListSteps(_ context.Context, runID string) ([]*run.StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	steps := m.steps[runID]
	out := make([]*run.StepRecord, len(steps))
	for i, rec := range steps {
		out[i] = copyStep(rec)
	}
	return out, nil
}

func (m *Memory) CreateApproval(_ context.Context, ap *run.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.approvals[ap.ApprovalID]; exists {
		return &errors.ConflictError{Resource: "approval", ID: ap.ApprovalID, Reason: "already exists"}
	}
	m.approvals[ap.ApprovalID] = copyApproval(ap)
	return nil
}

func (m *Memory) GetApproval(_ context.Context, approvalID string) (*run.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ap, ok := m.approvals[approvalID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "approval", ID: approvalID}
	}
	return copyApproval(ap), nil
}

func (m *Memory) PendingApproval(_ context.Context, runID string) (*run.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ap := range m.approvals {
		if ap.RunID == runID && ap.Status == run.ApprovalPending {
			return copyApproval(ap), nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "pending approval", ID: runID}
}

func (m *Memory) ResolveApproval(_ context.Context, approvalID string, status run.ApprovalStatus, decision, comment string) (*run.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ap, ok := m.approvals[approvalID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "approval", ID: approvalID}
	}
	if ap.Status != run.ApprovalPending {
		return nil, &errors.ConflictError{
			Resource: "approval",
			ID:       approvalID,
			Reason:   "already resolved as " + string(ap.Status),
		}
	}
	now := time.Now().UTC()
	ap.Status = status
	ap.Decision = decision
	ap.Comment = comment
	ap.ResolvedAt = &now
	return copyApproval(ap), nil
}

func (m *Memory) CreateInputRequest(_ context.Context, req *run.InputRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.inputs[req.RequestID]; exists {
		return &errors.ConflictError{Resource: "input request", ID: req.RequestID, Reason: "already exists"}
	}
	m.inputs[req.RequestID] = copyInput(req)
	return nil
}

func (m *Memory) GetInputRequest(_ context.Context, requestID string) (*run.InputRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.inputs[requestID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "input request", ID: requestID}
	}
	return copyInput(req), nil
}

func (m *Memory) PendingInputRequest(_ context.Context, runID string) (*run.InputRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, req := range m.inputs {
		if req.RunID == runID && req.Status == run.InputUnresolved {
			return copyInput(req), nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "pending input request", ID: runID}
}

func (m *Memory) ResolveInputRequest(_ context.Context, requestID string, status run.InputStatus, response map[string]any) (*run.InputRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.inputs[requestID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "input request", ID: requestID}
	}
	if req.Status != run.InputUnresolved {
		return nil, &errors.ConflictError{
			Resource: "input request",
			ID:       requestID,
			Reason:   "already resolved as " + string(req.Status),
		}
	}
	now := time.Now().UTC()
	req.Status = status
	req.Response = copyMap(response)
	req.ResolvedAt = &now
	return copyInput(req), nil
}

func (m *Memory) AppendTrace(_ context.Context, event run.TraceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Payload = copyMap(event.Payload)
	m.traces[event.RunID] = append(m.traces[event.RunID], event)
	return nil
}

func (m *Memory) ListTrace(_ context.Context, runID string) ([]run.TraceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.traces[runID]
	out := make([]run.TraceEvent, len(events))
	copy(out, events)
	for i := range out {
		out[i].Payload = copyMap(out[i].Payload)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

// Copy helpers. Payload maps are copied one level deep plus nested maps and
// slices; scalar values are immutable.

func copyRun(rec *run.Record) *run.Record {
	out := *rec
	out.Input = copyMap(rec.Input)
	out.Output = copyMap(rec.Output)
	return &out
}

func copyStep(rec *run.StepRecord) *run.StepRecord {
	out := *rec
	out.Input = copyMap(rec.Input)
	out.Output = copyMap(rec.Output)
	out.Meta = copyMap(rec.Meta)
	if rec.Error != nil {
		e := *rec.Error
		out.Error = &e
	}
	return &out
}

func copyApproval(ap *run.Approval) *run.Approval {
	out := *ap
	return &out
}

func copyInput(req *run.InputRequest) *run.InputRequest {
	out := *req
	out.Schema = copyMap(req.Schema)
	out.Defaults = copyMap(req.Defaults)
	out.Response = copyMap(req.Response)
	out.Required = append([]string(nil), req.Required...)
	return &out
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
