// Package engine owns the run state machine. It is the only writer of run
// and step status: it sequences steps in declared order, persists every
// transition before acting on it, pauses on human checkpoints, and recovers
// paused runs across process restarts. Callers always receive a structured
// result envelope; raw errors surface only for caller mistakes (unknown
// run, invalid payload), never for step failures.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/helmsman/pkg/agent"
	"github.com/tombee/helmsman/pkg/errors"
	"github.com/tombee/helmsman/pkg/flow"
	"github.com/tombee/helmsman/pkg/govern"
	"github.com/tombee/helmsman/pkg/render"
	"github.com/tombee/helmsman/pkg/run"
	"github.com/tombee/helmsman/pkg/store"
	"github.com/tombee/helmsman/pkg/tool"
)

// FlowSource resolves (product, flow) to a validated definition.
type FlowSource interface {
	Load(product, flowID string) (*flow.Definition, error)
}

// StaticFlows is a FlowSource over a fixed map keyed by flow id.
type StaticFlows map[string]*flow.Definition

func (s StaticFlows) Load(_, flowID string) (*flow.Definition, error) {
	def, ok := s[flowID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "flow", ID: flowID}
	}
	return def, nil
}

// Metrics receives engine counters. Implementations must be cheap and
// non-blocking; the engine calls them inline.
type Metrics interface {
	RunStarted(product, flowID string)
	RunFinished(product, flowID, status string)
	StepExecuted(stepType, status string)
	ToolCalls(n int)
}

type noopMetrics struct{}

func (noopMetrics) RunStarted(string, string)          {}
func (noopMetrics) RunFinished(string, string, string) {}
func (noopMetrics) StepExecuted(string, string)        {}
func (noopMetrics) ToolCalls(int)                      {}

// Result is the status envelope returned by RunFlow, Resume, Cancel, and
// Status.
type Result struct {
	RunID  string         `json:"run_id"`
	Status run.Status     `json:"status"`
	Output map[string]any `json:"output,omitempty"`

	FailedStepID string         `json:"failed_step_id,omitempty"`
	Error        *run.StepError `json:"error,omitempty"`

	// Approval is set while the run is PENDING_HUMAN.
	Approval *run.Approval `json:"approval,omitempty"`

	// InputRequest is set while the run is PENDING_USER_INPUT.
	InputRequest *run.InputRequest `json:"input_request,omitempty"`
}

// Config wires an Engine.
type Config struct {
	Store  store.Store
	Flows  FlowSource
	Tools  *tool.Registry
	Agents *agent.Registry

	// Policy and Redactor default to enforcing allow-all governance with
	// the standard redaction patterns.
	Policy   *govern.Policy
	Redactor *govern.Redactor

	Logger  *slog.Logger
	Metrics Metrics
}

// Engine executes flows against a Store.
type Engine struct {
	store   store.Store
	flows   FlowSource
	hooks   *govern.Hooks
	exec    *executor
	logger  *slog.Logger
	metrics Metrics
	clock   func() time.Time
}

// New builds an Engine from the given configuration.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, &errors.ValidationError{Field: "store", Message: "engine requires a store"}
	}
	if cfg.Flows == nil {
		return nil, &errors.ValidationError{Field: "flows", Message: "engine requires a flow source"}
	}
	if cfg.Tools == nil {
		cfg.Tools = tool.NewRegistry()
	}
	if cfg.Agents == nil {
		cfg.Agents = agent.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}

	hooks := govern.NewHooks(cfg.Policy, cfg.Redactor)
	e := &Engine{
		store:   cfg.Store,
		flows:   cfg.Flows,
		hooks:   hooks,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		clock:   func() time.Time { return time.Now().UTC() },
	}
	tracer := &storeTracer{store: cfg.Store, logger: cfg.Logger}
	gateway := tool.NewGateway(cfg.Tools, hooks, tracer)
	e.exec = newExecutor(gateway, cfg.Agents, hooks, tracer)
	return e, nil
}

// storeTracer persists trace events. Emission failures are logged, never
// propagated; the audit trail is best-effort only for the write itself, the
// state transitions it describes are already durable.
type storeTracer struct {
	store  store.Store
	logger *slog.Logger
}

func (t *storeTracer) Emit(ctx context.Context, event run.TraceEvent) {
	if err := t.store.AppendTrace(ctx, event); err != nil {
		t.logger.Error("failed to append trace event",
			"run_id", event.RunID, "kind", event.Kind, "error", err)
	}
}

// RunFlow starts a new run of the named flow and drives it until it
// completes, fails, or pauses. The run record is created before the
// autonomy gate so a denied flow leaves a FAILED run with an audit trail
// rather than vanishing without trace.
func (e *Engine) RunFlow(ctx context.Context, product, flowID string, payload map[string]any) (*Result, error) {
	def, err := e.flows.Load(product, flowID)
	if err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	rec := &run.Record{
		RunID:     run.NewRunID(),
		Product:   product,
		Flow:      flowID,
		Status:    run.StatusRunning,
		Autonomy:  string(def.AutonomyLevel),
		StartedAt: e.clock(),
		Input:     e.hooks.Sanitize(payload),
	}
	if err := e.store.CreateRun(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "creating run")
	}

	e.emit(ctx, rec.RunID, "", run.EventRunStarted, map[string]any{
		"product":  product,
		"flow":     flowID,
		"autonomy": string(def.AutonomyLevel),
	})
	e.metrics.RunStarted(product, flowID)
	e.logger.Info("run started", "run_id", rec.RunID, "flow", flowID, "product", product)

	if decision := e.hooks.CheckAutonomy(product, def.AutonomyLevel); !decision.Allowed {
		e.emit(ctx, rec.RunID, "", run.EventPolicyViolation, decision.TracePayload())
		return e.failRun(ctx, rec, "", &run.StepError{
			Code:    tool.CodePolicyDenied,
			Message: fmt.Sprintf("flow %s declares autonomy %s: %s", flowID, def.AutonomyLevel, decision.Reason),
		})
	}

	artifacts := map[string]any{}
	return e.advance(ctx, rec, def, payload, artifacts)
}

// Resume re-enters a paused run with the caller's resolution payload. The
// run must be PENDING_HUMAN or PENDING_USER_INPUT; an invalid payload
// leaves the run paused with no state mutation.
func (e *Engine) Resume(ctx context.Context, runID string, payload map[string]any) (*Result, error) {
	rec, err := e.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return nil, &errors.InvalidResumeError{RunID: runID, Reason: fmt.Sprintf("run is %s", rec.Status)}
	}
	if !rec.Status.Paused() {
		return nil, &errors.InvalidResumeError{RunID: runID, Reason: "run is not paused"}
	}

	def, err := e.flows.Load(rec.Product, rec.Flow)
	if err != nil {
		return nil, err
	}

	artifacts, rawPayload, err := e.rebuildContext(ctx, rec)
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case run.StatusPendingHuman:
		return e.resumeApproval(ctx, rec, def, payload, rawPayload, artifacts)
	case run.StatusPendingUserInput:
		return e.resumeUserInput(ctx, rec, def, payload, rawPayload, artifacts)
	}
	return nil, &errors.InvalidResumeError{RunID: runID, Reason: "run is not paused"}
}

// Cancel moves a non-terminal run to CANCELLED and voids any pending
// approval or input request.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) (*Result, error) {
	rec, err := e.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return nil, &errors.StateError{
			Resource: "run", ID: runID,
			From: string(rec.Status), To: string(run.StatusCancelled),
		}
	}

	if ap, err := e.store.PendingApproval(ctx, runID); err == nil {
		if _, err := e.store.ResolveApproval(ctx, ap.ApprovalID, run.ApprovalCancelled, "", reason); err != nil && !errors.IsConflict(err) {
			return nil, errors.Wrap(err, "cancelling approval")
		}
	}
	if req, err := e.store.PendingInputRequest(ctx, runID); err == nil {
		if _, err := e.store.ResolveInputRequest(ctx, req.RequestID, run.InputCancelled, nil); err != nil && !errors.IsConflict(err) {
			return nil, errors.Wrap(err, "cancelling input request")
		}
	}

	now := e.clock()
	rec.Status = run.StatusCancelled
	rec.FinishedAt = &now
	if err := e.store.UpdateRun(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "updating run")
	}
	e.emit(ctx, runID, "", run.EventRunCancelled, map[string]any{"reason": reason})
	e.metrics.RunFinished(rec.Product, rec.Flow, string(run.StatusCancelled))
	e.logger.Info("run cancelled", "run_id", runID, "reason", reason)

	return &Result{RunID: runID, Status: run.StatusCancelled}, nil
}

// Status reports a run's current state, including any pending approval or
// input request the caller must resolve.
func (e *Engine) Status(ctx context.Context, runID string) (*Result, error) {
	rec, err := e.load(ctx, runID)
	if err != nil {
		return nil, err
	}

	result := &Result{
		RunID:        rec.RunID,
		Status:       rec.Status,
		Output:       rec.Output,
		FailedStepID: rec.Summary.FailedStepID,
	}
	switch rec.Status {
	case run.StatusPendingHuman:
		if ap, err := e.store.PendingApproval(ctx, runID); err == nil {
			result.Approval = ap
		}
	case run.StatusPendingUserInput:
		if req, err := e.store.PendingInputRequest(ctx, runID); err == nil {
			result.InputRequest = req
		}
	}
	return result, nil
}

// Trace returns a run's audit trail in append order.
func (e *Engine) Trace(ctx context.Context, runID string) ([]run.TraceEvent, error) {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.ListTrace(ctx, runID)
}

// load fetches a run and heals stale state: a run persisted as RUNNING with
// an unresolved approval or input request died mid-pause transition (the
// pause record is always written first), so it is reclassified to the
// matching pending status.
func (e *Engine) load(ctx context.Context, runID string) (*run.Record, error) {
	rec, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if rec.Status != run.StatusRunning {
		return rec, nil
	}

	if _, err := e.store.PendingApproval(ctx, runID); err == nil {
		rec.Status = run.StatusPendingHuman
	} else if _, err := e.store.PendingInputRequest(ctx, runID); err == nil {
		rec.Status = run.StatusPendingUserInput
	} else {
		return rec, nil
	}

	if err := e.store.UpdateRun(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "reclassifying run")
	}
	e.logger.Warn("reclassified stale running run", "run_id", runID, "status", string(rec.Status))
	return rec, nil
}

// rebuildContext reconstructs the render context from persisted state: the
// run's input payload plus the outputs of every completed step.
func (e *Engine) rebuildContext(ctx context.Context, rec *run.Record) (map[string]any, map[string]any, error) {
	steps, err := e.store.ListSteps(ctx, rec.RunID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "listing steps")
	}
	artifacts := map[string]any{}
	for _, step := range steps {
		if step.Status == run.StepCompleted && step.Output != nil {
			artifacts[step.StepID] = step.Output
		}
	}
	return artifacts, rec.Input, nil
}

// advance drives the run forward from Summary.CurrentStepIndex until it
// pauses or terminates. Every transition is persisted before the next step
// begins.
func (e *Engine) advance(ctx context.Context, rec *run.Record, def *flow.Definition, payload map[string]any, artifacts map[string]any) (*Result, error) {
	renderCtx := render.NewContext(payload, artifacts)

	for idx := rec.Summary.CurrentStepIndex; idx < len(def.Steps); idx++ {
		stepDef := def.Steps[idx]

		if decision := e.hooks.BeforeStep(rec.Product, stepDef.ID, e.counters(rec)); !decision.Allowed {
			return e.failStepPreflight(ctx, rec, def, stepDef, idx, decision)
		}

		stepRec := &run.StepRecord{
			RunID:     rec.RunID,
			StepID:    stepDef.ID,
			StepIndex: idx,
			Name:      stepDef.Name,
			Type:      string(stepDef.Type),
			Status:    run.StepRunning,
			StartedAt: e.clock(),
			Input:     e.hooks.Sanitize(render.Params(stepDef.Params, renderCtx)),
		}
		if err := e.store.PutStep(ctx, stepRec); err != nil {
			return nil, errors.Wrap(err, "persisting step")
		}
		e.emit(ctx, rec.RunID, stepDef.ID, run.EventStepStarted, map[string]any{
			"step_index": idx,
			"type":       string(stepDef.Type),
			"name":       stepDef.Name,
		})

		switch stepDef.Type {
		case flow.StepTypeHumanApproval:
			return e.pauseForApproval(ctx, rec, stepDef, stepRec, idx, renderCtx)
		case flow.StepTypeUserInput:
			return e.pauseForUserInput(ctx, rec, stepDef, stepRec, idx, renderCtx)
		}

		outcome := e.exec.execute(ctx, stepRequest{
			RunID:     rec.RunID,
			Product:   rec.Product,
			Def:       stepDef,
			RenderCtx: renderCtx,
			Counters:  e.counters(rec),
		})

		rec.Summary.StepsExecuted++
		rec.Summary.ToolCalls += outcome.ToolCalls
		rec.Summary.TokensUsed += outcome.TokensUsed
		e.metrics.StepExecuted(string(stepDef.Type), string(outcome.Status))
		e.metrics.ToolCalls(outcome.ToolCalls)

		now := e.clock()
		stepRec.Status = outcome.Status
		stepRec.FinishedAt = &now
		stepRec.Attempts = outcome.Attempts
		stepRec.Output = e.hooks.Sanitize(outcome.Output)
		stepRec.Meta = e.hooks.Sanitize(outcome.Meta)
		stepRec.Error = outcome.Error
		if err := e.store.PutStep(ctx, stepRec); err != nil {
			return nil, errors.Wrap(err, "persisting step result")
		}

		if outcome.Status == run.StepFailed {
			if outcome.Error != nil && outcome.Error.Code == tool.CodePolicyDenied {
				e.emit(ctx, rec.RunID, stepDef.ID, run.EventPolicyViolation, map[string]any{
					"step_id": stepDef.ID,
					"error":   outcome.Error.Message,
				})
			}
			e.emit(ctx, rec.RunID, stepDef.ID, run.EventStepFailed, map[string]any{
				"attempts": outcome.Attempts,
				"error":    map[string]any{"code": outcome.Error.Code, "message": outcome.Error.Message},
			})
			return e.failRun(ctx, rec, stepDef.ID, outcome.Error)
		}

		artifacts[stepDef.ID] = outcome.Output
		e.emit(ctx, rec.RunID, stepDef.ID, run.EventStepCompleted, map[string]any{
			"attempts": outcome.Attempts,
		})

		rec.Summary.CurrentStepIndex = idx + 1
		if err := e.store.UpdateRun(ctx, rec); err != nil {
			return nil, errors.Wrap(err, "updating run progress")
		}
	}

	now := e.clock()
	rec.Status = run.StatusCompleted
	rec.FinishedAt = &now
	rec.Output = e.hooks.Sanitize(artifacts)
	rec.Summary.CurrentStepIndex = len(def.Steps)
	if err := e.store.UpdateRun(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "completing run")
	}
	e.emit(ctx, rec.RunID, "", run.EventRunCompleted, map[string]any{"steps": len(def.Steps)})
	e.metrics.RunFinished(rec.Product, rec.Flow, string(run.StatusCompleted))
	e.logger.Info("run completed", "run_id", rec.RunID, "flow", rec.Flow)

	return &Result{RunID: rec.RunID, Status: run.StatusCompleted, Output: rec.Output}, nil
}

// pauseForApproval persists the approval record before the run status
// flips, so a crash between the two writes is recoverable by load().
func (e *Engine) pauseForApproval(ctx context.Context, rec *run.Record, stepDef flow.StepDefinition, stepRec *run.StepRecord, idx int, renderCtx render.Context) (*Result, error) {
	message := stepDef.Message
	if message == "" {
		message = fmt.Sprintf("Approval required for step %q.", stepDef.ID)
	} else if rendered, err := render.Template(message, renderCtx); err == nil {
		message = rendered
	}

	ap := &run.Approval{
		ApprovalID:  run.NewApprovalID(),
		RunID:       rec.RunID,
		StepID:      stepDef.ID,
		Status:      run.ApprovalPending,
		Message:     message,
		RequestedAt: e.clock(),
	}
	if err := e.store.CreateApproval(ctx, ap); err != nil {
		return nil, errors.Wrap(err, "creating approval")
	}

	stepRec.Meta = map[string]any{"approval_id": ap.ApprovalID}
	if err := e.store.PutStep(ctx, stepRec); err != nil {
		return nil, errors.Wrap(err, "persisting step")
	}

	rec.Status = run.StatusPendingHuman
	rec.Summary.CurrentStepIndex = idx
	if err := e.store.UpdateRun(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "pausing run")
	}
	e.emit(ctx, rec.RunID, stepDef.ID, run.EventPendingHuman, map[string]any{
		"approval_id": ap.ApprovalID,
		"message":     message,
	})
	e.logger.Info("run paused for approval", "run_id", rec.RunID, "step_id", stepDef.ID)

	return &Result{RunID: rec.RunID, Status: run.StatusPendingHuman, Approval: ap}, nil
}

// pauseForUserInput mirrors pauseForApproval for user_input steps.
func (e *Engine) pauseForUserInput(ctx context.Context, rec *run.Record, stepDef flow.StepDefinition, stepRec *run.StepRecord, idx int, renderCtx render.Context) (*Result, error) {
	prompt := stepDef.Prompt
	if rendered, err := render.Template(prompt, renderCtx); err == nil {
		prompt = rendered
	}

	req := &run.InputRequest{
		RequestID:   run.NewInputRequestID(),
		RunID:       rec.RunID,
		StepID:      stepDef.ID,
		Status:      run.InputUnresolved,
		Prompt:      prompt,
		Schema:      stepDef.Schema,
		Defaults:    stepDef.Defaults,
		Required:    stepDef.Required,
		RequestedAt: e.clock(),
	}
	if err := e.store.CreateInputRequest(ctx, req); err != nil {
		return nil, errors.Wrap(err, "creating input request")
	}

	stepRec.Meta = map[string]any{"request_id": req.RequestID}
	if err := e.store.PutStep(ctx, stepRec); err != nil {
		return nil, errors.Wrap(err, "persisting step")
	}

	rec.Status = run.StatusPendingUserInput
	rec.Summary.CurrentStepIndex = idx
	if err := e.store.UpdateRun(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "pausing run")
	}
	e.emit(ctx, rec.RunID, stepDef.ID, run.EventPendingUserInput, map[string]any{
		"request_id": req.RequestID,
		"prompt":     prompt,
	})
	e.logger.Info("run paused for user input", "run_id", rec.RunID, "step_id", stepDef.ID)

	return &Result{RunID: rec.RunID, Status: run.StatusPendingUserInput, InputRequest: req}, nil
}

// resumeApproval applies a human decision to the pending approval.
func (e *Engine) resumeApproval(ctx context.Context, rec *run.Record, def *flow.Definition, payload, rawPayload, artifacts map[string]any) (*Result, error) {
	ap, err := e.store.PendingApproval(ctx, rec.RunID)
	if err != nil {
		return nil, err
	}

	approved, comment, err := parseDecision(payload)
	if err != nil {
		// Run stays paused; nothing is mutated.
		return nil, err
	}

	status := run.ApprovalRejected
	decision := "reject"
	if approved {
		status = run.ApprovalApproved
		decision = "approve"
	}
	resolved, err := e.store.ResolveApproval(ctx, ap.ApprovalID, status, decision, comment)
	if err != nil {
		return nil, err
	}

	idx := def.StepIndex(ap.StepID)
	if idx < 0 {
		return nil, &errors.InvalidResumeError{RunID: rec.RunID, Reason: fmt.Sprintf("step %s not in flow definition", ap.StepID)}
	}

	stepRec, err := e.store.GetStep(ctx, rec.RunID, ap.StepID)
	if err != nil {
		return nil, err
	}
	now := e.clock()
	stepRec.FinishedAt = &now
	output := map[string]any{
		"approval": map[string]any{
			"decision": decision,
			"comment":  comment,
		},
	}

	if !approved {
		stepRec.Status = run.StepFailed
		stepRec.Error = &run.StepError{Code: "approval_rejected", Message: "approval was rejected"}
		stepRec.Output = output
		if err := e.store.PutStep(ctx, stepRec); err != nil {
			return nil, errors.Wrap(err, "persisting step")
		}
		e.emit(ctx, rec.RunID, ap.StepID, run.EventStepFailed, map[string]any{
			"error": map[string]any{"code": "approval_rejected", "message": "approval was rejected"},
		})
		return e.failRun(ctx, rec, ap.StepID, stepRec.Error)
	}

	stepRec.Status = run.StepCompleted
	stepRec.Output = output
	if err := e.store.PutStep(ctx, stepRec); err != nil {
		return nil, errors.Wrap(err, "persisting step")
	}
	artifacts[ap.StepID] = output

	rec.Status = run.StatusRunning
	rec.Summary.CurrentStepIndex = idx + 1
	if err := e.store.UpdateRun(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "resuming run")
	}
	e.emit(ctx, rec.RunID, ap.StepID, run.EventRunResumed, map[string]any{
		"approval_id": resolved.ApprovalID,
		"decision":    decision,
	})
	e.logger.Info("run resumed", "run_id", rec.RunID, "step_id", ap.StepID, "decision", decision)

	return e.advance(ctx, rec, def, rawPayload, artifacts)
}

// resumeUserInput validates and applies the caller's input values.
func (e *Engine) resumeUserInput(ctx context.Context, rec *run.Record, def *flow.Definition, payload, rawPayload, artifacts map[string]any) (*Result, error) {
	req, err := e.store.PendingInputRequest(ctx, rec.RunID)
	if err != nil {
		return nil, err
	}

	values, err := validateInput(req, payload)
	if err != nil {
		// Run stays paused; nothing is mutated.
		return nil, err
	}

	if _, err := e.store.ResolveInputRequest(ctx, req.RequestID, run.InputResolved, values); err != nil {
		return nil, err
	}

	idx := def.StepIndex(req.StepID)
	if idx < 0 {
		return nil, &errors.InvalidResumeError{RunID: rec.RunID, Reason: fmt.Sprintf("step %s not in flow definition", req.StepID)}
	}

	stepRec, err := e.store.GetStep(ctx, rec.RunID, req.StepID)
	if err != nil {
		return nil, err
	}
	now := e.clock()
	stepRec.Status = run.StepCompleted
	stepRec.FinishedAt = &now
	stepRec.Output = e.hooks.Sanitize(values)
	if err := e.store.PutStep(ctx, stepRec); err != nil {
		return nil, errors.Wrap(err, "persisting step")
	}
	artifacts[req.StepID] = values

	rec.Status = run.StatusRunning
	rec.Summary.CurrentStepIndex = idx + 1
	if err := e.store.UpdateRun(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "resuming run")
	}
	e.emit(ctx, rec.RunID, req.StepID, run.EventRunResumed, map[string]any{
		"request_id": req.RequestID,
	})
	e.logger.Info("run resumed", "run_id", rec.RunID, "step_id", req.StepID)

	return e.advance(ctx, rec, def, rawPayload, artifacts)
}

// failStepPreflight records a governance deny that fires before the step
// starts (budget breach). The step is persisted as failed so the audit
// trail names it.
func (e *Engine) failStepPreflight(ctx context.Context, rec *run.Record, def *flow.Definition, stepDef flow.StepDefinition, idx int, decision govern.HookDecision) (*Result, error) {
	now := e.clock()
	stepErr := &run.StepError{
		Code:    tool.CodePolicyDenied,
		Message: fmt.Sprintf("step %q denied: %s", stepDef.ID, decision.Reason),
	}
	stepRec := &run.StepRecord{
		RunID:      rec.RunID,
		StepID:     stepDef.ID,
		StepIndex:  idx,
		Name:       stepDef.Name,
		Type:       string(stepDef.Type),
		Status:     run.StepFailed,
		StartedAt:  now,
		FinishedAt: &now,
		Error:      stepErr,
	}
	if err := e.store.PutStep(ctx, stepRec); err != nil {
		return nil, errors.Wrap(err, "persisting step")
	}
	e.emit(ctx, rec.RunID, stepDef.ID, run.EventPolicyViolation, decision.TracePayload())
	e.emit(ctx, rec.RunID, stepDef.ID, run.EventStepFailed, map[string]any{
		"error": map[string]any{"code": stepErr.Code, "message": stepErr.Message},
	})
	return e.failRun(ctx, rec, stepDef.ID, stepErr)
}

// failRun moves the run to FAILED with the failing step recorded.
func (e *Engine) failRun(ctx context.Context, rec *run.Record, stepID string, stepErr *run.StepError) (*Result, error) {
	now := e.clock()
	rec.Status = run.StatusFailed
	rec.FinishedAt = &now
	rec.Summary.FailedStepID = stepID
	if err := e.store.UpdateRun(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "failing run")
	}
	e.emit(ctx, rec.RunID, stepID, run.EventRunFailed, map[string]any{
		"failed_step_id": stepID,
		"error":          map[string]any{"code": stepErr.Code, "message": stepErr.Message},
	})
	e.metrics.RunFinished(rec.Product, rec.Flow, string(run.StatusFailed))
	e.logger.Warn("run failed", "run_id", rec.RunID, "step_id", stepID, "code", stepErr.Code)

	return &Result{
		RunID:        rec.RunID,
		Status:       run.StatusFailed,
		FailedStepID: stepID,
		Error:        stepErr,
	}, nil
}

func (e *Engine) counters(rec *run.Record) govern.Counters {
	return govern.Counters{
		Steps:     rec.Summary.StepsExecuted,
		ToolCalls: rec.Summary.ToolCalls,
		Tokens:    rec.Summary.TokensUsed,
	}
}

func (e *Engine) emit(ctx context.Context, runID, stepID, kind string, payload map[string]any) {
	event := run.TraceEvent{
		EventID: run.NewEventID(),
		RunID:   runID,
		StepID:  stepID,
		Kind:    kind,
		TS:      e.clock(),
		Payload: e.hooks.Sanitize(payload),
	}
	if err := e.store.AppendTrace(ctx, event); err != nil {
		e.logger.Error("failed to append trace event", "run_id", runID, "kind", kind, "error", err)
	}
}
