package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/tombee/helmsman/pkg/agent"
	"github.com/tombee/helmsman/pkg/flow"
	"github.com/tombee/helmsman/pkg/govern"
	"github.com/tombee/helmsman/pkg/render"
	"github.com/tombee/helmsman/pkg/run"
	"github.com/tombee/helmsman/pkg/tool"
)

// stepRequest carries everything the executor needs for one step.
type stepRequest struct {
	RunID     string
	Product   string
	Def       flow.StepDefinition
	RenderCtx render.Context
	Counters  govern.Counters
}

// stepOutcome is the normalized result of executing one step, regardless of
// step type. The engine is the only consumer.
type stepOutcome struct {
	Status   run.StepStatus
	Output   map[string]any
	Error    *run.StepError
	Meta     map[string]any
	Attempts int

	// Usage accumulated across attempts, folded into the run counters.
	ToolCalls  int
	TokensUsed int
}

// executor dispatches tool, agent, and plan_proposal steps with the step's
// retry policy. Pausing step types never reach it.
type executor struct {
	gateway *tool.Gateway
	agents  *agent.Registry
	hooks   *govern.Hooks
	tracer  tool.Tracer

	// sleep is injectable so tests do not wait out backoffs.
	sleep func(ctx context.Context, d time.Duration)
}

func newExecutor(gateway *tool.Gateway, agents *agent.Registry, hooks *govern.Hooks, tracer tool.Tracer) *executor {
	return &executor{
		gateway: gateway,
		agents:  agents,
		hooks:   hooks,
		tracer:  tracer,
		sleep: func(ctx context.Context, d time.Duration) {
			if d <= 0 {
				return
			}
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
		},
	}
}

// execute runs one step to a terminal step status.
func (e *executor) execute(ctx context.Context, req stepRequest) stepOutcome {
	params := render.Params(req.Def.Params, req.RenderCtx)

	switch req.Def.Type {
	case flow.StepTypeTool:
		return e.withRetry(ctx, req, func(counters govern.Counters) attemptResult {
			return e.runTool(ctx, req, params, counters)
		})
	case flow.StepTypeAgent:
		return e.withRetry(ctx, req, func(counters govern.Counters) attemptResult {
			return e.runAgent(ctx, req, params, counters, false)
		})
	case flow.StepTypePlanProposal:
		return e.withRetry(ctx, req, func(counters govern.Counters) attemptResult {
			return e.runAgent(ctx, req, params, counters, true)
		})
	}

	return stepOutcome{
		Status:   run.StepFailed,
		Attempts: 1,
		Error: &run.StepError{
			Code:    tool.CodeSystemError,
			Message: fmt.Sprintf("step type %s is not dispatchable", req.Def.Type),
		},
	}
}

// attemptResult is one attempt's outcome before retry evaluation.
type attemptResult struct {
	OK         bool
	Data       map[string]any
	Meta       map[string]any
	Error      *run.StepError
	ToolCalls  int
	TokensUsed int
}

func (e *executor) withRetry(ctx context.Context, req stepRequest, attemptFn func(govern.Counters) attemptResult) stepOutcome {
	outcome := stepOutcome{}
	counters := req.Counters

	for {
		outcome.Attempts++

		res := attemptFn(counters)
		outcome.ToolCalls += res.ToolCalls
		outcome.TokensUsed += res.TokensUsed
		counters.ToolCalls += res.ToolCalls
		counters.Tokens += res.TokensUsed

		if res.OK {
			outcome.Status = run.StepCompleted
			outcome.Output = res.Data
			outcome.Meta = res.Meta
			outcome.Error = nil
			return outcome
		}

		outcome.Error = res.Error
		outcome.Meta = res.Meta

		decision := evaluateRetry(outcome.Attempts, req.Def.Retry, res.Error.Code)
		if !decision.Retry {
			outcome.Status = run.StepFailed
			return outcome
		}

		e.emit(ctx, req, run.EventStepRetryScheduled, map[string]any{
			"attempt":         outcome.Attempts,
			"reason":          decision.Reason,
			"backoff_seconds": decision.Backoff.Seconds(),
			"error_code":      res.Error.Code,
		})
		e.sleep(ctx, decision.Backoff)
	}
}

func (e *executor) runTool(ctx context.Context, req stepRequest, params map[string]any, counters govern.Counters) attemptResult {
	result := e.gateway.Execute(ctx, tool.Call{
		RunID:    req.RunID,
		StepID:   req.Def.ID,
		Product:  req.Product,
		Tool:     req.Def.Target,
		Params:   params,
		Counters: counters,
	})

	out := attemptResult{Meta: result.Meta, ToolCalls: 1}
	if result.OK {
		out.OK = true
		out.Data = result.Data
		return out
	}
	out.Error = &run.StepError{Code: result.Error.Code, Message: result.Error.Message}
	return out
}

func (e *executor) runAgent(ctx context.Context, req stepRequest, params map[string]any, counters govern.Counters, wantPlan bool) attemptResult {
	decision := e.hooks.BeforeModelCall(req.Product, req.Def.Target, counters)
	if !decision.Allowed {
		e.emit(ctx, req, run.EventPolicyViolation, decision.TracePayload())
		return attemptResult{Error: &run.StepError{
			Code:    tool.CodePolicyDenied,
			Message: fmt.Sprintf("agent %q denied: %s", req.Def.Target, decision.Reason),
		}}
	}

	a, err := e.agents.Resolve(req.Def.Target)
	if err != nil {
		return attemptResult{Error: &run.StepError{
			Code:    "agent_not_found",
			Message: fmt.Sprintf("agent %q is not registered", req.Def.Target),
		}}
	}

	result := e.dispatchAgent(ctx, a, agent.Request{
		RunID:   req.RunID,
		StepID:  req.Def.ID,
		Product: req.Product,
		Params:  params,
	})
	result = agent.StripControlFlow(result)

	out := attemptResult{Meta: result.Meta, TokensUsed: result.TokensUsed}
	if !result.OK {
		out.Error = &run.StepError{Code: result.Error.Code, Message: result.Error.Message}
		return out
	}

	if wantPlan {
		if err := agent.ValidatePlan(result.Data); err != nil {
			out.Error = &run.StepError{Code: "invalid_plan", Message: err.Error()}
			return out
		}
	}

	out.OK = true
	out.Data = result.Data
	return out
}

// dispatchAgent contains agent panics, mirroring the gateway's backstop.
func (e *executor) dispatchAgent(ctx context.Context, a agent.Agent, req agent.Request) (result agent.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = agent.Fail(tool.CodeSystemError, fmt.Sprintf("agent panicked: %v", r))
		}
	}()
	return a.Run(ctx, req)
}

func (e *executor) emit(ctx context.Context, req stepRequest, kind string, payload map[string]any) {
	if e.tracer == nil {
		return
	}
	e.tracer.Emit(ctx, run.TraceEvent{
		EventID: run.NewEventID(),
		RunID:   req.RunID,
		StepID:  req.Def.ID,
		Kind:    kind,
		TS:      time.Now().UTC(),
		Payload: payload,
	})
}
