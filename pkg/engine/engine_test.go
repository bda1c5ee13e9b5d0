package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/helmsman/pkg/agent"
	"github.com/tombee/helmsman/pkg/errors"
	"github.com/tombee/helmsman/pkg/flow"
	"github.com/tombee/helmsman/pkg/govern"
	"github.com/tombee/helmsman/pkg/run"
	"github.com/tombee/helmsman/pkg/store"
	"github.com/tombee/helmsman/pkg/tool"
)

type testHarness struct {
	engine *Engine
	store  *store.Memory
	tools  *tool.Registry
	agents *agent.Registry
	slept  []time.Duration
}

func newHarness(t *testing.T, yamls []string, policy *govern.Policy) *testHarness {
	t.Helper()

	flows := StaticFlows{}
	for _, doc := range yamls {
		def, err := flow.Parse([]byte(doc))
		require.NoError(t, err)
		flows[def.ID] = def
	}

	h := &testHarness{
		store:  store.NewMemory(),
		tools:  tool.NewRegistry(),
		agents: agent.NewRegistry(),
	}
	h.tools.MustRegister(tool.Echo())
	h.agents.MustRegister(agent.Summarize())

	eng, err := New(Config{
		Store:  h.store,
		Flows:  flows,
		Tools:  h.tools,
		Agents: h.agents,
		Policy: policy,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	// Record backoffs instead of sleeping.
	eng.exec.sleep = func(_ context.Context, d time.Duration) {
		h.slept = append(h.slept, d)
	}
	h.engine = eng
	return h
}

func (h *testHarness) traceKinds(t *testing.T, runID string) []string {
	t.Helper()
	events, err := h.store.ListTrace(context.Background(), runID)
	require.NoError(t, err)
	kinds := make([]string, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

// flakyBackend fails n times before succeeding.
func flakyBackend(name, code string, failures int) tool.Backend {
	calls := 0
	return tool.Func{
		ToolName: name,
		Fn: func(_ context.Context, params map[string]any) tool.Result {
			calls++
			if calls <= failures {
				return tool.Fail(code, fmt.Sprintf("attempt %d failed", calls))
			}
			return tool.Ok(map[string]any{"calls": calls})
		},
	}
}

const echoFlow = `
id: echo-flow
steps:
  - id: fetch
    type: tool
    target: echo
    params:
      message: "branch {{payload.branch}}"
`

func TestRunFlowCompletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{echoFlow}, nil)

	res, err := h.engine.RunFlow(ctx, "demo", "echo-flow", map[string]any{"branch": "main"})
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, res.Status)

	fetch, ok := res.Output["fetch"].(map[string]any)
	require.True(t, ok, "output = %v", res.Output)
	assert.Equal(t, "branch main", fetch["message"])

	kinds := h.traceKinds(t, res.RunID)
	assert.Equal(t, []string{
		run.EventRunStarted,
		run.EventStepStarted,
		run.EventToolExecuted,
		run.EventStepCompleted,
		run.EventRunCompleted,
	}, kinds)

	rec, err := h.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Summary.StepsExecuted)
	assert.Equal(t, 1, rec.Summary.ToolCalls)
}

const approvalFlow = `
id: deploy
autonomy_level: semi_auto
steps:
  - id: fetch
    type: tool
    target: echo
    params:
      text: "deploying {{payload.branch}}"
  - id: confirm
    type: human_approval
    message: "Ship {{artifacts.fetch.text}}?"
  - id: report
    type: agent
    target: summarize
    params:
      text: "{{artifacts.fetch.text}}"
`

func TestApprovalPauseResumeApproved(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{approvalFlow}, nil)

	res, err := h.engine.RunFlow(ctx, "demo", "deploy", map[string]any{"branch": "main"})
	require.NoError(t, err)
	require.Equal(t, run.StatusPendingHuman, res.Status)
	require.NotNil(t, res.Approval)
	assert.Equal(t, "Ship deploying main?", res.Approval.Message)

	// Paused state is fully persisted.
	rec, err := h.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusPendingHuman, rec.Status)

	resumed, err := h.engine.Resume(ctx, res.RunID, map[string]any{"approved": true, "comment": "lgtm"})
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, resumed.Status)

	report, ok := resumed.Output["report"].(map[string]any)
	require.True(t, ok, "output = %v", resumed.Output)
	assert.Equal(t, "summary: deploying main", report["summary"])

	ap, err := h.store.GetApproval(ctx, res.Approval.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, run.ApprovalApproved, ap.Status)
	assert.Equal(t, "lgtm", ap.Comment)

	// Step indexes stay contiguous from 0 across the pause and resume.
	steps, err := h.store.ListSteps(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, step := range steps {
		assert.Equal(t, i, step.StepIndex, "step %s", step.StepID)
	}
	assert.Equal(t, "fetch", steps[0].StepID)
	assert.Equal(t, "confirm", steps[1].StepID)
	assert.Equal(t, "report", steps[2].StepID)

	kinds := h.traceKinds(t, res.RunID)
	assert.Contains(t, kinds, run.EventPendingHuman)
	assert.Contains(t, kinds, run.EventRunResumed)
	assert.Contains(t, kinds, run.EventRunCompleted)
}

func TestApprovalRejectedFailsRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{approvalFlow}, nil)

	res, err := h.engine.RunFlow(ctx, "demo", "deploy", map[string]any{"branch": "main"})
	require.NoError(t, err)
	require.Equal(t, run.StatusPendingHuman, res.Status)

	resumed, err := h.engine.Resume(ctx, res.RunID, map[string]any{"decision": "reject"})
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, resumed.Status)
	assert.Equal(t, "confirm", resumed.FailedStepID)
	require.NotNil(t, resumed.Error)
	assert.Equal(t, "approval_rejected", resumed.Error.Code)

	step, err := h.store.GetStep(ctx, res.RunID, "confirm")
	require.NoError(t, err)
	assert.Equal(t, run.StepFailed, step.Status)
}

func TestInvalidResumePayloadLeavesRunPaused(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{approvalFlow}, nil)

	res, err := h.engine.RunFlow(ctx, "demo", "deploy", map[string]any{"branch": "main"})
	require.NoError(t, err)

	_, err = h.engine.Resume(ctx, res.RunID, map[string]any{"decision": "maybe"})
	require.True(t, errors.IsInvalidResumePayload(err), "err = %v", err)

	// Nothing moved: run still paused, approval still pending.
	rec, err := h.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusPendingHuman, rec.Status)
	_, err = h.store.PendingApproval(ctx, res.RunID)
	assert.NoError(t, err)
}

func TestResumeAfterTerminalRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{approvalFlow}, nil)

	res, err := h.engine.RunFlow(ctx, "demo", "deploy", map[string]any{"branch": "main"})
	require.NoError(t, err)

	_, err = h.engine.Resume(ctx, res.RunID, map[string]any{"approved": true})
	require.NoError(t, err)

	_, err = h.engine.Resume(ctx, res.RunID, map[string]any{"approved": false})
	assert.True(t, errors.IsInvalidResume(err), "err = %v", err)
}

func TestConcurrentResolutionFirstWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{approvalFlow}, nil)

	res, err := h.engine.RunFlow(ctx, "demo", "deploy", map[string]any{"branch": "main"})
	require.NoError(t, err)

	// Another caller resolved the approval between our status read and the
	// resume: the store's compare-and-set makes the second writer lose.
	_, err = h.store.ResolveApproval(ctx, res.Approval.ApprovalID, run.ApprovalApproved, "approve", "")
	require.NoError(t, err)

	_, err = h.engine.Resume(ctx, res.RunID, map[string]any{"approved": false})
	require.Error(t, err)

	ap, err := h.store.GetApproval(ctx, res.Approval.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, run.ApprovalApproved, ap.Status, "first resolution must stand")
}

const inputFlow = `
id: pick-env
steps:
  - id: ask
    type: user_input
    prompt: "Environment for {{payload.service}}?"
    schema:
      environment:
        enum: [staging, production]
    defaults:
      region: eu-west-1
    required: [environment]
  - id: announce
    type: tool
    target: echo
    params:
      env: "{{artifacts.ask.environment}}"
      region: "{{artifacts.ask.region}}"
`

func TestUserInputPauseResume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{inputFlow}, nil)

	res, err := h.engine.RunFlow(ctx, "demo", "pick-env", map[string]any{"service": "api"})
	require.NoError(t, err)
	require.Equal(t, run.StatusPendingUserInput, res.Status)
	require.NotNil(t, res.InputRequest)
	assert.Equal(t, "Environment for api?", res.InputRequest.Prompt)
	assert.Equal(t, []string{"environment"}, res.InputRequest.Required)

	// Enum violation: run stays paused.
	_, err = h.engine.Resume(ctx, res.RunID, map[string]any{
		"user_input_response": map[string]any{"environment": "qa"},
	})
	require.True(t, errors.IsInvalidResumePayload(err), "err = %v", err)
	rec, _ := h.store.GetRun(ctx, res.RunID)
	assert.Equal(t, run.StatusPendingUserInput, rec.Status)

	// Missing required field: still paused.
	_, err = h.engine.Resume(ctx, res.RunID, map[string]any{
		"user_input_response": map[string]any{},
	})
	require.True(t, errors.IsInvalidResumePayload(err), "err = %v", err)

	resumed, err := h.engine.Resume(ctx, res.RunID, map[string]any{
		"user_input_response": map[string]any{"environment": "production"},
	})
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, resumed.Status)

	// Defaults applied, values flow into the next step's params.
	announce, ok := resumed.Output["announce"].(map[string]any)
	require.True(t, ok, "output = %v", resumed.Output)
	assert.Equal(t, "production", announce["env"])
	assert.Equal(t, "eu-west-1", announce["region"])
}

const retryFlow = `
id: flaky
steps:
  - id: call
    type: tool
    target: flaky
    params: {}
    retry:
      max_attempts: 3
      backoff_seconds: 2
      retry_on_codes: [timeout]
`

func TestRetryThenSucceed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{retryFlow}, nil)
	h.tools.MustRegister(flakyBackend("flaky", tool.CodeTimeout, 2))

	res, err := h.engine.RunFlow(ctx, "demo", "flaky", nil)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, res.Status)

	step, err := h.store.GetStep(ctx, res.RunID, "call")
	require.NoError(t, err)
	assert.Equal(t, 3, step.Attempts)

	// Two retries, each with the fixed backoff.
	require.Len(t, h.slept, 2)
	assert.Equal(t, 2*time.Second, h.slept[0])
	assert.Equal(t, 2*time.Second, h.slept[1])

	kinds := h.traceKinds(t, res.RunID)
	retries := 0
	for _, k := range kinds {
		if k == run.EventStepRetryScheduled {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestRetryExhaustionFailsRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{retryFlow}, nil)
	h.tools.MustRegister(flakyBackend("flaky", tool.CodeTimeout, 10))

	res, err := h.engine.RunFlow(ctx, "demo", "flaky", nil)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, res.Status)
	assert.Equal(t, "call", res.FailedStepID)
	require.NotNil(t, res.Error)
	assert.Equal(t, tool.CodeTimeout, res.Error.Code)

	step, err := h.store.GetStep(ctx, res.RunID, "call")
	require.NoError(t, err)
	assert.Equal(t, 3, step.Attempts, "max_attempts caps total attempts")

	rec, _ := h.store.GetRun(ctx, res.RunID)
	assert.Equal(t, 3, rec.Summary.ToolCalls, "every attempt counts against the budget")
}

func TestUnlistedCodeNotRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{retryFlow}, nil)
	h.tools.MustRegister(flakyBackend("flaky", tool.CodeSystemError, 10))

	res, err := h.engine.RunFlow(ctx, "demo", "flaky", nil)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, res.Status)

	step, _ := h.store.GetStep(ctx, res.RunID, "call")
	assert.Equal(t, 1, step.Attempts, "system_error not in retry_on_codes")
	assert.Empty(t, h.slept)
}

const blockedToolFlow = `
id: blocked
steps:
  - id: call
    type: tool
    target: echo
    params: {}
    retry:
      max_attempts: 3
      backoff_seconds: 0
`

func TestPolicyDenyNeverRetried(t *testing.T) {
	ctx := context.Background()
	policy := govern.DefaultPolicy()
	policy.BlockedTools = []string{"echo"}
	h := newHarness(t, []string{blockedToolFlow}, policy)

	res, err := h.engine.RunFlow(ctx, "demo", "blocked", nil)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, tool.CodePolicyDenied, res.Error.Code)

	step, _ := h.store.GetStep(ctx, res.RunID, "call")
	assert.Equal(t, 1, step.Attempts, "policy denials are not retryable")

	kinds := h.traceKinds(t, res.RunID)
	assert.Contains(t, kinds, run.EventToolBlocked)
	assert.Contains(t, kinds, run.EventPolicyViolation)
}

const twoToolFlow = `
id: two-tools
steps:
  - id: first
    type: tool
    target: echo
    params: {}
  - id: second
    type: tool
    target: echo
    params: {}
`

func TestToolCallBudgetFailsSecondStep(t *testing.T) {
	ctx := context.Background()
	policy := govern.DefaultPolicy()
	policy.MaxToolCalls = 1
	h := newHarness(t, []string{twoToolFlow}, policy)

	res, err := h.engine.RunFlow(ctx, "demo", "two-tools", nil)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, res.Status)
	assert.Equal(t, "second", res.FailedStepID)
	require.NotNil(t, res.Error)
	assert.Equal(t, tool.CodePolicyDenied, res.Error.Code)

	first, _ := h.store.GetStep(ctx, res.RunID, "first")
	assert.Equal(t, run.StepCompleted, first.Status)
}

const fullAutoFlow = `
id: auto
autonomy_level: full_auto
steps:
  - id: call
    type: tool
    target: echo
    params: {}
`

func TestAutonomyDeniedFailsRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{fullAutoFlow}, govern.DefaultPolicy())

	res, err := h.engine.RunFlow(ctx, "demo", "auto", nil)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, tool.CodePolicyDenied, res.Error.Code)

	// The denial itself is auditable: a FAILED run with a full trail.
	runs, err := h.store.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.StatusFailed, runs[0].Status)

	kinds := h.traceKinds(t, res.RunID)
	assert.Equal(t, []string{
		run.EventRunStarted,
		run.EventPolicyViolation,
		run.EventRunFailed,
	}, kinds)

	steps, err := h.store.ListSteps(ctx, res.RunID)
	require.NoError(t, err)
	assert.Empty(t, steps, "no step may start on a denied flow")
}

func TestCancelPausedRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{approvalFlow}, nil)

	res, err := h.engine.RunFlow(ctx, "demo", "deploy", map[string]any{"branch": "main"})
	require.NoError(t, err)

	cancelled, err := h.engine.Cancel(ctx, res.RunID, "operator abort")
	require.NoError(t, err)
	assert.Equal(t, run.StatusCancelled, cancelled.Status)

	ap, err := h.store.GetApproval(ctx, res.Approval.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, run.ApprovalCancelled, ap.Status)

	_, err = h.engine.Cancel(ctx, res.RunID, "again")
	assert.Error(t, err, "terminal runs cannot be cancelled")

	_, err = h.engine.Resume(ctx, res.RunID, map[string]any{"approved": true})
	assert.True(t, errors.IsInvalidResume(err), "cancelled runs cannot resume")
}

func TestStatusReportsPendingApproval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{approvalFlow}, nil)

	res, err := h.engine.RunFlow(ctx, "demo", "deploy", map[string]any{"branch": "main"})
	require.NoError(t, err)

	status, err := h.engine.Status(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusPendingHuman, status.Status)
	require.NotNil(t, status.Approval)
	assert.Equal(t, res.Approval.ApprovalID, status.Approval.ApprovalID)
}

func TestStaleRunningRunReclassified(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{approvalFlow}, nil)

	res, err := h.engine.RunFlow(ctx, "demo", "deploy", map[string]any{"branch": "main"})
	require.NoError(t, err)

	// Simulate a crash after the approval write but before the status flip.
	rec, err := h.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	rec.Status = run.StatusRunning
	require.NoError(t, h.store.UpdateRun(ctx, rec))

	status, err := h.engine.Status(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusPendingHuman, status.Status)

	healed, _ := h.store.GetRun(ctx, res.RunID)
	assert.Equal(t, run.StatusPendingHuman, healed.Status, "reclassification is persisted")
}

func TestResumeSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{approvalFlow}, nil)

	res, err := h.engine.RunFlow(ctx, "demo", "deploy", map[string]any{"branch": "main"})
	require.NoError(t, err)

	// A second engine over the same store stands in for a restarted process.
	flows := StaticFlows{}
	def, err := flow.Parse([]byte(approvalFlow))
	require.NoError(t, err)
	flows[def.ID] = def

	second, err := New(Config{
		Store:  h.store,
		Flows:  flows,
		Tools:  h.tools,
		Agents: h.agents,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	resumed, err := second.Resume(ctx, res.RunID, map[string]any{"approved": true})
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, resumed.Status)

	// Artifacts were rebuilt from persisted step outputs.
	report, ok := resumed.Output["report"].(map[string]any)
	require.True(t, ok, "output = %v", resumed.Output)
	assert.Equal(t, "summary: deploying main", report["summary"])
}

const secretFlow = `
id: secret
steps:
  - id: call
    type: tool
    target: echo
    params:
      password: "{{payload.password}}"
`

func TestSensitiveValuesRedactedInPersistedState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{secretFlow}, nil)

	res, err := h.engine.RunFlow(ctx, "demo", "secret", map[string]any{"password": "hunter2"})
	require.NoError(t, err)

	rec, err := h.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, govern.Mask, rec.Input["password"], "run input is redacted")

	step, err := h.store.GetStep(ctx, res.RunID, "call")
	require.NoError(t, err)
	assert.Equal(t, govern.Mask, step.Input["password"], "step input is redacted")

	events, err := h.store.ListTrace(ctx, res.RunID)
	require.NoError(t, err)
	for _, ev := range events {
		if ev.Kind != run.EventToolExecuted {
			continue
		}
		params, _ := ev.Payload["params"].(map[string]any)
		assert.Equal(t, govern.Mask, params["password"], "trace params are redacted")
	}
}

func TestUnknownFlow(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.engine.RunFlow(context.Background(), "demo", "nope", nil)
	assert.True(t, errors.IsNotFound(err), "err = %v", err)
}

func TestUnknownRun(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.engine.Resume(context.Background(), "run_missing", map[string]any{"approved": true})
	assert.True(t, errors.IsNotFound(err), "err = %v", err)
}

const planFlow = `
id: plan
steps:
  - id: propose
    type: plan_proposal
    target: planner
    params: {}
`

func TestPlanProposalValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{planFlow}, nil)
	h.agents.MustRegister(agent.Func{
		AgentName: "planner",
		Fn: func(context.Context, agent.Request) agent.Result {
			return agent.Ok(map[string]any{"summary": "no steps here"})
		},
	})

	res, err := h.engine.RunFlow(ctx, "demo", "plan", nil)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, "invalid_plan", res.Error.Code)
}

func TestAgentControlFlowFieldsStripped(t *testing.T) {
	ctx := context.Background()
	flowDoc := `
id: agent-flow
steps:
  - id: think
    type: agent
    target: scheming
    params: {}
`
	h := newHarness(t, []string{flowDoc}, nil)
	h.agents.MustRegister(agent.Func{
		AgentName: "scheming",
		Fn: func(context.Context, agent.Request) agent.Result {
			return agent.Ok(map[string]any{
				"answer":    "42",
				"next_step": "skip-to-the-end",
				"goto":      "anywhere",
			})
		},
	})

	res, err := h.engine.RunFlow(ctx, "demo", "agent-flow", nil)
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, res.Status)

	think, ok := res.Output["think"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "42", think["answer"])
	assert.NotContains(t, think, "next_step")
	assert.NotContains(t, think, "goto")

	step, err := h.store.GetStep(ctx, res.RunID, "think")
	require.NoError(t, err)
	assert.Equal(t, []any{"goto", "next_step"}, toAnySlice(step.Meta["stripped_fields"]))
}

func toAnySlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	}
	return nil
}
