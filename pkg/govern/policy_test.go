package govern

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tombee/helmsman/pkg/flow"
)

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int    { return &n }

func TestEvaluateAutonomy(t *testing.T) {
	p := DefaultPolicy()

	assert.True(t, p.EvaluateAutonomy("demo", flow.AutonomySuggestOnly).Allow)
	assert.True(t, p.EvaluateAutonomy("demo", flow.AutonomySemiAuto).Allow)

	d := p.EvaluateAutonomy("demo", flow.AutonomyFullAuto)
	assert.False(t, d.Allow)
	assert.Equal(t, "full_autonomy_disabled", d.Reason)

	p.AllowFullAutonomy = true
	assert.True(t, p.EvaluateAutonomy("demo", flow.AutonomyFullAuto).Allow)
}

func TestEvaluateAutonomyLadder(t *testing.T) {
	p := &Policy{Enforce: true, AllowFullAutonomy: true, MaxAutonomy: "semi_auto"}

	assert.True(t, p.EvaluateAutonomy("demo", flow.AutonomySemiAuto).Allow)

	d := p.EvaluateAutonomy("demo", flow.AutonomyFullAuto)
	assert.False(t, d.Allow)
	assert.Equal(t, "autonomy_exceeds_policy", d.Reason)
}

func TestEvaluateToolPrecedence(t *testing.T) {
	p := &Policy{
		Enforce:      true,
		AllowedTools: []string{"file.*", "echo"},
		BlockedTools: []string{"shell.run"},
	}

	assert.True(t, p.EvaluateTool("demo", "file.read").Allow)
	assert.True(t, p.EvaluateTool("demo", "echo").Allow)

	d := p.EvaluateTool("demo", "shell.run")
	assert.False(t, d.Allow)
	assert.Equal(t, "tool_blocked", d.Reason)

	d = p.EvaluateTool("demo", "http.get")
	assert.False(t, d.Allow)
	assert.Equal(t, "tool_not_in_allowlist", d.Reason)
}

func TestBlockListAlwaysWins(t *testing.T) {
	// Global allow list names the tool; the per-product block list still wins.
	p := &Policy{
		Enforce:      true,
		AllowedTools: []string{"shell.run"},
		ByProduct: map[string]Override{
			"locked": {BlockedTools: []string{"shell.run"}},
		},
	}

	assert.True(t, p.EvaluateTool("other", "shell.run").Allow)

	d := p.EvaluateTool("locked", "shell.run")
	assert.False(t, d.Allow)
	assert.Equal(t, "tool_blocked", d.Reason)
}

func TestPerProductAllowOverride(t *testing.T) {
	p := &Policy{
		Enforce:      true,
		AllowedTools: []string{"echo"},
		ByProduct: map[string]Override{
			"wide": {AllowedTools: []string{"echo", "http.*"}},
		},
	}

	assert.False(t, p.EvaluateTool("default", "http.get").Allow)
	assert.True(t, p.EvaluateTool("wide", "http.get").Allow)
	assert.True(t, p.EvaluateTool("wide", "echo").Allow)
}

func TestEmptyListsDefaultAllow(t *testing.T) {
	p := DefaultPolicy()
	assert.True(t, p.EvaluateTool("demo", "anything.goes").Allow)
	assert.True(t, p.EvaluateModel("demo", "any-model").Allow)
}

func TestEnforceDisabled(t *testing.T) {
	p := &Policy{
		Enforce:      false,
		BlockedTools: []string{"shell.run"},
	}
	d := p.EvaluateTool("demo", "shell.run")
	assert.True(t, d.Allow)
	assert.Equal(t, "policies_disabled", d.Reason)
}

func TestBudgets(t *testing.T) {
	p := &Policy{Enforce: true, MaxSteps: 2, MaxToolCalls: 1, MaxTokenBudget: 100}

	assert.True(t, p.CheckStepBudget("demo", Counters{Steps: 1}).Allow)
	d := p.CheckStepBudget("demo", Counters{Steps: 2})
	assert.False(t, d.Allow)
	assert.Equal(t, "max_steps_exceeded", d.Reason)

	assert.True(t, p.CheckToolBudget("demo", Counters{ToolCalls: 0}).Allow)
	d = p.CheckToolBudget("demo", Counters{ToolCalls: 1})
	assert.False(t, d.Allow)
	assert.Equal(t, "max_tool_calls_exceeded", d.Reason)

	assert.True(t, p.CheckTokenBudget("demo", Counters{Tokens: 100}).Allow)
	d = p.CheckTokenBudget("demo", Counters{Tokens: 101})
	assert.False(t, d.Allow)
	assert.Equal(t, "token_budget_exceeded", d.Reason)
}

func TestBudgetsUnlimitedByDefault(t *testing.T) {
	p := DefaultPolicy()
	assert.True(t, p.CheckStepBudget("demo", Counters{Steps: 10000}).Allow)
	assert.True(t, p.CheckToolBudget("demo", Counters{ToolCalls: 10000}).Allow)
	assert.True(t, p.CheckTokenBudget("demo", Counters{Tokens: 1 << 30}).Allow)
}

func TestProductBudgetOverride(t *testing.T) {
	p := &Policy{
		Enforce:      true,
		MaxToolCalls: 10,
		ByProduct: map[string]Override{
			"tight": {MaxToolCalls: intPtr(1)},
		},
	}
	assert.True(t, p.CheckToolBudget("default", Counters{ToolCalls: 5}).Allow)
	assert.False(t, p.CheckToolBudget("tight", Counters{ToolCalls: 1}).Allow)
}

func TestProductEnforceOverride(t *testing.T) {
	p := &Policy{
		Enforce:      true,
		BlockedTools: []string{"shell.run"},
		ByProduct: map[string]Override{
			"sandbox": {Enforce: boolPtr(false)},
		},
	}
	assert.False(t, p.EvaluateTool("default", "shell.run").Allow)
	assert.True(t, p.EvaluateTool("sandbox", "shell.run").Allow)
}

func TestHooksBeforeToolCall(t *testing.T) {
	policy := &Policy{Enforce: true, BlockedTools: []string{"shell.**"}}
	hooks := NewHooks(policy, nil)

	d := hooks.BeforeToolCall("demo", "shell.run.sudo", map[string]any{
		"cmd":      "ls",
		"password": "hunter2",
	}, Counters{})

	assert.False(t, d.Allowed)
	assert.Equal(t, "tool_blocked", d.Reason)

	params := d.Scrubbed["params"].(map[string]any)
	assert.Equal(t, Mask, params["password"])
	assert.Equal(t, "ls", params["cmd"])

	payload := d.TracePayload()
	assert.Equal(t, false, payload["allowed"])
	assert.Equal(t, "shell.run.sudo", payload["tool"])
}

func TestHooksToolBudgetAfterAllowList(t *testing.T) {
	policy := &Policy{Enforce: true, MaxToolCalls: 1}
	hooks := NewHooks(policy, nil)

	assert.True(t, hooks.BeforeToolCall("demo", "echo", nil, Counters{}).Allowed)

	d := hooks.BeforeToolCall("demo", "echo", nil, Counters{ToolCalls: 1})
	assert.False(t, d.Allowed)
	assert.Equal(t, "max_tool_calls_exceeded", d.Reason)
}
