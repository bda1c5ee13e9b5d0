// Package govern evaluates governance policy for runs: autonomy gating,
// tool/model allow-deny lists, per-run budgets, and payload redaction.
// Evaluation is pure; callers persist decisions and emit trace events.
package govern

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/helmsman/pkg/flow"
)

// Decision is the result of a single policy evaluation.
type Decision struct {
	Allow   bool
	Reason  string
	Details map[string]any
}

// Counters are the per-run usage numbers budgets are checked against.
// The engine rebuilds them from the persisted run summary on resume.
type Counters struct {
	Steps     int
	ToolCalls int
	Tokens    int
}

// Override adjusts the base policy for one product. Nil fields inherit the
// base; non-nil list fields replace the base lists, and blocked lists are
// additionally unioned with the base (a block entry can never be overridden
// away).
type Override struct {
	Enforce           *bool    `yaml:"enforce,omitempty"`
	AllowFullAutonomy *bool    `yaml:"allow_full_autonomy,omitempty"`
	MaxAutonomy       *string  `yaml:"max_autonomy,omitempty"`
	AllowedTools      []string `yaml:"allowed_tools,omitempty"`
	BlockedTools      []string `yaml:"blocked_tools,omitempty"`
	AllowedModels     []string `yaml:"allowed_models,omitempty"`
	BlockedModels     []string `yaml:"blocked_models,omitempty"`
	MaxSteps          *int     `yaml:"max_steps,omitempty"`
	MaxToolCalls      *int     `yaml:"max_tool_calls,omitempty"`
	MaxTokenBudget    *int     `yaml:"max_token_budget,omitempty"`
}

// Policy is the governance configuration. List entries are glob patterns
// (file.*, shell.**). Budget values of zero mean unlimited.
type Policy struct {
	Enforce           bool   `yaml:"enforce"`
	AllowFullAutonomy bool   `yaml:"allow_full_autonomy"`
	MaxAutonomy       string `yaml:"max_autonomy,omitempty"`

	AllowedTools  []string `yaml:"allowed_tools,omitempty"`
	BlockedTools  []string `yaml:"blocked_tools,omitempty"`
	AllowedModels []string `yaml:"allowed_models,omitempty"`
	BlockedModels []string `yaml:"blocked_models,omitempty"`

	MaxSteps       int `yaml:"max_steps,omitempty"`
	MaxToolCalls   int `yaml:"max_tool_calls,omitempty"`
	MaxTokenBudget int `yaml:"max_token_budget,omitempty"`

	ByProduct map[string]Override `yaml:"by_product,omitempty"`
}

// DefaultPolicy enforces with everything allowed except full autonomy.
func DefaultPolicy() *Policy {
	return &Policy{Enforce: true}
}

// effective is the merged view of the policy for one product.
type effective struct {
	enforce           bool
	allowFullAutonomy bool
	maxAutonomy       flow.AutonomyLevel
	allowedTools      []string
	blockedTools      []string
	allowedModels     []string
	blockedModels     []string
	maxSteps          int
	maxToolCalls      int
	maxTokenBudget    int
}

func (p *Policy) forProduct(product string) effective {
	eff := effective{
		enforce:           p.Enforce,
		allowFullAutonomy: p.AllowFullAutonomy,
		maxAutonomy:       flow.AutonomyFullAuto,
		allowedTools:      p.AllowedTools,
		blockedTools:      p.BlockedTools,
		allowedModels:     p.AllowedModels,
		blockedModels:     p.BlockedModels,
		maxSteps:          p.MaxSteps,
		maxToolCalls:      p.MaxToolCalls,
		maxTokenBudget:    p.MaxTokenBudget,
	}
	if p.MaxAutonomy != "" {
		eff.maxAutonomy = flow.AutonomyLevel(p.MaxAutonomy)
	}

	ov, ok := p.ByProduct[product]
	if !ok {
		return eff
	}
	if ov.Enforce != nil {
		eff.enforce = *ov.Enforce
	}
	if ov.AllowFullAutonomy != nil {
		eff.allowFullAutonomy = *ov.AllowFullAutonomy
	}
	if ov.MaxAutonomy != nil {
		eff.maxAutonomy = flow.AutonomyLevel(*ov.MaxAutonomy)
	}
	if ov.AllowedTools != nil {
		eff.allowedTools = ov.AllowedTools
	}
	if ov.AllowedModels != nil {
		eff.allowedModels = ov.AllowedModels
	}
	// Block lists union: a base block entry cannot be overridden away.
	eff.blockedTools = append(append([]string{}, eff.blockedTools...), ov.BlockedTools...)
	eff.blockedModels = append(append([]string{}, eff.blockedModels...), ov.BlockedModels...)
	if ov.MaxSteps != nil {
		eff.maxSteps = *ov.MaxSteps
	}
	if ov.MaxToolCalls != nil {
		eff.maxToolCalls = *ov.MaxToolCalls
	}
	if ov.MaxTokenBudget != nil {
		eff.maxTokenBudget = *ov.MaxTokenBudget
	}
	return eff
}

// EvaluateAutonomy checks whether a flow's declared autonomy level is
// permitted for the product.
func (p *Policy) EvaluateAutonomy(product string, level flow.AutonomyLevel) Decision {
	eff := p.forProduct(product)
	details := map[string]any{"autonomy": string(level), "product": product}
	if !eff.enforce {
		return Decision{Allow: true, Reason: "policies_disabled", Details: details}
	}
	if level == flow.AutonomyFullAuto && !eff.allowFullAutonomy {
		return Decision{Allow: false, Reason: "full_autonomy_disabled", Details: details}
	}
	if level.Rank() > eff.maxAutonomy.Rank() {
		details["max_autonomy"] = string(eff.maxAutonomy)
		return Decision{Allow: false, Reason: "autonomy_exceeds_policy", Details: details}
	}
	return Decision{Allow: true, Reason: "ok", Details: details}
}

// EvaluateTool checks a tool name against the allow/deny lists.
// Precedence: block list, then per-product allow list, then global allow
// list, then default allow.
func (p *Policy) EvaluateTool(product, tool string) Decision {
	eff := p.forProduct(product)
	details := map[string]any{"tool": tool, "product": product}
	if !eff.enforce {
		return Decision{Allow: true, Reason: "policies_disabled", Details: details}
	}
	return evaluateLists(tool, eff.allowedTools, eff.blockedTools, details, "tool_blocked", "tool_not_in_allowlist")
}

// EvaluateModel checks a model name against the allow/deny lists.
func (p *Policy) EvaluateModel(product, model string) Decision {
	eff := p.forProduct(product)
	details := map[string]any{"model": model, "product": product}
	if !eff.enforce {
		return Decision{Allow: true, Reason: "policies_disabled", Details: details}
	}
	return evaluateLists(model, eff.allowedModels, eff.blockedModels, details, "model_blocked", "model_not_in_allowlist")
}

// CheckStepBudget is evaluated before a step starts.
func (p *Policy) CheckStepBudget(product string, c Counters) Decision {
	eff := p.forProduct(product)
	details := map[string]any{"steps": c.Steps, "product": product}
	if !eff.enforce {
		return Decision{Allow: true, Reason: "policies_disabled", Details: details}
	}
	if eff.maxSteps > 0 && c.Steps >= eff.maxSteps {
		details["max_steps"] = eff.maxSteps
		return Decision{Allow: false, Reason: "max_steps_exceeded", Details: details}
	}
	return Decision{Allow: true, Reason: "ok", Details: details}
}

// CheckToolBudget is evaluated before a tool call is dispatched.
func (p *Policy) CheckToolBudget(product string, c Counters) Decision {
	eff := p.forProduct(product)
	details := map[string]any{"tool_calls": c.ToolCalls, "product": product}
	if !eff.enforce {
		return Decision{Allow: true, Reason: "policies_disabled", Details: details}
	}
	if eff.maxToolCalls > 0 && c.ToolCalls >= eff.maxToolCalls {
		details["max_tool_calls"] = eff.maxToolCalls
		return Decision{Allow: false, Reason: "max_tool_calls_exceeded", Details: details}
	}
	return Decision{Allow: true, Reason: "ok", Details: details}
}

// CheckTokenBudget is evaluated after token usage is accounted.
func (p *Policy) CheckTokenBudget(product string, c Counters) Decision {
	eff := p.forProduct(product)
	details := map[string]any{"tokens": c.Tokens, "product": product}
	if !eff.enforce {
		return Decision{Allow: true, Reason: "policies_disabled", Details: details}
	}
	if eff.maxTokenBudget > 0 && c.Tokens > eff.maxTokenBudget {
		details["max_token_budget"] = eff.maxTokenBudget
		return Decision{Allow: false, Reason: "token_budget_exceeded", Details: details}
	}
	return Decision{Allow: true, Reason: "ok", Details: details}
}

func evaluateLists(name string, allowed, blocked []string, details map[string]any, blockedReason, notAllowedReason string) Decision {
	for _, pattern := range blocked {
		if matchPattern(name, strings.TrimPrefix(pattern, "!")) {
			return Decision{Allow: false, Reason: blockedReason, Details: details}
		}
	}
	if len(allowed) == 0 {
		return Decision{Allow: true, Reason: "ok", Details: details}
	}
	for _, pattern := range allowed {
		if matchPattern(name, pattern) {
			return Decision{Allow: true, Reason: "ok", Details: details}
		}
	}
	return Decision{Allow: false, Reason: notAllowedReason, Details: details}
}

// matchPattern matches a name against a glob pattern, falling back to exact
// comparison when the pattern is invalid.
func matchPattern(name, pattern string) bool {
	if name == pattern {
		return true
	}
	matched, err := doublestar.Match(pattern, name)
	if err != nil {
		return false
	}
	return matched
}
