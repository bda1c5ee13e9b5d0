package govern

import (
	"github.com/tombee/helmsman/pkg/flow"
)

// HookDecision is the stable decision object hooks return. Scrubbed carries
// the redacted payload fragments callers embed into trace events.
type HookDecision struct {
	Allowed  bool
	Reason   string
	Details  map[string]any
	Scrubbed map[string]any
}

// TracePayload flattens the decision for trace emission.
func (d HookDecision) TracePayload() map[string]any {
	payload := map[string]any{
		"allowed": d.Allowed,
		"reason":  d.Reason,
	}
	for k, v := range d.Scrubbed {
		payload[k] = v
	}
	return payload
}

// Hooks is the thin enforcement layer the engine and the tool gateway call.
// It evaluates policy, redacts payloads, and returns decisions; callers
// persist state and emit trace events.
type Hooks struct {
	policy   *Policy
	redactor *Redactor
}

// NewHooks builds a hook chain over the given policy. A nil policy means
// the default (enforcing, allow-all, no full autonomy); a nil redactor gets
// the default pattern set.
func NewHooks(policy *Policy, redactor *Redactor) *Hooks {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if redactor == nil {
		redactor = NewRedactor()
	}
	return &Hooks{policy: policy, redactor: redactor}
}

// Redactor exposes the redactor for callers that sanitize payloads directly.
func (h *Hooks) Redactor() *Redactor {
	return h.redactor
}

// CheckAutonomy gates a run before any step executes.
func (h *Hooks) CheckAutonomy(product string, level flow.AutonomyLevel) HookDecision {
	d := h.policy.EvaluateAutonomy(product, level)
	return HookDecision{
		Allowed:  d.Allow,
		Reason:   d.Reason,
		Details:  d.Details,
		Scrubbed: map[string]any{"autonomy": string(level)},
	}
}

// BeforeStep is called before each step starts; it enforces the per-run
// step budget.
func (h *Hooks) BeforeStep(product, stepID string, c Counters) HookDecision {
	d := h.policy.CheckStepBudget(product, c)
	return HookDecision{
		Allowed:  d.Allow,
		Reason:   d.Reason,
		Details:  d.Details,
		Scrubbed: map[string]any{"step_id": stepID},
	}
}

// BeforeToolCall is called by the gateway before dispatching a backend. It
// enforces the allow/deny lists and the tool-call budget, and returns the
// redacted params for tracing.
func (h *Hooks) BeforeToolCall(product, tool string, params map[string]any, c Counters) HookDecision {
	scrubbed := map[string]any{
		"tool":    tool,
		"product": product,
		"params":  h.redactor.Sanitize(params),
	}

	d := h.policy.EvaluateTool(product, tool)
	if d.Allow {
		d = h.policy.CheckToolBudget(product, c)
	}
	return HookDecision{Allowed: d.Allow, Reason: d.Reason, Details: d.Details, Scrubbed: scrubbed}
}

// BeforeModelCall enforces the model allow/deny lists and the token budget.
func (h *Hooks) BeforeModelCall(product, model string, c Counters) HookDecision {
	d := h.policy.EvaluateModel(product, model)
	if d.Allow {
		d = h.policy.CheckTokenBudget(product, c)
	}
	return HookDecision{
		Allowed:  d.Allow,
		Reason:   d.Reason,
		Details:  d.Details,
		Scrubbed: map[string]any{"model": model, "product": product},
	}
}

// Sanitize redacts a payload for persistence or trace emission.
func (h *Hooks) Sanitize(payload map[string]any) map[string]any {
	return h.redactor.Sanitize(payload)
}
