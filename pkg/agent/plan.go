package agent

import (
	"fmt"

	"github.com/tombee/helmsman/pkg/errors"
)

// Plan is the document a plan_proposal step must produce. It is advisory:
// the engine validates and records it, but never executes its steps.
type Plan struct {
	SchemaVersion string     `json:"schema_version"`
	Summary       string     `json:"summary"`
	Steps         []PlanStep `json:"steps"`
	RequiredTools []string   `json:"required_tools,omitempty"`
}

// PlanStep describes one proposed step.
type PlanStep struct {
	StepID           string `json:"step_id"`
	Description      string `json:"description"`
	StepType         string `json:"step_type"`
	Tool             string `json:"tool,omitempty"`
	Agent            string `json:"agent,omitempty"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
}

// ValidatePlan checks that an agent's output data is a well-formed plan
// document. The raw map stays the recorded artifact; validation only gates
// acceptance.
func ValidatePlan(data map[string]any) error {
	if data == nil {
		return &errors.ValidationError{Field: "plan", Message: "plan output is empty"}
	}

	summary, _ := data["summary"].(string)
	if summary == "" {
		return &errors.ValidationError{
			Field:      "plan.summary",
			Message:    "plan requires a non-empty summary",
			Suggestion: "the agent must return a 'summary' string",
		}
	}

	rawSteps, ok := data["steps"].([]any)
	if !ok || len(rawSteps) == 0 {
		return &errors.ValidationError{
			Field:      "plan.steps",
			Message:    "plan requires a non-empty steps list",
			Suggestion: "the agent must return a 'steps' array",
		}
	}

	for i, raw := range rawSteps {
		step, ok := raw.(map[string]any)
		if !ok {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("plan.steps[%d]", i),
				Message: "plan step must be an object",
			}
		}
		for _, field := range []string{"step_id", "description", "step_type"} {
			if v, _ := step[field].(string); v == "" {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("plan.steps[%d].%s", i, field),
					Message: fmt.Sprintf("plan step requires a non-empty %s", field),
				}
			}
		}
	}

	return nil
}
