// Package flow provides declarative flow definitions for the orchestrator.
//
// Flow documents are concise YAML (or JSON) specifications: an id, an
// autonomy level, and an ordered list of steps. Definitions are parsed and
// validated once, then treated as immutable and shared read-only across
// concurrent runs. There is no branching: the orchestrator executes steps
// strictly in declared order.
package flow

import (
	"fmt"

	"github.com/tombee/helmsman/pkg/errors"
)

// StepType represents the type of a flow step.
type StepType string

const (
	// StepTypeTool invokes a deterministic tool backend through the gateway.
	StepTypeTool StepType = "tool"

	// StepTypeAgent invokes a stateless reasoning step.
	StepTypeAgent StepType = "agent"

	// StepTypeHumanApproval pauses the run until a human approves or rejects.
	StepTypeHumanApproval StepType = "human_approval"

	// StepTypeUserInput pauses the run until the caller supplies structured input.
	StepTypeUserInput StepType = "user_input"

	// StepTypePlanProposal invokes an agent whose output must validate as a
	// plan document before later steps may consume it.
	StepTypePlanProposal StepType = "plan_proposal"
)

// ValidStepTypes for validation.
var ValidStepTypes = map[StepType]bool{
	StepTypeTool:          true,
	StepTypeAgent:         true,
	StepTypeHumanApproval: true,
	StepTypeUserInput:     true,
	StepTypePlanProposal:  true,
}

// AutonomyLevel bounds whether a flow's tools may execute without a human in
// the loop. Levels form a ladder: suggest_only < semi_auto < full_auto.
type AutonomyLevel string

const (
	// AutonomySuggestOnly proposes actions but executes nothing side-effecting.
	AutonomySuggestOnly AutonomyLevel = "suggest_only"

	// AutonomySemiAuto executes tools but defers to declared approval steps.
	AutonomySemiAuto AutonomyLevel = "semi_auto"

	// AutonomyFullAuto executes without approval checkpoints.
	AutonomyFullAuto AutonomyLevel = "full_auto"
)

// Rank returns the position of the level on the autonomy ladder, or -1 for
// an unknown level.
func (a AutonomyLevel) Rank() int {
	switch a {
	case AutonomySuggestOnly:
		return 0
	case AutonomySemiAuto:
		return 1
	case AutonomyFullAuto:
		return 2
	}
	return -1
}

// Retry policy bounds. Attempts include the first try; backoff is a fixed
// sleep between attempts.
const (
	MaxRetryAttempts   = 10
	MaxBackoffSeconds  = 60
	DefaultMaxAttempts = 1
)

// RetryPolicy configures retry behavior for a step.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts including the first try.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// BackoffSeconds is the fixed sleep between attempts.
	BackoffSeconds float64 `yaml:"backoff_seconds" json:"backoff_seconds"`

	// RetryOnCodes lists the error codes eligible for retry. Empty means any
	// error code is retryable (system errors excluded unless listed).
	RetryOnCodes []string `yaml:"retry_on_codes" json:"retry_on_codes"`
}

// UnmarshalYAML accepts "retry_on" as an alias for "retry_on_codes".
func (r *RetryPolicy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type raw struct {
		MaxAttempts    int      `yaml:"max_attempts"`
		BackoffSeconds float64  `yaml:"backoff_seconds"`
		RetryOnCodes   []string `yaml:"retry_on_codes"`
		RetryOn        []string `yaml:"retry_on"`
	}
	var v raw
	if err := unmarshal(&v); err != nil {
		return err
	}
	r.MaxAttempts = v.MaxAttempts
	r.BackoffSeconds = v.BackoffSeconds
	r.RetryOnCodes = v.RetryOnCodes
	if len(r.RetryOnCodes) == 0 && len(v.RetryOn) > 0 {
		r.RetryOnCodes = v.RetryOn
	}
	return nil
}

// Retryable reports whether the given error code is eligible for retry under
// this policy. An empty RetryOnCodes list treats every code as retryable.
func (r *RetryPolicy) Retryable(code string) bool {
	if len(r.RetryOnCodes) == 0 {
		return true
	}
	for _, c := range r.RetryOnCodes {
		if c == code {
			return true
		}
	}
	return false
}

// StepDefinition represents a single step in a flow.
//
// The Type field determines which other fields are required: tool, agent,
// and plan_proposal steps need a Target; human_approval steps may declare a
// Message; user_input steps declare Prompt/Schema/Defaults/Required.
type StepDefinition struct {
	// ID is the unique step identifier within this flow
	ID string `yaml:"id" json:"id"`

	// Name is a human-readable step name (optional, defaults to ID)
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Type specifies the step type (tool, agent, human_approval, user_input, plan_proposal)
	Type StepType `yaml:"type" json:"type"`

	// Target names the tool or agent to invoke (tool/agent/plan_proposal steps)
	Target string `yaml:"target,omitempty" json:"target,omitempty"`

	// Params are the step parameters; string values may carry {{...}} template
	// tokens resolved against the run payload and earlier step artifacts
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`

	// Retry configures retry behavior for tool/agent steps
	Retry *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Message is the approval prompt for human_approval steps
	Message string `yaml:"message,omitempty" json:"message,omitempty"`

	// Prompt is the question shown to the user for user_input steps
	Prompt string `yaml:"prompt,omitempty" json:"prompt,omitempty"`

	// Schema describes the expected user-input values. Each key maps to a
	// field spec; a field spec may carry an "enum" list constraining values.
	Schema map[string]any `yaml:"schema,omitempty" json:"schema,omitempty"`

	// Defaults provides fallback values for optional user-input fields
	Defaults map[string]any `yaml:"defaults,omitempty" json:"defaults,omitempty"`

	// Required lists the user-input fields that must be present in a response
	Required []string `yaml:"required,omitempty" json:"required,omitempty"`
}

// Definition represents a parsed, validated flow document.
// Immutable once loaded.
type Definition struct {
	// ID is the flow identifier, unique within a product
	ID string `yaml:"id" json:"id"`

	// Description provides human-readable context about the flow
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// AutonomyLevel declares how autonomously this flow may execute
	// (optional, defaults to semi_auto)
	AutonomyLevel AutonomyLevel `yaml:"autonomy_level,omitempty" json:"autonomy_level,omitempty"`

	// Steps are the ordered executable units of the flow
	Steps []StepDefinition `yaml:"steps" json:"steps"`
}

// ApplyDefaults fills optional fields after parsing.
func (d *Definition) ApplyDefaults() {
	if d.AutonomyLevel == "" {
		d.AutonomyLevel = AutonomySemiAuto
	}
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.Name == "" {
			step.Name = step.ID
		}
		if step.Retry != nil && step.Retry.MaxAttempts == 0 {
			step.Retry.MaxAttempts = DefaultMaxAttempts
		}
	}
}

// Validate checks the definition for structural errors. Errors name the
// offending step so flow authors can find them.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return &errors.ValidationError{
			Field:      "id",
			Message:    "flow id is required",
			Suggestion: "add an 'id' field to the flow document",
		}
	}

	if d.AutonomyLevel.Rank() < 0 {
		return &errors.ValidationError{
			Field:      "autonomy_level",
			Message:    fmt.Sprintf("unknown autonomy level: %s", d.AutonomyLevel),
			Suggestion: "use one of: suggest_only, semi_auto, full_auto",
		}
	}

	if len(d.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "flow must have at least one step",
			Suggestion: "add at least one step to the flow document",
		}
	}

	stepIDs := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		if step.ID == "" {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("steps[%d].id", i),
				Message:    "step id is required",
				Suggestion: "add an 'id' field to each step",
			}
		}
		if stepIDs[step.ID] {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("steps[%d].id", i),
				Message:    fmt.Sprintf("duplicate step id: %s", step.ID),
				Suggestion: "ensure each step has a unique id",
			}
		}
		stepIDs[step.ID] = true

		if err := step.Validate(); err != nil {
			return errors.Wrapf(err, "invalid step %s", step.ID)
		}
	}

	return nil
}

// Validate checks a single step definition.
func (s *StepDefinition) Validate() error {
	if !ValidStepTypes[s.Type] {
		return &errors.ValidationError{
			Field:      "type",
			Message:    fmt.Sprintf("unknown step type: %s", s.Type),
			Suggestion: "use one of: tool, agent, human_approval, user_input, plan_proposal",
		}
	}

	switch s.Type {
	case StepTypeTool, StepTypeAgent, StepTypePlanProposal:
		if s.Target == "" {
			return &errors.ValidationError{
				Field:      "target",
				Message:    fmt.Sprintf("%s step requires a target", s.Type),
				Suggestion: "name the tool or agent to invoke",
			}
		}
	case StepTypeUserInput:
		if s.Prompt == "" {
			return &errors.ValidationError{
				Field:      "prompt",
				Message:    "user_input step requires a prompt",
				Suggestion: "add a 'prompt' describing the requested input",
			}
		}
		for _, field := range s.Required {
			if field == "" {
				return &errors.ValidationError{
					Field:   "required",
					Message: "required field names must be non-empty",
				}
			}
		}
	}

	if s.Retry != nil {
		if err := s.Retry.Validate(); err != nil {
			return err
		}
		if s.Type == StepTypeHumanApproval || s.Type == StepTypeUserInput {
			return &errors.ValidationError{
				Field:      "retry",
				Message:    fmt.Sprintf("%s steps do not support retry policies", s.Type),
				Suggestion: "remove the retry block; pausing steps resume via the HITL protocol",
			}
		}
	}

	return nil
}

// Validate checks a retry policy's bounds.
func (r *RetryPolicy) Validate() error {
	if r.MaxAttempts < 1 || r.MaxAttempts > MaxRetryAttempts {
		return &errors.ValidationError{
			Field:      "retry.max_attempts",
			Message:    fmt.Sprintf("max_attempts must be between 1 and %d, got %d", MaxRetryAttempts, r.MaxAttempts),
			Suggestion: "max_attempts includes the first try",
		}
	}
	if r.BackoffSeconds < 0 || r.BackoffSeconds > MaxBackoffSeconds {
		return &errors.ValidationError{
			Field:   "retry.backoff_seconds",
			Message: fmt.Sprintf("backoff_seconds must be between 0 and %d, got %v", MaxBackoffSeconds, r.BackoffSeconds),
		}
	}
	return nil
}

// Step returns the step definition with the given id, or nil.
func (d *Definition) Step(id string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// StepIndex returns the declared index of the step with the given id, or -1.
func (d *Definition) StepIndex(id string) int {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return i
		}
	}
	return -1
}
