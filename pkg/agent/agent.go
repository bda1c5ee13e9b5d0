// Package agent defines the reasoning-step contract. Agents are stateless
// black boxes: they receive rendered parameters and return a structured
// result envelope. They never call tools, never persist, and cannot steer
// the flow; any control-flow fields in their output are stripped before the
// result is recorded.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tombee/helmsman/pkg/errors"
)

// Result is the envelope every agent invocation returns.
type Result struct {
	OK    bool           `json:"ok"`
	Data  map[string]any `json:"data,omitempty"`
	Error *Error         `json:"error,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`

	// TokensUsed is accounted against the run's token budget.
	TokensUsed int `json:"tokens_used,omitempty"`
}

// Error is the structured error inside a failed agent result.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Fail builds a failed result.
func Fail(code, message string) Result {
	return Result{OK: false, Error: &Error{Code: code, Message: message}}
}

// Ok builds a successful result.
func Ok(data map[string]any) Result {
	return Result{OK: true, Data: data}
}

// Request carries the context an agent may see for one step.
type Request struct {
	RunID   string
	StepID  string
	Product string
	Params  map[string]any
}

// Agent executes one reasoning step.
type Agent interface {
	// Name is the agent's registry name used as a step target.
	Name() string

	// Run executes the agent. Failures are expressed through the Result
	// envelope; panics are contained by the step executor.
	Run(ctx context.Context, req Request) Result
}

// Func adapts a function into an Agent.
type Func struct {
	AgentName string
	Fn        func(ctx context.Context, req Request) Result
}

func (f Func) Name() string { return f.AgentName }

func (f Func) Run(ctx context.Context, req Request) Result {
	return f.Fn(ctx, req)
}

// Registry resolves agent names. Built once at startup, safe for concurrent
// reads.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent; duplicate names are an error.
func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if name == "" {
		return &errors.ValidationError{Field: "name", Message: "agent name must be non-empty"}
	}
	if _, exists := r.agents[name]; exists {
		return &errors.ConflictError{Resource: "agent", ID: name, Reason: "already registered"}
	}
	r.agents[name] = a
	return nil
}

// MustRegister registers an agent and panics on conflict. Startup wiring
// only.
func (r *Registry) MustRegister(a Agent) {
	if err := r.Register(a); err != nil {
		panic(fmt.Sprintf("agent registry: %v", err))
	}
}

// Resolve looks up an agent by name.
func (r *Registry) Resolve(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "agent", ID: name}
	}
	return a, nil
}

// Names returns the registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// controlFlowFields are stripped from agent output data. Flows are static;
// an agent cannot redirect execution.
var controlFlowFields = []string{"next_step", "next_steps", "goto", "retry"}

// StripControlFlow removes control-flow fields from an agent result's data,
// recording what was removed in the result meta. The input result is not
// mutated.
func StripControlFlow(result Result) Result {
	if result.Data == nil {
		return result
	}

	var stripped []string
	data := make(map[string]any, len(result.Data))
	for k, v := range result.Data {
		data[k] = v
	}
	for _, field := range controlFlowFields {
		if _, present := data[field]; present {
			delete(data, field)
			stripped = append(stripped, field)
		}
	}
	if len(stripped) == 0 {
		return result
	}

	sort.Strings(stripped)
	meta := make(map[string]any, len(result.Meta)+1)
	for k, v := range result.Meta {
		meta[k] = v
	}
	meta["stripped_fields"] = stripped

	result.Data = data
	result.Meta = meta
	return result
}
