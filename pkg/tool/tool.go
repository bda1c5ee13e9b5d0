// Package tool defines the tool backend contract and the governed execution
// gateway. The gateway is the only place tools are invoked: it applies
// governance hooks before dispatch, converts panics into structured system
// errors, and emits redacted trace events for every call.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tombee/helmsman/pkg/errors"
)

// Error codes carried in tool results. Codes are the retry-matching key for
// step retry policies; system_error is never retried unless a policy lists
// it explicitly.
const (
	CodeToolNotFound = "tool_not_found"
	CodePolicyDenied = "policy_denied"
	CodeSystemError  = "system_error"
	CodeTimeout      = "timeout"
)

// Error is the structured error inside a failed tool result.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Result is the envelope every tool invocation returns. Raw errors never
// cross the gateway boundary; failures are expressed as OK=false with a
// populated Error.
type Result struct {
	OK    bool           `json:"ok"`
	Data  map[string]any `json:"data,omitempty"`
	Error *Error         `json:"error,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Fail builds a failed result with the given code and message.
func Fail(code, message string) Result {
	return Result{OK: false, Error: &Error{Code: code, Message: message}}
}

// Ok builds a successful result with the given data.
func Ok(data map[string]any) Result {
	return Result{OK: true, Data: data}
}

// Backend executes one tool. Implementations should return failures through
// the Result envelope rather than panicking; the gateway converts panics
// into system_error results as a backstop.
type Backend interface {
	// Name is the tool's registry name, e.g. "echo" or "http.get".
	Name() string

	// Run executes the tool with rendered parameters.
	Run(ctx context.Context, params map[string]any) Result
}

// Func adapts a function into a Backend.
type Func struct {
	ToolName string
	Fn       func(ctx context.Context, params map[string]any) Result
}

func (f Func) Name() string { return f.ToolName }

func (f Func) Run(ctx context.Context, params map[string]any) Result {
	return f.Fn(ctx, params)
}

// Registry resolves tool names to backends. It is built at startup from
// injected constructors and safe for concurrent reads.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend; duplicate names are an error.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := b.Name()
	if name == "" {
		return &errors.ValidationError{Field: "name", Message: "tool name must be non-empty"}
	}
	if _, exists := r.backends[name]; exists {
		return &errors.ConflictError{
			Resource: "tool",
			ID:       name,
			Reason:   "already registered",
		}
	}
	r.backends[name] = b
	return nil
}

// MustRegister registers a backend and panics on conflict. Intended for
// startup wiring only.
func (r *Registry) MustRegister(b Backend) {
	if err := r.Register(b); err != nil {
		panic(fmt.Sprintf("tool registry: %v", err))
	}
}

// Resolve looks up a backend by name.
func (r *Registry) Resolve(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "tool", ID: name}
	}
	return b, nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
