package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/tombee/helmsman/pkg/govern"
	"github.com/tombee/helmsman/pkg/run"
)

// Tracer receives the gateway's audit events. The engine implements this
// over the persistence layer; tests use an in-memory collector.
type Tracer interface {
	Emit(ctx context.Context, event run.TraceEvent)
}

// Call identifies one tool invocation and its governance context.
type Call struct {
	RunID    string
	StepID   string
	Product  string
	Tool     string
	Params   map[string]any
	Counters govern.Counters
}

// Gateway is the single entrypoint for tool execution. Governance deny
// short-circuits before the backend is invoked; backend panics surface as
// system_error results rather than propagating.
type Gateway struct {
	registry *Registry
	hooks    *govern.Hooks
	tracer   Tracer
}

// NewGateway builds a gateway. A nil hooks gets default governance; a nil
// tracer disables trace emission.
func NewGateway(registry *Registry, hooks *govern.Hooks, tracer Tracer) *Gateway {
	if hooks == nil {
		hooks = govern.NewHooks(nil, nil)
	}
	return &Gateway{registry: registry, hooks: hooks, tracer: tracer}
}

// Execute governs, resolves, and dispatches one tool call, returning the
// normalized result envelope. It never returns a Go error: every failure
// mode is expressed through the envelope. Governance runs before the
// registry lookup so a denied tool is reported as denied whether or not a
// backend exists for it.
func (g *Gateway) Execute(ctx context.Context, call Call) Result {
	started := time.Now()

	decision := g.hooks.BeforeToolCall(call.Product, call.Tool, call.Params, call.Counters)
	if !decision.Allowed {
		result := Fail(CodePolicyDenied, fmt.Sprintf("tool %q denied: %s", call.Tool, decision.Reason))
		result.Error.Details = decision.Details
		g.emit(ctx, call, run.EventToolBlocked, decision.TracePayload())
		result.Meta = map[string]any{"tool": call.Tool, "reason": decision.Reason}
		return result
	}

	backend, err := g.registry.Resolve(call.Tool)
	if err != nil {
		result := Fail(CodeToolNotFound, fmt.Sprintf("tool %q is not registered", call.Tool))
		return g.finish(ctx, call, result, started)
	}

	result := g.dispatch(ctx, backend, call.Params)
	return g.finish(ctx, call, result, started)
}

// dispatch runs the backend with panic containment.
func (g *Gateway) dispatch(ctx context.Context, backend Backend, params map[string]any) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Fail(CodeSystemError, fmt.Sprintf("tool panicked: %v", r))
		}
	}()
	return backend.Run(ctx, params)
}

func (g *Gateway) finish(ctx context.Context, call Call, result Result, started time.Time) Result {
	latency := time.Since(started).Milliseconds()

	if result.Meta == nil {
		result.Meta = make(map[string]any)
	}
	result.Meta["tool"] = call.Tool
	result.Meta["latency_ms"] = latency

	payload := map[string]any{
		"tool":       call.Tool,
		"ok":         result.OK,
		"params":     g.hooks.Sanitize(call.Params),
		"data":       g.hooks.Sanitize(result.Data),
		"latency_ms": latency,
	}
	if result.Error != nil {
		payload["error"] = map[string]any{
			"code":    result.Error.Code,
			"message": result.Error.Message,
		}
	}
	g.emit(ctx, call, run.EventToolExecuted, payload)

	return result
}

func (g *Gateway) emit(ctx context.Context, call Call, kind string, payload map[string]any) {
	if g.tracer == nil {
		return
	}
	g.tracer.Emit(ctx, run.TraceEvent{
		EventID: run.NewEventID(),
		RunID:   call.RunID,
		StepID:  call.StepID,
		Kind:    kind,
		TS:      time.Now().UTC(),
		Payload: payload,
	})
}
