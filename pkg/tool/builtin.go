package tool

import (
	"context"
	"time"
)

// Echo returns its params unchanged. Useful for flow smoke tests and as the
// minimal backend example.
func Echo() Backend {
	return Func{
		ToolName: "echo",
		Fn: func(_ context.Context, params map[string]any) Result {
			data := make(map[string]any, len(params))
			for k, v := range params {
				data[k] = v
			}
			return Ok(data)
		},
	}
}

// Sleep pauses for params["seconds"] (float64, clamped to 30s) and reports
// the elapsed duration. Respects context cancellation.
func Sleep() Backend {
	return Func{
		ToolName: "sleep",
		Fn: func(ctx context.Context, params map[string]any) Result {
			seconds, _ := params["seconds"].(float64)
			if seconds < 0 {
				seconds = 0
			}
			if seconds > 30 {
				seconds = 30
			}
			d := time.Duration(seconds * float64(time.Second))
			select {
			case <-time.After(d):
				return Ok(map[string]any{"slept_seconds": seconds})
			case <-ctx.Done():
				return Fail(CodeTimeout, "sleep cancelled: "+ctx.Err().Error())
			}
		},
	}
}
