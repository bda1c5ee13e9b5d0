package agent

import (
	"context"
	"fmt"
)

// Summarize is a deterministic reasoning stub that wraps params["text"] in a
// one-line summary. Stands in for a model-backed agent in tests and demo
// flows.
func Summarize() Agent {
	return Func{
		AgentName: "summarize",
		Fn: func(_ context.Context, req Request) Result {
			text, _ := req.Params["text"].(string)
			if text == "" {
				text = fmt.Sprintf("%v", req.Params["text"])
			}
			result := Ok(map[string]any{
				"summary": "summary: " + text,
			})
			result.TokensUsed = len(text) / 4
			return result
		},
	}
}
