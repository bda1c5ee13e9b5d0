package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()
	c.RunStarted("demo", "deploy")
	c.RunFinished("demo", "deploy", "completed")
	c.StepExecuted("tool", "completed")
	c.ToolCalls(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, metric := range []string{
		"helmsman_runs_started_total",
		"helmsman_runs_finished_total",
		"helmsman_steps_executed_total",
		"helmsman_tool_calls_total",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("expected %s in /metrics output", metric)
		}
	}
}
