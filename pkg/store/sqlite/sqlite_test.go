// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tombee/helmsman/pkg/errors"
	"github.com/tombee/helmsman/pkg/run"
	"github.com/tombee/helmsman/pkg/store"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{Path: filepath.Join(t.TempDir(), "helmsman.db"), WAL: true})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func seedRun(t *testing.T, b *Backend, id string) *run.Record {
	t.Helper()
	rec := &run.Record{
		RunID:     id,
		Product:   "demo",
		Flow:      "deploy",
		Status:    run.StatusRunning,
		Autonomy:  "semi_auto",
		StartedAt: time.Now().UTC(),
		Input:     map[string]any{"branch": "main", "count": float64(3)},
		Summary:   run.Summary{CurrentStepIndex: 0},
	}
	if err := b.CreateRun(context.Background(), rec); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}
	return rec
}

func TestRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	seedRun(t, b, "run_1")

	got, err := b.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if got.Product != "demo" || got.Flow != "deploy" || got.Status != run.StatusRunning {
		t.Errorf("GetRun() = %+v", got)
	}
	if got.Input["branch"] != "main" || got.Input["count"] != float64(3) {
		t.Errorf("Input = %v", got.Input)
	}

	now := time.Now().UTC()
	got.Status = run.StatusCompleted
	got.FinishedAt = &now
	got.Output = map[string]any{"result": "ok"}
	got.Summary.StepsExecuted = 3
	if err := b.UpdateRun(ctx, got); err != nil {
		t.Fatalf("UpdateRun() error: %v", err)
	}

	again, _ := b.GetRun(ctx, "run_1")
	if again.Status != run.StatusCompleted || again.FinishedAt == nil {
		t.Errorf("updated run = %+v", again)
	}
	if again.Summary.StepsExecuted != 3 || again.Output["result"] != "ok" {
		t.Errorf("summary/output not persisted: %+v", again)
	}
}

func TestUpdateRunTransitionGuard(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	rec := seedRun(t, b, "run_1")

	rec.Status = run.StatusCancelled
	if err := b.UpdateRun(ctx, rec); err != nil {
		t.Fatalf("UpdateRun(cancelled) error: %v", err)
	}

	rec.Status = run.StatusRunning
	if err := b.UpdateRun(ctx, rec); !errors.IsConflict(err) {
		t.Errorf("UpdateRun(terminal -> running) = %v, want ConflictError", err)
	}

	got, _ := b.GetRun(ctx, "run_1")
	if got.Status != run.StatusCancelled {
		t.Errorf("Status = %s, want cancelled preserved", got.Status)
	}
}

func TestGetRunNotFound(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.GetRun(context.Background(), "run_missing")
	if !errors.IsNotFound(err) {
		t.Errorf("GetRun(missing) = %v, want NotFoundError", err)
	}
}

func TestListRunsFilter(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	seedRun(t, b, "run_a")
	other := seedRun(t, b, "run_b")
	other.Status = run.StatusPendingHuman
	if err := b.UpdateRun(ctx, other); err != nil {
		t.Fatal(err)
	}

	all, err := b.ListRuns(ctx, store.RunFilter{Product: "demo"})
	if err != nil {
		t.Fatalf("ListRuns() error: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("len = %d, want 2", len(all))
	}

	paused, _ := b.ListRuns(ctx, store.RunFilter{Status: run.StatusPendingHuman})
	if len(paused) != 1 || paused[0].RunID != "run_b" {
		t.Errorf("paused = %v", paused)
	}
}

func TestStepUpsert(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	seedRun(t, b, "run_1")

	step := &run.StepRecord{
		RunID:     "run_1",
		StepID:    "build",
		StepIndex: 0,
		Name:      "build",
		Type:      "tool",
		Status:    run.StepRunning,
		StartedAt: time.Now().UTC(),
		Attempts:  1,
		Input:     map[string]any{"branch": "main"},
	}
	if err := b.PutStep(ctx, step); err != nil {
		t.Fatalf("PutStep() error: %v", err)
	}

	now := time.Now().UTC()
	step.Status = run.StepFailed
	step.Attempts = 3
	step.FinishedAt = &now
	step.Error = &run.StepError{Code: "timeout", Message: "backend timed out"}
	if err := b.PutStep(ctx, step); err != nil {
		t.Fatalf("PutStep() upsert error: %v", err)
	}

	got, err := b.GetStep(ctx, "run_1", "build")
	if err != nil {
		t.Fatalf("GetStep() error: %v", err)
	}
	if got.Status != run.StepFailed || got.Attempts != 3 {
		t.Errorf("step = %+v", got)
	}
	if got.Error == nil || got.Error.Code != "timeout" {
		t.Errorf("Error = %+v", got.Error)
	}

	steps, _ := b.ListSteps(ctx, "run_1")
	if len(steps) != 1 {
		t.Errorf("upsert must not add rows, len = %d", len(steps))
	}
}

func TestListStepsOrder(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	seedRun(t, b, "run_1")

	for _, s := range []struct {
		id  string
		idx int
	}{{"c", 2}, {"a", 0}, {"b", 1}} {
		err := b.PutStep(ctx, &run.StepRecord{
			RunID: "run_1", StepID: s.id, StepIndex: s.idx,
			Name: s.id, Type: "tool", Status: run.StepCompleted, StartedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	steps, _ := b.ListSteps(ctx, "run_1")
	for i, want := range []string{"a", "b", "c"} {
		if steps[i].StepID != want {
			t.Errorf("steps[%d] = %s, want %s", i, steps[i].StepID, want)
		}
	}
}

func TestApprovalCAS(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	seedRun(t, b, "run_1")

	ap := &run.Approval{
		ApprovalID:  "ap_1",
		RunID:       "run_1",
		StepID:      "confirm",
		Status:      run.ApprovalPending,
		Message:     "Deploy to production?",
		RequestedAt: time.Now().UTC(),
	}
	if err := b.CreateApproval(ctx, ap); err != nil {
		t.Fatalf("CreateApproval() error: %v", err)
	}

	pending, err := b.PendingApproval(ctx, "run_1")
	if err != nil || pending.ApprovalID != "ap_1" {
		t.Fatalf("PendingApproval() = %v, %v", pending, err)
	}

	resolved, err := b.ResolveApproval(ctx, "ap_1", run.ApprovalApproved, "approve", "lgtm")
	if err != nil {
		t.Fatalf("ResolveApproval() error: %v", err)
	}
	if resolved.Status != run.ApprovalApproved || resolved.ResolvedAt == nil || resolved.Comment != "lgtm" {
		t.Errorf("resolved = %+v", resolved)
	}

	if _, err := b.ResolveApproval(ctx, "ap_1", run.ApprovalRejected, "reject", ""); !errors.IsConflict(err) {
		t.Errorf("second resolve = %v, want ConflictError", err)
	}
	final, _ := b.GetApproval(ctx, "ap_1")
	if final.Status != run.ApprovalApproved {
		t.Errorf("final = %+v, first resolution must stand", final)
	}

	if _, err := b.PendingApproval(ctx, "run_1"); !errors.IsNotFound(err) {
		t.Errorf("PendingApproval() after resolve = %v", err)
	}
}

func TestInputRequestCAS(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	seedRun(t, b, "run_1")

	req := &run.InputRequest{
		RequestID:   "inp_1",
		RunID:       "run_1",
		StepID:      "ask",
		Status:      run.InputUnresolved,
		Prompt:      "Which environment?",
		Schema:      map[string]any{"environment": map[string]any{"enum": []any{"staging", "production"}}},
		Defaults:    map[string]any{"environment": "staging"},
		Required:    []string{"environment"},
		RequestedAt: time.Now().UTC(),
	}
	if err := b.CreateInputRequest(ctx, req); err != nil {
		t.Fatalf("CreateInputRequest() error: %v", err)
	}

	got, err := b.PendingInputRequest(ctx, "run_1")
	if err != nil {
		t.Fatalf("PendingInputRequest() error: %v", err)
	}
	if got.Prompt != "Which environment?" || len(got.Required) != 1 {
		t.Errorf("request = %+v", got)
	}

	resolved, err := b.ResolveInputRequest(ctx, "inp_1", run.InputResolved, map[string]any{"environment": "production"})
	if err != nil {
		t.Fatalf("ResolveInputRequest() error: %v", err)
	}
	if resolved.Response["environment"] != "production" {
		t.Errorf("Response = %v", resolved.Response)
	}

	if _, err := b.ResolveInputRequest(ctx, "inp_1", run.InputResolved, nil); !errors.IsConflict(err) {
		t.Errorf("second resolve = %v, want ConflictError", err)
	}
}

func TestTraceAppendOrder(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	seedRun(t, b, "run_1")

	kinds := []string{run.EventRunStarted, run.EventStepStarted, run.EventToolExecuted, run.EventStepCompleted}
	for _, kind := range kinds {
		err := b.AppendTrace(ctx, run.TraceEvent{
			EventID: run.NewEventID(),
			RunID:   "run_1",
			StepID:  "build",
			Kind:    kind,
			TS:      time.Now().UTC(),
			Payload: map[string]any{"kind": kind},
		})
		if err != nil {
			t.Fatalf("AppendTrace() error: %v", err)
		}
	}

	events, err := b.ListTrace(ctx, "run_1")
	if err != nil {
		t.Fatalf("ListTrace() error: %v", err)
	}
	if len(events) != len(kinds) {
		t.Fatalf("len(events) = %d, want %d", len(events), len(kinds))
	}
	for i, kind := range kinds {
		if events[i].Kind != kind {
			t.Errorf("events[%d] = %s, want %s", i, events[i].Kind, kind)
		}
		if events[i].Payload["kind"] != kind {
			t.Errorf("payload = %v", events[i].Payload)
		}
	}
}

func TestReopenPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "helmsman.db")

	b, err := New(Config{Path: path, WAL: true})
	if err != nil {
		t.Fatal(err)
	}
	rec := &run.Record{
		RunID: "run_1", Product: "demo", Flow: "deploy",
		Status: run.StatusPendingHuman, Autonomy: "semi_auto",
		StartedAt: time.Now().UTC(),
	}
	if err := b.CreateRun(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := New(Config{Path: path, WAL: true})
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	got, err := reopened.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetRun() after reopen error: %v", err)
	}
	if got.Status != run.StatusPendingHuman {
		t.Errorf("Status = %s, want pending_human across restart", got.Status)
	}
}
