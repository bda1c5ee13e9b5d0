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

// Package sqlite provides the durable single-node Store backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/helmsman/pkg/errors"
	"github.com/tombee/helmsman/pkg/run"
	"github.com/tombee/helmsman/pkg/store"
)

// Compile-time interface assertion.
var _ store.Store = (*Backend)(nil)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so keep a single connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

// configurePragmas sets SQLite configuration options.
func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// migrate runs database migrations.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			product TEXT NOT NULL,
			flow TEXT NOT NULL,
			status TEXT NOT NULL,
			autonomy TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			input TEXT,
			output TEXT,
			summary TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_product ON runs(product)`,
		`CREATE TABLE IF NOT EXISTS steps (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			input TEXT,
			output TEXT,
			error TEXT,
			meta TEXT,
			PRIMARY KEY (run_id, step_id),
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run_id ON steps(run_id)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			approval_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT,
			requested_at TEXT NOT NULL,
			resolved_at TEXT,
			decision TEXT,
			comment TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_run_status ON approvals(run_id, status)`,
		`CREATE TABLE IF NOT EXISTS input_requests (
			request_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			prompt TEXT NOT NULL,
			schema TEXT,
			defaults TEXT,
			required TEXT,
			requested_at TEXT NOT NULL,
			resolved_at TEXT,
			response TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_input_requests_run_status ON input_requests(run_id, status)`,
		`CREATE TABLE IF NOT EXISTS trace_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			step_id TEXT,
			kind TEXT NOT NULL,
			ts TEXT NOT NULL,
			payload TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trace_events_run_id ON trace_events(run_id)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// CreateRun creates a new run row.
func (b *Backend) CreateRun(ctx context.Context, rec *run.Record) error {
	input, err := marshalMap(rec.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal input: %w", err)
	}
	output, err := marshalMap(rec.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	summary, err := json.Marshal(rec.Summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	query := `
		INSERT INTO runs (run_id, product, flow, status, autonomy, started_at, finished_at, input, output, summary, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = b.db.ExecContext(ctx, query,
		rec.RunID, rec.Product, rec.Flow, string(rec.Status), rec.Autonomy,
		formatTime(&rec.StartedAt), formatTime(rec.FinishedAt),
		input, output, string(summary), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by id.
func (b *Backend) GetRun(ctx context.Context, runID string) (*run.Record, error) {
	query := `
		SELECT run_id, product, flow, status, autonomy, started_at, finished_at, input, output, summary
		FROM runs WHERE run_id = ?
	`
	var rec run.Record
	var status string
	var startedAt string
	var finishedAt, input, output sql.NullString
	var summary string

	err := b.db.QueryRowContext(ctx, query, runID).Scan(
		&rec.RunID, &rec.Product, &rec.Flow, &status, &rec.Autonomy,
		&startedAt, &finishedAt, &input, &output, &summary,
	)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	rec.Status = run.Status(status)
	rec.StartedAt = parseTime(startedAt)
	rec.FinishedAt = parseNullTime(finishedAt)
	if rec.Input, err = unmarshalMap(input); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input: %w", err)
	}
	if rec.Output, err = unmarshalMap(output); err != nil {
		return nil, fmt.Errorf("failed to unmarshal output: %w", err)
	}
	if err := json.Unmarshal([]byte(summary), &rec.Summary); err != nil {
		return nil, fmt.Errorf("failed to unmarshal summary: %w", err)
	}
	return &rec, nil
}

// UpdateRun persists a run's mutable fields. The WHERE status guard keeps
// the state machine honest under concurrent writers: the row only changes
// when its current status may legally move to the new one.
func (b *Backend) UpdateRun(ctx context.Context, rec *run.Record) error {
	output, err := marshalMap(rec.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	summary, err := json.Marshal(rec.Summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	froms := legalFrom(rec.Status)
	query := fmt.Sprintf(`
		UPDATE runs SET status = ?, finished_at = ?, output = ?, summary = ?, updated_at = ?
		WHERE run_id = ? AND status IN (%s)
	`, placeholders(len(froms)))
	args := []any{
		string(rec.Status), formatTime(rec.FinishedAt), output, string(summary),
		time.Now().UTC().Format(time.RFC3339Nano), rec.RunID,
	}
	for _, s := range froms {
		args = append(args, s)
	}

	result, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		existing, getErr := b.GetRun(ctx, rec.RunID)
		if getErr != nil {
			return getErr
		}
		return &errors.ConflictError{
			Resource: "run",
			ID:       rec.RunID,
			Reason:   fmt.Sprintf("illegal transition %s -> %s", existing.Status, rec.Status),
		}
	}
	return nil
}

// legalFrom lists the statuses allowed to move into next, plus next itself
// so same-status progress updates pass the guard.
func legalFrom(next run.Status) []string {
	all := []run.Status{
		run.StatusRunning, run.StatusPendingHuman, run.StatusPendingUserInput,
		run.StatusCompleted, run.StatusFailed, run.StatusCancelled,
	}
	out := []string{string(next)}
	for _, s := range all {
		if s != next && s.CanTransition(next) {
			out = append(out, string(s))
		}
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// ListRuns returns runs matching the filter, newest first.
func (b *Backend) ListRuns(ctx context.Context, filter store.RunFilter) ([]*run.Record, error) {
	query := `
		SELECT run_id FROM runs
		WHERE (? = '' OR product = ?) AND (? = '' OR status = ?)
		ORDER BY started_at DESC
	`
	args := []any{filter.Product, filter.Product, string(filter.Status), string(filter.Status)}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*run.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := b.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// PutStep upserts a step row keyed by (run_id, step_id).
func (b *Backend) PutStep(ctx context.Context, rec *run.StepRecord) error {
	input, err := marshalMap(rec.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal input: %w", err)
	}
	output, err := marshalMap(rec.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	meta, err := marshalMap(rec.Meta)
	if err != nil {
		return fmt.Errorf("failed to marshal meta: %w", err)
	}
	var stepErr sql.NullString
	if rec.Error != nil {
		data, err := json.Marshal(rec.Error)
		if err != nil {
			return fmt.Errorf("failed to marshal error: %w", err)
		}
		stepErr = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO steps (run_id, step_id, step_index, name, type, status, started_at, finished_at, attempts, input, output, error, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, step_id) DO UPDATE SET
			step_index = excluded.step_index,
			name = excluded.name,
			type = excluded.type,
			status = excluded.status,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			attempts = excluded.attempts,
			input = excluded.input,
			output = excluded.output,
			error = excluded.error,
			meta = excluded.meta
	`
	_, err = b.db.ExecContext(ctx, query,
		rec.RunID, rec.StepID, rec.StepIndex, rec.Name, rec.Type, string(rec.Status),
		formatTime(&rec.StartedAt), formatTime(rec.FinishedAt), rec.Attempts,
		input, output, stepErr, meta,
	)
	if err != nil {
		return fmt.Errorf("failed to put step: %w", err)
	}
	return nil
}

// GetStep retrieves one step row.
func (b *Backend) GetStep(ctx context.Context, runID, stepID string) (*run.StepRecord, error) {
	query := `
		SELECT run_id, step_id, step_index, name, type, status, started_at, finished_at, attempts, input, output, error, meta
		FROM steps WHERE run_id = ? AND step_id = ?
	`
	rec, err := scanStep(b.db.QueryRowContext(ctx, query, runID, stepID))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "step", ID: runID + "/" + stepID}
	}
	return rec, err
}

// ListSteps returns a run's steps ordered by index.
func (b *Backend) ListSteps(ctx context.Context, runID string) ([]*run.StepRecord, error) {
	query := `
		SELECT run_id, step_id, step_index, name, type, status, started_at, finished_at, attempts, input, output, error, meta
		FROM steps WHERE run_id = ? ORDER BY step_index ASC
	`
	rows, err := b.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var out []*run.StepRecord
	for rows.Next() {
		rec, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStep(row rowScanner) (*run.StepRecord, error) {
	var rec run.StepRecord
	var status, startedAt string
	var finishedAt, input, output, stepErr, meta sql.NullString

	err := row.Scan(
		&rec.RunID, &rec.StepID, &rec.StepIndex, &rec.Name, &rec.Type, &status,
		&startedAt, &finishedAt, &rec.Attempts, &input, &output, &stepErr, &meta,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = run.StepStatus(status)
	rec.StartedAt = parseTime(startedAt)
	rec.FinishedAt = parseNullTime(finishedAt)
	if rec.Input, err = unmarshalMap(input); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input: %w", err)
	}
	if rec.Output, err = unmarshalMap(output); err != nil {
		return nil, fmt.Errorf("failed to unmarshal output: %w", err)
	}
	if rec.Meta, err = unmarshalMap(meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal meta: %w", err)
	}
	if stepErr.Valid && stepErr.String != "" {
		var se run.StepError
		if err := json.Unmarshal([]byte(stepErr.String), &se); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error: %w", err)
		}
		rec.Error = &se
	}
	return &rec, nil
}

// CreateApproval persists a pending approval.
func (b *Backend) CreateApproval(ctx context.Context, ap *run.Approval) error {
	query := `
		INSERT INTO approvals (approval_id, run_id, step_id, status, message, requested_at, resolved_at, decision, comment)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := b.db.ExecContext(ctx, query,
		ap.ApprovalID, ap.RunID, ap.StepID, string(ap.Status), ap.Message,
		formatTime(&ap.RequestedAt), formatTime(ap.ResolvedAt), ap.Decision, ap.Comment,
	)
	if err != nil {
		return fmt.Errorf("failed to create approval: %w", err)
	}
	return nil
}

// GetApproval retrieves an approval by id.
func (b *Backend) GetApproval(ctx context.Context, approvalID string) (*run.Approval, error) {
	query := `
		SELECT approval_id, run_id, step_id, status, message, requested_at, resolved_at, decision, comment
		FROM approvals WHERE approval_id = ?
	`
	ap, err := scanApproval(b.db.QueryRowContext(ctx, query, approvalID))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "approval", ID: approvalID}
	}
	return ap, err
}

// PendingApproval returns the run's unresolved approval.
func (b *Backend) PendingApproval(ctx context.Context, runID string) (*run.Approval, error) {
	query := `
		SELECT approval_id, run_id, step_id, status, message, requested_at, resolved_at, decision, comment
		FROM approvals WHERE run_id = ? AND status = ? ORDER BY requested_at DESC LIMIT 1
	`
	ap, err := scanApproval(b.db.QueryRowContext(ctx, query, runID, string(run.ApprovalPending)))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "pending approval", ID: runID}
	}
	return ap, err
}

// ResolveApproval flips a pending approval. The WHERE status guard makes the
// first resolution win; later callers get ConflictError.
func (b *Backend) ResolveApproval(ctx context.Context, approvalID string, status run.ApprovalStatus, decision, comment string) (*run.Approval, error) {
	query := `
		UPDATE approvals SET status = ?, decision = ?, comment = ?, resolved_at = ?
		WHERE approval_id = ? AND status = ?
	`
	now := time.Now().UTC()
	result, err := b.db.ExecContext(ctx, query,
		string(status), decision, comment, formatTime(&now),
		approvalID, string(run.ApprovalPending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve approval: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		existing, getErr := b.GetApproval(ctx, approvalID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &errors.ConflictError{
			Resource: "approval",
			ID:       approvalID,
			Reason:   "already resolved as " + string(existing.Status),
		}
	}
	return b.GetApproval(ctx, approvalID)
}

func scanApproval(row rowScanner) (*run.Approval, error) {
	var ap run.Approval
	var status, requestedAt string
	var resolvedAt, message, decision, comment sql.NullString

	err := row.Scan(
		&ap.ApprovalID, &ap.RunID, &ap.StepID, &status, &message,
		&requestedAt, &resolvedAt, &decision, &comment,
	)
	if err != nil {
		return nil, err
	}
	ap.Status = run.ApprovalStatus(status)
	ap.Message = message.String
	ap.RequestedAt = parseTime(requestedAt)
	ap.ResolvedAt = parseNullTime(resolvedAt)
	ap.Decision = decision.String
	ap.Comment = comment.String
	return &ap, nil
}

// CreateInputRequest persists an unresolved input request.
func (b *Backend) CreateInputRequest(ctx context.Context, req *run.InputRequest) error {
	schema, err := marshalMap(req.Schema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	defaults, err := marshalMap(req.Defaults)
	if err != nil {
		return fmt.Errorf("failed to marshal defaults: %w", err)
	}
	required, err := json.Marshal(req.Required)
	if err != nil {
		return fmt.Errorf("failed to marshal required: %w", err)
	}
	response, err := marshalMap(req.Response)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	query := `
		INSERT INTO input_requests (request_id, run_id, step_id, status, prompt, schema, defaults, required, requested_at, resolved_at, response)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = b.db.ExecContext(ctx, query,
		req.RequestID, req.RunID, req.StepID, string(req.Status), req.Prompt,
		schema, defaults, string(required),
		formatTime(&req.RequestedAt), formatTime(req.ResolvedAt), response,
	)
	if err != nil {
		return fmt.Errorf("failed to create input request: %w", err)
	}
	return nil
}

// GetInputRequest retrieves an input request by id.
func (b *Backend) GetInputRequest(ctx context.Context, requestID string) (*run.InputRequest, error) {
	query := `
		SELECT request_id, run_id, step_id, status, prompt, schema, defaults, required, requested_at, resolved_at, response
		FROM input_requests WHERE request_id = ?
	`
	req, err := scanInputRequest(b.db.QueryRowContext(ctx, query, requestID))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "input request", ID: requestID}
	}
	return req, err
}

// PendingInputRequest returns the run's unresolved input request.
func (b *Backend) PendingInputRequest(ctx context.Context, runID string) (*run.InputRequest, error) {
	query := `
		SELECT request_id, run_id, step_id, status, prompt, schema, defaults, required, requested_at, resolved_at, response
		FROM input_requests WHERE run_id = ? AND status = ? ORDER BY requested_at DESC LIMIT 1
	`
	req, err := scanInputRequest(b.db.QueryRowContext(ctx, query, runID, string(run.InputUnresolved)))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "pending input request", ID: runID}
	}
	return req, err
}

// ResolveInputRequest flips an unresolved request, compare-and-set on the
// unresolved status.
func (b *Backend) ResolveInputRequest(ctx context.Context, requestID string, status run.InputStatus, response map[string]any) (*run.InputRequest, error) {
	respJSON, err := marshalMap(response)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}

	query := `
		UPDATE input_requests SET status = ?, response = ?, resolved_at = ?
		WHERE request_id = ? AND status = ?
	`
	now := time.Now().UTC()
	result, err := b.db.ExecContext(ctx, query,
		string(status), respJSON, formatTime(&now),
		requestID, string(run.InputUnresolved),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve input request: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		existing, getErr := b.GetInputRequest(ctx, requestID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &errors.ConflictError{
			Resource: "input request",
			ID:       requestID,
			Reason:   "already resolved as " + string(existing.Status),
		}
	}
	return b.GetInputRequest(ctx, requestID)
}

func scanInputRequest(row rowScanner) (*run.InputRequest, error) {
	var req run.InputRequest
	var status, requestedAt string
	var schema, defaults, required, resolvedAt, response sql.NullString

	err := row.Scan(
		&req.RequestID, &req.RunID, &req.StepID, &status, &req.Prompt,
		&schema, &defaults, &required, &requestedAt, &resolvedAt, &response,
	)
	if err != nil {
		return nil, err
	}

	req.Status = run.InputStatus(status)
	req.RequestedAt = parseTime(requestedAt)
	req.ResolvedAt = parseNullTime(resolvedAt)
	if req.Schema, err = unmarshalMap(schema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema: %w", err)
	}
	if req.Defaults, err = unmarshalMap(defaults); err != nil {
		return nil, fmt.Errorf("failed to unmarshal defaults: %w", err)
	}
	if req.Response, err = unmarshalMap(response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if required.Valid && required.String != "" {
		if err := json.Unmarshal([]byte(required.String), &req.Required); err != nil {
			return nil, fmt.Errorf("failed to unmarshal required: %w", err)
		}
	}
	return &req, nil
}

// AppendTrace appends one audit event.
func (b *Backend) AppendTrace(ctx context.Context, event run.TraceEvent) error {
	payload, err := marshalMap(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO trace_events (event_id, run_id, step_id, kind, ts, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = b.db.ExecContext(ctx, query,
		event.EventID, event.RunID, event.StepID, event.Kind,
		event.TS.UTC().Format(time.RFC3339Nano), payload,
	)
	if err != nil {
		return fmt.Errorf("failed to append trace event: %w", err)
	}
	return nil
}

// ListTrace returns a run's trace events in append order.
func (b *Backend) ListTrace(ctx context.Context, runID string) ([]run.TraceEvent, error) {
	query := `
		SELECT event_id, run_id, step_id, kind, ts, payload
		FROM trace_events WHERE run_id = ? ORDER BY seq ASC
	`
	rows, err := b.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trace events: %w", err)
	}
	defer rows.Close()

	var out []run.TraceEvent
	for rows.Next() {
		var event run.TraceEvent
		var stepID, payload sql.NullString
		var ts string
		if err := rows.Scan(&event.EventID, &event.RunID, &stepID, &event.Kind, &ts, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan trace event: %w", err)
		}
		event.StepID = stepID.String
		event.TS = parseTime(ts)
		if event.Payload, err = unmarshalMap(payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// JSON and time helpers.

func marshalMap(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
