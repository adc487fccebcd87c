package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/nodelab/conduct/pkg/schema"
)

// LibSQLRepository implements Repository using libSQL (embedded SQLite fork).
type LibSQLRepository struct {
	db *sql.DB
}

// NewLibSQLRepository opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLRepository(dbPath string) (*LibSQLRepository, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLRepository{db: db}, nil
}

// Close closes the database.
func (r *LibSQLRepository) Close() error { return r.db.Close() }

// Migrate runs all pending database migrations.
func (r *LibSQLRepository) Migrate(ctx context.Context) error {
	return runMigrations(ctx, r.db)
}

// --- Workflows ---

func (r *LibSQLRepository) CreateWorkflow(ctx context.Context, wf *WorkflowRecord) error {
	payload, err := json.Marshal(wf.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	params, err := marshalMapOrDefault(wf.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, payload, status, params, results, error, target_resource, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, nullStr(wf.Name), string(payload), string(wf.Status),
		string(params), nullRaw(wf.Results), nullRaw(wf.Error), nullStr(wf.TargetResource),
		timeOrNow(wf.CreatedAt), nullTime(wf.StartedAt), nullTime(wf.CompletedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (r *LibSQLRepository) GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, payload, status, params, results, error, target_resource, created_at, started_at, completed_at, updated_at
		 FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, repoNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	return wf, nil
}

func (r *LibSQLRepository) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Results != nil {
		sets = append(sets, "results = ?")
		args = append(args, string(update.Results))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.TargetResource != nil {
		sets = append(sets, "target_resource = ?")
		args = append(args, *update.TargetResource)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.ClearOutcome {
		sets = append(sets, "results = NULL", "error = NULL", "target_resource = NULL", "started_at = NULL", "completed_at = NULL")
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (r *LibSQLRepository) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT id, name, payload, status, params, results, error, target_resource, created_at, started_at, completed_at, updated_at FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*WorkflowRecord
	for rows.Next() {
		wf, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (r *LibSQLRepository) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func scanWorkflow(scan func(...any) error) (*WorkflowRecord, error) {
	wf := &WorkflowRecord{}
	var (
		name, targetRes        sql.NullString
		payloadJSON            string
		paramsJSON             sql.NullString
		resultsJSON, errorJSON sql.NullString
		startedAt, completedAt sql.NullTime
		status                 string
	)
	err := scan(&wf.ID, &name, &payloadJSON, &status, &paramsJSON, &resultsJSON, &errorJSON,
		&targetRes, &wf.CreatedAt, &startedAt, &completedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	wf.Name = name.String
	wf.TargetResource = targetRes.String
	wf.Status = schema.WorkflowStatus(status)
	if err := json.Unmarshal([]byte(payloadJSON), &wf.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if paramsJSON.Valid && paramsJSON.String != "" {
		_ = json.Unmarshal([]byte(paramsJSON.String), &wf.Params)
	}
	wf.Results = rawOrNil(resultsJSON)
	wf.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		wf.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		wf.CompletedAt = &completedAt.Time
	}
	return wf, nil
}

// --- Node state ---

func (r *LibSQLRepository) UpsertNodeState(ctx context.Context, rec *NodeRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO node_state (workflow_id, node_id, status, output, error, attempts, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id, node_id) DO UPDATE SET
		   status=excluded.status, output=excluded.output, error=excluded.error,
		   attempts=excluded.attempts, started_at=excluded.started_at, completed_at=excluded.completed_at,
		   duration_ms=excluded.duration_ms`,
		rec.WorkflowID, rec.NodeID, string(rec.Status),
		nullRaw(rec.Output), nullRaw(rec.Error),
		rec.Attempts, nullTime(rec.StartedAt), nullTime(rec.CompletedAt), rec.DurationMs,
	)
	return err
}

func (r *LibSQLRepository) GetNodeState(ctx context.Context, workflowID, nodeID string) (*NodeRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT workflow_id, node_id, status, output, error, attempts, started_at, completed_at, duration_ms
		 FROM node_state WHERE workflow_id = ? AND node_id = ?`, workflowID, nodeID)
	rec, err := scanNodeState(row.Scan)
	if err == sql.ErrNoRows {
		return nil, repoNotFound("node_state", workflowID+"/"+nodeID)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *LibSQLRepository) ListNodeStates(ctx context.Context, workflowID string) ([]*NodeRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT workflow_id, node_id, status, output, error, attempts, started_at, completed_at, duration_ms
		 FROM node_state WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*NodeRecord
	for rows.Next() {
		rec, err := scanNodeState(rows.Scan)
		if err != nil {
			return nil, err
		}
		states = append(states, rec)
	}
	return states, rows.Err()
}

func (r *LibSQLRepository) ResetNodeStates(ctx context.Context, workflowID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM node_state WHERE workflow_id = ?`, workflowID)
	return err
}

func scanNodeState(scan func(...any) error) (*NodeRecord, error) {
	rec := &NodeRecord{}
	var status string
	var output, errJSON sql.NullString
	var startedAt, completedAt sql.NullTime
	err := scan(&rec.WorkflowID, &rec.NodeID, &status, &output, &errJSON,
		&rec.Attempts, &startedAt, &completedAt, &rec.DurationMs)
	if err != nil {
		return nil, err
	}
	rec.Status = schema.NodeStatus(status)
	rec.Output = rawOrNil(output)
	rec.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return rec, nil
}

// --- Events ---

func (r *LibSQLRepository) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Next sequence number for this workflow.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload),
		timeOrNow(event.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (r *LibSQLRepository) GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, workflow_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Resource lineage ---

func (r *LibSQLRepository) AppendLineage(ctx context.Context, rec *LineageRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO resource_lineage (workflow_id, action, source_node, resource_path, violation, success, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.WorkflowID, rec.Action, nullStr(rec.SourceNode), nullStr(rec.ResourcePath),
		boolInt(rec.Violation), boolInt(rec.Success), timeOrNow(rec.Timestamp),
	)
	return err
}

func (r *LibSQLRepository) GetLineage(ctx context.Context, workflowID string) ([]*LineageRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, workflow_id, action, source_node, resource_path, violation, success, timestamp
		 FROM resource_lineage WHERE workflow_id = ? ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lineage []*LineageRecord
	for rows.Next() {
		rec := &LineageRecord{}
		var sourceNode, resourcePath sql.NullString
		var violation, success int
		if err := rows.Scan(&rec.ID, &rec.WorkflowID, &rec.Action, &sourceNode, &resourcePath,
			&violation, &success, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.SourceNode = sourceNode.String
		rec.ResourcePath = resourcePath.String
		rec.Violation = violation != 0
		rec.Success = success != 0
		lineage = append(lineage, rec)
	}
	return lineage, rows.Err()
}

// --- Scheduled jobs ---

func (r *LibSQLRepository) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	params, err := marshalMapOrDefault(job.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, name, cron_expression, payload, params, enabled, last_run_at, next_run_at, last_run_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.CronExpression, string(payload), string(params),
		boolInt(job.Enabled), nullTime(job.LastRunAt), nullTime(job.NextRunAt),
		nullStr(job.LastRunStatus), timeOrNow(job.CreatedAt), timeOrNow(job.UpdatedAt),
	)
	return err
}

func (r *LibSQLRepository) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, cron_expression, payload, params, enabled, last_run_at, next_run_at, last_run_status, created_at, updated_at
		 FROM scheduled_jobs WHERE id = ?`, id)
	job, err := scanScheduledJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, repoNotFound("scheduled_job", id)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *LibSQLRepository) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	query := `SELECT id, name, cron_expression, payload, params, enabled, last_run_at, next_run_at, last_run_status, created_at, updated_at
		 FROM scheduled_jobs`
	var args []any
	if filter.Enabled != nil {
		query += " WHERE enabled = ?"
		args = append(args, boolInt(*filter.Enabled))
	}
	query += " ORDER BY created_at ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanScheduledJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *LibSQLRepository) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_job", id)
}

func (r *LibSQLRepository) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_job", id)
}

func scanScheduledJob(scan func(...any) error) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var (
		payloadJSON          string
		paramsJSON           sql.NullString
		lastStatus           sql.NullString
		enabled              int
		lastRunAt, nextRunAt sql.NullTime
	)
	err := scan(&job.ID, &job.Name, &job.CronExpression, &payloadJSON, &paramsJSON,
		&enabled, &lastRunAt, &nextRunAt, &lastStatus, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payloadJSON), &job.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if paramsJSON.Valid && paramsJSON.String != "" {
		_ = json.Unmarshal([]byte(paramsJSON.String), &job.Params)
	}
	job.Enabled = enabled != 0
	job.LastRunStatus = lastStatus.String
	if lastRunAt.Valid {
		job.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		job.NextRunAt = &nextRunAt.Time
	}
	return job, nil
}

// --- Helpers ---

func repoNotFound(resource, id string) *schema.ConductError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func repoConflict(resource, id string) *schema.ConductError {
	return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already exists", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repoNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

var _ Repository = (*LibSQLRepository)(nil)
