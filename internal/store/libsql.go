package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/arbornet/arbor/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
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
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	def, err := json.Marshal(run.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	params, err := marshalMapOrDefault(run.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_name, definition, status, params, output, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowName, string(def), string(run.Status),
		string(params), nullRaw(run.Output), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var (
		defJSON, paramsJSON    string
		outputJSON, errorJSON  sql.NullString
		startedAt, completedAt sql.NullTime
		status                 string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_name, definition, status, params, output, error, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.WorkflowName, &defJSON, &status, &paramsJSON,
		&outputJSON, &errorJSON, &run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &run.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if paramsJSON != "" {
		_ = json.Unmarshal([]byte(paramsJSON), &run.Params)
	}
	run.Output = rawOrNil(outputJSON)
	run.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkflowName != "" {
		where = append(where, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT id, workflow_name, definition, status, params, output, error, created_at, started_at, completed_at, updated_at FROM runs"
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

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var (
			defJSON, paramsJSON    string
			outputJSON, errorJSON  sql.NullString
			startedAt, completedAt sql.NullTime
			status                 string
		)
		if err := rows.Scan(&run.ID, &run.WorkflowName, &defJSON, &status, &paramsJSON,
			&outputJSON, &errorJSON, &run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		run.Status = schema.RunStatus(status)
		if err := json.Unmarshal([]byte(defJSON), &run.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		if paramsJSON != "" {
			_ = json.Unmarshal([]byte(paramsJSON), &run.Params)
		}
		run.Output = rawOrNil(outputJSON)
		run.Error = rawOrNil(errorJSON)
		if startedAt.Valid {
			run.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this run
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload := nullRaw(event.Payload)
	ts := timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, node_id, event_type, payload, source, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.NodeID), event.Type, payload, nullStr(event.Source), ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, event_type, payload, source, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, run_id, node_id, event_type, payload, source, timestamp, sequence FROM events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, source sql.NullString
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &nodeID, &e.Type, &payload, &source, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Source = source.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Node State ---

func (s *LibSQLStore) UpsertNodeState(ctx context.Context, state *NodeState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_states (run_id, node_id, status, reason, output, error, iterations, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, node_id) DO UPDATE SET
		   status=excluded.status, reason=excluded.reason, output=excluded.output, error=excluded.error,
		   iterations=excluded.iterations, started_at=excluded.started_at, completed_at=excluded.completed_at,
		   duration_ms=excluded.duration_ms`,
		state.RunID, state.NodeID, string(state.Status), nullStr(state.Reason),
		nullRaw(state.Output), nullRaw(state.Error),
		state.Iterations, nullTime(state.StartedAt), nullTime(state.CompletedAt), state.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetNodeState(ctx context.Context, runID, nodeID string) (*NodeState, error) {
	ns := &NodeState{}
	var status string
	var reason, output, errJSON sql.NullString
	var startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, node_id, status, reason, output, error, iterations, started_at, completed_at, duration_ms
		 FROM node_states WHERE run_id = ? AND node_id = ?`, runID, nodeID,
	).Scan(&ns.RunID, &ns.NodeID, &status, &reason, &output, &errJSON,
		&ns.Iterations, &startedAt, &completedAt, &ns.DurationMs)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("node_state", runID+"/"+nodeID)
	}
	if err != nil {
		return nil, err
	}
	ns.Status = schema.NodeStatus(status)
	ns.Reason = reason.String
	ns.Output = rawOrNil(output)
	ns.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		ns.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		ns.CompletedAt = &completedAt.Time
	}
	return ns, nil
}

func (s *LibSQLStore) ListNodeStates(ctx context.Context, runID string) ([]*NodeState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, node_id, status, reason, output, error, iterations, started_at, completed_at, duration_ms
		 FROM node_states WHERE run_id = ?`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*NodeState
	for rows.Next() {
		ns := &NodeState{}
		var status string
		var reason, output, errJSON sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&ns.RunID, &ns.NodeID, &status, &reason, &output, &errJSON,
			&ns.Iterations, &startedAt, &completedAt, &ns.DurationMs); err != nil {
			return nil, err
		}
		ns.Status = schema.NodeStatus(status)
		ns.Reason = reason.String
		ns.Output = rawOrNil(output)
		ns.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			ns.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			ns.CompletedAt = &completedAt.Time
		}
		states = append(states, ns)
	}
	return states, rows.Err()
}

// --- Working Memory ---

func (s *LibSQLStore) AppendMemory(ctx context.Context, rec *schema.MemoryRecord) error {
	value, err := json.Marshal(rec.Value)
	if err != nil {
		return fmt.Errorf("marshal memory value: %w", err)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory_records (key, value, source, confidence, tier, run_id, ttl_seconds, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Key, string(value), rec.Source, nullStr(string(rec.Confidence)),
		string(rec.Tier), nullStr(rec.RunID), rec.TTLSeconds, rec.Timestamp,
	)
	return err
}

func (s *LibSQLStore) ListMemory(ctx context.Context, filter MemoryFilter) ([]*schema.MemoryRecord, error) {
	var where []string
	var args []any

	if filter.RunID != "" {
		// Durable records are not run-scoped; session records are.
		where = append(where, "(run_id = ? OR run_id IS NULL)")
		args = append(args, filter.RunID)
	}
	if filter.Tier != nil {
		where = append(where, "tier = ?")
		args = append(args, string(*filter.Tier))
	}
	if filter.Key != "" {
		where = append(where, "key = ?")
		args = append(args, filter.Key)
	}

	query := `SELECT key, value, source, confidence, tier, run_id, ttl_seconds, timestamp FROM memory_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*schema.MemoryRecord
	for rows.Next() {
		rec := &schema.MemoryRecord{}
		var valueJSON string
		var confidence, runID sql.NullString
		var tier string
		if err := rows.Scan(&rec.Key, &valueJSON, &rec.Source, &confidence, &tier,
			&runID, &rec.TTLSeconds, &rec.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(valueJSON), &rec.Value); err != nil {
			return nil, fmt.Errorf("unmarshal memory value for %q: %w", rec.Key, err)
		}
		rec.Confidence = schema.Confidence(confidence.String)
		rec.Tier = schema.MemoryTier(tier)
		rec.RunID = runID.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *LibSQLStore) DeleteExpiredMemory(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_records
		 WHERE tier = ? AND ttl_seconds > 0
		   AND datetime(timestamp, '+' || ttl_seconds || ' seconds') < datetime(?)`,
		string(schema.TierSession), now.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Feedback ---

func (s *LibSQLStore) CreateFeedback(ctx context.Context, msg *schema.FeedbackMessage) error {
	missing, err := marshalSliceOrNil(msg.MissingComponents)
	if err != nil {
		return fmt.Errorf("marshal missing_components: %w", err)
	}
	artifacts, err := marshalSliceOrNil(msg.Artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO feedback_messages (id, run_id, from_node, to_node, feedback_type, message, suggested_fix, missing_components, priority, artifacts, status, round, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.RunID, msg.FromNode, msg.ToNode, string(msg.Type),
		nullStr(msg.Message), nullStr(msg.SuggestedFix), missing, nullStr(msg.Priority), artifacts,
		string(msg.Status), msg.Round, timeOrNow(msg.CreatedAt), timeOrNow(msg.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetFeedback(ctx context.Context, id string) (*schema.FeedbackMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		feedbackSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	msgs, err := scanFeedback(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, storeNotFound("feedback", id)
	}
	return msgs[0], nil
}

func (s *LibSQLStore) UpdateFeedback(ctx context.Context, id string, update FeedbackUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.SuggestedFix != nil {
		sets = append(sets, "suggested_fix = ?")
		args = append(args, *update.SuggestedFix)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE feedback_messages SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "feedback", id)
}

func (s *LibSQLStore) ListFeedback(ctx context.Context, filter FeedbackFilter) ([]*schema.FeedbackMessage, error) {
	var where []string
	var args []any

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.FromNode != "" {
		where = append(where, "from_node = ?")
		args = append(args, filter.FromNode)
	}
	if filter.ToNode != "" {
		where = append(where, "to_node = ?")
		args = append(args, filter.ToNode)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := feedbackSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFeedback(rows)
}

func (s *LibSQLStore) CountFeedbackRounds(ctx context.Context, runID, fromNode, toNode string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM feedback_messages WHERE run_id = ? AND from_node = ? AND to_node = ?`,
		runID, fromNode, toNode,
	).Scan(&n)
	return n, err
}

const feedbackSelect = `SELECT id, run_id, from_node, to_node, feedback_type, message, suggested_fix, missing_components, priority, artifacts, status, round, created_at, updated_at FROM feedback_messages`

func scanFeedback(rows *sql.Rows) ([]*schema.FeedbackMessage, error) {
	var msgs []*schema.FeedbackMessage
	for rows.Next() {
		m := &schema.FeedbackMessage{}
		var fType, status string
		var message, suggestedFix, missing, priority, artifacts sql.NullString
		if err := rows.Scan(&m.ID, &m.RunID, &m.FromNode, &m.ToNode, &fType,
			&message, &suggestedFix, &missing, &priority, &artifacts,
			&status, &m.Round, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Type = schema.FeedbackType(fType)
		m.Status = schema.FeedbackStatus(status)
		m.Message = message.String
		m.SuggestedFix = suggestedFix.String
		m.Priority = priority.String
		if missing.Valid && missing.String != "" {
			_ = json.Unmarshal([]byte(missing.String), &m.MissingComponents)
		}
		if artifacts.Valid && artifacts.String != "" {
			_ = json.Unmarshal([]byte(artifacts.String), &m.Artifacts)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- Scheduled Jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, workflow_name, cron_expression, params, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.WorkflowName, job.CronExpression, nullRaw(job.Params),
		job.Enabled, nullTime(job.LastRunAt), nullTime(job.NextRunAt),
		nullStr(job.LastRunStatus), timeOrNow(job.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	j := &ScheduledJob{}
	var params, lastStatus sql.NullString
	var lastRun, nextRun sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_name, cron_expression, params, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.WorkflowName, &j.CronExpression, &params, &j.Enabled, &lastRun, &nextRun, &lastStatus, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_job", id)
	}
	if err != nil {
		return nil, err
	}
	j.Params = rawOrNil(params)
	j.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		j.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		j.NextRunAt = &nextRun.Time
	}
	return j, nil
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
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
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}

	query := `SELECT id, workflow_name, cron_expression, params, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		j := &ScheduledJob{}
		var params, lastStatus sql.NullString
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&j.ID, &j.WorkflowName, &j.CronExpression, &params, &j.Enabled,
			&lastRun, &nextRun, &lastStatus, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.Params = rawOrNil(params)
		j.LastRunStatus = lastStatus.String
		if lastRun.Valid {
			j.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			j.NextRunAt = &nextRun.Time
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_job", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ArborError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
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

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func marshalSliceOrNil(s []string) (any, error) {
	if len(s) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

var _ Store = (*LibSQLStore)(nil)
