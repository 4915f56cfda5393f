package store

import (
	"encoding/json"
	"time"

	"github.com/arbornet/arbor/pkg/schema"
)

// Run is the persisted representation of one workflow execution.
type Run struct {
	ID           string                    `json:"id"`
	WorkflowName string                    `json:"workflow_name"`
	Definition   schema.WorkflowDefinition `json:"definition"`
	Status       schema.RunStatus          `json:"status"`
	Params       map[string]any            `json:"params,omitempty"`
	Output       json.RawMessage           `json:"output,omitempty"`
	Error        json.RawMessage           `json:"error,omitempty"`
	CreatedAt    time.Time                 `json:"created_at"`
	StartedAt    *time.Time                `json:"started_at,omitempty"`
	CompletedAt  *time.Time                `json:"completed_at,omitempty"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

// Event is an immutable entry in the append-only execution state log.
// Sequence is per-run and gapless; replay depends on it.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Source    string          `json:"source,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// NodeState is the materialized view of a node's execution state,
// reconstructed from the event log on resume.
type NodeState struct {
	RunID       string            `json:"run_id"`
	NodeID      string            `json:"node_id"`
	Status      schema.NodeStatus `json:"status"`
	Reason      string            `json:"reason,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	Iterations  int               `json:"iterations,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// ScheduledJob is a cron-triggered workflow execution.
type ScheduledJob struct {
	ID             string          `json:"id"`
	WorkflowName   string          `json:"workflow_name"`
	CronExpression string          `json:"cron_expression"`
	Params         json.RawMessage `json:"params,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       *schema.RunStatus `json:"status,omitempty"`
	WorkflowName string            `json:"workflow_name,omitempty"`
	Since        *time.Time        `json:"since,omitempty"`
	Limit        int               `json:"limit,omitempty"`
	Offset       int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID  string     `json:"run_id,omitempty"`
	NodeID string     `json:"node_id,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

// MemoryFilter specifies criteria for reading memory records.
type MemoryFilter struct {
	RunID string             `json:"run_id,omitempty"`
	Tier  *schema.MemoryTier `json:"tier,omitempty"`
	Key   string             `json:"key,omitempty"`
	Limit int                `json:"limit,omitempty"`
}

// FeedbackFilter specifies criteria for listing feedback messages.
type FeedbackFilter struct {
	RunID    string                 `json:"run_id,omitempty"`
	FromNode string                 `json:"from_node,omitempty"`
	ToNode   string                 `json:"to_node,omitempty"`
	Status   *schema.FeedbackStatus `json:"status,omitempty"`
	Limit    int                    `json:"limit,omitempty"`
}

// FeedbackUpdate specifies mutable fields of a feedback message.
type FeedbackUpdate struct {
	Status       *schema.FeedbackStatus `json:"status,omitempty"`
	SuggestedFix *string                `json:"suggested_fix,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}
