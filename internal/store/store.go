package store

import (
	"context"
	"time"

	"github.com/arbornet/arbor/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Execution state log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Node state (materialized view)
	UpsertNodeState(ctx context.Context, state *NodeState) error
	GetNodeState(ctx context.Context, runID, nodeID string) (*NodeState, error)
	ListNodeStates(ctx context.Context, runID string) ([]*NodeState, error)

	// Working memory (append-only fact log)
	AppendMemory(ctx context.Context, rec *schema.MemoryRecord) error
	ListMemory(ctx context.Context, filter MemoryFilter) ([]*schema.MemoryRecord, error)
	DeleteExpiredMemory(ctx context.Context, now time.Time) (int64, error)

	// Feedback messages
	CreateFeedback(ctx context.Context, msg *schema.FeedbackMessage) error
	GetFeedback(ctx context.Context, id string) (*schema.FeedbackMessage, error)
	UpdateFeedback(ctx context.Context, id string, update FeedbackUpdate) error
	ListFeedback(ctx context.Context, filter FeedbackFilter) ([]*schema.FeedbackMessage, error)
	CountFeedbackRounds(ctx context.Context, runID, fromNode, toNode string) (int, error)

	// Scheduled jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
