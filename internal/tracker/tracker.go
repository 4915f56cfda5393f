package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Issue is a tracked work item opened for failures that outlive a run,
// such as exhausted feedback budgets.
type Issue struct {
	ID        string            `json:"id"`
	RunID     string            `json:"run_id,omitempty"`
	NodeID    string            `json:"node_id,omitempty"`
	Title     string            `json:"title"`
	Body      string            `json:"body,omitempty"`
	Labels    []string          `json:"labels,omitempty"`
	State     string            `json:"state"` // open | closed
	Comments  []string          `json:"comments,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Tracker records issues in an external system. Implementations must be
// safe for concurrent use.
type Tracker interface {
	CreateIssue(ctx context.Context, issue *Issue) (string, error)
	Comment(ctx context.Context, issueID, comment string) error
	CloseIssue(ctx context.Context, issueID string) error
}

// LogTracker is a Tracker that records issues in the structured log and an
// in-memory table. It is the default when no external tracker is
// configured; the table lets operators inspect open issues over MCP.
type LogTracker struct {
	logger *slog.Logger

	mu     sync.Mutex
	issues map[string]*Issue
}

// NewLogTracker creates a LogTracker.
func NewLogTracker(logger *slog.Logger) *LogTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTracker{logger: logger, issues: make(map[string]*Issue)}
}

func (t *LogTracker) CreateIssue(ctx context.Context, issue *Issue) (string, error) {
	now := time.Now().UTC()
	cp := *issue
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	cp.State = "open"
	cp.CreatedAt = now
	cp.UpdatedAt = now

	t.mu.Lock()
	t.issues[cp.ID] = &cp
	t.mu.Unlock()

	t.logger.WarnContext(ctx, "issue opened",
		"issue_id", cp.ID, "title", cp.Title, "run_id", cp.RunID, "node_id", cp.NodeID)
	return cp.ID, nil
}

func (t *LogTracker) Comment(ctx context.Context, issueID, comment string) error {
	t.mu.Lock()
	if issue, ok := t.issues[issueID]; ok {
		issue.Comments = append(issue.Comments, comment)
		issue.UpdatedAt = time.Now().UTC()
	}
	t.mu.Unlock()

	t.logger.InfoContext(ctx, "issue comment", "issue_id", issueID, "comment", comment)
	return nil
}

func (t *LogTracker) CloseIssue(ctx context.Context, issueID string) error {
	t.mu.Lock()
	if issue, ok := t.issues[issueID]; ok {
		issue.State = "closed"
		issue.UpdatedAt = time.Now().UTC()
	}
	t.mu.Unlock()

	t.logger.InfoContext(ctx, "issue closed", "issue_id", issueID)
	return nil
}

// OpenIssues returns the currently open issues.
func (t *LogTracker) OpenIssues() []*Issue {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Issue
	for _, issue := range t.issues {
		if issue.State == "open" {
			cp := *issue
			out = append(out, &cp)
		}
	}
	return out
}

// NoopTracker discards everything. Used when issue tracking is disabled.
type NoopTracker struct{}

func (NoopTracker) CreateIssue(ctx context.Context, issue *Issue) (string, error) {
	return "", nil
}
func (NoopTracker) Comment(ctx context.Context, issueID, comment string) error { return nil }
func (NoopTracker) CloseIssue(ctx context.Context, issueID string) error       { return nil }

var (
	_ Tracker = (*LogTracker)(nil)
	_ Tracker = NoopTracker{}
)
