package schema

import "time"

// FeedbackStatus is the lifecycle state of a feedback message.
type FeedbackStatus string

const (
	FeedbackQueued     FeedbackStatus = "queued"
	FeedbackDelivered  FeedbackStatus = "delivered"
	FeedbackProcessing FeedbackStatus = "processing"
	FeedbackVerifying  FeedbackStatus = "verifying"
	FeedbackResolved   FeedbackStatus = "resolved"
	FeedbackFailed     FeedbackStatus = "failed"
)

// FeedbackType classifies the advisory message.
type FeedbackType string

const (
	FeedbackFixRequest FeedbackType = "FIX_REQUEST"
)

// FeedbackMessage is a cross-node advisory created by a verifier when a
// feedback-enabled action's output is unsatisfactory. Round is a 1-based
// counter scoped to the (from_node, to_node) pair, monotonic within a run.
type FeedbackMessage struct {
	ID                string         `json:"id"`
	RunID             string         `json:"run_id"`
	FromNode          string         `json:"from_node"`
	ToNode            string         `json:"to_node"`
	Type              FeedbackType   `json:"feedback_type"`
	Message           string         `json:"message,omitempty"`
	SuggestedFix      string         `json:"suggested_fix,omitempty"`
	MissingComponents []string       `json:"missing_components,omitempty"`
	Priority          string         `json:"priority,omitempty"`
	Artifacts         []string       `json:"artifacts,omitempty"` // references, never content
	Status            FeedbackStatus `json:"status"`
	Round             int            `json:"round"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}
