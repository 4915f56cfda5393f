package schema

// WorkStatus is the binary outcome a worker reports for an action.
type WorkStatus string

const (
	WorkSuccess WorkStatus = "success"
	WorkFailure WorkStatus = "failure"
)

// WorkRequest is what the engine hands to an external worker for an
// action node. Memory is a read-only snapshot; workers report new facts
// back through WorkResult rather than writing memory directly.
type WorkRequest struct {
	RunID  string         `json:"run_id"`
	NodeID string         `json:"node_id"`
	Skill  string         `json:"skill"`
	Agent  string         `json:"agent"`
	Args   map[string]any `json:"args,omitempty"`
	Memory map[string]any `json:"memory_snapshot,omitempty"`

	// Feedback carries the suggested-fix payload when the coordinator
	// re-invokes a node during a fix cycle. Nil on first execution.
	Feedback *FeedbackMessage `json:"feedback,omitempty"`
}

// WorkResult is the worker's response. Facts are merged into working
// memory under the action's output key; a failure status is a business
// outcome, not an infrastructure error.
type WorkResult struct {
	Status    WorkStatus     `json:"status"`
	Facts     []MemoryRecord `json:"facts,omitempty"`
	Artifacts []string       `json:"artifacts,omitempty"`
	Output    any            `json:"output,omitempty"`
	Detail    string         `json:"detail,omitempty"`
}
