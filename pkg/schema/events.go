package schema

// Event type constants for the execution state log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunResumed   = "run_resumed"

	EventNodeStart    = "node_start"
	EventNodeComplete = "node_complete"
	EventNodeSkipped  = "node_skipped"

	EventConditionalEval = "conditional_eval"
	EventLoopIteration   = "loop_iteration"
	EventLoopExit        = "loop_exit"

	EventFeedbackSent      = "feedback_sent"
	EventFeedbackDelivered = "feedback_delivered"
	EventFeedbackResolved  = "feedback_resolved"
	EventFeedbackFailed    = "feedback_failed"

	EventMemoryWrite = "memory_write"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusActive    RunStatus = "active"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// NodeStatus represents the terminal or in-flight state of a node.
// max_iterations, timed_out and feedback_unresolved are distinguishable
// terminal states so callers can tell "gave up" from ordinary failure;
// parents interpret all three as failure for propagation purposes.
type NodeStatus string

const (
	NodeStatusPending NodeStatus = "pending"
	NodeStatusRunning NodeStatus = "running"
	NodeStatusSuccess NodeStatus = "success"
	NodeStatusFailure NodeStatus = "failure"
	NodeStatusSkipped NodeStatus = "skipped"

	NodeStatusMaxIterations      NodeStatus = "max_iterations"
	NodeStatusTimedOut           NodeStatus = "timed_out"
	NodeStatusFeedbackUnresolved NodeStatus = "feedback_unresolved"
)

// Terminal reports whether the status is final.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeStatusSuccess, NodeStatusFailure, NodeStatusSkipped,
		NodeStatusMaxIterations, NodeStatusTimedOut, NodeStatusFeedbackUnresolved:
		return true
	}
	return false
}

// Failed reports whether a parent node must treat the status as a failure.
func (s NodeStatus) Failed() bool {
	switch s {
	case NodeStatusFailure, NodeStatusMaxIterations, NodeStatusTimedOut, NodeStatusFeedbackUnresolved:
		return true
	}
	return false
}

// Reason codes recorded on node results, separating the error taxonomy:
// business failures, evaluation errors, exceeded bounds, exhausted
// feedback budgets, and infrastructure faults.
const (
	ReasonBusinessFailure   = "business_failure"
	ReasonEvaluationError   = "evaluation_error"
	ReasonMaxIterations     = "max_iterations"
	ReasonTimedOut          = "timed_out"
	ReasonFeedbackExhausted = "feedback_exhausted"
	ReasonInfrastructure    = "infrastructure_fault"
)

// LoopExitReason distinguishes why a loop terminated.
type LoopExitReason string

const (
	LoopExitConditionTrue LoopExitReason = "condition_true"
	LoopExitMaxIterations LoopExitReason = "max_iterations"
	LoopExitTimedOut      LoopExitReason = "timed_out"
)
