package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/arbornet/arbor/internal/conditions"
	"github.com/arbornet/arbor/internal/store"
	"github.com/arbornet/arbor/pkg/schema"
)

// runSequence executes children in order. A failed child aborts the
// remaining siblings (fail-fast) unless it is marked continue_on_error,
// in which case execution proceeds and the sequence reports the worst
// child status at the end.
func (it *Interpreter) runSequence(ctx context.Context, rc *runContext, node *schema.Node, fb *schema.FeedbackMessage) (*NodeResult, error) {
	worst := schema.NodeStatusSuccess
	worstReason := ""

	for i, child := range node.Children {
		res, err := it.runNode(ctx, rc, child, nil)
		if err != nil {
			it.skipRemaining(ctx, rc, node.Children, i+1)
			return &NodeResult{Status: schema.NodeStatusFailure, Reason: reasonForError(err)}, err
		}
		if !res.Status.Failed() {
			continue
		}

		status := res.Status
		if status == schema.NodeStatusFailure && it.feedback != nil {
			if target := feedbackTargetFor(node, i); target != nil {
				resolved, ferr := it.feedback.ResolveFailure(ctx, rc.runID, child, target)
				if ferr != nil {
					it.skipRemaining(ctx, rc, node.Children, i+1)
					return &NodeResult{Status: schema.NodeStatusFailure, Reason: reasonForError(ferr)}, ferr
				}
				if resolved == schema.NodeStatusSuccess {
					res.Status = schema.NodeStatusSuccess
					res.Reason = ""
					continue
				}
				status = resolved
				res.Status = resolved
				res.Reason = schema.ReasonFeedbackExhausted
			}
		}

		if child.ContinueOnError {
			worst = schema.NodeStatusFailure
			worstReason = childFailureReason(status, res.Reason)
			continue
		}
		it.skipRemaining(ctx, rc, node.Children, i+1)
		return &NodeResult{Status: schema.NodeStatusFailure, Reason: childFailureReason(status, res.Reason)}, nil
	}

	return &NodeResult{Status: worst, Reason: worstReason}, nil
}

func (it *Interpreter) skipRemaining(ctx context.Context, rc *runContext, children []*schema.Node, from int) {
	for _, sibling := range children[from:] {
		it.skipNode(ctx, rc, sibling)
	}
}

// feedbackTargetFor locates the feedback-enabled action verified by the
// failed child at index i. An explicit verifier field wins; otherwise the
// immediately preceding sibling is the implicit source.
func feedbackTargetFor(parent *schema.Node, i int) *schema.Node {
	failed := parent.Children[i]
	for j := i - 1; j >= 0; j-- {
		c := parent.Children[j]
		if c.Kind != schema.NodeKindAction || !c.FeedbackEnabled {
			continue
		}
		if c.Verifier == failed.ID {
			return c
		}
		if c.Verifier == "" && j == i-1 {
			return c
		}
	}
	return nil
}

// childFailureReason derives the parent's failure reason from a failed
// child's status.
func childFailureReason(status schema.NodeStatus, reason string) string {
	if reason != "" {
		return reason
	}
	switch status {
	case schema.NodeStatusMaxIterations:
		return schema.ReasonMaxIterations
	case schema.NodeStatusTimedOut:
		return schema.ReasonTimedOut
	case schema.NodeStatusFeedbackUnresolved:
		return schema.ReasonFeedbackExhausted
	default:
		return schema.ReasonBusinessFailure
	}
}

// conditionalEvalPayload is recorded so replay can show which branch a
// run took and why.
type conditionalEvalPayload struct {
	Condition *schema.Condition `json:"condition"`
	Result    bool              `json:"result"`
	Branch    string            `json:"branch"`
}

// runConditional snapshots working memory once, evaluates the condition
// against that snapshot, and executes the selected branch. An absent
// branch is a successful no-op.
func (it *Interpreter) runConditional(ctx context.Context, rc *runContext, node *schema.Node, fb *schema.FeedbackMessage) (*NodeResult, error) {
	if node.Condition == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "conditional has no condition").WithNode(node.ID)
	}

	snap, err := it.memory.Snapshot(ctx, rc.runID)
	if err != nil {
		return &NodeResult{Status: schema.NodeStatusFailure, Reason: schema.ReasonInfrastructure}, err
	}

	result, err := it.conds.Evaluate(ctx, node.Condition, conditions.Snapshot(snap), rc.meta())
	if err != nil {
		if arbErr, ok := err.(*schema.ArborError); ok {
			err = arbErr.WithNode(node.ID)
		}
		return &NodeResult{Status: schema.NodeStatusFailure, Reason: schema.ReasonEvaluationError}, err
	}

	branch := node.FalseBranch
	if result {
		branch = node.TrueBranch
	}
	branchID := "none"
	if branch != nil {
		branchID = branch.ID
	}

	payload, _ := json.Marshal(conditionalEvalPayload{
		Condition: node.Condition,
		Result:    result,
		Branch:    branchID,
	})
	if aerr := it.eventLog.AppendEvent(ctx, &store.Event{
		RunID:   rc.runID,
		NodeID:  node.ID,
		Type:    schema.EventConditionalEval,
		Payload: payload,
	}); aerr != nil {
		return &NodeResult{Status: schema.NodeStatusFailure, Reason: schema.ReasonInfrastructure},
			schema.NewErrorf(schema.ErrCodeStore, "emit conditional_eval: %s", aerr.Error()).WithNode(node.ID).WithCause(aerr)
	}

	if branch == nil {
		return &NodeResult{Status: schema.NodeStatusSuccess}, nil
	}

	res, err := it.runNode(ctx, rc, branch, nil)
	if err != nil {
		return &NodeResult{Status: schema.NodeStatusFailure, Reason: reasonForError(err)}, err
	}
	if res.Status.Failed() {
		return &NodeResult{Status: schema.NodeStatusFailure, Reason: childFailureReason(res.Status, res.Reason)}, nil
	}
	return &NodeResult{Status: schema.NodeStatusSuccess}, nil
}

// loopIterationPayload records one completed iteration: its 1-based
// index, wall-clock elapsed, and the exit condition's result. Emitted
// only after both the body and the condition check finished, so replay
// counts an iteration crashed mid-body as incomplete and resume re-runs
// it.
type loopIterationPayload struct {
	Iteration       int   `json:"iteration"`
	ElapsedMs       int64 `json:"elapsed_ms"`
	ConditionResult bool  `json:"condition_result"`
}

// loopExitPayload is recorded on loop_exit so the log distinguishes why a
// loop stopped.
type loopExitPayload struct {
	Reason     schema.LoopExitReason `json:"reason"`
	Iterations int                   `json:"iterations"`
}

// runLoop executes the body, then checks the exit condition; the
// condition is never checked before the first iteration. The loop stops
// on condition true (success), exhausted iteration budget, or wall-clock
// timeout — the latter two are distinguishable terminal states.
func (it *Interpreter) runLoop(ctx context.Context, rc *runContext, node *schema.Node, fb *schema.FeedbackMessage) (*NodeResult, error) {
	if node.Body == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "loop has no body").WithNode(node.ID)
	}
	if node.Condition == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "loop has no exit condition").WithNode(node.ID)
	}
	if node.MaxIterations < 1 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"loop max_iterations must be >= 1, got %d", node.MaxIterations).WithNode(node.ID)
	}

	loopCtx := ctx
	if node.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		loopCtx, cancel = context.WithTimeout(ctx, secondsDuration(node.TimeoutSeconds))
		defer cancel()
	}

	// Completed iterations survive a crash via loop_iteration events.
	start := 0
	if st, ok := rc.restored[node.ID]; ok {
		start = st.Iterations
	}

	iterations := start
	for i := start; i < node.MaxIterations; i++ {
		if loopCtx.Err() != nil {
			return it.exitLoop(ctx, rc, node, schema.LoopExitTimedOut, iterations)
		}
		iterStart := time.Now()

		// A body business failure does not abort the loop: retry loops
		// exist precisely to run until the condition is satisfied.
		_, err := it.runNode(loopCtx, rc, node.Body, nil)
		if err != nil {
			if loopCtx.Err() != nil {
				return it.exitLoop(ctx, rc, node, schema.LoopExitTimedOut, iterations)
			}
			return &NodeResult{Status: schema.NodeStatusFailure, Reason: reasonForError(err), Iterations: iterations}, err
		}

		snap, serr := it.memory.Snapshot(loopCtx, rc.runID)
		if serr != nil {
			if loopCtx.Err() != nil {
				return it.exitLoop(ctx, rc, node, schema.LoopExitTimedOut, iterations)
			}
			return &NodeResult{Status: schema.NodeStatusFailure, Reason: schema.ReasonInfrastructure, Iterations: iterations}, serr
		}
		done, cerr := it.conds.Evaluate(loopCtx, node.Condition, conditions.Snapshot(snap), rc.meta())
		if cerr != nil {
			if loopCtx.Err() != nil {
				return it.exitLoop(ctx, rc, node, schema.LoopExitTimedOut, iterations)
			}
			if arbErr, ok := cerr.(*schema.ArborError); ok {
				cerr = arbErr.WithNode(node.ID)
			}
			return &NodeResult{Status: schema.NodeStatusFailure, Reason: schema.ReasonEvaluationError, Iterations: iterations}, cerr
		}

		// The iteration is complete only once the body ran and the
		// condition was checked; emitting here keeps replayed iteration
		// counts aligned with work actually finished.
		iterPayload, _ := json.Marshal(loopIterationPayload{
			Iteration:       i + 1,
			ElapsedMs:       time.Since(iterStart).Milliseconds(),
			ConditionResult: done,
		})
		if aerr := it.eventLog.AppendEvent(ctx, &store.Event{
			RunID:   rc.runID,
			NodeID:  node.ID,
			Type:    schema.EventLoopIteration,
			Payload: iterPayload,
		}); aerr != nil {
			return &NodeResult{Status: schema.NodeStatusFailure, Reason: schema.ReasonInfrastructure, Iterations: iterations},
				schema.NewErrorf(schema.ErrCodeStore, "emit loop_iteration: %s", aerr.Error()).WithNode(node.ID).WithCause(aerr)
		}
		iterations = i + 1

		if done {
			return it.exitLoop(ctx, rc, node, schema.LoopExitConditionTrue, iterations)
		}
	}

	if loopCtx.Err() != nil {
		return it.exitLoop(ctx, rc, node, schema.LoopExitTimedOut, iterations)
	}
	return it.exitLoop(ctx, rc, node, schema.LoopExitMaxIterations, iterations)
}

// exitLoop emits loop_exit and maps the exit reason onto the loop's
// terminal status.
func (it *Interpreter) exitLoop(ctx context.Context, rc *runContext, node *schema.Node, reason schema.LoopExitReason, iterations int) (*NodeResult, error) {
	payload, _ := json.Marshal(loopExitPayload{Reason: reason, Iterations: iterations})
	if aerr := it.eventLog.AppendEvent(ctx, &store.Event{
		RunID:   rc.runID,
		NodeID:  node.ID,
		Type:    schema.EventLoopExit,
		Payload: payload,
	}); aerr != nil {
		return &NodeResult{Status: schema.NodeStatusFailure, Reason: schema.ReasonInfrastructure, Iterations: iterations},
			schema.NewErrorf(schema.ErrCodeStore, "emit loop_exit: %s", aerr.Error()).WithNode(node.ID).WithCause(aerr)
	}

	res := &NodeResult{Iterations: iterations, ExitReason: reason}
	switch reason {
	case schema.LoopExitConditionTrue:
		res.Status = schema.NodeStatusSuccess
	case schema.LoopExitMaxIterations:
		res.Status = schema.NodeStatusMaxIterations
		res.Reason = schema.ReasonMaxIterations
	case schema.LoopExitTimedOut:
		res.Status = schema.NodeStatusTimedOut
		res.Reason = schema.ReasonTimedOut
	}
	return res, nil
}
