package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/arbornet/arbor/internal/conditions"
	"github.com/arbornet/arbor/internal/expressions"
	"github.com/arbornet/arbor/internal/logging"
	"github.com/arbornet/arbor/internal/store"
	"github.com/arbornet/arbor/pkg/schema"
)

// EventLogger abstracts the event log operations needed by the interpreter.
// Satisfied by *store.EventLog and test fakes.
type EventLogger interface {
	EventAppender
	GetEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error)
	ReplayEvents(ctx context.Context, runID string) (map[string]*store.NodeState, error)
}

// StateStore is the run and node-state persistence subset the interpreter
// depends on. Satisfied by store.Store and test fakes.
type StateStore interface {
	GetRun(ctx context.Context, id string) (*store.Run, error)
	UpdateRun(ctx context.Context, id string, update store.RunUpdate) error
	UpsertNodeState(ctx context.Context, state *store.NodeState) error
}

// Memory is the working-memory subset the interpreter depends on.
// Satisfied by *store.WorkingMemory and test fakes.
type Memory interface {
	Write(ctx context.Context, rec *schema.MemoryRecord) error
	Snapshot(ctx context.Context, runID string) (map[string]any, error)
}

// FeedbackResolver runs bounded fix cycles when a verifier node fails.
// Satisfied by the feedback coordinator; nil disables the feedback path.
type FeedbackResolver interface {
	// ResolveFailure is called with the failed verifier node and the
	// feedback-enabled action it verifies. It returns the verifier's
	// final status: success when a fix round resolved the failure,
	// feedback_unresolved when the round budget is exhausted.
	ResolveFailure(ctx context.Context, runID string, verifier, target *schema.Node) (schema.NodeStatus, error)
}

// NodeResult summarizes the outcome of a single node.
type NodeResult struct {
	NodeID     string                `json:"node_id"`
	Status     schema.NodeStatus     `json:"status"`
	Reason     string                `json:"reason,omitempty"`
	Output     json.RawMessage       `json:"output,omitempty"`
	Iterations int                   `json:"iterations,omitempty"`
	ExitReason schema.LoopExitReason `json:"exit_reason,omitempty"`
}

// RunResult is returned by Execute and Resume with the run outcome.
type RunResult struct {
	RunID       string                 `json:"run_id"`
	Status      schema.RunStatus       `json:"status"`
	Nodes       map[string]*NodeResult `json:"nodes,omitempty"`
	Error       *schema.ArborError     `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// nodeHandler executes one node kind. The feedback message is non-nil only
// when the coordinator re-invokes an action during a fix cycle.
type nodeHandler func(it *Interpreter, ctx context.Context, rc *runContext, node *schema.Node, fb *schema.FeedbackMessage) (*NodeResult, error)

// nodeHandlers dispatches on the node kind tag. The set is closed;
// validation rejects unknown kinds before execution. Populated in init
// because the handlers reach runNode, which reads the map back — a
// composite literal here would be an initialization cycle.
var nodeHandlers map[schema.NodeKind]nodeHandler

func init() {
	nodeHandlers = map[schema.NodeKind]nodeHandler{
		schema.NodeKindAction:      (*Interpreter).runAction,
		schema.NodeKindSequence:    (*Interpreter).runSequence,
		schema.NodeKindConditional: (*Interpreter).runConditional,
		schema.NodeKindLoop:        (*Interpreter).runLoop,
	}
}

// runContext carries per-run execution state through the tree walk.
type runContext struct {
	runID   string
	def     *schema.WorkflowDefinition
	params  map[string]any
	results map[string]*NodeResult

	// restored holds node states rebuilt from the event log on resume.
	// A terminal entry short-circuits re-execution exactly once.
	restored map[string]*store.NodeState
}

func (rc *runContext) meta() map[string]any {
	meta := map[string]any{"run_id": rc.runID}
	if rc.def != nil {
		meta["workflow"] = rc.def.Name
	}
	for k, v := range rc.params {
		meta[k] = v
	}
	return meta
}

// Interpreter walks workflow trees, delegating actions to workers,
// conditions to the evaluator, and every observable step to the event log.
type Interpreter struct {
	state    StateStore
	eventLog EventLogger
	memory   Memory
	workers  *WorkerRegistry
	runFSM   *RunFSM
	nodeFSM  *NodeFSM
	conds    *conditions.Evaluator
	extract  *expressions.GoJQEngine
	feedback FeedbackResolver
	logger   *slog.Logger
}

// InterpreterOption configures an Interpreter.
type InterpreterOption func(*Interpreter)

// WithFeedbackResolver wires the feedback coordinator into the interpreter.
func WithFeedbackResolver(f FeedbackResolver) InterpreterOption {
	return func(it *Interpreter) { it.feedback = f }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) InterpreterOption {
	return func(it *Interpreter) { it.logger = l }
}

// NewInterpreter creates an Interpreter over the given dependencies.
func NewInterpreter(state StateStore, el EventLogger, mem Memory, workers *WorkerRegistry, opts ...InterpreterOption) *Interpreter {
	it := &Interpreter{
		state:    state,
		eventLog: el,
		memory:   mem,
		workers:  workers,
		runFSM:   NewRunFSM(el),
		nodeFSM:  NewNodeFSM(el),
		conds:    conditions.NewEvaluator(),
		extract:  expressions.NewGoJQEngine(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(it)
	}
	return it
}

// Execute starts a fresh run of the workflow tree.
func (it *Interpreter) Execute(ctx context.Context, run *store.Run) (*RunResult, error) {
	if run == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "run is nil")
	}
	if run.Definition.Root == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no root node")
	}
	ctx = logging.WithRunID(ctx, run.ID)

	if err := it.runFSM.Transition(ctx, run.ID, run.Status, schema.RunStatusActive); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	active := schema.RunStatusActive
	if err := it.state.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &active, StartedAt: &now}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "update run status: %s", err.Error()).WithCause(err)
	}

	rc := &runContext{
		runID:   run.ID,
		def:     &run.Definition,
		params:  run.Params,
		results: make(map[string]*NodeResult),
	}
	it.logger.InfoContext(ctx, "run started", "workflow", run.Definition.Name)

	return it.finish(ctx, rc, now, it.runRoot(ctx, rc))
}

// Resume continues an interrupted run. The event log is replayed to
// rebuild node states; nodes that already reached a terminal state are
// not re-executed, everything else runs again from the top in document
// order.
func (it *Interpreter) Resume(ctx context.Context, runID string) (*RunResult, error) {
	run, err := it.state.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	switch run.Status {
	case schema.RunStatusPending:
		return it.Execute(ctx, run)
	case schema.RunStatusCompleted, schema.RunStatusFailed:
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"run %s is already %s", runID, run.Status)
	}
	if run.Definition.Root == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no root node")
	}
	ctx = logging.WithRunID(ctx, runID)

	restored, err := it.eventLog.ReplayEvents(ctx, runID)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]any{"replayed_nodes": len(restored)})
	if err := it.eventLog.AppendEvent(ctx, &store.Event{
		RunID:   runID,
		Type:    schema.EventRunResumed,
		Payload: payload,
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "emit resume event: %s", err.Error()).WithCause(err)
	}

	rc := &runContext{
		runID:    runID,
		def:      &run.Definition,
		params:   run.Params,
		results:  make(map[string]*NodeResult),
		restored: restored,
	}
	started := run.CreatedAt
	if run.StartedAt != nil {
		started = *run.StartedAt
	}
	it.logger.InfoContext(ctx, "run resumed", "workflow", run.Definition.Name, "replayed_nodes", len(restored))

	return it.finish(ctx, rc, started, it.runRoot(ctx, rc))
}

// RunSingleNode executes one node in an existing run's context, outside
// the normal tree walk. The feedback coordinator uses it to re-invoke
// targets and verifiers during fix cycles.
func (it *Interpreter) RunSingleNode(ctx context.Context, runID string, node *schema.Node, fb *schema.FeedbackMessage) (schema.NodeStatus, error) {
	run, err := it.state.GetRun(ctx, runID)
	if err != nil {
		return schema.NodeStatusFailure, err
	}
	rc := &runContext{
		runID:   runID,
		def:     &run.Definition,
		params:  run.Params,
		results: make(map[string]*NodeResult),
	}
	ctx = logging.WithRunID(ctx, runID)
	res, err := it.runNode(ctx, rc, node, fb)
	if res == nil {
		return schema.NodeStatusFailure, err
	}
	return res.Status, err
}

type rootOutcome struct {
	res *NodeResult
	err error
}

func (it *Interpreter) runRoot(ctx context.Context, rc *runContext) rootOutcome {
	res, err := it.runNode(ctx, rc, rc.def.Root, nil)
	return rootOutcome{res: res, err: err}
}

// finish transitions the run to its terminal status and assembles the result.
func (it *Interpreter) finish(ctx context.Context, rc *runContext, started time.Time, out rootOutcome) (*RunResult, error) {
	now := time.Now().UTC()
	result := &RunResult{
		RunID:       rc.runID,
		Nodes:       rc.results,
		StartedAt:   started,
		CompletedAt: &now,
	}

	final := schema.RunStatusCompleted
	var errJSON json.RawMessage
	if out.err != nil || out.res == nil || out.res.Status.Failed() {
		final = schema.RunStatusFailed
		if out.err != nil {
			if arbErr, ok := out.err.(*schema.ArborError); ok {
				result.Error = arbErr
			} else {
				result.Error = schema.NewError(schema.ErrCodeExecution, out.err.Error()).WithCause(out.err)
			}
			errJSON, _ = json.Marshal(result.Error)
		}
	}
	result.Status = final

	if ferr := it.runFSM.Transition(ctx, rc.runID, schema.RunStatusActive, final); ferr != nil {
		return result, ferr
	}

	var output json.RawMessage
	if out.res != nil {
		output, _ = json.Marshal(out.res)
	}
	update := store.RunUpdate{Status: &final, Output: output, CompletedAt: &now}
	if errJSON != nil {
		update.Error = errJSON
	}
	if uerr := it.state.UpdateRun(ctx, rc.runID, update); uerr != nil {
		return result, schema.NewErrorf(schema.ErrCodeStore, "finalize run: %s", uerr.Error()).WithCause(uerr)
	}

	it.logger.InfoContext(ctx, "run finished", "status", string(final))
	return result, out.err
}

// runNode drives one node through its lifecycle: start event, handler
// dispatch, completion event, state persistence.
func (it *Interpreter) runNode(ctx context.Context, rc *runContext, node *schema.Node, fb *schema.FeedbackMessage) (*NodeResult, error) {
	if node == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "nil node")
	}

	// Resume short-circuit: a node the event log shows as terminal keeps
	// its recorded outcome. Consumed once so loop bodies re-execute on
	// later iterations.
	if st, ok := rc.restored[node.ID]; ok && st.Status.Terminal() {
		delete(rc.restored, node.ID)
		res := &NodeResult{
			NodeID:     node.ID,
			Status:     st.Status,
			Reason:     st.Reason,
			Output:     st.Output,
			Iterations: st.Iterations,
		}
		rc.results[node.ID] = res
		return res, nil
	}

	ctx = logging.WithNodeID(ctx, node.ID)

	handler, ok := nodeHandlers[node.Kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown node kind %q", node.Kind).WithNode(node.ID)
	}

	if err := it.nodeFSM.Transition(ctx, rc.runID, node.ID, schema.NodeStatusPending, schema.NodeStatusRunning, nil); err != nil {
		return nil, err
	}
	startedAt := time.Now().UTC()

	res, err := handler(it, ctx, rc, node, fb)
	if res == nil {
		res = &NodeResult{NodeID: node.ID, Status: schema.NodeStatusFailure}
		if err != nil {
			res.Reason = reasonForError(err)
		}
	}
	res.NodeID = node.ID

	if cerr := it.completeNode(ctx, rc, node, res, startedAt); cerr != nil && err == nil {
		err = cerr
	}
	rc.results[node.ID] = res
	return res, err
}

// completeNode emits node_complete and persists the materialized state.
func (it *Interpreter) completeNode(ctx context.Context, rc *runContext, node *schema.Node, res *NodeResult, startedAt time.Time) error {
	payload, _ := json.Marshal(store.NodeCompletePayload{
		Status: res.Status,
		Reason: res.Reason,
		Output: res.Output,
	})
	if err := it.nodeFSM.Transition(ctx, rc.runID, node.ID, schema.NodeStatusRunning, res.Status, payload); err != nil {
		return err
	}

	now := time.Now().UTC()
	state := &store.NodeState{
		RunID:       rc.runID,
		NodeID:      node.ID,
		Status:      res.Status,
		Reason:      res.Reason,
		Output:      res.Output,
		Iterations:  res.Iterations,
		StartedAt:   &startedAt,
		CompletedAt: &now,
		DurationMs:  now.Sub(startedAt).Milliseconds(),
	}
	if err := it.state.UpsertNodeState(ctx, state); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "persist node state: %s", err.Error()).
			WithNode(node.ID).WithCause(err)
	}
	return nil
}

// skipNode records that a node was never executed because an earlier
// sibling failed.
func (it *Interpreter) skipNode(ctx context.Context, rc *runContext, node *schema.Node) {
	if node == nil {
		return
	}
	if _, done := rc.results[node.ID]; done {
		return
	}
	_ = it.nodeFSM.Transition(ctx, rc.runID, node.ID, schema.NodeStatusPending, schema.NodeStatusSkipped, nil)
	_ = it.state.UpsertNodeState(ctx, &store.NodeState{
		RunID:  rc.runID,
		NodeID: node.ID,
		Status: schema.NodeStatusSkipped,
	})
	rc.results[node.ID] = &NodeResult{NodeID: node.ID, Status: schema.NodeStatusSkipped}
}

// reasonForError maps an execution error to a node failure reason.
func reasonForError(err error) string {
	if arbErr, ok := err.(*schema.ArborError); ok {
		switch arbErr.Code {
		case schema.ErrCodeEvaluation:
			return schema.ReasonEvaluationError
		case schema.ErrCodeTimeout:
			return schema.ReasonTimedOut
		}
	}
	return schema.ReasonInfrastructure
}
