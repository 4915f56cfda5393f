package engine

import (
	"context"
	"sync"

	"github.com/arbornet/arbor/internal/store"
	"github.com/arbornet/arbor/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store and EventLog; used by FSMs to
// emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Run FSM ---

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM manages run lifecycle state transitions.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[runHookKey][]TransitionHook
	after    map[runHookKey][]TransitionHook
}

// NewRunFSM creates a new RunFSM that emits events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		before:   make(map[runHookKey][]TransitionHook),
		after:    make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a run state transition, emitting the
// corresponding event. The caller persists the new state to the store.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := runEventType(to)
	if eventType != "" {
		event := &store.Event{
			RunID: runID,
			Type:  eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusActive:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	default:
		return ""
	}
}

// --- Node FSM ---

type nodeHookKey struct {
	from, to schema.NodeStatus
}

// NodeFSM manages node lifecycle state transitions.
type NodeFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[nodeHookKey][]TransitionHook
	after    map[nodeHookKey][]TransitionHook
}

// NewNodeFSM creates a new NodeFSM that emits events via the given appender.
func NewNodeFSM(appender EventAppender) *NodeFSM {
	return &NodeFSM{
		appender: appender,
		before:   make(map[nodeHookKey][]TransitionHook),
		after:    make(map[nodeHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a node transition.
func (f *NodeFSM) OnBefore(from, to schema.NodeStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := nodeHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a node transition.
func (f *NodeFSM) OnAfter(from, to schema.NodeStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := nodeHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates a node state transition and emits the lifecycle
// event. Terminal details (status, reason, output) ride on the
// node_complete payload, which the caller supplies.
func (f *NodeFSM) Transition(ctx context.Context, runID, nodeID string, from, to schema.NodeStatus, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidNodeTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := nodeHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := nodeEventType(to)
	if eventType != "" {
		event := &store.Event{
			RunID:   runID,
			NodeID:  nodeID,
			Type:    eventType,
			Payload: payload,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit node event: %s", err.Error()).
				WithNode(nodeID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidNodeTransition(from, to schema.NodeStatus) bool {
	allowed, ok := ValidNodeTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func nodeEventType(to schema.NodeStatus) string {
	switch to {
	case schema.NodeStatusRunning:
		return schema.EventNodeStart
	case schema.NodeStatusSkipped:
		return schema.EventNodeSkipped
	case schema.NodeStatusSuccess, schema.NodeStatusFailure,
		schema.NodeStatusMaxIterations, schema.NodeStatusTimedOut,
		schema.NodeStatusFeedbackUnresolved:
		return schema.EventNodeComplete
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusActive, schema.RunStatusFailed},
	schema.RunStatusActive:    {schema.RunStatusCompleted, schema.RunStatusFailed},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
}

// ValidNodeTransitions defines the allowed state transitions for nodes.
// All failure-family terminals are reachable only from running.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusPending: {schema.NodeStatusRunning, schema.NodeStatusSkipped},
	schema.NodeStatusRunning: {
		schema.NodeStatusSuccess, schema.NodeStatusFailure, schema.NodeStatusSkipped,
		schema.NodeStatusMaxIterations, schema.NodeStatusTimedOut, schema.NodeStatusFeedbackUnresolved,
	},
	schema.NodeStatusSuccess:            {},
	schema.NodeStatusFailure:            {},
	schema.NodeStatusSkipped:            {},
	schema.NodeStatusMaxIterations:      {},
	schema.NodeStatusTimedOut:           {},
	schema.NodeStatusFeedbackUnresolved: {},
}
