package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbornet/arbor/internal/store"
	"github.com/arbornet/arbor/internal/tracker"
	"github.com/arbornet/arbor/pkg/schema"
)

// DefaultMaxRounds bounds fix cycles per (from_node, to_node) pair.
const DefaultMaxRounds = 2

// MessageStore is the feedback persistence subset the coordinator needs.
// Satisfied by store.Store and test fakes.
type MessageStore interface {
	CreateFeedback(ctx context.Context, msg *schema.FeedbackMessage) error
	UpdateFeedback(ctx context.Context, id string, update store.FeedbackUpdate) error
	ListFeedback(ctx context.Context, filter store.FeedbackFilter) ([]*schema.FeedbackMessage, error)
	CountFeedbackRounds(ctx context.Context, runID, fromNode, toNode string) (int, error)
}

// EventAppender records coordinator activity in the execution state log.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// NodeRunner re-invokes a single node inside an existing run's context.
// Satisfied by the interpreter.
type NodeRunner interface {
	RunSingleNode(ctx context.Context, runID string, node *schema.Node, fb *schema.FeedbackMessage) (schema.NodeStatus, error)
}

// RunSource resolves run records so ProcessQueue can match queued
// messages back to their definition nodes.
type RunSource interface {
	GetRun(ctx context.Context, id string) (*store.Run, error)
}

// Resolution is the terminal outcome of one queued message chain.
type Resolution struct {
	MessageID string                `json:"message_id"`
	FromNode  string                `json:"from_node"`
	ToNode    string                `json:"to_node"`
	Status    schema.FeedbackStatus `json:"status"` // resolved | failed
}

// Coordinator drives bounded fix cycles between a verifier node and the
// feedback-enabled action it checks. One cycle: create a FIX_REQUEST,
// deliver it to the target action, re-run the target with the message
// attached, then re-run the verifier. Cycles repeat until the verifier
// passes or the round budget for the pair is exhausted.
//
// Round counts are derived from persisted messages, never from in-process
// state, so a resumed run keeps its budget.
type Coordinator struct {
	store  MessageStore
	events EventAppender
	runner NodeRunner
	runs   RunSource

	maxRounds int
	logger    *slog.Logger
	tracker   tracker.Tracker

	mu    sync.Mutex
	pairs map[string]*sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxRounds overrides the per-pair round budget.
func WithMaxRounds(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxRounds = n
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithTracker sets the issue tracker that receives exhausted-budget
// escalations.
func WithTracker(t tracker.Tracker) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracker = t
		}
	}
}

// WithRunSource enables ProcessQueue to resolve node IDs against run
// definitions.
func WithRunSource(rs RunSource) Option {
	return func(c *Coordinator) { c.runs = rs }
}

// NewCoordinator creates a Coordinator over the given dependencies.
func NewCoordinator(ms MessageStore, events EventAppender, runner NodeRunner, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     ms,
		events:    events,
		runner:    runner,
		maxRounds: DefaultMaxRounds,
		logger:    slog.Default(),
		tracker:   tracker.NoopTracker{},
		pairs:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enqueue persists a fix request, assigning its 1-based round for the
// (from_node, to_node) pair. A message whose round would exceed the
// budget is marked failed immediately and escalated; no execution is
// attempted here.
func (c *Coordinator) Enqueue(ctx context.Context, msg *schema.FeedbackMessage) error {
	if msg == nil || msg.RunID == "" || msg.FromNode == "" || msg.ToNode == "" {
		return schema.NewError(schema.ErrCodeValidation,
			"feedback message requires run_id, from_node and to_node")
	}
	lock := c.pairLock(msg.RunID, msg.FromNode, msg.ToNode)
	lock.Lock()
	defer lock.Unlock()
	return c.enqueueLocked(ctx, msg)
}

func (c *Coordinator) enqueueLocked(ctx context.Context, msg *schema.FeedbackMessage) error {
	used, err := c.store.CountFeedbackRounds(ctx, msg.RunID, msg.FromNode, msg.ToNode)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "count feedback rounds: %s", err.Error()).WithCause(err)
	}

	now := time.Now().UTC()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Type == "" {
		msg.Type = schema.FeedbackFixRequest
	}
	msg.Round = used + 1
	msg.CreatedAt = now
	msg.UpdatedAt = now

	if msg.Round > c.maxRounds {
		msg.Status = schema.FeedbackFailed
		if err := c.store.CreateFeedback(ctx, msg); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "create feedback message: %s", err.Error()).WithCause(err)
		}
		if err := c.emit(ctx, msg.RunID, msg.FromNode, schema.EventFeedbackFailed, msg); err != nil {
			return err
		}
		c.escalate(ctx, msg)
		return nil
	}

	msg.Status = schema.FeedbackQueued
	if err := c.store.CreateFeedback(ctx, msg); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create feedback message: %s", err.Error()).WithCause(err)
	}
	c.logger.InfoContext(ctx, "feedback sent",
		"from", msg.FromNode, "to", msg.ToNode, "round", msg.Round)
	return c.emit(ctx, msg.RunID, msg.FromNode, schema.EventFeedbackSent, msg)
}

// ResolveFailure runs fix cycles for the failed verifier and its target
// action. It returns the verifier's final status: success when a cycle
// resolved the failure, feedback_unresolved when the pair's round budget
// is exhausted. Infrastructure errors abort the cycle and propagate.
func (c *Coordinator) ResolveFailure(ctx context.Context, runID string, verifier, target *schema.Node) (schema.NodeStatus, error) {
	if verifier == nil || target == nil {
		return schema.NodeStatusFailure, schema.NewError(schema.ErrCodeValidation, "feedback requires verifier and target nodes")
	}

	lock := c.pairLock(runID, verifier.ID, target.ID)
	lock.Lock()
	defer lock.Unlock()

	return c.resolvePairLocked(ctx, runID, verifier, target, nil)
}

// ProcessQueue drains queued feedback for a run, one message fully
// processed before the next. Each message's chain is driven to a
// terminal state (resolved or failed) before the next queued message
// starts; follow-up rounds enqueue and consume fresh messages.
func (c *Coordinator) ProcessQueue(ctx context.Context, runID string) ([]Resolution, error) {
	if c.runs == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "coordinator has no run source configured")
	}
	run, err := c.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	queued := schema.FeedbackQueued
	msgs, err := c.store.ListFeedback(ctx, store.FeedbackFilter{RunID: runID, Status: &queued})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list queued feedback: %s", err.Error()).WithCause(err)
	}

	var out []Resolution
	for _, msg := range msgs {
		verifier := findNode(run.Definition.Root, msg.FromNode)
		target := findNode(run.Definition.Root, msg.ToNode)
		if verifier == nil || target == nil {
			if err := c.setStatus(ctx, msg, schema.FeedbackFailed); err != nil {
				return out, err
			}
			out = append(out, Resolution{MessageID: msg.ID, FromNode: msg.FromNode, ToNode: msg.ToNode, Status: schema.FeedbackFailed})
			continue
		}

		lock := c.pairLock(runID, verifier.ID, target.ID)
		lock.Lock()
		status, err := c.resolvePairLocked(ctx, runID, verifier, target, msg)
		lock.Unlock()
		if err != nil {
			return out, err
		}

		res := Resolution{MessageID: msg.ID, FromNode: msg.FromNode, ToNode: msg.ToNode, Status: schema.FeedbackFailed}
		if status == schema.NodeStatusSuccess {
			res.Status = schema.FeedbackResolved
		}
		out = append(out, res)
	}
	return out, nil
}

// resolvePairLocked drives fix cycles for one pair to a terminal outcome.
// first, when non-nil, is an already-enqueued message consumed as the
// chain's opening round; later rounds enqueue fresh messages.
func (c *Coordinator) resolvePairLocked(ctx context.Context, runID string, verifier, target *schema.Node, first *schema.FeedbackMessage) (schema.NodeStatus, error) {
	msg := first
	for {
		if msg == nil {
			msg = &schema.FeedbackMessage{
				RunID:    runID,
				FromNode: verifier.ID,
				ToNode:   target.ID,
				Type:     schema.FeedbackFixRequest,
				Message:  fmt.Sprintf("verifier %s rejected the output of %s", verifier.ID, target.ID),
				Priority: "high",
			}
			if err := c.enqueueLocked(ctx, msg); err != nil {
				return schema.NodeStatusFailure, err
			}
			if msg.Status == schema.FeedbackFailed {
				return schema.NodeStatusFeedbackUnresolved, nil
			}
		}

		status, err := c.processMessage(ctx, runID, verifier, target, msg)
		if err != nil {
			return schema.NodeStatusFailure, err
		}
		if status == schema.NodeStatusSuccess {
			return schema.NodeStatusSuccess, nil
		}
		c.logger.InfoContext(ctx, "fix cycle did not resolve failure",
			"verifier", verifier.ID, "target", target.ID, "round", msg.Round)
		msg = nil
	}
}

// processMessage runs one fix→verify cycle for a queued message and
// returns the verifier's status after the re-check. The message ends
// resolved on success, failed otherwise; a failed round does not consume
// more budget than its own enqueue already did.
func (c *Coordinator) processMessage(ctx context.Context, runID string, verifier, target *schema.Node, msg *schema.FeedbackMessage) (schema.NodeStatus, error) {
	if err := c.setStatus(ctx, msg, schema.FeedbackDelivered); err != nil {
		return schema.NodeStatusFailure, err
	}
	if err := c.emit(ctx, runID, target.ID, schema.EventFeedbackDelivered, msg); err != nil {
		return schema.NodeStatusFailure, err
	}

	// The target re-runs with the message attached so its worker sees
	// what to fix.
	if err := c.setStatus(ctx, msg, schema.FeedbackProcessing); err != nil {
		return schema.NodeStatusFailure, err
	}
	if _, err := c.runner.RunSingleNode(ctx, runID, target, msg); err != nil {
		return schema.NodeStatusFailure, err
	}

	if err := c.setStatus(ctx, msg, schema.FeedbackVerifying); err != nil {
		return schema.NodeStatusFailure, err
	}
	status, err := c.runner.RunSingleNode(ctx, runID, verifier, nil)
	if err != nil {
		return schema.NodeStatusFailure, err
	}
	if status != schema.NodeStatusSuccess {
		if err := c.setStatus(ctx, msg, schema.FeedbackFailed); err != nil {
			return schema.NodeStatusFailure, err
		}
		return status, nil
	}

	if err := c.setStatus(ctx, msg, schema.FeedbackResolved); err != nil {
		return schema.NodeStatusFailure, err
	}
	if err := c.emit(ctx, runID, verifier.ID, schema.EventFeedbackResolved, msg); err != nil {
		return schema.NodeStatusFailure, err
	}
	c.logger.InfoContext(ctx, "feedback resolved",
		"from", verifier.ID, "to", target.ID, "round", msg.Round)
	return schema.NodeStatusSuccess, nil
}

// escalate opens a tracker issue for an exhausted pair. Exhaustion
// outlives the run, so a human has to pick it up. Tracker failures are
// logged, never fatal.
func (c *Coordinator) escalate(ctx context.Context, msg *schema.FeedbackMessage) {
	c.logger.WarnContext(ctx, "feedback budget exhausted",
		"verifier", msg.FromNode, "target", msg.ToNode, "max_rounds", c.maxRounds)
	if _, err := c.tracker.CreateIssue(ctx, &tracker.Issue{
		RunID:  msg.RunID,
		NodeID: msg.ToNode,
		Title:  fmt.Sprintf("feedback unresolved: %s rejected %s", msg.FromNode, msg.ToNode),
		Body:   fmt.Sprintf("round budget of %d exhausted between %s and %s", c.maxRounds, msg.FromNode, msg.ToNode),
		Labels: []string{"feedback", "unresolved"},
	}); err != nil {
		c.logger.WarnContext(ctx, "escalation to tracker failed", "error", err.Error())
	}
}

func (c *Coordinator) setStatus(ctx context.Context, msg *schema.FeedbackMessage, status schema.FeedbackStatus) error {
	if err := c.store.UpdateFeedback(ctx, msg.ID, store.FeedbackUpdate{Status: &status}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"update feedback %s to %s: %s", msg.ID, status, err.Error()).WithCause(err)
	}
	msg.Status = status
	return nil
}

func (c *Coordinator) emit(ctx context.Context, runID, nodeID, eventType string, msg *schema.FeedbackMessage) error {
	payload, _ := json.Marshal(msg)
	if err := c.events.AppendEvent(ctx, &store.Event{
		RunID:   runID,
		NodeID:  nodeID,
		Type:    eventType,
		Payload: payload,
		Source:  "feedback",
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit %s: %s", eventType, err.Error()).WithCause(err)
	}
	return nil
}

func (c *Coordinator) pairLock(runID, from, to string) *sync.Mutex {
	key := runID + "|" + from + "|" + to
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.pairs[key]
	if !ok {
		lock = &sync.Mutex{}
		c.pairs[key] = lock
	}
	return lock
}

func findNode(root *schema.Node, id string) *schema.Node {
	var found *schema.Node
	root.Walk(func(n *schema.Node) bool {
		if n.ID == id {
			found = n
			return false
		}
		return found == nil
	})
	return found
}
