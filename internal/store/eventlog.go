package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arbornet/arbor/pkg/schema"
)

// EventLog provides execution-state-log operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// NodeCompletePayload is the payload recorded on node_complete events.
// Replay uses it to restore the node's terminal status.
type NodeCompletePayload struct {
	Status schema.NodeStatus `json:"status"`
	Reason string            `json:"reason,omitempty"`
	Output json.RawMessage   `json:"output,omitempty"`
	Error  json.RawMessage   `json:"error,omitempty"`
}

// AppendEvent appends an event with a monotonically increasing per-run sequence.
// Uses an immediate write lock to ensure sequence correctness under concurrency.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	// In WAL mode, BeginTx alone may start a deferred transaction where
	// concurrent writers could interleave sequence reads and writes. We
	// force write-lock acquisition with a write-intent statement before
	// reading the current sequence.
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload := nullRaw(event.Payload)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, node_id, event_type, payload, source, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.NodeID), event.Type, payload, nullStr(event.Source), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// ReplayEvents folds the run's full event log into per-node states.
// Replay is deterministic: the same log always yields the same states.
// Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, runID string) (map[string]*NodeState, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	if len(events) == 0 {
		return make(map[string]*NodeState), nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	states := make(map[string]*NodeState)

	for _, e := range events {
		if e.NodeID == "" {
			continue
		}

		ns, ok := states[e.NodeID]
		if !ok {
			ns = &NodeState{
				RunID:  runID,
				NodeID: e.NodeID,
				Status: schema.NodeStatusPending,
			}
			states[e.NodeID] = ns
		}

		switch e.Type {
		case schema.EventNodeStart:
			ns.Status = schema.NodeStatusRunning
			ts := e.Timestamp
			ns.StartedAt = &ts

		case schema.EventNodeComplete:
			var p NodeCompletePayload
			if len(e.Payload) > 0 {
				_ = json.Unmarshal(e.Payload, &p)
			}
			if p.Status == "" {
				p.Status = schema.NodeStatusSuccess
			}
			ns.Status = p.Status
			ns.Reason = p.Reason
			ns.Output = p.Output
			ns.Error = p.Error
			ts := e.Timestamp
			ns.CompletedAt = &ts
			if ns.StartedAt != nil {
				ns.DurationMs = ts.Sub(*ns.StartedAt).Milliseconds()
			}

		case schema.EventNodeSkipped:
			ns.Status = schema.NodeStatusSkipped

		case schema.EventLoopIteration:
			ns.Iterations++

		case schema.EventConditionalEval, schema.EventLoopExit,
			schema.EventMemoryWrite,
			schema.EventFeedbackSent, schema.EventFeedbackDelivered,
			schema.EventFeedbackResolved, schema.EventFeedbackFailed:
			// Advisory events; node status changes arrive via node_complete.
		}
	}

	return states, nil
}
