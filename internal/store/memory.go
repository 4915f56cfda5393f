package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/arbornet/arbor/pkg/schema"
)

// WorkingMemory is the tiered fact store the interpreter reads conditions
// against. Writes are append-only: a new record per write, never an update.
// Reads resolve the latest non-expired record per key, session tier
// shadowing durable.
type WorkingMemory struct {
	store      Store
	events     *EventLog
	defaultTTL int64
	now        func() time.Time
}

// MemoryOption configures a WorkingMemory.
type MemoryOption func(*WorkingMemory)

// WithDefaultSessionTTL sets the TTL applied to session-tier writes that
// carry none of their own.
func WithDefaultSessionTTL(seconds int64) MemoryOption {
	return func(wm *WorkingMemory) { wm.defaultTTL = seconds }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(wm *WorkingMemory) { wm.now = now }
}

// NewWorkingMemory creates a WorkingMemory over the store. The event log
// is optional; when present every write also lands in the run's state log.
func NewWorkingMemory(s Store, events *EventLog, opts ...MemoryOption) *WorkingMemory {
	wm := &WorkingMemory{
		store:      s,
		events:     events,
		defaultTTL: 3600,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(wm)
	}
	return wm
}

// Write appends a fact. Session-tier records require a run ID and get the
// default TTL when none is set; durable records carry neither.
func (wm *WorkingMemory) Write(ctx context.Context, rec *schema.MemoryRecord) error {
	if rec.Key == "" {
		return schema.NewError(schema.ErrCodeValidation, "memory key is empty")
	}
	switch rec.Tier {
	case schema.TierSession:
		if rec.RunID == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"session-tier write for %q requires a run_id", rec.Key)
		}
		if rec.TTLSeconds == 0 {
			rec.TTLSeconds = wm.defaultTTL
		}
	case schema.TierDurable:
		rec.RunID = ""
		rec.TTLSeconds = 0
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"unknown memory tier %q for key %q", rec.Tier, rec.Key)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = wm.now()
	}

	if err := wm.store.AppendMemory(ctx, rec); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append memory %q: %s", rec.Key, err.Error()).WithCause(err)
	}

	if wm.events != nil && rec.RunID != "" {
		payload, err := json.Marshal(rec)
		if err == nil {
			_ = wm.events.AppendEvent(ctx, &Event{
				RunID:     rec.RunID,
				Type:      schema.EventMemoryWrite,
				Payload:   payload,
				Source:    rec.Source,
				Timestamp: rec.Timestamp,
			})
		}
	}
	return nil
}

// Read resolves a single key for a run: latest non-expired session record
// first, then latest durable.
func (wm *WorkingMemory) Read(ctx context.Context, runID, key string) (any, bool, error) {
	records, err := wm.store.ListMemory(ctx, MemoryFilter{RunID: runID, Key: key})
	if err != nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeStore, "read memory %q: %s", key, err.Error()).WithCause(err)
	}
	now := wm.now()

	var sessionVal, durableVal any
	var haveSession, haveDurable bool
	for _, rec := range records {
		if rec.Expired(now) {
			continue
		}
		// Records arrive in timestamp order; the last one per tier wins.
		switch rec.Tier {
		case schema.TierSession:
			if rec.RunID == runID {
				sessionVal, haveSession = rec.Value, true
			}
		case schema.TierDurable:
			durableVal, haveDurable = rec.Value, true
		}
	}
	if haveSession {
		return sessionVal, true, nil
	}
	if haveDurable {
		return durableVal, true, nil
	}
	return nil, false, nil
}

// ReadTier resolves a single key within one tier, skipping the session-
// shadows-durable merge. Expiry applies the same as in Read.
func (wm *WorkingMemory) ReadTier(ctx context.Context, runID, key string, tier schema.MemoryTier) (any, bool, error) {
	if tier != schema.TierSession && tier != schema.TierDurable {
		return nil, false, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown memory tier %q for key %q", tier, key)
	}
	filter := MemoryFilter{Key: key, Tier: &tier}
	if tier == schema.TierSession {
		filter.RunID = runID
	}
	records, err := wm.store.ListMemory(ctx, filter)
	if err != nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeStore, "read memory %q: %s", key, err.Error()).WithCause(err)
	}
	now := wm.now()

	var val any
	var have bool
	for _, rec := range records {
		if rec.Expired(now) {
			continue
		}
		if tier == schema.TierSession && rec.RunID != runID {
			continue
		}
		val, have = rec.Value, true
	}
	return val, have, nil
}

// Snapshot materializes the merged view of working memory for a run:
// durable facts overlaid by the run's non-expired session facts. The
// snapshot is a plain map; condition evaluation over it is pure.
func (wm *WorkingMemory) Snapshot(ctx context.Context, runID string) (map[string]any, error) {
	records, err := wm.store.ListMemory(ctx, MemoryFilter{RunID: runID})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "snapshot memory: %s", err.Error()).WithCause(err)
	}
	now := wm.now()

	durable := make(map[string]any)
	session := make(map[string]any)
	for _, rec := range records {
		if rec.Expired(now) {
			continue
		}
		switch rec.Tier {
		case schema.TierSession:
			if rec.RunID == runID {
				session[rec.Key] = rec.Value
			}
		case schema.TierDurable:
			durable[rec.Key] = rec.Value
		}
	}

	snap := make(map[string]any, len(durable)+len(session))
	for k, v := range durable {
		snap[k] = v
	}
	for k, v := range session {
		snap[k] = v
	}
	return snap, nil
}

// History returns every record for a key in write order, expired included.
// The append-only log is the audit trail; reads filter, they never delete.
func (wm *WorkingMemory) History(ctx context.Context, runID, key string) ([]*schema.MemoryRecord, error) {
	return wm.store.ListMemory(ctx, MemoryFilter{RunID: runID, Key: key})
}

// Sweep physically removes expired session records. Purely an economy
// measure: reads are correct without it.
func (wm *WorkingMemory) Sweep(ctx context.Context) (int64, error) {
	return wm.store.DeleteExpiredMemory(ctx, wm.now())
}
