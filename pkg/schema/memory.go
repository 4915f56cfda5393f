package schema

import "time"

// MemoryTier separates run-scoped expiring facts from permanent ones.
type MemoryTier string

const (
	TierSession MemoryTier = "session"
	TierDurable MemoryTier = "durable"
)

// Confidence qualifies how a fact was produced.
type Confidence string

const (
	ConfidenceVerified Confidence = "verified"
	ConfidenceInferred Confidence = "inferred"
)

// MemoryRecord is one immutable fact in working memory. For a given
// (key, tier) the record with the latest non-expired timestamp is
// authoritative; expiry is a pure filter applied at read time.
type MemoryRecord struct {
	Key        string     `json:"key"`
	Value      any        `json:"value"`
	Source     string     `json:"source"`
	Confidence Confidence `json:"confidence,omitempty"`
	Tier       MemoryTier `json:"tier"`
	RunID      string     `json:"run_id,omitempty"`      // session tier only
	TTLSeconds int64      `json:"ttl_seconds,omitempty"` // session tier only
	Timestamp  time.Time  `json:"timestamp"`
}

// Expired reports whether a session-tier record's TTL has elapsed at now.
// Durable records never expire.
func (r *MemoryRecord) Expired(now time.Time) bool {
	if r.Tier != TierSession || r.TTLSeconds <= 0 {
		return false
	}
	return now.After(r.Timestamp.Add(time.Duration(r.TTLSeconds) * time.Second))
}
