package model

import (
	"time"

	"github.com/google/uuid"
)

// LateReason explains why a trade was kept out of a historical candlestick.
type LateReason string

const (
	// LateBeyondGrace: the bucket's grace window had already expired.
	LateBeyondGrace LateReason = "beyond_grace"
	// LateRetentionExpired: the bucket is older than the raw-trade retention
	// horizon and is permanently closed.
	LateRetentionExpired LateReason = "retention_expired"
	// LateReopenFailed: the bucket could not be loaded from storage, so the
	// trade was not folded.
	LateReopenFailed LateReason = "reopen_failed"
)

// LateSignal is the "late-dropped-from-aggregate" record. The trade itself
// is still written to the raw trade store.
type LateSignal struct {
	ID        string     `json:"id"`
	Trade     Trade      `json:"trade"`
	Bucket    BucketKey  `json:"bucket"`
	Watermark time.Time  `json:"watermark"`
	Reason    LateReason `json:"reason"`
	Shard     int        `json:"shard"`
}

// NewLateSignal stamps a signal with a random id for downstream dedup.
func NewLateSignal(t Trade, key BucketKey, wm time.Time, reason LateReason, shard int) LateSignal {
	return LateSignal{
		ID:        uuid.NewString(),
		Trade:     t,
		Bucket:    key,
		Watermark: wm,
		Reason:    reason,
		Shard:     shard,
	}
}

// RejectSignal describes a raw record the decoder refused.
type RejectSignal struct {
	Reason  string    `json:"reason"` // field or category, e.g. "Amount", "json"
	Err     string    `json:"error"`
	Excerpt string    `json:"excerpt"` // truncated raw payload
	At      time.Time `json:"at"`
}
