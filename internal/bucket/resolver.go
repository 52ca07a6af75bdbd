// Package bucket maps trade event times to epoch-aligned interval
// boundaries, so every consumer derives identical buckets regardless of
// when its stream started.
package bucket

import (
	"time"

	"candle-engine/internal/model"
)

// Start returns the start of the bucket of length d containing t:
// floor(t / d) * d, measured from the Unix epoch. Floored division keeps
// pre-1970 instants in the right bucket.
func Start(t time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return t.UTC()
	}
	ns := t.UnixNano()
	step := int64(d)
	rem := ns % step
	if rem < 0 {
		rem += step
	}
	return time.Unix(0, ns-rem).UTC()
}

// Resolve returns the interval start for t.
func Resolve(t time.Time, iv model.Interval) time.Time {
	return Start(t, iv.Duration())
}

// Key returns the BucketKey the trade falls into for iv.
func Key(tr model.Trade, iv model.Interval) model.BucketKey {
	return model.BucketKey{
		AccountID: tr.AccountID,
		Interval:  iv,
		Start:     Resolve(tr.EventTime, iv),
	}
}

// Keys resolves the trade against every interval, in order.
func Keys(tr model.Trade, ivs []model.Interval) []model.BucketKey {
	keys := make([]model.BucketKey, len(ivs))
	for i, iv := range ivs {
		keys[i] = Key(tr, iv)
	}
	return keys
}
