package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Interval is one of the fixed candlestick lengths. Bucket boundaries are
// aligned to the Unix epoch, not to the first trade seen.
type Interval string

const (
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// DefaultIntervals is the interval set used when none is configured.
var DefaultIntervals = []Interval{Interval30m, Interval1h, Interval4h, Interval1d}

var intervalDurations = map[Interval]time.Duration{
	Interval30m: 30 * time.Minute,
	Interval1h:  time.Hour,
	Interval4h:  4 * time.Hour,
	Interval1d:  24 * time.Hour,
}

// ParseInterval accepts the canonical names plus a few common spellings
// ("30min", "60m", "240m", "24h", "1D").
func ParseInterval(s string) (Interval, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	switch norm {
	case "30m", "30min":
		return Interval30m, nil
	case "1h", "60m", "60min":
		return Interval1h, nil
	case "4h", "240m", "240min":
		return Interval4h, nil
	case "1d", "24h", "day":
		return Interval1d, nil
	}
	return "", fmt.Errorf("unknown interval %q", s)
}

// Duration returns the bucket length. Unknown intervals return 0.
func (i Interval) Duration() time.Duration {
	return intervalDurations[i]
}

// Valid reports whether i is one of the supported intervals.
func (i Interval) Valid() bool {
	_, ok := intervalDurations[i]
	return ok
}

func (i Interval) String() string { return string(i) }

// UnmarshalText lets intervals be decoded from config files.
func (i *Interval) UnmarshalText(b []byte) error {
	parsed, err := ParseInterval(string(b))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// BucketKey uniquely identifies one candlestick.
type BucketKey struct {
	AccountID string    `json:"account_id"`
	Interval  Interval  `json:"interval"`
	Start     time.Time `json:"interval_start"` // UTC, interval-aligned
}

// End returns the exclusive end of the bucket.
func (k BucketKey) End() time.Time {
	return k.Start.Add(k.Interval.Duration())
}

// Contains reports whether t falls in [Start, End).
func (k BucketKey) Contains(t time.Time) bool {
	return !t.Before(k.Start) && t.Before(k.End())
}

// String returns "account:interval:unix", used for map and Redis keys.
func (k BucketKey) String() string {
	return k.AccountID + ":" + string(k.Interval) + ":" + strconv.FormatInt(k.Start.Unix(), 10)
}
