// Package watermark tracks event-time progress of one partition.
//
// The watermark is max(event_time seen) - allowedLateness. It never moves
// backwards: an old trade can not un-close a bucket. A bucket [start, end)
// becomes closable once watermark >= end and stays reopenable for late data
// while watermark < end + grace.
package watermark

import (
	"time"
)

// Tracker holds the watermark of one partition. Not goroutine-safe; owned
// by the shard that feeds it.
type Tracker struct {
	lateness time.Duration

	maxEvent time.Time
	current  time.Time

	// idle heartbeat
	idleAfter time.Duration
	lastObs   time.Time // processing time of the last Observe
}

// New creates a Tracker with the given allowed lateness.
func New(allowedLateness time.Duration) *Tracker {
	return &Tracker{lateness: allowedLateness}
}

// WithIdleAdvance enables the processing-time heartbeat: when no trade has
// been observed for d, Advance moves the watermark forward by the elapsed
// wall-clock time. d = 0 disables it.
func (t *Tracker) WithIdleAdvance(d time.Duration) *Tracker {
	t.idleAfter = d
	return t
}

// Observe folds an event time into the watermark and returns it.
func (t *Tracker) Observe(eventTime time.Time) time.Time {
	return t.observeAt(eventTime, time.Now())
}

func (t *Tracker) observeAt(eventTime, now time.Time) time.Time {
	t.lastObs = now
	if eventTime.After(t.maxEvent) {
		t.maxEvent = eventTime
		t.raise(eventTime.Add(-t.lateness))
	}
	return t.current
}

// Current returns the watermark. The zero time means nothing was observed.
func (t *Tracker) Current() time.Time { return t.current }

// MaxEventTime returns the largest event time observed.
func (t *Tracker) MaxEventTime() time.Time { return t.maxEvent }

// Started reports whether at least one event has been observed.
func (t *Tracker) Started() bool { return !t.maxEvent.IsZero() }

// Reset forgets all progress, used when a partition is reassigned.
func (t *Tracker) Reset() {
	t.maxEvent = time.Time{}
	t.current = time.Time{}
	t.lastObs = time.Time{}
}

// Advance applies the idle heartbeat at wall-clock now and reports whether
// the watermark moved. It is a no-op when the heartbeat is disabled, when
// nothing was ever observed, or when a trade arrived within idleAfter.
func (t *Tracker) Advance(now time.Time) bool {
	if t.idleAfter <= 0 || !t.Started() {
		return false
	}
	idle := now.Sub(t.lastObs)
	if idle < t.idleAfter {
		return false
	}
	t.lastObs = now
	// treat the silence as if time had passed in the event stream too
	t.maxEvent = t.maxEvent.Add(idle)
	return t.raise(t.maxEvent.Add(-t.lateness))
}

// Closable reports whether a bucket ending at end may be finalized.
func (t *Tracker) Closable(end time.Time) bool {
	return t.Started() && !t.current.Before(end)
}

// InGrace reports whether a closed bucket ending at end still accepts late
// trades.
func (t *Tracker) InGrace(end time.Time, grace time.Duration) bool {
	return t.current.Before(end.Add(grace))
}

// Lag returns how far the watermark trails now.
func (t *Tracker) Lag(now time.Time) time.Duration {
	if !t.Started() {
		return 0
	}
	return now.Sub(t.current)
}

func (t *Tracker) raise(wm time.Time) bool {
	if wm.After(t.current) {
		t.current = wm
		return true
	}
	return false
}
