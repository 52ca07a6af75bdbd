// Package aggregate holds the in-flight OHLC state of one shard: a map from
// (account, interval, bucket start) to a mutable accumulator. It is
// single-goroutine by contract; the shard that owns a Store is the only
// caller, so nothing here takes a lock.
package aggregate

import (
	"time"

	"github.com/shopspring/decimal"

	"candle-engine/internal/model"
)

// Accumulator is the mutable OHLC state of one bucket.
type Accumulator struct {
	key model.BucketKey

	open, high, low, close decimal.Decimal
	volume                 decimal.Decimal
	count                  int64
	firstSeen, lastSeen    time.Time
	openRef, closeRef      model.TradeRef

	revision uint64
	state    model.BucketState

	// flushedRev is the revision last confirmed by the sink; zero if the
	// bucket was never flushed.
	flushedRev uint64

	// seen holds the ids folded into this bucket so that redelivered
	// trades are not counted twice.
	seen map[string]struct{}
}

// NewAccumulator returns an empty OPEN accumulator for key.
func NewAccumulator(key model.BucketKey) *Accumulator {
	return &Accumulator{
		key:   key,
		state: model.StateOpen,
		seen:  make(map[string]struct{}),
	}
}

// Resume rebuilds an accumulator from a stored snapshot. seenIDs seeds the
// duplicate filter; pass the ids of the bucket's stored raw trades.
// The resumed accumulator is CLOSED and already flushed at snap.Revision.
func Resume(snap model.Candlestick, seenIDs []string) *Accumulator {
	a := &Accumulator{
		key:        snap.Key,
		open:       snap.Open,
		high:       snap.High,
		low:        snap.Low,
		close:      snap.Close,
		volume:     snap.Volume,
		count:      snap.TradeCount,
		firstSeen:  snap.FirstSeen,
		lastSeen:   snap.LastSeen,
		openRef:    snap.OpenRef,
		closeRef:   snap.CloseRef,
		revision:   snap.Revision,
		state:      model.StateClosed,
		flushedRev: snap.Revision,
		seen:       make(map[string]struct{}, len(seenIDs)),
	}
	for _, id := range seenIDs {
		a.seen[id] = struct{}{}
	}
	return a
}

// Refold rebuilds an OPEN accumulator from stored raw trades. prevRev and
// prevCount describe the candle already written for the bucket, if any; the
// revision continues past prevRev so the next emission supersedes it.
// Nothing counts as flushed.
func Refold(key model.BucketKey, trades []model.Trade, prevRev uint64, prevCount int64) *Accumulator {
	a := NewAccumulator(key)
	for _, t := range trades {
		a.Fold(t)
	}
	if prevRev > 0 && a.count > 0 {
		extra := a.count - prevCount
		if extra < 1 {
			extra = 1
		}
		a.revision = prevRev + uint64(extra)
	}
	return a
}

// Key returns the bucket key.
func (a *Accumulator) Key() model.BucketKey { return a.key }

// State returns the finalization state.
func (a *Accumulator) State() model.BucketState { return a.state }

// Revision returns the current revision.
func (a *Accumulator) Revision() uint64 { return a.revision }

// Len returns the number of trades folded in.
func (a *Accumulator) Len() int64 { return a.count }

// Flushed reports whether the current revision has been written.
func (a *Accumulator) Flushed() bool {
	return a.flushedRev != 0 && a.flushedRev >= a.revision
}

// Seen reports whether the trade id was already folded into this bucket.
func (a *Accumulator) Seen(id string) bool {
	_, ok := a.seen[id]
	return ok
}

// Fold applies one trade. It returns false, leaving the accumulator
// untouched, when the trade id was already folded. Open and close follow
// event-time order (ties by id), never arrival order.
func (a *Accumulator) Fold(t model.Trade) bool {
	if _, dup := a.seen[t.ID]; dup {
		return false
	}
	a.seen[t.ID] = struct{}{}

	ref := model.TradeRef{ID: t.ID, EventTime: t.EventTime}
	if a.count == 0 {
		a.open, a.high, a.low, a.close = t.Amount, t.Amount, t.Amount, t.Amount
		a.volume = t.TrxAmount
		a.firstSeen, a.lastSeen = t.EventTime, t.EventTime
		a.openRef, a.closeRef = ref, ref
	} else {
		if ref.Before(a.openRef) {
			a.open = t.Amount
			a.openRef = ref
		}
		if a.closeRef.Before(ref) {
			a.close = t.Amount
			a.closeRef = ref
		}
		if t.Amount.GreaterThan(a.high) {
			a.high = t.Amount
		}
		if t.Amount.LessThan(a.low) {
			a.low = t.Amount
		}
		a.volume = a.volume.Add(t.TrxAmount)
		if t.EventTime.Before(a.firstSeen) {
			a.firstSeen = t.EventTime
		}
		if t.EventTime.After(a.lastSeen) {
			a.lastSeen = t.EventTime
		}
	}
	a.count++
	a.revision++
	return true
}

// Snapshot returns an immutable copy of the current state.
func (a *Accumulator) Snapshot() model.Candlestick {
	return model.Candlestick{
		Key:        a.key,
		Open:       a.open,
		High:       a.high,
		Low:        a.low,
		Close:      a.close,
		Volume:     a.volume,
		TradeCount: a.count,
		FirstSeen:  a.firstSeen,
		LastSeen:   a.lastSeen,
		OpenRef:    a.openRef,
		CloseRef:   a.closeRef,
		Revision:   a.revision,
		State:      a.state,
	}
}

// MarkClosing moves an OPEN (or reopened) bucket to CLOSING.
func (a *Accumulator) MarkClosing() {
	if a.state == model.StateOpen {
		a.state = model.StateClosing
	}
}

// MarkFlushed records a successful emission of rev. The bucket becomes
// CLOSED only if nothing was folded after that snapshot was taken.
func (a *Accumulator) MarkFlushed(rev uint64) {
	if rev > a.flushedRev {
		a.flushedRev = rev
	}
	if a.state == model.StateClosing && a.flushedRev >= a.revision {
		a.state = model.StateClosed
	}
}

// MarkAbandoned closes a bucket whose emission failed permanently so it can
// be evicted; the failure itself is reported by the caller.
func (a *Accumulator) MarkAbandoned() {
	a.state = model.StateClosed
	a.flushedRev = a.revision
}

// Reopen moves a CLOSED bucket back to OPEN so a late trade can be folded.
func (a *Accumulator) Reopen() {
	if a.state == model.StateClosed {
		a.state = model.StateOpen
	}
}

// FlushedRevision returns the last revision confirmed by the sink, 0 if none.
func (a *Accumulator) FlushedRevision() uint64 { return a.flushedRev }
