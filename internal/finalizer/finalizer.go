// Package finalizer drives buckets through OPEN -> CLOSING -> CLOSED as the
// watermark advances, reopens closed buckets for late trades inside the
// grace window, and evicts buckets that can no longer change.
package finalizer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"candle-engine/internal/aggregate"
	"candle-engine/internal/model"
	"candle-engine/internal/sink"
)

// Decision is the routing of one trade into one bucket.
type Decision int

const (
	// Fold: the bucket is not closable yet.
	Fold Decision = iota
	// Reopen: the bucket is closable but within its grace window.
	Reopen
	// DropBeyondGrace: the grace window has expired.
	DropBeyondGrace
	// DropRetention: the bucket is past the retention horizon.
	DropRetention
)

func (d Decision) String() string {
	switch d {
	case Fold:
		return "fold"
	case Reopen:
		return "reopen"
	case DropBeyondGrace:
		return "drop_beyond_grace"
	case DropRetention:
		return "drop_retention"
	default:
		return "unknown"
	}
}

// LateReason maps a drop decision to the reason carried by a late signal.
func (d Decision) LateReason() model.LateReason {
	if d == DropRetention {
		return model.LateRetentionExpired
	}
	return model.LateBeyondGrace
}

// Policy holds the finalization parameters.
type Policy struct {
	Grace        time.Duration
	Retention    time.Duration // 0 = unlimited
	EvictOnFlush bool
}

// Emitter commits a snapshot. applied=false means storage already held an
// equal or newer revision, which still counts as flushed.
type Emitter interface {
	UpsertCandlestick(ctx context.Context, c model.Candlestick) (applied bool, err error)
}

// Loader reloads buckets that are not resident, either evicted or written
// by an earlier process.
type Loader interface {
	model.SnapshotLoader
	model.TradeIDLister
	model.TradeReader
}

// Hooks observe bucket transitions. Any may be nil.
type Hooks struct {
	OnFinalized   func(c model.Candlestick) // first successful emission
	OnRepublished func(c model.Candlestick) // emission of a reopened bucket
	OnReopened    func(key model.BucketKey)
	OnEvicted     func(key model.BucketKey)
	OnEmitError   func(c model.Candlestick, err error)
}

// Finalizer is owned by one shard.
type Finalizer struct {
	policy  Policy
	emitter Emitter
	loader  Loader
	hooks   Hooks
	log     *slog.Logger
}

// New creates a Finalizer. loader may be nil, in which case buckets missing
// from memory always start empty.
func New(policy Policy, emitter Emitter, loader Loader, hooks Hooks) *Finalizer {
	return &Finalizer{
		policy:  policy,
		emitter: emitter,
		loader:  loader,
		hooks:   hooks,
		log:     slog.Default().With("component", "finalizer"),
	}
}

// WithLogger replaces the logger, e.g. to tag it with a shard id.
func (f *Finalizer) WithLogger(l *slog.Logger) *Finalizer {
	f.log = l
	return f
}

// Classify decides how a trade for key is handled at watermark wm.
func (f *Finalizer) Classify(key model.BucketKey, wm time.Time) Decision {
	end := key.End()
	if wm.IsZero() || wm.Before(end) {
		return Fold
	}
	if wm.Before(end.Add(f.policy.Grace)) {
		return Reopen
	}
	if f.policy.Retention > 0 && !key.Start.After(wm.Add(-f.policy.Retention)) {
		return DropRetention
	}
	return DropBeyondGrace
}

// Apply routes t into the bucket at key. It reports the decision and
// whether the trade changed the bucket (false for duplicates and drops).
// A non-nil error means the bucket could not be loaded from storage; the
// trade was not folded.
func (f *Finalizer) Apply(ctx context.Context, store *aggregate.Store, t model.Trade, key model.BucketKey, wm time.Time) (Decision, bool, error) {
	d := f.Classify(key, wm)
	switch d {
	case Fold:
		if _, ok := store.Get(key); !ok {
			acc, err := f.load(ctx, store, key)
			if err != nil {
				return d, false, err
			}
			// a stored candle of a bucket still open on this watermark
			acc.Reopen()
		}
		_, applied := store.Fold(t, key)
		return d, applied, nil

	case Reopen:
		acc, err := f.reopen(ctx, store, key)
		if err != nil {
			return d, false, err
		}
		if acc.Seen(t.ID) {
			return d, false, nil
		}
		if acc.State() == model.StateClosed {
			acc.Reopen()
			if f.hooks.OnReopened != nil {
				f.hooks.OnReopened(key)
			}
			f.log.Debug("bucket reopened", "bucket", key.String(), "trade_id", t.ID, "revision", acc.Revision())
		}
		acc.Fold(t)
		// the watermark is already past the end
		acc.MarkClosing()
		return d, true, nil
	}
	return d, false, nil
}

// reopen returns the accumulator for a closable key, reloading it from
// storage when it is not resident.
func (f *Finalizer) reopen(ctx context.Context, store *aggregate.Store, key model.BucketKey) (*aggregate.Accumulator, error) {
	if acc, ok := store.Get(key); ok {
		return acc, nil
	}
	return f.load(ctx, store, key)
}

// load rebuilds a non-resident bucket from storage and makes it resident.
// A stored candle that covers every stored raw trade is resumed CLOSED at
// its revision. Raw trades without a candle, or more of them than the candle
// counts, are refolded OPEN on top of the stored revision so the next
// emission supersedes it.
func (f *Finalizer) load(ctx context.Context, store *aggregate.Store, key model.BucketKey) (*aggregate.Accumulator, error) {
	if f.loader == nil {
		return store.GetOrCreate(key), nil
	}

	snap, found, err := f.loader.LoadAccumulatorSnapshot(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("finalizer: load snapshot %s: %w", key, err)
	}
	if found {
		ids, err := f.loader.ListTradeIDs(ctx, key.AccountID, key.Start, key.End())
		if err != nil {
			return nil, fmt.Errorf("finalizer: list trade ids %s: %w", key, err)
		}
		if int64(len(ids)) <= snap.TradeCount {
			return f.resume(store, key, snap, ids), nil
		}
	}

	trades, err := f.loader.QueryTrades(ctx, key.AccountID, key.Start, key.End())
	if err != nil {
		return nil, fmt.Errorf("finalizer: query trades %s: %w", key, err)
	}
	if found && int64(len(trades)) <= snap.TradeCount {
		ids := make([]string, len(trades))
		for i, t := range trades {
			ids[i] = t.ID
		}
		return f.resume(store, key, snap, ids), nil
	}
	var prevRev uint64
	var prevCount int64
	if found {
		prevRev, prevCount = snap.Revision, snap.TradeCount
	}
	acc := aggregate.Refold(key, trades, prevRev, prevCount)
	store.Put(acc)
	if len(trades) > 0 {
		f.log.Debug("bucket rebuilt from raw trades", "bucket", key.String(), "revision", acc.Revision(), "trades", len(trades))
	}
	return acc, nil
}

func (f *Finalizer) resume(store *aggregate.Store, key model.BucketKey, snap model.Candlestick, ids []string) *aggregate.Accumulator {
	snap.Key = key
	acc := aggregate.Resume(snap, ids)
	store.Put(acc)
	f.log.Debug("bucket reloaded from storage", "bucket", key.String(), "revision", snap.Revision, "trades", len(ids))
	return acc
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Emitted   int
	Stale     int
	Failed    int
	Abandoned int
	Evicted   int
}

// Drain closes every bucket whose end is at or before wm, emits CLOSING
// snapshots, and then sweeps evictable buckets. A transiently failed bucket
// stays CLOSING and is retried on the next drain; a permanently failed one
// is closed and reported.
func (f *Finalizer) Drain(ctx context.Context, store *aggregate.Store, wm time.Time) DrainResult {
	var res DrainResult
	if wm.IsZero() {
		return res
	}

	for _, acc := range store.Closable(wm) {
		if ctx.Err() != nil {
			break
		}
		acc.MarkClosing()
		if acc.State() != model.StateClosing {
			continue
		}
		f.emit(ctx, store, acc, &res)
	}

	res.Evicted += f.Sweep(store, wm)
	return res
}

func (f *Finalizer) emit(ctx context.Context, store *aggregate.Store, acc *aggregate.Accumulator, res *DrainResult) {
	snap := acc.Snapshot()
	snap.State = model.StateClosed
	republish := acc.FlushedRevision() > 0

	applied, err := f.emitter.UpsertCandlestick(ctx, snap)
	if err != nil {
		if f.hooks.OnEmitError != nil {
			f.hooks.OnEmitError(snap, err)
		}
		if sink.IsPermanent(err) {
			acc.MarkAbandoned()
			res.Abandoned++
			f.log.Error("candle rejected by storage, bucket closed without commit",
				"bucket", snap.Key.String(), "revision", snap.Revision, "error", err)
			return
		}
		res.Failed++
		f.log.Warn("candle emission failed, will retry", "bucket", snap.Key.String(), "revision", snap.Revision, "error", err)
		return
	}

	acc.MarkFlushed(snap.Revision)
	if !applied {
		res.Stale++
	} else {
		res.Emitted++
		if republish {
			if f.hooks.OnRepublished != nil {
				f.hooks.OnRepublished(snap)
			}
		} else if f.hooks.OnFinalized != nil {
			f.hooks.OnFinalized(snap)
		}
	}

	if f.policy.EvictOnFlush && acc.State() == model.StateClosed {
		f.evict(store, acc.Key())
		res.Evicted++
	}
}

// Sweep evicts CLOSED, flushed buckets whose grace window has expired. A
// bucket is never evicted before a successful flush.
func (f *Finalizer) Sweep(store *aggregate.Store, wm time.Time) int {
	n := 0
	store.Range(func(acc *aggregate.Accumulator) bool {
		if acc.State() != model.StateClosed || !acc.Flushed() {
			return true
		}
		if wm.Before(acc.Key().End().Add(f.policy.Grace)) {
			return true
		}
		f.evict(store, acc.Key())
		n++
		return true
	})
	return n
}

func (f *Finalizer) evict(store *aggregate.Store, key model.BucketKey) {
	store.Evict(key)
	if f.hooks.OnEvicted != nil {
		f.hooks.OnEvicted(key)
	}
}
