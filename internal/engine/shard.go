package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"candle-engine/internal/aggregate"
	"candle-engine/internal/bucket"
	"candle-engine/internal/finalizer"
	"candle-engine/internal/model"
	"candle-engine/internal/sink"
	"candle-engine/internal/watermark"
)

var errPendingTrades = errors.New("engine: buffered raw trades not yet durable")

type envelope struct {
	trade model.Trade
	ack   AckFunc
}

// Shard processes the trades of a subset of accounts. Everything except
// Stats runs on the shard goroutine.
type Shard struct {
	id     int
	engine *Engine
	in     chan envelope
	sink   Sink

	store *aggregate.Store
	wm    *watermark.Tracker
	fin   *finalizer.Finalizer
	log   *slog.Logger

	pending     []model.Trade
	pendingAcks []AckFunc

	deadline    time.Time // earliest end among non-CLOSED buckets
	hasDeadline bool

	processed, late, duplicates, emitFailures uint64

	statsMu sync.Mutex
	stats   Stats
}

func newShard(id int, e *Engine, snk Sink, loader finalizer.Loader) *Shard {
	s := &Shard{
		id:     id,
		engine: e,
		in:     make(chan envelope, e.opts.ShardBuffer),
		sink:   snk,
		store:  aggregate.NewStore(),
		wm:     watermark.New(e.opts.AllowedLateness).WithIdleAdvance(e.opts.IdleAdvance),
		log:    e.log.With("shard", id),
	}
	s.stats.Shard = id

	var ld finalizer.Loader
	if loader != nil {
		ld = &flushingLoader{shard: s, inner: loader}
	}
	forget, _ := snk.(interface{ Forget(model.BucketKey) })
	obs := e.observer
	s.fin = finalizer.New(finalizer.Policy{
		Grace:        e.opts.Grace,
		Retention:    e.opts.Retention,
		EvictOnFlush: e.opts.EvictOnFlush,
	}, snk, ld, finalizer.Hooks{
		OnFinalized:   obs.CandleFinalized,
		OnRepublished: obs.CandleRepublished,
		OnReopened:    obs.BucketReopened,
		OnEvicted: func(key model.BucketKey) {
			obs.BucketEvicted(key)
			if forget != nil {
				forget.Forget(key)
			}
		},
		OnEmitError: func(model.Candlestick, error) { s.emitFailures++ },
	}).WithLogger(s.log.With("component", "finalizer"))
	return s
}

// Run is the shard loop. On cancellation it flushes buffered raw trades and
// performs a final drain with a fresh deadline.
func (s *Shard) Run(ctx context.Context) {
	ticker := time.NewTicker(s.engine.opts.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown(ctx)
			return
		case env := <-s.in:
			s.handle(ctx, env)
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Shard) handle(ctx context.Context, env envelope) {
	t := env.trade
	wm := s.wm.Observe(t.EventTime)
	s.processed++

	fresh, dropped := false, 0
	for _, iv := range s.engine.opts.Intervals {
		key := bucket.Key(t, iv)
		d, applied, err := s.fin.Apply(ctx, s.store, t, key, wm)
		switch {
		case err != nil:
			dropped++
			s.log.Error("bucket load failed", "bucket", key.String(), "trade_id", t.ID, "decision", d.String(), "error", err)
			s.reportLate(ctx, t, key, wm, model.LateReopenFailed)
		case d == finalizer.DropBeyondGrace || d == finalizer.DropRetention:
			dropped++
			s.reportLate(ctx, t, key, wm, d.LateReason())
		default:
			// a duplicate may still have made a stored bucket resident
			fresh = fresh || applied
			if end := key.End(); !s.hasDeadline || end.Before(s.deadline) {
				s.deadline, s.hasDeadline = end, true
			}
		}
	}
	switch {
	case fresh:
		s.engine.observer.TradeAccepted(s.id)
	case dropped < len(s.engine.opts.Intervals):
		s.duplicates++
		s.engine.observer.TradeDuplicate(s.id)
	}

	// raw trades are written even when late for every interval
	s.pending = append(s.pending, t)
	s.pendingAcks = append(s.pendingAcks, env.ack)
	if len(s.pending) >= s.engine.opts.TradeBatchSize {
		s.flushTrades(ctx)
	}

	if s.hasDeadline && !wm.Before(s.deadline) {
		s.drain(ctx)
	}
}

func (s *Shard) reportLate(ctx context.Context, t model.Trade, key model.BucketKey, wm time.Time, reason model.LateReason) {
	s.late++
	s.engine.late(ctx, model.NewLateSignal(t, key, wm, reason, s.id))
}

func (s *Shard) tick(ctx context.Context, now time.Time) {
	if s.wm.Advance(now) {
		s.log.Debug("idle watermark advance", "watermark", s.wm.Current())
	}
	s.flushTrades(ctx)
	if s.hasDeadline && !s.wm.Current().Before(s.deadline) {
		s.drain(ctx)
	} else if s.wm.Started() {
		s.fin.Sweep(s.store, s.wm.Current())
	}
	s.publishStats(now)
}

// drain emits closable buckets. Raw trades go first so that a committed
// candle revision never references trades missing from the raw store.
func (s *Shard) drain(ctx context.Context) {
	if !s.flushTrades(ctx) {
		return
	}
	res := s.fin.Drain(ctx, s.store, s.wm.Current())
	s.deadline, s.hasDeadline = s.store.NextDeadline()
	if res.Emitted+res.Stale+res.Failed+res.Abandoned > 0 {
		s.log.Debug("drain", "emitted", res.Emitted, "stale", res.Stale, "failed", res.Failed,
			"abandoned", res.Abandoned, "evicted", res.Evicted, "watermark", s.wm.Current())
	}
}

// flushTrades writes the buffered raw trades. It returns false when the
// batch is still pending after a transient failure.
func (s *Shard) flushTrades(ctx context.Context) bool {
	if len(s.pending) == 0 {
		return true
	}
	err := s.sink.UpsertTrades(ctx, s.pending)
	if err != nil && !sink.IsPermanent(err) {
		// keep the batch; the next tick retries
		s.log.Warn("raw trade flush failed", "trades", len(s.pending), "error", err)
		return false
	}
	if err != nil {
		s.log.Error("raw trades rejected by storage", "trades", len(s.pending), "error", err)
	}
	for _, ack := range s.pendingAcks {
		if ack != nil {
			ack(err)
		}
	}
	s.pending = s.pending[:0]
	s.pendingAcks = s.pendingAcks[:0]
	return true
}

func (s *Shard) shutdown(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.engine.opts.ShutdownTimeout)
	defer cancel()

	// take whatever is already queued
	for len(s.in) > 0 {
		s.handle(ctx, <-s.in)
	}
	s.drain(ctx)
	s.flushTrades(ctx)
	s.publishStats(time.Now())
	s.log.Info("shard stopped", "processed", s.processed, "resident_buckets", s.store.Len(), "pending_raw", len(s.pending))
}

func (s *Shard) publishStats(now time.Time) {
	counts := s.store.CountByState()
	st := Stats{
		Shard:        s.id,
		Watermark:    s.wm.Current(),
		Lag:          s.wm.Lag(now),
		Buckets:      s.store.Len(),
		Open:         counts[model.StateOpen],
		Closing:      counts[model.StateClosing],
		Closed:       counts[model.StateClosed],
		PendingRaw:   len(s.pending),
		QueueLen:     len(s.in),
		Processed:    s.processed,
		Late:         s.late,
		Duplicates:   s.duplicates,
		EmitFailures: s.emitFailures,
	}
	s.statsMu.Lock()
	s.stats = st
	s.statsMu.Unlock()
	s.engine.observer.ShardStats(st)
}

// Stats returns the snapshot taken at the last scan tick.
func (s *Shard) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// flushingLoader writes buffered raw trades of the requested range before
// reading them back, so a reloaded bucket sees every trade already folded
// into it.
type flushingLoader struct {
	shard *Shard
	inner finalizer.Loader
}

func (l *flushingLoader) LoadAccumulatorSnapshot(ctx context.Context, key model.BucketKey) (model.Candlestick, bool, error) {
	return l.inner.LoadAccumulatorSnapshot(ctx, key)
}

func (l *flushingLoader) ListTradeIDs(ctx context.Context, account string, from, to time.Time) ([]string, error) {
	if err := l.settle(ctx, account, from, to); err != nil {
		return nil, err
	}
	return l.inner.ListTradeIDs(ctx, account, from, to)
}

func (l *flushingLoader) QueryTrades(ctx context.Context, account string, from, to time.Time) ([]model.Trade, error) {
	if err := l.settle(ctx, account, from, to); err != nil {
		return nil, err
	}
	return l.inner.QueryTrades(ctx, account, from, to)
}

func (l *flushingLoader) settle(ctx context.Context, account string, from, to time.Time) error {
	for _, t := range l.shard.pending {
		if t.AccountID == account && !t.EventTime.Before(from) && t.EventTime.Before(to) {
			if !l.shard.flushTrades(ctx) {
				return errPendingTrades
			}
			return nil
		}
	}
	return nil
}
