// Package engine runs the aggregation pipeline: trades are routed by
// account hash to a fixed set of shards, each a single goroutine owning its
// own watermark, accumulators and finalizer. Shards share nothing but the
// storage sink.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sourcegraph/conc"

	"candle-engine/config"
	"candle-engine/internal/decoder"
	"candle-engine/internal/finalizer"
	"candle-engine/internal/model"
)

// ErrStopped is returned by Submit once the engine has shut down.
var ErrStopped = errors.New("engine: stopped")

// Sink is the write side used by shards.
type Sink interface {
	model.TradeWriter
	model.CandleWriter
}

// Monitor receives data-quality signals: rejected input and trades kept
// out of a candle because they arrived too late.
type Monitor interface {
	OnReject(ctx context.Context, sig model.RejectSignal)
	OnLate(ctx context.Context, sig model.LateSignal)
}

// AckFunc is called once the trade's raw record is durable (err == nil) or
// was permanently rejected by storage.
type AckFunc func(err error)

// Options configure the engine.
type Options struct {
	Shards          int
	ShardBuffer     int
	Intervals       []model.Interval
	AllowedLateness time.Duration
	Grace           time.Duration
	Retention       time.Duration
	IdleAdvance     time.Duration
	ScanInterval    time.Duration
	TradeBatchSize  int
	EvictOnFlush    bool
	ShutdownTimeout time.Duration
	// MaxFutureSkew rejects trades dated further ahead of the wall clock.
	// 0 disables the check.
	MaxFutureSkew time.Duration
}

// OptionsFromConfig maps the engine section of the config.
func OptionsFromConfig(c config.EngineConfig) Options {
	return Options{
		Shards:          c.Shards,
		ShardBuffer:     c.ShardBuffer,
		Intervals:       c.Intervals,
		AllowedLateness: c.AllowedLateness,
		Grace:           c.GraceWindow,
		Retention:       c.Retention,
		IdleAdvance:     c.IdleAdvance,
		ScanInterval:    c.ScanInterval,
		TradeBatchSize:  c.TradeBatchSize,
		EvictOnFlush:    c.EvictOnFlush,
		MaxFutureSkew:   c.MaxFutureSkew,
	}
}

func (o *Options) defaults() {
	if o.Shards <= 0 {
		o.Shards = 1
	}
	if o.ShardBuffer <= 0 {
		o.ShardBuffer = 1024
	}
	if len(o.Intervals) == 0 {
		o.Intervals = model.DefaultIntervals
	}
	if o.ScanInterval <= 0 {
		o.ScanInterval = time.Second
	}
	if o.TradeBatchSize <= 0 {
		o.TradeBatchSize = 256
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
}

// Engine owns the shards.
type Engine struct {
	opts     Options
	shards   []*Shard
	monitors []Monitor
	observer Observer
	log      *slog.Logger
	done     chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithMonitor adds a data-quality monitor. May be given several times.
func WithMonitor(m Monitor) Option {
	return func(e *Engine) { e.monitors = append(e.monitors, m) }
}

// WithObserver installs the metrics observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// New builds an engine writing through sink. loader reloads evicted
// buckets for late corrections; it may be nil.
func New(opts Options, sink Sink, loader finalizer.Loader, options ...Option) *Engine {
	opts.defaults()
	e := &Engine{
		opts:     opts,
		observer: NopObserver{},
		log:      slog.Default().With("component", "engine"),
		done:     make(chan struct{}),
	}
	for _, o := range options {
		o(e)
	}
	e.shards = make([]*Shard, opts.Shards)
	for i := range e.shards {
		e.shards[i] = newShard(i, e, sink, loader)
	}
	return e
}

// Run starts every shard and blocks until ctx is cancelled and all shards
// have flushed and drained.
func (e *Engine) Run(ctx context.Context) {
	e.log.Info("engine starting", "shards", len(e.shards), "intervals", fmt.Sprint(e.opts.Intervals),
		"allowed_lateness", e.opts.AllowedLateness.String(), "grace", e.opts.Grace.String())

	var wg conc.WaitGroup
	for _, s := range e.shards {
		wg.Go(func() { s.Run(ctx) })
	}
	wg.Wait()
	close(e.done)
	e.log.Info("engine stopped")
}

// Done is closed after Run returned.
func (e *Engine) Done() <-chan struct{} { return e.done }

// ShardFor returns the shard index of an account.
func (e *Engine) ShardFor(account string) int {
	return int(xxhash.Sum64String(account) % uint64(len(e.shards)))
}

// Submit routes a decoded trade to its shard. It blocks while the shard's
// queue is full. ack may be nil. A trade dated beyond MaxFutureSkew is
// reported and returned as decoder.ErrMalformed.
func (e *Engine) Submit(ctx context.Context, t model.Trade, ack AckFunc) error {
	select {
	case <-e.done:
		return ErrStopped
	default:
	}
	if err := e.checkSkew(t); err != nil {
		e.Reject(ctx, fmt.Appendf(nil, `{"ID":%q,"Accountid":%q,"Transtime":%q}`,
			t.ID, t.AccountID, t.EventTime.Format(time.RFC3339Nano)), err)
		return err
	}
	s := e.shards[e.ShardFor(t.AccountID)]
	select {
	case s.in <- envelope{trade: t, ack: ack}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
}

// checkSkew keeps a trade dated far in the future from dragging the shard's
// watermark past every live bucket.
func (e *Engine) checkSkew(t model.Trade) error {
	if e.opts.MaxFutureSkew <= 0 {
		return nil
	}
	if limit := time.Now().Add(e.opts.MaxFutureSkew); t.EventTime.After(limit) {
		return &decoder.FieldError{Field: "Transtime", Reason: fmt.Sprintf("more than %s ahead of the wall clock", e.opts.MaxFutureSkew)}
	}
	return nil
}

// SubmitRaw decodes one JSON record and submits it. Malformed input is
// reported to monitors and returned as an error wrapping
// decoder.ErrMalformed; it never reaches a shard.
func (e *Engine) SubmitRaw(ctx context.Context, payload []byte, ack AckFunc) error {
	t, err := decoder.Decode(payload)
	if err != nil {
		e.Reject(ctx, payload, err)
		return err
	}
	return e.Submit(ctx, t, ack)
}

// Reject reports a record that failed decoding.
func (e *Engine) Reject(ctx context.Context, payload []byte, err error) {
	sig := model.RejectSignal{
		Reason:  decoder.Reason(err),
		Err:     err.Error(),
		Excerpt: decoder.Excerpt(payload),
		At:      time.Now().UTC(),
	}
	e.log.Warn("trade rejected", "reason", sig.Reason, "error", sig.Err, "excerpt", sig.Excerpt)
	e.observer.TradeRejected(sig.Reason)
	for _, m := range e.monitors {
		m.OnReject(ctx, sig)
	}
}

func (e *Engine) late(ctx context.Context, sig model.LateSignal) {
	e.log.Warn("late trade kept out of candle",
		"trade_id", sig.Trade.ID, "bucket", sig.Bucket.String(), "reason", string(sig.Reason),
		"watermark", sig.Watermark, "shard", sig.Shard)
	e.observer.TradeLate(sig)
	for _, m := range e.monitors {
		m.OnLate(ctx, sig)
	}
}

// Stats returns a snapshot of every shard.
func (e *Engine) Stats() []Stats {
	out := make([]Stats, len(e.shards))
	for i, s := range e.shards {
		out[i] = s.Stats()
	}
	return out
}
