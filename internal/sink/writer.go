// Package sink writes finalized candlesticks and raw trades to durable
// storage. Candle writes are revision-guarded, so replays and retries are
// idempotent: a revision at or below the last applied one is a no-op.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"candle-engine/internal/model"
	"candle-engine/internal/notification"
)

// Store is the storage surface the writer needs.
type Store interface {
	model.TradeWriter
	model.CandleWriter
	model.RevisionReader
}

// Publisher receives every candle revision after it was committed, e.g. the
// Redis hot tier. Publish failures are logged and never fail the write.
type Publisher interface {
	PublishCandle(ctx context.Context, c model.Candlestick) error
}

// Publishers fans out to several publishers; every one is called even when
// an earlier one fails.
type Publishers []Publisher

// PublishCandle implements Publisher.
func (ps Publishers) PublishCandle(ctx context.Context, c model.Candlestick) error {
	var errs []error
	for _, p := range ps {
		if err := p.PublishCandle(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Options tune retries and the breaker.
type Options struct {
	WriteTimeout    time.Duration // per attempt
	MaxRetryElapsed time.Duration // cap on total retry time
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BreakerFailures int
	BreakerReset    time.Duration
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{
		WriteTimeout:    5 * time.Second,
		MaxRetryElapsed: 2 * time.Minute,
		InitialBackoff:  100 * time.Millisecond,
		MaxBackoff:      10 * time.Second,
		BreakerFailures: 5,
		BreakerReset:    10 * time.Second,
	}
}

// Hooks observe writer activity, typically for metrics. Any may be nil.
type Hooks struct {
	OnRetry         func(op string, err error)
	OnStale         func(c model.Candlestick)
	OnWrite         func(op string, d time.Duration, err error)
	OnBreakerChange func(from, to BreakerState)
}

// Writer is safe for concurrent use by all shards.
type Writer struct {
	store     Store
	opts      Options
	breaker   *Breaker
	notifier  notification.Notifier
	publisher Publisher
	hooks     Hooks
	log       *slog.Logger

	mu     sync.Mutex
	ledger map[model.BucketKey]uint64
}

// Option configures a Writer.
type Option func(*Writer)

// WithNotifier sets the escalation target for exhausted or permanent
// failures.
func WithNotifier(n notification.Notifier) Option {
	return func(w *Writer) { w.notifier = n }
}

// WithPublisher fans committed candles out to p.
func WithPublisher(p Publisher) Option {
	return func(w *Writer) { w.publisher = p }
}

// WithHooks installs observation hooks.
func WithHooks(h Hooks) Option {
	return func(w *Writer) { w.hooks = h }
}

// NewWriter wraps store with retries, a breaker and the revision ledger.
func NewWriter(store Store, opts Options, options ...Option) *Writer {
	def := DefaultOptions()
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.MaxRetryElapsed <= 0 {
		opts.MaxRetryElapsed = def.MaxRetryElapsed
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}

	w := &Writer{
		store:    store,
		opts:     opts,
		breaker:  NewBreaker(opts.BreakerFailures, opts.BreakerReset),
		notifier: notification.Nop{},
		log:      slog.Default().With("component", "sink"),
		ledger:   make(map[model.BucketKey]uint64),
	}
	for _, o := range options {
		o(w)
	}
	w.breaker.OnStateChange = func(from, to BreakerState) {
		w.log.Warn("storage breaker state change", "from", from.String(), "to", to.String())
		if w.hooks.OnBreakerChange != nil {
			w.hooks.OnBreakerChange(from, to)
		}
	}
	return w
}

// BreakerState exposes the breaker for health checks.
func (w *Writer) BreakerState() BreakerState { return w.breaker.State() }

// UpsertCandlestick commits c unless a revision >= c.Revision is already
// stored. It returns applied=false for such no-ops. On error the caller
// keeps its state and retries later.
func (w *Writer) UpsertCandlestick(ctx context.Context, c model.Candlestick) (bool, error) {
	if err := w.admit(ctx, c); err != nil {
		if errors.Is(err, ErrStaleRevision) {
			w.stale(c)
			return false, nil
		}
		return false, err
	}

	var applied bool
	err := w.retry(ctx, "upsert_candle", func(ctx context.Context) error {
		var err error
		applied, err = w.store.UpsertCandlestick(ctx, c)
		return err
	})
	if err != nil {
		w.escalate(ctx, "candle write failed", fmt.Sprintf("bucket %s rev %d: %v", c.Key, c.Revision, err), err)
		return false, fmt.Errorf("sink: upsert %s: %w", c.Key, err)
	}

	// storage may hold a newer revision than the ledger knew about; in both
	// cases it now holds at least c.Revision
	w.record(c.Key, c.Revision)
	if !applied {
		w.stale(c)
		return false, nil
	}

	if w.publisher != nil {
		if err := w.publisher.PublishCandle(ctx, c); err != nil {
			w.log.Warn("publish candle failed", "bucket", c.Key.String(), "revision", c.Revision, "error", err)
		}
	}
	return true, nil
}

// UpsertTrades writes raw trades under the same retry policy.
func (w *Writer) UpsertTrades(ctx context.Context, trades []model.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	err := w.retry(ctx, "upsert_trades", func(ctx context.Context) error {
		return w.store.UpsertTrades(ctx, trades)
	})
	if err != nil {
		w.escalate(ctx, "trade write failed", fmt.Sprintf("%d trades: %v", len(trades), err), err)
		return fmt.Errorf("sink: upsert %d trades: %w", len(trades), err)
	}
	return nil
}

// LastRevision returns the ledger entry for key, if any.
func (w *Writer) LastRevision(key model.BucketKey) (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rev, ok := w.ledger[key]
	return rev, ok
}

// Forget drops the ledger entry of an evicted bucket. A later write reseeds
// it from storage.
func (w *Writer) Forget(key model.BucketKey) {
	w.mu.Lock()
	delete(w.ledger, key)
	w.mu.Unlock()
}

// admit consults the ledger, seeding it from storage on a miss.
func (w *Writer) admit(ctx context.Context, c model.Candlestick) error {
	last, ok := w.LastRevision(c.Key)
	if !ok {
		var found bool
		err := w.retry(ctx, "get_revision", func(ctx context.Context) error {
			var err error
			last, found, err = w.store.GetLastRevision(ctx, c.Key)
			return err
		})
		if err != nil {
			return fmt.Errorf("sink: revision lookup %s: %w", c.Key, err)
		}
		if found {
			w.record(c.Key, last)
		}
		ok = found
	}
	if ok && c.Revision <= last {
		return ErrStaleRevision
	}
	return nil
}

func (w *Writer) record(key model.BucketKey, rev uint64) {
	w.mu.Lock()
	if rev > w.ledger[key] {
		w.ledger[key] = rev
	}
	w.mu.Unlock()
}

func (w *Writer) stale(c model.Candlestick) {
	w.log.Debug("stale candle revision skipped", "bucket", c.Key.String(), "revision", c.Revision)
	if w.hooks.OnStale != nil {
		w.hooks.OnStale(c)
	}
}

// retry runs fn with a per-attempt timeout behind the breaker, backing off
// exponentially on transient errors until MaxRetryElapsed.
func (w *Writer) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.opts.InitialBackoff
	b.MaxInterval = w.opts.MaxBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		start := time.Now()
		err := w.breaker.Execute(func() error {
			actx, cancel := context.WithTimeout(ctx, w.opts.WriteTimeout)
			defer cancel()
			return fn(actx)
		})
		if w.hooks.OnWrite != nil && !errors.Is(err, ErrBreakerOpen) {
			w.hooks.OnWrite(op, time.Since(start), err)
		}
		if err != nil && IsPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(w.opts.MaxRetryElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.log.Warn("storage call failed, retrying", "op", op, "error", err, "next", next)
			if w.hooks.OnRetry != nil {
				w.hooks.OnRetry(op, err)
			}
		}),
	)
	return err
}

func (w *Writer) escalate(ctx context.Context, title, msg string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	level := notification.AlertCritical
	if IsPermanent(err) {
		title += " (permanent)"
	}
	w.log.Error(title, "error", err)
	// the caller's context may already be done; alerts get their own budget
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if nerr := w.notifier.Send(actx, notification.Alert{Level: level, Title: title, Message: msg}); nerr != nil {
		w.log.Warn("alert delivery failed", "error", nerr)
	}
}
