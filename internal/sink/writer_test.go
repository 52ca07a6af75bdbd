package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candle-engine/internal/model"
	"candle-engine/internal/notification"
)

// fakeStore keeps one revision per bucket and can inject failures.
type fakeStore struct {
	mu          sync.Mutex
	revs        map[model.BucketKey]uint64
	candleCalls int
	tradeCalls  int
	failNext    int   // transient failures before succeeding
	failWith    error // returned while failNext > 0, or always when failNext < 0
}

func newFakeStore() *fakeStore {
	return &fakeStore{revs: make(map[model.BucketKey]uint64)}
}

func (f *fakeStore) fail() error {
	if f.failNext < 0 {
		return f.failWith
	}
	if f.failNext > 0 {
		f.failNext--
		return f.failWith
	}
	return nil
}

func (f *fakeStore) UpsertTrades(_ context.Context, _ []model.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tradeCalls++
	return f.fail()
}

func (f *fakeStore) UpsertCandlestick(_ context.Context, c model.Candlestick) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candleCalls++
	if err := f.fail(); err != nil {
		return false, err
	}
	if c.Revision <= f.revs[c.Key] {
		return false, nil
	}
	f.revs[c.Key] = c.Revision
	return true, nil
}

func (f *fakeStore) GetLastRevision(_ context.Context, key model.BucketKey) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rev, ok := f.revs[key]
	return rev, ok, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (n *recordingNotifier) Send(_ context.Context, a notification.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

type recordingPublisher struct{ published []uint64 }

func (p *recordingPublisher) PublishCandle(_ context.Context, c model.Candlestick) error {
	p.published = append(p.published, c.Revision)
	return nil
}

func fastOptions() Options {
	return Options{
		WriteTimeout:    time.Second,
		MaxRetryElapsed: 200 * time.Millisecond,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		BreakerFailures: 100,
		BreakerReset:    time.Second,
	}
}

var testKey = model.BucketKey{
	AccountID: "1",
	Interval:  model.Interval30m,
	Start:     time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
}

func candle(rev uint64) model.Candlestick {
	p := decimal.NewFromInt(100)
	return model.Candlestick{
		Key: testKey, Open: p, High: p, Low: p, Close: p,
		Volume: decimal.NewFromInt(1), TradeCount: int64(rev), Revision: rev,
	}
}

func TestWriter_IdempotentUpsert(t *testing.T) {
	store := newFakeStore()
	pub := &recordingPublisher{}
	w := NewWriter(store, fastOptions(), WithPublisher(pub))
	ctx := context.Background()

	applied, err := w.UpsertCandlestick(ctx, candle(1))
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = w.UpsertCandlestick(ctx, candle(1))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, store.candleCalls, "replayed revision must not reach storage")
	assert.Equal(t, []uint64{1}, pub.published)
}

func TestWriter_LowerRevisionIsNoop(t *testing.T) {
	store := newFakeStore()
	var stale int
	w := NewWriter(store, fastOptions(), WithHooks(Hooks{OnStale: func(model.Candlestick) { stale++ }}))
	ctx := context.Background()

	_, err := w.UpsertCandlestick(ctx, candle(3))
	require.NoError(t, err)

	applied, err := w.UpsertCandlestick(ctx, candle(2))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, stale)
	assert.EqualValues(t, 3, store.revs[testKey])
}

func TestWriter_SeedsLedgerFromStorage(t *testing.T) {
	store := newFakeStore()
	store.revs[testKey] = 5
	w := NewWriter(store, fastOptions())
	ctx := context.Background()

	applied, err := w.UpsertCandlestick(ctx, candle(4))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 0, store.candleCalls)

	applied, err = w.UpsertCandlestick(ctx, candle(6))
	require.NoError(t, err)
	assert.True(t, applied)

	rev, ok := w.LastRevision(testKey)
	require.True(t, ok)
	assert.EqualValues(t, 6, rev)

	w.Forget(testKey)
	_, ok = w.LastRevision(testKey)
	assert.False(t, ok)
}

func TestWriter_RetriesTransientErrors(t *testing.T) {
	store := newFakeStore()
	store.failNext = 2
	store.failWith = errors.New("connection reset")

	var retries int
	w := NewWriter(store, fastOptions(), WithHooks(Hooks{OnRetry: func(string, error) { retries++ }}))

	applied, err := w.UpsertCandlestick(context.Background(), candle(1))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 3, store.candleCalls)
	assert.Equal(t, 2, retries)
}

func TestWriter_PermanentErrorNotRetried(t *testing.T) {
	store := newFakeStore()
	store.failNext = -1
	store.failWith = Permanent(errors.New("numeric field overflow"))
	n := &recordingNotifier{}
	w := NewWriter(store, fastOptions(), WithNotifier(n))

	applied, err := w.UpsertCandlestick(context.Background(), candle(1))
	require.Error(t, err)
	assert.False(t, applied)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, store.candleCalls)
	require.Len(t, n.alerts, 1)
	assert.Equal(t, notification.AlertCritical, n.alerts[0].Level)
}

func TestWriter_RetryExhaustionEscalates(t *testing.T) {
	store := newFakeStore()
	store.failNext = -1
	store.failWith = errors.New("timeout")
	n := &recordingNotifier{}
	opts := fastOptions()
	opts.MaxRetryElapsed = 30 * time.Millisecond
	w := NewWriter(store, opts, WithNotifier(n))

	err := w.UpsertTrades(context.Background(), []model.Trade{{ID: "1"}})
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
	assert.Greater(t, store.tradeCalls, 1)
	require.Len(t, n.alerts, 1)
}

func TestWriter_StorageSaysStale(t *testing.T) {
	store := newFakeStore()
	w := NewWriter(store, fastOptions())
	ctx := context.Background()

	// ledger sees nothing, but another writer commits rev 9 meanwhile
	_, err := w.UpsertCandlestick(ctx, candle(1))
	require.NoError(t, err)
	store.revs[testKey] = 9

	applied, err := w.UpsertCandlestick(ctx, candle(2))
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestWriter_BreakerOpensOnOutage(t *testing.T) {
	store := newFakeStore()
	store.failNext = -1
	store.failWith = errors.New("down")
	opts := fastOptions()
	opts.BreakerFailures = 2
	opts.BreakerReset = time.Hour
	opts.MaxRetryElapsed = 30 * time.Millisecond
	w := NewWriter(store, opts)

	require.Error(t, w.UpsertTrades(context.Background(), []model.Trade{{ID: "1"}}))
	assert.Equal(t, BreakerOpen, w.BreakerState())
	assert.Equal(t, 2, store.tradeCalls, "calls after tripping must be short-circuited")
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	base := errors.New("x")
	p := Permanent(base)
	assert.True(t, IsPermanent(p))
	assert.ErrorIs(t, p, base)
	assert.Same(t, p, Permanent(p))
	assert.False(t, IsPermanent(base))
}
