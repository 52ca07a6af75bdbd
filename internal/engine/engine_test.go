package engine

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candle-engine/internal/decoder"
	"candle-engine/internal/model"
	"candle-engine/internal/sink"
	"candle-engine/internal/store/memory"
)

var day = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

type recordingMonitor struct {
	mu      sync.Mutex
	rejects []model.RejectSignal
	lates   []model.LateSignal
}

func (m *recordingMonitor) OnReject(_ context.Context, sig model.RejectSignal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejects = append(m.rejects, sig)
}

func (m *recordingMonitor) OnLate(_ context.Context, sig model.LateSignal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lates = append(m.lates, sig)
}

func tr(id, account string, at time.Duration, amount, trx string) model.Trade {
	return model.Trade{
		ID:        id,
		AccountID: account,
		Amount:    decimal.RequireFromString(amount),
		TrxAmount: decimal.RequireFromString(trx),
		EventTime: day.Add(at),
	}
}

func testOptions() Options {
	return Options{
		Shards:          4,
		Intervals:       []model.Interval{model.Interval30m, model.Interval1h},
		AllowedLateness: 2 * time.Minute,
		Grace:           time.Hour,
		ScanInterval:    time.Hour, // keep ticks out of the way
		TradeBatchSize:  3,
	}
}

// run pushes trades through a fresh engine backed by an in-memory store and
// returns once every shard has flushed and drained.
func run(t *testing.T, opts Options, trades []model.Trade) (*memory.Store, *recordingMonitor, *Engine) {
	t.Helper()
	return runOn(t, memory.New(), opts, trades)
}

// runOn is run over existing storage, as a restarted process would see it.
func runOn(t *testing.T, db *memory.Store, opts Options, trades []model.Trade) (*memory.Store, *recordingMonitor, *Engine) {
	t.Helper()
	mon := &recordingMonitor{}
	w := sink.NewWriter(db, sink.Options{InitialBackoff: time.Millisecond, MaxRetryElapsed: 100 * time.Millisecond})
	e := New(opts, w, db, WithMonitor(mon))

	ctx, cancel := context.WithCancel(context.Background())
	for _, trd := range trades {
		require.NoError(t, e.Submit(ctx, trd, nil))
	}
	go e.Run(ctx)
	cancel()
	select {
	case <-e.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not stop")
	}
	return db, mon, e
}

func candleAt(t *testing.T, db *memory.Store, account string, iv model.Interval, start time.Duration) model.Candlestick {
	t.Helper()
	c, ok := db.Candle(model.BucketKey{AccountID: account, Interval: iv, Start: day.Add(start)})
	require.True(t, ok, "missing %s candle for %s at +%v", iv, account, start)
	return c
}

func TestEngine_ThirtyMinuteScenario(t *testing.T) {
	db, _, _ := run(t, testOptions(), []model.Trade{
		tr("1", "1", 5*time.Minute, "100", "10"),
		tr("2", "1", 12*time.Minute, "105", "20"),
		tr("3", "1", 20*time.Minute, "98", "15"),
		tr("4", "1", 29*time.Minute+59*time.Second, "103", "5"),
		tr("5", "1", 34*time.Minute+time.Second, "101", "1"),
	})

	c := candleAt(t, db, "1", model.Interval30m, 0)
	assert.Equal(t, "100", c.Open.String())
	assert.Equal(t, "105", c.High.String())
	assert.Equal(t, "98", c.Low.String())
	assert.Equal(t, "103", c.Close.String())
	assert.Equal(t, "50", c.Volume.String())
	assert.EqualValues(t, 4, c.TradeCount)
	assert.True(t, c.ValidOHLC())

	// the 00:30 bucket and the hour are still open at watermark 00:32:01
	_, ok := db.Candle(model.BucketKey{AccountID: "1", Interval: model.Interval30m, Start: day.Add(30 * time.Minute)})
	assert.False(t, ok)
	_, ok = db.Candle(model.BucketKey{AccountID: "1", Interval: model.Interval1h, Start: day})
	assert.False(t, ok)

	assert.Equal(t, 5, db.TradeCount())
}

func TestEngine_RestartContinuesOpenBuckets(t *testing.T) {
	db, _, _ := run(t, testOptions(), []model.Trade{
		tr("1", "1", 5*time.Minute, "100", "1"),
		tr("2", "1", 10*time.Minute, "110", "2"),
	})
	_, ok := db.Candle(model.BucketKey{AccountID: "1", Interval: model.Interval30m, Start: day})
	require.False(t, ok, "bucket still open at shutdown")

	_, mon, _ := runOn(t, db, testOptions(), []model.Trade{
		tr("3", "1", 20*time.Minute, "90", "4"),
		tr("4", "1", 45*time.Minute, "95", "3"),
	})
	assert.Empty(t, mon.lates)

	c := candleAt(t, db, "1", model.Interval30m, 0)
	assert.EqualValues(t, 3, c.TradeCount)
	assert.Equal(t, "7", c.Volume.String())
	assert.Equal(t, "100", c.Open.String())
	assert.Equal(t, "110", c.High.String())
	assert.Equal(t, "90", c.Close.String())

	// the hour is still open; a third process continues it from raw trades
	runOn(t, db, testOptions(), []model.Trade{
		tr("5", "1", 50*time.Minute, "97", "1"),
		tr("6", "1", 70*time.Minute, "100", "0"),
	})
	h := candleAt(t, db, "1", model.Interval1h, 0)
	assert.EqualValues(t, 5, h.TradeCount)
	assert.Equal(t, "11", h.Volume.String())
	assert.Equal(t, "100", h.Open.String())
	assert.Equal(t, "90", h.Low.String())
	assert.Equal(t, "97", h.Close.String())
}

func TestEngine_DeterministicAcrossArrivalOrder(t *testing.T) {
	var trades []model.Trade
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 60; i++ {
		acct := []string{"a", "b", "c"}[i%3]
		at := time.Duration(rng.Intn(50*60)) * time.Second
		price := decimal.NewFromInt(int64(90 + rng.Intn(20))).String()
		trades = append(trades, tr(strconv.Itoa(i), acct, at, price, "1"))
	}
	// a closing trade per account well past the hour
	for _, acct := range []string{"a", "b", "c"} {
		trades = append(trades, tr("close-"+acct, acct, 3*time.Hour, "100", "1"))
	}

	// wide grace so arrival order never causes a drop
	opts := testOptions()
	opts.AllowedLateness = 2 * time.Hour
	opts.Grace = 3 * time.Hour

	dbA, monA, _ := run(t, opts, trades)
	shuffled := append([]model.Trade(nil), trades...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	dbB, monB, _ := run(t, opts, shuffled)

	assert.Empty(t, monA.lates)
	assert.Empty(t, monB.lates)
	for _, acct := range []string{"a", "b", "c"} {
		ca, err := dbA.QueryCandles(context.Background(), acct, model.Interval30m, day, day.Add(time.Hour))
		require.NoError(t, err)
		cb, err := dbB.QueryCandles(context.Background(), acct, model.Interval30m, day, day.Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, len(ca), len(cb))
		for i := range ca {
			assert.True(t, ca[i].Open.Equal(cb[i].Open), "%s open", acct)
			assert.True(t, ca[i].High.Equal(cb[i].High), "%s high", acct)
			assert.True(t, ca[i].Low.Equal(cb[i].Low), "%s low", acct)
			assert.True(t, ca[i].Close.Equal(cb[i].Close), "%s close", acct)
			assert.True(t, ca[i].Volume.Equal(cb[i].Volume), "%s volume", acct)
			assert.Equal(t, ca[i].TradeCount, cb[i].TradeCount)
		}
	}
}

func TestEngine_LateCorrectionAndDrop(t *testing.T) {
	db, mon, _ := run(t, testOptions(), []model.Trade{
		tr("1", "1", 5*time.Minute, "100", "1"),
		tr("2", "1", 40*time.Minute, "100", "1"), // wm 00:38 closes [00:00, 00:30)
		tr("3", "1", time.Minute, "80", "1"),     // late, inside grace: corrects
		tr("4", "1", 3*time.Hour, "100", "1"),    // wm 02:58 expires grace of the first hour
		tr("5", "1", 2*time.Minute, "1", "1"),    // late beyond grace on both intervals
	})

	c := candleAt(t, db, "1", model.Interval30m, 0)
	assert.Equal(t, "80", c.Open.String())
	assert.Equal(t, "80", c.Low.String())
	assert.EqualValues(t, 2, c.TradeCount)

	mon.mu.Lock()
	defer mon.mu.Unlock()
	require.Len(t, mon.lates, 2)
	for _, sig := range mon.lates {
		assert.Equal(t, "5", sig.Trade.ID)
		assert.Equal(t, model.LateBeyondGrace, sig.Reason)
		assert.NotEmpty(t, sig.ID)
	}
	// the dropped trade is still stored raw
	ids, _ := db.ListTradeIDs(context.Background(), "1", day, day.Add(30*time.Minute))
	assert.Contains(t, ids, "5")
}

func TestEngine_DuplicatesFoldedOnce(t *testing.T) {
	db, _, e := run(t, testOptions(), []model.Trade{
		tr("1", "1", 5*time.Minute, "100", "10"),
		tr("1", "1", 5*time.Minute, "100", "10"),
		tr("2", "1", 6*time.Minute, "101", "10"),
		tr("2", "1", 6*time.Minute, "101", "10"),
		tr("9", "1", 40*time.Minute, "100", "1"),
	})
	c := candleAt(t, db, "1", model.Interval30m, 0)
	assert.EqualValues(t, 2, c.TradeCount)
	assert.Equal(t, "20", c.Volume.String())

	var dups uint64
	for _, st := range e.Stats() {
		dups += st.Duplicates
	}
	assert.EqualValues(t, 2, dups)
}

func TestEngine_RetentionExpired(t *testing.T) {
	opts := testOptions()
	opts.Retention = 2 * time.Hour
	_, mon, _ := run(t, opts, []model.Trade{
		tr("1", "1", 10*time.Hour, "100", "1"),
		tr("2", "1", time.Minute, "100", "1"),
	})
	mon.mu.Lock()
	defer mon.mu.Unlock()
	require.NotEmpty(t, mon.lates)
	for _, sig := range mon.lates {
		assert.Equal(t, model.LateRetentionExpired, sig.Reason)
	}
}

func TestEngine_SubmitRawRejects(t *testing.T) {
	db := memory.New()
	mon := &recordingMonitor{}
	e := New(testOptions(), sink.NewWriter(db, sink.Options{}), db, WithMonitor(mon))

	err := e.SubmitRaw(context.Background(), []byte(`{"ID":"1","Amount":"-5"}`), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, decoder.ErrMalformed))
	require.Len(t, mon.rejects, 1)
	assert.NotEmpty(t, mon.rejects[0].Excerpt)

	ok := `{"ID":"1","Trx Amount":"1","Amount":"5","Accountid":"a","Transtime":"2024-01-15T00:01:00Z"}`
	require.NoError(t, e.SubmitRaw(context.Background(), []byte(ok), nil))
}

func TestEngine_FutureTradeRejected(t *testing.T) {
	opts := testOptions()
	opts.MaxFutureSkew = time.Hour
	db := memory.New()
	mon := &recordingMonitor{}
	e := New(opts, sink.NewWriter(db, sink.Options{}), db, WithMonitor(mon))

	future := model.Trade{
		ID:        "f",
		AccountID: "1",
		Amount:    decimal.NewFromInt(1),
		TrxAmount: decimal.NewFromInt(1),
		EventTime: time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	err := e.Submit(context.Background(), future, nil)
	require.ErrorIs(t, err, decoder.ErrMalformed)
	require.Len(t, mon.rejects, 1)
	assert.Equal(t, "Transtime", mon.rejects[0].Reason)

	// the watermark never saw it, so ordinary trades still fold
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Submit(ctx, tr("1", "1", 5*time.Minute, "100", "1"), nil))
	require.NoError(t, e.Submit(ctx, tr("2", "1", 40*time.Minute, "100", "1"), nil))
	go e.Run(ctx)
	cancel()
	<-e.Done()

	assert.Empty(t, mon.lates)
	assert.EqualValues(t, 1, candleAt(t, db, "1", model.Interval30m, 0).TradeCount)
	assert.Equal(t, 2, db.TradeCount())
}

func TestEngine_AcksAfterRawTradesAreDurable(t *testing.T) {
	db := memory.New()
	opts := testOptions()
	opts.TradeBatchSize = 100
	e := New(opts, sink.NewWriter(db, sink.Options{}), db)

	var mu sync.Mutex
	acked := 0
	ack := func(err error) {
		assert.NoError(t, err)
		mu.Lock()
		acked++
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 10; i++ {
		require.NoError(t, e.Submit(ctx, tr(strconv.Itoa(i), strconv.Itoa(i%4), time.Duration(i)*time.Minute, "1", "1"), ack))
	}
	go e.Run(ctx)
	cancel()
	<-e.Done()

	assert.Equal(t, 10, acked)
	assert.Equal(t, 10, db.TradeCount())
	assert.ErrorIs(t, e.Submit(context.Background(), tr("x", "1", 0, "1", "1"), nil), ErrStopped)
}

func TestEngine_ShardForIsStable(t *testing.T) {
	e := New(Options{Shards: 8}, sink.NewWriter(memory.New(), sink.Options{}), nil)
	for _, acct := range []string{"1", "42", "acc-9"} {
		s := e.ShardFor(acct)
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, 8)
		assert.Equal(t, s, e.ShardFor(acct))
	}
}

func TestEngine_BucketBoundaryScenario(t *testing.T) {
	opts := testOptions()
	opts.AllowedLateness = 0
	db, _, _ := run(t, opts, []model.Trade{
		tr("1", "1", 10*time.Second, "100", "1"),
		tr("2", "1", 15*time.Minute, "120", "2"),
		tr("3", "1", 29*time.Minute+59*time.Second, "90", "3"),
		tr("4", "1", 30*time.Minute+time.Second, "500", "7"),
	})

	c := candleAt(t, db, "1", model.Interval30m, 0)
	assert.Equal(t, "100", c.Open.String())
	assert.Equal(t, "120", c.High.String())
	assert.Equal(t, "90", c.Low.String())
	assert.Equal(t, "90", c.Close.String())
	assert.Equal(t, "6", c.Volume.String())
	assert.EqualValues(t, 3, c.TradeCount)
	assert.EqualValues(t, 3, c.Revision)
}

func TestEngine_EarlierTradeCorrectsOpenOnlyInsideGrace(t *testing.T) {
	opts := testOptions()
	opts.AllowedLateness = 0

	inside, mon, _ := run(t, opts, []model.Trade{
		tr("A", "1", 10*time.Second, "100", "1"),
		tr("x", "1", 31*time.Minute, "100", "1"), // closes [00:00, 00:30)
		tr("B", "1", 9*time.Second, "90", "1"),
	})
	c := candleAt(t, inside, "1", model.Interval30m, 0)
	assert.Equal(t, "90", c.Open.String())
	assert.EqualValues(t, 2, c.Revision)
	assert.Empty(t, mon.lates)

	after, mon, _ := run(t, opts, []model.Trade{
		tr("A", "1", 10*time.Second, "100", "1"),
		tr("x", "1", 30*time.Minute+opts.Grace+time.Minute, "100", "1"),
		tr("B", "1", 9*time.Second, "90", "1"),
	})
	c = candleAt(t, after, "1", model.Interval30m, 0)
	assert.Equal(t, "100", c.Open.String())
	mon.mu.Lock()
	defer mon.mu.Unlock()
	require.NotEmpty(t, mon.lates)
	assert.Equal(t, "B", mon.lates[0].Trade.ID)
}
