package query

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candle-engine/internal/engine"
	"candle-engine/internal/model"
	"candle-engine/internal/store/memory"
)

var day = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

func candle(account string, start time.Time, rev uint64, price string) model.Candlestick {
	p := decimal.RequireFromString(price)
	return model.Candlestick{
		Key:        model.BucketKey{AccountID: account, Interval: model.Interval30m, Start: start},
		Open:       p,
		High:       p,
		Low:        p,
		Close:      p,
		Volume:     decimal.NewFromInt(3),
		TradeCount: 1,
		FirstSeen:  start.Add(time.Minute),
		LastSeen:   start.Add(time.Minute),
		Revision:   rev,
		State:      model.StateClosed,
	}
}

func seeded(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	db := memory.New()
	for i := 0; i < 4; i++ {
		_, err := db.UpsertCandlestick(ctx, candle("1", day.Add(time.Duration(i)*30*time.Minute), 1, "100.5"))
		require.NoError(t, err)
	}
	require.NoError(t, db.UpsertTrades(ctx, []model.Trade{{
		ID: "7", AccountID: "1", Amount: decimal.RequireFromString("100.5"),
		TrxAmount: decimal.NewFromInt(3), TotalDone: decimal.NewFromInt(3),
		EventTime: day.Add(time.Minute),
	}}))
	return db
}

func get(t *testing.T, h http.Handler, url string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	return rec
}

func TestCandles_RangeIsHalfOpen(t *testing.T) {
	h := NewServer(seeded(t)).Router()

	rec := get(t, h, "/api/v1/candles?account_id=1&interval=30m&from=2024-01-15T00:00:00Z&to=2024-01-15T01:30:00Z")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count   int         `json:"count"`
		Candles []CandleOut `json:"candles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Count)
	require.Len(t, body.Candles, 3)
	assert.Equal(t, "2024-01-15T00:00:00Z", body.Candles[0].IntervalStart)
	assert.Equal(t, "2024-01-15T01:00:00Z", body.Candles[2].IntervalStart)
	assert.Equal(t, "100.5", body.Candles[0].Open)
	assert.Equal(t, "closed", strings.ToLower(body.Candles[0].State))
}

func TestCandles_UnixSecondsAndAliases(t *testing.T) {
	h := NewServer(seeded(t)).Router()
	url := "/api/v1/candles?account_id=1&interval=30min&from=" +
		strconv.Itoa(int(day.Unix())) + "&to=" + strconv.Itoa(int(day.Add(time.Hour).Unix()))
	rec := get(t, h, url)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":2`)
}

func TestCandles_BadRequests(t *testing.T) {
	h := NewServer(seeded(t), WithMaxRange(48*time.Hour)).Router()
	for _, url := range []string{
		"/api/v1/candles?interval=30m",
		"/api/v1/candles?account_id=1",
		"/api/v1/candles?account_id=1&interval=7m",
		"/api/v1/candles?account_id=1&interval=30m&from=yesterday",
		"/api/v1/candles?account_id=1&interval=30m&from=2024-01-15T02:00:00Z&to=2024-01-15T01:00:00Z",
		"/api/v1/candles?account_id=1&interval=30m&from=2024-01-01T00:00:00Z&to=2024-01-15T00:00:00Z",
		"/api/v1/trades",
	} {
		rec := get(t, h, url)
		assert.Equal(t, http.StatusBadRequest, rec.Code, url)
		assert.Contains(t, rec.Body.String(), `"error"`, url)
	}
}

func TestLatest_StorageFallback(t *testing.T) {
	h := NewServer(seeded(t)).Router()

	rec := get(t, h, "/api/v1/candles/latest?account_id=1&interval=30m")
	require.Equal(t, http.StatusOK, rec.Code)
	var c CandleOut
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &c))
	assert.Equal(t, "2024-01-15T01:30:00Z", c.IntervalStart)

	rec = get(t, h, "/api/v1/candles/latest?account_id=nobody&interval=30m")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type hotTier struct{ c model.Candlestick }

func (h hotTier) LatestCandle(context.Context, string, model.Interval) (model.Candlestick, bool, error) {
	return h.c, true, nil
}

func TestLatest_PrefersHotTier(t *testing.T) {
	hot := candle("1", day.Add(2*time.Hour), 5, "99")
	h := NewServer(seeded(t), WithHotTier(hotTier{hot})).Router()

	rec := get(t, h, "/api/v1/candles/latest?account_id=1&interval=30m")
	require.Equal(t, http.StatusOK, rec.Code)
	var c CandleOut
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &c))
	assert.EqualValues(t, 5, c.Revision)
	assert.Equal(t, "99", c.Close)
}

func TestTrades(t *testing.T) {
	h := NewServer(seeded(t)).Router()
	rec := get(t, h, "/api/v1/trades?account_id=1&from=2024-01-15T00:00:00Z&to=2024-01-15T00:30:00Z")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Trades []TradeOut `json:"trades"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Trades, 1)
	assert.Equal(t, "7", body.Trades[0].ID)
	assert.Equal(t, "100.5", body.Trades[0].Amount)
}

func TestHealthz(t *testing.T) {
	rec := get(t, NewServer(memory.New()).Router(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	custom := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) })
	rec = get(t, NewServer(memory.New(), WithHealth(custom)).Router(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWS_NoFeed(t *testing.T) {
	rec := get(t, NewServer(memory.New()).Router(), "/ws/candles")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWS_StreamsFilteredCandles(t *testing.T) {
	fan := engine.NewFanOut(8)
	srv := httptest.NewServer(NewServer(memory.New(), WithFeed(fan)).Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/candles?account_id=1&interval=30m"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return fan.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, fan.PublishCandle(ctx, candle("2", day, 1, "1")))
	require.NoError(t, fan.PublishCandle(ctx, candle("1", day, 2, "101")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var c CandleOut
	require.NoError(t, json.Unmarshal(msg, &c))
	assert.Equal(t, "1", c.AccountID)
	assert.EqualValues(t, 2, c.Revision)

	conn.Close()
	require.Eventually(t, func() bool { return fan.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
