// Package memory is an in-process implementation of the storage ports. It
// backs the "memory" driver and serves as the fake in engine and query
// tests. Candle upserts carry the same revision guard as the SQL stores.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"candle-engine/internal/model"
)

type tradeKey struct {
	ts int64
	id string
}

// Store is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	trades  map[tradeKey]model.Trade
	candles map[model.BucketKey]model.Candlestick
}

// New creates an empty store.
func New() *Store {
	return &Store{
		trades:  make(map[tradeKey]model.Trade),
		candles: make(map[model.BucketKey]model.Candlestick),
	}
}

// UpsertTrades stores trades keyed by (event_time, id).
func (s *Store) UpsertTrades(ctx context.Context, trades []model.Trade) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range trades {
		s.trades[tradeKey{ts: t.EventTime.UnixNano(), id: t.ID}] = t
	}
	return nil
}

// UpsertCandlestick replaces the stored row only when c.Revision is newer.
func (s *Store) UpsertCandlestick(ctx context.Context, c model.Candlestick) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := normalize(c.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.candles[key]; ok && cur.Revision >= c.Revision {
		return false, nil
	}
	c.Key = key
	s.candles[key] = c
	return true, nil
}

// GetLastRevision returns the stored revision of key.
func (s *Store) GetLastRevision(_ context.Context, key model.BucketKey) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.candles[normalize(key)]
	return c.Revision, ok, nil
}

// LoadAccumulatorSnapshot returns the stored candle of key.
func (s *Store) LoadAccumulatorSnapshot(_ context.Context, key model.BucketKey) (model.Candlestick, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.candles[normalize(key)]
	return c, ok, nil
}

// ListTradeIDs returns ids of the account's trades in [from, to).
func (s *Store) ListTradeIDs(_ context.Context, account string, from, to time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, t := range s.trades {
		if t.AccountID == account && !t.EventTime.Before(from) && t.EventTime.Before(to) {
			ids = append(ids, t.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// QueryCandles returns the account's candles of iv starting in [from, to),
// ordered by start.
func (s *Store) QueryCandles(_ context.Context, account string, iv model.Interval, from, to time.Time) ([]model.Candlestick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Candlestick
	for k, c := range s.candles {
		if k.AccountID == account && k.Interval == iv && !k.Start.Before(from) && k.Start.Before(to) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Start.Before(out[j].Key.Start) })
	return out, nil
}

// LatestCandle returns the account's candle of iv with the latest start.
func (s *Store) LatestCandle(_ context.Context, account string, iv model.Interval) (model.Candlestick, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		out   model.Candlestick
		found bool
	)
	for k, c := range s.candles {
		if k.AccountID == account && k.Interval == iv && (!found || k.Start.After(out.Key.Start)) {
			out, found = c, true
		}
	}
	return out, found, nil
}

// QueryTrades returns the account's trades in [from, to) ordered by
// (event_time, id).
func (s *Store) QueryTrades(_ context.Context, account string, from, to time.Time) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Trade
	for _, t := range s.trades {
		if t.AccountID == account && !t.EventTime.Before(from) && t.EventTime.Before(to) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EventTime.Equal(out[j].EventTime) {
			return out[i].EventTime.Before(out[j].EventTime)
		}
		return model.CompareTradeIDs(out[i].ID, out[j].ID) < 0
	})
	return out, nil
}

// Candle returns the stored candle of key, for tests and the latest lookup.
func (s *Store) Candle(key model.BucketKey) (model.Candlestick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.candles[normalize(key)]
	return c, ok
}

// TradeCount returns the number of stored raw trades.
func (s *Store) TradeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.trades)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// normalize strips location and monotonic data so equal instants map to the
// same key.
func normalize(k model.BucketKey) model.BucketKey {
	k.Start = k.Start.UTC()
	return k
}
