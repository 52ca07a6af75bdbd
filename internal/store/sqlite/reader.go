package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"candle-engine/internal/model"
)

const candleColumns = `
	interval_start, interval_type, account_id,
	open, high, low, close, volume, trade_count,
	first_seen, last_seen, open_trade_id, open_time, close_trade_id, close_time,
	revision, state`

// GetLastRevision returns the stored revision of key.
func (s *Store) GetLastRevision(ctx context.Context, key model.BucketKey) (uint64, bool, error) {
	var rev int64
	err := s.db.QueryRowContext(ctx, `
		SELECT revision FROM candlesticks
		WHERE interval_start = ? AND interval_type = ? AND account_id = ?
	`, key.Start.Unix(), string(key.Interval), key.AccountID).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sqlite last revision: %w", err)
	}
	return uint64(rev), true, nil
}

// LoadAccumulatorSnapshot returns the stored candle of key.
func (s *Store) LoadAccumulatorSnapshot(ctx context.Context, key model.BucketKey) (model.Candlestick, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+candleColumns+` FROM candlesticks
		WHERE interval_start = ? AND interval_type = ? AND account_id = ?
	`, key.Start.Unix(), string(key.Interval), key.AccountID)
	c, err := scanCandle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Candlestick{}, false, nil
	}
	if err != nil {
		return model.Candlestick{}, false, fmt.Errorf("sqlite load snapshot: %w", err)
	}
	return c, true, nil
}

// ListTradeIDs returns ids of the account's trades in [from, to).
func (s *Store) ListTradeIDs(ctx context.Context, account string, from, to time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM trades
		WHERE account_id = ? AND ts >= ? AND ts < ?
	`, account, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("sqlite list trade ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite scan trade id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// QueryCandles returns the account's candles of iv starting in [from, to),
// ordered by start.
func (s *Store) QueryCandles(ctx context.Context, account string, iv model.Interval, from, to time.Time) ([]model.Candlestick, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+candleColumns+` FROM candlesticks
		WHERE account_id = ? AND interval_type = ? AND interval_start >= ? AND interval_start < ?
		ORDER BY interval_start ASC
	`, account, string(iv), from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite query candlesticks: %w", err)
	}
	defer rows.Close()

	var out []model.Candlestick
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan candlestick: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LatestCandle returns the account's candle of iv with the latest start.
func (s *Store) LatestCandle(ctx context.Context, account string, iv model.Interval) (model.Candlestick, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+candleColumns+` FROM candlesticks
		WHERE account_id = ? AND interval_type = ?
		ORDER BY interval_start DESC
		LIMIT 1
	`, account, string(iv))
	c, err := scanCandle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Candlestick{}, false, nil
	}
	if err != nil {
		return model.Candlestick{}, false, fmt.Errorf("sqlite latest candlestick: %w", err)
	}
	return c, true, nil
}

// QueryTrades returns the account's trades in [from, to) ordered by
// (event_time, id).
func (s *Store) QueryTrades(ctx context.Context, account string, from, to time.Time) ([]model.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, id, account_id, amount, trx_amount, total_done, trans_type
		FROM trades
		WHERE account_id = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC
	`, account, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("sqlite query trades: %w", err)
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		var (
			t                  model.Trade
			ts                 int64
			amount, trx, total string
		)
		if err := rows.Scan(&ts, &t.ID, &t.AccountID, &amount, &trx, &total, &t.TransType); err != nil {
			return nil, fmt.Errorf("sqlite scan trade: %w", err)
		}
		t.EventTime = time.Unix(0, ts).UTC()
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("sqlite trade %s amount: %w", t.ID, err)
		}
		if t.TrxAmount, err = decimal.NewFromString(trx); err != nil {
			return nil, fmt.Errorf("sqlite trade %s trx_amount: %w", t.ID, err)
		}
		if t.TotalDone, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("sqlite trade %s total_done: %w", t.ID, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// ids are text; ties on ts use numeric-aware ordering
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].EventTime.Equal(out[j].EventTime) {
			return out[i].EventTime.Before(out[j].EventTime)
		}
		return model.CompareTradeIDs(out[i].ID, out[j].ID) < 0
	})
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCandle(row scanner) (model.Candlestick, error) {
	var (
		c                                model.Candlestick
		start, firstSeen, lastSeen       int64
		openTime, closeTime, rev         int64
		iv, state                        string
		open, high, low, closePx, volume string
	)
	err := row.Scan(&start, &iv, &c.Key.AccountID,
		&open, &high, &low, &closePx, &volume, &c.TradeCount,
		&firstSeen, &lastSeen, &c.OpenRef.ID, &openTime, &c.CloseRef.ID, &closeTime,
		&rev, &state)
	if err != nil {
		return c, err
	}
	c.Key.Start = time.Unix(start, 0).UTC()
	c.Key.Interval = model.Interval(iv)
	c.FirstSeen = time.Unix(0, firstSeen).UTC()
	c.LastSeen = time.Unix(0, lastSeen).UTC()
	c.OpenRef.EventTime = time.Unix(0, openTime).UTC()
	c.CloseRef.EventTime = time.Unix(0, closeTime).UTC()
	c.Revision = uint64(rev)
	_ = c.State.UnmarshalText([]byte(state))

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&c.Open, open}, {&c.High, high}, {&c.Low, low}, {&c.Close, closePx}, {&c.Volume, volume},
	} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return c, fmt.Errorf("decimal %q: %w", f.src, err)
		}
		*f.dst = d
	}
	return c, nil
}
