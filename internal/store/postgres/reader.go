package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"candle-engine/internal/model"
)

// GetLastRevision returns the stored revision of key.
func (s *Store) GetLastRevision(ctx context.Context, key model.BucketKey) (uint64, bool, error) {
	var rev int64
	err := s.pool.QueryRow(ctx, revisionSelectSQL, keyArgs(key)).Scan(&rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("postgres: last revision %s: %w", key, err)
	}
	return uint64(rev), true, nil
}

// LoadAccumulatorSnapshot returns the stored candle of key.
func (s *Store) LoadAccumulatorSnapshot(ctx context.Context, key model.BucketKey) (model.Candlestick, bool, error) {
	row := s.pool.QueryRow(ctx, candleSelectBase+`
WHERE interval_start = @interval_start AND interval_type = @interval_type AND account_id = @account_id;
`, keyArgs(key))
	c, err := scanCandle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Candlestick{}, false, nil
	}
	if err != nil {
		return model.Candlestick{}, false, fmt.Errorf("postgres: load snapshot %s: %w", key, err)
	}
	return c, true, nil
}

// ListTradeIDs returns ids of the account's trades in [from, to).
func (s *Store) ListTradeIDs(ctx context.Context, account string, from, to time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, tradeIDsSelectSQL, pgx.NamedArgs{
		"account_id": account,
		"from":       from,
		"to":         to,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trade ids: %w", err)
	}
	return ids, nil
}

// QueryCandles returns the account's candles of iv starting in [from, to),
// ordered by start.
func (s *Store) QueryCandles(ctx context.Context, account string, iv model.Interval, from, to time.Time) ([]model.Candlestick, error) {
	rows, err := s.pool.Query(ctx, candleSelectBase+`
WHERE account_id = @account_id AND interval_type = @interval_type
  AND interval_start >= @from AND interval_start < @to
ORDER BY interval_start ASC;
`, pgx.NamedArgs{
		"account_id":    account,
		"interval_type": string(iv),
		"from":          from,
		"to":            to,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: query candlesticks: %w", err)
	}
	defer rows.Close()

	var out []model.Candlestick
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan candlestick: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LatestCandle returns the account's candle of iv with the latest start.
func (s *Store) LatestCandle(ctx context.Context, account string, iv model.Interval) (model.Candlestick, bool, error) {
	row := s.pool.QueryRow(ctx, candleSelectBase+`
WHERE account_id = @account_id AND interval_type = @interval_type
ORDER BY interval_start DESC
LIMIT 1;
`, pgx.NamedArgs{"account_id": account, "interval_type": string(iv)})
	c, err := scanCandle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Candlestick{}, false, nil
	}
	if err != nil {
		return model.Candlestick{}, false, fmt.Errorf("postgres: latest candlestick: %w", err)
	}
	return c, true, nil
}

// QueryTrades returns the account's trades in [from, to) ordered by
// (event_time, id).
func (s *Store) QueryTrades(ctx context.Context, account string, from, to time.Time) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx, tradeSelectSQL, pgx.NamedArgs{
		"account_id": account,
		"from":       from,
		"to":         to,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: query trades: %w", err)
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		var (
			t                  model.Trade
			amount, trx, total string
		)
		if err := rows.Scan(&t.EventTime, &t.ID, &t.AccountID, &amount, &trx, &total, &t.TransType); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		t.EventTime = t.EventTime.UTC()
		if err := parseDecimals(
			decimalField{&t.Amount, amount},
			decimalField{&t.TrxAmount, trx},
			decimalField{&t.TotalDone, total},
		); err != nil {
			return nil, fmt.Errorf("postgres: trade %s: %w", t.ID, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].EventTime.Equal(out[j].EventTime) {
			return out[i].EventTime.Before(out[j].EventTime)
		}
		return model.CompareTradeIDs(out[i].ID, out[j].ID) < 0
	})
	return out, nil
}

func scanCandle(row pgx.Row) (model.Candlestick, error) {
	var (
		c                                model.Candlestick
		iv, state                        string
		open, high, low, closePx, volume string
		rev                              int64
	)
	err := row.Scan(&c.Key.Start, &iv, &c.Key.AccountID,
		&open, &high, &low, &closePx, &volume, &c.TradeCount,
		&c.FirstSeen, &c.LastSeen,
		&c.OpenRef.ID, &c.OpenRef.EventTime, &c.CloseRef.ID, &c.CloseRef.EventTime,
		&rev, &state)
	if err != nil {
		return c, err
	}
	c.Key.Start = c.Key.Start.UTC()
	c.Key.Interval = model.Interval(iv)
	c.FirstSeen = c.FirstSeen.UTC()
	c.LastSeen = c.LastSeen.UTC()
	c.OpenRef.EventTime = c.OpenRef.EventTime.UTC()
	c.CloseRef.EventTime = c.CloseRef.EventTime.UTC()
	c.Revision = uint64(rev)
	_ = c.State.UnmarshalText([]byte(state))

	err = parseDecimals(
		decimalField{&c.Open, open},
		decimalField{&c.High, high},
		decimalField{&c.Low, low},
		decimalField{&c.Close, closePx},
		decimalField{&c.Volume, volume},
	)
	return c, err
}

type decimalField struct {
	dst *decimal.Decimal
	src string
}

func parseDecimals(fields ...decimalField) error {
	for _, f := range fields {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", f.src, err)
		}
		*f.dst = d
	}
	return nil
}
