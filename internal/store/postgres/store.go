// Package postgres is the primary storage driver (PostgreSQL, optionally
// TimescaleDB). Numerics are passed as text and cast server-side so
// decimals never pass through float64.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"candle-engine/internal/model"
	"candle-engine/internal/sink"
)

const (
	tradeUpsertSQL = `
INSERT INTO trades (ts, id, account_id, amount, trx_amount, total_done, trans_type)
VALUES (@ts, @id, @account_id, @amount::numeric, @trx_amount::numeric, @total_done::numeric, @trans_type)
ON CONFLICT (ts, id) DO NOTHING;
`

	candleUpsertSQL = `
INSERT INTO candlesticks (
    interval_start, interval_type, account_id,
    open, high, low, close, volume, trade_count,
    first_seen, last_seen,
    open_trade_id, open_time, close_trade_id, close_time,
    revision, state, updated_at
)
VALUES (
    @interval_start, @interval_type, @account_id,
    @open::numeric, @high::numeric, @low::numeric, @close::numeric, @volume::numeric, @trade_count,
    @first_seen, @last_seen,
    @open_trade_id, @open_time, @close_trade_id, @close_time,
    @revision, @state, NOW()
)
ON CONFLICT (interval_start, interval_type, account_id) DO UPDATE SET
    open = EXCLUDED.open,
    high = EXCLUDED.high,
    low = EXCLUDED.low,
    close = EXCLUDED.close,
    volume = EXCLUDED.volume,
    trade_count = EXCLUDED.trade_count,
    first_seen = EXCLUDED.first_seen,
    last_seen = EXCLUDED.last_seen,
    open_trade_id = EXCLUDED.open_trade_id,
    open_time = EXCLUDED.open_time,
    close_trade_id = EXCLUDED.close_trade_id,
    close_time = EXCLUDED.close_time,
    revision = EXCLUDED.revision,
    state = EXCLUDED.state,
    updated_at = NOW()
WHERE EXCLUDED.revision > candlesticks.revision;
`

	candleSelectBase = `
SELECT
    interval_start,
    interval_type,
    account_id,
    open::text,
    high::text,
    low::text,
    close::text,
    volume::text,
    trade_count,
    first_seen,
    last_seen,
    open_trade_id,
    open_time,
    close_trade_id,
    close_time,
    revision,
    state
FROM candlesticks
`

	revisionSelectSQL = `
SELECT revision FROM candlesticks
WHERE interval_start = @interval_start AND interval_type = @interval_type AND account_id = @account_id;
`

	tradeIDsSelectSQL = `
SELECT id FROM trades
WHERE account_id = @account_id AND ts >= @from AND ts < @to;
`

	tradeSelectSQL = `
SELECT ts, id, account_id, amount::text, trx_amount::text, total_done::text, trans_type
FROM trades
WHERE account_id = @account_id AND ts >= @from AND ts < @to
ORDER BY ts ASC;
`
)

// Store implements model.Storage and model.QueryStore on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, log: slog.Default().With("component", "postgres")}
}

// Connect opens a pool for dsn and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := New(pool)
	s.log.Info("connected", "max_conns", pool.Config().MaxConns)
	return s, nil
}

// Pool exposes the pool for health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping verifies a pooled connection.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// UpsertTrades writes trades in one batch inside a transaction.
func (s *Store) UpsertTrades(ctx context.Context, trades []model.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(fmt.Errorf("postgres: begin: %w", err))
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(tradeUpsertSQL, pgx.NamedArgs{
			"ts":         t.EventTime,
			"id":         t.ID,
			"account_id": t.AccountID,
			"amount":     t.Amount.String(),
			"trx_amount": t.TrxAmount.String(),
			"total_done": t.TotalDone.String(),
			"trans_type": t.TransType,
		})
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return classify(fmt.Errorf("postgres: upsert trades: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("postgres: commit trades: %w", err))
	}
	return nil
}

// UpsertCandlestick writes the whole row when c.Revision is newer than the
// stored one.
func (s *Store) UpsertCandlestick(ctx context.Context, c model.Candlestick) (bool, error) {
	tag, err := s.pool.Exec(ctx, candleUpsertSQL, pgx.NamedArgs{
		"interval_start": c.Key.Start,
		"interval_type":  string(c.Key.Interval),
		"account_id":     c.Key.AccountID,
		"open":           c.Open.String(),
		"high":           c.High.String(),
		"low":            c.Low.String(),
		"close":          c.Close.String(),
		"volume":         c.Volume.String(),
		"trade_count":    c.TradeCount,
		"first_seen":     c.FirstSeen,
		"last_seen":      c.LastSeen,
		"open_trade_id":  c.OpenRef.ID,
		"open_time":      c.OpenRef.EventTime,
		"close_trade_id": c.CloseRef.ID,
		"close_time":     c.CloseRef.EventTime,
		"revision":       int64(c.Revision),
		"state":          c.State.String(),
	})
	if err != nil {
		return false, classify(fmt.Errorf("postgres: upsert candlestick %s: %w", c.Key, err))
	}
	return tag.RowsAffected() > 0, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// classify marks data exceptions (22xxx) and integrity violations (23xxx)
// as permanent.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23":
			return sink.Permanent(err)
		}
	}
	return err
}

func keyArgs(key model.BucketKey) pgx.NamedArgs {
	return pgx.NamedArgs{
		"interval_start": key.Start,
		"interval_type":  string(key.Interval),
		"account_id":     key.AccountID,
	}
}
