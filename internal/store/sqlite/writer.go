// Package sqlite is the embedded storage driver, used for development and
// single-node deployments. Decimals are stored as TEXT to keep them exact.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattn/go-sqlite3"

	"candle-engine/internal/model"
	"candle-engine/internal/sink"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to the database file, e.g. "data/candles.db"
}

// Store implements model.Storage and model.QueryStore.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Open opens the database in WAL mode and creates the schema.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log := slog.Default().With("component", "sqlite")
	log.Info("opened database", "path", cfg.DBPath)
	return &Store{db: db, log: log}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS trades (
			ts         INTEGER NOT NULL,
			id         TEXT    NOT NULL,
			account_id TEXT    NOT NULL,
			amount     TEXT    NOT NULL,
			trx_amount TEXT    NOT NULL,
			total_done TEXT    NOT NULL,
			trans_type TEXT    NOT NULL DEFAULT '',
			PRIMARY KEY (ts, id)
		);

		CREATE INDEX IF NOT EXISTS trades_account_ts ON trades (account_id, ts);

		CREATE TABLE IF NOT EXISTS candlesticks (
			interval_start  INTEGER NOT NULL,
			interval_type   TEXT    NOT NULL,
			account_id      TEXT    NOT NULL,
			open            TEXT    NOT NULL,
			high            TEXT    NOT NULL,
			low             TEXT    NOT NULL,
			close           TEXT    NOT NULL,
			volume          TEXT    NOT NULL,
			trade_count     INTEGER NOT NULL,
			first_seen      INTEGER NOT NULL,
			last_seen       INTEGER NOT NULL,
			open_trade_id   TEXT    NOT NULL,
			open_time       INTEGER NOT NULL,
			close_trade_id  TEXT    NOT NULL,
			close_time      INTEGER NOT NULL,
			revision        INTEGER NOT NULL,
			state           TEXT    NOT NULL,
			PRIMARY KEY (interval_start, interval_type, account_id)
		);
	`)
	return err
}

// UpsertTrades inserts trades in one transaction. Rows already present
// under the same (ts, id) are left untouched.
func (s *Store) UpsertTrades(ctx context.Context, trades []model.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trades (ts, id, account_id, amount, trx_amount, total_done, trans_type)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ts, id) DO NOTHING
	`)
	if err != nil {
		tx.Rollback()
		return classify(err)
	}
	defer stmt.Close()

	for _, t := range trades {
		_, err := stmt.ExecContext(ctx, t.EventTime.UnixNano(), t.ID, t.AccountID,
			t.Amount.String(), t.TrxAmount.String(), t.TotalDone.String(), t.TransType)
		if err != nil {
			tx.Rollback()
			return classify(err)
		}
	}
	return classify(tx.Commit())
}

// UpsertCandlestick writes the whole row when c.Revision is newer than the
// stored one. applied reports whether the row changed.
func (s *Store) UpsertCandlestick(ctx context.Context, c model.Candlestick) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO candlesticks (
			interval_start, interval_type, account_id,
			open, high, low, close, volume, trade_count,
			first_seen, last_seen, open_trade_id, open_time, close_trade_id, close_time,
			revision, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (interval_start, interval_type, account_id) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			trade_count = excluded.trade_count,
			first_seen = excluded.first_seen,
			last_seen = excluded.last_seen,
			open_trade_id = excluded.open_trade_id,
			open_time = excluded.open_time,
			close_trade_id = excluded.close_trade_id,
			close_time = excluded.close_time,
			revision = excluded.revision,
			state = excluded.state
		WHERE excluded.revision > candlesticks.revision
	`,
		c.Key.Start.Unix(), string(c.Key.Interval), c.Key.AccountID,
		c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String(), c.TradeCount,
		c.FirstSeen.UnixNano(), c.LastSeen.UnixNano(),
		c.OpenRef.ID, c.OpenRef.EventTime.UnixNano(), c.CloseRef.ID, c.CloseRef.EventTime.UnixNano(),
		int64(c.Revision), c.State.String(),
	)
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// classify marks constraint and type errors as permanent; everything else
// (busy, locked, I/O) is retried by the sink.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrConstraint, sqlite3.ErrMismatch, sqlite3.ErrTooBig:
			return sink.Permanent(err)
		}
	}
	return err
}
