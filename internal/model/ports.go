package model

import (
	"context"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the aggregation core from concrete storage
// implementations (Postgres/TimescaleDB, SQLite, in-memory). Each backend
// satisfies Storage and QueryStore.

// TradeWriter persists raw trades keyed by (event_time, id).
type TradeWriter interface {
	// UpsertTrades writes trades; rewriting an identical row is a no-op.
	UpsertTrades(ctx context.Context, trades []Trade) error
}

// CandleWriter persists candlestick snapshots keyed by
// (interval_start, interval_type, account_id).
type CandleWriter interface {
	// UpsertCandlestick writes the whole row atomically. It reports
	// applied=false when the stored revision is >= the incoming one.
	UpsertCandlestick(ctx context.Context, c Candlestick) (applied bool, err error)
}

// RevisionReader returns the last committed revision of a bucket.
type RevisionReader interface {
	GetLastRevision(ctx context.Context, key BucketKey) (rev uint64, ok bool, err error)
}

// SnapshotLoader reloads a stored candlestick so a bucket evicted from
// memory can be reopened.
type SnapshotLoader interface {
	LoadAccumulatorSnapshot(ctx context.Context, key BucketKey) (Candlestick, bool, error)
}

// TradeIDLister lists the trade ids stored for an account in [from, to).
type TradeIDLister interface {
	ListTradeIDs(ctx context.Context, account string, from, to time.Time) ([]string, error)
}

// Storage is the full write-side contract consumed by the core.
type Storage interface {
	TradeWriter
	CandleWriter
	RevisionReader
	SnapshotLoader
	TradeIDLister

	// Close releases underlying resources.
	Close() error
}

// CandleReader reads committed candlesticks ordered by interval_start.
type CandleReader interface {
	QueryCandles(ctx context.Context, account string, iv Interval, from, to time.Time) ([]Candlestick, error)
}

// LatestReader returns the newest committed candle of a series.
type LatestReader interface {
	LatestCandle(ctx context.Context, account string, iv Interval) (Candlestick, bool, error)
}

// TradeReader reads raw trades ordered by event_time.
type TradeReader interface {
	QueryTrades(ctx context.Context, account string, from, to time.Time) ([]Trade, error)
}

// QueryStore is the read-side contract of the query service.
type QueryStore interface {
	CandleReader
	LatestReader
	TradeReader
}
