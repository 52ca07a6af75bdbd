package model

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// BucketState is the finalization state of one bucket.
type BucketState int

const (
	StateOpen    BucketState = iota // accepting updates, not yet eligible for emission
	StateClosing                    // watermark passed the bucket end, awaiting emission
	StateClosed                     // emitted at least once
)

func (s BucketState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s BucketState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name; unknown names decode as closed.
func (s *BucketState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "open":
		*s = StateOpen
	case "closing":
		*s = StateClosing
	default:
		*s = StateClosed
	}
	return nil
}

// TradeRef points at the trade that currently defines open or close.
// Ordering is by event time, then trade id ascending.
type TradeRef struct {
	ID        string    `json:"id"`
	EventTime time.Time `json:"event_time"`
}

// Before reports whether r sorts strictly before o.
func (r TradeRef) Before(o TradeRef) bool {
	if !r.EventTime.Equal(o.EventTime) {
		return r.EventTime.Before(o.EventTime)
	}
	return CompareTradeIDs(r.ID, o.ID) < 0
}

// Candlestick is an immutable snapshot of one bucket's OHLC accumulator.
// It is what the finalizer emits and the sink writer upserts.
type Candlestick struct {
	Key        BucketKey       `json:"key"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"` // sum of trx_amount, late trades included
	TradeCount int64           `json:"trade_count"`
	FirstSeen  time.Time       `json:"first_seen_time"`
	LastSeen   time.Time       `json:"last_seen_time"`
	OpenRef    TradeRef        `json:"open_ref"`
	CloseRef   TradeRef        `json:"close_ref"`
	Revision   uint64          `json:"revision"`
	State      BucketState     `json:"state"`
}

// Empty reports whether no trade has been folded into the snapshot.
func (c *Candlestick) Empty() bool {
	return c.TradeCount == 0
}

// ValidOHLC checks low <= min(open, close) and high >= max(open, close).
func (c *Candlestick) ValidOHLC() bool {
	if c.Empty() {
		return true
	}
	return c.Low.LessThanOrEqual(c.Open) && c.Low.LessThanOrEqual(c.Close) &&
		c.High.GreaterThanOrEqual(c.Open) && c.High.GreaterThanOrEqual(c.Close) &&
		c.High.GreaterThanOrEqual(c.Low)
}

// PubSubChannel returns the Redis pub/sub channel: "pub:candle:{interval}:{account}".
func (c *Candlestick) PubSubChannel() string {
	return CandleChannel(c.Key.AccountID, c.Key.Interval)
}

// LatestKey returns the Redis key holding the newest candle of a series.
func (c *Candlestick) LatestKey() string {
	return LatestCandleKey(c.Key.AccountID, c.Key.Interval)
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candlestick) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// CandleChannel returns the pub/sub channel for an account's interval series.
func CandleChannel(account string, iv Interval) string {
	return "pub:candle:" + string(iv) + ":" + account
}

// LatestCandleKey returns the Redis key for the newest candle of a series.
func LatestCandleKey(account string, iv Interval) string {
	return "candle:" + string(iv) + ":latest:" + account
}
