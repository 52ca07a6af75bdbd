package engine

import (
	"time"

	"candle-engine/internal/model"
)

// Observer receives pipeline events for metrics. Implementations must be
// safe for concurrent use; every shard calls in.
type Observer interface {
	TradeAccepted(shard int)
	TradeRejected(reason string)
	TradeDuplicate(shard int)
	TradeLate(sig model.LateSignal)
	CandleFinalized(c model.Candlestick)
	CandleRepublished(c model.Candlestick)
	BucketReopened(key model.BucketKey)
	BucketEvicted(key model.BucketKey)
	ShardStats(s Stats)
}

// Stats is a point-in-time view of one shard.
type Stats struct {
	Shard        int
	Watermark    time.Time
	Lag          time.Duration // wall clock minus watermark
	Buckets      int
	Open         int
	Closing      int
	Closed       int
	PendingRaw   int
	QueueLen     int
	Processed    uint64
	Late         uint64
	Duplicates   uint64
	EmitFailures uint64
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) TradeAccepted(int)                   {}
func (NopObserver) TradeRejected(string)                {}
func (NopObserver) TradeDuplicate(int)                  {}
func (NopObserver) TradeLate(model.LateSignal)          {}
func (NopObserver) CandleFinalized(model.Candlestick)   {}
func (NopObserver) CandleRepublished(model.Candlestick) {}
func (NopObserver) BucketReopened(model.BucketKey)      {}
func (NopObserver) BucketEvicted(model.BucketKey)       {}
func (NopObserver) ShardStats(Stats)                    {}
