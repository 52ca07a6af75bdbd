// Package metrics exposes Prometheus collectors for the engine, the sink
// and the hot tier, plus the /metrics and /healthz server.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"candle-engine/internal/engine"
	"candle-engine/internal/model"
	"candle-engine/internal/sink"
)

// Metrics holds all Prometheus metrics for the candle engine. It
// implements engine.Observer.
type Metrics struct {
	TradesTotal        *prometheus.CounterVec // labels: result (accepted, duplicate)
	RejectedTrades     *prometheus.CounterVec // labels: reason
	LateTrades         *prometheus.CounterVec // labels: reason, interval
	CandlesFinalized   *prometheus.CounterVec // labels: interval
	CandlesRepublished *prometheus.CounterVec // labels: interval
	BucketsReopened    prometheus.Counter
	BucketsEvicted     prometheus.Counter

	// Per-shard state, refreshed on every scan tick
	WatermarkLag  *prometheus.GaugeVec // labels: shard
	Accumulators  *prometheus.GaugeVec // labels: shard, state
	PendingTrades *prometheus.GaugeVec // labels: shard
	QueueLen      *prometheus.GaugeVec // labels: shard

	// Sink
	SinkRetries    *prometheus.CounterVec   // labels: op
	SinkLatency    *prometheus.HistogramVec // labels: op, result
	StaleRevisions prometheus.Counter
	BreakerState   prometheus.Gauge // 0=closed, 1=open, 2=half-open
	BreakerTrips   prometheus.Counter

	// Hot tier and live feed
	HotTierBuffered prometheus.Counter
	FanoutDrops     prometheus.Counter
}

// New creates the metrics and registers them with the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the metrics with reg.
func NewWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candle_engine_trades_total",
			Help: "Trades processed by the shards",
		}, []string{"result"}),
		RejectedTrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candle_engine_rejected_trades_total",
			Help: "Raw records refused by the decoder",
		}, []string{"reason"}),
		LateTrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candle_engine_late_trades_total",
			Help: "Trades kept out of a candle because they arrived too late",
		}, []string{"reason", "interval"}),
		CandlesFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candle_engine_candles_finalized_total",
			Help: "First emission of a closed bucket",
		}, []string{"interval"}),
		CandlesRepublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candle_engine_candles_republished_total",
			Help: "Corrected revisions of already emitted buckets",
		}, []string{"interval"}),
		BucketsReopened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candle_engine_buckets_reopened_total",
			Help: "Closed buckets reopened by a late trade",
		}),
		BucketsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candle_engine_buckets_evicted_total",
			Help: "Flushed buckets dropped from memory",
		}),

		WatermarkLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candle_engine_watermark_lag_seconds",
			Help: "Wall clock minus the shard's event-time watermark",
		}, []string{"shard"}),
		Accumulators: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candle_engine_accumulators",
			Help: "Resident buckets per shard and state",
		}, []string{"shard", "state"}),
		PendingTrades: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candle_engine_pending_raw_trades",
			Help: "Raw trades buffered in a shard, not yet durable",
		}, []string{"shard"}),
		QueueLen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candle_engine_shard_queue_len",
			Help: "Trades waiting in a shard's input queue",
		}, []string{"shard"}),

		SinkRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candle_engine_sink_retries_total",
			Help: "Storage write attempts that failed and were retried",
		}, []string{"op"}),
		SinkLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "candle_engine_sink_write_duration_seconds",
			Help:    "Storage write attempt latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"op", "result"}),
		StaleRevisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candle_engine_stale_revisions_total",
			Help: "Candle writes skipped because storage held the same or a newer revision",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candle_engine_storage_breaker_state",
			Help: "Storage circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candle_engine_storage_breaker_trips_total",
			Help: "Times the storage circuit breaker tripped open",
		}),

		HotTierBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candle_engine_hot_tier_buffered_total",
			Help: "Candles buffered locally while Redis was unavailable",
		}),
		FanoutDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candle_engine_fanout_drops_total",
			Help: "Candles dropped for slow live-feed subscribers",
		}),
	}

	reg.MustRegister(
		m.TradesTotal,
		m.RejectedTrades,
		m.LateTrades,
		m.CandlesFinalized,
		m.CandlesRepublished,
		m.BucketsReopened,
		m.BucketsEvicted,
		m.WatermarkLag,
		m.Accumulators,
		m.PendingTrades,
		m.QueueLen,
		m.SinkRetries,
		m.SinkLatency,
		m.StaleRevisions,
		m.BreakerState,
		m.BreakerTrips,
		m.HotTierBuffered,
		m.FanoutDrops,
	)
	return m
}

var _ engine.Observer = (*Metrics)(nil)

func (m *Metrics) TradeAccepted(int)  { m.TradesTotal.WithLabelValues("accepted").Inc() }
func (m *Metrics) TradeDuplicate(int) { m.TradesTotal.WithLabelValues("duplicate").Inc() }

func (m *Metrics) TradeRejected(reason string) {
	m.RejectedTrades.WithLabelValues(reason).Inc()
}

func (m *Metrics) TradeLate(sig model.LateSignal) {
	m.LateTrades.WithLabelValues(string(sig.Reason), string(sig.Bucket.Interval)).Inc()
}

func (m *Metrics) CandleFinalized(c model.Candlestick) {
	m.CandlesFinalized.WithLabelValues(string(c.Key.Interval)).Inc()
}

func (m *Metrics) CandleRepublished(c model.Candlestick) {
	m.CandlesRepublished.WithLabelValues(string(c.Key.Interval)).Inc()
}

func (m *Metrics) BucketReopened(model.BucketKey) { m.BucketsReopened.Inc() }
func (m *Metrics) BucketEvicted(model.BucketKey)  { m.BucketsEvicted.Inc() }

// ShardStats refreshes the per-shard gauges.
func (m *Metrics) ShardStats(s engine.Stats) {
	shard := strconv.Itoa(s.Shard)
	if !s.Watermark.IsZero() {
		m.WatermarkLag.WithLabelValues(shard).Set(s.Lag.Seconds())
	}
	m.Accumulators.WithLabelValues(shard, model.StateOpen.String()).Set(float64(s.Open))
	m.Accumulators.WithLabelValues(shard, model.StateClosing.String()).Set(float64(s.Closing))
	m.Accumulators.WithLabelValues(shard, model.StateClosed.String()).Set(float64(s.Closed))
	m.PendingTrades.WithLabelValues(shard).Set(float64(s.PendingRaw))
	m.QueueLen.WithLabelValues(shard).Set(float64(s.QueueLen))
}

// SinkHooks returns writer hooks feeding the sink metrics.
func (m *Metrics) SinkHooks() sink.Hooks {
	return sink.Hooks{
		OnRetry: func(op string, _ error) { m.SinkRetries.WithLabelValues(op).Inc() },
		OnStale: func(model.Candlestick) { m.StaleRevisions.Inc() },
		OnWrite: func(op string, d time.Duration, err error) {
			result := "ok"
			if err != nil {
				result = "error"
			}
			m.SinkLatency.WithLabelValues(op, result).Observe(d.Seconds())
		},
		OnBreakerChange: func(_, to sink.BreakerState) {
			m.BreakerState.Set(float64(to))
			if to == sink.BreakerOpen {
				m.BreakerTrips.Inc()
			}
		},
	}
}
