// Command aggregator consumes trades, folds them into candlesticks and
// commits finalized candles to storage. It also serves the query API with
// an in-process live feed.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"candle-engine/config"
	"candle-engine/internal/engine"
	"candle-engine/internal/logger"
	"candle-engine/internal/metrics"
	"candle-engine/internal/model"
	"candle-engine/internal/notification"
	"candle-engine/internal/query"
	"candle-engine/internal/sink"
	"candle-engine/internal/source/file"
	"candle-engine/internal/store"
	redisstore "candle-engine/internal/store/redis"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("CONFIG_FILE"), "Path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	log := logger.Init("aggregator", logger.ParseLevel(cfg.LogLevel))

	if err := run(cfg, log); err != nil {
		log.Error("aggregator failed", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Metrics & health ----
	prom := metrics.New()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Storage ----
	db, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("storage ready", "driver", cfg.Storage.Driver)

	// ---- Redis (trade stream, hot tier, late stream) ----
	var rdb *goredis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = redisstore.NewClient(ctx, cfg.Redis)
		if err != nil {
			if cfg.Source.Kind == "redis" {
				return err
			}
			log.Warn("redis unavailable, continuing without hot tier", "error", err)
		} else {
			defer rdb.Close()
		}
	} else if cfg.Source.Kind == "redis" {
		return errors.New("source kind redis needs redis.addr")
	}

	// ---- Sink: storage writer + publishers ----
	fan := engine.NewFanOut(256)
	fan.OnDrop = func(model.Candlestick) { prom.FanoutDrops.Inc() }
	publishers := sink.Publishers{fan}

	var hot *redisstore.Publisher
	if rdb != nil {
		hot = redisstore.NewPublisher(rdb, redisstore.PublisherOptions{LatestTTL: cfg.Redis.LatestTTL})
		hot.OnBuffer = prom.HotTierBuffered.Inc
		hot.OnFlush = func(n int) { log.Info("hot tier backlog replayed", "candles", n) }
		publishers = append(publishers, hot)
	}

	writer := sink.NewWriter(db, sinkOptions(cfg.Sink),
		sink.WithNotifier(notifier(cfg.Alerts)),
		sink.WithPublisher(publishers),
		sink.WithHooks(prom.SinkHooks()),
	)

	// ---- Engine ----
	engOpts := []engine.Option{engine.WithObserver(&tradeClock{Metrics: prom, health: health})}
	if rdb != nil {
		engOpts = append(engOpts, engine.WithMonitor(redisstore.NewLateReporter(rdb, cfg.Redis.LateStream, cfg.Redis.RejectStream)))
	}
	eng := engine.New(engine.OptionsFromConfig(cfg.Engine), writer, db, engOpts...)

	health.SetLagFunc(func() time.Duration {
		var worst time.Duration
		for _, st := range eng.Stats() {
			if st.Lag > worst {
				worst = st.Lag
			}
		}
		return worst
	})
	health.StartLivenessChecker(ctx, 10*time.Second, probes(db, rdb, writer)...)

	// ---- Query API ----
	qOpts := []query.Option{query.WithFeed(fan), query.WithHealth(health)}
	if hot != nil {
		qOpts = append(qOpts, query.WithHotTier(hot))
	}
	api := query.NewServer(db, qOpts...)
	api.Start(cfg.HTTPAddr)

	// the engine outlives ctx so that it can drain after the source stops
	engCtx, stopEngine := context.WithCancel(context.WithoutCancel(ctx))
	defer stopEngine()
	go eng.Run(engCtx)

	// ---- Source ----
	srcErr := make(chan error, 1)
	switch cfg.Source.Kind {
	case "file":
		go func() {
			res, err := file.New(cfg.Source.File, cfg.Source.Speed).Run(ctx, eng)
			log.Info("replay finished", "submitted", res.Submitted, "rejected", res.Rejected)
			srcErr <- err
		}()
	default:
		consumer := redisstore.NewStreamConsumer(rdb, redisstore.ConsumerConfig{
			Stream:   cfg.Redis.Stream,
			Group:    cfg.Redis.Group,
			Consumer: cfg.Redis.Consumer,
		})
		go func() { srcErr <- consumer.Run(ctx, eng) }()
	}

	log.Info("aggregator running",
		"source", cfg.Source.Kind,
		"intervals", config.FormatIntervals(cfg.Engine.Intervals),
		"shards", cfg.Engine.Shards,
		"http", cfg.HTTPAddr,
		"metrics", cfg.MetricsAddr)

	// ---- Wait for shutdown signal or source exit ----
	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, draining")
		<-srcErr
	case runErr = <-srcErr:
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			log.Error("source stopped", "error", runErr)
		} else {
			runErr = nil
		}
	}

	stopEngine()
	<-eng.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = api.Stop(shutdownCtx)
	_ = metricsSrv.Stop(shutdownCtx)
	return runErr
}

func sinkOptions(c config.SinkConfig) sink.Options {
	return sink.Options{
		WriteTimeout:    c.WriteTimeout,
		MaxRetryElapsed: c.MaxRetryElapsed,
		InitialBackoff:  c.InitialBackoff,
		MaxBackoff:      c.MaxBackoff,
		BreakerFailures: c.BreakerFailures,
		BreakerReset:    c.BreakerReset,
	}
}

// notifier always logs and adds whatever remote channels are configured.
func notifier(c config.AlertConfig) notification.Notifier {
	n := notification.Multi{notification.NewLogNotifier()}
	if c.WebhookURL != "" {
		n = append(n, notification.NewWebhookNotifier(c.WebhookURL))
	}
	if c.TelegramToken != "" && c.TelegramChat != "" {
		n = append(n, notification.NewTelegramNotifier(c.TelegramToken, c.TelegramChat))
	}
	return n
}

func probes(db store.Backend, rdb *goredis.Client, w *sink.Writer) []metrics.Probe {
	ps := []metrics.Probe{
		{Name: "storage", Critical: true, Check: db.Ping},
		{Name: "sink_breaker", Check: func(context.Context) error {
			if w.BreakerState() == sink.BreakerOpen {
				return errors.New("storage breaker open")
			}
			return nil
		}},
	}
	if rdb != nil {
		ps = append(ps, metrics.Probe{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	return ps
}

// tradeClock feeds the health endpoint's last-trade timestamp.
type tradeClock struct {
	*metrics.Metrics
	health *metrics.HealthStatus
}

func (t *tradeClock) TradeAccepted(shard int) {
	t.Metrics.TradeAccepted(shard)
	t.health.SetLastTradeTime(time.Now())
}
