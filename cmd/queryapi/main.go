// Command queryapi serves committed candles and raw trades read-only. With
// Redis configured it answers latest-candle requests from the hot tier and
// streams revisions over websocket from Redis pub/sub.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"candle-engine/config"
	"candle-engine/internal/logger"
	"candle-engine/internal/metrics"
	"candle-engine/internal/query"
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
	log := logger.Init("queryapi", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		log.Error("storage open failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	health := metrics.NewHealthStatus()
	probes := []metrics.Probe{{Name: "storage", Critical: true, Check: db.Ping}}

	var opts []query.Option
	if cfg.Redis.Addr != "" {
		rdb, err := redisstore.NewClient(ctx, cfg.Redis)
		if err != nil {
			log.Warn("redis unavailable, serving from storage only", "error", err)
		} else {
			defer rdb.Close()
			feed := redisstore.NewFeed(rdb)
			opts = append(opts, query.WithFeed(feed), query.WithHotTier(feed))
			probes = append(probes, metrics.Probe{Name: "redis", Check: func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			}})
		}
	}
	health.StartLivenessChecker(ctx, 10*time.Second, probes...)
	opts = append(opts, query.WithHealth(health))

	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	api := query.NewServer(db, opts...)
	api.Start(cfg.HTTPAddr)
	log.Info("query api running", "http", cfg.HTTPAddr, "storage", cfg.Storage.Driver)

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = api.Stop(shutdownCtx)
	_ = metricsSrv.Stop(shutdownCtx)
	log.Info("shutdown complete")
}
