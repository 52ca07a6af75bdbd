// Package logger provides structured logging using log/slog.
// It sets up a JSON handler with service-level context and carries
// trade/shard correlation attributes through context.Context.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type ctxKey string

const (
	tradeIDKey ctxKey = "trade_id"
	shardKey   ctxKey = "shard"
)

// Init creates and returns a structured logger for the given service.
// The logger outputs JSON to stdout with the service name embedded.
func Init(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	// Set as default so log/slog.Info() etc. also use structured output
	slog.SetDefault(logger)

	return logger
}

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
// Anything else yields info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Component returns the default logger tagged with a component name.
func Component(name string) *slog.Logger {
	return slog.Default().With(slog.String("component", name))
}

// WithTradeID stores a trade id in the context for downstream log lines.
func WithTradeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tradeIDKey, id)
}

// TradeID extracts the trade id from context. Returns "" if not set.
func TradeID(ctx context.Context) string {
	if v, ok := ctx.Value(tradeIDKey).(string); ok {
		return v
	}
	return ""
}

// WithShard stores the shard index in the context.
func WithShard(ctx context.Context, shard int) context.Context {
	return context.WithValue(ctx, shardKey, shard)
}

// Shard extracts the shard index from context. Returns -1 if not set.
func Shard(ctx context.Context) int {
	if v, ok := ctx.Value(shardKey).(int); ok {
		return v
	}
	return -1
}

// Attrs returns slog attributes for whatever correlation values the
// context carries.
// Usage: slog.Info("msg", logger.Attrs(ctx)...)
func Attrs(ctx context.Context) []any {
	var attrs []any
	if tid := TradeID(ctx); tid != "" {
		attrs = append(attrs, slog.String("trade_id", tid))
	}
	if s := Shard(ctx); s >= 0 {
		attrs = append(attrs, slog.Int("shard", s))
	}
	return attrs
}
