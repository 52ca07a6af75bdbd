package redis

import (
	"context"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"candle-engine/internal/model"
)

const defaultSignalMaxLen = 100000

// LateReporter appends data-quality signals to Redis streams: late trades
// kept out of a candle and records the decoder refused. It implements
// engine.Monitor. Write failures are logged; the signal is also in the
// engine log.
type LateReporter struct {
	client       goredis.UniversalClient
	lateStream   string
	rejectStream string
	maxLen       int64
	timeout      time.Duration
	log          *slog.Logger
}

// NewLateReporter writes late signals to lateStream and rejects to
// rejectStream. An empty stream name disables that kind.
func NewLateReporter(client goredis.UniversalClient, lateStream, rejectStream string) *LateReporter {
	return &LateReporter{
		client:       client,
		lateStream:   lateStream,
		rejectStream: rejectStream,
		maxLen:       defaultSignalMaxLen,
		timeout:      2 * time.Second,
		log:          slog.Default().With("component", "late-reporter"),
	}
}

// OnLate implements engine.Monitor.
func (r *LateReporter) OnLate(ctx context.Context, sig model.LateSignal) {
	if r.lateStream == "" {
		return
	}
	r.add(ctx, r.lateStream, map[string]interface{}{
		"id":         sig.ID,
		"trade_id":   sig.Trade.ID,
		"account_id": sig.Trade.AccountID,
		"bucket":     sig.Bucket.String(),
		"reason":     string(sig.Reason),
		"watermark":  sig.Watermark.UTC().Format(time.RFC3339Nano),
		"data":       string(mustJSON(sig)),
	})
}

// OnReject implements engine.Monitor.
func (r *LateReporter) OnReject(ctx context.Context, sig model.RejectSignal) {
	if r.rejectStream == "" {
		return
	}
	r.add(ctx, r.rejectStream, map[string]interface{}{
		"reason":  sig.Reason,
		"error":   sig.Err,
		"excerpt": sig.Excerpt,
		"at":      sig.At.UTC().Format(time.RFC3339Nano),
	})
}

func (r *LateReporter) add(ctx context.Context, stream string, values map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	err := r.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		r.log.Warn("signal xadd failed", "stream", stream, "error", err)
	}
}
