// Package file replays trade files (a JSON array or newline-delimited JSON)
// into the engine for backfills and reprocessing.
package file

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"candle-engine/internal/decoder"
	"candle-engine/internal/engine"
	"candle-engine/internal/model"
)

// maxGap caps the simulated wait between two records.
const maxGap = 5 * time.Second

// Sink is the engine surface used by the replayer.
type Sink interface {
	Submit(ctx context.Context, t model.Trade, ack engine.AckFunc) error
	Reject(ctx context.Context, payload []byte, err error)
}

// Result summarizes one replay.
type Result struct {
	Submitted int
	Rejected  int
	Durable   int64 // raw trades acknowledged by storage so far
}

// Replayer feeds a file into the engine in file order.
type Replayer struct {
	path  string
	speed float64
	log   *slog.Logger

	durable atomic.Int64
}

// New creates a Replayer. speed controls pacing by event time: 1 = real
// time, 10 = ten times faster, 0 = as fast as possible.
func New(path string, speed float64) *Replayer {
	return &Replayer{path: path, speed: speed, log: slog.Default().With("component", "replay")}
}

// Run submits every record and returns once all were handed to the engine.
// Records are not reordered; the engine's watermark handles disorder.
func (r *Replayer) Run(ctx context.Context, sink Sink) (Result, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return Result{}, fmt.Errorf("replay: read %s: %w", r.path, err)
	}
	records := decoder.DecodeBatch(data)
	r.log.Info("replay starting", "path", r.path, "records", len(records), "speed", r.speed)

	ack := func(err error) {
		if err == nil {
			r.durable.Add(1)
		}
	}

	var res Result
	var prev time.Time
	for _, rec := range records {
		if rec.Err != nil {
			sink.Reject(ctx, rec.Raw, rec.Err)
			res.Rejected++
			continue
		}
		if err := r.pace(ctx, prev, rec.Trade.EventTime); err != nil {
			return r.result(res), err
		}
		if rec.Trade.EventTime.After(prev) {
			prev = rec.Trade.EventTime
		}
		err := sink.Submit(ctx, rec.Trade, ack)
		if errors.Is(err, decoder.ErrMalformed) {
			// already reported by the engine
			res.Rejected++
			continue
		}
		if err != nil {
			r.log.Warn("replay cancelled", "submitted", res.Submitted, "error", err)
			return r.result(res), err
		}
		res.Submitted++
	}
	r.log.Info("replay completed", "submitted", res.Submitted, "rejected", res.Rejected)
	return r.result(res), nil
}

// Durable returns the number of raw trades acknowledged by storage.
func (r *Replayer) Durable() int64 { return r.durable.Load() }

func (r *Replayer) result(res Result) Result {
	res.Durable = r.durable.Load()
	return res
}

func (r *Replayer) pace(ctx context.Context, prev, next time.Time) error {
	if r.speed <= 0 || prev.IsZero() || !next.After(prev) {
		return nil
	}
	gap := time.Duration(float64(next.Sub(prev)) / r.speed)
	if gap > maxGap {
		gap = maxGap
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(gap):
		return nil
	}
}
