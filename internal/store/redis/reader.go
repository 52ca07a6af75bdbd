package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"

	"candle-engine/internal/decoder"
	"candle-engine/internal/engine"
)

// Submitter is the engine surface the consumer feeds.
type Submitter interface {
	SubmitRaw(ctx context.Context, payload []byte, ack engine.AckFunc) error
}

// ConsumerConfig names the stream and the consumer group.
type ConsumerConfig struct {
	Stream   string
	Group    string
	Consumer string
	Count    int64         // max messages per XREADGROUP, default 256
	Block    time.Duration // default 2s
}

// StreamConsumer reads raw trade records from a Redis Stream through a
// consumer group. A message is XACKed only once the engine reports its
// raw trade durable, so a crash replays it; the engine's dedup makes the
// replay harmless. Malformed records are acked right away so they cannot
// block the group.
type StreamConsumer struct {
	client goredis.UniversalClient
	cfg    ConsumerConfig
	log    *slog.Logger

	ack func(ctx context.Context, id string) error
}

// NewStreamConsumer creates a consumer on client.
func NewStreamConsumer(client goredis.UniversalClient, cfg ConsumerConfig) *StreamConsumer {
	if cfg.Count <= 0 {
		cfg.Count = 256
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	c := &StreamConsumer{
		client: client,
		cfg:    cfg,
		log: slog.Default().With("component", "redis-consumer",
			"stream", cfg.Stream, "group", cfg.Group, "consumer", cfg.Consumer),
	}
	c.ack = func(ctx context.Context, id string) error {
		return c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err()
	}
	return c
}

// EnsureGroup creates the consumer group, reading from the start of the
// stream when it is new.
func (c *StreamConsumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	return nil
}

// Run recovers this consumer's pending messages, then consumes new ones
// until ctx is cancelled or the engine stops.
func (c *StreamConsumer) Run(ctx context.Context, sub Submitter) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	if err := c.recoverPending(ctx, sub); err != nil {
		return err
	}
	c.log.Info("consuming trades")

	for {
		if ctx.Err() != nil {
			return nil
		}
		results, err := c.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{c.cfg.Stream, ">"},
			Count:    c.cfg.Count,
			Block:    c.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) || ctx.Err() != nil {
				continue
			}
			c.log.Warn("xreadgroup failed", "error", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range results {
			for _, msg := range stream.Messages {
				if err := c.handle(ctx, sub, msg); err != nil {
					if errors.Is(err, engine.ErrStopped) || ctx.Err() != nil {
						return nil
					}
					return err
				}
			}
		}
	}
}

// recoverPending re-reads messages delivered to this consumer but never
// acked, e.g. after a crash.
func (c *StreamConsumer) recoverPending(ctx context.Context, sub Submitter) error {
	last := "0"
	recovered := 0
	for {
		results, err := c.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{c.cfg.Stream, last},
			Count:    c.cfg.Count,
		}).Result()
		if errors.Is(err, goredis.Nil) {
			break
		}
		if err != nil {
			return err
		}
		if len(results) == 0 || len(results[0].Messages) == 0 {
			break
		}
		for _, msg := range results[0].Messages {
			if err := c.handle(ctx, sub, msg); err != nil {
				return err
			}
			last = msg.ID
			recovered++
		}
	}
	if recovered > 0 {
		c.log.Info("recovered pending trades", "count", recovered)
	}
	return nil
}

func (c *StreamConsumer) handle(ctx context.Context, sub Submitter, msg goredis.XMessage) error {
	payload, err := payloadOf(msg)
	if err != nil {
		c.log.Warn("unreadable stream entry", "id", msg.ID, "error", err)
		c.ackNow(ctx, msg.ID)
		return nil
	}

	id := msg.ID
	err = sub.SubmitRaw(ctx, payload, func(werr error) {
		if werr != nil {
			// storage refused the record permanently; redelivery cannot help
			c.log.Error("trade rejected by storage", "id", id, "error", werr)
		}
		c.ackNow(context.WithoutCancel(ctx), id)
	})
	if errors.Is(err, decoder.ErrMalformed) {
		c.ackNow(ctx, id)
		return nil
	}
	return err
}

func (c *StreamConsumer) ackNow(ctx context.Context, id string) {
	if err := c.ack(ctx, id); err != nil {
		c.log.Warn("xack failed", "id", id, "error", err)
	}
}

// payloadOf returns the "data" field, or the entry's fields encoded as a
// JSON object when producers XADD the record fields directly.
func payloadOf(msg goredis.XMessage) ([]byte, error) {
	if data, ok := msg.Values["data"].(string); ok {
		return []byte(data), nil
	}
	if len(msg.Values) == 0 {
		return nil, errors.New("empty stream entry")
	}
	return json.Marshal(msg.Values)
}
