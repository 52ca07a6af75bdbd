package redis

import (
	"context"
	"log/slog"

	goredis "github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"

	"candle-engine/internal/model"
)

// Feed streams committed candles from Redis pub/sub. It serves the query
// service's websocket endpoint when it runs apart from the aggregator.
type Feed struct {
	client  goredis.UniversalClient
	bufSize int
	log     *slog.Logger
}

// NewFeed creates a Feed on client.
func NewFeed(client goredis.UniversalClient) *Feed {
	return &Feed{client: client, bufSize: 64, log: slog.Default().With("component", "redis-feed")}
}

// Subscribe returns candles for account and interval; empty values match
// every account or interval. The channel closes when ctx is done. A full
// channel drops messages for this subscriber.
func (f *Feed) Subscribe(ctx context.Context, account string, iv model.Interval) (<-chan model.Candlestick, error) {
	pattern := "pub:candle:" + globOr(string(iv)) + ":" + globOr(account)
	ps := f.client.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}

	out := make(chan model.Candlestick, f.bufSize)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var c model.Candlestick
				if err := decodeCandle([]byte(msg.Payload), &c); err != nil {
					f.log.Warn("bad candle payload", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- c:
				default:
					f.log.Debug("subscriber slow, candle dropped", "bucket", c.Key.String())
				}
			}
		}
	}()
	return out, nil
}

var _ model.LatestReader = (*Feed)(nil)

// LatestCandle returns the newest hot-tier candle of a series.
func (f *Feed) LatestCandle(ctx context.Context, account string, iv model.Interval) (model.Candlestick, bool, error) {
	return LatestCandle(ctx, f.client, account, iv)
}

func globOr(s string) string {
	if s == "" {
		return "*"
	}
	return s
}

func decodeCandle(data []byte, c *model.Candlestick) error {
	return json.Unmarshal(data, c)
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
