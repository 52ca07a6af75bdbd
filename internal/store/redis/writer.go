package redis

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"candle-engine/internal/model"
	"candle-engine/internal/sink"
)

const (
	defaultLatestTTL    = 30 * time.Minute
	defaultStreamMaxLen = 5000
	defaultMaxBuffered  = 10000
)

// setLatest replaces the latest candle of a series unless the stored one
// belongs to a later bucket or carries a newer revision of the same bucket.
var setLatest = goredis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'start', 'rev')
local s = tonumber(ARGV[1])
local r = tonumber(ARGV[2])
if cur[1] then
  local cs = tonumber(cur[1])
  local cr = tonumber(cur[2])
  if cs > s or (cs == s and cr >= r) then
    return 0
  end
end
redis.call('HSET', KEYS[1], 'start', ARGV[1], 'rev', ARGV[2], 'data', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// PublisherOptions configure the hot tier.
type PublisherOptions struct {
	LatestTTL       time.Duration
	StreamMaxLen    int64
	MaxBuffered     int
	BreakerFailures int
	BreakerReset    time.Duration
}

// Publisher writes committed candles to the Redis hot tier: the latest
// candle per series, a trimmed per-series stream and a pub/sub message.
// It implements sink.Publisher. While Redis is unavailable a breaker fails
// calls fast and the newest revision per bucket is buffered locally, then
// replayed when the breaker closes.
type Publisher struct {
	client goredis.UniversalClient
	opts   PublisherOptions
	cb     *sink.Breaker
	log    *slog.Logger

	mu     sync.Mutex
	buffer map[model.BucketKey]model.Candlestick

	// OnBuffer is called when a candle is buffered (for metrics).
	OnBuffer func()
	// OnFlush is called after buffered candles were replayed.
	OnFlush func(count int)
}

// NewPublisher creates a Publisher on client.
func NewPublisher(client goredis.UniversalClient, opts PublisherOptions) *Publisher {
	if opts.LatestTTL <= 0 {
		opts.LatestTTL = defaultLatestTTL
	}
	if opts.StreamMaxLen <= 0 {
		opts.StreamMaxLen = defaultStreamMaxLen
	}
	if opts.MaxBuffered <= 0 {
		opts.MaxBuffered = defaultMaxBuffered
	}
	if opts.BreakerFailures <= 0 {
		opts.BreakerFailures = 3
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = 5 * time.Second
	}
	p := &Publisher{
		client: client,
		opts:   opts,
		cb:     sink.NewBreaker(opts.BreakerFailures, opts.BreakerReset),
		log:    slog.Default().With("component", "redis-publisher"),
		buffer: make(map[model.BucketKey]model.Candlestick),
	}
	p.cb.OnStateChange = func(from, to sink.BreakerState) {
		p.log.Warn("redis breaker state change", "from", from.String(), "to", to.String())
		if to == sink.BreakerClosed {
			go p.flush()
		}
	}
	return p
}

// BreakerState exposes the breaker for health checks.
func (p *Publisher) BreakerState() sink.BreakerState { return p.cb.State() }

// PublishCandle implements sink.Publisher. A candle that could not be
// written is buffered for replay; errors other than an open breaker are
// still returned.
func (p *Publisher) PublishCandle(ctx context.Context, c model.Candlestick) error {
	err := p.cb.Execute(func() error { return p.write(ctx, c) })
	switch {
	case err == nil:
		if p.supersede(c) > 0 {
			// redis is back without the breaker having opened
			go p.flush()
		}
		return nil
	case errors.Is(err, sink.ErrBreakerOpen):
		p.bufferCandle(c)
		return nil
	default:
		p.bufferCandle(c)
		return err
	}
}

// supersede drops a buffered candle that c replaces and returns how many
// candles remain buffered.
func (p *Publisher) supersede(c model.Candlestick) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.buffer[c.Key]; ok && cur.Revision <= c.Revision {
		delete(p.buffer, c.Key)
	}
	return len(p.buffer)
}

func (p *Publisher) write(ctx context.Context, c model.Candlestick) error {
	data := string(c.JSON())
	pipe := p.client.Pipeline()

	setLatest.Eval(ctx, pipe, []string{c.LatestKey()},
		c.Key.Start.Unix(), c.Revision, data, p.opts.LatestTTL.Milliseconds())
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: SeriesStream(c.Key.AccountID, c.Key.Interval),
		MaxLen: p.opts.StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data":     data,
			"revision": c.Revision,
		},
	})
	pipe.Publish(ctx, c.PubSubChannel(), data)

	_, err := pipe.Exec(ctx)
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	return err
}

// LatestCandle returns the newest candle of a series from the hot tier.
func (p *Publisher) LatestCandle(ctx context.Context, account string, iv model.Interval) (model.Candlestick, bool, error) {
	return LatestCandle(ctx, p.client, account, iv)
}

func (p *Publisher) bufferCandle(c model.Candlestick) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.buffer[c.Key]; ok {
		if cur.Revision < c.Revision {
			p.buffer[c.Key] = c
		}
		return
	}
	if len(p.buffer) >= p.opts.MaxBuffered {
		p.log.Warn("hot tier buffer full, dropping candle", "bucket", c.Key.String(), "revision", c.Revision)
		return
	}
	p.buffer[c.Key] = c
	if p.OnBuffer != nil {
		p.OnBuffer()
	}
}

// flush replays buffered candles in bucket order.
func (p *Publisher) flush() {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	pending := make([]model.Candlestick, 0, len(p.buffer))
	for _, c := range p.buffer {
		pending = append(pending, c)
	}
	p.buffer = make(map[model.BucketKey]model.Candlestick)
	p.mu.Unlock()

	sortByStart(pending)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	flushed := 0
	for _, c := range pending {
		if err := p.write(ctx, c); err != nil {
			p.log.Warn("replay buffered candle failed", "bucket", c.Key.String(), "error", err)
			p.bufferCandle(c)
			continue
		}
		flushed++
	}
	p.log.Info("flushed buffered candles", "count", flushed)
	if p.OnFlush != nil {
		p.OnFlush(flushed)
	}
}

// Buffered returns the number of candles waiting for replay.
func (p *Publisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// LatestCandle reads the newest candle of a series. ok is false when the
// series has no hot entry.
func LatestCandle(ctx context.Context, client goredis.UniversalClient, account string, iv model.Interval) (model.Candlestick, bool, error) {
	data, err := client.HGet(ctx, model.LatestCandleKey(account, iv), "data").Bytes()
	if errors.Is(err, goredis.Nil) {
		return model.Candlestick{}, false, nil
	}
	if err != nil {
		return model.Candlestick{}, false, err
	}
	var c model.Candlestick
	if err := decodeCandle(data, &c); err != nil {
		return model.Candlestick{}, false, err
	}
	return c, true, nil
}

// SeriesStream is the trimmed stream of every committed revision of a
// series: "candle:{interval}:{account}".
func SeriesStream(account string, iv model.Interval) string {
	return "candle:" + string(iv) + ":" + account
}

func sortByStart(cs []model.Candlestick) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].Key.Start.Equal(cs[j].Key.Start) {
			return cs[i].Key.Start.Before(cs[j].Key.Start)
		}
		return cs[i].Key.String() < cs[j].Key.String()
	})
}
