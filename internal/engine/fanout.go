package engine

import (
	"context"
	"log/slog"
	"sync"

	"candle-engine/internal/model"
)

// FanOut broadcasts committed candles to in-process subscribers, e.g. the
// websocket feed when the query API runs inside the aggregator. A full
// subscriber channel drops the candle for that subscriber so a slow
// consumer never blocks a shard.
type FanOut struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	nextID  int
	bufSize int

	// OnDrop is called when a candle is dropped for a subscriber.
	OnDrop func(c model.Candlestick)
}

type subscription struct {
	account  string // "" = all
	interval model.Interval
	ch       chan model.Candlestick
}

// NewFanOut creates a FanOut with the given per-subscriber buffer size.
func NewFanOut(bufSize int) *FanOut {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &FanOut{subs: make(map[int]*subscription), bufSize: bufSize}
}

// Subscribe returns a channel of candles for account and interval; empty
// values match everything. The channel is closed when ctx is done.
func (f *FanOut) Subscribe(ctx context.Context, account string, iv model.Interval) (<-chan model.Candlestick, error) {
	sub := &subscription{account: account, interval: iv, ch: make(chan model.Candlestick, f.bufSize)}
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = sub
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		close(sub.ch)
		f.mu.Unlock()
	}()
	return sub.ch, nil
}

// PublishCandle implements sink.Publisher.
func (f *FanOut) PublishCandle(_ context.Context, c model.Candlestick) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sub := range f.subs {
		if sub.account != "" && sub.account != c.Key.AccountID {
			continue
		}
		if sub.interval != "" && sub.interval != c.Key.Interval {
			continue
		}
		select {
		case sub.ch <- c:
		default:
			if f.OnDrop != nil {
				f.OnDrop(c)
			} else {
				slog.Debug("fanout subscriber full, dropping candle", "component", "fanout", "bucket", c.Key.String())
			}
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions.
func (f *FanOut) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
