package aggregate

import (
	"sort"
	"time"

	"candle-engine/internal/model"
)

// Store maps bucket keys to accumulators for one shard.
type Store struct {
	buckets map[model.BucketKey]*Accumulator
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{buckets: make(map[model.BucketKey]*Accumulator)}
}

// Get returns the accumulator for key, if resident.
func (s *Store) Get(key model.BucketKey) (*Accumulator, bool) {
	a, ok := s.buckets[key]
	return a, ok
}

// GetOrCreate returns the resident accumulator for key, creating an OPEN
// one when absent.
func (s *Store) GetOrCreate(key model.BucketKey) *Accumulator {
	if a, ok := s.buckets[key]; ok {
		return a
	}
	a := NewAccumulator(key)
	s.buckets[key] = a
	return a
}

// Put installs an accumulator, replacing any resident one for its key.
func (s *Store) Put(a *Accumulator) {
	s.buckets[a.Key()] = a
}

// Fold applies t to the bucket at key, creating it if needed, and returns
// the resulting snapshot and whether the trade was new to the bucket.
func (s *Store) Fold(t model.Trade, key model.BucketKey) (model.Candlestick, bool) {
	a := s.GetOrCreate(key)
	applied := a.Fold(t)
	return a.Snapshot(), applied
}

// Evict drops a bucket from memory.
func (s *Store) Evict(key model.BucketKey) {
	delete(s.buckets, key)
}

// Len returns the number of resident buckets.
func (s *Store) Len() int { return len(s.buckets) }

// Range calls fn for every resident bucket in deterministic order
// (start, interval, account). fn may mutate the accumulator and may evict
// the current key; returning false stops iteration.
func (s *Store) Range(fn func(*Accumulator) bool) {
	for _, key := range s.sortedKeys() {
		a, ok := s.buckets[key]
		if !ok {
			continue
		}
		if !fn(a) {
			return
		}
	}
}

// Closable returns the resident buckets whose end is at or before wm and
// which are not yet CLOSED, in deterministic order.
func (s *Store) Closable(wm time.Time) []*Accumulator {
	var out []*Accumulator
	s.Range(func(a *Accumulator) bool {
		if a.State() != model.StateClosed && !a.Key().End().After(wm) {
			out = append(out, a)
		}
		return true
	})
	return out
}

// CountByState tallies resident buckets per state.
func (s *Store) CountByState() map[model.BucketState]int {
	out := make(map[model.BucketState]int, 3)
	for _, a := range s.buckets {
		out[a.State()]++
	}
	return out
}

// NextDeadline returns the earliest end among resident buckets that are not
// CLOSED: the watermark at which the next drain has work. ok is false when
// nothing is pending.
func (s *Store) NextDeadline() (end time.Time, ok bool) {
	for k, a := range s.buckets {
		if a.State() == model.StateClosed {
			continue
		}
		if e := k.End(); !ok || e.Before(end) {
			end, ok = e, true
		}
	}
	return end, ok
}

func (s *Store) sortedKeys() []model.BucketKey {
	keys := make([]model.BucketKey, 0, len(s.buckets))
	for k := range s.buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.Interval != b.Interval {
			return a.Interval.Duration() < b.Interval.Duration()
		}
		return a.AccountID < b.AccountID
	})
	return keys
}
