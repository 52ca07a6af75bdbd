package bucket

import (
	"testing"
	"time"

	"candle-engine/internal/decoder"
	"candle-engine/internal/model"
)

func TestResolve_Alignment(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 47, 13, 500, time.UTC)

	cases := []struct {
		iv   model.Interval
		want time.Time
	}{
		{model.Interval30m, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)},
		{model.Interval1h, time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)},
		{model.Interval4h, time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)},
		{model.Interval1d, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got := Resolve(ts, tc.iv)
		if !got.Equal(tc.want) {
			t.Errorf("%s: got %v, want %v", tc.iv, got, tc.want)
		}
	}
}

func TestResolve_BoundaryInclusiveStartExclusiveEnd(t *testing.T) {
	start := time.Date(2024, 1, 15, 0, 30, 0, 0, time.UTC)

	if got := Resolve(start, model.Interval30m); !got.Equal(start) {
		t.Errorf("boundary instant should start its own bucket, got %v", got)
	}
	justBefore := start.Add(-time.Nanosecond)
	if got := Resolve(justBefore, model.Interval30m); !got.Equal(start.Add(-30 * time.Minute)) {
		t.Errorf("instant before boundary belongs to previous bucket, got %v", got)
	}
}

func TestResolve_NonUTCInput(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	ts := time.Date(2024, 1, 15, 5, 45, 0, 0, ist) // 00:15 UTC

	got := Resolve(ts, model.Interval1d)
	want := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got.Location() != time.UTC {
		t.Errorf("bucket start should be UTC, got %v", got.Location())
	}
}

func TestResolve_PreEpoch(t *testing.T) {
	ts := time.Date(1969, 12, 31, 23, 59, 59, 0, time.UTC)
	got := Resolve(ts, model.Interval1h)
	want := time.Date(1969, 12, 31, 23, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestKey_Contains(t *testing.T) {
	tr := model.Trade{ID: "1", AccountID: "acc", EventTime: time.Date(2024, 1, 15, 0, 29, 59, 0, time.UTC)}
	for _, k := range Keys(tr, model.DefaultIntervals) {
		if !k.Contains(tr.EventTime) {
			t.Errorf("%s does not contain its own trade", k)
		}
		if k.AccountID != "acc" {
			t.Errorf("account = %q", k.AccountID)
		}
		if got := k.End().Sub(k.Start); got != k.Interval.Duration() {
			t.Errorf("%s: width %v", k.Interval, got)
		}
	}
}

func TestKey_DistinctAcrossBoundary(t *testing.T) {
	base := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	a := Key(model.Trade{AccountID: "1", EventTime: base.Add(29*time.Minute + 59*time.Second)}, model.Interval30m)
	b := Key(model.Trade{AccountID: "1", EventTime: base.Add(30*time.Minute + time.Second)}, model.Interval30m)
	if a == b {
		t.Fatalf("trades either side of 00:30 must map to different buckets: %v", a)
	}
}

func TestResolve_ContainsExtremeEventTimes(t *testing.T) {
	for _, ts := range []time.Time{decoder.MinEventTime, decoder.MaxEventTime} {
		for _, iv := range model.DefaultIntervals {
			start := Resolve(ts, iv)
			if ts.Before(start) || !ts.Before(start.Add(iv.Duration())) {
				t.Errorf("%s %v: bucket [%v, +%s) does not contain it", iv, ts, start, iv)
			}
		}
	}
}
