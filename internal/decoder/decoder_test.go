package decoder

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDecode_Valid(t *testing.T) {
	payload := `{"ID":"T-1","Totaldone":"3","Trx Amount":"12.5","Amount":"100.25","Transtype":"BUY","Accountid":"1","Transtime":"2024-01-15T10:30:00Z"}`

	tr, err := Decode([]byte(payload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.ID != "T-1" {
		t.Errorf("id = %q", tr.ID)
	}
	if !tr.Amount.Equal(decimal.RequireFromString("100.25")) {
		t.Errorf("amount = %s", tr.Amount)
	}
	if !tr.TrxAmount.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("trx_amount = %s", tr.TrxAmount)
	}
	if !tr.TotalDone.Equal(decimal.NewFromInt(3)) {
		t.Errorf("total_done = %s", tr.TotalDone)
	}
	if tr.TransType != "buy" {
		t.Errorf("trans_type should be lowercased, got %q", tr.TransType)
	}
	want := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	if !tr.EventTime.Equal(want) || tr.EventTime.Location() != time.UTC {
		t.Errorf("event_time = %v", tr.EventTime)
	}
}

func TestDecode_NumericFields(t *testing.T) {
	payload := `{"ID":987654321,"Trx Amount":0,"Amount":42.5,"Accountid":77,"Transtime":"2024-01-15T10:30:00.123+02:00"}`

	tr, err := Decode([]byte(payload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.ID != "987654321" || tr.AccountID != "77" {
		t.Errorf("numeric ids not kept verbatim: id=%q account=%q", tr.ID, tr.AccountID)
	}
	if !tr.TrxAmount.IsZero() {
		t.Errorf("trx_amount = %s, want 0", tr.TrxAmount)
	}
	want := time.Date(2024, 1, 15, 8, 30, 0, 123000000, time.UTC)
	if !tr.EventTime.Equal(want) {
		t.Errorf("event_time = %v, want %v", tr.EventTime, want)
	}
}

func TestDecode_ZonelessTimestampIsUTC(t *testing.T) {
	payload := `{"ID":"1","Trx Amount":"1","Amount":"1","Accountid":"a","Transtime":"2024-03-01 00:29:59"}`
	tr, err := Decode([]byte(payload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tr.EventTime.Equal(time.Date(2024, 3, 1, 0, 29, 59, 0, time.UTC)) {
		t.Errorf("event_time = %v", tr.EventTime)
	}
}

func TestParseTime_Range(t *testing.T) {
	for _, s := range []string{"2262-01-01T00:00:00Z", "1678-09-22T00:00:00Z", "1970-01-01T00:00:00Z"} {
		got, err := ParseTime(s)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", s, err)
			continue
		}
		if ns := got.UnixNano(); !time.Unix(0, ns).Equal(got) {
			t.Errorf("%s does not round-trip through nanoseconds", s)
		}
	}
	for _, s := range []string{"2262-04-11T23:47:16Z", "1677-09-21T00:12:44Z", "9999-12-31T23:59:59Z"} {
		if _, err := ParseTime(s); err == nil {
			t.Errorf("%s: expected out of range error", s)
		}
	}
}

func TestDecode_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		field   string
	}{
		{"invalid json", `{"ID":`, "json"},
		{"missing id", `{"Trx Amount":"1","Amount":"1","Accountid":"a","Transtime":"2024-01-01T00:00:00Z"}`, "ID"},
		{"missing amount", `{"ID":"1","Trx Amount":"1","Accountid":"a","Transtime":"2024-01-01T00:00:00Z"}`, "Amount"},
		{"null trx amount", `{"ID":"1","Trx Amount":null,"Amount":"1","Accountid":"a","Transtime":"2024-01-01T00:00:00Z"}`, "Trx Amount"},
		{"missing account", `{"ID":"1","Trx Amount":"1","Amount":"1","Transtime":"2024-01-01T00:00:00Z"}`, "Accountid"},
		{"zero amount", `{"ID":"1","Trx Amount":"1","Amount":"0","Accountid":"a","Transtime":"2024-01-01T00:00:00Z"}`, "Amount"},
		{"negative trx amount", `{"ID":"1","Trx Amount":"-2","Amount":"1","Accountid":"a","Transtime":"2024-01-01T00:00:00Z"}`, "Trx Amount"},
		{"non-finite amount", `{"ID":"1","Trx Amount":"1","Amount":"NaN","Accountid":"a","Transtime":"2024-01-01T00:00:00Z"}`, "json"},
		{"bad timestamp", `{"ID":"1","Trx Amount":"1","Amount":"1","Accountid":"a","Transtime":"yesterday"}`, "Transtime"},
		{"year 3000", `{"ID":"1","Trx Amount":"1","Amount":"1","Accountid":"a","Transtime":"3000-01-01T00:00:00Z"}`, "Transtime"},
		{"year 1600", `{"ID":"1","Trx Amount":"1","Amount":"1","Accountid":"a","Transtime":"1600-01-01T00:00:00Z"}`, "Transtime"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.payload))
			if err == nil {
				t.Fatal("expected rejection")
			}
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("error should wrap ErrMalformed: %v", err)
			}
			if got := Reason(err); got != tc.field {
				t.Errorf("reason = %q, want %q (%v)", got, tc.field, err)
			}
		})
	}
}

func TestDecodeBatch_NDJSON(t *testing.T) {
	data := []byte(`{"ID":"1","Trx Amount":"1","Amount":"10","Accountid":"a","Transtime":"2024-01-01T00:00:00Z"}

{"ID":"2","Trx Amount":"1","Amount":"-1","Accountid":"a","Transtime":"2024-01-01T00:00:01Z"}
{"ID":"3","Trx Amount":"2","Amount":"11","Accountid":"a","Transtime":"2024-01-01T00:00:02Z"}
`)
	res := DecodeBatch(data)
	if len(res) != 3 {
		t.Fatalf("expected 3 results (blank line skipped), got %d", len(res))
	}
	if res[0].Err != nil || res[2].Err != nil {
		t.Errorf("valid records rejected: %v / %v", res[0].Err, res[2].Err)
	}
	if res[1].Err == nil {
		t.Error("negative amount should be rejected")
	}
	if res[2].Trade.ID != "3" {
		t.Errorf("record order not kept: %q", res[2].Trade.ID)
	}
}

func TestDecodeBatch_Array(t *testing.T) {
	data := []byte(`[{"ID":"1","Trx Amount":"1","Amount":"10","Accountid":"a","Transtime":"2024-01-01T00:00:00Z"},{"ID":"x"}]`)
	res := DecodeBatch(data)
	if len(res) != 2 {
		t.Fatalf("expected 2 results, got %d", len(res))
	}
	if res[0].Err != nil {
		t.Errorf("first record: %v", res[0].Err)
	}
	if res[1].Err == nil {
		t.Error("incomplete record should be rejected")
	}
}

func TestExcerpt(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	if got := Excerpt(long); len(got) != 259 {
		t.Errorf("excerpt length = %d, want 259", len(got))
	}
	if got := Excerpt([]byte("short")); got != "short" {
		t.Errorf("short excerpt = %q", got)
	}
}
