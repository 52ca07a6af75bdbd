// Package decoder validates raw trade records and normalizes them into
// model.Trade. Anything it rejects never reaches aggregation.
package decoder

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"candle-engine/internal/model"
)

// ErrMalformed is wrapped by every rejection.
var ErrMalformed = errors.New("malformed trade")

// FieldError names the offending input field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrMalformed, e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrMalformed }

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	// bare number: keep its literal spelling
	if _, err := decimal.NewFromString(string(b)); err != nil {
		return fmt.Errorf("not a string or number: %s", b)
	}
	*f = flexString(b)
	return nil
}

// rawTrade mirrors the ingress JSON schema.
type rawTrade struct {
	ID        flexString       `json:"ID" validate:"required"`
	TotalDone *decimal.Decimal `json:"Totaldone"`
	TrxAmount *decimal.Decimal `json:"Trx Amount" validate:"required"`
	Amount    *decimal.Decimal `json:"Amount" validate:"required"`
	TransType flexString       `json:"Transtype"`
	AccountID flexString       `json:"Accountid" validate:"required"`
	TransTime string           `json:"Transtime" validate:"required"`
}

// timeLayouts are tried in order; zone-less layouts are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

var validate = newValidator()

// newValidator reports field errors by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Decode parses one JSON trade record.
func Decode(data []byte) (model.Trade, error) {
	var raw rawTrade
	if err := json.Unmarshal(data, &raw); err != nil {
		return model.Trade{}, &FieldError{Field: "json", Reason: err.Error()}
	}
	return normalize(raw)
}

func normalize(raw rawTrade) (model.Trade, error) {
	if err := validate.Struct(raw); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return model.Trade{}, &FieldError{Field: verrs[0].Field(), Reason: "required"}
		}
		return model.Trade{}, &FieldError{Field: "record", Reason: err.Error()}
	}

	if !raw.Amount.IsPositive() {
		return model.Trade{}, &FieldError{Field: "Amount", Reason: "must be > 0"}
	}
	if raw.TrxAmount.IsNegative() {
		return model.Trade{}, &FieldError{Field: "Trx Amount", Reason: "must be >= 0"}
	}

	ts, err := ParseTime(raw.TransTime)
	if err != nil {
		return model.Trade{}, &FieldError{Field: "Transtime", Reason: err.Error()}
	}

	t := model.Trade{
		ID:        string(raw.ID),
		TrxAmount: *raw.TrxAmount,
		Amount:    *raw.Amount,
		TransType: strings.ToLower(string(raw.TransType)),
		AccountID: string(raw.AccountID),
		EventTime: ts,
	}
	if raw.TotalDone != nil {
		t.TotalDone = *raw.TotalDone
	}
	return t, nil
}

// Event times must stay inside the int64 nanosecond range, with a day of
// headroom on both sides so that the start and end of every bucket
// containing them are representable too.
var (
	MinEventTime = time.Unix(0, math.MinInt64).UTC().Add(24 * time.Hour)
	MaxEventTime = time.Unix(0, math.MaxInt64).UTC().Add(-24 * time.Hour)
)

// ParseTime parses an ISO-8601 timestamp and returns it in UTC. Instants
// outside [MinEventTime, MaxEventTime] are rejected.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if t.Before(MinEventTime) || t.After(MaxEventTime) {
			return time.Time{}, fmt.Errorf("timestamp %q outside %d..%d", s, MinEventTime.Year(), MaxEventTime.Year())
		}
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// Result is one decoded record of a batch.
type Result struct {
	Trade model.Trade
	Err   error
	Raw   []byte
}

// DecodeBatch decodes a JSON array or newline-delimited JSON. One bad
// record does not abort the rest.
func DecodeBatch(data []byte) []Result {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return []Result{{Err: &FieldError{Field: "json", Reason: err.Error()}, Raw: trimmed}}
		}
		out := make([]Result, 0, len(items))
		for _, item := range items {
			t, err := Decode(item)
			out = append(out, Result{Trade: t, Err: err, Raw: item})
		}
		return out
	}

	var out []Result
	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		raw := append([]byte(nil), line...)
		t, err := Decode(raw)
		out = append(out, Result{Trade: t, Err: err, Raw: raw})
	}
	if err := sc.Err(); err != nil {
		out = append(out, Result{Err: &FieldError{Field: "stream", Reason: err.Error()}})
	}
	return out
}

// Reason returns the rejected field name of a decode error, or "unknown".
func Reason(err error) string {
	var fe *FieldError
	if errors.As(err, &fe) {
		return fe.Field
	}
	return "unknown"
}

// Excerpt truncates a raw payload for logs and reject signals.
func Excerpt(raw []byte) string {
	const max = 256
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
