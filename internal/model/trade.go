package model

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Trade is a single validated trade execution. Values are immutable once
// produced by the decoder.
type Trade struct {
	ID        string          `json:"id"`
	TotalDone decimal.Decimal `json:"total_done"`
	TrxAmount decimal.Decimal `json:"trx_amount"` // contributes to volume
	Amount    decimal.Decimal `json:"amount"`     // price proxy
	TransType string          `json:"trans_type"`
	AccountID string          `json:"account_id"`
	EventTime time.Time       `json:"event_time"` // UTC
}

// Key returns the natural dedup key of the raw trade row: "unixnano:id".
func (t *Trade) Key() string {
	return strconv.FormatInt(t.EventTime.UnixNano(), 10) + ":" + t.ID
}
