package query

import (
	"time"

	"candle-engine/internal/model"
)

// CandleOut is the REST and websocket representation of a candlestick.
// Decimals are strings so no precision is lost in transit.
type CandleOut struct {
	AccountID     string `json:"account_id"`
	IntervalType  string `json:"interval_type"`
	IntervalStart string `json:"interval_start"`
	Open          string `json:"open"`
	High          string `json:"high"`
	Low           string `json:"low"`
	Close         string `json:"close"`
	Volume        string `json:"volume"`
	TradeCount    int64  `json:"trade_count"`
	FirstSeenTime string `json:"first_seen_time"`
	LastSeenTime  string `json:"last_seen_time"`
	Revision      uint64 `json:"revision"`
	State         string `json:"state"`
}

// TradeOut is the REST representation of a raw trade.
type TradeOut struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Amount    string `json:"amount"`
	TrxAmount string `json:"trx_amount"`
	TotalDone string `json:"total_done"`
	TransType string `json:"trans_type,omitempty"`
	EventTime string `json:"event_time"`
}

func toCandleOut(c model.Candlestick) CandleOut {
	return CandleOut{
		AccountID:     c.Key.AccountID,
		IntervalType:  string(c.Key.Interval),
		IntervalStart: c.Key.Start.UTC().Format(time.RFC3339),
		Open:          c.Open.String(),
		High:          c.High.String(),
		Low:           c.Low.String(),
		Close:         c.Close.String(),
		Volume:        c.Volume.String(),
		TradeCount:    c.TradeCount,
		FirstSeenTime: c.FirstSeen.UTC().Format(time.RFC3339Nano),
		LastSeenTime:  c.LastSeen.UTC().Format(time.RFC3339Nano),
		Revision:      c.Revision,
		State:         c.State.String(),
	}
}

func toTradeOut(t model.Trade) TradeOut {
	return TradeOut{
		ID:        t.ID,
		AccountID: t.AccountID,
		Amount:    t.Amount.String(),
		TrxAmount: t.TrxAmount.String(),
		TotalDone: t.TotalDone.String(),
		TransType: t.TransType,
		EventTime: t.EventTime.UTC().Format(time.RFC3339Nano),
	}
}
