package query

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"candle-engine/internal/model"
)

const defaultWindow = 24 * time.Hour

var errBadRequest = errors.New("bad request")

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	account, iv, err := seriesParams(r, true)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	from, to, err := s.rangeParams(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	candles, err := s.store.QueryCandles(r.Context(), account, iv, from, to)
	if err != nil {
		s.log.Error("query candles", "account", account, "interval", string(iv), "error", err)
		respondError(w, http.StatusInternalServerError, "storage error")
		return
	}
	out := make([]CandleOut, len(candles))
	for i, c := range candles {
		out[i] = toCandleOut(c)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"account_id": account,
		"interval":   string(iv),
		"from":       from.Format(time.RFC3339),
		"to":         to.Format(time.RFC3339),
		"count":      len(out),
		"candles":    out,
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	account, iv, err := seriesParams(r, true)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.hot != nil {
		c, ok, err := s.hot.LatestCandle(r.Context(), account, iv)
		switch {
		case err != nil:
			s.log.Warn("hot tier read failed, falling back to storage", "error", err)
		case ok:
			respondJSON(w, http.StatusOK, toCandleOut(c))
			return
		}
	}

	c, ok, err := s.store.LatestCandle(r.Context(), account, iv)
	if err != nil {
		s.log.Error("latest candle", "account", account, "interval", string(iv), "error", err)
		respondError(w, http.StatusInternalServerError, "storage error")
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "no candles for series")
		return
	}
	respondJSON(w, http.StatusOK, toCandleOut(c))
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	account := strings.TrimSpace(r.URL.Query().Get("account_id"))
	if account == "" {
		respondError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	from, to, err := s.rangeParams(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	trades, err := s.store.QueryTrades(r.Context(), account, from, to)
	if err != nil {
		s.log.Error("query trades", "account", account, "error", err)
		respondError(w, http.StatusInternalServerError, "storage error")
		return
	}
	out := make([]TradeOut, len(trades))
	for i, t := range trades {
		out[i] = toTradeOut(t)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"account_id": account,
		"count":      len(out),
		"trades":     out,
	})
}

// seriesParams reads account_id and interval. With strict unset both may be
// empty, meaning "all".
func seriesParams(r *http.Request, strict bool) (string, model.Interval, error) {
	q := r.URL.Query()
	account := strings.TrimSpace(q.Get("account_id"))
	raw := q.Get("interval")
	if strict && account == "" {
		return "", "", fmt.Errorf("%w: account_id is required", errBadRequest)
	}
	if raw == "" {
		if strict {
			return "", "", fmt.Errorf("%w: interval is required", errBadRequest)
		}
		return account, "", nil
	}
	iv, err := model.ParseInterval(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return account, iv, nil
}

// rangeParams reads the half-open [from, to) range. to defaults to now and
// from to one day before to.
func (s *Server) rangeParams(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	to := time.Now().UTC()
	if v := q.Get("to"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: to: %v", errBadRequest, err)
		}
		to = t
	}
	from := to.Add(-defaultWindow)
	if v := q.Get("from"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: from: %v", errBadRequest, err)
		}
		from = t
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: from must be before to", errBadRequest)
	}
	if s.maxRange > 0 && to.Sub(from) > s.maxRange {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: range exceeds %s", errBadRequest, s.maxRange)
	}
	return from, to, nil
}

// parseTime accepts RFC 3339 or unix seconds.
func parseTime(v string) (time.Time, error) {
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC3339 or unix seconds, got %q", v)
	}
	return t.UTC(), nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
