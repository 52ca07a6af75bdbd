package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// Probe checks one dependency. Critical probes failing make the service
// unhealthy; others only degrade it.
type Probe struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

type componentHealth struct {
	OK        bool    `json:"ok"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
	critical  bool
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	components    map[string]componentHealth
	lastTradeTime time.Time
	lastCheckAt   time.Time
	startedAt     time.Time
	lagFn         func() time.Duration
}

// NewHealthStatus returns an empty health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		components: make(map[string]componentHealth),
		startedAt:  time.Now(),
	}
}

// SetLastTradeTime records when a trade was last accepted.
func (h *HealthStatus) SetLastTradeTime(t time.Time) {
	h.mu.Lock()
	h.lastTradeTime = t
	h.mu.Unlock()
}

// SetLagFunc installs a reporter of the worst watermark lag across shards.
func (h *HealthStatus) SetLagFunc(fn func() time.Duration) {
	h.mu.Lock()
	h.lagFn = fn
	h.mu.Unlock()
}

// Run executes every probe once and records latency and result.
func (h *HealthStatus) Run(ctx context.Context, probes ...Probe) {
	for _, p := range probes {
		start := time.Now()
		err := p.Check(ctx)
		ch := componentHealth{
			OK:        err == nil,
			LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
			critical:  p.Critical,
		}
		if err != nil {
			ch.Error = err.Error()
		}
		h.mu.Lock()
		h.components[p.Name] = ch
		h.lastCheckAt = time.Now()
		h.mu.Unlock()
	}
}

// StartLivenessChecker runs the probes immediately and then every interval.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, interval time.Duration, probes ...Probe) {
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		h.Run(probeCtx, probes...)
		cancel()
	}
	probe()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probe()
			}
		}
	}()
}

// Status returns "healthy", "degraded" or "unhealthy".
func (h *HealthStatus) Status() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statusLocked()
}

func (h *HealthStatus) statusLocked() string {
	status := "healthy"
	for _, c := range h.components {
		if c.OK {
			continue
		}
		if c.critical {
			return "unhealthy"
		}
		status = "degraded"
	}
	return status
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := h.statusLocked()
	code := http.StatusOK
	if overall == "unhealthy" {
		code = http.StatusServiceUnavailable
	}

	tradeAge := ""
	if !h.lastTradeTime.IsZero() {
		tradeAge = time.Since(h.lastTradeTime).Round(time.Millisecond).String()
	}
	lag := ""
	if h.lagFn != nil {
		lag = h.lagFn().Round(time.Millisecond).String()
	}

	status := struct {
		Status        string                     `json:"status"`
		Uptime        string                     `json:"uptime"`
		LastTradeTime string                     `json:"last_trade_time,omitempty"`
		TradeAge      string                     `json:"trade_age,omitempty"`
		WatermarkLag  string                     `json:"watermark_lag,omitempty"`
		Components    map[string]componentHealth `json:"components"`
		LastCheckAt   string                     `json:"last_check_at,omitempty"`
	}{
		Status:       overall,
		Uptime:       time.Since(h.startedAt).Round(time.Second).String(),
		TradeAge:     tradeAge,
		WatermarkLag: lag,
		Components:   h.components,
	}
	if !h.lastTradeTime.IsZero() {
		status.LastTradeTime = h.lastTradeTime.Format(time.RFC3339)
	}
	if !h.lastCheckAt.IsZero() {
		status.LastCheckAt = h.lastCheckAt.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		slog.Warn("healthz encode failed", "component", "metrics", "error", err)
	}
}
