// Package query serves committed candlesticks and raw trades over HTTP,
// plus a websocket feed of candle revisions as they are committed.
package query

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"candle-engine/internal/model"
)

// Feed delivers committed candles for a series. Empty account or interval
// match everything. Implemented by the engine's FanOut and the Redis feed.
type Feed interface {
	Subscribe(ctx context.Context, account string, iv model.Interval) (<-chan model.Candlestick, error)
}

// Server is the query HTTP server.
type Server struct {
	store  model.QueryStore
	hot    model.LatestReader // optional hot tier
	feed   Feed               // optional
	health http.Handler       // optional
	log    *slog.Logger

	maxRange time.Duration
	srv      *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithHotTier serves /candles/latest from hot first, storage second.
func WithHotTier(hot model.LatestReader) Option {
	return func(s *Server) { s.hot = hot }
}

// WithFeed enables /ws/candles.
func WithFeed(f Feed) Option {
	return func(s *Server) { s.feed = f }
}

// WithHealth serves h on /healthz instead of the plain liveness reply.
func WithHealth(h http.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMaxRange caps the from/to span of a single query.
func WithMaxRange(d time.Duration) Option {
	return func(s *Server) { s.maxRange = d }
}

// NewServer creates a query server on store.
func NewServer(store model.QueryStore, opts ...Option) *Server {
	s := &Server{
		store:    store,
		log:      slog.Default().With("component", "query"),
		maxRange: 31 * 24 * time.Hour,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/candles", s.handleCandles).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/candles/latest", s.handleLatest).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/trades", s.handleTrades).Methods(http.MethodGet)
	r.HandleFunc("/ws/candles", s.handleWS).Methods(http.MethodGet)
	if s.health != nil {
		r.Handle("/healthz", s.health).Methods(http.MethodGet)
	} else {
		r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		}).Methods(http.MethodGet)
	}
	r.Use(s.logRequests)
	return r
}

// Start listens on addr in a goroutine.
func (s *Server) Start(addr string) {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.log.Info("query server listening", "addr", addr)
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("query server error", "error", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "dur", time.Since(start).String())
	})
}
