package query

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"candle-engine/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// handleWS streams committed candle revisions. Query parameters account_id
// and interval narrow the stream; both are optional.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		respondError(w, http.StatusServiceUnavailable, "live feed not configured")
		return
	}
	account, iv, err := seriesParams(r, false)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	candles, err := s.feed.Subscribe(ctx, account, iv)
	if err != nil {
		cancel()
		s.log.Error("feed subscribe failed", "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "feed unavailable"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	defer cancel()
	s.log.Info("ws client connected", "account", account, "interval", string(iv))

	go s.readPump(conn, cancel)
	s.writePump(ctx, conn, candles)
}

// writePump owns all writes on conn. It ends when the feed channel closes or
// a write fails.
func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, candles <-chan model.Candlestick) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		s.log.Info("ws client disconnected")
	}()

	for {
		select {
		case c, ok := <-candles:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			msg, err := json.Marshal(toCandleOut(c))
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readPump discards client frames and keeps the read deadline alive with
// pongs. A read error cancels the subscription.
func (s *Server) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
