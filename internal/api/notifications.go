package api

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/inbox-router/internal/metrics"
	"github.com/JakeFAU/inbox-router/internal/notify"
)

const (
	notificationBuffer = 64
	wsWriteWait        = 5 * time.Second
	wsPingInterval     = 30 * time.Second
)

// notifications upgrades to a websocket and pushes every job milestone as a
// JSON text frame until the client goes away or the server closes.
func (s *Server) notifications(w http.ResponseWriter, r *http.Request) {
	if s.notes == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications unavailable")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.IncWebsocketClients()
	defer metrics.DecWebsocketClients()
	s.logger.Debug("notification client connected", zap.String("remote_addr", r.RemoteAddr))

	queue := make(chan notify.Notification, notificationBuffer)
	unsubscribe := s.notes.Subscribe(func(n notify.Notification) {
		select {
		case queue <- n:
		default:
			s.logger.Warn("notification dropped for slow websocket client",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("kind", string(n.Kind)),
			)
		}
	})
	defer unsubscribe()

	// Inbound frames are ignored; the read loop only detects disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			s.logger.Debug("notification client disconnected", zap.String("remote_addr", r.RemoteAddr))
			return
		case <-s.closing:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait)); err != nil {
				s.logger.Debug("websocket close frame failed", zap.Error(err))
			}
			return
		case n := <-queue:
			if err := writeNotification(conn, n); err != nil {
				s.logger.Debug("notification write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				s.logger.Debug("websocket ping failed", zap.Error(err))
				return
			}
		}
	}
}

func writeNotification(conn *websocket.Conn, n notify.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// originChecker accepts the listed origins. An empty list keeps the upgrader's
// same-origin default.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return slices.Contains(allowed, u.Scheme+"://"+u.Host)
	}
}
