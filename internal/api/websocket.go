package api

import (
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/hyperfocusai/hyperfocus/internal/events"
	"github.com/hyperfocusai/hyperfocus/internal/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The browser client runs on a different origin than the API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// wsEvent is the frame pushed to connected clients for every cache event.
type wsEvent struct {
	Type      string             `json:"type"`
	Payload   storage.CacheEvent `json:"payload"`
	Timestamp time.Time          `json:"timestamp"`
}

// handleEventsWebSocket streams storage cache events so the presentation
// layer can refresh without polling.
func (s *Server) handleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	log.Debug("websocket client connected", "remote", r.RemoteAddr)

	ctx := r.Context()
	eventCh := s.cache.Subscribe(ctx)

	// Drain reads so close frames and pongs are processed.
	go func() {
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
		case <-ctx.Done():
			return
		case evt, ok := <-eventCh:
			if !ok {
				return
			}
			if err := s.writeEvent(conn, evt); err != nil {
				log.Debug("websocket client gone", "remote", r.RemoteAddr, "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, evt events.Event[storage.CacheEvent]) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(wsEvent{
		Type:      string(evt.Type),
		Payload:   evt.Payload,
		Timestamp: evt.Timestamp,
	})
}
