package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/events"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	streamBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamFilter builds the subscription filter from the query string:
// ?types=a,b restricts event types and ?packets=true adds per-packet verdicts.
func streamFilter(r *http.Request) func(events.Event) bool {
	q := r.URL.Query()
	withPackets := q.Get("packets") == "true"

	var only map[events.Type]struct{}
	if raw := q.Get("types"); raw != "" {
		only = make(map[events.Type]struct{})
		for _, t := range strings.Split(raw, ",") {
			only[events.Type(strings.TrimSpace(t))] = struct{}{}
		}
	}

	return func(e events.Event) bool {
		if only != nil {
			_, ok := only[e.Type]
			return ok
		}
		return withPackets || !e.Type.IsPacketEvent()
	}
}

// streamEvents pushes bus events to a websocket client as JSON text frames
// and pings it every keepalive period.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Warn("[events] Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, cancel := s.p.Bus().Subscribe(streamBuffer, streamFilter(r))
	defer cancel()

	zap.L().Info("[events] Client connected", zap.String("remote", r.RemoteAddr))

	// The read loop only consumes control frames and notices the close.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(2 * s.keepalive))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * s.keepalive))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			zap.L().Info("[events] Client disconnected", zap.String("remote", r.RemoteAddr))
			return
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				zap.L().Warn("[events] Failed to send event, closing connection", zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				zap.L().Warn("[events] Failed to send ping, closing connection", zap.Error(err))
				return
			}
		}
	}
}
