package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// watchFrame is one event pushed to a /watch client.
type watchFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload,omitempty"`
}

// handleWatch implements GET /watch, a WebSocket stream of live bus events.
// An optional topic query parameter narrows the stream by topic prefix, for
// example topic=task. or topic=review.changed. Delivery is best effort: a
// slow client misses events rather than stalling publishers.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "event bus not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket
		// library; the allowlist only widens cross-origin access.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topic"))
	defer s.cfg.Bus.Unsubscribe(sub)

	s.logger.Debug("watch client connected")
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			frame := watchFrame{Topic: event.Topic, Payload: event.Payload}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				s.logger.Debug("watch write failed", "error", err)
				return
			}
		}
	}
}
