package webhook

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// upgrader allows any origin: the modeler UI and workflowd are
// typically served from different ports in development.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const pingInterval = 30 * time.Second

// wsWriter serializes writes to one websocket connection: envelopes
// come from the subscription pump while pongs and replay snapshots
// come from the read loop, and gorilla/websocket permits only one
// concurrent writer.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

// handleStream implements the AG-UI outbound event stream (§6): a
// persistent bidirectional websocket delivering every broadcaster
// envelope as JSON. One subscription per connection; closing the
// socket unsubscribes.
//
// Adapted from the WSHub pattern (internal/api/websocket.go
// in the pack's codeready-toolchain-tarsy example): this engine
// already has a pub-sub broadcaster, so there is no need for a
// separate hub — each connection subscribes directly and pumps
// envelopes to the socket.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	writer := &wsWriter{conn: conn}

	sub := s.engine.Broadcaster().Subscribe()
	defer sub.Close()

	// Read loop: ping keepalives plus the §4.5 special inbound
	// requests — replay.request and clear.history. A replay snapshot
	// is written to this connection only; it never goes through the
	// broadcaster, so replaying leaves the stored history untouched.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msgType, _ := msg["type"].(string); msgType {
			case "ping":
				_ = writer.writeJSON(map[string]string{"type": "pong"})
			case "replay.request":
				elementID, _ := msg["elementId"].(string)
				events, err := s.engine.Store().GetRawEvents(elementID)
				if err != nil {
					s.logger.Error("stream replay failed", "elementId", elementID, "error", err)
					continue
				}
				_ = writer.writeJSON(snapshotEnvelope(elementID, events))
			case "clear.history":
				elementID, _ := msg["elementId"].(string)
				if err := s.engine.Store().ClearElementHistory(elementID); err != nil {
					s.logger.Error("stream clear history failed", "elementId", elementID, "error", err)
					continue
				}
				_ = writer.writeJSON(map[string]string{"type": "clear.history", "elementId": elementID, "status": "cleared"})
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-sub.Recv():
			if !ok {
				return
			}
			if err := writer.writeJSON(env); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := writer.writeJSON(map[string]string{"type": "ping"}); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
