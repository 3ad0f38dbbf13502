package busserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const feedWriteTimeout = 5 * time.Second

// feedHandler upgrades to a websocket and streams every bus message as a
// JSON text frame until the client goes away or the server stops.
type feedHandler struct {
	s *Server
}

func (h feedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.s.insecureOrigins,
	})
	if err != nil {
		h.s.logger.Warn("feed accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	msgs, cancel := h.s.bus.Subscribe()
	defer cancel()

	// CloseRead handles control frames and cancels ctx when the peer closes.
	ctx := conn.CloseRead(r.Context())
	h.s.logger.Debug("feed client connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.s.done:
			conn.Close(websocket.StatusGoingAway, "session finished")
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				h.s.logger.Warn("feed encode failed", "kind", msg.Kind(), "error", err)
				continue
			}
			if err := write(ctx, conn, data); err != nil {
				h.s.logger.Debug("feed client gone", "error", err)
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
