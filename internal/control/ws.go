package control

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tengta119/VoipRecord/internal/state"
)

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// stateStream pushes every state transition to a websocket client as a JSON
// text frame, starting with the current state.
type stateStream struct {
	events *state.Publisher
}

func (h *stateStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := h.events.Subscribe()
	defer cancel()

	// The client never sends anything we act on; reading only detects the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if !writeEvent(conn, state.Event{State: h.events.Current(), At: time.Now()}) {
		return
	}
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok || !writeEvent(conn, ev) {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev state.Event) bool {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(ev); err != nil {
		slog.Info("state stream closed", "error", err)
		return false
	}
	return true
}
