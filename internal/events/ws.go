package events

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	// The console ships alongside the daemon; it never needs cross-origin
	// access from an untrusted page.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsPingInterval = 30 * time.Second

// WebSocketHandler upgrades to a websocket connection and pushes one JSON
// event frame per publish, the optional control-socket variant of Handler
// for consoles that prefer a persistent duplex connection over SSE.
func (b *Bus) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("events: websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		_, ch, unsubscribe := b.Subscribe()
		defer unsubscribe()

		ctx := r.Context()
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	})
}
