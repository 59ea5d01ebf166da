// Package server exposes HTTP handlers: the WebSocket upgrade that feeds the
// chat supervisor and a health check.
package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// WebSocketHandler upgrades GET requests from allowed origins and serves the
// resulting connection as a chat session. The handler returns when the
// session ends.
func WebSocketHandler(sv *Supervisor, origins []string) http.HandlerFunc {
	policy := newOriginPolicy(origins, sv.log)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     policy.check,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			sv.log.Info("WebSocket upgrade failed", "addr", r.RemoteAddr, "error", err)
			return
		}

		sv.ServeConn(newWSConn(conn, sv.cfg.MaxFrameLength))
	}
}

// HealthHandler reports that the server is up along with session and room counts.
func HealthHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		users, rooms := reg.Stats()
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprintf(w, "Chat server is running!\nsessions: %d\nrooms: %d\n", users, rooms)
	}
}
