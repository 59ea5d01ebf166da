// Package server wires HTTP handlers into a ServeMux via routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with the health check
// and the WebSocket chat endpoint.
func SetupRoutes(sv *Supervisor, cfg Config) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler(sv.Registry()))
	mux.HandleFunc("/ws", WebSocketHandler(sv, cfg.AllowedOrigins))
	return mux
}
