// Package server implements the chat core: sessions, the room registry, the
// broadcast engine and the connection supervisor, plus the WebSocket and
// health endpoints that share them.
//
// The implementation is organized into specialized files for configuration,
// sessions, the registry, broadcasting, supervision, routing, and HTTP
// handlers to keep the codebase maintainable and testable as the project grows.
package server
