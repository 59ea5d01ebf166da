package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const testOrigin = "http://localhost:8080"

// startHTTP serves the chat routes next to a TCP listener sharing one registry.
func startHTTP(t *testing.T, cfg Config) (*Supervisor, *httptest.Server, string) {
	t.Helper()
	sv, addr := startSupervisor(t, cfg, nil)
	srv := httptest.NewServer(SetupRoutes(sv, cfg))
	t.Cleanup(srv.Close)
	return sv, srv, addr
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialWS(t *testing.T, srv *httptest.Server, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	dialer := websocket.Dialer{HandshakeTimeout: readWait}
	return dialer.Dial(wsURL(srv), header)
}

func readWS(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readWait)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(msg)
}

func expectWS(t *testing.T, conn *websocket.Conn, want string) {
	t.Helper()
	var seen []string
	for {
		msg := readWS(t, conn)
		if msg == want {
			return
		}
		seen = append(seen, msg)
		if len(seen) > 20 {
			t.Fatalf("never got %q (seen %q)", want, seen)
		}
	}
}

func TestWebSocket_SharesRoomsWithTCP(t *testing.T) {
	cfg := testConfig()
	sv, srv, addr := startHTTP(t, cfg)

	ws, resp, err := dialWS(t, srv, testOrigin)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })

	require.Equal(t, cfg.Prompt, readWS(t, ws))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("alice")))
	require.Equal(t, "Welcome, alice! You're in #lobby.", readWS(t, ws))
	waitInRoom(t, sv.Registry(), "alice", "lobby")

	bob := dialClient(t, addr)
	bob.login(sv, "bob")
	expectWS(t, ws, "* bob joined #lobby")

	bob.send("hi alice")
	expectWS(t, ws, "<bob> hi alice")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("hello bob")))
	bob.expect("<alice> hello bob")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("/quit")))
	expectWS(t, ws, "* Goodbye!")
	bob.expect("* alice left #lobby")
}

func TestWebSocket_OversizedMessageIsFatal(t *testing.T) {
	cfg := testConfig()
	sizes := map[string]int{
		"just over":   cfg.MaxFrameLength + 10,
		"three times": 3 * cfg.MaxFrameLength,
		"far over":    64 * cfg.MaxFrameLength,
	}

	for name, size := range sizes {
		t.Run(name, func(t *testing.T) {
			sv, srv, _ := startHTTP(t, cfg)

			ws, resp, err := dialWS(t, srv, testOrigin)
			require.NoError(t, err)
			_ = resp.Body.Close()
			t.Cleanup(func() { _ = ws.Close() })

			readWS(t, ws)
			require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("alice")))
			readWS(t, ws)
			waitInRoom(t, sv.Registry(), "alice", "lobby")

			require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", size))))
			expectWS(t, ws, "ERROR: frame exceeds maximum length")
			_, _, err = ws.ReadMessage()
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			waitGone(t, sv.Registry(), "alice")
		})
	}
}

func TestWebSocket_OriginPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"http://example.com"}
	_, srv, _ := startHTTP(t, cfg)

	tests := []struct {
		name    string
		origin  string
		allowed bool
	}{
		{name: "missing origin", origin: "", allowed: false},
		{name: "other origin", origin: "http://evil.example.org", allowed: false},
		{name: "malformed origin", origin: "not-a-url", allowed: false},
		{name: "exact origin", origin: "http://example.com", allowed: true},
		{name: "case differs", origin: "HTTP://Example.COM", allowed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := dialWS(t, srv, tt.origin)
			if resp != nil {
				defer func() { _ = resp.Body.Close() }()
			}
			if tt.allowed {
				require.NoError(t, err)
				_ = conn.Close()
				return
			}
			require.Error(t, err)
			require.NotNil(t, resp)
			require.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}

func TestNewOriginPolicy(t *testing.T) {
	req := require.New(t)
	p := newOriginPolicy([]string{" https://Chat.Example.com ", "", "garbage"}, testLogger())
	req.False(p.allowAll)
	req.Equal(map[string]struct{}{"https://chat.example.com": {}}, p.allowed)

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://chat.example.com")
	req.True(p.allows(r))

	all := newOriginPolicy([]string{"*"}, testLogger())
	r.Header.Set("Origin", "https://anything.test")
	req.True(all.allows(r))
	r.Header.Del("Origin")
	req.False(all.allows(r))
}

func TestWebSocketHandler_RejectsNonGET(t *testing.T) {
	sv := NewSupervisor(testConfig(), testLogger(), nil, nil)
	handler := WebSocketHandler(sv, []string{testOrigin})

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		w := httptest.NewRecorder()
		handler(w, httptest.NewRequest(method, "/ws", nil))
		require.Equal(t, http.StatusMethodNotAllowed, w.Code, method)
	}

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthHandler(t *testing.T) {
	req := require.New(t)
	sv, srv, addr := startHTTP(t, testConfig())
	alice := dialClient(t, addr)
	alice.login(sv, "alice")

	resp, err := http.Get(srv.URL + "/")
	req.NoError(err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	req.NoError(err)

	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal("text/plain", resp.Header.Get("Content-Type"))
	req.Equal("Chat server is running!\nsessions: 1\nrooms: 1\n", string(body))
}

func TestHTTPServerLifecycle(t *testing.T) {
	req := require.New(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	req.NoError(err)
	addr := ln.Addr().String()
	req.NoError(ln.Close())

	srv := CreateServer(addr, http.NewServeMux())
	req.Equal(addr, srv.Addr)
	req.Equal(60*time.Second, srv.IdleTimeout)

	done := make(chan error, 1)
	go func() { done <- StartServer(srv, testLogger()) }()
	req.Eventually(func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, readWait, 10*time.Millisecond)

	req.NoError(ShutdownServer(srv, time.Second, testLogger()))
	req.NoError(<-done)
}

func TestWSConn_SplitsOutboundLines(t *testing.T) {
	req := require.New(t)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConn := make(chan *wsConn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConn <- newWSConn(ws, 64)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), readWait)
	defer cancel()
	client, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL(srv), nil)
	req.NoError(err)
	_ = resp.Body.Close()
	defer func() { _ = client.Close() }()

	conn := <-serverConn
	n, err := conn.Write([]byte("one\ntwo\n"))
	req.NoError(err)
	req.Equal(8, n)
	req.Equal("one", readWS(t, client))
	req.Equal("two", readWS(t, client))

	req.NoError(client.WriteMessage(websocket.TextMessage, []byte("hello")))
	buf := make([]byte, 3)
	n, err = conn.Read(buf)
	req.NoError(err)
	req.Equal("hel", string(buf[:n]))
	n, err = conn.Read(buf)
	req.NoError(err)
	req.Equal("lo\n", string(buf[:n]))

	req.NoError(conn.Close())
	_, _, err = client.ReadMessage()
	req.True(websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
