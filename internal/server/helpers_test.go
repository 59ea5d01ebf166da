package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/linechat/internal/filter"
)

const readWait = 3 * time.Second

func testLogger() *slog.Logger {
	return logs.GetLoggerFromLevel(slog.LevelDebug)
}

// testConfig returns defaults with a rate limit tests never hit.
func testConfig() Config {
	cfg := defaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.RateLimit.Burst = 10_000
	cfg.HandshakeTimeout = 5 * time.Second
	return cfg
}

// testSession builds a session with no connection; its queue is inspected
// directly with drain.
func testSession(t *testing.T, queueSize int) *Session {
	t.Helper()
	return newSession(nil, sessionOptions{queueSize: queueSize}, testLogger())
}

// registered builds a session and registers it under name.
func registered(t *testing.T, r *Registry, name string) *Session {
	t.Helper()
	s := testSession(t, 1024)
	_, err := r.Register(s, name)
	require.NoError(t, err)
	return s
}

// drain empties a connectionless session's queue.
func drain(s *Session) []string {
	var out []string
	for {
		select {
		case line := <-s.send:
			out = append(out, string(line))
		default:
			return out
		}
	}
}

func testLimits() Limits {
	return defaultConfig().limits()
}

// startSupervisor serves cfg on a loopback listener until the test ends.
func startSupervisor(t *testing.T, cfg Config, filters *filter.Chain) (*Supervisor, string) {
	t.Helper()
	d, err := cfg.NewDispatcher()
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	sv := NewSupervisor(cfg, testLogger(), d, filters)
	served := make(chan error, 1)
	go func() { served <- sv.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = sv.Shutdown(ctx)
		<-served
	})
	return sv, ln.Addr().String()
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, readWait)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return newTestClient(t, conn)
}

func newTestClient(t *testing.T, conn net.Conn) *testClient {
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(readWait)))
	_, err := io.WriteString(c.conn, line+"\n")
	require.NoError(c.t, err)
}

// readLine returns the next line without its terminator.
func (c *testClient) readLine() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readWait)))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err, "partial read %q", line)
	return strings.TrimSuffix(line, "\n")
}

// expect reads lines until one equals want.
func (c *testClient) expect(want string) {
	c.t.Helper()
	c.expectFunc(want, func(line string) bool { return line == want })
}

// expectContains reads lines until one contains sub and returns it.
func (c *testClient) expectContains(sub string) string {
	c.t.Helper()
	return c.expectFunc(sub, func(line string) bool { return strings.Contains(line, sub) })
}

func (c *testClient) expectFunc(desc string, match func(string) bool) string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readWait)))
	var seen []string
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			c.t.Fatalf("waiting for %q: %v (seen %q)", desc, err, seen)
		}
		line = strings.TrimSuffix(line, "\n")
		if match(line) {
			return line
		}
		seen = append(seen, line)
	}
}

// expectClosed reads until the server closes the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readWait)))
	for {
		_, err := c.r.ReadString('\n')
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.t.Fatal("connection still open")
		}
		return
	}
}

// login completes the handshake and waits until name sits in the default room.
func (c *testClient) login(sv *Supervisor, name string) {
	c.t.Helper()
	c.expect(sv.cfg.Prompt)
	c.send(name)
	c.expect("Welcome, " + name + "! You're in #" + sv.cfg.DefaultRoom + ".")
	c.expect(helpHint)
	waitInRoom(c.t, sv.Registry(), name, sv.cfg.DefaultRoom)
}

func waitInRoom(t *testing.T, r *Registry, name, room string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := r.Lookup(name)
		return ok && s.Room() == room
	}, readWait, 5*time.Millisecond)
}

func waitGone(t *testing.T, r *Registry, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := r.Lookup(name)
		return !ok
	}, readWait, 5*time.Millisecond)
}
