// Package server manages individual chat sessions, handling the outbound
// queue, the write pump and lifecycle control for each connection.
package server

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// flushTimeout bounds the final drain of a closing session.
const flushTimeout = time.Second

var (
	// ErrQueueFull is returned by Send when the outbound queue is saturated.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrSessionClosed is returned by Send once the session is closing.
	ErrSessionClosed = errors.New("session closed")
)

// State is a session's position in its connection lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session represents one connected client: its identity, current room and
// outbound queue. Only the registry changes user and room.
type Session struct {
	id   uuid.UUID
	conn net.Conn
	addr string
	log  *slog.Logger

	mu     sync.Mutex
	user   string
	room   string
	state  State
	notice []byte

	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	writerDone chan struct{}

	limiter      *rateLimiter
	writeTimeout time.Duration
}

type sessionOptions struct {
	queueSize    int
	writeTimeout time.Duration
	rateLimit    RateLimitConfig
}

func newSession(conn net.Conn, opts sessionOptions, log *slog.Logger) *Session {
	if opts.queueSize <= 0 {
		opts.queueSize = 256
	}
	if opts.writeTimeout <= 0 {
		opts.writeTimeout = 10 * time.Second
	}
	addr := "unknown"
	if conn != nil && conn.RemoteAddr() != nil {
		addr = conn.RemoteAddr().String()
	}
	id := uuid.New()

	return &Session{
		id:           id,
		conn:         conn,
		addr:         addr,
		log:          log.With("session", id.String(), "addr", addr),
		state:        StateConnecting,
		send:         make(chan []byte, opts.queueSize),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
		limiter:      newRateLimiter(opts.rateLimit.Burst, opts.rateLimit.RefillInterval),
		writeTimeout: opts.writeTimeout,
	}
}

// ID returns the session's stable registry identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Addr returns the peer address.
func (s *Session) Addr() string {
	return s.addr
}

// User returns the identity, empty until the handshake succeeds.
func (s *Session) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Room returns the current room, empty when roomless.
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setUser(user string) {
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
}

func (s *Session) setRoom(room string) {
	s.mu.Lock()
	s.room = room
	s.mu.Unlock()
}

// setState moves the session forward; states never go backwards.
func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state > s.state {
		s.state = state
	}
}

// Done is closed when the session starts closing.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Send queues one encoded line without blocking.
func (s *Session) Send(line []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.send <- line:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close starts closing the session. notice, when non-nil, is the last line
// written to the peer. Only the first call has an effect.
func (s *Session) Close(notice []byte) bool {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.mu.Lock()
		s.notice = notice
		if s.state < StateClosing {
			s.state = StateClosing
		}
		s.mu.Unlock()
		close(s.done)
		// Cut a write blocked on a stalled peer short.
		if s.conn != nil {
			_ = s.conn.SetWriteDeadline(time.Now().Add(flushTimeout))
		}
	})
	return first
}

// writePump drains the outbound queue to the connection until the session
// closes. It owns the connection and closes it on exit.
func (s *Session) writePump() {
	defer close(s.writerDone)
	defer s.closeConnection()

	for {
		select {
		case line := <-s.send:
			if !s.writeLine(line) {
				s.Close(nil)
				return
			}
		case <-s.done:
			s.flush()
			return
		}
	}
}

// writeLine writes one queued line and returns false if the connection should be closed.
func (s *Session) writeLine(line []byte) bool {
	if s.Closed() {
		// Keep the flush deadline set by Close.
		return s.write(line)
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		s.log.Debug("Error setting write deadline", "error", err)
		return false
	}
	if s.Closed() {
		_ = s.conn.SetWriteDeadline(time.Now().Add(flushTimeout))
	}
	return s.write(line)
}

func (s *Session) write(line []byte) bool {
	if _, err := s.conn.Write(line); err != nil {
		if !isExpectedCloseError(err) {
			s.log.Info("Write failed", "error", err)
		}
		return false
	}
	return true
}

// flush writes what is still queued, then the closing notice, within flushTimeout.
func (s *Session) flush() {
	_ = s.conn.SetWriteDeadline(time.Now().Add(flushTimeout))
	for {
		select {
		case line := <-s.send:
			if !s.write(line) {
				return
			}
			continue
		default:
		}
		break
	}

	s.mu.Lock()
	notice := s.notice
	s.mu.Unlock()
	if notice != nil {
		s.write(notice)
	}
}

// closeConnection safely closes the connection with proper error handling
func (s *Session) closeConnection() {
	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.log.Debug("Error closing connection", "error", err)
	}
}
