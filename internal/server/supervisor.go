// Package server runs one task per connection: it performs the identity
// handshake, reads frames, executes dispatched actions and tears the session
// down.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/linechat/internal/command"
	"github.com/Tyrowin/linechat/internal/filter"
	"github.com/Tyrowin/linechat/internal/protocol"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("chat server closed")

const helpHint = "Type a message or /help for commands."

var (
	shutdownNotice  = protocol.Notice("Server shutting down")
	goodbyeNotice   = protocol.Notice("Goodbye!")
	rateLimitNotice = protocol.Errorf("rate limit exceeded; message discarded")
)

// Supervisor owns the listeners and the per-connection session tasks.
type Supervisor struct {
	cfg        Config
	log        *slog.Logger
	dispatcher *command.Dispatcher
	filters    *filter.Chain
	registry   *Registry

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	sessions  map[*Session]struct{}
	closing   bool
	wg        sync.WaitGroup
}

// NewSupervisor wires a registry to the dispatcher and filters. A nil
// dispatcher gets the built-in commands only; a nil chain allows everything.
func NewSupervisor(cfg Config, log *slog.Logger, d *command.Dispatcher, f *filter.Chain) *Supervisor {
	cfg = sanitizeConfig(cfg)
	if d == nil {
		d = command.NewDispatcher(command.WithLegacyFrames(cfg.LegacyFrames))
	}
	return &Supervisor{
		cfg:        cfg,
		log:        log,
		dispatcher: d,
		filters:    f,
		registry:   NewRegistry(cfg.limits(), log),
		listeners:  make(map[net.Listener]struct{}),
		sessions:   make(map[*Session]struct{}),
	}
}

// Registry exposes the room registry.
func (sv *Supervisor) Registry() *Registry {
	return sv.registry
}

// Serve accepts connections on ln until Shutdown is called, running each
// one on its own goroutine.
func (sv *Supervisor) Serve(ln net.Listener) error {
	if !sv.trackListener(ln) {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer sv.untrackListener(ln)

	sv.log.Info("Chat server listening", "addr", ln.Addr().String())

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if sv.shuttingDown() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				sv.log.Warn("Accept failed, retrying", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0
		go sv.ServeConn(conn)
	}
}

// ServeConn runs a session on conn and returns once it is fully torn down.
func (sv *Supervisor) ServeConn(conn net.Conn) {
	sess := newSession(conn, sessionOptions{
		queueSize:    sv.cfg.OutboundQueueSize,
		writeTimeout: sv.cfg.WriteTimeout,
		rateLimit:    sv.cfg.RateLimit,
	}, sv.log)

	if !sv.trackSession(sess) {
		_ = conn.Close()
		return
	}
	defer sv.untrackSession(sess)

	sess.log.Info("Connection opened")
	go sess.writePump()

	dec := protocol.NewDecoder(conn, sv.cfg.MaxFrameLength)
	if sv.handshake(sess, dec) {
		sv.readLoop(sess, dec)
	}
	sv.teardown(sess)
}

func (sv *Supervisor) handshake(sess *Session, dec *protocol.Decoder) bool {
	sess.setState(StateHandshaking)
	sv.prompt(sess)

	if err := sess.conn.SetReadDeadline(time.Now().Add(sv.cfg.HandshakeTimeout)); err != nil {
		sess.Close(nil)
		return false
	}

	attempts := 0
	var user string
	for user == "" {
		if sess.Closed() {
			return false
		}
		frame, err := dec.Next()
		if err != nil {
			sv.readFailed(sess, err, "handshake timed out")
			return false
		}
		if len(strings.TrimSpace(string(frame))) == 0 {
			continue
		}
		attempts++

		name, err := sv.registry.Register(sess, string(frame))
		switch {
		case err == nil:
			user = name
		case errors.Is(err, ErrServerFull):
			sess.log.Warn("Rejecting connection", "error", err)
			sess.Close(protocol.Error(err))
			return false
		case attempts >= sv.cfg.HandshakeAttempts:
			sess.log.Info("Handshake failed", "error", err, "attempts", attempts)
			sess.Close(protocol.Errorf("%v; too many attempts", err))
			return false
		default:
			sv.send(sess, protocol.Error(err))
			sv.prompt(sess)
		}
	}

	if err := sess.conn.SetReadDeadline(time.Time{}); err != nil {
		sess.Close(nil)
		return false
	}

	sess.log.Info("Session identified", "user", user)
	if sv.cfg.MOTD != "" {
		sv.send(sess, protocol.Lines(sv.cfg.MOTD))
	}

	res, err := sv.registry.Join(sess, sv.cfg.DefaultRoom)
	if err != nil {
		sess.log.Warn("Could not join default room", "room", sv.cfg.DefaultRoom, "error", err)
		sv.send(sess, protocol.Welcome(user, ""))
		sv.send(sess, protocol.Error(err))
	} else {
		sv.send(sess, protocol.Welcome(user, res.Room))
	}
	sv.send(sess, protocol.Line(helpHint))
	sess.setState(StateActive)
	return true
}

func (sv *Supervisor) prompt(sess *Session) {
	if sv.cfg.Prompt != "" {
		sv.send(sess, protocol.Line(sv.cfg.Prompt))
	}
}

func (sv *Supervisor) readLoop(sess *Session, dec *protocol.Decoder) {
	for !sess.Closed() {
		if sv.cfg.IdleTimeout > 0 {
			if err := sess.conn.SetReadDeadline(time.Now().Add(sv.cfg.IdleTimeout)); err != nil {
				sess.Close(nil)
				return
			}
		}

		frame, err := dec.Next()
		if err != nil {
			sv.readFailed(sess, err, "idle timeout")
			return
		}

		action := sv.dispatcher.Dispatch(sess.User(), sess.Room(), frame)
		if action.Kind == command.KindNone {
			continue
		}
		if action.Kind != command.KindQuit && !sess.limiter.allow() {
			sess.log.Debug("Rate limit exceeded")
			sv.send(sess, rateLimitNotice)
			continue
		}
		if !sv.execute(sess, action) {
			return
		}
	}
}

// readFailed closes the session after a failed read. Protocol errors and
// timeouts get a final diagnostic; transport errors are only logged.
func (sv *Supervisor) readFailed(sess *Session, err error, timeoutReason string) {
	var ne net.Error
	switch {
	case protocol.IsProtocolError(err):
		sess.log.Info("Protocol error", "error", err)
		sess.Close(protocol.Error(err))
	case sess.Closed():
	case errors.As(err, &ne) && ne.Timeout():
		sess.log.Info("Read timed out", "reason", timeoutReason)
		sess.Close(protocol.Errorf("%s", timeoutReason))
	case isExpectedCloseError(err):
		sess.log.Debug("Connection closed by peer")
		sess.Close(nil)
	default:
		sess.log.Info("Read failed", "error", err)
		sess.Close(nil)
	}
}

// execute carries out one dispatched action. It returns false when the
// session must stop reading.
func (sv *Supervisor) execute(sess *Session, action command.Action) bool {
	user, room := sess.User(), sess.Room()

	switch action.Kind {
	case command.KindChat, command.KindEmote:
		if room == "" {
			sv.send(sess, protocol.Errorf("%v; use /join <room>", ErrNotInRoom))
			return true
		}
		res := sv.filters.Apply(user, action.Text)
		if res.Verdict == filter.Block {
			sv.send(sess, protocol.Notice("Message blocked: "+res.Reason))
			return true
		}
		if action.Kind == command.KindEmote {
			sv.registry.Broadcaster().Broadcast(room, NewSystemMessage(room, res.Body), uuid.Nil)
			return true
		}
		d := sv.registry.Broadcaster().Broadcast(room, NewChatMessage(user, room, res.Body), sess.ID())
		sess.log.Debug("Chat delivered", "room", room, "delivered", d.Delivered, "dropped", d.Dropped)

	case command.KindJoin:
		res, err := sv.registry.Join(sess, action.Room)
		if err != nil {
			sv.send(sess, protocol.Error(err))
			return true
		}
		sv.send(sess, protocol.Notice(fmt.Sprintf("You joined #%s. Members: %s", res.Room, strings.Join(res.Members, ", "))))

	case command.KindLeave:
		left, err := sv.registry.Leave(sess)
		if err != nil {
			sv.send(sess, protocol.Error(err))
			return true
		}
		sv.send(sess, protocol.Notice("You left #"+left))

	case command.KindQuit:
		sess.log.Info("Client quit")
		sess.Close(goodbyeNotice)
		return false

	case command.KindReply:
		sv.send(sess, protocol.Lines(action.Text))

	case command.KindListRooms:
		sv.send(sess, renderRooms(sv.registry.Rooms()))

	case command.KindWho:
		if room == "" {
			sv.send(sess, protocol.Error(ErrNotInRoom))
			return true
		}
		sv.send(sess, renderMembers(room, sv.registry.MemberNames(room)))

	case command.KindUnknown, command.KindInvalid:
		sv.send(sess, protocol.Error(action.Err))

	default:
		sv.send(sess, protocol.Errorf("unsupported action %s", action.Kind))
	}
	return true
}

// send queues a reply to the session's own peer. A full queue disconnects
// it, exactly as it would for a broadcast.
func (sv *Supervisor) send(sess *Session, line []byte) {
	if err := sess.Send(line); errors.Is(err, ErrQueueFull) {
		if sess.Close(queueFullNotice) {
			sess.log.Warn("Dropping slow session")
		}
	}
}

// teardown leaves the room before the session is reported closed.
func (sv *Supervisor) teardown(sess *Session) {
	sess.Close(nil)
	if sv.registry.Unregister(sess) {
		sess.log.Info("Session unregistered", "user", sess.User())
	}
	<-sess.writerDone
	sess.setState(StateClosed)
	sess.log.Info("Connection closed")
}

// Shutdown stops accepting, sends every session a final notice and waits
// for their tasks. Connections still open when ctx expires are closed.
func (sv *Supervisor) Shutdown(ctx context.Context) error {
	sv.mu.Lock()
	sv.closing = true
	for ln := range sv.listeners {
		if err := ln.Close(); err != nil && !isExpectedCloseError(err) {
			sv.log.Warn("Error closing listener", "error", err)
		}
	}
	sessions := make([]*Session, 0, len(sv.sessions))
	for s := range sv.sessions {
		sessions = append(sessions, s)
	}
	sv.mu.Unlock()

	sv.log.Info("Shutting down chat server", "sessions", len(sessions))
	for _, s := range sessions {
		s.Close(shutdownNotice)
	}

	done := make(chan struct{})
	go func() {
		sv.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		sv.log.Info("Chat server shutdown completed")
		return nil
	case <-ctx.Done():
		for _, s := range sessions {
			s.closeConnection()
		}
		return ctx.Err()
	}
}

func (sv *Supervisor) shuttingDown() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.closing
}

func (sv *Supervisor) trackListener(ln net.Listener) bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.closing {
		return false
	}
	sv.listeners[ln] = struct{}{}
	return true
}

func (sv *Supervisor) untrackListener(ln net.Listener) {
	sv.mu.Lock()
	delete(sv.listeners, ln)
	sv.mu.Unlock()
}

func (sv *Supervisor) trackSession(s *Session) bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.closing {
		return false
	}
	sv.sessions[s] = struct{}{}
	sv.wg.Add(1)
	return true
}

func (sv *Supervisor) untrackSession(s *Session) {
	sv.mu.Lock()
	delete(sv.sessions, s)
	sv.mu.Unlock()
	sv.wg.Done()
}
