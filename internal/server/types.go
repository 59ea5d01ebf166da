// Package server defines the message values shared by the registry, the
// broadcast engine and the sessions, plus small error helpers.
package server

import (
	"errors"
	"io"
	"net"
	"strings"

	"github.com/Tyrowin/linechat/internal/protocol"
)

// MessageKind classifies a broadcast message.
type MessageKind int

const (
	KindChat MessageKind = iota
	KindJoin
	KindLeave
	KindSystem
)

func (k MessageKind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindJoin:
		return "join"
	case KindLeave:
		return "leave"
	case KindSystem:
		return "system"
	}
	return "unknown"
}

// Message is immutable once built. Its encoded line is computed once and
// shared read-only by every recipient of a broadcast.
type Message struct {
	Sender  string
	Room    string
	Payload []byte
	Kind    MessageKind
	line    []byte
}

// NewChatMessage builds "<sender> text".
func NewChatMessage(sender, room, text string) *Message {
	return &Message{Sender: sender, Room: room, Payload: []byte(text), Kind: KindChat, line: protocol.Chat(sender, text)}
}

// NewJoinMessage builds "* user joined #room".
func NewJoinMessage(user, room string) *Message {
	return &Message{Sender: user, Room: room, Kind: KindJoin, line: protocol.Joined(user, room)}
}

// NewLeaveMessage builds "* user left #room".
func NewLeaveMessage(user, room string) *Message {
	return &Message{Sender: user, Room: room, Kind: KindLeave, line: protocol.Left(user, room)}
}

// NewSystemMessage builds "* text".
func NewSystemMessage(room, text string) *Message {
	return &Message{Room: room, Payload: []byte(text), Kind: KindSystem, line: protocol.Notice(text)}
}

// Line returns the wire encoding. Callers must not modify it.
func (m *Message) Line() []byte {
	return m.line
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "broken pipe")
}
