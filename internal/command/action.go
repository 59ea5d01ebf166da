// Package command turns one inbound line into an Action: a room command, a
// chat message, or the result of a registered plugin. It never touches room
// state; the server executes the returned Action.
package command

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCommand is reported to the sender for unregistered commands.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrMissingArgument is reported when a command needs an argument.
	ErrMissingArgument = errors.New("missing argument")
	// ErrUnsupported is reported for recognised commands this server refuses.
	ErrUnsupported = errors.New("not supported")
)

// Kind enumerates what the server must do with a dispatched line.
type Kind int

const (
	// KindNone means the line carried nothing to act on (blank line).
	KindNone Kind = iota
	KindChat
	KindJoin
	KindLeave
	KindQuit
	KindReply
	KindEmote
	KindListRooms
	KindWho
	KindUnknown
	KindInvalid
)

var kindNames = [...]string{
	KindNone:      "none",
	KindChat:      "chat",
	KindJoin:      "join",
	KindLeave:     "leave",
	KindQuit:      "quit",
	KindReply:     "reply",
	KindEmote:     "emote",
	KindListRooms: "list",
	KindWho:       "who",
	KindUnknown:   "unknown",
	KindInvalid:   "invalid",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Action is the dispatcher's decision. Text holds the chat body, reply or
// emote text depending on Kind; Room is set for KindJoin; Err is set for
// KindUnknown and KindInvalid.
type Action struct {
	Kind Kind
	Room string
	Text string
	Err  error
}

// SendMessage broadcasts text to the sender's current room.
func SendMessage(text string) Action {
	return Action{Kind: KindChat, Text: text}
}

// JoinRoom moves the sender into room.
func JoinRoom(room string) Action {
	return Action{Kind: KindJoin, Room: room}
}

// LeaveRoom removes the sender from its current room.
func LeaveRoom() Action {
	return Action{Kind: KindLeave}
}

// Quit closes the sender's session.
func Quit() Action {
	return Action{Kind: KindQuit}
}

// Reply sends text back to the sender only.
func Reply(text string) Action {
	return Action{Kind: KindReply, Text: text}
}

// Emote broadcasts text as a system line to the whole room, sender included.
func Emote(text string) Action {
	return Action{Kind: KindEmote, Text: text}
}

// ListRooms asks for the room table.
func ListRooms() Action {
	return Action{Kind: KindListRooms}
}

// Who asks for the members of the current room.
func Who() Action {
	return Action{Kind: KindWho}
}

// UnknownCommand reports an unregistered command name.
func UnknownCommand(prefix byte, name string) Action {
	return Action{Kind: KindUnknown, Text: name, Err: fmt.Errorf("%w: %c%s", ErrUnknownCommand, prefix, name)}
}

// Invalid reports a recognised command used incorrectly.
func Invalid(err error) Action {
	return Action{Kind: KindInvalid, Err: err}
}
