package protocol

import (
	"fmt"
	"strings"
)

// Terminator ends every outbound line.
const Terminator = '\n'

// ErrorPrefix starts every diagnostic line sent to a client.
const ErrorPrefix = "ERROR: "

// Line appends the terminator to text. The result is a fresh slice that can
// be shared read-only between recipients.
func Line(text string) []byte {
	out := make([]byte, 0, len(text)+1)
	out = append(out, text...)
	return append(out, Terminator)
}

// Lines renders a multi-line block, one terminator per line.
func Lines(text string) []byte {
	text = strings.TrimRight(text, "\n")
	lines := strings.Split(text, "\n")
	size := len(lines)
	for _, l := range lines {
		size += len(l)
	}
	out := make([]byte, 0, size)
	for _, l := range lines {
		out = append(out, strings.TrimRight(l, "\r")...)
		out = append(out, Terminator)
	}
	return out
}

// Welcome is the first line an identified session receives. An empty room
// leaves out the room claim.
func Welcome(user, room string) []byte {
	if room == "" {
		return Line(fmt.Sprintf("Welcome, %s!", user))
	}
	return Line(fmt.Sprintf("Welcome, %s! You're in #%s.", user, room))
}

// Chat renders a chat message as seen by the other room members.
func Chat(user, text string) []byte {
	return Line("<" + user + "> " + text)
}

// Joined renders the presence line sent when user enters room.
func Joined(user, room string) []byte {
	return Line("* " + user + " joined #" + room)
}

// Left renders the presence line sent when user leaves room.
func Left(user, room string) []byte {
	return Line("* " + user + " left #" + room)
}

// Notice renders a server notice ("* text").
func Notice(text string) []byte {
	return Line("* " + text)
}

// Error renders a single diagnostic line.
func Error(err error) []byte {
	return Line(ErrorPrefix + err.Error())
}

// Errorf renders a single diagnostic line from a format string.
func Errorf(format string, args ...any) []byte {
	return Line(ErrorPrefix + fmt.Sprintf(format, args...))
}
