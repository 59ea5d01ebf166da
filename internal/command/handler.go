//go:generate go run go.uber.org/mock/mockgen -source=handler.go -destination=mocks/mock_handler.go -package=mocks

package command

import (
	"fmt"
	"strings"
)

// Request is what a plugin sees of the line being dispatched.
type Request struct {
	User string
	Room string
	Name string
	Args string
}

// Handler resolves a plugin command. Handlers run on the sender's session
// goroutine and must be safe for concurrent use.
type Handler interface {
	Handle(req Request) Action
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req Request) Action

// Handle calls f(req).
func (f HandlerFunc) Handle(req Request) Action {
	return f(req)
}

// Me renders "/me waves" as "* alice waves" to the whole room.
func Me() Handler {
	return HandlerFunc(func(req Request) Action {
		action := strings.TrimSpace(req.Args)
		if action == "" {
			return Invalid(fmt.Errorf("%w: /%s requires an action", ErrMissingArgument, req.Name))
		}
		return Emote(req.User + " " + action)
	})
}
