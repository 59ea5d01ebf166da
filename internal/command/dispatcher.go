package command

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// DefaultPrefix marks a line as a command.
const DefaultPrefix = '/'

var (
	// ErrDuplicateCommand is returned when a plugin name is registered twice.
	ErrDuplicateCommand = errors.New("command already registered")
	// ErrReservedCommand is returned when a plugin tries to shadow a built-in.
	ErrReservedCommand = errors.New("command name is reserved")
	// ErrInvalidCommandName is returned for empty names or names with spaces.
	ErrInvalidCommandName = errors.New("invalid command name")
)

var builtins = map[string]string{
	"join":  "/join <room>",
	"leave": "/leave",
	"who":   "/who",
	"list":  "/list",
	"quit":  "/quit",
	"help":  "/help",
}

var builtinOrder = []string{"join", "leave", "who", "list", "quit", "help"}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPrefix changes the command sigil.
func WithPrefix(prefix byte) Option {
	return func(d *Dispatcher) {
		d.prefix = prefix
	}
}

// WithLegacyFrames enables the TYPE:PAYLOAD frames (MSG:, JOIN:, NICK:, QUIT:).
func WithLegacyFrames(enabled bool) Option {
	return func(d *Dispatcher) {
		d.legacy = enabled
	}
}

// Dispatcher maps lines to Actions. Plugins are registered before the
// server accepts connections; Dispatch is safe for concurrent use.
type Dispatcher struct {
	prefix   byte
	legacy   bool
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher returns a Dispatcher with the built-in commands only.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		prefix:   DefaultPrefix,
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register binds a plugin handler to name (with or without the prefix).
func (d *Dispatcher) Register(name string, h Handler) error {
	name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), string(d.prefix)))
	if name == "" || strings.ContainsAny(name, " \t") || h == nil {
		return fmt.Errorf("%w: %q", ErrInvalidCommandName, name)
	}
	if _, ok := builtins[name]; ok {
		return fmt.Errorf("%w: %s", ErrReservedCommand, name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, name)
	}
	d.handlers[name] = h
	return nil
}

// Plugins returns the registered plugin names, sorted.
func (d *Dispatcher) Plugins() []string {
	d.mu.RLock()
	names := lo.Keys(d.handlers)
	d.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Help renders the one-line command summary.
func (d *Dispatcher) Help() string {
	usages := lo.Map(builtinOrder, func(name string, _ int) string {
		return d.usage(builtins[name])
	})
	for _, name := range d.Plugins() {
		usages = append(usages, string(d.prefix)+name)
	}
	return "Commands: " + strings.Join(usages, ", ")
}

func (d *Dispatcher) usage(u string) string {
	return string(d.prefix) + strings.TrimPrefix(u, "/")
}

// Dispatch decides what line means for user, currently in room ("" when
// roomless). line may alias a read buffer; the returned Action owns its
// strings.
func (d *Dispatcher) Dispatch(user, room string, line []byte) Action {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Action{Kind: KindNone}
	}
	if trimmed[0] == d.prefix {
		return d.command(user, room, string(trimmed[1:]))
	}
	if d.legacy {
		if action, ok := d.legacyFrame(trimmed); ok {
			return action
		}
	}
	return SendMessage(string(trimmed))
}

func (d *Dispatcher) command(user, room, input string) Action {
	name, args, _ := strings.Cut(input, " ")
	name = strings.ToLower(name)
	args = strings.TrimSpace(args)

	switch name {
	case "join":
		if args == "" {
			return Invalid(fmt.Errorf("%w: %s requires a room name", ErrMissingArgument, d.usage("/join")))
		}
		return JoinRoom(args)
	case "leave":
		return LeaveRoom()
	case "who":
		return Who()
	case "list":
		return ListRooms()
	case "quit":
		return Quit()
	case "help":
		return Reply(d.Help())
	}

	d.mu.RLock()
	h, ok := d.handlers[name]
	d.mu.RUnlock()
	if !ok {
		return UnknownCommand(d.prefix, name)
	}
	return h.Handle(Request{User: user, Room: room, Name: name, Args: args})
}

func (d *Dispatcher) legacyFrame(line []byte) (Action, bool) {
	kind, payload, found := bytes.Cut(line, []byte{':'})
	if !found {
		return Action{}, false
	}

	switch string(kind) {
	case "MSG":
		sender, body, ok := bytes.Cut(payload, []byte{':'})
		if !ok {
			return Invalid(fmt.Errorf("%w: MSG requires username:body", ErrMissingArgument)), true
		}
		if len(bytes.TrimSpace(sender)) == 0 {
			return Invalid(fmt.Errorf("%w: MSG requires a username", ErrMissingArgument)), true
		}
		return SendMessage(string(body)), true
	case "JOIN":
		room := bytes.TrimSpace(payload)
		if len(room) == 0 {
			return Invalid(fmt.Errorf("%w: JOIN requires a room name", ErrMissingArgument)), true
		}
		return JoinRoom(string(room)), true
	case "NICK":
		return Invalid(fmt.Errorf("nickname changes are %w", ErrUnsupported)), true
	case "QUIT":
		return Quit(), true
	}
	return Action{}, false
}
