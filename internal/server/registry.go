// Package server keeps the room registry: the arena of live sessions keyed by
// identifier, the unique user names, and room membership.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

var (
	// ErrNameCollision is returned when the name is held by another session.
	ErrNameCollision = errors.New("name already in use")
	// ErrInvalidName wraps every reason a user name is rejected.
	ErrInvalidName = errors.New("invalid name")
	// ErrServerFull is returned when MaxUsers sessions are registered.
	ErrServerFull = errors.New("server is full")
	// ErrInvalidRoom wraps every reason a room name is rejected.
	ErrInvalidRoom = errors.New("invalid room name")
	// ErrTooManyRooms is returned when a join would create a room past MaxRooms.
	ErrTooManyRooms = errors.New("too many rooms")
	// ErrNotInRoom is returned when an operation needs a room the session is not in.
	ErrNotInRoom = errors.New("not in a room")
	// ErrNotRegistered is returned for a session the registry does not hold.
	ErrNotRegistered = errors.New("session not registered")
)

// Limits bound what the registry accepts.
type Limits struct {
	MaxUsers          int
	MaxRooms          int
	MaxNameLength     int
	MaxRoomNameLength int
}

func (c Config) limits() Limits {
	return Limits{
		MaxUsers:          c.MaxUsers,
		MaxRooms:          c.MaxRooms,
		MaxNameLength:     c.MaxNameLength,
		MaxRoomNameLength: c.MaxRoomNameLength,
	}
}

// RoomInfo is a point-in-time description of a room.
type RoomInfo struct {
	Name    string
	Members int
}

// JoinResult describes a completed join.
type JoinResult struct {
	Room     string
	Previous string
	Members  []string
	Changed  bool
}

type room struct {
	name    string
	members map[uuid.UUID]*Session
}

// Registry owns session identity and room membership. Sessions and rooms
// refer to each other only through identifiers held here.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	names    map[string]uuid.UUID
	rooms    map[string]*room

	limits      Limits
	log         *slog.Logger
	broadcaster *Broadcaster
}

// NewRegistry creates an empty registry with its broadcast engine.
func NewRegistry(limits Limits, log *slog.Logger) *Registry {
	r := &Registry{
		sessions: make(map[uuid.UUID]*Session),
		names:    make(map[string]uuid.UUID),
		rooms:    make(map[string]*room),
		limits:   limits,
		log:      log,
	}
	r.broadcaster = NewBroadcaster(r, log)
	return r
}

// Broadcaster returns the engine that fans messages out to this registry's rooms.
func (r *Registry) Broadcaster() *Broadcaster {
	return r.broadcaster
}

// Register binds name to s. Names are unique case-insensitively.
func (r *Registry) Register(s *Session, name string) (string, error) {
	name, err := validateName(name, r.limits.MaxNameLength)
	if err != nil {
		return "", err
	}
	key := strings.ToLower(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID()]; ok {
		return "", fmt.Errorf("%w: session already identified", ErrInvalidName)
	}
	if _, taken := r.names[key]; taken {
		return "", ErrNameCollision
	}
	if r.limits.MaxUsers > 0 && len(r.sessions) >= r.limits.MaxUsers {
		return "", ErrServerFull
	}

	r.sessions[s.ID()] = s
	r.names[key] = s.ID()
	s.setUser(name)
	return name, nil
}

// Unregister removes s from the registry and from its room. Remaining room
// members are told about the departure before Unregister returns.
func (r *Registry) Unregister(s *Session) bool {
	r.mu.Lock()
	if _, ok := r.sessions[s.ID()]; !ok {
		r.mu.Unlock()
		return false
	}
	left := r.removeFromRoomLocked(s)
	delete(r.sessions, s.ID())
	delete(r.names, strings.ToLower(s.User()))
	r.mu.Unlock()

	if left != "" {
		r.broadcaster.Broadcast(left, NewLeaveMessage(s.User(), left), s.ID())
	}
	return true
}

// Join moves s into roomName, leaving its previous room in the same critical
// section. Joining the current room changes nothing.
func (r *Registry) Join(s *Session, roomName string) (JoinResult, error) {
	roomName, err := validateRoomName(roomName, r.limits.MaxRoomNameLength)
	if err != nil {
		return JoinResult{}, err
	}

	r.mu.Lock()
	if _, ok := r.sessions[s.ID()]; !ok {
		r.mu.Unlock()
		return JoinResult{}, ErrNotRegistered
	}

	previous := s.Room()
	if previous == roomName {
		res := JoinResult{Room: roomName, Previous: previous, Members: r.memberNamesLocked(roomName)}
		r.mu.Unlock()
		return res, nil
	}

	if _, exists := r.rooms[roomName]; !exists && r.limits.MaxRooms > 0 {
		count := len(r.rooms)
		if prev, ok := r.rooms[previous]; ok && len(prev.members) == 1 {
			count--
		}
		if count >= r.limits.MaxRooms {
			r.mu.Unlock()
			return JoinResult{}, ErrTooManyRooms
		}
	}

	r.removeFromRoomLocked(s)
	target, ok := r.rooms[roomName]
	if !ok {
		target = &room{name: roomName, members: make(map[uuid.UUID]*Session)}
		r.rooms[roomName] = target
	}
	target.members[s.ID()] = s
	s.setRoom(roomName)
	res := JoinResult{Room: roomName, Previous: previous, Members: r.memberNamesLocked(roomName), Changed: true}
	r.mu.Unlock()

	user := s.User()
	if previous != "" {
		r.broadcaster.Broadcast(previous, NewLeaveMessage(user, previous), s.ID())
	}
	r.broadcaster.Broadcast(roomName, NewJoinMessage(user, roomName), s.ID())
	r.log.Debug("Joined room", "session", s.ID().String(), "user", user, "room", roomName)
	return res, nil
}

// Leave removes s from its current room and returns the room it left.
func (r *Registry) Leave(s *Session) (string, error) {
	r.mu.Lock()
	left := r.removeFromRoomLocked(s)
	r.mu.Unlock()

	if left == "" {
		return "", ErrNotInRoom
	}
	r.broadcaster.Broadcast(left, NewLeaveMessage(s.User(), left), s.ID())
	r.log.Debug("Left room", "session", s.ID().String(), "user", s.User(), "room", left)
	return left, nil
}

// removeFromRoomLocked drops s from its room, deleting the room once empty.
// The caller holds r.mu.
func (r *Registry) removeFromRoomLocked(s *Session) string {
	current := s.Room()
	if current == "" {
		return ""
	}
	if rm, ok := r.rooms[current]; ok {
		delete(rm.members, s.ID())
		if len(rm.members) == 0 {
			delete(r.rooms, current)
		}
	}
	s.setRoom("")
	return current
}

func (r *Registry) memberNamesLocked(roomName string) []string {
	rm, ok := r.rooms[roomName]
	if !ok {
		return nil
	}
	names := lo.MapToSlice(rm.members, func(_ uuid.UUID, s *Session) string {
		return s.User()
	})
	slices.Sort(names)
	return names
}

// Members returns a snapshot of the sessions in roomName. The slice is the
// caller's and holds no reference to registry internals.
func (r *Registry) Members(roomName string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomName]
	if !ok {
		return nil
	}
	return lo.Values(rm.members)
}

// MemberNames returns the sorted user names in roomName.
func (r *Registry) MemberNames(roomName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.memberNamesLocked(roomName)
}

// Rooms lists every room, sorted by name.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.RLock()
	infos := lo.MapToSlice(r.rooms, func(name string, rm *room) RoomInfo {
		return RoomInfo{Name: name, Members: len(rm.members)}
	})
	r.mu.RUnlock()

	slices.SortFunc(infos, func(a, b RoomInfo) int {
		return strings.Compare(a.Name, b.Name)
	})
	return infos
}

// Lookup finds a session by user name, ignoring case.
func (r *Registry) Lookup(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.names[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, false
	}
	return r.sessions[id], true
}

// Sessions returns a snapshot of every registered session.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.sessions)
}

// Stats returns the number of registered sessions and live rooms.
func (r *Registry) Stats() (users, rooms int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions), len(r.rooms)
}

// validateName trims name and checks it can be used as a user identity.
func validateName(name string, maxLen int) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", fmt.Errorf("%w: name is empty", ErrInvalidName)
	case maxLen > 0 && utf8.RuneCountInString(name) > maxLen:
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidName, maxLen)
	case strings.ContainsAny(name[:1], "/#*<"):
		return "", fmt.Errorf("%w: cannot start with %q", ErrInvalidName, name[:1])
	case strings.ContainsFunc(name, invalidIdentRune):
		return "", fmt.Errorf("%w: contains spaces or control characters", ErrInvalidName)
	}
	return name, nil
}

// validateRoomName strips an optional leading '#' and checks the result.
func validateRoomName(name string, maxLen int) (string, error) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "#")
	switch {
	case name == "":
		return "", fmt.Errorf("%w: room name is empty", ErrInvalidRoom)
	case maxLen > 0 && utf8.RuneCountInString(name) > maxLen:
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidRoom, maxLen)
	case strings.ContainsFunc(name, invalidIdentRune):
		return "", fmt.Errorf("%w: contains spaces or control characters", ErrInvalidRoom)
	}
	return name, nil
}

func invalidIdentRune(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsControl(r) || r == utf8.RuneError
}
