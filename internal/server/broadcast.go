// Package server fans room messages out to member sessions through their
// outbound queues.
package server

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/Tyrowin/linechat/internal/protocol"
)

const sequenceStripes = 64

// queueFullNotice is the last line a session dropped for backpressure receives.
var queueFullNotice = protocol.Errorf("disconnected: %v", ErrQueueFull)

type memberSource interface {
	Members(room string) []*Session
}

// Delivery summarizes one broadcast.
type Delivery struct {
	Recipients int
	Delivered  int
	Dropped    int
}

// Broadcaster delivers messages to every member of a room. It never writes
// to a connection: each recipient's queue is filled without blocking, and a
// recipient whose queue is full is dropped and disconnected.
type Broadcaster struct {
	members memberSource
	log     *slog.Logger

	// Broadcasts to one room are serialized on its stripe, so all members
	// enqueue them in the same order.
	stripes [sequenceStripes]sync.Mutex
}

// NewBroadcaster creates a broadcaster reading membership from members.
func NewBroadcaster(members memberSource, log *slog.Logger) *Broadcaster {
	return &Broadcaster{members: members, log: log}
}

func (b *Broadcaster) stripe(room string) *sync.Mutex {
	return &b.stripes[xxhash.Sum64String(room)%sequenceStripes]
}

// Broadcast sends msg to the members of room except exclude. Pass uuid.Nil
// to include everyone.
func (b *Broadcaster) Broadcast(room string, msg *Message, exclude uuid.UUID) Delivery {
	mu := b.stripe(room)
	mu.Lock()
	defer mu.Unlock()

	recipients := lo.Filter(b.members.Members(room), func(s *Session, _ int) bool {
		return s.ID() != exclude
	})

	d := Delivery{Recipients: len(recipients)}
	line := msg.Line()
	for _, s := range recipients {
		err := s.Send(line)
		switch {
		case err == nil:
			d.Delivered++
		case errors.Is(err, ErrQueueFull):
			d.Dropped++
			if s.Close(queueFullNotice) {
				b.log.Warn("Dropping slow session",
					"session", s.ID().String(), "user", s.User(), "room", room, "kind", msg.Kind.String())
			}
		default:
			// Already closing; its teardown removes it from the room.
		}
	}
	return d
}
