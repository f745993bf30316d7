// Package notify delivers fire-and-forget events to connected users.
package notify

import (
	"sync"

	"roomdrop/internal/domain"
)

// Event types.
const (
	TypeMessage     = "message"
	TypeRoomCreated = "room_created"
	TypeRoomJoined  = "room_joined"
	TypeRoomLeft    = "room_left"
	TypeRoomDeleted = "room_deleted"
	TypeRoomAvatar  = "room_avatar"
)

// Event is pushed to every user in Recipients.
type Event struct {
	Type       string          `json:"type"`
	Recipients []string        `json:"-"`
	SenderID   string          `json:"senderId,omitempty"`
	UserID     string          `json:"userId,omitempty"`
	RoomID     string          `json:"roomId,omitempty"`
	Message    *domain.Message `json:"message,omitempty"`
	Room       *domain.Room    `json:"room,omitempty"`
}

// Notifier must never block the caller and never report delivery failures.
type Notifier interface {
	Notify(Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(Event) {}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events with the given type.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
