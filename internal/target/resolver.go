// Package target turns a caller-supplied descriptor into a delivery scope:
// either the direct conversation with another user or a room the caller
// belongs to.
package target

import (
	"context"
	"strings"

	"roomdrop/internal/domain"
)

// Descriptor is the untrusted addressing part of a request. Exactly one
// field must be set.
type Descriptor struct {
	RecipientID string `json:"recipientId,omitempty"`
	RoomID      string `json:"roomId,omitempty"`
}

// Validate enforces the exclusive-or between RecipientID and RoomID.
func (d Descriptor) Validate() error {
	hasRecipient := strings.TrimSpace(d.RecipientID) != ""
	hasRoom := strings.TrimSpace(d.RoomID) != ""
	switch {
	case hasRecipient && hasRoom:
		return domain.InvalidInput("specify either recipientId or roomId, not both")
	case !hasRecipient && !hasRoom:
		return domain.InvalidInput("recipientId or roomId is required")
	}
	return nil
}

// RoomLookup returns a room that exists and has not expired.
type RoomLookup interface {
	Active(ctx context.Context, roomID string) (*domain.Room, error)
	// WithMember runs fn under the room lock after checking that the room
	// is still active and userID still participates in it.
	WithMember(ctx context.Context, roomID, userID string, fn func(*domain.Room) error) error
}

// Resolved is a validated delivery scope.
type Resolved struct {
	Target domain.Target
	// Recipient is the other user of a direct conversation.
	Recipient string
	// Room is set for room targets.
	Room *domain.Room
	// Recipients are the users to notify about activity in this scope.
	Recipients []string
}

// Label is the recipient-or-room-code component used in artifact names.
func (r *Resolved) Label() string {
	if r.Room != nil {
		return r.Room.Code
	}
	return r.Recipient
}

// Resolver resolves descriptors on behalf of a caller.
type Resolver struct {
	rooms RoomLookup
}

// NewResolver returns a Resolver backed by rooms.
func NewResolver(rooms RoomLookup) *Resolver {
	return &Resolver{rooms: rooms}
}

// Resolve validates d and checks the caller may address it. Rooms that have
// expired are NotFound; rooms the caller has not joined are Forbidden.
func (r *Resolver) Resolve(ctx context.Context, caller string, d Descriptor) (*Resolved, error) {
	if caller == "" {
		return nil, domain.Unauthorized("missing caller identity")
	}
	if err := domain.CheckUserID(caller); err != nil {
		return nil, domain.Unauthorized("invalid caller identity: %v", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	if recipient := strings.TrimSpace(d.RecipientID); recipient != "" {
		if err := domain.CheckUserID(recipient); err != nil {
			return nil, err
		}
		if recipient == caller {
			return nil, domain.InvalidInput("recipient must differ from sender")
		}
		return &Resolved{
			Target:     domain.Direct(caller, recipient),
			Recipient:  recipient,
			Recipients: []string{recipient, caller},
		}, nil
	}

	room, err := r.rooms.Active(ctx, strings.TrimSpace(d.RoomID))
	if err != nil {
		return nil, err
	}
	if !room.HasParticipant(caller) {
		return nil, domain.Forbidden("not a participant of room %s", room.ID)
	}
	return &Resolved{
		Target:     domain.RoomScoped(room.ID),
		Room:       room,
		Recipients: room.ParticipantIDs(),
	}, nil
}

// Hold runs fn with resolved while writes to its scope are safe. Direct
// scopes need no lock. Room scopes are re-checked under the room lock, so the
// room cannot be deleted or lose caller until fn returns; fn sees the
// room's current participants. fn must not call back into the room manager.
func (r *Resolver) Hold(ctx context.Context, caller string, resolved *Resolved, fn func(*Resolved) error) error {
	if resolved.Target.Kind != domain.TargetRoom {
		return fn(resolved)
	}
	return r.rooms.WithMember(ctx, resolved.Target.RoomID, caller, func(room *domain.Room) error {
		held := *resolved
		held.Room = room
		held.Recipients = room.ParticipantIDs()
		return fn(&held)
	})
}
