// Package rooms implements the room lifecycle: creation with unique join
// codes, membership, lazy expiration and avatars.
package rooms

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"roomdrop/internal/artifacts"
	"roomdrop/internal/domain"
	"roomdrop/internal/notify"
	"roomdrop/internal/storage"
)

const (
	// MaxNameLength caps room names, in characters.
	MaxNameLength = 80
	// MaxDescriptionLength caps room descriptions, in characters.
	MaxDescriptionLength = 500
	// DefaultTTLHours applies to temporary rooms created without a TTL.
	DefaultTTLHours = 24
	// MaxTTLHours is thirty days.
	MaxTTLHours = 720
	// MaxAvatarSize bounds avatar uploads.
	MaxAvatarSize = 2 << 20
	// codeAttempts bounds collision retries during creation.
	codeAttempts = 10
)

// Artifacts is the part of the artifact store the manager needs.
type Artifacts interface {
	RemoveRoom(roomID string) error
	WriteAvatar(roomID string, r io.Reader) error
	OpenAvatar(roomID string) (*os.File, artifacts.Info, error)
}

// Options tune room creation.
type Options struct {
	Permanent   bool
	TTLHours    int
	Description string
}

// Avatar is an open avatar image. The caller closes Body.
type Avatar struct {
	Body    io.ReadSeekCloser
	Mime    string
	Version int
	Size    int64
	ModTime time.Time
}

// Manager owns every room mutation. Mutations on one room are serialized;
// creation is serialized globally so code checks cannot race.
type Manager struct {
	store    storage.Store
	files    Artifacts
	notifier notify.Notifier
	clock    domain.Clock
	codes    CodeSource

	createMu sync.Mutex
	locks    *keyedMutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock.
func WithClock(c domain.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithCodeSource overrides random code generation.
func WithCodeSource(c CodeSource) Option { return func(m *Manager) { m.codes = c } }

// WithNotifier sets the event sink.
func WithNotifier(n notify.Notifier) Option { return func(m *Manager) { m.notifier = n } }

// NewManager builds a Manager over store and files.
func NewManager(store storage.Store, files Artifacts, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		files:    files,
		notifier: notify.Nop{},
		clock:    domain.SystemClock{},
		codes:    RandomCodes{},
		locks:    newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AvatarURL is the cache-busting URL clients fetch the avatar from, or ""
// when the room has none.
func AvatarURL(room *domain.Room) string {
	if room == nil || room.AvatarVersion == 0 {
		return ""
	}
	return fmt.Sprintf("/api/rooms/%s/avatar?v=%d", room.ID, room.AvatarVersion)
}

// Create registers a room with creator as its sole participant.
func (m *Manager) Create(ctx context.Context, creator, name string, opts Options) (*domain.Room, error) {
	name = strings.TrimSpace(name)
	description := strings.TrimSpace(opts.Description)
	switch {
	case creator == "":
		return nil, domain.Unauthorized("missing caller identity")
	case name == "":
		return nil, domain.InvalidInput("room name is required")
	case utf8.RuneCountInString(name) > MaxNameLength:
		return nil, domain.InvalidInput("room name exceeds %d characters", MaxNameLength)
	case utf8.RuneCountInString(description) > MaxDescriptionLength:
		return nil, domain.InvalidInput("room description exceeds %d characters", MaxDescriptionLength)
	}
	ttl := opts.TTLHours
	if !opts.Permanent {
		if ttl == 0 {
			ttl = DefaultTTLHours
		}
		if ttl < 1 || ttl > MaxTTLHours {
			return nil, domain.InvalidInput("ttlHours must be between 1 and %d", MaxTTLHours)
		}
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	now := m.clock.Now().UTC()
	room := &domain.Room{
		ID:           uuid.NewString(),
		Name:         name,
		Description:  description,
		CreatedBy:    creator,
		CreatedAt:    now,
		Participants: []domain.Participant{{UserID: creator, JoinedAt: now}},
	}
	if !opts.Permanent {
		exp := now.Add(time.Duration(ttl) * time.Hour)
		room.ExpiresAt = &exp
	}

	for attempt := 1; attempt <= codeAttempts; attempt++ {
		code, err := m.codes.NextCode()
		if err != nil {
			return nil, domain.Internal(err, "generate room code")
		}
		free, err := m.codeFree(ctx, code)
		if err != nil {
			return nil, err
		}
		if !free {
			continue
		}
		room.Code = code
		err = m.store.PutRoom(ctx, room)
		if errors.Is(err, storage.ErrCodeTaken) {
			continue
		}
		if err != nil {
			return nil, domain.Internal(err, "store room")
		}

		logrus.WithFields(logrus.Fields{
			"function":  "Create",
			"room_id":   room.ID,
			"code":      code,
			"creator":   creator,
			"permanent": opts.Permanent,
			"attempt":   attempt,
		}).Info("Room created")
		m.notifier.Notify(notify.Event{
			Type:       notify.TypeRoomCreated,
			Recipients: []string{creator},
			UserID:     creator,
			RoomID:     room.ID,
			Room:       room.Clone(),
		})
		return room, nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "Create",
		"creator":  creator,
	}).Warn("Exhausted room code attempts")
	return nil, domain.Conflict("could not allocate a unique room code after %d attempts", codeAttempts)
}

// codeFree reports whether no resolvable room holds code. An expired holder
// is deleted first so its code can be reused.
func (m *Manager) codeFree(ctx context.Context, code string) (bool, error) {
	holder, err := m.store.GetRoomByCode(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, domain.Internal(err, "look up room code")
	}
	unlock := m.locks.Lock(holder.ID)
	defer unlock()
	_, err = m.load(ctx, holder.ID)
	if domain.IsKind(err, domain.KindNotFound) {
		return true, nil
	}
	return false, err
}

// Join adds userID to the room holding code. Joining twice is a no-op.
func (m *Manager) Join(ctx context.Context, userID, code string) (*domain.Room, error) {
	code = strings.TrimSpace(code)
	if !ValidCode(code) {
		return nil, domain.InvalidInput("room code must be %d digits", domain.RoomCodeLength)
	}
	found, err := m.store.GetRoomByCode(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.NotFound("no room with code %s", code)
	}
	if err != nil {
		return nil, domain.Internal(err, "look up room code")
	}

	unlock := m.locks.Lock(found.ID)
	defer unlock()
	room, err := m.load(ctx, found.ID)
	if err != nil {
		return nil, err
	}
	if room.Code != code {
		return nil, domain.NotFound("no room with code %s", code)
	}
	if !room.AddParticipant(userID, m.clock.Now().UTC()) {
		return room, nil
	}
	if err := m.store.PutRoom(ctx, room); err != nil {
		return nil, domain.Internal(err, "store room")
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Join",
		"room_id":      room.ID,
		"user_id":      userID,
		"participants": len(room.Participants),
	}).Info("User joined room")
	m.notifier.Notify(notify.Event{
		Type:       notify.TypeRoomJoined,
		Recipients: room.ParticipantIDs(),
		UserID:     userID,
		RoomID:     room.ID,
		Room:       room.Clone(),
	})
	return room, nil
}

// Leave removes userID from the room. The room is deleted when its last
// participant leaves; the returned flag reports that.
func (m *Manager) Leave(ctx context.Context, roomID, userID string) (bool, error) {
	unlock := m.locks.Lock(roomID)
	defer unlock()
	room, err := m.load(ctx, roomID)
	if err != nil {
		return false, err
	}
	remaining := room.ParticipantIDs()
	if !room.RemoveParticipant(userID) {
		return false, domain.Forbidden("not a participant of room %s", roomID)
	}
	if len(room.Participants) == 0 {
		if err := m.purge(ctx, room, "empty", remaining); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := m.store.PutRoom(ctx, room); err != nil {
		return false, domain.Internal(err, "store room")
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Leave",
		"room_id":      roomID,
		"user_id":      userID,
		"participants": len(room.Participants),
	}).Info("User left room")
	m.notifier.Notify(notify.Event{
		Type:       notify.TypeRoomLeft,
		Recipients: remaining,
		UserID:     userID,
		RoomID:     roomID,
	})
	return false, nil
}

// Get returns the room with its messages. Membership is required.
func (m *Manager) Get(ctx context.Context, roomID, userID string) (*domain.Room, error) {
	unlock := m.locks.Lock(roomID)
	defer unlock()
	room, err := m.member(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	msgs, err := m.store.ListMessages(ctx, domain.RoomScoped(roomID))
	if err != nil {
		return nil, domain.Internal(err, "list room messages")
	}
	room.Messages = msgs
	return room, nil
}

// Active returns the room if it exists and has not expired, deleting it as a
// side effect when it has. No membership check.
func (m *Manager) Active(ctx context.Context, roomID string) (*domain.Room, error) {
	unlock := m.locks.Lock(roomID)
	defer unlock()
	return m.load(ctx, roomID)
}

// WithMember runs fn while holding the room lock, after checking that the
// room is active and userID participates in it. Leave, Delete and expiry
// wait for fn to return.
func (m *Manager) WithMember(ctx context.Context, roomID, userID string, fn func(*domain.Room) error) error {
	unlock := m.locks.Lock(roomID)
	defer unlock()
	room, err := m.member(ctx, roomID, userID)
	if err != nil {
		return err
	}
	return fn(room)
}

// ListMine returns the active rooms userID participates in.
func (m *Manager) ListMine(ctx context.Context, userID string) ([]domain.Room, error) {
	rooms, err := m.store.ListRoomsForUser(ctx, userID)
	if err != nil {
		return nil, domain.Internal(err, "list rooms")
	}
	now := m.clock.Now()
	out := make([]domain.Room, 0, len(rooms))
	for i := range rooms {
		if !rooms[i].Expired(now) {
			out = append(out, rooms[i])
			continue
		}
		if _, err := m.Active(ctx, rooms[i].ID); err != nil && !domain.IsKind(err, domain.KindNotFound) {
			return nil, err
		}
	}
	return out, nil
}

// Delete removes the room. Only its creator may do so.
func (m *Manager) Delete(ctx context.Context, roomID, userID string) error {
	unlock := m.locks.Lock(roomID)
	defer unlock()
	room, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if room.CreatedBy != userID {
		return domain.Forbidden("only the creator may delete room %s", roomID)
	}
	return m.purge(ctx, room, "deleted", room.ParticipantIDs())
}

// UpdateAvatar replaces the room image and bumps its version.
func (m *Manager) UpdateAvatar(ctx context.Context, roomID, userID, contentType string, data []byte) (*domain.Room, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return nil, domain.InvalidInput("avatar must be an image, got %q", contentType)
	}
	if len(data) == 0 {
		return nil, domain.InvalidInput("avatar is empty")
	}
	if len(data) > MaxAvatarSize {
		return nil, domain.InvalidInput("avatar exceeds %s", humanize.IBytes(MaxAvatarSize))
	}

	unlock := m.locks.Lock(roomID)
	defer unlock()
	room, err := m.member(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if err := m.files.WriteAvatar(roomID, bytes.NewReader(data)); err != nil {
		return nil, domain.Internal(err, "write avatar")
	}
	room.AvatarVersion++
	room.AvatarMime = mediaType
	if err := m.store.PutRoom(ctx, room); err != nil {
		return nil, domain.Internal(err, "store room")
	}

	logrus.WithFields(logrus.Fields{
		"function": "UpdateAvatar",
		"room_id":  roomID,
		"user_id":  userID,
		"version":  room.AvatarVersion,
		"size":     humanize.IBytes(uint64(len(data))),
	}).Info("Room avatar updated")
	m.notifier.Notify(notify.Event{
		Type:       notify.TypeRoomAvatar,
		Recipients: room.ParticipantIDs(),
		UserID:     userID,
		RoomID:     roomID,
		Room:       room.Clone(),
	})
	return room, nil
}

// Avatar opens the room image. Membership is required.
func (m *Manager) Avatar(ctx context.Context, roomID, userID string) (*Avatar, error) {
	unlock := m.locks.Lock(roomID)
	defer unlock()
	room, err := m.member(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if room.AvatarVersion == 0 {
		return nil, domain.NotFound("room %s has no avatar", roomID)
	}
	f, info, err := m.files.OpenAvatar(roomID)
	if errors.Is(err, artifacts.ErrNotExist) {
		return nil, domain.NotFound("room %s has no avatar", roomID)
	}
	if err != nil {
		return nil, domain.Internal(err, "open avatar")
	}
	return &Avatar{Body: f, Mime: room.AvatarMime, Version: room.AvatarVersion, Size: info.Size, ModTime: info.ModTime}, nil
}

// PurgeExpired deletes every room whose TTL has elapsed and returns how many
// were removed.
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	expired, err := m.store.ListExpiredRooms(ctx, m.clock.Now())
	if err != nil {
		return 0, domain.Internal(err, "list expired rooms")
	}
	removed := 0
	for i := range expired {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		_, err := m.Active(ctx, expired[i].ID)
		switch {
		case domain.IsKind(err, domain.KindNotFound):
			removed++
		case err != nil:
			return removed, err
		}
	}
	return removed, nil
}

// member loads the room and checks userID belongs to it. Caller holds the
// room lock.
func (m *Manager) member(ctx context.Context, roomID, userID string) (*domain.Room, error) {
	room, err := m.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.HasParticipant(userID) {
		return nil, domain.Forbidden("not a participant of room %s", roomID)
	}
	return room, nil
}

// load fetches a room and enforces expiry: an expired room is deleted and
// reported as NotFound. Caller holds the room lock.
func (m *Manager) load(ctx context.Context, roomID string) (*domain.Room, error) {
	room, err := m.store.GetRoom(ctx, roomID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.NotFound("room %s not found", roomID)
	}
	if err != nil {
		return nil, domain.Internal(err, "load room")
	}
	if room.Expired(m.clock.Now()) {
		if err := m.purge(ctx, room, "expired", room.ParticipantIDs()); err != nil {
			return nil, err
		}
		return nil, domain.NotFound("room %s has expired", roomID)
	}
	return room, nil
}

// purge deletes the room row, its messages and its artifact folder.
func (m *Manager) purge(ctx context.Context, room *domain.Room, reason string, notifyIDs []string) error {
	if err := m.store.DeleteRoom(ctx, room.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return domain.Internal(err, "delete room")
	}
	if err := m.files.RemoveRoom(room.ID); err != nil {
		// The row is gone; a leftover folder is only wasted space.
		logrus.WithFields(logrus.Fields{
			"function": "purge",
			"room_id":  room.ID,
			"error":    err.Error(),
		}).Warn("Failed to remove room artifacts")
	}
	logrus.WithFields(logrus.Fields{
		"function": "purge",
		"room_id":  room.ID,
		"code":     room.Code,
		"reason":   reason,
	}).Info("Room deleted")
	m.notifier.Notify(notify.Event{
		Type:       notify.TypeRoomDeleted,
		Recipients: notifyIDs,
		RoomID:     room.ID,
	})
	return nil
}
