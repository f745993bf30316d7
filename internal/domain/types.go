// Package domain holds the entities shared by the transfer pipeline and the
// room/conversation engine, plus the error taxonomy they report.
package domain

import (
	"sort"
	"strings"
	"time"
	"unicode"
)

// ChunkSize is the fixed byte length of every chunk except possibly the last.
const ChunkSize = 512 * 1024

// RoomCodeLength is the number of decimal digits in a room join code.
const RoomCodeLength = 6

// TargetKind discriminates the Target union.
type TargetKind string

const (
	TargetDirect TargetKind = "direct"
	TargetRoom   TargetKind = "room"
)

// Target scopes a message or transfer: either a direct conversation between
// two users or a room. Exactly one of the two ids is meaningful, chosen by Kind.
type Target struct {
	Kind           TargetKind `json:"kind"`
	ConversationID string     `json:"conversationId,omitempty"`
	RoomID         string     `json:"roomId,omitempty"`
}

// Direct builds a Target for the conversation between a and b.
func Direct(a, b string) Target {
	return Target{Kind: TargetDirect, ConversationID: PairKey(a, b)}
}

// RoomScoped builds a Target for a room.
func RoomScoped(roomID string) Target {
	return Target{Kind: TargetRoom, RoomID: roomID}
}

// ID returns the identifier of whichever side of the union is set.
func (t Target) ID() string {
	if t.Kind == TargetRoom {
		return t.RoomID
	}
	return t.ConversationID
}

// PairKey is the canonical conversation key: both ids sorted and joined.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// MaxUserIDLength bounds user ids so that a pair key of two of them still
// fits in one folder key.
const MaxUserIDLength = 63

// CheckUserID rejects ids that could make two different pairs share a
// conversation key or a storage folder: the pair separator, anything the
// folder key sanitizer would rewrite or trim, and overlong ids.
func CheckUserID(id string) error {
	switch {
	case id == "":
		return InvalidInput("user id is required")
	case len(id) > MaxUserIDLength:
		return InvalidInput("user id is longer than %d bytes", MaxUserIDLength)
	case strings.HasPrefix(id, "."), strings.HasSuffix(id, "."), strings.Contains(id, ".."):
		return InvalidInput("user id %q has misplaced dots", id)
	}
	for _, r := range id {
		if !userIDRune(r) {
			return InvalidInput("user id %q contains %q", id, r)
		}
	}
	return nil
}

func userIDRune(r rune) bool {
	switch r {
	case '-', '.', '@', '+':
		return true
	}
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// FileMeta describes a file as announced by the sender.
type FileMeta struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Mime string `json:"mime"`
}

// TotalChunks returns ceil(size / ChunkSize).
func TotalChunks(size int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + ChunkSize - 1) / ChunkSize)
}

// UploadSession tracks one in-flight transfer. The set of stored chunk
// indices lives in the chunk repository; Completed is the claim flag taken
// by whichever chunk write first observes full coverage.
type UploadSession struct {
	FileID      string    `json:"fileId"`
	SenderID    string    `json:"senderId"`
	Target      Target    `json:"target"`
	Recipient   string    `json:"recipientId,omitempty"`
	Meta        FileMeta  `json:"file"`
	TotalChunks int       `json:"totalChunks"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"createdAt"`
}

// MessageType distinguishes text from file messages.
type MessageType string

const (
	MessageText MessageType = "text"
	MessageFile MessageType = "file"
)

// FileInfo is attached to file messages.
type FileInfo struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Mime     string `json:"mime"`
	Checksum string `json:"checksum,omitempty"`
}

// Message is immutable once stored. Progress is only ever set client-side
// while a transfer is running and is never persisted.
type Message struct {
	ID        string      `json:"id"`
	Target    Target      `json:"target"`
	SenderID  string      `json:"senderId"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	Type      MessageType `json:"type"`
	File      *FileInfo   `json:"file,omitempty"`
	Progress  *float64    `json:"progress,omitempty"`
}

// Conversation is the two-party channel keyed by PairKey.
type Conversation struct {
	ID           string    `json:"id"`
	Participants [2]string `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
	Messages     []Message `json:"messages,omitempty"`
}

// NewConversation returns the conversation for a pair with participants in
// canonical order.
func NewConversation(a, b string, now time.Time) Conversation {
	if b < a {
		a, b = b, a
	}
	return Conversation{ID: PairKey(a, b), Participants: [2]string{a, b}, CreatedAt: now}
}

// Participant is a room member.
type Participant struct {
	UserID   string    `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Room is a code-joinable channel. A nil ExpiresAt marks a permanent room.
type Room struct {
	ID            string        `json:"id"`
	Code          string        `json:"code"`
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	CreatedBy     string        `json:"createdBy"`
	CreatedAt     time.Time     `json:"createdAt"`
	ExpiresAt     *time.Time    `json:"expiresAt"`
	Participants  []Participant `json:"participants"`
	AvatarVersion int           `json:"avatarVersion,omitempty"`
	AvatarMime    string        `json:"avatarMime,omitempty"`
	Messages      []Message     `json:"messages,omitempty"`
}

// Permanent reports whether the room never expires.
func (r *Room) Permanent() bool { return r.ExpiresAt == nil }

// Expired reports whether a temporary room's TTL has elapsed at now.
func (r *Room) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// HasParticipant reports whether userID is a member.
func (r *Room) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// AddParticipant appends userID if absent and reports whether it was added.
func (r *Room) AddParticipant(userID string, now time.Time) bool {
	if r.HasParticipant(userID) {
		return false
	}
	r.Participants = append(r.Participants, Participant{UserID: userID, JoinedAt: now})
	return true
}

// RemoveParticipant drops userID and reports whether it was present.
func (r *Room) RemoveParticipant(userID string) bool {
	for i, p := range r.Participants {
		if p.UserID == userID {
			r.Participants = append(r.Participants[:i], r.Participants[i+1:]...)
			return true
		}
	}
	return false
}

// ParticipantIDs returns the member ids in join order.
func (r *Room) ParticipantIDs() []string {
	ids := make([]string, 0, len(r.Participants))
	for _, p := range r.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// Clone returns a deep copy safe to mutate.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	cp := *r
	if r.ExpiresAt != nil {
		exp := *r.ExpiresAt
		cp.ExpiresAt = &exp
	}
	cp.Participants = append([]Participant(nil), r.Participants...)
	cp.Messages = append([]Message(nil), r.Messages...)
	return &cp
}
