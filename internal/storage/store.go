// Package storage defines the repositories behind every entity of the
// transfer pipeline and the room engine, with an in-memory and a SQLite
// implementation that satisfy the same contract.
package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"roomdrop/internal/domain"
)

// ErrNotFound is returned by Get/Delete style methods when no row matches.
var ErrNotFound = errors.New("not found")

// ErrCodeTaken is returned when a room is stored with a code another room holds.
var ErrCodeTaken = errors.New("room code already in use")

// Uploads persists UploadSessions.
type Uploads interface {
	GetUpload(ctx context.Context, fileID string) (*domain.UploadSession, error)
	PutUpload(ctx context.Context, session *domain.UploadSession) error
	// DeleteUpload removes the session and all of its chunks.
	DeleteUpload(ctx context.Context, fileID string) error
	// ListUploads returns sessions created strictly before cutoff.
	ListUploads(ctx context.Context, createdBefore time.Time) ([]domain.UploadSession, error)
	// ClaimUpload atomically flips the completed flag from false to true and
	// reports whether this caller won. ErrNotFound if the session is gone.
	ClaimUpload(ctx context.Context, fileID string) (bool, error)
	// ReleaseUpload resets the completed flag after a failed assembly.
	ReleaseUpload(ctx context.Context, fileID string) error
}

// Chunks persists ChunkRecords keyed by (fileID, index).
type Chunks interface {
	// PutChunk upserts: the last write for an index wins.
	PutChunk(ctx context.Context, fileID string, index int, data []byte) error
	GetChunk(ctx context.Context, fileID string, index int) ([]byte, error)
	// CountChunks returns the number of distinct indices stored.
	CountChunks(ctx context.Context, fileID string) (int, error)
	DeleteChunks(ctx context.Context, fileID string) error
}

// Rooms persists rooms together with their participant lists.
type Rooms interface {
	GetRoom(ctx context.Context, roomID string) (*domain.Room, error)
	GetRoomByCode(ctx context.Context, code string) (*domain.Room, error)
	// PutRoom inserts or replaces the room and its participants.
	// ErrCodeTaken if another room already holds the code.
	PutRoom(ctx context.Context, room *domain.Room) error
	// DeleteRoom removes the room, its participants and its messages.
	DeleteRoom(ctx context.Context, roomID string) error
	ListRoomsForUser(ctx context.Context, userID string) ([]domain.Room, error)
	// ListExpiredRooms returns temporary rooms whose expiry is before now.
	ListExpiredRooms(ctx context.Context, now time.Time) ([]domain.Room, error)
}

// Conversations persists pair conversations.
type Conversations interface {
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	// PutConversation inserts the conversation if it does not exist yet.
	PutConversation(ctx context.Context, conv *domain.Conversation) error
}

// Messages persists messages for either side of the Target union.
type Messages interface {
	PutMessage(ctx context.Context, msg *domain.Message) error
	// ListMessages returns messages for target ordered by timestamp.
	ListMessages(ctx context.Context, target domain.Target) ([]domain.Message, error)
}

// Store bundles every repository.
type Store interface {
	Uploads
	Chunks
	Rooms
	Conversations
	Messages
	Close() error
}
