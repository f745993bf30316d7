package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"roomdrop/internal/domain"
)

type chunkKey struct {
	fileID string
	index  int
}

// MemoryStore keeps everything in maps. Each entity family has its own lock
// so chunk traffic never contends with room traffic.
type MemoryStore struct {
	uploadsMu sync.Mutex
	uploads   map[string]*domain.UploadSession

	chunksMu sync.RWMutex
	chunks   map[chunkKey][]byte
	perFile  map[string]map[int]struct{}

	roomsMu sync.RWMutex
	rooms   map[string]*domain.Room
	codes   map[string]string

	convMu        sync.RWMutex
	conversations map[string]*domain.Conversation

	msgMu    sync.RWMutex
	messages map[domain.Target][]domain.Message
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		uploads:       make(map[string]*domain.UploadSession),
		chunks:        make(map[chunkKey][]byte),
		perFile:       make(map[string]map[int]struct{}),
		rooms:         make(map[string]*domain.Room),
		codes:         make(map[string]string),
		conversations: make(map[string]*domain.Conversation),
		messages:      make(map[domain.Target][]domain.Message),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// GetUpload returns the session for fileID or ErrNotFound.
func (s *MemoryStore) GetUpload(_ context.Context, fileID string) (*domain.UploadSession, error) {
	s.uploadsMu.Lock()
	defer s.uploadsMu.Unlock()
	session, ok := s.uploads[fileID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *session
	return &cp, nil
}

// PutUpload inserts or replaces a session.
func (s *MemoryStore) PutUpload(_ context.Context, session *domain.UploadSession) error {
	s.uploadsMu.Lock()
	defer s.uploadsMu.Unlock()
	cp := *session
	s.uploads[session.FileID] = &cp
	return nil
}

// DeleteUpload removes a session together with its chunks.
func (s *MemoryStore) DeleteUpload(ctx context.Context, fileID string) error {
	s.uploadsMu.Lock()
	_, ok := s.uploads[fileID]
	delete(s.uploads, fileID)
	s.uploadsMu.Unlock()
	if err := s.DeleteChunks(ctx, fileID); err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// ListUploads returns sessions created before createdBefore.
func (s *MemoryStore) ListUploads(_ context.Context, createdBefore time.Time) ([]domain.UploadSession, error) {
	s.uploadsMu.Lock()
	defer s.uploadsMu.Unlock()
	var out []domain.UploadSession
	for _, session := range s.uploads {
		if session.CreatedAt.Before(createdBefore) {
			out = append(out, *session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ClaimUpload marks the session completed and reports whether this call won.
func (s *MemoryStore) ClaimUpload(_ context.Context, fileID string) (bool, error) {
	s.uploadsMu.Lock()
	defer s.uploadsMu.Unlock()
	session, ok := s.uploads[fileID]
	if !ok {
		return false, ErrNotFound
	}
	if session.Completed {
		return false, nil
	}
	session.Completed = true
	return true, nil
}

// ReleaseUpload clears the completion claim so assembly can be retried.
func (s *MemoryStore) ReleaseUpload(_ context.Context, fileID string) error {
	s.uploadsMu.Lock()
	defer s.uploadsMu.Unlock()
	session, ok := s.uploads[fileID]
	if !ok {
		return ErrNotFound
	}
	session.Completed = false
	return nil
}

// PutChunk stores chunk index of fileID; the last write wins.
func (s *MemoryStore) PutChunk(_ context.Context, fileID string, index int, data []byte) error {
	buf := append([]byte(nil), data...)
	s.chunksMu.Lock()
	defer s.chunksMu.Unlock()
	s.chunks[chunkKey{fileID, index}] = buf
	indices, ok := s.perFile[fileID]
	if !ok {
		indices = make(map[int]struct{})
		s.perFile[fileID] = indices
	}
	indices[index] = struct{}{}
	return nil
}

// GetChunk returns the bytes of one chunk or ErrNotFound.
func (s *MemoryStore) GetChunk(_ context.Context, fileID string, index int) ([]byte, error) {
	s.chunksMu.RLock()
	defer s.chunksMu.RUnlock()
	data, ok := s.chunks[chunkKey{fileID, index}]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// CountChunks returns the number of distinct indices stored for fileID.
func (s *MemoryStore) CountChunks(_ context.Context, fileID string) (int, error) {
	s.chunksMu.RLock()
	defer s.chunksMu.RUnlock()
	return len(s.perFile[fileID]), nil
}

// DeleteChunks removes every chunk of fileID.
func (s *MemoryStore) DeleteChunks(_ context.Context, fileID string) error {
	s.chunksMu.Lock()
	defer s.chunksMu.Unlock()
	for index := range s.perFile[fileID] {
		delete(s.chunks, chunkKey{fileID, index})
	}
	delete(s.perFile, fileID)
	return nil
}

// GetRoom returns the room with its participants or ErrNotFound.
func (s *MemoryStore) GetRoom(_ context.Context, roomID string) (*domain.Room, error) {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return room.Clone(), nil
}

// GetRoomByCode looks a room up by its join code.
func (s *MemoryStore) GetRoomByCode(ctx context.Context, code string) (*domain.Room, error) {
	s.roomsMu.RLock()
	roomID, ok := s.codes[code]
	s.roomsMu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetRoom(ctx, roomID)
}

// PutRoom inserts or replaces a room and its participant list.
func (s *MemoryStore) PutRoom(_ context.Context, room *domain.Room) error {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	if holder, ok := s.codes[room.Code]; ok && holder != room.ID {
		return ErrCodeTaken
	}
	if prev, ok := s.rooms[room.ID]; ok && prev.Code != room.Code {
		delete(s.codes, prev.Code)
	}
	cp := room.Clone()
	cp.Messages = nil
	s.rooms[room.ID] = cp
	s.codes[room.Code] = room.ID
	return nil
}

// DeleteRoom removes the room, its participants and its messages.
func (s *MemoryStore) DeleteRoom(_ context.Context, roomID string) error {
	s.roomsMu.Lock()
	room, ok := s.rooms[roomID]
	if ok {
		delete(s.rooms, roomID)
		if s.codes[room.Code] == roomID {
			delete(s.codes, room.Code)
		}
	}
	s.roomsMu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.msgMu.Lock()
	delete(s.messages, domain.RoomScoped(roomID))
	s.msgMu.Unlock()
	return nil
}

// ListRoomsForUser returns the rooms userID participates in, oldest first.
func (s *MemoryStore) ListRoomsForUser(_ context.Context, userID string) ([]domain.Room, error) {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()
	var out []domain.Room
	for _, room := range s.rooms {
		if room.HasParticipant(userID) {
			out = append(out, *room.Clone())
		}
	}
	sortRooms(out)
	return out, nil
}

// ListExpiredRooms returns non-permanent rooms whose expiry is before now.
func (s *MemoryStore) ListExpiredRooms(_ context.Context, now time.Time) ([]domain.Room, error) {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()
	var out []domain.Room
	for _, room := range s.rooms {
		if room.Expired(now) {
			out = append(out, *room.Clone())
		}
	}
	sortRooms(out)
	return out, nil
}

// GetConversation returns the conversation with id or ErrNotFound.
func (s *MemoryStore) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	s.convMu.RLock()
	defer s.convMu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *conv
	cp.Messages = nil
	return &cp, nil
}

// PutConversation creates the conversation unless it already exists.
func (s *MemoryStore) PutConversation(_ context.Context, conv *domain.Conversation) error {
	s.convMu.Lock()
	defer s.convMu.Unlock()
	if _, ok := s.conversations[conv.ID]; ok {
		return nil
	}
	cp := *conv
	cp.Messages = nil
	s.conversations[conv.ID] = &cp
	return nil
}

// PutMessage appends a message to its target.
func (s *MemoryStore) PutMessage(_ context.Context, msg *domain.Message) error {
	cp := *msg
	cp.Progress = nil
	if msg.File != nil {
		file := *msg.File
		cp.File = &file
	}
	s.msgMu.Lock()
	defer s.msgMu.Unlock()
	s.messages[msg.Target] = append(s.messages[msg.Target], cp)
	return nil
}

// ListMessages returns the messages of target in timestamp order.
func (s *MemoryStore) ListMessages(_ context.Context, target domain.Target) ([]domain.Message, error) {
	s.msgMu.RLock()
	defer s.msgMu.RUnlock()
	msgs := append([]domain.Message(nil), s.messages[target]...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	return msgs, nil
}

func sortRooms(rooms []domain.Room) {
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
}
