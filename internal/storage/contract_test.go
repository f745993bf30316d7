package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomdrop/internal/domain"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "roomdrop.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLite(t)) })
}

func testSession(fileID string, createdAt time.Time) *domain.UploadSession {
	return &domain.UploadSession{
		FileID:      fileID,
		SenderID:    "u1",
		Target:      domain.Direct("u1", "u2"),
		Recipient:   "u2",
		Meta:        domain.FileMeta{Name: "a.txt", Size: 1_048_576, Mime: "text/plain"},
		TotalChunks: 2,
		CreatedAt:   createdAt,
	}
}

func TestUploadLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		_, err := store.GetUpload(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, store.PutUpload(ctx, testSession("f1", epoch)))
		got, err := store.GetUpload(ctx, "f1")
		require.NoError(t, err)
		assert.Equal(t, "u1", got.SenderID)
		assert.Equal(t, "u2", got.Recipient)
		assert.Equal(t, domain.Direct("u1", "u2"), got.Target)
		assert.Equal(t, domain.FileMeta{Name: "a.txt", Size: 1_048_576, Mime: "text/plain"}, got.Meta)
		assert.Equal(t, 2, got.TotalChunks)
		assert.False(t, got.Completed)
		assert.True(t, got.CreatedAt.Equal(epoch))

		require.NoError(t, store.PutChunk(ctx, "f1", 0, []byte("abc")))
		require.NoError(t, store.DeleteUpload(ctx, "f1"))
		_, err = store.GetUpload(ctx, "f1")
		require.ErrorIs(t, err, ErrNotFound)
		n, err := store.CountChunks(ctx, "f1")
		require.NoError(t, err)
		assert.Zero(t, n)

		assert.ErrorIs(t, store.DeleteUpload(ctx, "f1"), ErrNotFound)
	})
}

func TestRoomScopedUploadRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		session := testSession("f2", epoch)
		session.Target = domain.RoomScoped("room-1")
		session.Recipient = ""
		require.NoError(t, store.PutUpload(ctx, session))
		got, err := store.GetUpload(ctx, "f2")
		require.NoError(t, err)
		assert.Equal(t, domain.RoomScoped("room-1"), got.Target)
	})
}

func TestListUploadsBefore(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		require.NoError(t, store.PutUpload(ctx, testSession("old", epoch.Add(-48*time.Hour))))
		require.NoError(t, store.PutUpload(ctx, testSession("new", epoch)))

		old, err := store.ListUploads(ctx, epoch.Add(-24*time.Hour))
		require.NoError(t, err)
		require.Len(t, old, 1)
		assert.Equal(t, "old", old[0].FileID)
	})
}

func TestChunkUpsertCountsDistinctIndices(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		require.NoError(t, store.PutChunk(ctx, "f1", 1, []byte("first")))
		require.NoError(t, store.PutChunk(ctx, "f1", 1, []byte("second")))
		require.NoError(t, store.PutChunk(ctx, "f1", 0, []byte("zero")))
		require.NoError(t, store.PutChunk(ctx, "other", 0, []byte("x")))

		n, err := store.CountChunks(ctx, "f1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		data, err := store.GetChunk(ctx, "f1", 1)
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), data)

		_, err = store.GetChunk(ctx, "f1", 7)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, store.DeleteChunks(ctx, "f1"))
		n, err = store.CountChunks(ctx, "f1")
		require.NoError(t, err)
		assert.Zero(t, n)
		n, err = store.CountChunks(ctx, "other")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestClaimUploadIsExclusive(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		require.NoError(t, store.PutUpload(ctx, testSession("f1", epoch)))

		const racers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				won, err := store.ClaimUpload(ctx, "f1")
				assert.NoError(t, err)
				if won {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)

		require.NoError(t, store.ReleaseUpload(ctx, "f1"))
		won, err := store.ClaimUpload(ctx, "f1")
		require.NoError(t, err)
		assert.True(t, won)

		_, err = store.ClaimUpload(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func testRoom(id, code string, expiresAt *time.Time) *domain.Room {
	return &domain.Room{
		ID:           id,
		Code:         code,
		Name:         "Team " + id,
		CreatedBy:    "u1",
		CreatedAt:    epoch,
		ExpiresAt:    expiresAt,
		Participants: []domain.Participant{{UserID: "u1", JoinedAt: epoch}},
	}
}

func TestRoomLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		exp := epoch.Add(24 * time.Hour)
		room := testRoom("r1", "482193", &exp)
		require.NoError(t, store.PutRoom(ctx, room))

		got, err := store.GetRoomByCode(ctx, "482193")
		require.NoError(t, err)
		assert.Equal(t, "r1", got.ID)
		require.NotNil(t, got.ExpiresAt)
		assert.True(t, got.ExpiresAt.Equal(exp))
		assert.Equal(t, []string{"u1"}, got.ParticipantIDs())

		got.AddParticipant("u2", epoch.Add(time.Minute))
		got.AvatarVersion = 3
		got.AvatarMime = "image/png"
		require.NoError(t, store.PutRoom(ctx, got))

		again, err := store.GetRoom(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, []string{"u1", "u2"}, again.ParticipantIDs())
		assert.Equal(t, 3, again.AvatarVersion)
		assert.Equal(t, "image/png", again.AvatarMime)

		mine, err := store.ListRoomsForUser(ctx, "u2")
		require.NoError(t, err)
		require.Len(t, mine, 1)
		assert.Equal(t, "r1", mine[0].ID)

		require.NoError(t, store.PutMessage(ctx, &domain.Message{
			ID: "m1", Target: domain.RoomScoped("r1"), SenderID: "u1", Content: "hi", Timestamp: epoch, Type: domain.MessageText,
		}))
		require.NoError(t, store.DeleteRoom(ctx, "r1"))
		_, err = store.GetRoom(ctx, "r1")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.GetRoomByCode(ctx, "482193")
		assert.ErrorIs(t, err, ErrNotFound)
		msgs, err := store.ListMessages(ctx, domain.RoomScoped("r1"))
		require.NoError(t, err)
		assert.Empty(t, msgs)
		assert.ErrorIs(t, store.DeleteRoom(ctx, "r1"), ErrNotFound)
	})
}

func TestRoomCodeUniqueness(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		require.NoError(t, store.PutRoom(ctx, testRoom("r1", "111111", nil)))
		assert.ErrorIs(t, store.PutRoom(ctx, testRoom("r2", "111111", nil)), ErrCodeTaken)

		require.NoError(t, store.DeleteRoom(ctx, "r1"))
		require.NoError(t, store.PutRoom(ctx, testRoom("r2", "111111", nil)))
	})
}

func TestListRoomsForUserOldestFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		newer := testRoom("b", "200002", nil)
		newer.CreatedAt = epoch.Add(time.Hour)
		older := testRoom("c", "200003", nil)
		older.CreatedAt = epoch.Add(-time.Hour)
		other := testRoom("a", "200001", nil)
		other.Participants = []domain.Participant{{UserID: "u9", JoinedAt: epoch}}
		for _, r := range []*domain.Room{newer, older, other} {
			require.NoError(t, store.PutRoom(ctx, r))
		}

		mine, err := store.ListRoomsForUser(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, mine, 2)
		assert.Equal(t, []string{"c", "b"}, []string{mine[0].ID, mine[1].ID})
	})
}

func TestListExpiredRooms(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		past := epoch.Add(-time.Hour)
		future := epoch.Add(time.Hour)
		require.NoError(t, store.PutRoom(ctx, testRoom("expired", "100001", &past)))
		require.NoError(t, store.PutRoom(ctx, testRoom("active", "100002", &future)))
		require.NoError(t, store.PutRoom(ctx, testRoom("permanent", "100003", nil)))

		expired, err := store.ListExpiredRooms(ctx, epoch)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "expired", expired[0].ID)
	})
}

func TestConversationsAndMessages(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		conv := domain.NewConversation("u2", "u1", epoch)
		require.NoError(t, store.PutConversation(ctx, &conv))
		later := domain.NewConversation("u1", "u2", epoch.Add(time.Hour))
		require.NoError(t, store.PutConversation(ctx, &later))

		got, err := store.GetConversation(ctx, "u1_u2")
		require.NoError(t, err)
		assert.Equal(t, [2]string{"u1", "u2"}, got.Participants)
		assert.True(t, got.CreatedAt.Equal(epoch), "first insert wins")

		_, err = store.GetConversation(ctx, "u1_u3")
		assert.ErrorIs(t, err, ErrNotFound)

		target := domain.Direct("u1", "u2")
		for i := 2; i >= 0; i-- {
			msg := &domain.Message{
				ID: fmt.Sprintf("m%d", i), Target: target, SenderID: "u1",
				Content: fmt.Sprintf("msg %d", i), Timestamp: epoch.Add(time.Duration(i) * time.Second), Type: domain.MessageText,
			}
			require.NoError(t, store.PutMessage(ctx, msg))
		}
		require.NoError(t, store.PutMessage(ctx, &domain.Message{
			ID: "f", Target: target, SenderID: "u2", Content: "20260101_u2_u1.txt", Timestamp: epoch.Add(time.Minute),
			Type: domain.MessageFile, File: &domain.FileInfo{Name: "a.txt", Size: 10, Mime: "text/plain", Checksum: "abc"},
		}))

		msgs, err := store.ListMessages(ctx, target)
		require.NoError(t, err)
		require.Len(t, msgs, 4)
		assert.Equal(t, []string{"m0", "m1", "m2", "f"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID, msgs[3].ID})
		require.NotNil(t, msgs[3].File)
		assert.Equal(t, "abc", msgs[3].File.Checksum)
		assert.Nil(t, msgs[0].File)

		other, err := store.ListMessages(ctx, domain.Direct("u1", "u3"))
		require.NoError(t, err)
		assert.Empty(t, other)
	})
}

func TestBuildDSN(t *testing.T) {
	assert.Equal(t, "file:data.db?_pragma=busy_timeout=5000&_pragma=foreign_keys=ON", buildDSN("data.db"))
	assert.Equal(t, ":memory:?_pragma=busy_timeout=5000&_pragma=foreign_keys=ON", buildDSN(":memory:"))
	assert.Equal(t, "x.db?mode=rwc&_pragma=busy_timeout=5000&_pragma=foreign_keys=ON", buildDSN("sqlite://x.db?mode=rwc"))
}
