package messaging

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomdrop/internal/artifacts"
	"roomdrop/internal/domain"
	"roomdrop/internal/notify"
	"roomdrop/internal/rooms"
	"roomdrop/internal/storage"
	"roomdrop/internal/target"
)

func newService(t *testing.T) (*Service, *rooms.Manager, *domain.ManualClock, *notify.Recorder) {
	t.Helper()
	store := storage.NewMemoryStore()
	files, err := artifacts.New(t.TempDir())
	require.NoError(t, err)
	clock := domain.NewManualClock(time.Date(2024, 3, 9, 8, 0, 0, 0, time.UTC))
	events := &notify.Recorder{}
	mgr := rooms.NewManager(store, files, rooms.WithClock(clock))
	svc := NewService(store, target.NewResolver(mgr), WithClock(clock), WithNotifier(events))
	return svc, mgr, clock, events
}

func TestSendDirectCreatesConversation(t *testing.T) {
	svc, _, clock, events := newService(t)
	ctx := context.Background()

	first, err := svc.Send(ctx, "u1", target.Descriptor{RecipientID: "u2"}, "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, domain.Direct("u1", "u2"), first.Target)

	clock.Advance(time.Minute)
	_, err = svc.Send(ctx, "u2", target.Descriptor{RecipientID: "u1"}, "hi back")
	require.NoError(t, err)

	conv, err := svc.Conversation(ctx, "u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1_u2", conv.ID)
	assert.Equal(t, [2]string{"u1", "u2"}, conv.Participants)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "hello", conv.Messages[0].Content)
	assert.Equal(t, "hi back", conv.Messages[1].Content)

	sent := events.OfType(notify.TypeMessage)
	require.Len(t, sent, 2)
	assert.Equal(t, "u1", sent[0].SenderID)
	assert.ElementsMatch(t, []string{"u1", "u2"}, sent[0].Recipients)
}

func TestConversationIsCreatedLazily(t *testing.T) {
	svc, _, _, _ := newService(t)
	conv, err := svc.Conversation(context.Background(), "b", "a")
	require.NoError(t, err)
	assert.Equal(t, "a_b", conv.ID)
	assert.Empty(t, conv.Messages)

	_, err = svc.Conversation(context.Background(), "a", "a")
	assert.True(t, domain.IsKind(err, domain.KindInvalidInput))
	_, err = svc.Conversation(context.Background(), "", "a")
	assert.True(t, domain.IsKind(err, domain.KindUnauthorized))
}

func TestSendValidation(t *testing.T) {
	svc, _, _, events := newService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, "u1", target.Descriptor{RecipientID: "u2"}, "   ")
	assert.True(t, domain.IsKind(err, domain.KindInvalidInput))
	_, err = svc.Send(ctx, "u1", target.Descriptor{RecipientID: "u2"}, strings.Repeat("x", MaxTextLength+1))
	assert.True(t, domain.IsKind(err, domain.KindInvalidInput))
	_, err = svc.Send(ctx, "u1", target.Descriptor{RecipientID: "u2", RoomID: "r"}, "hi")
	assert.True(t, domain.IsKind(err, domain.KindInvalidInput))
	assert.Empty(t, events.Events())
}

func TestSendToRoom(t *testing.T) {
	svc, mgr, _, events := newService(t)
	ctx := context.Background()
	room, err := mgr.Create(ctx, "u1", "Team", rooms.Options{})
	require.NoError(t, err)

	_, err = svc.Send(ctx, "u2", target.Descriptor{RoomID: room.ID}, "let me in")
	assert.True(t, domain.IsKind(err, domain.KindForbidden))

	_, err = mgr.Join(ctx, "u2", room.Code)
	require.NoError(t, err)
	msg, err := svc.Send(ctx, "u2", target.Descriptor{RoomID: room.ID}, "thanks")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomScoped(room.ID), msg.Target)

	got, err := mgr.Get(ctx, room.ID, "u1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "thanks", got.Messages[0].Content)

	sent := events.OfType(notify.TypeMessage)
	require.Len(t, sent, 1)
	assert.Equal(t, room.ID, sent[0].RoomID)
	assert.ElementsMatch(t, []string{"u1", "u2"}, sent[0].Recipients)
}

func TestConversationRejectsAmbiguousUserIDs(t *testing.T) {
	svc, _, _, events := newService(t)
	ctx := context.Background()

	_, err := svc.Conversation(ctx, "alice", "x_bob")
	assert.True(t, domain.IsKind(err, domain.KindInvalidInput))
	_, err = svc.Send(ctx, "alice", target.Descriptor{RecipientID: "x_bob"}, "hi")
	assert.True(t, domain.IsKind(err, domain.KindInvalidInput))
	_, err = svc.Send(ctx, "alice_x", target.Descriptor{RecipientID: "bob"}, "hi")
	assert.True(t, domain.IsKind(err, domain.KindUnauthorized))
	assert.Empty(t, events.Events())
}

// afterLookup runs then once, right after the first room lookup returns.
type afterLookup struct {
	*rooms.Manager
	once sync.Once
	then func(ctx context.Context, room *domain.Room)
}

func (a *afterLookup) Active(ctx context.Context, roomID string) (*domain.Room, error) {
	room, err := a.Manager.Active(ctx, roomID)
	if err == nil {
		a.once.Do(func() { a.then(ctx, room) })
	}
	return room, err
}

func TestRoomMessageRechecksMembershipBeforeStoring(t *testing.T) {
	cases := []struct {
		name    string
		leavers []string
		want    domain.Kind
	}{
		{"room deleted", []string{"u1", "u2"}, domain.KindNotFound},
		{"sender left", []string{"u2"}, domain.KindForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			files, err := artifacts.New(t.TempDir())
			require.NoError(t, err)
			events := &notify.Recorder{}
			mgr := rooms.NewManager(store, files)
			ctx := context.Background()
			room, err := mgr.Create(ctx, "u1", "Team", rooms.Options{})
			require.NoError(t, err)
			_, err = mgr.Join(ctx, "u2", room.Code)
			require.NoError(t, err)

			lookup := &afterLookup{Manager: mgr, then: func(ctx context.Context, r *domain.Room) {
				for _, id := range tc.leavers {
					_, err := mgr.Leave(ctx, r.ID, id)
					require.NoError(t, err)
				}
			}}
			svc := NewService(store, target.NewResolver(lookup), WithNotifier(events))

			_, err = svc.Send(ctx, "u2", target.Descriptor{RoomID: room.ID}, "too late")
			require.Error(t, err)
			assert.True(t, domain.IsKind(err, tc.want), "got %v", err)

			stored, err := store.ListMessages(ctx, domain.RoomScoped(room.ID))
			require.NoError(t, err)
			assert.Empty(t, stored)
			assert.Empty(t, events.OfType(notify.TypeMessage))
		})
	}
}

func TestRoomMessageNotifiesCurrentParticipants(t *testing.T) {
	store := storage.NewMemoryStore()
	files, err := artifacts.New(t.TempDir())
	require.NoError(t, err)
	events := &notify.Recorder{}
	mgr := rooms.NewManager(store, files)
	ctx := context.Background()
	room, err := mgr.Create(ctx, "u1", "Team", rooms.Options{})
	require.NoError(t, err)

	lookup := &afterLookup{Manager: mgr, then: func(ctx context.Context, r *domain.Room) {
		_, err := mgr.Join(ctx, "u3", r.Code)
		require.NoError(t, err)
	}}
	svc := NewService(store, target.NewResolver(lookup), WithNotifier(events))
	_, err = svc.Send(ctx, "u1", target.Descriptor{RoomID: room.ID}, "welcome")
	require.NoError(t, err)

	sent := events.OfType(notify.TypeMessage)
	require.Len(t, sent, 1)
	assert.ElementsMatch(t, []string{"u1", "u3"}, sent[0].Recipients)
}
