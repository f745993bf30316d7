package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomdrop/internal/domain"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(8)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("user"), nil)
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubDeliversToRecipientsOnly(t *testing.T) {
	hub, srv := startHub(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	require.Eventually(t, func() bool {
		return hub.Connected("alice") == 1 && hub.Connected("bob") == 1
	}, 2*time.Second, 10*time.Millisecond)

	msg := &domain.Message{ID: "m1", SenderID: "bob", Content: "hi", Type: domain.MessageText}
	hub.Notify(Event{Type: TypeMessage, Recipients: []string{"alice"}, SenderID: "bob", Message: msg})

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := alice.ReadMessage()
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, TypeMessage, got.Type)
	assert.Equal(t, "bob", got.SenderID)
	require.NotNil(t, got.Message)
	assert.Equal(t, "hi", got.Message.Content)
	assert.Nil(t, got.Recipients)

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = bob.ReadMessage()
	assert.Error(t, err)
}

func TestHubUnregistersOnDisconnect(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "carol")
	require.Eventually(t, func() bool { return hub.Connected("carol") == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Connected("carol") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestNotifyNeverBlocksWhenQueueIsFull(t *testing.T) {
	hub := NewHub(2)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Notify(Event{Type: TypeRoomJoined, Recipients: []string{"nobody"}})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full queue")
	}
	assert.Len(t, hub.events, 2)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	var n Notifier = &r
	n.Notify(Event{Type: TypeRoomCreated, RoomID: "r1"})
	n.Notify(Event{Type: TypeRoomJoined, RoomID: "r1"})
	Nop{}.Notify(Event{Type: TypeRoomLeft})

	assert.Len(t, r.Events(), 2)
	require.Len(t, r.OfType(TypeRoomJoined), 1)
	assert.Equal(t, "r1", r.OfType(TypeRoomJoined)[0].RoomID)
}
