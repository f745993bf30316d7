package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomdrop/internal/artifacts"
	"roomdrop/internal/domain"
	"roomdrop/internal/messaging"
	"roomdrop/internal/notify"
	"roomdrop/internal/rooms"
	"roomdrop/internal/storage"
	"roomdrop/internal/target"
	"roomdrop/internal/transfer"
)

var epoch = time.Date(2024, 3, 9, 8, 0, 0, 0, time.UTC)

type harness struct {
	srv    *Server
	http   *httptest.Server
	events *notify.Recorder
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	files, err := artifacts.New(t.TempDir())
	require.NoError(t, err)
	clock := domain.NewManualClock(epoch)
	events := &notify.Recorder{}
	mgr := rooms.NewManager(store, files, rooms.WithClock(clock), rooms.WithNotifier(events))
	resolver := target.NewResolver(mgr)
	msgs := messaging.NewService(store, resolver, messaging.WithClock(clock), messaging.WithNotifier(events))
	xfer := transfer.NewService(store, files, resolver, msgs, transfer.WithClock(clock))

	srv := New(cfg, Deps{Transfer: xfer, Messages: msgs, Rooms: mgr})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{srv: srv, http: ts, events: events}
}

func (h *harness) do(t *testing.T, method, path, user string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.http.URL+path, body)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(IdentityHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) doJSON(t *testing.T, method, path, user string, payload interface{}) *http.Response {
	t.Helper()
	buf, err := json.Marshal(payload)
	require.NoError(t, err)
	return h.do(t, method, path, user, bytes.NewReader(buf))
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestHealthzNeedsNoIdentity(t *testing.T) {
	h := newHarness(t, Config{})
	resp := h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMissingIdentityIsUnauthorized(t *testing.T) {
	h := newHarness(t, Config{})
	resp := h.do(t, http.MethodGet, "/api/rooms", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body errorResponse
	decode(t, resp, &body)
	assert.Equal(t, "unauthorized", body.Kind)
	assert.False(t, body.Retryable)
}

func TestUserIDsCannotShareAConversationKey(t *testing.T) {
	h := newHarness(t, Config{})
	resp := h.doJSON(t, http.MethodPost, "/api/messages", "alice_x", sendMessageRequest{RecipientID: "bob", Content: "hi"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.doJSON(t, http.MethodPost, "/api/messages", "alice", sendMessageRequest{RecipientID: "x_bob", Content: "hi"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body errorResponse
	decode(t, resp, &body)
	assert.Equal(t, "invalid_input", body.Kind)

	resp = h.do(t, http.MethodGet, "/api/conversations/x_bob", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, h.events.OfType(notify.TypeMessage))
}

func TestSignedIdentity(t *testing.T) {
	h := newHarness(t, Config{IdentitySecret: "s3cret"})
	signer := NewSigner("s3cret")

	resp := h.do(t, http.MethodGet, "/api/rooms", "alice", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "plain ids are rejected once a secret is set")

	resp = h.do(t, http.MethodGet, "/api/rooms", NewSigner("other").Sign("alice"), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/rooms", signer.Sign("alice"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSignerRoundTrip(t *testing.T) {
	signer := NewSigner("k")
	id, err := signer.Verify(signer.Sign("user-1"))
	require.NoError(t, err)
	assert.Equal(t, "user-1", id)

	_, err = signer.Verify("no-separator")
	assert.Error(t, err)
	assert.Nil(t, NewSigner(""))
}

func TestDirectTransferOverHTTP(t *testing.T) {
	h := newHarness(t, Config{})
	data := []byte("hello over http")

	resp := h.doJSON(t, http.MethodPost, "/api/files", "U1", map[string]interface{}{
		"recipientId": "U2",
		"file":        map[string]interface{}{"name": "notes.txt", "size": len(data), "mime": "text/plain"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var init initiateResponse
	decode(t, resp, &init)
	assert.Equal(t, 1, init.TotalChunks)
	assert.Equal(t, domain.ChunkSize, init.ChunkSize)

	resp = h.do(t, http.MethodPut, "/api/files/"+init.FileID+"/chunks/0?recipientId=U2", "U1", bytes.NewReader(data))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res transfer.ChunkResult
	decode(t, resp, &res)
	assert.True(t, res.Accepted)
	assert.True(t, res.IsComplete)
	require.NotNil(t, res.Message)
	require.NotNil(t, res.Message.File)
	assert.Equal(t, "20240309_U1_U2.txt", res.Message.File.Name)

	resp = h.do(t, http.MethodGet, "/api/files/20240309_U1_U2.txt?recipientId=U1", "U2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "20240309_U1_U2.txt")

	resp = h.do(t, http.MethodGet, "/api/conversations/U1", "U2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var conv domain.Conversation
	decode(t, resp, &conv)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, domain.MessageFile, conv.Messages[0].Type)

	snap := h.srv.Metrics().snapshot()
	assert.EqualValues(t, 1, snap["uploads_initiated_total"])
	assert.EqualValues(t, 1, snap["files_assembled_total"])
	assert.EqualValues(t, 1, snap["downloads_total"])
	assert.EqualValues(t, len(data), snap["chunk_bytes_total"])
}

func TestChunkErrorsMapToStatus(t *testing.T) {
	h := newHarness(t, Config{})

	resp := h.do(t, http.MethodPut, "/api/files/missing/chunks/0?recipientId=U2", "U1", strings.NewReader("x"))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body errorResponse
	decode(t, resp, &body)
	assert.Equal(t, "not_found", body.Kind)

	oversize := bytes.Repeat([]byte{1}, domain.ChunkSize+1)
	resp = h.doJSON(t, http.MethodPost, "/api/files", "U1", map[string]interface{}{
		"recipientId": "U2",
		"file":        map[string]interface{}{"name": "big.bin", "size": len(oversize)},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var init initiateResponse
	decode(t, resp, &init)

	resp = h.do(t, http.MethodPut, "/api/files/"+init.FileID+"/chunks/0?recipientId=U2", "U1", bytes.NewReader(oversize))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownFieldsAreRejected(t *testing.T) {
	h := newHarness(t, Config{})
	resp := h.doJSON(t, http.MethodPost, "/api/messages", "U1", map[string]string{"recipientId": "U2", "text": "hi"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t, Config{})
	resp := h.doJSON(t, http.MethodPost, "/api/messages", "U1", sendMessageRequest{RecipientID: "U2", Content: "hi"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var msg domain.Message
	decode(t, resp, &msg)
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, "U1", msg.SenderID)
	assert.Len(t, h.events.OfType(notify.TypeMessage), 1)
}

func TestRoomRoutes(t *testing.T) {
	h := newHarness(t, Config{})

	resp := h.doJSON(t, http.MethodPost, "/api/rooms", "A", createRoomRequest{Name: "Study"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created roomView
	decode(t, resp, &created)
	require.NotNil(t, created.Room)
	assert.Len(t, created.Code, domain.RoomCodeLength)

	resp = h.doJSON(t, http.MethodPost, "/api/rooms/join", "B", joinRoomRequest{Code: created.Code})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/rooms/"+created.ID, "C", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/rooms", "B", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list map[string][]roomView
	decode(t, resp, &list)
	require.Len(t, list["rooms"], 1)
	assert.Equal(t, created.ID, list["rooms"][0].ID)

	resp = h.do(t, http.MethodDelete, "/api/rooms/"+created.ID, "B", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "only the creator deletes")

	resp = h.do(t, http.MethodPost, "/api/rooms/"+created.ID+"/leave", "B", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var left leaveRoomResponse
	decode(t, resp, &left)
	assert.True(t, left.Left)
	assert.False(t, left.Deleted)

	resp = h.do(t, http.MethodPost, "/api/rooms/"+created.ID+"/leave", "A", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &left)
	assert.True(t, left.Deleted)

	resp = h.do(t, http.MethodGet, "/api/rooms/"+created.ID, "A", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRoomAvatarRoutes(t *testing.T) {
	h := newHarness(t, Config{})
	resp := h.doJSON(t, http.MethodPost, "/api/rooms", "A", createRoomRequest{Name: "Pics"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created roomView
	decode(t, resp, &created)

	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 32)...)
	req, err := http.NewRequest(http.MethodPut, h.http.URL+"/api/rooms/"+created.ID+"/avatar", bytes.NewReader(png))
	require.NoError(t, err)
	req.Header.Set(IdentityHeader, "A")
	req.Header.Set("Content-Type", "image/png")
	put, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer put.Body.Close()
	require.Equal(t, http.StatusOK, put.StatusCode)
	var updated roomView
	decode(t, put, &updated)
	assert.NotEmpty(t, updated.AvatarURL)

	resp = h.do(t, http.MethodGet, "/api/rooms/"+created.ID+"/avatar", "A", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, png, got)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
}

func TestRateLimitReturns429(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 2})
	for i := 0; i < 2; i++ {
		resp := h.do(t, http.MethodGet, "/api/rooms", "A", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := h.do(t, http.MethodGet, "/api/rooms", "A", nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	var body errorResponse
	decode(t, resp, &body)
	assert.True(t, body.Retryable)

	resp = h.do(t, http.MethodGet, "/api/rooms", "B", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "limits are per caller")
	assert.EqualValues(t, 1, h.srv.Metrics().snapshot()["rate_limited_total"])
}

func TestChunkUploadsDoNotCountAgainstRateLimit(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 2})
	data := bytes.Repeat([]byte{7}, 2*domain.ChunkSize+1)

	resp := h.doJSON(t, http.MethodPost, "/api/files", "U1", map[string]interface{}{
		"recipientId": "U2",
		"file":        map[string]interface{}{"name": "big.bin", "size": len(data)},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var init initiateResponse
	decode(t, resp, &init)
	require.Equal(t, 3, init.TotalChunks)

	for i := 0; i < init.TotalChunks; i++ {
		end := (i + 1) * domain.ChunkSize
		if end > len(data) {
			end = len(data)
		}
		path := fmt.Sprintf("/api/files/%s/chunks/%d?recipientId=U2", init.FileID, i)
		resp := h.do(t, http.MethodPut, path, "U1", bytes.NewReader(data[i*domain.ChunkSize:end]))
		require.Equal(t, http.StatusOK, resp.StatusCode, "chunk %d", i)
	}

	resp = h.do(t, http.MethodGet, "/api/rooms", "U1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = h.do(t, http.MethodGet, "/api/rooms", "U1", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp = h.do(t, http.MethodPut, "/api/files/missing/chunks/0?recipientId=U2", "", strings.NewReader("x"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "chunk uploads still need an identity")
}

func TestSlowChunkBodyTimesOut(t *testing.T) {
	h := newHarness(t, Config{ChunkReadTimeout: 100 * time.Millisecond})

	conn, err := net.Dial("tcp", h.http.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	// Announce ten bytes and send one.
	_, err = fmt.Fprintf(conn, "PUT /api/files/f1/chunks/0?recipientId=U2 HTTP/1.1\r\n"+
		"Host: roomdrop\r\n%s: U1\r\nContent-Length: 10\r\n\r\nx", IdentityHeader)
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
	var body errorResponse
	decode(t, resp, &body)
	assert.Equal(t, "timeout", body.Kind)
	assert.True(t, body.Retryable)
}

func TestRateLimiterWindow(t *testing.T) {
	clock := domain.NewManualClock(epoch)
	rl := NewRateLimiter(1, time.Minute, clock)
	assert.True(t, rl.Allow("k"))
	assert.False(t, rl.Allow("k"))
	clock.Advance(61 * time.Second)
	assert.True(t, rl.Allow("k"))
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, rl.Prune())
}

func TestRateLimiterSlidesPerHit(t *testing.T) {
	clock := domain.NewManualClock(epoch)
	rl := NewRateLimiter(2, time.Minute, clock)
	assert.True(t, rl.Allow("k"))
	clock.Advance(30 * time.Second)
	assert.True(t, rl.Allow("k"))
	assert.False(t, rl.Allow("k"))

	clock.Advance(31 * time.Second)
	assert.True(t, rl.Allow("k"), "the first hit left the window")
	assert.False(t, rl.Allow("k"))
	assert.Zero(t, rl.Prune())
}

func TestStatusFor(t *testing.T) {
	cases := map[domain.Kind]int{
		domain.KindInvalidInput:    http.StatusBadRequest,
		domain.KindUnauthorized:    http.StatusUnauthorized,
		domain.KindForbidden:       http.StatusForbidden,
		domain.KindNotFound:        http.StatusNotFound,
		domain.KindConflict:        http.StatusConflict,
		domain.KindTimeout:         http.StatusRequestTimeout,
		domain.KindTooManyRequests: http.StatusTooManyRequests,
		domain.KindInternal:        http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusFor(kind), kind.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, Config{})
	resp := h.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap map[string]float64
	decode(t, resp, &snap)
	assert.Contains(t, snap, "chunks_received_total")
}
