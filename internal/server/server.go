// Package server exposes the transfer pipeline, messaging and rooms over
// HTTP, plus a websocket notification stream.
package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"roomdrop/internal/messaging"
	"roomdrop/internal/notify"
	"roomdrop/internal/rooms"
	"roomdrop/internal/transfer"
)

// DefaultChunkReadTimeout bounds how long a chunk body may take to arrive.
const DefaultChunkReadTimeout = 60 * time.Second

// Config tunes the HTTP surface.
type Config struct {
	// IdentitySecret switches the identity header from a plain user id to a
	// signed token.
	IdentitySecret string
	// ChunkReadTimeout bounds reading one chunk body.
	ChunkReadTimeout time.Duration
	// RateLimit is the number of API requests one caller may make per
	// minute. Zero disables limiting.
	RateLimit int
}

// Deps are the services the handlers call.
type Deps struct {
	Transfer *transfer.Service
	Messages *messaging.Service
	Rooms    *rooms.Manager
	// Hub is optional; without it /ws is not served.
	Hub *notify.Hub
}

// Server holds the handlers' dependencies.
type Server struct {
	transfer         *transfer.Service
	messages         *messaging.Service
	rooms            *rooms.Manager
	hub              *notify.Hub
	metrics          *Metrics
	limiter          *RateLimiter
	signer           *Signer
	chunkReadTimeout time.Duration
}

// New builds a Server.
func New(cfg Config, deps Deps) *Server {
	s := &Server{
		transfer:         deps.Transfer,
		messages:         deps.Messages,
		rooms:            deps.Rooms,
		hub:              deps.Hub,
		metrics:          NewMetrics(),
		signer:           NewSigner(cfg.IdentitySecret),
		chunkReadTimeout: cfg.ChunkReadTimeout,
	}
	if s.chunkReadTimeout <= 0 {
		s.chunkReadTimeout = DefaultChunkReadTimeout
	}
	if cfg.RateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimit, time.Minute, nil)
	}
	return s
}

// Metrics returns the server's counters.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Limiter returns the rate limiter, or nil when limiting is off.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(logRequests)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics).Methods(http.MethodGet)

	if s.hub != nil {
		r.Handle("/ws", s.requireIdentity(http.HandlerFunc(s.handleWS))).Methods(http.MethodGet)
	}

	// Chunk PUTs skip the per-minute limiter; the uploader paces them.
	chunks := r.PathPrefix("/api/files/{fileId}/chunks").Subrouter()
	chunks.Use(s.requireIdentity)
	chunks.HandleFunc("/{index:[0-9]+}", s.handleChunk).Methods(http.MethodPut)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireIdentity, s.limitCallers)

	api.HandleFunc("/files", s.handleInitiate).Methods(http.MethodPost)
	api.HandleFunc("/files/{name}", s.handleDownload).Methods(http.MethodGet)

	api.HandleFunc("/messages", s.handleSendMessage).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{userId}", s.handleConversation).Methods(http.MethodGet)

	api.HandleFunc("/rooms", s.handleCreateRoom).Methods(http.MethodPost)
	api.HandleFunc("/rooms", s.handleListRooms).Methods(http.MethodGet)
	api.HandleFunc("/rooms/join", s.handleJoinRoom).Methods(http.MethodPost)
	api.HandleFunc("/rooms/{id}", s.handleGetRoom).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{id}", s.handleDeleteRoom).Methods(http.MethodDelete)
	api.HandleFunc("/rooms/{id}/leave", s.handleLeaveRoom).Methods(http.MethodPost)
	api.HandleFunc("/rooms/{id}/avatar", s.handleGetAvatar).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{id}/avatar", s.handlePutAvatar).Methods(http.MethodPut)

	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncConn()
	s.hub.ServeWS(w, r, Caller(r.Context()), s.metrics.DecConn)
}
