package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"roomdrop/internal/domain"
	"roomdrop/internal/rooms"
)

type createRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Permanent   bool   `json:"permanent"`
	TTLHours    int    `json:"ttlHours,omitempty"`
}

type joinRoomRequest struct {
	Code string `json:"code"`
}

type leaveRoomResponse struct {
	Left    bool `json:"left"`
	Deleted bool `json:"deleted"`
}

// roomView adds the avatar URL clients fetch from.
type roomView struct {
	*domain.Room
	AvatarURL string `json:"avatarUrl,omitempty"`
}

func viewOf(room *domain.Room) roomView {
	return roomView{Room: room, AvatarURL: rooms.AvatarURL(room)}
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	room, err := s.rooms.Create(r.Context(), Caller(r.Context()), req.Name, rooms.Options{
		Permanent:   req.Permanent,
		TTLHours:    req.TTLHours,
		Description: req.Description,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.metrics.IncRoomCreated()
	writeJSON(w, http.StatusCreated, viewOf(room))
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	var req joinRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	room, err := s.rooms.Join(r.Context(), Caller(r.Context()), req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(room))
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	mine, err := s.rooms.ListMine(r.Context(), Caller(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]roomView, 0, len(mine))
	for i := range mine {
		views = append(views, viewOf(&mine[i]))
	}
	writeJSON(w, http.StatusOK, map[string][]roomView{"rooms": views})
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.rooms.Get(r.Context(), mux.Vars(r)["id"], Caller(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(room))
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.rooms.Leave(r.Context(), mux.Vars(r)["id"], Caller(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, leaveRoomResponse{Left: true, Deleted: deleted})
}

func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	if err := s.rooms.Delete(r.Context(), mux.Vars(r)["id"], Caller(r.Context())); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutAvatar(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, rooms.MaxAvatarSize+1))
	if err != nil {
		writeError(w, r, domain.InvalidInput("read avatar body: %v", err))
		return
	}
	room, err := s.rooms.UpdateAvatar(r.Context(), mux.Vars(r)["id"], Caller(r.Context()), r.Header.Get("Content-Type"), data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(room))
}

func (s *Server) handleGetAvatar(w http.ResponseWriter, r *http.Request) {
	avatar, err := s.rooms.Avatar(r.Context(), mux.Vars(r)["id"], Caller(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer avatar.Body.Close()
	w.Header().Set("Content-Type", avatar.Mime)
	w.Header().Set("ETag", strconv.Quote(strconv.Itoa(avatar.Version)))
	w.Header().Set("Cache-Control", "private, max-age=86400")
	http.ServeContent(w, r, "avatar", avatar.ModTime, avatar.Body)
}
