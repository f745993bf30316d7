package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"roomdrop/internal/target"
)

type sendMessageRequest struct {
	RecipientID string `json:"recipientId,omitempty"`
	RoomID      string `json:"roomId,omitempty"`
	Content     string `json:"content"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	d := target.Descriptor{RecipientID: req.RecipientID, RoomID: req.RoomID}
	msg, err := s.messages.Send(r.Context(), Caller(r.Context()), d, req.Content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.metrics.IncMessage()
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.messages.Conversation(r.Context(), Caller(r.Context()), mux.Vars(r)["userId"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}
