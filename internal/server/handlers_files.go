package server

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"roomdrop/internal/domain"
	"roomdrop/internal/target"
)

type initiateRequest struct {
	RecipientID string          `json:"recipientId,omitempty"`
	RoomID      string          `json:"roomId,omitempty"`
	File        domain.FileMeta `json:"file"`
}

type initiateResponse struct {
	FileID      string `json:"fileId"`
	TotalChunks int    `json:"totalChunks"`
	ChunkSize   int    `json:"chunkSize"`
}

func descriptorFromQuery(r *http.Request) target.Descriptor {
	q := r.URL.Query()
	return target.Descriptor{RecipientID: q.Get("recipientId"), RoomID: q.Get("roomId")}
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	d := target.Descriptor{RecipientID: req.RecipientID, RoomID: req.RoomID}
	session, err := s.transfer.Initiate(r.Context(), Caller(r.Context()), d, req.File)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.metrics.IncUploadInitiated()
	writeJSON(w, http.StatusCreated, initiateResponse{
		FileID:      session.FileID,
		TotalChunks: session.TotalChunks,
		ChunkSize:   domain.ChunkSize,
	})
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	index, err := strconv.Atoi(vars["index"])
	if err != nil {
		writeError(w, r, domain.InvalidInput("chunk index must be an integer"))
		return
	}
	data, err := s.readChunk(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.transfer.UploadChunk(r.Context(), Caller(r.Context()), descriptorFromQuery(r), vars["fileId"], index, data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.metrics.AddChunk(len(data))
	if res.Message != nil {
		s.metrics.IncAssembled()
	}
	writeJSON(w, http.StatusOK, res)
}

// readChunk reads at most one chunk plus a byte, so oversize bodies are
// detected without buffering them. The read is bounded by the chunk timeout.
func (s *Server) readChunk(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	rc := http.NewResponseController(w)
	if err := rc.SetReadDeadline(time.Now().Add(s.chunkReadTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logrus.WithFields(logrus.Fields{
			"function": "readChunk",
			"error":    err.Error(),
		}).Debug("Could not set chunk read deadline")
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, domain.ChunkSize+1))
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) || isTimeout(err) {
			return nil, domain.Timeout("chunk body not received within %s", s.chunkReadTimeout)
		}
		return nil, domain.InvalidInput("read chunk body: %v", err)
	}
	return data, nil
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	dl, err := s.transfer.Download(r.Context(), Caller(r.Context()), descriptorFromQuery(r), name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer dl.Body.Close()
	s.metrics.IncDownload()

	w.Header().Set("Content-Type", dl.Mime)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", dl.Name))
	http.ServeContent(w, r, dl.Name, dl.ModTime, dl.Body)
}
