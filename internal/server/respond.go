package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"roomdrop/internal/domain"
)

// maxJSONBody bounds every JSON request body.
const maxJSONBody = 64 << 10

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return domain.InvalidInput("malformed request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindTimeout:
		return http.StatusRequestTimeout
	case domain.KindTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with the status its kind maps to. Internal errors
// are logged with their cause chain and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	msg := err.Error()
	if kind == domain.KindInternal {
		logrus.WithFields(logrus.Fields{
			"function": "writeError",
			"method":   r.Method,
			"path":     r.URL.Path,
			"error":    err.Error(),
		}).Error("Request failed")
		msg = "internal server error"
	}
	writeJSON(w, statusFor(kind), errorResponse{Error: msg, Kind: kind.String(), Retryable: kind.Retryable()})
}
