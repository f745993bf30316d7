package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"roomdrop/internal/domain"
)

// IdentityHeader carries the caller id, or a signed token for it when the
// server has an identity secret.
const IdentityHeader = "X-User-ID"

const (
	errBadTokenFormat   = "identity token is malformed"
	errBadTokenEncoding = "identity token is not base64url"
	errBadSignature     = "identity token signature mismatch"
)

type contextKey string

const callerKey contextKey = "caller"

// Signer issues and verifies identity tokens of the form
// base64url(id)|base64url(hmac-sha256(id)).
type Signer struct {
	secret []byte
}

// NewSigner returns a Signer, or nil when secret is empty.
func NewSigner(secret string) *Signer {
	if secret == "" {
		return nil
	}
	return &Signer{secret: []byte(secret)}
}

// Sign returns the token for userID.
func (s *Signer) Sign(userID string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(userID))
	return base64.URLEncoding.EncodeToString([]byte(userID)) + "|" + base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify returns the user id a token was signed for.
func (s *Signer) Verify(token string) (string, error) {
	parts := strings.Split(token, "|")
	if len(parts) != 2 {
		return "", errors.New(errBadTokenFormat)
	}
	value, err := base64.URLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", errors.New(errBadTokenEncoding)
	}
	signature, err := base64.URLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", errors.New(errBadTokenEncoding)
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(value)
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return "", errors.New(errBadSignature)
	}
	return string(value), nil
}

// Caller returns the authenticated user id stored by the identity middleware.
func Caller(ctx context.Context) string {
	id, _ := ctx.Value(callerKey).(string)
	return id
}

// identify resolves the caller of r. The websocket endpoint may pass the
// token as a query parameter since browsers cannot set headers on upgrades.
func (s *Server) identify(r *http.Request) (string, error) {
	raw := strings.TrimSpace(r.Header.Get(IdentityHeader))
	if raw == "" && r.URL.Path == "/ws" {
		raw = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if raw == "" {
		return "", domain.Unauthorized("missing %s header", IdentityHeader)
	}
	id := raw
	if s.signer != nil {
		verified, err := s.signer.Verify(raw)
		if err != nil {
			return "", domain.Unauthorized("%v", err)
		}
		id = verified
	}
	if err := domain.CheckUserID(id); err != nil {
		return "", domain.Unauthorized("invalid user id: %v", err)
	}
	return id, nil
}

func (s *Server) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.identify(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if info, ok := r.Context().Value(infoKey).(*requestInfo); ok {
			info.user = id
		}
		ctx := context.WithValue(r.Context(), callerKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
