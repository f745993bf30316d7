package server

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"roomdrop/internal/domain"
)

// RateLimiter is a per-key sliding window.
type RateLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
	clock  domain.Clock
}

// NewRateLimiter allows limit hits per key in any window. A nil clock uses
// the wall clock.
func NewRateLimiter(limit int, window time.Duration, clock domain.Clock) *RateLimiter {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &RateLimiter{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		clock:  clock,
	}
}

// Allow records a hit for key unless key already used its budget.
func (r *RateLimiter) Allow(key string) bool {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	recent := r.recent(key, now)
	if len(recent) >= r.limit {
		return false
	}
	r.hits[key] = append(recent, now)
	return true
}

// recent trims the hits of key to those inside the window ending at now.
// Hits are appended in clock order, so the stale ones are a prefix.
func (r *RateLimiter) recent(key string, now time.Time) []time.Time {
	start := now.Add(-r.window)
	hits := r.hits[key]
	stale := sort.Search(len(hits), func(i int) bool { return hits[i].After(start) })
	hits = hits[stale:]
	r.hits[key] = hits
	return hits
}

// Prune drops keys with no hits inside the window.
func (r *RateLimiter) Prune() int {
	windowStart := r.clock.Now().Add(-r.window)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, slice := range r.hits {
		if len(slice) == 0 || !slice[len(slice)-1].After(windowStart) {
			delete(r.hits, key)
			removed++
		}
	}
	return removed
}

// limitCallers rejects callers over their budget. It runs after identity so
// the key is the verified user id.
func (s *Server) limitCallers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			caller := Caller(r.Context())
			if !s.limiter.Allow(caller) {
				s.metrics.IncRateLimited()
				logrus.WithFields(logrus.Fields{
					"function": "limitCallers",
					"user_id":  caller,
					"path":     r.URL.Path,
				}).Warn("Rate limit exceeded")
				writeError(w, r, domain.TooManyRequests("rate limit exceeded, slow down"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
