// Package cleanup periodically reclaims abandoned uploads and expired rooms.
// Correctness never depends on it: expired rooms are also removed lazily on
// access.
package cleanup

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultUploadTTL      = 24 * time.Hour
	DefaultUploadInterval = 6 * time.Hour
	DefaultRoomInterval   = time.Hour
)

// UploadSweeper deletes upload sessions older than maxAge.
type UploadSweeper interface {
	SweepUploads(ctx context.Context, maxAge time.Duration) (int, error)
}

// RoomSweeper deletes rooms whose TTL has elapsed.
type RoomSweeper interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// Config sets the sweep cadence. Zero values take the defaults.
type Config struct {
	UploadTTL      time.Duration
	UploadInterval time.Duration
	RoomInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.UploadTTL <= 0 {
		c.UploadTTL = DefaultUploadTTL
	}
	if c.UploadInterval <= 0 {
		c.UploadInterval = DefaultUploadInterval
	}
	if c.RoomInterval <= 0 {
		c.RoomInterval = DefaultRoomInterval
	}
	return c
}

// Scheduler runs both sweeps on their own tickers.
type Scheduler struct {
	uploads UploadSweeper
	rooms   RoomSweeper
	cfg     Config
}

// NewScheduler builds a Scheduler.
func NewScheduler(uploads UploadSweeper, rooms RoomSweeper, cfg Config) *Scheduler {
	return &Scheduler{uploads: uploads, rooms: rooms, cfg: cfg.withDefaults()}
}

// SweepUploads runs one upload sweep.
func (s *Scheduler) SweepUploads(ctx context.Context) int {
	n, err := s.uploads.SweepUploads(ctx, s.cfg.UploadTTL)
	fields := logrus.Fields{
		"function": "SweepUploads",
		"removed":  n,
		"max_age":  s.cfg.UploadTTL.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Error("Upload sweep failed")
		return n
	}
	if n > 0 {
		logrus.WithFields(fields).Info("Reclaimed stale uploads")
	} else {
		logrus.WithFields(fields).Debug("No stale uploads")
	}
	return n
}

// SweepRooms runs one expired-room sweep.
func (s *Scheduler) SweepRooms(ctx context.Context) int {
	n, err := s.rooms.PurgeExpired(ctx)
	fields := logrus.Fields{
		"function": "SweepRooms",
		"removed":  n,
	}
	if err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Error("Room sweep failed")
		return n
	}
	if n > 0 {
		logrus.WithFields(fields).Info("Reclaimed expired rooms")
	} else {
		logrus.WithFields(fields).Debug("No expired rooms")
	}
	return n
}

// Run sweeps once immediately, then on every tick, until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	uploadTicker := time.NewTicker(s.cfg.UploadInterval)
	defer uploadTicker.Stop()
	roomTicker := time.NewTicker(s.cfg.RoomInterval)
	defer roomTicker.Stop()

	logrus.WithFields(logrus.Fields{
		"function":        "Run",
		"upload_interval": s.cfg.UploadInterval.String(),
		"room_interval":   s.cfg.RoomInterval.String(),
	}).Info("Cleanup scheduler started")

	s.SweepUploads(ctx)
	s.SweepRooms(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-uploadTicker.C:
			s.SweepUploads(ctx)
		case <-roomTicker.C:
			s.SweepRooms(ctx)
		}
	}
}
