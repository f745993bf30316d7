// Package transfer implements resumable chunked uploads: registering a
// transfer, accepting chunks in any order and any number of times, assembling
// the artifact exactly once, and serving it back.
package transfer

import (
	"context"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"roomdrop/internal/artifacts"
	"roomdrop/internal/domain"
	"roomdrop/internal/pathguard"
	"roomdrop/internal/storage"
	"roomdrop/internal/target"
)

const (
	// DefaultMaxFileSize bounds announced file sizes.
	DefaultMaxFileSize int64 = 4 << 30
	// MaxNameLength bounds the announced file name, in bytes.
	MaxNameLength = 255

	defaultMime = "application/octet-stream"
)

// Store is the persistence the service needs.
type Store interface {
	storage.Uploads
	storage.Chunks
}

// Poster records the message announcing an assembled file. The scope is
// already held through target.Resolver.Hold.
type Poster interface {
	PostHeld(ctx context.Context, resolved *target.Resolved, msg *domain.Message) error
}

// ChunkResult is returned for every accepted chunk.
type ChunkResult struct {
	Accepted   bool `json:"accepted"`
	IsComplete bool `json:"isComplete"`
	// Message is set only for the call that assembled the artifact.
	Message *domain.Message `json:"message,omitempty"`
}

// Download is an open artifact. The caller closes Body.
type Download struct {
	Body    *os.File
	Name    string
	Size    int64
	Mime    string
	ModTime time.Time
}

// Service wires the upload pipeline together.
type Service struct {
	store       Store
	files       *artifacts.Store
	resolver    *target.Resolver
	poster      Poster
	clock       domain.Clock
	maxFileSize int64
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock.
func WithClock(c domain.Clock) Option { return func(s *Service) { s.clock = c } }

// WithMaxFileSize overrides DefaultMaxFileSize. Non-positive values are
// ignored.
func WithMaxFileSize(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxFileSize = n
		}
	}
}

// NewService builds a Service.
func NewService(store Store, files *artifacts.Store, resolver *target.Resolver, poster Poster, opts ...Option) *Service {
	s := &Service{
		store:       store,
		files:       files,
		resolver:    resolver,
		poster:      poster,
		clock:       domain.SystemClock{},
		maxFileSize: DefaultMaxFileSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initiate registers a transfer of meta from caller to the scope d names.
func (s *Service) Initiate(ctx context.Context, caller string, d target.Descriptor, meta domain.FileMeta) (*domain.UploadSession, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if err := checkAnnouncedName(meta.Name); err != nil {
		return nil, err
	}
	if meta.Size <= 0 {
		return nil, domain.InvalidInput("file size must be positive")
	}
	if meta.Size > s.maxFileSize {
		return nil, domain.InvalidInput("file size %s exceeds the %s limit",
			humanize.IBytes(uint64(meta.Size)), humanize.IBytes(uint64(s.maxFileSize)))
	}
	resolved, err := s.resolver.Resolve(ctx, caller, d)
	if err != nil {
		return nil, err
	}

	meta.Mime = mimeFor(meta.Mime, meta.Name)
	session := &domain.UploadSession{
		FileID:      uuid.NewString(),
		SenderID:    caller,
		Target:      resolved.Target,
		Recipient:   resolved.Recipient,
		Meta:        meta,
		TotalChunks: domain.TotalChunks(meta.Size),
		CreatedAt:   s.clock.Now().UTC(),
	}
	if err := s.store.PutUpload(ctx, session); err != nil {
		return nil, domain.Internal(err, "store upload session")
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Initiate",
		"file_id":      session.FileID,
		"sender":       caller,
		"target":       session.Target.ID(),
		"size":         humanize.IBytes(uint64(meta.Size)),
		"total_chunks": session.TotalChunks,
	}).Info("Upload registered")
	return session, nil
}

// UploadChunk stores chunk index of fileID. The chunk may be a retry or
// arrive out of order; completion is computed from the distinct indices
// stored. The call that wins the completion claim assembles the artifact.
func (s *Service) UploadChunk(ctx context.Context, caller string, d target.Descriptor, fileID string, index int, data []byte) (*ChunkResult, error) {
	if _, err := s.resolver.Resolve(ctx, caller, d); err != nil {
		return nil, err
	}
	session, err := s.store.GetUpload(ctx, fileID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.NotFound("upload %s not found", fileID)
	}
	if err != nil {
		return nil, domain.Internal(err, "load upload session")
	}
	switch {
	case index < 0 || index >= session.TotalChunks:
		return nil, domain.InvalidInput("chunk index %d outside [0,%d)", index, session.TotalChunks)
	case len(data) == 0:
		return nil, domain.InvalidInput("chunk %d is empty", index)
	case len(data) > domain.ChunkSize:
		return nil, domain.InvalidInput("chunk %d is %s, larger than %s", index,
			humanize.IBytes(uint64(len(data))), humanize.IBytes(domain.ChunkSize))
	}
	if session.Completed {
		// Assembly already owns the chunk set.
		return &ChunkResult{Accepted: true, IsComplete: true}, nil
	}

	if err := s.store.PutChunk(ctx, fileID, index, data); err != nil {
		return nil, domain.Internal(err, "store chunk %d", index)
	}
	// The session may have been swept between the read and the write;
	// never leave chunks behind without a session.
	if _, err := s.store.GetUpload(ctx, fileID); errors.Is(err, storage.ErrNotFound) {
		if derr := s.store.DeleteChunks(ctx, fileID); derr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "UploadChunk",
				"file_id":  fileID,
				"error":    derr.Error(),
			}).Error("Failed to delete chunks of a swept upload")
		}
		return nil, domain.NotFound("upload %s not found", fileID)
	} else if err != nil {
		return nil, domain.Internal(err, "load upload session")
	}

	stored, err := s.store.CountChunks(ctx, fileID)
	if err != nil {
		return nil, domain.Internal(err, "count chunks")
	}
	if stored < session.TotalChunks {
		return &ChunkResult{Accepted: true}, nil
	}

	won, err := s.store.ClaimUpload(ctx, fileID)
	if errors.Is(err, storage.ErrNotFound) {
		// Another call claimed, assembled and removed the session.
		return &ChunkResult{Accepted: true, IsComplete: true}, nil
	}
	if err != nil {
		return nil, domain.Internal(err, "claim upload")
	}
	if !won {
		return &ChunkResult{Accepted: true, IsComplete: true}, nil
	}

	// Assembly must not be abandoned halfway because the client hung up.
	actx := context.WithoutCancel(ctx)
	msg, err := s.assemble(actx, session)
	if err != nil {
		if rerr := s.store.ReleaseUpload(actx, fileID); rerr != nil && !errors.Is(rerr, storage.ErrNotFound) {
			logrus.WithFields(logrus.Fields{
				"function": "UploadChunk",
				"file_id":  fileID,
				"error":    rerr.Error(),
			}).Error("Failed to release completion claim")
		}
		logrus.WithFields(logrus.Fields{
			"function": "UploadChunk",
			"file_id":  fileID,
			"error":    err.Error(),
		}).Error("Assembly failed")
		if domain.KindOf(err) != domain.KindInternal {
			return nil, err
		}
		return nil, domain.Internal(err, "assemble upload %s", fileID)
	}
	return &ChunkResult{Accepted: true, IsComplete: true, Message: msg}, nil
}

// assemble concatenates the chunks into the artifact, posts the file message
// and removes the session. The artifact and its message are written while
// the scope is held, so a room cannot be deleted or lose the sender midway.
func (s *Service) assemble(ctx context.Context, session *domain.UploadSession) (*domain.Message, error) {
	resolved, err := s.resolver.Resolve(ctx, session.SenderID, descriptorOf(session))
	if err != nil {
		return nil, err
	}
	var (
		msg  *domain.Message
		name string
	)
	err = s.resolver.Hold(ctx, session.SenderID, resolved, func(held *target.Resolved) error {
		resolved = held
		now := s.clock.Now().UTC()
		name = ArtifactName(now, session.SenderID, held.Label(), session.Meta.Name)
		size, sum, err := s.writeArtifact(ctx, held.Target, name, session)
		if err != nil {
			return err
		}
		msg = &domain.Message{
			SenderID:  session.SenderID,
			Content:   name,
			Timestamp: now,
			Type:      domain.MessageFile,
			File: &domain.FileInfo{
				Name:     pathguard.SanitizeName(session.Meta.Name),
				Size:     size,
				Mime:     session.Meta.Mime,
				Checksum: sum,
			},
		}
		return s.poster.PostHeld(ctx, held, msg)
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteUpload(ctx, session.FileID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		// The artifact and message exist; the sweep reclaims the rest.
		logrus.WithFields(logrus.Fields{
			"function": "assemble",
			"file_id":  session.FileID,
			"error":    err.Error(),
		}).Warn("Failed to delete completed upload session")
	}

	logrus.WithFields(logrus.Fields{
		"function": "assemble",
		"file_id":  session.FileID,
		"artifact": name,
		"target":   resolved.Target.ID(),
		"size":     humanize.IBytes(uint64(msg.File.Size)),
	}).Info("Upload assembled")
	return msg, nil
}

// writeArtifact streams the stored chunks of session into the artifact name
// and returns its size and checksum.
func (s *Service) writeArtifact(ctx context.Context, t domain.Target, name string, session *domain.UploadSession) (int64, string, error) {
	w, err := s.files.Create(t, name)
	if err != nil {
		return 0, "", err
	}
	sum, err := newChecksum()
	if err != nil {
		w.Abort()
		return 0, "", err
	}
	out := io.MultiWriter(w, sum)
	for i := 0; i < session.TotalChunks; i++ {
		data, err := s.store.GetChunk(ctx, session.FileID, i)
		if errors.Is(err, storage.ErrNotFound) {
			w.Abort()
			return 0, "", domain.Internal(nil, "chunk %d of %s missing at assembly", i, session.FileID)
		}
		if err != nil {
			w.Abort()
			return 0, "", errors.Wrapf(err, "read chunk %d", i)
		}
		if _, err := out.Write(data); err != nil {
			w.Abort()
			return 0, "", errors.Wrap(err, "write artifact")
		}
	}
	size := w.Size()
	if err := w.Commit(); err != nil {
		return 0, "", err
	}
	if size != session.Meta.Size {
		logrus.WithFields(logrus.Fields{
			"function": "writeArtifact",
			"file_id":  session.FileID,
			"expected": session.Meta.Size,
			"actual":   size,
		}).Warn("Assembled size differs from announced size")
	}
	return size, checksumHex(sum), nil
}

// Download opens the artifact name in the scope d names.
func (s *Service) Download(ctx context.Context, caller string, d target.Descriptor, name string) (*Download, error) {
	if err := pathguard.CheckName(name); err != nil {
		return nil, err
	}
	resolved, err := s.resolver.Resolve(ctx, caller, d)
	if err != nil {
		return nil, err
	}
	f, info, err := s.files.Open(resolved.Target, name)
	if errors.Is(err, artifacts.ErrNotExist) {
		return nil, domain.NotFound("file %s not found", name)
	}
	if err != nil {
		return nil, domain.Internal(err, "open artifact")
	}
	return &Download{
		Body:    f,
		Name:    name,
		Size:    info.Size,
		Mime:    mimeFor("", name),
		ModTime: info.ModTime,
	}, nil
}

// SweepUploads deletes every session created more than maxAge ago, complete
// or not, together with its chunks.
func (s *Service) SweepUploads(ctx context.Context, maxAge time.Duration) (int, error) {
	stale, err := s.store.ListUploads(ctx, s.clock.Now().Add(-maxAge))
	if err != nil {
		return 0, domain.Internal(err, "list stale uploads")
	}
	removed := 0
	for _, session := range stale {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		err := s.store.DeleteUpload(ctx, session.FileID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, domain.Internal(err, "delete upload %s", session.FileID)
		}
		removed++
	}
	return removed, nil
}

// ArtifactName derives the stored name
// {YYYYMMDD}_{sender}_{recipient-or-room-code}{.ext}. Transfers between the
// same pair on the same day with the same extension share a name, and the
// later one replaces the earlier.
func ArtifactName(day time.Time, sender, label, original string) string {
	name := day.Format("20060102") + "_" + pathguard.SanitizeKey(sender) + "_" + pathguard.SanitizeKey(label)
	return pathguard.SanitizeName(name + pathguard.SanitizeExt(original))
}

func descriptorOf(session *domain.UploadSession) target.Descriptor {
	if session.Target.Kind == domain.TargetRoom {
		return target.Descriptor{RoomID: session.Target.RoomID}
	}
	return target.Descriptor{RecipientID: session.Recipient}
}

// checkAnnouncedName rejects names no sanitizing could make meaningful.
// Separators and traversal are allowed here; they are stripped when the
// artifact name is derived.
func checkAnnouncedName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return domain.InvalidInput("file name is required")
	case len(name) > MaxNameLength:
		return domain.InvalidInput("file name exceeds %d bytes", MaxNameLength)
	case !utf8.ValidString(name):
		return domain.InvalidInput("file name must be valid UTF-8")
	case strings.IndexFunc(name, unicode.IsControl) >= 0:
		return domain.InvalidInput("file name must not contain control characters")
	}
	return nil
}

func mimeFor(announced, name string) string {
	if announced != "" {
		if mediaType, _, err := mime.ParseMediaType(announced); err == nil {
			return mediaType
		}
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
		return byExt
	}
	return defaultMime
}
