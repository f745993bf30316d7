// Package artifacts owns the on-disk layout of assembled files and room
// avatars. The folder naming is a contract shared with the read-only file
// mirror and must stay stable:
//
//	{pairKey}/Archivos/{name}
//	room/{roomId}/Archivos/{name}
//	room/{roomId}/avatar
package artifacts

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"roomdrop/internal/domain"
	"roomdrop/internal/pathguard"
)

const (
	filesDir   = "Archivos"
	roomsDir   = "room"
	avatarFile = "avatar"
)

// ErrNotExist is returned when an artifact is absent.
var ErrNotExist = errors.New("artifact does not exist")

// Store reads and writes artifacts under a base directory.
type Store struct {
	base string
}

// Info describes a stored artifact.
type Info struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// New creates the base directory if needed.
func New(base string) (*Store, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, errors.Wrap(err, "resolve artifact directory")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrap(err, "create artifact directory")
	}
	return &Store{base: abs}, nil
}

// Base returns the absolute base directory.
func (s *Store) Base() string { return s.base }

// FolderFor returns the folder elements (relative to the base) that hold
// file artifacts for target.
func FolderFor(target domain.Target) []string {
	if target.Kind == domain.TargetRoom {
		return []string{roomsDir, pathguard.SanitizeKey(target.RoomID), filesDir}
	}
	return []string{pathguard.SanitizeKey(target.ConversationID), filesDir}
}

// Writer streams one artifact into place. Bytes go to a temp file beside the
// destination and are renamed over it on Commit, so readers never observe a
// partial artifact.
type Writer struct {
	tmp  *os.File
	dest string
	size int64
	done bool
}

// Create opens a Writer for name in target's folder. name must already be
// sanitized.
func (s *Store) Create(target domain.Target, name string) (*Writer, error) {
	if err := pathguard.CheckName(name); err != nil {
		return nil, err
	}
	dest, err := pathguard.Resolve(s.base, append(FolderFor(target), name)...)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, errors.Wrap(err, "create artifact folder")
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+name+".part-*")
	if err != nil {
		return nil, errors.Wrap(err, "create temp artifact")
	}
	return &Writer{tmp: tmp, dest: dest}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.tmp.Write(p)
	w.size += int64(n)
	return n, err
}

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 { return w.size }

// Commit syncs and renames the temp file over the destination. An existing
// artifact with the same name is replaced.
func (w *Writer) Commit() error {
	if w.done {
		return errors.New("artifact writer already closed")
	}
	w.done = true
	if err := w.tmp.Sync(); err != nil {
		w.cleanup()
		return errors.Wrap(err, "sync artifact")
	}
	if err := w.tmp.Close(); err != nil {
		_ = os.Remove(w.tmp.Name())
		return errors.Wrap(err, "close artifact")
	}
	if err := os.Rename(w.tmp.Name(), w.dest); err != nil {
		_ = os.Remove(w.tmp.Name())
		return errors.Wrap(err, "move artifact into place")
	}
	return nil
}

// Abort discards the temp file. Safe to call after Commit.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.cleanup()
}

func (w *Writer) cleanup() {
	_ = w.tmp.Close()
	_ = os.Remove(w.tmp.Name())
}

// Open returns the artifact name in target's folder.
func (s *Store) Open(target domain.Target, name string) (*os.File, Info, error) {
	if err := pathguard.CheckName(name); err != nil {
		return nil, Info{}, err
	}
	path, err := pathguard.Resolve(s.base, append(FolderFor(target), name)...)
	if err != nil {
		return nil, Info{}, err
	}
	return openRegular(path, name)
}

// WriteAvatar replaces the room's avatar image.
func (s *Store) WriteAvatar(roomID string, r io.Reader) error {
	path, err := s.avatarPath(roomID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create room folder")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".avatar-*")
	if err != nil {
		return errors.Wrap(err, "create temp avatar")
	}
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "write avatar")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "close avatar")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "move avatar into place")
	}
	return nil
}

// OpenAvatar returns the room's avatar image.
func (s *Store) OpenAvatar(roomID string) (*os.File, Info, error) {
	path, err := s.avatarPath(roomID)
	if err != nil {
		return nil, Info{}, err
	}
	return openRegular(path, avatarFile)
}

// RemoveRoom deletes every artifact stored for a room.
func (s *Store) RemoveRoom(roomID string) error {
	dir, err := pathguard.Resolve(s.base, roomsDir, pathguard.SanitizeKey(roomID))
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "remove room folder %s", roomID)
	}
	logrus.WithFields(logrus.Fields{
		"function": "RemoveRoom",
		"room_id":  roomID,
	}).Debug("Removed room artifacts")
	return nil
}

func (s *Store) avatarPath(roomID string) (string, error) {
	return pathguard.Resolve(s.base, roomsDir, pathguard.SanitizeKey(roomID), avatarFile)
}

func openRegular(path, name string) (*os.File, Info, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Info{}, ErrNotExist
		}
		return nil, Info{}, errors.Wrap(err, "open artifact")
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, Info{}, errors.Wrap(err, "stat artifact")
	}
	if !stat.Mode().IsRegular() {
		_ = f.Close()
		return nil, Info{}, ErrNotExist
	}
	return f, Info{Name: name, Size: stat.Size(), ModTime: stat.ModTime()}, nil
}
