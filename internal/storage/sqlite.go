package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	sqlite "modernc.org/sqlite"

	"roomdrop/internal/domain"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// SQLiteStore wraps the SQLite handle and implements Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at path. Call Migrate before use and
// Close when done.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "roomdrop.db"
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases coherent and lets SQLite's
	// own locking serialize writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS upload_sessions (
			file_id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL,
			target_kind TEXT NOT NULL,
			target_id TEXT NOT NULL,
			recipient_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			size INTEGER NOT NULL,
			mime TEXT NOT NULL DEFAULT '',
			total_chunks INTEGER NOT NULL,
			completed INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS upload_sessions_created ON upload_sessions(created_at);`,
		`CREATE TABLE IF NOT EXISTS upload_chunks (
			file_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (file_id, idx)
		);`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER,
			avatar_version INTEGER NOT NULL DEFAULT 0,
			avatar_mime TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS room_participants (
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			joined_at INTEGER NOT NULL,
			PRIMARY KEY (room_id, user_id),
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS room_participants_user ON room_participants(user_id);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_a TEXT NOT NULL,
			user_b TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			target_kind TEXT NOT NULL,
			target_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL,
			type TEXT NOT NULL,
			file_name TEXT,
			file_size INTEGER,
			file_mime TEXT,
			file_checksum TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_target ON messages(target_kind, target_id, created_at);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate")
		}
	}
	return tx.Commit()
}

const uploadColumns = `file_id, sender_id, target_kind, target_id, recipient_id, name, size, mime, total_chunks, completed, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUpload(row rowScanner) (*domain.UploadSession, error) {
	var (
		session    domain.UploadSession
		targetKind string
		targetID   string
		completed  int
		createdAt  int64
	)
	err := row.Scan(&session.FileID, &session.SenderID, &targetKind, &targetID, &session.Recipient,
		&session.Meta.Name, &session.Meta.Size, &session.Meta.Mime, &session.TotalChunks, &completed, &createdAt)
	if err != nil {
		return nil, err
	}
	session.Target = targetFromColumns(targetKind, targetID)
	session.Completed = completed != 0
	session.CreatedAt = fromUnixNano(createdAt)
	return &session, nil
}

// GetUpload returns the session for fileID or ErrNotFound.
func (s *SQLiteStore) GetUpload(ctx context.Context, fileID string) (*domain.UploadSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM upload_sessions WHERE file_id = ?`, fileID)
	session, err := scanUpload(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

// PutUpload inserts or replaces a session.
func (s *SQLiteStore) PutUpload(ctx context.Context, session *domain.UploadSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upload_sessions(`+uploadColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			sender_id=excluded.sender_id, target_kind=excluded.target_kind, target_id=excluded.target_id,
			recipient_id=excluded.recipient_id, name=excluded.name, size=excluded.size, mime=excluded.mime,
			total_chunks=excluded.total_chunks, completed=excluded.completed, created_at=excluded.created_at
	`, session.FileID, session.SenderID, string(session.Target.Kind), session.Target.ID(), session.Recipient,
		session.Meta.Name, session.Meta.Size, session.Meta.Mime, session.TotalChunks, boolToInt(session.Completed),
		toUnixNano(session.CreatedAt))
	return err
}

// DeleteUpload removes a session together with its chunks.
func (s *SQLiteStore) DeleteUpload(ctx context.Context, fileID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM upload_chunks WHERE file_id = ?`, fileID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM upload_sessions WHERE file_id = ?`, fileID)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUploads returns sessions created before createdBefore.
func (s *SQLiteStore) ListUploads(ctx context.Context, createdBefore time.Time) ([]domain.UploadSession, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+uploadColumns+` FROM upload_sessions WHERE created_at < ? ORDER BY created_at ASC`,
		toUnixNano(createdBefore))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []domain.UploadSession
	for rows.Next() {
		session, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// ClaimUpload marks the session completed and reports whether this call won.
func (s *SQLiteStore) ClaimUpload(ctx context.Context, fileID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE upload_sessions SET completed = 1 WHERE file_id = ? AND completed = 0`, fileID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetUpload(ctx, fileID); err != nil {
		return false, err
	}
	return false, nil
}

// ReleaseUpload clears the completion claim so assembly can be retried.
func (s *SQLiteStore) ReleaseUpload(ctx context.Context, fileID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE upload_sessions SET completed = 0 WHERE file_id = ?`, fileID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// PutChunk stores chunk index of fileID; the last write wins.
func (s *SQLiteStore) PutChunk(ctx context.Context, fileID string, index int, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upload_chunks(file_id, idx, data) VALUES(?, ?, ?)
		ON CONFLICT(file_id, idx) DO UPDATE SET data = excluded.data
	`, fileID, index, data)
	return err
}

// GetChunk returns the bytes of one chunk or ErrNotFound.
func (s *SQLiteStore) GetChunk(ctx context.Context, fileID string, index int) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM upload_chunks WHERE file_id = ? AND idx = ?`, fileID, index).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// CountChunks returns the number of distinct indices stored for fileID.
func (s *SQLiteStore) CountChunks(ctx context.Context, fileID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM upload_chunks WHERE file_id = ?`, fileID).Scan(&count)
	return count, err
}

// DeleteChunks removes every chunk of fileID.
func (s *SQLiteStore) DeleteChunks(ctx context.Context, fileID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM upload_chunks WHERE file_id = ?`, fileID)
	return err
}

const roomColumns = `id, code, name, description, created_by, created_at, expires_at, avatar_version, avatar_mime`

func scanRoom(row rowScanner) (*domain.Room, error) {
	var (
		room      domain.Room
		createdAt int64
		expiresAt sql.NullInt64
	)
	err := row.Scan(&room.ID, &room.Code, &room.Name, &room.Description, &room.CreatedBy, &createdAt, &expiresAt,
		&room.AvatarVersion, &room.AvatarMime)
	if err != nil {
		return nil, err
	}
	room.CreatedAt = fromUnixNano(createdAt)
	if expiresAt.Valid {
		exp := fromUnixNano(expiresAt.Int64)
		room.ExpiresAt = &exp
	}
	return &room, nil
}

func (s *SQLiteStore) loadParticipants(ctx context.Context, room *domain.Room) error {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, joined_at FROM room_participants WHERE room_id = ? ORDER BY joined_at ASC, user_id ASC`, room.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	room.Participants = nil
	for rows.Next() {
		var (
			p        domain.Participant
			joinedAt int64
		)
		if err := rows.Scan(&p.UserID, &joinedAt); err != nil {
			return err
		}
		p.JoinedAt = fromUnixNano(joinedAt)
		room.Participants = append(room.Participants, p)
	}
	return rows.Err()
}

func (s *SQLiteStore) getRoomWhere(ctx context.Context, where string, arg string) (*domain.Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE `+where, arg)
	room, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := s.loadParticipants(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

// GetRoom returns the room with its participants or ErrNotFound.
func (s *SQLiteStore) GetRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	return s.getRoomWhere(ctx, `id = ?`, roomID)
}

// GetRoomByCode looks a room up by its join code.
func (s *SQLiteStore) GetRoomByCode(ctx context.Context, code string) (*domain.Room, error) {
	return s.getRoomWhere(ctx, `code = ?`, code)
}

// PutRoom inserts or replaces a room and its participant list.
func (s *SQLiteStore) PutRoom(ctx context.Context, room *domain.Room) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	var expiresAt interface{}
	if room.ExpiresAt != nil {
		expiresAt = toUnixNano(*room.ExpiresAt)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO rooms(`+roomColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code=excluded.code, name=excluded.name, description=excluded.description,
			created_by=excluded.created_by, created_at=excluded.created_at, expires_at=excluded.expires_at,
			avatar_version=excluded.avatar_version, avatar_mime=excluded.avatar_mime
	`, room.ID, room.Code, room.Name, room.Description, room.CreatedBy, toUnixNano(room.CreatedAt), expiresAt,
		room.AvatarVersion, room.AvatarMime)
	if err != nil {
		if isConstraintError(err) {
			return ErrCodeTaken
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM room_participants WHERE room_id = ?`, room.ID); err != nil {
		return err
	}
	for _, p := range room.Participants {
		if _, err := tx.ExecContext(ctx, `INSERT INTO room_participants(room_id, user_id, joined_at) VALUES(?, ?, ?)`,
			room.ID, p.UserID, toUnixNano(p.JoinedAt)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteRoom removes the room, its participants and its messages.
func (s *SQLiteStore) DeleteRoom(ctx context.Context, roomID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE target_kind = ? AND target_id = ?`, string(domain.TargetRoom), roomID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM room_participants WHERE room_id = ?`, roomID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, roomID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *SQLiteStore) listRooms(ctx context.Context, query string, args ...interface{}) ([]domain.Room, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var rooms []domain.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	// Participants are loaded after the cursor is closed; the pool holds a
	// single connection.
	for i := range rooms {
		if err := s.loadParticipants(ctx, &rooms[i]); err != nil {
			return nil, err
		}
	}
	return rooms, nil
}

// ListRoomsForUser returns the rooms userID participates in, oldest first.
func (s *SQLiteStore) ListRoomsForUser(ctx context.Context, userID string) ([]domain.Room, error) {
	return s.listRooms(ctx, `
		SELECT r.id, r.code, r.name, r.description, r.created_by, r.created_at, r.expires_at, r.avatar_version, r.avatar_mime
		FROM rooms r
		JOIN room_participants p ON p.room_id = r.id
		WHERE p.user_id = ?
		ORDER BY r.created_at ASC, r.id ASC
	`, userID)
}

// ListExpiredRooms returns non-permanent rooms whose expiry is before now.
func (s *SQLiteStore) ListExpiredRooms(ctx context.Context, now time.Time) ([]domain.Room, error) {
	return s.listRooms(ctx, `SELECT `+roomColumns+` FROM rooms WHERE expires_at IS NOT NULL AND expires_at < ? ORDER BY created_at ASC, id ASC`,
		toUnixNano(now))
}

// GetConversation returns the conversation with id or ErrNotFound.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var (
		conv      domain.Conversation
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, user_a, user_b, created_at FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.Participants[0], &conv.Participants[1], &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	conv.CreatedAt = fromUnixNano(createdAt)
	return &conv, nil
}

// PutConversation creates the conversation unless it already exists.
func (s *SQLiteStore) PutConversation(ctx context.Context, conv *domain.Conversation) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO conversations(id, user_a, user_b, created_at) VALUES(?, ?, ?, ?)`,
		conv.ID, conv.Participants[0], conv.Participants[1], toUnixNano(conv.CreatedAt))
	return err
}

// PutMessage appends a message to its target.
func (s *SQLiteStore) PutMessage(ctx context.Context, msg *domain.Message) error {
	var (
		fileName, fileMime, fileChecksum sql.NullString
		fileSize                         sql.NullInt64
	)
	if msg.File != nil {
		fileName = sql.NullString{String: msg.File.Name, Valid: true}
		fileMime = sql.NullString{String: msg.File.Mime, Valid: true}
		fileChecksum = sql.NullString{String: msg.File.Checksum, Valid: true}
		fileSize = sql.NullInt64{Int64: msg.File.Size, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages(id, target_kind, target_id, sender_id, content, type, file_name, file_size, file_mime, file_checksum, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, string(msg.Target.Kind), msg.Target.ID(), msg.SenderID, msg.Content, string(msg.Type),
		fileName, fileSize, fileMime, fileChecksum, toUnixNano(msg.Timestamp))
	return err
}

// ListMessages returns the messages of target in timestamp order.
func (s *SQLiteStore) ListMessages(ctx context.Context, target domain.Target) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, content, type, file_name, file_size, file_mime, file_checksum, created_at
		FROM messages
		WHERE target_kind = ? AND target_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, string(target.Kind), target.ID())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var msgs []domain.Message
	for rows.Next() {
		var (
			msg                              domain.Message
			msgType                          string
			fileName, fileMime, fileChecksum sql.NullString
			fileSize                         sql.NullInt64
			createdAt                        int64
		)
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.Content, &msgType, &fileName, &fileSize, &fileMime, &fileChecksum, &createdAt); err != nil {
			return nil, err
		}
		msg.Target = target
		msg.Type = domain.MessageType(msgType)
		msg.Timestamp = fromUnixNano(createdAt)
		if fileName.Valid {
			msg.File = &domain.FileInfo{Name: fileName.String, Size: fileSize.Int64, Mime: fileMime.String, Checksum: fileChecksum.String}
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func targetFromColumns(kind, id string) domain.Target {
	if domain.TargetKind(kind) == domain.TargetRoom {
		return domain.RoomScoped(id)
	}
	return domain.Target{Kind: domain.TargetDirect, ConversationID: id}
}

func toUnixNano(t time.Time) int64 { return t.UTC().UnixNano() }

func fromUnixNano(n int64) time.Time { return time.Unix(0, n).UTC() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		// Extended result codes carry the primary code in the low byte.
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
