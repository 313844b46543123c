// Package crud is the schema-backed collaborator for rooms, memberships,
// chat history, and the audit log, backed by an embedded SQLite database.
// The coordination engine consumes it through narrow interfaces and treats
// it as external; it owns no real-time state.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package crud

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	_ "modernc.org/sqlite"

	"syncwatch/server/internal/protocol"
	"syncwatch/server/internal/session"
)

// maxAuditEntries bounds the audit log table; oldest rows are purged first.
const maxAuditEntries = 10000

// roomCodeAlphabet excludes lookalike characters so codes survive being read
// aloud.
const roomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// roomCodeLength is the external room handle length.
const roomCodeLength = 8

var migrations = []string{
	// v1 — rooms
	`CREATE TABLE IF NOT EXISTS rooms (
		id               TEXT PRIMARY KEY,
		code             TEXT NOT NULL UNIQUE,
		name             TEXT NOT NULL,
		capacity         INTEGER NOT NULL CHECK(capacity BETWEEN 2 AND 5),
		password_hash    TEXT NOT NULL DEFAULT '',
		playback_control TEXT NOT NULL DEFAULT 'owner_only',
		owner_id         TEXT NOT NULL,
		created_at_ms    INTEGER NOT NULL,
		expires_at_ms    INTEGER NOT NULL DEFAULT 0
	)`,
	// v2 — participants
	`CREATE TABLE IF NOT EXISTS participants (
		room_id       TEXT NOT NULL,
		handle        TEXT NOT NULL,
		user_id       TEXT NOT NULL DEFAULT '',
		display_name  TEXT NOT NULL,
		role          TEXT NOT NULL,
		can_control   INTEGER NOT NULL DEFAULT 0,
		joined_at_ms  INTEGER NOT NULL,
		PRIMARY KEY (room_id, handle)
	)`,
	// v3 — chat history
	`CREATE TABLE IF NOT EXISTS messages (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id       TEXT NOT NULL,
		handle        TEXT NOT NULL,
		display_name  TEXT NOT NULL,
		content       TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL
	)`,
	// v4 — audit log
	`CREATE TABLE IF NOT EXISTS audit_log (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		action        TEXT NOT NULL,
		room_id       TEXT NOT NULL DEFAULT '',
		actor         TEXT NOT NULL DEFAULT '',
		target        TEXT NOT NULL DEFAULT '',
		details       TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL
	)`,
	// v5 — indexes
	`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, created_at_ms)`,
	// v6 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps the SQLite database.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// Open opens (or creates) the database at path and applies any pending
// migrations. Use ":memory:" for ephemeral in-process storage (tests).
func Open(path string, log *zap.SugaredLogger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Keep a small pool: at most four open and two idle connections.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Warnw("busy_timeout", "err", err)
	}

	s := &Store{db: db, log: log.Named("crud")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		s.log.Infow("applied migration", "version", v)
	}
	return nil
}

// CreateRoomParams carries the room-creation inputs.
type CreateRoomParams struct {
	Name            string
	Capacity        int
	Password        string
	PlaybackControl string
	OwnerID         string
	NowMS           int64
	ExpiresAtMS     int64
}

// CreateRoom inserts a room with a fresh code and returns the record.
func (s *Store) CreateRoom(ctx context.Context, p CreateRoomParams) (*session.Room, error) {
	if p.Capacity < 2 || p.Capacity > 5 {
		return nil, fmt.Errorf("capacity must be between 2 and 5")
	}
	switch p.PlaybackControl {
	case protocol.ControlOwnerOnly, protocol.ControlAll, protocol.ControlSelected:
	default:
		return nil, fmt.Errorf("unknown playback control policy %q", p.PlaybackControl)
	}

	var hash string
	if p.Password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(p.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		hash = string(h)
	}

	room := session.Room{
		ID:              uuid.NewString(),
		Name:            p.Name,
		Capacity:        p.Capacity,
		PasswordHash:    hash,
		PlaybackControl: p.PlaybackControl,
		OwnerID:         p.OwnerID,
		CreatedAtMS:     p.NowMS,
		ExpiresAtMS:     p.ExpiresAtMS,
	}

	// Codes collide rarely; retry on the unique constraint a few times.
	for attempt := 0; attempt < 5; attempt++ {
		room.Code = newRoomCode()
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO rooms(id, code, name, capacity, password_hash, playback_control, owner_id, created_at_ms, expires_at_ms)
			 VALUES(?,?,?,?,?,?,?,?,?)`,
			room.ID, room.Code, room.Name, room.Capacity, room.PasswordHash,
			room.PlaybackControl, room.OwnerID, room.CreatedAtMS, room.ExpiresAtMS,
		)
		if err == nil {
			return &room, nil
		}
		if !strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("insert room: %w", err)
		}
	}
	return nil, fmt.Errorf("exhausted room code attempts")
}

// GetRoomByCode returns the room, or nil when no such code exists.
func (s *Store) GetRoomByCode(ctx context.Context, code string) (*session.Room, error) {
	var r session.Room
	err := s.db.QueryRowContext(ctx,
		`SELECT id, code, name, capacity, password_hash, playback_control, owner_id, created_at_ms, expires_at_ms
		 FROM rooms WHERE code = ?`, code,
	).Scan(&r.ID, &r.Code, &r.Name, &r.Capacity, &r.PasswordHash,
		&r.PlaybackControl, &r.OwnerID, &r.CreatedAtMS, &r.ExpiresAtMS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	return &r, nil
}

// DeleteRoom removes the room and its membership rows.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM participants WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("delete participants: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, roomID); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

// VerifyRoomPassword checks password against the stored bcrypt hash.
func (s *Store) VerifyRoomPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// InsertParticipant persists a membership row. Re-inserting the same handle
// replaces the row.
func (s *Store) InsertParticipant(ctx context.Context, roomID string, p protocol.Participant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO participants(room_id, handle, user_id, display_name, role, can_control, joined_at_ms)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(room_id, handle) DO UPDATE SET
		   user_id = excluded.user_id, display_name = excluded.display_name,
		   role = excluded.role, can_control = excluded.can_control`,
		roomID, p.Handle, p.UserID, p.DisplayName, p.Role, boolInt(p.CanControl), p.JoinedAtMS,
	)
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

// DeleteParticipant removes a membership row. Idempotent.
func (s *Store) DeleteParticipant(ctx context.Context, roomID, participantHandle string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM participants WHERE room_id = ? AND handle = ?`, roomID, participantHandle,
	); err != nil {
		return fmt.Errorf("delete participant: %w", err)
	}
	return nil
}

// ParticipantRowCount returns the number of membership rows for a room.
func (s *Store) ParticipantRowCount(ctx context.Context, roomID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM participants WHERE room_id = ?`, roomID,
	).Scan(&n)
	return n, err
}

// InsertMessage archives one chat message.
func (s *Store) InsertMessage(ctx context.Context, roomID string, p protocol.ChatPayload) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(room_id, handle, display_name, content, created_at_ms) VALUES(?,?,?,?,?)`,
		roomID, p.Handle, p.DisplayName, p.Content, p.TimestampMS,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// MessageCount returns the number of archived messages for a room.
func (s *Store) MessageCount(ctx context.Context, roomID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE room_id = ?`, roomID,
	).Scan(&n)
	return n, err
}

// InsertAuditLog records a security-relevant action. The table is capped at
// maxAuditEntries rows.
func (s *Store) InsertAuditLog(ctx context.Context, action, roomID, actor, target, details string, nowMS int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log(action, room_id, actor, target, details, created_at_ms) VALUES(?,?,?,?,?,?)`,
		action, roomID, actor, target, details, nowMS,
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE id NOT IN (SELECT id FROM audit_log ORDER BY id DESC LIMIT ?)`,
		maxAuditEntries,
	)
	return err
}

// AuditLogCount returns the number of audit rows.
func (s *Store) AuditLogCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&n)
	return n, err
}

// PurgeExpiredRooms removes rooms past their expiry and returns how many.
func (s *Store) PurgeExpiredRooms(ctx context.Context, nowMS int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rooms WHERE expires_at_ms > 0 AND expires_at_ms <= ?`, nowMS,
	)
	if err != nil {
		return 0, fmt.Errorf("purge rooms: %w", err)
	}
	return res.RowsAffected()
}

// Optimize runs PRAGMA optimize for SQLite query planner statistics.
func (s *Store) Optimize() error {
	_, err := s.db.Exec(`PRAGMA optimize`)
	return err
}

func newRoomCode() string {
	id := uuid.New()
	code := make([]byte, roomCodeLength)
	for i := range code {
		code[i] = roomCodeAlphabet[int(id[i])%len(roomCodeAlphabet)]
	}
	return string(code)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
