package crud

import (
	"context"
	"testing"

	"syncwatch/server/internal/logger"
	"syncwatch/server/internal/protocol"
)

// newMemStore opens an in-memory database, runs migrations, and returns the
// store. The database is discarded when the test process exits.
func newMemStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", logger.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApplied(t *testing.T) {
	s := newMemStore(t)

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("expected %d migrations recorded, got %d", len(migrations), count)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	s := newMemStore(t)

	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("expected %d rows after second migrate, got %d", len(migrations), count)
	}
}

func TestCreateAndGetRoom(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	room, err := s.CreateRoom(ctx, CreateRoomParams{
		Name: "movie night", Capacity: 4, Password: "hunter2",
		PlaybackControl: protocol.ControlAll, OwnerID: "u1", NowMS: 1000,
	})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if len(room.Code) != roomCodeLength {
		t.Errorf("code %q length != %d", room.Code, roomCodeLength)
	}
	if room.PasswordHash == "" || room.PasswordHash == "hunter2" {
		t.Errorf("password stored improperly: %q", room.PasswordHash)
	}

	got, err := s.GetRoomByCode(ctx, room.Code)
	if err != nil {
		t.Fatalf("GetRoomByCode: %v", err)
	}
	if got == nil || got.ID != room.ID || got.Capacity != 4 || got.PlaybackControl != protocol.ControlAll {
		t.Errorf("got %+v", got)
	}

	if !s.VerifyRoomPassword(got.PasswordHash, "hunter2") {
		t.Error("correct password rejected")
	}
	if s.VerifyRoomPassword(got.PasswordHash, "wrong") {
		t.Error("wrong password accepted")
	}
}

func TestGetRoomAbsent(t *testing.T) {
	s := newMemStore(t)
	got, err := s.GetRoomByCode(context.Background(), "ZZZZZZZZ")
	if err != nil {
		t.Fatalf("GetRoomByCode: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for absent room, got %+v", got)
	}
}

func TestCreateRoomValidation(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	if _, err := s.CreateRoom(ctx, CreateRoomParams{Name: "x", Capacity: 1, PlaybackControl: protocol.ControlAll, OwnerID: "u"}); err == nil {
		t.Error("capacity 1 must be rejected")
	}
	if _, err := s.CreateRoom(ctx, CreateRoomParams{Name: "x", Capacity: 6, PlaybackControl: protocol.ControlAll, OwnerID: "u"}); err == nil {
		t.Error("capacity 6 must be rejected")
	}
	if _, err := s.CreateRoom(ctx, CreateRoomParams{Name: "x", Capacity: 3, PlaybackControl: "anarchy", OwnerID: "u"}); err == nil {
		t.Error("unknown policy must be rejected")
	}
}

func TestParticipantRows(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	p := protocol.Participant{Handle: "h123456789", UserID: "u1", DisplayName: "alice", Role: protocol.RoleOwner, JoinedAtMS: 5}
	if err := s.InsertParticipant(ctx, "room-1", p); err != nil {
		t.Fatalf("InsertParticipant: %v", err)
	}
	// Re-insert replaces, never duplicates.
	if err := s.InsertParticipant(ctx, "room-1", p); err != nil {
		t.Fatalf("InsertParticipant again: %v", err)
	}
	if n, _ := s.ParticipantRowCount(ctx, "room-1"); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}

	if err := s.DeleteParticipant(ctx, "room-1", p.Handle); err != nil {
		t.Fatalf("DeleteParticipant: %v", err)
	}
	// Idempotent.
	if err := s.DeleteParticipant(ctx, "room-1", p.Handle); err != nil {
		t.Fatalf("DeleteParticipant again: %v", err)
	}
	if n, _ := s.ParticipantRowCount(ctx, "room-1"); n != 0 {
		t.Errorf("rows = %d, want 0", n)
	}
}

func TestMessageArchive(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	err := s.InsertMessage(ctx, "room-1", protocol.ChatPayload{
		Content: "hi", Handle: "h1", DisplayName: "alice", TimestampMS: 99,
	})
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if n, _ := s.MessageCount(ctx, "room-1"); n != 1 {
		t.Errorf("messages = %d, want 1", n)
	}
}

func TestAuditLog(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	if err := s.InsertAuditLog(ctx, "kick", "room-1", "u1", "h2", "", 123); err != nil {
		t.Fatalf("InsertAuditLog: %v", err)
	}
	if n, _ := s.AuditLogCount(ctx); n != 1 {
		t.Errorf("audit rows = %d, want 1", n)
	}
}

func TestPurgeExpiredRooms(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	live, err := s.CreateRoom(ctx, CreateRoomParams{Name: "live", Capacity: 3, PlaybackControl: protocol.ControlAll, OwnerID: "u", NowMS: 1000})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	dead, err := s.CreateRoom(ctx, CreateRoomParams{Name: "dead", Capacity: 3, PlaybackControl: protocol.ControlAll, OwnerID: "u", NowMS: 1000, ExpiresAtMS: 2000})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	n, err := s.PurgeExpiredRooms(ctx, 3000)
	if err != nil {
		t.Fatalf("PurgeExpiredRooms: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if got, _ := s.GetRoomByCode(ctx, dead.Code); got != nil {
		t.Error("expired room survived purge")
	}
	if got, _ := s.GetRoomByCode(ctx, live.Code); got == nil {
		t.Error("unexpired room was purged")
	}
}
