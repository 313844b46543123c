package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"syncwatch/server/internal/bus"
	"syncwatch/server/internal/clock"
	"syncwatch/server/internal/crud"
	"syncwatch/server/internal/logger"
	"syncwatch/server/internal/metrics"
	"syncwatch/server/internal/playback"
	"syncwatch/server/internal/protocol"
	"syncwatch/server/internal/state"
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, bus.Envelope) error { return nil }

func newTestServer(t *testing.T) (*Server, *state.Store, *crud.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	log := logger.NewNop()
	st := state.New(rdb, "test:", 24*time.Hour, log)
	cr, err := crud.Open(":memory:", log)
	if err != nil {
		t.Fatalf("crud.Open: %v", err)
	}
	t.Cleanup(func() { cr.Close() })

	pb := playback.New(st, nopPublisher{}, clock.NewManual(1000), 0.1, 4.0, log)
	srv := New(cr, st, pb, clock.NewManual(1000), metrics.New(), []string{"*"}, 5, log)
	return srv, st, cr
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), "GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "syncwatch_connections") {
		t.Error("metrics output missing connection gauge")
	}
}

func TestRoomLifecycle(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, "POST", "/api/rooms",
		`{"name":"movie night","capacity":3,"playback_control":"all","owner_id":"u1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body.String())
	}
	var room RoomResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &room); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(room.Code) != 8 || room.Capacity != 3 {
		t.Errorf("room = %+v", room)
	}

	rec = doJSON(t, h, "GET", "/api/rooms/"+room.Code, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = doJSON(t, h, "DELETE", "/api/rooms/"+room.Code, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = doJSON(t, h, "GET", "/api/rooms/"+room.Code, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", rec.Code)
	}
}

func TestSelectSourceInstallsSnapshot(t *testing.T) {
	srv, st, cr := newTestServer(t)
	h := srv.Handler()

	room, err := cr.CreateRoom(context.Background(), crud.CreateRoomParams{
		Name: "r", Capacity: 3, PlaybackControl: protocol.ControlAll, OwnerID: "u1", NowMS: 1,
	})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	rec := doJSON(t, h, "POST", "/api/rooms/"+room.Code+"/source",
		`{"source_type":"youtube","source_id":"abc"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	snap, err := st.GetSnapshot(context.Background(), room.ID)
	if err != nil || snap == nil {
		t.Fatalf("snapshot = %v, %v", snap, err)
	}
	if snap.SourceID != "abc" || snap.IsPlaying || snap.PlaybackRate != 1.0 || snap.SequenceNumber != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestSelectSourceRejectsBadType(t *testing.T) {
	srv, _, cr := newTestServer(t)
	room, err := cr.CreateRoom(context.Background(), crud.CreateRoomParams{
		Name: "r", Capacity: 3, PlaybackControl: protocol.ControlAll, OwnerID: "u1", NowMS: 1,
	})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	rec := doJSON(t, srv.Handler(), "POST", "/api/rooms/"+room.Code+"/source",
		`{"source_type":"vhs","source_id":"abc"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestMuteEndpoints(t *testing.T) {
	srv, st, cr := newTestServer(t)
	h := srv.Handler()
	ctx := context.Background()

	room, err := cr.CreateRoom(ctx, crud.CreateRoomParams{
		Name: "r", Capacity: 3, PlaybackControl: protocol.ControlAll, OwnerID: "u1", NowMS: 1,
	})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	rec := doJSON(t, h, "POST", "/api/rooms/"+room.Code+"/mute",
		`{"user_id":"u2","muted_by":"u1","duration_seconds":60}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("mute status = %d", rec.Code)
	}
	if muted, _ := st.IsMuted(ctx, room.ID, "u2"); !muted {
		t.Error("user not muted")
	}

	rec = doJSON(t, h, "DELETE", "/api/rooms/"+room.Code+"/mute/u2", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unmute status = %d", rec.Code)
	}
	if muted, _ := st.IsMuted(ctx, room.ID, "u2"); muted {
		t.Error("user still muted")
	}

	rec = doJSON(t, h, "POST", "/api/rooms/"+room.Code+"/shadow-mute", `{"user_id":"u3"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("shadow-mute status = %d", rec.Code)
	}
	if ok, _ := st.IsShadowMuted(ctx, room.ID, "u3"); !ok {
		t.Error("user not shadow muted")
	}
}
