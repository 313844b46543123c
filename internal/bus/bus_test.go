package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"syncwatch/server/internal/logger"
)

func channelName(roomID string) string {
	return fmt.Sprintf("test:room:%s:events", roomID)
}

// newTestBus returns a Bus over an in-process backend.
func newTestBus(t *testing.T, instanceID string, mr *miniredis.Miniredis) *Bus {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	b := New(rdb, instanceID, channelName, logger.NewNop())
	t.Cleanup(func() { b.Close() })
	return b
}

func waitEnvelope(t *testing.T, ch <-chan Envelope) Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := newTestBus(t, "inst-a", mr)
	sub := newTestBus(t, "inst-b", mr)

	got := make(chan Envelope, 1)
	if err := sub.Subscribe(context.Background(), "r1", func(env Envelope) { got <- env }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	env := NewEventEnvelope("r1", "chat:message", map[string]string{"content": "hi"})
	if err := pub.Publish(context.Background(), env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	recv := waitEnvelope(t, got)
	if recv.Kind != KindEvent || recv.Event != "chat:message" || recv.Origin != "inst-a" {
		t.Errorf("unexpected envelope: %+v", recv)
	}
}

func TestTargetInstanceFiltering(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := newTestBus(t, "inst-a", mr)
	sub := newTestBus(t, "inst-b", mr)

	got := make(chan Envelope, 2)
	if err := sub.Subscribe(context.Background(), "r1", func(env Envelope) { got <- env }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Addressed to another instance: inst-b must drop it.
	other := Envelope{Kind: KindVoice, RoomID: "r1", TargetInstance: "inst-c", Event: "voice:signal"}
	if err := pub.Publish(context.Background(), other); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// Addressed to inst-b: delivered.
	mine := Envelope{Kind: KindVoice, RoomID: "r1", TargetInstance: "inst-b", Event: "voice:signal"}
	if err := pub.Publish(context.Background(), mine); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	recv := waitEnvelope(t, got)
	if recv.TargetInstance != "inst-b" {
		t.Errorf("delivered envelope targeted %q, want inst-b", recv.TargetInstance)
	}
	select {
	case extra := <-got:
		t.Errorf("unexpected extra delivery: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRoomIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := newTestBus(t, "inst-a", mr)
	sub := newTestBus(t, "inst-b", mr)

	got1 := make(chan Envelope, 1)
	got2 := make(chan Envelope, 1)
	ctx := context.Background()
	if err := sub.Subscribe(ctx, "r1", func(env Envelope) { got1 <- env }); err != nil {
		t.Fatalf("Subscribe r1: %v", err)
	}
	if err := sub.Subscribe(ctx, "r2", func(env Envelope) { got2 <- env }); err != nil {
		t.Fatalf("Subscribe r2: %v", err)
	}

	if err := pub.Publish(ctx, NewEventEnvelope("r2", "room:system", nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	recv := waitEnvelope(t, got2)
	if recv.RoomID != "r2" {
		t.Errorf("room id = %q, want r2", recv.RoomID)
	}
	select {
	case env := <-got1:
		t.Errorf("r1 handler received r2 traffic: %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestBus(t, "inst-a", mr)
	ctx := context.Background()

	if err := b.Subscribe(ctx, "r1", func(Envelope) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	b.Unsubscribe(ctx, "r1")
	b.Unsubscribe(ctx, "r1") // second call is a no-op
}

func TestCloseTwice(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestBus(t, "inst-a", mr)
	if err := b.Subscribe(context.Background(), "r1", func(Envelope) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
