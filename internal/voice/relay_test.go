package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"syncwatch/server/internal/bus"
	"syncwatch/server/internal/clock"
	"syncwatch/server/internal/logger"
	"syncwatch/server/internal/protocol"
	"syncwatch/server/internal/session"
	"syncwatch/server/internal/state"
)

type capturePublisher struct {
	mu   sync.Mutex
	envs []bus.Envelope
}

func (c *capturePublisher) Publish(_ context.Context, env bus.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *capturePublisher) InstanceID() string { return "inst-test" }

func (c *capturePublisher) find(event string) *bus.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.envs) - 1; i >= 0; i-- {
		if c.envs[i].Event == event {
			return &c.envs[i]
		}
	}
	return nil
}

func newTestRelay(t *testing.T) (*Relay, *state.Store, *capturePublisher) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st := state.New(rdb, "test:", 24*time.Hour, logger.NewNop())
	pub := &capturePublisher{}
	return New(st, pub, clock.NewManual(1000), logger.NewNop()), st, pub
}

// inRoom returns a connection state already joined to room r1. The
// participant record is seeded so signal routing can resolve the socket.
func inRoom(t *testing.T, st *state.Store, socket, h string) *session.State {
	t.Helper()
	_, err := st.AddParticipant(context.Background(), "r1", protocol.Participant{
		Handle: h, DisplayName: h, Role: protocol.RoleParticipant,
		SocketID: socket, InstanceID: "inst-test",
	})
	if err != nil {
		t.Fatalf("seed participant: %v", err)
	}
	return &session.State{
		SocketID: socket, UserID: "user-" + h, RoomID: "r1",
		Handle: h, Role: protocol.RoleParticipant,
	}
}

func wireCode(t *testing.T, err error) string {
	t.Helper()
	var we *protocol.Error
	if !errors.As(err, &we) {
		t.Fatalf("expected wire error, got %v", err)
	}
	return we.Code
}

// ---------------------------------------------------------------------------
// Join / leave
// ---------------------------------------------------------------------------

func TestVoiceJoinReturnsOtherPeers(t *testing.T) {
	r, store, pub := newTestRelay(t)
	ctx := context.Background()

	a := inRoom(t, store, "s1", "handleAAAA")
	b := inRoom(t, store, "s2", "handleBBBB")

	peers, err := r.Join(ctx, a)
	if err != nil {
		t.Fatalf("first join: %v", err)
	}
	if len(peers) != 0 {
		t.Errorf("first joiner peers = %+v, want empty", peers)
	}

	peers, err = r.Join(ctx, b)
	if err != nil {
		t.Fatalf("second join: %v", err)
	}
	if len(peers) != 1 || peers[0].Handle != "handleAAAA" {
		t.Errorf("second joiner peers = %+v, want [handleAAAA]", peers)
	}

	env := pub.find(protocol.EventVoicePeerJoined)
	if env == nil {
		t.Fatal("no voice:peer:joined broadcast")
	}
	if env.ExcludeSocket != "s2" {
		t.Errorf("joiner not excluded from own join broadcast: %+v", env)
	}
}

func TestVoiceJoinGates(t *testing.T) {
	r, store, _ := newTestRelay(t)
	ctx := context.Background()

	// Not in a room.
	err := errFrom(r.Join(ctx, &session.State{SocketID: "s1"}))
	if code := wireCode(t, err); code != protocol.CodeNotInRoom {
		t.Errorf("code = %s, want %s", code, protocol.CodeNotInRoom)
	}

	// Guests are denied the voice subchannel.
	g := inRoom(t, store, "s2", "handleGGGG")
	g.IsGuest = true
	g.Role = protocol.RoleGuest
	err = errFrom(r.Join(ctx, g))
	if code := wireCode(t, err); code != protocol.CodeForbidden {
		t.Errorf("code = %s, want %s", code, protocol.CodeForbidden)
	}

	// Double join.
	a := inRoom(t, store, "s3", "handleAAAA")
	if _, err := r.Join(ctx, a); err != nil {
		t.Fatalf("join: %v", err)
	}
	err = errFrom(r.Join(ctx, a))
	if code := wireCode(t, err); code != protocol.CodeAlreadyInVoice {
		t.Errorf("code = %s, want %s", code, protocol.CodeAlreadyInVoice)
	}
}

func errFrom(_ []protocol.VoicePeer, err error) error { return err }

func TestVoiceLeave(t *testing.T) {
	r, store, pub := newTestRelay(t)
	ctx := context.Background()

	a := inRoom(t, store, "s1", "handleAAAA")
	if _, err := r.Join(ctx, a); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := r.Leave(ctx, a); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if a.InVoice {
		t.Error("state still marked in voice")
	}
	if pub.find(protocol.EventVoicePeerLeft) == nil {
		t.Error("no voice:peer:left broadcast")
	}

	err := r.Leave(ctx, a)
	if code := wireCode(t, err); code != protocol.CodeNotInVoice {
		t.Errorf("code = %s, want %s", code, protocol.CodeNotInVoice)
	}
}

func TestCleanupOnDisconnect(t *testing.T) {
	r, store, pub := newTestRelay(t)
	ctx := context.Background()

	a := inRoom(t, store, "s1", "handleAAAA")
	if _, err := r.Join(ctx, a); err != nil {
		t.Fatalf("join: %v", err)
	}
	r.CleanupOnDisconnect(ctx, a)
	if peer, _ := store.GetVoicePeer(ctx, "r1", "handleAAAA"); peer != nil {
		t.Error("peer survived cleanup")
	}
	if pub.find(protocol.EventVoicePeerLeft) == nil {
		t.Error("no departure broadcast on cleanup")
	}

	// A connection that never joined voice is a no-op.
	b := inRoom(t, store, "s2", "handleBBBB")
	r.CleanupOnDisconnect(ctx, b)
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

func TestSignalRoutesToTargetSocket(t *testing.T) {
	r, store, pub := newTestRelay(t)
	ctx := context.Background()

	a := inRoom(t, store, "s1", "handleAAAA")
	b := inRoom(t, store, "s2", "handleBBBB")
	if _, err := r.Join(ctx, a); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if _, err := r.Join(ctx, b); err != nil {
		t.Fatalf("join b: %v", err)
	}

	err := r.Signal(ctx, a, protocol.VoiceSignalPayload{
		TargetID: "handleBBBB",
		Signal:   protocol.VoiceSignal{Type: protocol.SignalOffer, SDP: "v=0..."},
	})
	if err != nil {
		t.Fatalf("Signal: %v", err)
	}

	env := pub.find(protocol.EventVoiceSignal)
	if env == nil {
		t.Fatal("no voice:signal envelope")
	}
	if env.Kind != bus.KindVoice || env.TargetSocket != "s2" || env.TargetInstance != "inst-test" {
		t.Errorf("signal envelope = %+v", env)
	}
}

func TestSignalValidation(t *testing.T) {
	r, store, _ := newTestRelay(t)
	ctx := context.Background()

	a := inRoom(t, store, "s1", "handleAAAA")
	if _, err := r.Join(ctx, a); err != nil {
		t.Fatalf("join: %v", err)
	}

	cases := []struct {
		name    string
		payload protocol.VoiceSignalPayload
		want    string
	}{
		{"unknown type", protocol.VoiceSignalPayload{TargetID: "x", Signal: protocol.VoiceSignal{Type: "renegotiate"}}, protocol.CodeInvalidSignal},
		{"self target", protocol.VoiceSignalPayload{TargetID: "handleAAAA", Signal: protocol.VoiceSignal{Type: protocol.SignalOffer}}, protocol.CodeInvalidSignal},
		{"target not in voice", protocol.VoiceSignalPayload{TargetID: "handleZZZZ", Signal: protocol.VoiceSignal{Type: protocol.SignalOffer}}, protocol.CodeNotInVoice},
	}
	for _, tc := range cases {
		err := r.Signal(ctx, a, tc.payload)
		if code := wireCode(t, err); code != tc.want {
			t.Errorf("%s: code = %s, want %s", tc.name, code, tc.want)
		}
	}

	// Caller not in voice.
	c := inRoom(t, store, "s3", "handleCCCC")
	err := r.Signal(ctx, c, protocol.VoiceSignalPayload{
		TargetID: "handleAAAA", Signal: protocol.VoiceSignal{Type: protocol.SignalOffer},
	})
	if code := wireCode(t, err); code != protocol.CodeNotInVoice {
		t.Errorf("caller-not-in-voice code = %s", code)
	}
}

// ---------------------------------------------------------------------------
// Speaking
// ---------------------------------------------------------------------------

func TestSpeakingBroadcast(t *testing.T) {
	r, store, pub := newTestRelay(t)
	ctx := context.Background()

	a := inRoom(t, store, "s1", "handleAAAA")
	if _, err := r.Join(ctx, a); err != nil {
		t.Fatalf("join: %v", err)
	}

	r.Speaking(ctx, a, true)
	env := pub.find(protocol.EventVoiceSpeaking)
	if env == nil {
		t.Fatal("no voice:speaking broadcast")
	}
	if env.ExcludeSocket != "" {
		t.Error("speaking broadcast must include the sender")
	}
	peer, _ := store.GetVoicePeer(ctx, "r1", "handleAAAA")
	if peer == nil || !peer.IsSpeaking {
		t.Errorf("peer = %+v, want speaking", peer)
	}

	// Not in voice: silent no-op.
	b := inRoom(t, store, "s2", "handleBBBB")
	before := len(pub.envs)
	r.Speaking(ctx, b, true)
	if len(pub.envs) != before {
		t.Error("speaking for non-voice peer must be silent")
	}
}
