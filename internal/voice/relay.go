// Package voice relays WebRTC signaling between room peers. The server
// never sees media and never logs signal bodies; it only keeps the peer
// roster and routes opaque envelopes between two sockets.
package voice

import (
	"context"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"syncwatch/server/internal/bus"
	"syncwatch/server/internal/clock"
	"syncwatch/server/internal/protocol"
	"syncwatch/server/internal/session"
	"syncwatch/server/internal/state"
)

// Publisher is the slice of the event bus the relay needs.
type Publisher interface {
	Publish(ctx context.Context, env bus.Envelope) error
	InstanceID() string
}

// Relay maintains the voice roster and routes signaling.
type Relay struct {
	store *state.Store
	pub   Publisher
	clk   clock.Clock
	log   *zap.SugaredLogger
}

// New returns a Relay.
func New(store *state.Store, pub Publisher, clk clock.Clock, log *zap.SugaredLogger) *Relay {
	return &Relay{store: store, pub: pub, clk: clk, log: log.Named("voice")}
}

// Join opts the connection into the voice subchannel and returns the other
// peers. The roster add is atomic, so a double join reports ALREADY_IN_VOICE
// even across instances.
func (r *Relay) Join(ctx context.Context, st *session.State) ([]protocol.VoicePeer, error) {
	if !st.InRoom() {
		return nil, protocol.E(protocol.CodeNotInRoom, "join a room first")
	}
	if st.IsGuest {
		return nil, protocol.E(protocol.CodeForbidden, "guests cannot join voice")
	}

	added, err := r.store.AddVoicePeer(ctx, st.RoomID, protocol.VoicePeer{
		Handle:     st.Handle,
		JoinedAtMS: r.clk.NowMS(),
	})
	if err != nil {
		return nil, err
	}
	if !added {
		return nil, protocol.E(protocol.CodeAlreadyInVoice, "already in voice")
	}
	st.InVoice = true

	peers, err := r.store.ListVoicePeers(ctx, st.RoomID)
	if err != nil {
		return nil, err
	}
	others := lo.Filter(peers, func(p protocol.VoicePeer, _ int) bool { return p.Handle != st.Handle })

	r.log.Infow("voice joined", "room_id", st.RoomID, "handle", st.Handle, "peers", len(others))

	env := bus.NewEventEnvelope(st.RoomID, protocol.EventVoicePeerJoined, protocol.VoicePeerEvent{Handle: st.Handle})
	env.ExcludeSocket = st.SocketID
	if err := r.pub.Publish(ctx, env); err != nil {
		r.log.Warnw("voice join broadcast", "room_id", st.RoomID, "err", err)
	}
	return others, nil
}

// Leave removes the connection from the voice subchannel.
func (r *Relay) Leave(ctx context.Context, st *session.State) error {
	if !st.InRoom() {
		return protocol.E(protocol.CodeNotInRoom, "join a room first")
	}
	removed, err := r.store.RemoveVoicePeer(ctx, st.RoomID, st.Handle)
	if err != nil {
		return err
	}
	if !removed {
		return protocol.E(protocol.CodeNotInVoice, "not in voice")
	}
	st.InVoice = false

	r.log.Infow("voice left", "room_id", st.RoomID, "handle", st.Handle)

	env := bus.NewEventEnvelope(st.RoomID, protocol.EventVoicePeerLeft, protocol.VoicePeerEvent{Handle: st.Handle})
	if err := r.pub.Publish(ctx, env); err != nil {
		r.log.Warnw("voice leave broadcast", "room_id", st.RoomID, "err", err)
	}
	return nil
}

// CleanupOnDisconnect drops the peer if present, broadcasting the departure
// first so observers see a consistent roster. Safe to call for connections
// that never joined voice.
func (r *Relay) CleanupOnDisconnect(ctx context.Context, st *session.State) {
	if !st.InRoom() || !st.InVoice {
		return
	}
	env := bus.NewEventEnvelope(st.RoomID, protocol.EventVoicePeerLeft, protocol.VoicePeerEvent{Handle: st.Handle})
	if err := r.pub.Publish(ctx, env); err != nil {
		r.log.Warnw("voice cleanup broadcast", "room_id", st.RoomID, "err", err)
	}
	if _, err := r.store.RemoveVoicePeer(ctx, st.RoomID, st.Handle); err != nil {
		r.log.Warnw("voice cleanup remove", "room_id", st.RoomID, "handle", st.Handle, "err", err)
	}
	st.InVoice = false
}

// Signal relays an opaque offer/answer/candidate to one peer. Both ends must
// be in the caller's room voice roster. The body is forwarded untouched.
func (r *Relay) Signal(ctx context.Context, st *session.State, payload protocol.VoiceSignalPayload) error {
	if !st.InRoom() {
		return protocol.E(protocol.CodeNotInRoom, "join a room first")
	}
	if !st.InVoice {
		return protocol.E(protocol.CodeNotInVoice, "join voice first")
	}
	switch payload.Signal.Type {
	case protocol.SignalOffer, protocol.SignalAnswer, protocol.SignalICECandidate:
	default:
		return protocol.E(protocol.CodeInvalidSignal, "unknown signal type")
	}
	if payload.TargetID == "" || payload.TargetID == st.Handle {
		return protocol.E(protocol.CodeInvalidSignal, "invalid signal target")
	}

	targetPeer, err := r.store.GetVoicePeer(ctx, st.RoomID, payload.TargetID)
	if err != nil {
		return err
	}
	if targetPeer == nil {
		return protocol.E(protocol.CodeNotInVoice, "target is not in voice")
	}
	target, err := r.store.GetParticipant(ctx, st.RoomID, payload.TargetID)
	if err != nil {
		return err
	}
	if target == nil {
		return protocol.E(protocol.CodeNotInVoice, "target left the room")
	}

	delivery := protocol.VoiceSignalDelivery{FromID: st.Handle, Signal: payload.Signal}
	f := protocol.NewFrame(protocol.EventVoiceSignal, delivery)
	env := bus.Envelope{
		Kind:           bus.KindVoice,
		RoomID:         st.RoomID,
		TargetInstance: target.InstanceID,
		TargetSocket:   target.SocketID,
		Event:          f.Event,
		Data:           f.Data,
	}
	r.log.Debugw("signal relayed", "room_id", st.RoomID, "from", st.Handle,
		"to", payload.TargetID, "type", payload.Signal.Type)
	return r.pub.Publish(ctx, env)
}

// Speaking updates the caller's speaking flag and broadcasts it to the room,
// sender included. Failures are silent: the event is non-critical.
func (r *Relay) Speaking(ctx context.Context, st *session.State, isSpeaking bool) {
	if !st.InRoom() || !st.InVoice {
		return
	}
	if err := r.store.SetVoiceSpeaking(ctx, st.RoomID, st.Handle, isSpeaking); err != nil {
		r.log.Debugw("speaking update", "room_id", st.RoomID, "handle", st.Handle, "err", err)
		return
	}
	env := bus.NewEventEnvelope(st.RoomID, protocol.EventVoiceSpeaking, protocol.VoiceSpeakingPayload{
		Handle:     st.Handle,
		IsSpeaking: isSpeaking,
	})
	if err := r.pub.Publish(ctx, env); err != nil {
		r.log.Debugw("speaking broadcast", "room_id", st.RoomID, "err", err)
	}
}
