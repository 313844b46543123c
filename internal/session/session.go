// Package session owns membership: join admission, roles and control
// rights, leave/disconnect cleanup, and the per-connection state record.
package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"syncwatch/server/internal/bus"
	"syncwatch/server/internal/clock"
	"syncwatch/server/internal/handle"
	"syncwatch/server/internal/protocol"
	"syncwatch/server/internal/state"
)

// handleAttempts bounds regeneration when a fresh participant handle
// collides inside the room. Collisions at 10 characters are vanishingly
// rare; the bound exists so a broken RNG cannot loop forever.
const handleAttempts = 5

// Room is the directory record the engine consumes read-mostly. Timestamps
// are Unix milliseconds; ExpiresAtMS zero means no expiry.
type Room struct {
	ID              string
	Code            string
	Name            string
	Capacity        int
	PasswordHash    string
	PlaybackControl string
	OwnerID         string
	CreatedAtMS     int64
	ExpiresAtMS     int64
}

// Directory is the external room CRUD collaborator.
type Directory interface {
	// GetRoomByCode returns the room, or nil when no such code exists.
	GetRoomByCode(ctx context.Context, code string) (*Room, error)
	// VerifyRoomPassword checks password against the stored hash.
	VerifyRoomPassword(hash, password string) bool
	// InsertParticipant persists a membership row.
	InsertParticipant(ctx context.Context, roomID string, p protocol.Participant) error
	// DeleteParticipant removes a membership row. Idempotent.
	DeleteParticipant(ctx context.Context, roomID, participantHandle string) error
}

// Publisher is the slice of the event bus the engine needs.
type Publisher interface {
	Publish(ctx context.Context, env bus.Envelope) error
	InstanceID() string
}

// State is the per-connection record. It is only ever touched from its
// connection's event loop, so it carries no lock.
type State struct {
	SocketID  string
	UserID    string
	SessionID string
	IsGuest   bool

	RoomID      string
	RoomCode    string
	Handle      string
	DisplayName string
	Role        string
	CanControl  bool
	Policy      string
	InVoice     bool
}

// InRoom reports whether the connection holds a membership.
func (s *State) InRoom() bool {
	return s.RoomID != ""
}

// clearRoom resets membership fields after leave/kick/disconnect.
func (s *State) clearRoom() {
	s.RoomID = ""
	s.RoomCode = ""
	s.Handle = ""
	s.Role = ""
	s.CanControl = false
	s.Policy = ""
	s.InVoice = false
}

// Engine implements the membership state machine.
type Engine struct {
	store     *state.Store
	directory Directory
	pub       Publisher
	clk       clock.Clock
	log       *zap.SugaredLogger

	rateLimitPerSec int

	// onAudit fires for security-relevant actions (kicks, admission
	// failures worth recording). Must never block or fail the caller.
	onAudit func(action, roomID, actor, target, details string)
}

// New returns a session engine.
func New(store *state.Store, dir Directory, pub Publisher, clk clock.Clock, rateLimitPerSec int, log *zap.SugaredLogger) *Engine {
	return &Engine{
		store:           store,
		directory:       dir,
		pub:             pub,
		clk:             clk,
		log:             log.Named("session"),
		rateLimitPerSec: rateLimitPerSec,
	}
}

// SetOnAudit registers the audit sink callback.
func (e *Engine) SetOnAudit(fn func(action, roomID, actor, target, details string)) {
	e.onAudit = fn
}

func (e *Engine) audit(action, roomID, actor, target, details string) {
	if e.onAudit != nil {
		e.onAudit(action, roomID, actor, target, details)
	}
}

// JoinResult is the successful-join reply material.
type JoinResult struct {
	Room         Room
	Participants []protocol.Participant
	Playback     *protocol.Snapshot
	Participant  protocol.Participant
}

// Join runs the admission algorithm. On success the state record carries the
// membership and the caller must route the connection into the room's
// delivery group before replying.
func (e *Engine) Join(ctx context.Context, st *State, req protocol.JoinRequest) (*JoinResult, error) {
	if st.InRoom() {
		return nil, protocol.E(protocol.CodeAlreadyInRoom, "already joined a room")
	}

	code := strings.ToUpper(strings.TrimSpace(req.RoomCode))
	if code == "" {
		return nil, protocol.E(protocol.CodeValidationError, "room_code is required")
	}

	room, err := e.directory.GetRoomByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("room lookup: %w", err)
	}
	if room == nil || (room.ExpiresAtMS > 0 && e.clk.NowMS() > room.ExpiresAtMS) {
		return nil, protocol.E(protocol.CodeRoomNotFound, "room not found")
	}

	if room.PasswordHash != "" && !e.directory.VerifyRoomPassword(room.PasswordHash, req.Password) {
		e.audit("join_rejected", room.ID, st.identity(), "", "bad password")
		return nil, protocol.E(protocol.CodeInvalidPassword, "invalid room password")
	}

	role, displayName, err := e.decideRole(room, st, req)
	if err != nil {
		return nil, err
	}

	existing, err := e.store.ListParticipants(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	if st.UserID != "" {
		if _, dup := lo.Find(existing, func(p protocol.Participant) bool { return p.UserID == st.UserID }); dup {
			return nil, protocol.E(protocol.CodeAlreadyInRoom, "user already joined this room")
		}
	}
	p := protocol.Participant{
		UserID:      st.UserID,
		DisplayName: displayName,
		Role:        role,
		CanControl:  role == protocol.RoleOwner || room.PlaybackControl == protocol.ControlAll,
		JoinedAtMS:  e.clk.NowMS(),
		SocketID:    st.SocketID,
		InstanceID:  e.pub.InstanceID(),
	}

	// Admission and the capacity check are one atomic store operation, so
	// two racing joins cannot both land in the last slot.
	for attempt := 0; ; attempt++ {
		p.Handle, err = handle.New()
		if err != nil {
			return nil, err
		}
		added, full, err := e.store.AddParticipantCapped(ctx, room.ID, p, room.Capacity)
		if err != nil {
			return nil, err
		}
		if full {
			return nil, protocol.E(protocol.CodeRoomFull, "room is at capacity")
		}
		if added {
			break
		}
		if attempt+1 >= handleAttempts {
			return nil, fmt.Errorf("exhausted participant handle attempts for room %s", room.ID)
		}
	}

	if err := e.directory.InsertParticipant(ctx, room.ID, p); err != nil {
		e.log.Warnw("participant row insert", "room_id", room.ID, "handle", p.Handle, "err", err)
	}
	if err := e.store.AddOnlineSocket(ctx, room.ID, st.SocketID); err != nil {
		e.log.Warnw("online add", "room_id", room.ID, "socket_id", st.SocketID, "err", err)
	}

	st.RoomID = room.ID
	st.RoomCode = room.Code
	st.Handle = p.Handle
	st.DisplayName = displayName
	st.Role = role
	st.CanControl = p.CanControl
	st.Policy = room.PlaybackControl

	playback, err := e.store.GetSnapshot(ctx, room.ID)
	if err != nil {
		e.log.Warnw("snapshot read on join", "room_id", room.ID, "err", err)
		playback = nil
	}
	participants, err := e.store.ListParticipants(ctx, room.ID)
	if err != nil {
		participants = []protocol.Participant{p}
	}

	e.log.Infow("participant joined", "room_id", room.ID, "handle", p.Handle,
		"role", role, "guest", st.IsGuest, "total", len(participants))

	env := bus.NewEventEnvelope(room.ID, protocol.EventParticipantJoined, publicView(p))
	env.ExcludeSocket = st.SocketID
	if err := e.pub.Publish(ctx, env); err != nil {
		e.log.Warnw("join broadcast", "room_id", room.ID, "err", err)
	}

	return &JoinResult{
		Room:         *room,
		Participants: lo.Map(participants, func(p protocol.Participant, _ int) protocol.Participant { return publicView(p) }),
		Playback:     playback,
		Participant:  p,
	}, nil
}

// decideRole resolves the caller's role and display name.
func (e *Engine) decideRole(room *Room, st *State, req protocol.JoinRequest) (role, displayName string, err error) {
	name := strings.TrimSpace(req.GuestName)
	switch {
	case st.UserID != "" && st.UserID == room.OwnerID:
		role = protocol.RoleOwner
	case st.IsGuest:
		if name == "" {
			return "", "", protocol.E(protocol.CodeValidationError, "guest_name is required for guests")
		}
		role = protocol.RoleGuest
	default:
		role = protocol.RoleParticipant
	}
	if name == "" {
		// Authenticated callers may omit a name; the account id stands in
		// until the profile service supplies one.
		name = "user-" + shortID(st.UserID)
	}
	if len(name) > 50 {
		return "", "", protocol.E(protocol.CodeValidationError, "display name too long")
	}
	return role, name, nil
}

// Leave removes the membership. Fully idempotent: a second disconnect signal
// is a no-op. Voice cleanup is the caller's responsibility and must happen
// before Leave so the departure broadcast ordering holds.
func (e *Engine) Leave(ctx context.Context, st *State) (*protocol.Participant, error) {
	if !st.InRoom() {
		return nil, nil
	}
	roomID, h := st.RoomID, st.Handle
	left := protocol.Participant{
		Handle:      h,
		UserID:      st.UserID,
		DisplayName: st.DisplayName,
		Role:        st.Role,
	}

	if err := e.store.RemoveOnlineSocket(ctx, roomID, st.SocketID); err != nil {
		e.log.Warnw("online remove", "room_id", roomID, "socket_id", st.SocketID, "err", err)
	}
	if err := e.store.RemoveParticipant(ctx, roomID, h); err != nil {
		e.log.Warnw("participant remove", "room_id", roomID, "handle", h, "err", err)
	}
	if err := e.directory.DeleteParticipant(ctx, roomID, h); err != nil {
		e.log.Warnw("participant row delete", "room_id", roomID, "handle", h, "err", err)
	}
	st.clearRoom()

	e.log.Infow("participant left", "room_id", roomID, "handle", h)

	env := bus.NewEventEnvelope(roomID, protocol.EventParticipantLeft, protocol.ParticipantEvent{Handle: h})
	if err := e.pub.Publish(ctx, env); err != nil {
		e.log.Warnw("leave broadcast", "room_id", roomID, "err", err)
	}
	return &left, nil
}

// CanControlPlayback applies the policy table:
//
//	owner_only → owner
//	all        → owner, participant (not guest)
//	selected   → owner, anyone flagged can_control
func (e *Engine) CanControlPlayback(st *State) bool {
	switch st.Policy {
	case protocol.ControlOwnerOnly:
		return st.Role == protocol.RoleOwner
	case protocol.ControlAll:
		return st.Role == protocol.RoleOwner || st.Role == protocol.RoleParticipant
	case protocol.ControlSelected:
		return st.Role == protocol.RoleOwner || st.CanControl
	default:
		return false
	}
}

// RateLimitPlayback enforces the per-sender command cap. Over-limit reports
// RATE_LIMIT_EXCEEDED without disconnecting.
func (e *Engine) RateLimitPlayback(ctx context.Context, st *State) error {
	n, err := e.store.IncrPlaybackRate(ctx, st.RoomID, st.Handle)
	if err != nil {
		return err
	}
	if n > e.rateLimitPerSec {
		return protocol.E(protocol.CodeRateLimitExceeded, "too many playback commands")
	}
	return nil
}

// Kick expels targetHandle from the caller's room. Owner only. The kicked
// connection's gateway performs the actual leave when the targeted event
// arrives.
func (e *Engine) Kick(ctx context.Context, st *State, targetHandle string) error {
	if !st.InRoom() {
		return protocol.E(protocol.CodeNotInRoom, "join a room first")
	}
	if st.Role != protocol.RoleOwner {
		return protocol.E(protocol.CodeForbidden, "only the owner can kick")
	}
	if targetHandle == "" || targetHandle == st.Handle {
		return protocol.E(protocol.CodeValidationError, "invalid kick target")
	}
	target, err := e.store.GetParticipant(ctx, st.RoomID, targetHandle)
	if err != nil {
		return err
	}
	if target == nil {
		return protocol.E(protocol.CodeValidationError, "no such participant")
	}

	e.audit("kick", st.RoomID, st.identity(), targetHandle, "")

	env := bus.NewEventEnvelope(st.RoomID, protocol.EventRoomKicked, protocol.ParticipantEvent{Handle: targetHandle})
	env.TargetInstance = target.InstanceID
	env.TargetSocket = target.SocketID
	return e.pub.Publish(ctx, env)
}

// identity labels the caller for audit rows.
func (s *State) identity() string {
	if s.UserID != "" {
		return s.UserID
	}
	return "guest:" + s.SessionID
}

// publicView strips engine-internal routing fields before a participant
// record goes to clients.
func publicView(p protocol.Participant) protocol.Participant {
	p.SocketID = ""
	p.InstanceID = ""
	return p
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
