// Package chat accepts room chat, applies per-sender sliding-window limits
// and moderation state, and emits system notices.
package chat

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"syncwatch/server/internal/bus"
	"syncwatch/server/internal/clock"
	"syncwatch/server/internal/protocol"
	"syncwatch/server/internal/session"
	"syncwatch/server/internal/state"
)

// maxContentLength caps a chat message body.
const maxContentLength = 1000

// System notice kinds.
const (
	NoticeJoin  = "join"
	NoticeLeave = "leave"
	NoticePlay  = "play"
	NoticePause = "pause"
	NoticeSeek  = "seek"
)

// Archiver persists chat history. External collaborator; failures must not
// reject the message.
type Archiver interface {
	InsertMessage(ctx context.Context, roomID string, p protocol.ChatPayload) error
}

// Publisher is the slice of the event bus the pipeline needs.
type Publisher interface {
	Publish(ctx context.Context, env bus.Envelope) error
}

// Pipeline handles chat traffic for all rooms.
type Pipeline struct {
	store    *state.Store
	archiver Archiver
	pub      Publisher
	clk      clock.Clock
	log      *zap.SugaredLogger

	window    func() (maxPerWindow int, windowMS int64)
	onMessage func(roomID string) // analytics hook, non-blocking
}

// New returns a Pipeline. maxPerWindow messages per windowMS milliseconds is
// the per-sender cap.
func New(store *state.Store, archiver Archiver, pub Publisher, clk clock.Clock, maxPerWindow int, windowMS int64, log *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		store:    store,
		archiver: archiver,
		pub:      pub,
		clk:      clk,
		log:      log.Named("chat"),
		window:   func() (int, int64) { return maxPerWindow, windowMS },
	}
}

// SetOnMessage registers the analytics hook. Invoked in a goroutine so a
// slow sink never blocks the send path.
func (p *Pipeline) SetOnMessage(fn func(roomID string)) {
	p.onMessage = fn
}

// Result reports how a message was disposed of.
type Result struct {
	// Payload is the stamped broadcast body.
	Payload protocol.ChatPayload
	// EchoOnly is set for shadow-muted senders: deliver the payload back to
	// the sender alone and drop it otherwise.
	EchoOnly bool
}

// Message validates, rate-limits, persists, and broadcasts one chat message.
func (p *Pipeline) Message(ctx context.Context, st *session.State, content string) (*Result, error) {
	if !st.InRoom() {
		return nil, protocol.E(protocol.CodeNotInRoom, "join a room first")
	}
	if st.Role == protocol.RoleGuest {
		return nil, protocol.E(protocol.CodeGuestCannotChat, "guests cannot chat")
	}
	content = strings.TrimSpace(content)
	if content == "" || len(content) > maxContentLength {
		return nil, protocol.E(protocol.CodeValidationError, "content must be 1-1000 characters")
	}

	if st.UserID != "" {
		muted, err := p.store.IsMuted(ctx, st.RoomID, st.UserID)
		if err != nil {
			return nil, err
		}
		if muted {
			return nil, protocol.E(protocol.CodeForbidden, "you are muted in this room")
		}
	}

	maxPerWindow, windowMS := p.window()
	now := p.clk.NowMS()
	n, err := p.store.ChatWindowCount(ctx, st.RoomID, st.Handle, now, time.Duration(windowMS)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	if n > maxPerWindow {
		return nil, protocol.E(protocol.CodeRateLimitExceeded, "too many chat messages")
	}

	out := protocol.ChatPayload{
		Content:     content,
		Handle:      st.Handle,
		DisplayName: st.DisplayName,
		TimestampMS: now,
	}

	if p.archiver != nil {
		if err := p.archiver.InsertMessage(ctx, st.RoomID, out); err != nil {
			p.log.Warnw("chat persist", "room_id", st.RoomID, "err", err)
		}
	}
	if p.onMessage != nil {
		go p.onMessage(st.RoomID)
	}

	if st.UserID != "" {
		shadow, err := p.store.IsShadowMuted(ctx, st.RoomID, st.UserID)
		if err != nil {
			p.log.Warnw("shadow mute check", "room_id", st.RoomID, "err", err)
		} else if shadow {
			return &Result{Payload: out, EchoOnly: true}, nil
		}
	}

	env := bus.NewEventEnvelope(st.RoomID, protocol.EventChatMessage, out)
	if err := p.pub.Publish(ctx, env); err != nil {
		p.log.Warnw("chat broadcast", "room_id", st.RoomID, "err", err)
	}
	return &Result{Payload: out}, nil
}

// Notice emits an advisory system event onto the room channel. Never rate
// limited; failures only log.
func (p *Pipeline) Notice(ctx context.Context, roomID, kind, handle string) {
	env := bus.NewEventEnvelope(roomID, protocol.EventRoomSystem, protocol.SystemNotice{
		Kind:        kind,
		Handle:      handle,
		TimestampMS: p.clk.NowMS(),
	})
	if err := p.pub.Publish(ctx, env); err != nil {
		p.log.Debugw("system notice", "room_id", roomID, "kind", kind, "err", err)
	}
}
