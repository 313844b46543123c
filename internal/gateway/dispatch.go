package gateway

import (
	"context"
	"encoding/json"
	"runtime/debug"

	"syncwatch/server/internal/bus"
	"syncwatch/server/internal/chat"
	"syncwatch/server/internal/protocol"
)

// dispatch routes one inbound frame. Events on a single connection are
// processed in arrival order; a panic in a handler closes only this
// connection.
func (g *Gateway) dispatch(ctx context.Context, cn *conn, f protocol.Frame) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Errorw("handler panic, closing connection",
				"socket_id", cn.id, "event", f.Event, "panic", r, "stack", string(debug.Stack()))
			cn.cancel()
		}
	}()

	g.met.EventsTotal.WithLabelValues(f.Event).Inc()

	switch f.Event {
	case protocol.EventTimePing:
		var ping protocol.TimePing
		_ = json.Unmarshal(f.Data, &ping)
		g.trySend(cn, protocol.NewFrame(protocol.EventTimePong, protocol.TimePong{
			ClientTime: ping.ClientTime,
			ServerTime: g.clk.NowMS(),
		}))

	case protocol.EventRoomJoin:
		g.handleJoin(ctx, cn, f.Data)

	case protocol.EventRoomLeave:
		g.handleLeave(ctx, cn)

	case protocol.EventRoomKick:
		var req protocol.KickPayload
		_ = json.Unmarshal(f.Data, &req)
		if err := g.sessions.Kick(ctx, cn.st, req.TargetID); err != nil {
			g.replyError(cn, protocol.EventRoomError, err)
		}

	case protocol.EventChatMessage:
		g.handleChat(ctx, cn, f.Data)

	case protocol.EventSyncPlay, protocol.EventSyncPause, protocol.EventSyncSeek, protocol.EventSyncRate:
		g.handleSyncCommand(ctx, cn, f.Event, f.Data)

	case protocol.EventSyncResync:
		if !cn.st.InRoom() {
			g.replyError(cn, protocol.EventSyncError, protocol.E(protocol.CodeNotInRoom, "join a room first"))
			return
		}
		snap, err := g.playback.Resync(ctx, cn.st.RoomID)
		if err != nil {
			g.replyError(cn, protocol.EventSyncError, err)
			return
		}
		g.trySend(cn, protocol.NewFrame(protocol.EventSyncState, map[string]*protocol.Snapshot{"state": snap}))

	case protocol.EventReadyInitiate:
		g.handleReadyInitiate(ctx, cn)

	case protocol.EventReadyRespond:
		g.handleReadyRespond(ctx, cn, f.Data)

	case protocol.EventVoiceJoin:
		peers, err := g.voice.Join(ctx, cn.st)
		if err != nil {
			g.replyError(cn, protocol.EventVoiceError, err)
			return
		}
		if peers == nil {
			peers = []protocol.VoicePeer{}
		}
		g.trySend(cn, protocol.NewFrame(protocol.EventVoicePeers, protocol.VoicePeersPayload{Peers: peers}))

	case protocol.EventVoiceLeave:
		if err := g.voice.Leave(ctx, cn.st); err != nil {
			g.replyError(cn, protocol.EventVoiceError, err)
		}

	case protocol.EventVoiceSignal:
		var req protocol.VoiceSignalPayload
		_ = json.Unmarshal(f.Data, &req)
		if err := g.voice.Signal(ctx, cn.st, req); err != nil {
			g.replyError(cn, protocol.EventVoiceError, err)
		}

	case protocol.EventVoiceSpeaking:
		var req protocol.VoiceSpeakingPayload
		_ = json.Unmarshal(f.Data, &req)
		g.voice.Speaking(ctx, cn.st, req.IsSpeaking)

	default:
		g.replyError(cn, protocol.EventRoomError,
			protocol.E(protocol.CodeValidationError, "unsupported event"))
	}
}

func (g *Gateway) handleJoin(ctx context.Context, cn *conn, data json.RawMessage) {
	var req protocol.JoinRequest
	if err := json.Unmarshal(data, &req); err != nil {
		g.replyError(cn, protocol.EventRoomError, protocol.E(protocol.CodeValidationError, "malformed join payload"))
		return
	}

	res, err := g.sessions.Join(ctx, cn.st, req)
	if err != nil {
		g.replyError(cn, protocol.EventRoomError, err)
		return
	}

	// Route into the delivery group before replying so no broadcast sent
	// after the join can be missed.
	g.joinRoomGroup(ctx, res.Room.ID, cn)

	g.trySend(cn, protocol.NewFrame(protocol.EventRoomState, protocol.RoomState{
		Room: protocol.RoomInfo{
			Code:            res.Room.Code,
			Name:            res.Room.Name,
			Capacity:        res.Room.Capacity,
			PlaybackControl: res.Room.PlaybackControl,
			OwnerID:         res.Room.OwnerID,
		},
		Participants: res.Participants,
		Playback:     res.Playback,
		SelfHandle:   res.Participant.Handle,
	}))
	g.chat.Notice(ctx, res.Room.ID, chat.NoticeJoin, res.Participant.Handle)
}

func (g *Gateway) handleLeave(ctx context.Context, cn *conn) {
	if !cn.st.InRoom() {
		g.replyError(cn, protocol.EventRoomError, protocol.E(protocol.CodeNotInRoom, "not in a room"))
		return
	}
	roomID, h := cn.st.RoomID, cn.st.Handle
	g.voice.CleanupOnDisconnect(ctx, cn.st)
	if _, err := g.sessions.Leave(ctx, cn.st); err != nil {
		g.replyError(cn, protocol.EventRoomError, err)
		return
	}
	g.chat.Notice(ctx, roomID, chat.NoticeLeave, h)
	g.dropFromRoom(ctx, roomID, cn)
}

func (g *Gateway) handleChat(ctx context.Context, cn *conn, data json.RawMessage) {
	var req protocol.ChatPayload
	_ = json.Unmarshal(data, &req)
	res, err := g.chat.Message(ctx, cn.st, req.Content)
	if err != nil {
		g.replyError(cn, protocol.EventChatError, err)
		return
	}
	if res.EchoOnly {
		g.trySend(cn, protocol.NewFrame(protocol.EventChatMessage, res.Payload))
	}
}

// handleSyncCommand gates a playback mutation (membership, permission, rate
// limit) and hands it to the engine.
func (g *Gateway) handleSyncCommand(ctx context.Context, cn *conn, event string, data json.RawMessage) {
	if !cn.st.InRoom() {
		g.replyError(cn, protocol.EventSyncError, protocol.E(protocol.CodeNotInRoom, "join a room first"))
		return
	}
	if !g.sessions.CanControlPlayback(cn.st) {
		g.replyError(cn, protocol.EventSyncError, protocol.E(protocol.CodeForbidden, "no playback control in this room"))
		return
	}
	if err := g.sessions.RateLimitPlayback(ctx, cn.st); err != nil {
		g.replyError(cn, protocol.EventSyncError, err)
		return
	}

	var req protocol.SyncRequest
	if err := json.Unmarshal(data, &req); err != nil {
		g.replyError(cn, protocol.EventSyncError, protocol.E(protocol.CodeValidationError, "malformed sync payload"))
		return
	}

	roomID := cn.st.RoomID
	var err error
	switch event {
	case protocol.EventSyncPlay:
		_, err = g.playback.Play(ctx, roomID, req.AtServerTime)
		if err == nil {
			g.chat.Notice(ctx, roomID, chat.NoticePlay, cn.st.Handle)
		}
	case protocol.EventSyncPause:
		_, err = g.playback.Pause(ctx, roomID, req.AtServerTime)
		if err == nil {
			g.chat.Notice(ctx, roomID, chat.NoticePause, cn.st.Handle)
		}
	case protocol.EventSyncSeek:
		if req.TargetMediaTime == nil {
			err = protocol.E(protocol.CodeValidationError, "target_media_time is required")
		} else {
			_, err = g.playback.Seek(ctx, roomID, *req.TargetMediaTime, req.AtServerTime)
			if err == nil {
				g.chat.Notice(ctx, roomID, chat.NoticeSeek, cn.st.Handle)
			}
		}
	case protocol.EventSyncRate:
		if req.Rate == nil {
			err = protocol.E(protocol.CodeValidationError, "rate is required")
		} else {
			_, err = g.playback.SetRate(ctx, roomID, *req.Rate, req.AtServerTime)
		}
	}
	if err != nil {
		g.replyError(cn, protocol.EventSyncError, err)
	}
}

func (g *Gateway) handleReadyInitiate(ctx context.Context, cn *conn) {
	if !cn.st.InRoom() {
		g.replyError(cn, protocol.EventRoomError, protocol.E(protocol.CodeNotInRoom, "join a room first"))
		return
	}
	if !g.sessions.CanControlPlayback(cn.st) {
		g.replyError(cn, protocol.EventRoomError, protocol.E(protocol.CodeForbidden, "no playback control in this room"))
		return
	}
	env := bus.NewEventEnvelope(cn.st.RoomID, protocol.EventReadyPrompt, protocol.ParticipantEvent{Handle: cn.st.Handle})
	_ = g.Publish(ctx, env)
}

func (g *Gateway) handleReadyRespond(ctx context.Context, cn *conn, data json.RawMessage) {
	if !cn.st.InRoom() {
		g.replyError(cn, protocol.EventRoomError, protocol.E(protocol.CodeNotInRoom, "join a room first"))
		return
	}
	var req struct {
		IsReady bool `json:"is_ready"`
	}
	_ = json.Unmarshal(data, &req)
	env := bus.NewEventEnvelope(cn.st.RoomID, protocol.EventReadyUpdate, protocol.ReadyUpdate{
		Handle:  cn.st.Handle,
		IsReady: req.IsReady,
	})
	_ = g.Publish(ctx, env)
}

// replyError maps err onto the wire and reports it to the offending
// connection only. Internal errors are logged with their cause; the wire
// never carries it.
func (g *Gateway) replyError(cn *conn, event string, err error) {
	we, known := protocol.AsError(err)
	if !known {
		g.log.Errorw("internal error", "socket_id", cn.id, "event", event, "err", err)
	}
	g.met.ErrorsTotal.WithLabelValues(we.Code).Inc()
	g.trySend(cn, protocol.NewFrame(event, we))
}
