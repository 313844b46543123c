// Package playback holds per-room authority over the playback snapshot.
// Mutations are linearized by the sequence-guarded swap in the state store;
// a lost race is retried with a refreshed snapshot a bounded number of times.
package playback

import (
	"context"
	"errors"
	"fmt"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"syncwatch/server/internal/bus"
	"syncwatch/server/internal/clock"
	"syncwatch/server/internal/protocol"
	"syncwatch/server/internal/state"
)

// casAttempts bounds how many swaps a mutation tries in all (the first try
// included) before giving up with CONFLICT_EXCEEDED.
const casAttempts = 3

// anchorWindowMS bounds how far a client-supplied anchor time may deviate
// from the server clock. Values outside are clamped to the nearest edge.
const anchorWindowMS = 5000

// errConflict marks a lost swap inside the retry loop.
var errConflict = errors.New("snapshot sequence conflict")

// Publisher is the slice of the event bus the engine needs.
type Publisher interface {
	Publish(ctx context.Context, env bus.Envelope) error
}

// Engine mutates room playback snapshots and broadcasts the resulting
// commands.
type Engine struct {
	store *state.Store
	pub   Publisher
	clk   clock.Clock
	log   *zap.SugaredLogger

	rateMin float64
	rateMax float64

	// onConflict fires once per exhausted retry loop; wired to metrics.
	onConflict func(roomID string)
}

// New returns an Engine bound to the store and bus.
func New(store *state.Store, pub Publisher, clk clock.Clock, rateMin, rateMax float64, log *zap.SugaredLogger) *Engine {
	return &Engine{
		store:   store,
		pub:     pub,
		clk:     clk,
		log:     log.Named("playback"),
		rateMin: rateMin,
		rateMax: rateMax,
	}
}

// SetOnConflict registers the exhausted-retry callback.
func (e *Engine) SetOnConflict(fn func(roomID string)) {
	e.onConflict = fn
}

// MediaTimeAt derives the media position of snap at wall-clock time tMS.
// A paused snapshot is position-stable; a playing one advances at the
// playback rate from its anchor pair.
func MediaTimeAt(snap protocol.Snapshot, tMS int64) int64 {
	if !snap.IsPlaying {
		return snap.AnchorMediaTimeMS
	}
	pos := snap.AnchorMediaTimeMS + int64(float64(tMS-snap.AnchorServerTimeMS)*snap.PlaybackRate)
	if pos < 0 {
		return 0
	}
	return pos
}

// clampAnchor resolves an optional client-supplied anchor time against the
// server clock, bounding it to the accepted window.
func (e *Engine) clampAnchor(at *int64) int64 {
	now := e.clk.NowMS()
	if at == nil {
		return now
	}
	t := *at
	if t < now-anchorWindowMS {
		return now - anchorWindowMS
	}
	if t > now+anchorWindowMS {
		return now + anchorWindowMS
	}
	return t
}

// Play starts playback from the current anchor position.
func (e *Engine) Play(ctx context.Context, roomID string, at *int64) (protocol.SyncCommand, error) {
	t := e.clampAnchor(at)
	snap, err := e.mutate(ctx, roomID, func(cur protocol.Snapshot) protocol.Snapshot {
		cur.IsPlaying = true
		cur.AnchorServerTimeMS = t
		return cur
	})
	if err != nil {
		return protocol.SyncCommand{}, err
	}
	return e.broadcast(ctx, roomID, protocol.SyncCommand{
		Type:           protocol.CommandPlay,
		AtServerTime:   t,
		SequenceNumber: snap.SequenceNumber,
	})
}

// Pause freezes playback, folding the elapsed position into the media
// anchor so the position survives any amount of wall time.
func (e *Engine) Pause(ctx context.Context, roomID string, at *int64) (protocol.SyncCommand, error) {
	t := e.clampAnchor(at)
	snap, err := e.mutate(ctx, roomID, func(cur protocol.Snapshot) protocol.Snapshot {
		cur.AnchorMediaTimeMS = MediaTimeAt(cur, t)
		cur.IsPlaying = false
		cur.AnchorServerTimeMS = t
		return cur
	})
	if err != nil {
		return protocol.SyncCommand{}, err
	}
	return e.broadcast(ctx, roomID, protocol.SyncCommand{
		Type:            protocol.CommandPause,
		AtServerTime:    t,
		TargetMediaTime: snap.AnchorMediaTimeMS,
		SequenceNumber:  snap.SequenceNumber,
	})
}

// Seek moves the media anchor to target. Play state is unchanged.
func (e *Engine) Seek(ctx context.Context, roomID string, targetMediaMS int64, at *int64) (protocol.SyncCommand, error) {
	if targetMediaMS < 0 {
		return protocol.SyncCommand{}, protocol.E(protocol.CodeValidationError, "target media time must be >= 0")
	}
	t := e.clampAnchor(at)
	snap, err := e.mutate(ctx, roomID, func(cur protocol.Snapshot) protocol.Snapshot {
		cur.AnchorMediaTimeMS = targetMediaMS
		cur.AnchorServerTimeMS = t
		return cur
	})
	if err != nil {
		return protocol.SyncCommand{}, err
	}
	return e.broadcast(ctx, roomID, protocol.SyncCommand{
		Type:            protocol.CommandSeek,
		AtServerTime:    t,
		TargetMediaTime: targetMediaMS,
		SequenceNumber:  snap.SequenceNumber,
	})
}

// SetRate changes the playback rate, recomputing the position first so the
// new rate never applies retroactively.
func (e *Engine) SetRate(ctx context.Context, roomID string, rate float64, at *int64) (protocol.SyncCommand, error) {
	if rate < e.rateMin || rate > e.rateMax {
		return protocol.SyncCommand{}, protocol.E(protocol.CodeValidationError,
			fmt.Sprintf("rate must be within [%.2f, %.2f]", e.rateMin, e.rateMax))
	}
	t := e.clampAnchor(at)
	snap, err := e.mutate(ctx, roomID, func(cur protocol.Snapshot) protocol.Snapshot {
		cur.AnchorMediaTimeMS = MediaTimeAt(cur, t)
		cur.AnchorServerTimeMS = t
		cur.PlaybackRate = rate
		return cur
	})
	if err != nil {
		return protocol.SyncCommand{}, err
	}
	return e.broadcast(ctx, roomID, protocol.SyncCommand{
		Type:           protocol.CommandSetRate,
		AtServerTime:   t,
		PlaybackRate:   rate,
		SequenceNumber: snap.SequenceNumber,
	})
}

// Resync returns the current snapshot for the caller only. Never mutates or
// broadcasts; nil means no media has been selected yet.
func (e *Engine) Resync(ctx context.Context, roomID string) (*protocol.Snapshot, error) {
	return e.store.GetSnapshot(ctx, roomID)
}

// SetInitialSnapshot installs the first snapshot for a room on behalf of the
// external source-selection path.
func (e *Engine) SetInitialSnapshot(ctx context.Context, roomID string, snap protocol.Snapshot) error {
	return e.store.SetSnapshot(ctx, roomID, snap)
}

// mutate runs one sequenced snapshot transition: load, transform, swap.
// A lost swap reloads and tries again, up to casAttempts tries in all.
func (e *Engine) mutate(ctx context.Context, roomID string, apply func(protocol.Snapshot) protocol.Snapshot) (protocol.Snapshot, error) {
	var out protocol.Snapshot

	err := retry.Do(func() error {
		cur, err := e.store.GetSnapshot(ctx, roomID)
		if err != nil {
			return err
		}
		if cur == nil {
			return protocol.E(protocol.CodeInternalError, "no playback state for room")
		}

		seq, err := e.store.IncrementSequence(ctx, roomID)
		if err != nil {
			return err
		}

		next := apply(*cur)
		next.SequenceNumber = seq
		ok, err := e.store.UpdateSnapshot(ctx, roomID, next)
		if err != nil {
			return err
		}
		if !ok {
			return errConflict
		}
		out = next
		return nil
	},
		retry.Attempts(casAttempts),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errConflict) }),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if errors.Is(err, errConflict) {
		if e.onConflict != nil {
			e.onConflict(roomID)
		}
		e.log.Warnw("sequence swap lost after retries", "room_id", roomID)
		return protocol.Snapshot{}, protocol.E(protocol.CodeConflictExceeded, "playback update conflict")
	}
	if err != nil {
		return protocol.Snapshot{}, err
	}
	return out, nil
}

// broadcast publishes the accepted command on the room channel. A bus
// failure degrades to single-instance delivery handled by the caller's
// resilient publisher, so errors here only log.
func (e *Engine) broadcast(ctx context.Context, roomID string, cmd protocol.SyncCommand) (protocol.SyncCommand, error) {
	f := protocol.NewFrame(protocol.EventSyncCommand, cmd)
	env := bus.Envelope{Kind: bus.KindCommand, RoomID: roomID, Event: f.Event, Data: f.Data}
	if err := e.pub.Publish(ctx, env); err != nil {
		e.log.Warnw("command publish", "room_id", roomID, "type", cmd.Type, "err", err)
	}
	return cmd, nil
}
