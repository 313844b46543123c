// Package state is the typed wrapper over the shared key/value store. It
// owns every persisted room-scoped key, validates payloads on both write and
// read, and performs the sequence-guarded snapshot swap that linearizes
// playback mutations across instances.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"syncwatch/server/internal/protocol"
)

// ErrInvalidState is returned when a stored payload fails validation. A key
// holding garbage is a deployment fault, not a caller error.
var ErrInvalidState = errors.New("invalid stored state")

// opTimeout bounds every call against the backend. Callers treat expiry as a
// transient failure and retry only idempotent operations.
const opTimeout = 2 * time.Second

// updateSnapshotScript performs the sequence-guarded swap: the new snapshot
// is written only when its sequence number is strictly greater than the
// stored one (or no snapshot exists). Runs atomically inside the store.
var updateSnapshotScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local seq = cjson.decode(cur)['sequence_number']
  if tonumber(ARGV[2]) <= tonumber(seq) then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', tonumber(ARGV[3]))
return 1
`)

// addParticipantScript admits a member only while the room has a free slot,
// atomically, so two racing joins cannot both land in the last one.
// Returns 1 added, 0 room full, -1 handle already present.
var addParticipantScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
  return -1
end
if redis.call('HLEN', KEYS[1]) >= tonumber(ARGV[3]) then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[4]))
return 1
`)

// Store exposes room-scoped state operations over a shared backend.
type Store struct {
	rdb      *redis.Client
	prefix   string
	ttl      time.Duration
	log      *zap.SugaredLogger
	validate *validator.Validate

	// onSnapshot, when set, fires after a full snapshot write (SetSnapshot).
	// Wired to the event bus at startup so remote instances observe
	// externally-selected sources.
	onSnapshot func(roomID string, s protocol.Snapshot)
}

// New returns a Store using the given client. prefix scopes every key; ttl is
// the room-state retention applied to all long-lived keys.
func New(rdb *redis.Client, prefix string, ttl time.Duration, log *zap.SugaredLogger) *Store {
	return &Store{
		rdb:      rdb,
		prefix:   prefix,
		ttl:      ttl,
		log:      log.Named("state"),
		validate: validator.New(),
	}
}

// SetOnSnapshot registers the snapshot-write callback. Called once at wiring
// time, before any traffic.
func (s *Store) SetOnSnapshot(fn func(roomID string, snap protocol.Snapshot)) {
	s.onSnapshot = fn
}

// Key layout. Every room-scoped key lives under the configured prefix.
func (s *Store) playbackKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:playback", s.prefix, roomID)
}

func (s *Store) participantsKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:participants", s.prefix, roomID)
}

func (s *Store) onlineKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:online", s.prefix, roomID)
}

func (s *Store) sequenceKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:sequence", s.prefix, roomID)
}

func (s *Store) rateLimitKey(roomID, handle string) string {
	return fmt.Sprintf("%sroom:%s:ratelimit:%s", s.prefix, roomID, handle)
}

func (s *Store) chatLimitKey(roomID, handle string) string {
	return fmt.Sprintf("%sroom:%s:chatlimit:%s", s.prefix, roomID, handle)
}

func (s *Store) voiceKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:voice:participants", s.prefix, roomID)
}

func (s *Store) muteKey(roomID, userID string) string {
	return fmt.Sprintf("%sroom:%s:mute:%s", s.prefix, roomID, userID)
}

func (s *Store) shadowMutedKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:shadow_muted", s.prefix, roomID)
}

// EventsChannel is the pub/sub channel name for a room. Not a stored key.
func (s *Store) EventsChannel(roomID string) string {
	return fmt.Sprintf("%sroom:%s:events", s.prefix, roomID)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

func (s *Store) checkSnapshot(roomID string, snap protocol.Snapshot) error {
	if roomID == "" {
		return fmt.Errorf("%w: empty room id", ErrInvalidState)
	}
	if err := s.validate.Struct(snap); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return nil
}

// GetSnapshot returns the room's playback snapshot, or nil when none exists.
func (s *Store) GetSnapshot(ctx context.Context, roomID string) (*protocol.Snapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw, err := s.rdb.Get(ctx, s.playbackKey(roomID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	var snap protocol.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if err := s.checkSnapshot(roomID, snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SetSnapshot validates and writes snap unconditionally, refreshing the TTL,
// then fires the snapshot callback. Used by the external source-selection
// path; playback mutations go through UpdateSnapshot instead.
func (s *Store) SetSnapshot(ctx context.Context, roomID string, snap protocol.Snapshot) error {
	if err := s.checkSnapshot(roomID, snap); err != nil {
		return err
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Set(ctx, s.playbackKey(roomID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	if s.onSnapshot != nil {
		s.onSnapshot(roomID, snap)
	}
	return nil
}

// UpdateSnapshot writes snap only if its sequence number is strictly greater
// than the stored one. Returns false, without side effects, when the swap
// loses the race.
func (s *Store) UpdateSnapshot(ctx context.Context, roomID string, snap protocol.Snapshot) (bool, error) {
	if err := s.checkSnapshot(roomID, snap); err != nil {
		return false, err
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("marshal snapshot: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := updateSnapshotScript.Run(ctx, s.rdb,
		[]string{s.playbackKey(roomID)},
		string(raw), snap.SequenceNumber, int(s.ttl.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("update snapshot: %w", err)
	}
	return res == 1, nil
}

// IncrementSequence atomically increments the room's sequence counter and
// returns the new value. The TTL is set on first use.
func (s *Store) IncrementSequence(ctx context.Context, roomID string) (uint64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.rdb.Incr(ctx, s.sequenceKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("increment sequence: %w", err)
	}
	if n == 1 {
		if err := s.rdb.Expire(ctx, s.sequenceKey(roomID), s.ttl).Err(); err != nil {
			s.log.Warnw("sequence ttl", "room_id", roomID, "err", err)
		}
	}
	return uint64(n), nil
}

// AddParticipant records p keyed by handle. Adding an existing handle is a
// no-op; the bool reports whether the record was new.
func (s *Store) AddParticipant(ctx context.Context, roomID string, p protocol.Participant) (bool, error) {
	if p.Handle == "" {
		return false, fmt.Errorf("%w: participant without handle", ErrInvalidState)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("marshal participant: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	added, err := s.rdb.HSetNX(ctx, s.participantsKey(roomID), p.Handle, raw).Result()
	if err != nil {
		return false, fmt.Errorf("add participant: %w", err)
	}
	if err := s.rdb.Expire(ctx, s.participantsKey(roomID), s.ttl).Err(); err != nil {
		s.log.Warnw("participants ttl", "room_id", roomID, "err", err)
	}
	return added, nil
}

// AddParticipantCapped admits p only while the room holds fewer than
// capacity members. The check and insert are one atomic step. full reports a
// room at capacity; added=false with full=false means the handle collided.
func (s *Store) AddParticipantCapped(ctx context.Context, roomID string, p protocol.Participant, capacity int) (added, full bool, err error) {
	if p.Handle == "" {
		return false, false, fmt.Errorf("%w: participant without handle", ErrInvalidState)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return false, false, fmt.Errorf("marshal participant: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := addParticipantScript.Run(ctx, s.rdb,
		[]string{s.participantsKey(roomID)},
		p.Handle, string(raw), capacity, int(s.ttl.Seconds()),
	).Int()
	if err != nil {
		return false, false, fmt.Errorf("add participant: %w", err)
	}
	switch res {
	case 1:
		return true, false, nil
	case 0:
		return false, true, nil
	default:
		return false, false, nil
	}
}

// RemoveParticipant deletes the record for handle. Idempotent.
func (s *Store) RemoveParticipant(ctx context.Context, roomID, handle string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.HDel(ctx, s.participantsKey(roomID), handle).Err(); err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	return nil
}

// GetParticipant returns the record for handle, or nil when absent.
func (s *Store) GetParticipant(ctx context.Context, roomID, handle string) (*protocol.Participant, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw, err := s.rdb.HGet(ctx, s.participantsKey(roomID), handle).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get participant: %w", err)
	}
	var p protocol.Participant
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return &p, nil
}

// ListParticipants returns all membership records for the room.
func (s *Store) ListParticipants(ctx context.Context, roomID string) ([]protocol.Participant, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw, err := s.rdb.HGetAll(ctx, s.participantsKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	out := make([]protocol.Participant, 0, len(raw))
	for handle, blob := range raw {
		var p protocol.Participant
		if err := json.Unmarshal([]byte(blob), &p); err != nil {
			return nil, fmt.Errorf("%w: participant %s: %v", ErrInvalidState, handle, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// ParticipantCount returns the number of membership records.
func (s *Store) ParticipantCount(ctx context.Context, roomID string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.rdb.HLen(ctx, s.participantsKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count participants: %w", err)
	}
	return int(n), nil
}

// AddOnlineSocket records a live connection id for the room.
func (s *Store) AddOnlineSocket(ctx context.Context, roomID, socketID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.SAdd(ctx, s.onlineKey(roomID), socketID).Err(); err != nil {
		return fmt.Errorf("add online socket: %w", err)
	}
	if err := s.rdb.Expire(ctx, s.onlineKey(roomID), s.ttl).Err(); err != nil {
		s.log.Warnw("online ttl", "room_id", roomID, "err", err)
	}
	return nil
}

// RemoveOnlineSocket drops a connection id. Idempotent.
func (s *Store) RemoveOnlineSocket(ctx context.Context, roomID, socketID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.SRem(ctx, s.onlineKey(roomID), socketID).Err(); err != nil {
		return fmt.Errorf("remove online socket: %w", err)
	}
	return nil
}

// OnlineCount returns the number of live connections in the room.
func (s *Store) OnlineCount(ctx context.Context, roomID string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.rdb.SCard(ctx, s.onlineKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("online count: %w", err)
	}
	return int(n), nil
}

// IncrPlaybackRate bumps the per-sender playback command counter and returns
// the count within the current one-second window.
func (s *Store) IncrPlaybackRate(ctx context.Context, roomID, handle string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := s.rateLimitKey(roomID, handle)
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit incr: %w", err)
	}
	if n == 1 {
		if err := s.rdb.Expire(ctx, key, time.Second).Err(); err != nil {
			s.log.Warnw("ratelimit ttl", "room_id", roomID, "err", err)
		}
	}
	return int(n), nil
}

// ChatWindowCount records one chat send at nowMS and returns how many sends
// fall inside the sliding window ending now.
func (s *Store) ChatWindowCount(ctx context.Context, roomID, handle string, nowMS int64, window time.Duration) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := s.chatLimitKey(roomID, handle)
	member := fmt.Sprintf("%d-%s", nowMS, uuid.NewString())
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(nowMS), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", nowMS-window.Milliseconds()))
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("chat window: %w", err)
	}
	return int(card.Val()), nil
}

// AddVoicePeer records peer keyed by handle. Returns false when the handle is
// already in the voice subchannel.
func (s *Store) AddVoicePeer(ctx context.Context, roomID string, peer protocol.VoicePeer) (bool, error) {
	raw, err := json.Marshal(peer)
	if err != nil {
		return false, fmt.Errorf("marshal voice peer: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	added, err := s.rdb.HSetNX(ctx, s.voiceKey(roomID), peer.Handle, raw).Result()
	if err != nil {
		return false, fmt.Errorf("add voice peer: %w", err)
	}
	if err := s.rdb.Expire(ctx, s.voiceKey(roomID), s.ttl).Err(); err != nil {
		s.log.Warnw("voice ttl", "room_id", roomID, "err", err)
	}
	return added, nil
}

// RemoveVoicePeer drops handle from the voice subchannel. The bool reports
// whether the peer was present.
func (s *Store) RemoveVoicePeer(ctx context.Context, roomID, handle string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.rdb.HDel(ctx, s.voiceKey(roomID), handle).Result()
	if err != nil {
		return false, fmt.Errorf("remove voice peer: %w", err)
	}
	return n > 0, nil
}

// GetVoicePeer returns the voice record for handle, or nil when not in voice.
func (s *Store) GetVoicePeer(ctx context.Context, roomID, handle string) (*protocol.VoicePeer, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw, err := s.rdb.HGet(ctx, s.voiceKey(roomID), handle).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get voice peer: %w", err)
	}
	var p protocol.VoicePeer
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return &p, nil
}

// ListVoicePeers returns every peer in the room's voice subchannel.
func (s *Store) ListVoicePeers(ctx context.Context, roomID string) ([]protocol.VoicePeer, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw, err := s.rdb.HGetAll(ctx, s.voiceKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list voice peers: %w", err)
	}
	out := make([]protocol.VoicePeer, 0, len(raw))
	for handle, blob := range raw {
		var p protocol.VoicePeer
		if err := json.Unmarshal([]byte(blob), &p); err != nil {
			return nil, fmt.Errorf("%w: voice peer %s: %v", ErrInvalidState, handle, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// SetVoiceSpeaking updates a peer's speaking flag in place. No-op when the
// peer is not in voice.
func (s *Store) SetVoiceSpeaking(ctx context.Context, roomID, handle string, speaking bool) error {
	peer, err := s.GetVoicePeer(ctx, roomID, handle)
	if err != nil || peer == nil {
		return err
	}
	peer.IsSpeaking = speaking
	raw, err := json.Marshal(peer)
	if err != nil {
		return fmt.Errorf("marshal voice peer: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.HSet(ctx, s.voiceKey(roomID), handle, raw).Err(); err != nil {
		return fmt.Errorf("set speaking: %w", err)
	}
	return nil
}

// MuteRecord describes an active mute.
type MuteRecord struct {
	MutedBy     string `json:"muted_by"`
	Reason      string `json:"reason,omitempty"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// SetMute records a mute for userID expiring after d.
func (s *Store) SetMute(ctx context.Context, roomID, userID string, rec MuteRecord, d time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal mute: %w", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Set(ctx, s.muteKey(roomID, userID), raw, d).Err(); err != nil {
		return fmt.Errorf("set mute: %w", err)
	}
	return nil
}

// IsMuted reports whether userID has an unexpired mute in the room.
func (s *Store) IsMuted(ctx context.Context, roomID, userID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.rdb.Exists(ctx, s.muteKey(roomID, userID)).Result()
	if err != nil {
		return false, fmt.Errorf("check mute: %w", err)
	}
	return n > 0, nil
}

// Unmute clears a mute early. Idempotent.
func (s *Store) Unmute(ctx context.Context, roomID, userID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Del(ctx, s.muteKey(roomID, userID)).Err(); err != nil {
		return fmt.Errorf("unmute: %w", err)
	}
	return nil
}

// AddShadowMuted marks userID shadow-muted in the room.
func (s *Store) AddShadowMuted(ctx context.Context, roomID, userID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.SAdd(ctx, s.shadowMutedKey(roomID), userID).Err(); err != nil {
		return fmt.Errorf("add shadow mute: %w", err)
	}
	return nil
}

// IsShadowMuted reports whether userID is shadow-muted.
func (s *Store) IsShadowMuted(ctx context.Context, roomID, userID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ok, err := s.rdb.SIsMember(ctx, s.shadowMutedKey(roomID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("check shadow mute: %w", err)
	}
	return ok, nil
}

// ClearRoom deletes every key the room owns. Idempotent; wildcard keys
// (ratelimit, chatlimit, mute) are found by SCAN.
func (s *Store) ClearRoom(ctx context.Context, roomID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	keys := []string{
		s.playbackKey(roomID),
		s.participantsKey(roomID),
		s.onlineKey(roomID),
		s.sequenceKey(roomID),
		s.voiceKey(roomID),
		s.shadowMutedKey(roomID),
	}
	for _, pattern := range []string{
		fmt.Sprintf("%sroom:%s:ratelimit:*", s.prefix, roomID),
		fmt.Sprintf("%sroom:%s:chatlimit:*", s.prefix, roomID),
		fmt.Sprintf("%sroom:%s:mute:*", s.prefix, roomID),
	} {
		iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("scan room keys: %w", err)
		}
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear room: %w", err)
	}
	return nil
}
