// Package bus fans room events out across server instances over the shared
// store's pub/sub. Delivery is at-least-once and unordered; playback
// correctness rests on snapshot sequence numbers, never on delivery order.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"syncwatch/server/internal/protocol"
)

// Envelope kinds carried on a room channel.
const (
	KindCommand  = "command"  // playback SyncCommand
	KindSnapshot = "snapshot" // full snapshot (external source selection)
	KindEvent    = "event"    // room broadcast (chat, presence, system, ready)
	KindVoice    = "voice"    // signaling addressed to one socket
)

// Envelope is the instance-to-instance payload published on a room channel.
type Envelope struct {
	Kind           string          `json:"kind"`
	RoomID         string          `json:"room_id"`
	Origin         string          `json:"origin"`
	TargetInstance string          `json:"target_instance,omitempty"`
	TargetSocket   string          `json:"target_socket,omitempty"`
	ExcludeSocket  string          `json:"exclude_socket,omitempty"`
	Event          string          `json:"event,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// NewEventEnvelope builds a KindEvent envelope from a wire frame body.
func NewEventEnvelope(roomID, event string, data any) Envelope {
	f := protocol.NewFrame(event, data)
	return Envelope{Kind: KindEvent, RoomID: roomID, Event: f.Event, Data: f.Data}
}

// Handler consumes envelopes delivered for one room.
type Handler func(env Envelope)

// Bus multiplexes room subscriptions over one pub/sub connection. A failed
// backend degrades to single-instance operation: publishes report errors the
// caller may ignore after falling back to local delivery.
type Bus struct {
	rdb        *redis.Client
	instanceID string
	channel    func(roomID string) string
	log        *zap.SugaredLogger

	mu       sync.Mutex
	pubsub   *redis.PubSub
	handlers map[string]Handler // channel name → handler
	closed   bool
}

// New returns a Bus identified by instanceID. channel maps a room id to its
// pub/sub channel name (owned by the state store's key layout).
func New(rdb *redis.Client, instanceID string, channel func(roomID string) string, log *zap.SugaredLogger) *Bus {
	return &Bus{
		rdb:        rdb,
		instanceID: instanceID,
		channel:    channel,
		log:        log.Named("bus"),
		handlers:   make(map[string]Handler),
	}
}

// InstanceID identifies this process in envelopes.
func (b *Bus) InstanceID() string {
	return b.instanceID
}

// Publish sends env on the room's channel. Origin is stamped here.
func (b *Bus) Publish(ctx context.Context, env Envelope) error {
	env.Origin = b.instanceID
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel(env.RoomID), raw).Err(); err != nil {
		return fmt.Errorf("publish room %s: %w", env.RoomID, err)
	}
	return nil
}

// Subscribe registers fn for a room and starts the reader on first use. The
// first subscription waits for the backend to confirm it before returning;
// later rooms are sent on the open connection without waiting for a reply.
// Subscribing twice for the same room replaces the handler.
func (b *Bus) Subscribe(ctx context.Context, roomID string, fn Handler) error {
	ch := b.channel(roomID)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus closed")
	}
	if b.pubsub == nil {
		ps := b.rdb.Subscribe(ctx, ch)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return fmt.Errorf("subscribe room %s: %w", roomID, err)
		}
		b.pubsub = ps
		go b.run(ps)
	} else if err := b.pubsub.Subscribe(ctx, ch); err != nil {
		return fmt.Errorf("subscribe room %s: %w", roomID, err)
	}
	b.handlers[ch] = fn
	return nil
}

// Unsubscribe drops the room's handler and channel subscription. Idempotent.
func (b *Bus) Unsubscribe(ctx context.Context, roomID string) {
	ch := b.channel(roomID)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[ch]; !ok {
		return
	}
	delete(b.handlers, ch)
	if b.pubsub != nil {
		if err := b.pubsub.Unsubscribe(ctx, ch); err != nil {
			b.log.Warnw("unsubscribe", "room_channel", ch, "err", err)
		}
	}
}

// run dispatches incoming messages until the pub/sub connection closes.
// Malformed payloads are dropped; handlers must tolerate redelivery.
func (b *Bus) run(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		b.mu.Lock()
		fn := b.handlers[msg.Channel]
		b.mu.Unlock()
		if fn == nil {
			continue
		}

		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.log.Warnw("drop malformed envelope", "channel", msg.Channel, "err", err)
			continue
		}
		if env.TargetInstance != "" && env.TargetInstance != b.instanceID {
			continue
		}
		fn(env)
	}
}

// Close tears down the subscriber connection. Safe to call twice.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.handlers = make(map[string]Handler)
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}
