// Package gateway owns websocket connections: authentication, the
// per-connection event loop, routing inbound events to the engines, and
// fanning room broadcasts out to locally-connected sockets.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"syncwatch/server/internal/auth"
	"syncwatch/server/internal/bus"
	"syncwatch/server/internal/chat"
	"syncwatch/server/internal/clock"
	"syncwatch/server/internal/metrics"
	"syncwatch/server/internal/playback"
	"syncwatch/server/internal/protocol"
	"syncwatch/server/internal/session"
	"syncwatch/server/internal/voice"
)

const (
	writeTimeout = 5 * time.Second
	sendBuffer   = 64
	maxFrameSize = 1 << 20
)

// Options carries the connection-level knobs.
type Options struct {
	PingInterval   time.Duration
	PingTimeout    time.Duration
	MaxConnections int
	PerIPLimit     int
}

// Gateway terminates websocket connections on /sync.
type Gateway struct {
	authn    *auth.Authenticator
	sessions *session.Engine
	playback *playback.Engine
	voice    *voice.Relay
	chat     *chat.Pipeline
	bus      *bus.Bus
	clk      clock.Clock
	log      *zap.SugaredLogger
	met      *metrics.Metrics
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[string]*conn            // socket id → connection
	rooms   map[string]map[string]*conn // room id → local members
	ipConns map[string]int
	closed  bool
}

// New constructs a Gateway. Engines are bound afterwards via Bind because
// they publish through the gateway's resilient publisher.
func New(authn *auth.Authenticator, b *bus.Bus, clk clock.Clock, met *metrics.Metrics, opts Options, log *zap.SugaredLogger) *Gateway {
	return &Gateway{
		authn: authn,
		bus:   b,
		clk:   clk,
		log:   log.Named("gateway"),
		met:   met,
		opts:  opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		conns:   make(map[string]*conn),
		rooms:   make(map[string]map[string]*conn),
		ipConns: make(map[string]int),
	}
}

// Bind attaches the engines. Must be called once before Register.
func (g *Gateway) Bind(sessions *session.Engine, pb *playback.Engine, vr *voice.Relay, cp *chat.Pipeline) {
	g.sessions = sessions
	g.playback = pb
	g.voice = vr
	g.chat = cp
}

// Register binds the websocket route on an Echo router.
func (g *Gateway) Register(e *echo.Echo) {
	e.GET("/sync", g.handleSync)
}

// Publish sends env on the bus; on bus failure it degrades to local-only
// delivery so a broken backend never blacks out co-located clients.
func (g *Gateway) Publish(ctx context.Context, env bus.Envelope) error {
	if err := g.bus.Publish(ctx, env); err != nil {
		g.met.BusDropped.Inc()
		g.log.Warnw("bus publish failed, delivering locally", "room_id", env.RoomID, "err", err)
		env.Origin = g.bus.InstanceID()
		g.deliver(env)
	}
	return nil
}

// InstanceID identifies this process in participant records.
func (g *Gateway) InstanceID() string {
	return g.bus.InstanceID()
}

// conn is one websocket connection and its serialized event loop.
type conn struct {
	id     string
	ws     *websocket.Conn
	send   chan protocol.Frame
	st     *session.State
	ip     string
	cancel context.CancelFunc

	lastSeq atomic.Uint64 // highest playback sequence delivered to this socket

	closeOnce sync.Once
}

func (g *Gateway) handleSync(c echo.Context) error {
	ip := c.RealIP()
	if !g.admitConn(ip) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server at connection capacity")
	}

	identity, err := g.authn.Authenticate(c.Request())
	if err != nil {
		g.releaseConn(ip)
		we, _ := protocol.AsError(err)
		return echo.NewHTTPError(http.StatusUnauthorized, we.Message)
	}

	ws, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		g.releaseConn(ip)
		g.log.Warnw("upgrade failed", "remote", ip, "err", err)
		return nil
	}

	ctx, cancel := context.WithCancel(c.Request().Context())
	cn := &conn{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan protocol.Frame, sendBuffer),
		ip:     ip,
		cancel: cancel,
		st: &session.State{
			UserID:    identity.UserID,
			SessionID: identity.SessionID,
			IsGuest:   identity.IsGuest,
		},
	}
	cn.st.SocketID = cn.id

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.releaseConn(ip)
		ws.Close()
		return nil
	}
	g.conns[cn.id] = cn
	g.mu.Unlock()
	g.met.Connections.Inc()

	g.log.Infow("connected", "socket_id", cn.id, "user_id", identity.UserID, "guest", identity.IsGuest, "remote", ip)

	go g.writeLoop(cn)
	g.readLoop(ctx, cn)
	return nil
}

func (g *Gateway) admitConn(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	if g.opts.MaxConnections > 0 && len(g.conns) >= g.opts.MaxConnections {
		return false
	}
	if g.opts.PerIPLimit > 0 && g.ipConns[ip] >= g.opts.PerIPLimit {
		return false
	}
	g.ipConns[ip]++
	return true
}

func (g *Gateway) releaseConn(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ipConns[ip]--
	if g.ipConns[ip] <= 0 {
		delete(g.ipConns, ip)
	}
}

// writeLoop drains the send channel and keeps the connection alive with
// pings. It owns all writes to the socket.
func (g *Gateway) writeLoop(cn *conn) {
	ticker := time.NewTicker(g.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-cn.send:
			if !ok {
				_ = cn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = cn.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			_ = cn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := cn.ws.WriteJSON(f); err != nil {
				g.log.Debugw("write error", "socket_id", cn.id, "event", f.Event, "err", err)
				cn.cancel()
				return
			}
		case <-ticker.C:
			_ = cn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := cn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				cn.cancel()
				return
			}
		}
	}
}

// readLoop processes inbound frames in arrival order until disconnect, then
// runs the cleanup path exactly once.
func (g *Gateway) readLoop(ctx context.Context, cn *conn) {
	defer g.teardown(cn)

	cn.ws.SetReadLimit(maxFrameSize)
	_ = cn.ws.SetReadDeadline(time.Now().Add(g.opts.PingInterval + g.opts.PingTimeout))
	cn.ws.SetPongHandler(func(string) error {
		return cn.ws.SetReadDeadline(time.Now().Add(g.opts.PingInterval + g.opts.PingTimeout))
	})

	for {
		var f protocol.Frame
		if err := cn.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log.Debugw("unexpected close", "socket_id", cn.id, "err", err)
			}
			return
		}
		_ = cn.ws.SetReadDeadline(time.Now().Add(g.opts.PingInterval + g.opts.PingTimeout))
		g.dispatch(ctx, cn, f)
		if ctx.Err() != nil {
			return
		}
	}
}

// teardown reconciles all per-connection state. Idempotent: a second
// disconnect signal finds nothing to clean.
func (g *Gateway) teardown(cn *conn) {
	cn.closeOnce.Do(func() {
		cn.cancel()

		// The request context is gone; cleanup gets its own deadline.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if cn.st.InRoom() {
			roomID, h := cn.st.RoomID, cn.st.Handle
			g.voice.CleanupOnDisconnect(ctx, cn.st)
			if _, err := g.sessions.Leave(ctx, cn.st); err != nil {
				g.log.Warnw("leave on disconnect", "socket_id", cn.id, "err", err)
			}
			g.chat.Notice(ctx, roomID, chat.NoticeLeave, h)
			g.dropFromRoom(ctx, roomID, cn)
		}

		g.mu.Lock()
		delete(g.conns, cn.id)
		g.mu.Unlock()
		g.releaseConn(cn.ip)
		g.met.Connections.Dec()

		close(cn.send)
		cn.ws.Close()
		g.log.Infow("disconnected", "socket_id", cn.id)
	})
}

// joinRoomGroup routes the connection into the room's local delivery group,
// subscribing this instance to the room channel on first member.
func (g *Gateway) joinRoomGroup(ctx context.Context, roomID string, cn *conn) {
	g.mu.Lock()
	members, ok := g.rooms[roomID]
	if !ok {
		members = make(map[string]*conn)
		g.rooms[roomID] = members
	}
	members[cn.id] = cn
	first := len(members) == 1
	g.mu.Unlock()

	if first {
		if err := g.bus.Subscribe(ctx, roomID, g.deliver); err != nil {
			g.log.Warnw("room subscribe, continuing single-instance", "room_id", roomID, "err", err)
		}
	}
}

// dropFromRoom removes the connection from the local delivery group,
// unsubscribing when the last local member leaves.
func (g *Gateway) dropFromRoom(ctx context.Context, roomID string, cn *conn) {
	g.mu.Lock()
	members := g.rooms[roomID]
	delete(members, cn.id)
	last := members != nil && len(members) == 0
	if last {
		delete(g.rooms, roomID)
	}
	g.mu.Unlock()

	if last {
		g.bus.Unsubscribe(ctx, roomID)
	}
}

// deliver fans one envelope out to the local members of its room. It is the
// single path for both bus-delivered and degraded-local broadcasts.
func (g *Gateway) deliver(env bus.Envelope) {
	g.mu.Lock()
	members := make([]*conn, 0, len(g.rooms[env.RoomID]))
	for _, cn := range g.rooms[env.RoomID] {
		members = append(members, cn)
	}
	g.mu.Unlock()

	var frame protocol.Frame
	var seq uint64
	switch env.Kind {
	case bus.KindCommand:
		frame = protocol.Frame{Event: protocol.EventSyncCommand, Data: env.Data}
		seq = sequenceOf(env.Data)
	case bus.KindSnapshot:
		frame = protocol.Frame{Event: protocol.EventSyncState, Data: env.Data}
		seq = sequenceOf(env.Data)
	case bus.KindEvent, bus.KindVoice:
		frame = protocol.Frame{Event: env.Event, Data: env.Data}
	default:
		g.log.Warnw("drop unknown envelope kind", "kind", env.Kind)
		return
	}

	for _, cn := range members {
		if env.TargetSocket != "" {
			if cn.id != env.TargetSocket {
				continue
			}
			if env.Event == protocol.EventRoomKicked {
				g.kickLocal(cn, frame)
				continue
			}
		}
		if env.ExcludeSocket != "" && cn.id == env.ExcludeSocket {
			continue
		}
		if seq > 0 {
			// Redeliveries and reordering stop here: never hand a socket a
			// stale sequence.
			last := cn.lastSeq.Load()
			if seq <= last || !cn.lastSeq.CompareAndSwap(last, seq) {
				continue
			}
		}
		g.trySend(cn, frame)
	}
}

// kickLocal notifies the target and severs its connection. The per-conn
// teardown runs the ordinary leave path, so all cleanup stays on the
// connection's own goroutine.
func (g *Gateway) kickLocal(cn *conn, frame protocol.Frame) {
	g.trySend(cn, frame)
	go func() {
		// Give the writer a moment to flush the kicked notice.
		time.Sleep(100 * time.Millisecond)
		cn.cancel()
		cn.ws.Close()
	}()
}

// trySend queues a frame without blocking; a full buffer drops the frame and
// the client reconciles via sync:resync.
func (g *Gateway) trySend(cn *conn, f protocol.Frame) {
	defer func() {
		// The send channel closes during teardown; racing deliveries are
		// dropped rather than crashing the dispatcher.
		_ = recover()
	}()
	select {
	case cn.send <- f:
	default:
		g.log.Warnw("send buffer full, dropping", "socket_id", cn.id, "event", f.Event)
	}
}

// sequenceOf pulls the sequence number out of a command/snapshot payload.
func sequenceOf(data json.RawMessage) uint64 {
	var probe struct {
		SequenceNumber uint64 `json:"sequence_number"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return 0
	}
	return probe.SequenceNumber
}

// Shutdown stops accepting connections, closes every live socket with a
// going-away code, and drains the bus subscriber. The caller enforces the
// hard deadline through ctx.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.Lock()
	g.closed = true
	conns := make([]*conn, 0, len(g.conns))
	for _, cn := range g.conns {
		conns = append(conns, cn)
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, cn := range conns {
			g.teardown(cn)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.log.Warnw("shutdown deadline hit with connections remaining")
	}
	if err := g.bus.Close(); err != nil {
		g.log.Warnw("bus close", "err", err)
	}
}
