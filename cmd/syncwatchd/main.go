package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"syncwatch/server/internal/api"
	"syncwatch/server/internal/auth"
	"syncwatch/server/internal/bus"
	"syncwatch/server/internal/chat"
	"syncwatch/server/internal/clock"
	"syncwatch/server/internal/config"
	"syncwatch/server/internal/crud"
	"syncwatch/server/internal/gateway"
	"syncwatch/server/internal/logger"
	"syncwatch/server/internal/metrics"
	"syncwatch/server/internal/playback"
	"syncwatch/server/internal/protocol"
	"syncwatch/server/internal/session"
	"syncwatch/server/internal/state"
	"syncwatch/server/internal/voice"
)

// shutdownDeadline forces exit when draining takes too long.
const shutdownDeadline = 30 * time.Second

func main() {
	// A .env file is optional; real deployments set the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zlog, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zlog.Sync() //nolint:errcheck // best-effort flush on exit

	clk := clock.NewSystem()
	met := metrics.New()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		zlog.Fatalw("state backend unreachable", "addr", cfg.RedisAddr, "err", err)
	}
	cancelPing()
	defer rdb.Close()

	st := state.New(rdb, cfg.KeyPrefix, cfg.RoomStateTTL, zlog)

	instanceID := uuid.NewString()
	b := bus.New(rdb, instanceID, st.EventsChannel, zlog)

	cr, err := crud.Open(cfg.DBPath, zlog)
	if err != nil {
		zlog.Fatalw("open room directory", "path", cfg.DBPath, "err", err)
	}
	defer cr.Close()

	gw := gateway.New(auth.New(cfg.JWTSecret), b, clk, met, gateway.Options{
		PingInterval:   cfg.PingInterval,
		PingTimeout:    cfg.PingTimeout,
		MaxConnections: cfg.MaxConnections,
		PerIPLimit:     cfg.PerIPLimit,
	}, zlog)

	// Full snapshot writes (external source selection) reach every instance
	// as a sync:state push.
	st.SetOnSnapshot(func(roomID string, snap protocol.Snapshot) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		f := protocol.NewFrame(protocol.EventSyncState, snap)
		_ = gw.Publish(ctx, bus.Envelope{
			Kind: bus.KindSnapshot, RoomID: roomID, Event: f.Event, Data: f.Data,
		})
	})

	pb := playback.New(st, gw, clk, cfg.PlaybackRateMin, cfg.PlaybackRateMax, zlog)
	pb.SetOnConflict(func(string) { met.CASConflicts.Inc() })

	sessions := session.New(st, cr, gw, clk, cfg.RateLimitPerSec, zlog)
	sessions.SetOnAudit(func(action, roomID, actor, target, details string) {
		// The audit sink must never block or fail the user-facing path.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := cr.InsertAuditLog(ctx, action, roomID, actor, target, details, clk.NowMS()); err != nil {
				zlog.Warnw("audit write", "action", action, "err", err)
			}
		}()
	})

	vr := voice.New(st, gw, clk, zlog)
	cp := chat.New(st, cr, gw, clk, cfg.ChatRateMax, cfg.ChatRateWindow.Milliseconds(), zlog)
	gw.Bind(sessions, pb, vr, cp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		zlog.Infow("shutting down")
		cancel()
	}()

	// Hourly housekeeping: expired rooms and query planner statistics.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := cr.PurgeExpiredRooms(ctx, clk.NowMS()); err != nil {
					zlog.Warnw("purge expired rooms", "err", err)
				} else if n > 0 {
					zlog.Infow("purged expired rooms", "count", n)
				}
				if err := cr.Optimize(); err != nil {
					zlog.Warnw("directory optimize", "err", err)
				}
			}
		}
	}()

	if addr := cfg.APIAddr(); addr != "" {
		apiSrv := api.New(cr, st, pb, clk, met, cfg.CORSOrigins, cfg.RoomMaxParticipants, zlog)
		go apiSrv.Run(ctx, addr)
		zlog.Infow("api listening", "addr", addr)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	gw.Register(e)

	go func() {
		<-ctx.Done()
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), shutdownDeadline)
		defer cancelDrain()
		gw.Shutdown(drainCtx)
		if err := e.Shutdown(drainCtx); err != nil {
			zlog.Warnw("http shutdown", "err", err)
		}
	}()

	zlog.Infow("gateway listening", "addr", cfg.ListenAddr(), "instance_id", instanceID)
	if err := e.Start(cfg.ListenAddr()); err != nil {
		zlog.Infow("gateway stopped", "err", err)
	}
}
