// Package api is the REST surface next to the websocket gateway: health,
// metrics, room CRUD, the source-selection path that installs a room's first
// playback snapshot, and moderation actions.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"syncwatch/server/internal/clock"
	"syncwatch/server/internal/crud"
	"syncwatch/server/internal/metrics"
	"syncwatch/server/internal/playback"
	"syncwatch/server/internal/protocol"
	"syncwatch/server/internal/state"
)

// Server is the Echo application.
type Server struct {
	echo     *echo.Echo
	crud     *crud.Store
	state    *state.Store
	playback *playback.Engine
	clk      clock.Clock
	log      *zap.SugaredLogger

	maxParticipants int
}

// New constructs the Echo app and registers all routes. maxParticipants caps
// the capacity accepted for new rooms.
func New(cr *crud.Store, st *state.Store, pb *playback.Engine, clk clock.Clock, met *metrics.Metrics, corsOrigins []string, maxParticipants int, log *zap.SugaredLogger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: corsOrigins}))

	s := &Server{
		echo: e, crud: cr, state: st, playback: pb, clk: clk,
		log:             log.Named("api"),
		maxParticipants: maxParticipants,
	}
	e.Use(s.requestLogger)

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(met.Registry, promhttp.HandlerOpts{})))
	e.POST("/api/rooms", s.handleCreateRoom)
	e.GET("/api/rooms/:code", s.handleGetRoom)
	e.DELETE("/api/rooms/:code", s.handleDeleteRoom)
	e.POST("/api/rooms/:code/source", s.handleSelectSource)
	e.POST("/api/rooms/:code/mute", s.handleMute)
	e.DELETE("/api/rooms/:code/mute/:user_id", s.handleUnmute)
	e.POST("/api/rooms/:code/shadow-mute", s.handleShadowMute)
	return s
}

// Run starts the HTTP server on addr and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			s.log.Errorw("server error", "err", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		s.log.Warnw("shutdown", "err", err)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		req := c.Request()
		if req.URL.Path == "/health" || req.URL.Path == "/metrics" {
			return nil
		}
		s.log.Infow("http request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", c.Response().Status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", c.RealIP(),
		)
		return nil
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// CreateRoomRequest is the body for POST /api/rooms.
type CreateRoomRequest struct {
	Name            string `json:"name"`
	Capacity        int    `json:"capacity"`
	Password        string `json:"password,omitempty"`
	PlaybackControl string `json:"playback_control"`
	OwnerID         string `json:"owner_id"`
	TTLSeconds      int64  `json:"ttl_seconds,omitempty"`
}

// RoomResponse is the room payload returned by the CRUD endpoints.
type RoomResponse struct {
	Code            string `json:"code"`
	Name            string `json:"name"`
	Capacity        int    `json:"capacity"`
	PlaybackControl string `json:"playback_control"`
	OwnerID         string `json:"owner_id"`
	ExpiresAtMS     int64  `json:"expires_at_ms,omitempty"`
	OnlineCount     int    `json:"online_count"`
}

func (s *Server) handleCreateRoom(c echo.Context) error {
	var req CreateRoomRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Name == "" || req.OwnerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name and owner_id are required")
	}
	if req.Capacity > s.maxParticipants {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("capacity exceeds the configured maximum of %d", s.maxParticipants))
	}
	if req.PlaybackControl == "" {
		req.PlaybackControl = protocol.ControlOwnerOnly
	}

	now := s.clk.NowMS()
	var expires int64
	if req.TTLSeconds > 0 {
		expires = now + req.TTLSeconds*1000
	}
	room, err := s.crud.CreateRoom(c.Request().Context(), crud.CreateRoomParams{
		Name:            req.Name,
		Capacity:        req.Capacity,
		Password:        req.Password,
		PlaybackControl: req.PlaybackControl,
		OwnerID:         req.OwnerID,
		NowMS:           now,
		ExpiresAtMS:     expires,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, RoomResponse{
		Code:            room.Code,
		Name:            room.Name,
		Capacity:        room.Capacity,
		PlaybackControl: room.PlaybackControl,
		OwnerID:         room.OwnerID,
		ExpiresAtMS:     room.ExpiresAtMS,
	})
}

func (s *Server) handleGetRoom(c echo.Context) error {
	room, err := s.crud.GetRoomByCode(c.Request().Context(), c.Param("code"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if room == nil {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	online, err := s.state.OnlineCount(c.Request().Context(), room.ID)
	if err != nil {
		s.log.Warnw("online count", "room_id", room.ID, "err", err)
	}
	return c.JSON(http.StatusOK, RoomResponse{
		Code:            room.Code,
		Name:            room.Name,
		Capacity:        room.Capacity,
		PlaybackControl: room.PlaybackControl,
		OwnerID:         room.OwnerID,
		ExpiresAtMS:     room.ExpiresAtMS,
		OnlineCount:     online,
	})
}

func (s *Server) handleDeleteRoom(c echo.Context) error {
	ctx := c.Request().Context()
	room, err := s.crud.GetRoomByCode(ctx, c.Param("code"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if room == nil {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	if err := s.state.ClearRoom(ctx, room.ID); err != nil {
		s.log.Warnw("clear room state", "room_id", room.ID, "err", err)
	}
	if err := s.crud.DeleteRoom(ctx, room.ID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// SelectSourceRequest installs a room's first playback snapshot. This is the
// path the transcoding pipeline (or a YouTube selection) calls when a source
// becomes watchable.
type SelectSourceRequest struct {
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
}

func (s *Server) handleSelectSource(c echo.Context) error {
	ctx := c.Request().Context()
	room, err := s.crud.GetRoomByCode(ctx, c.Param("code"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if room == nil {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}

	var req SelectSourceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	snap := protocol.Snapshot{
		SourceType:         req.SourceType,
		SourceID:           req.SourceID,
		IsPlaying:          false,
		PlaybackRate:       1.0,
		AnchorServerTimeMS: s.clk.NowMS(),
		AnchorMediaTimeMS:  0,
		SequenceNumber:     0,
	}
	if err := s.playback.SetInitialSnapshot(ctx, room.ID, snap); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, snap)
}

// MuteRequest is the body for POST /api/rooms/:code/mute.
type MuteRequest struct {
	UserID          string `json:"user_id"`
	MutedBy         string `json:"muted_by"`
	Reason          string `json:"reason,omitempty"`
	DurationSeconds int64  `json:"duration_seconds"`
	Shadow          bool   `json:"shadow,omitempty"`
}

func (s *Server) handleMute(c echo.Context) error {
	ctx := c.Request().Context()
	room, err := s.crud.GetRoomByCode(ctx, c.Param("code"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if room == nil {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}

	var req MuteRequest
	if err := c.Bind(&req); err != nil || req.UserID == "" || req.DurationSeconds <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id and duration_seconds are required")
	}

	err = s.state.SetMute(ctx, room.ID, req.UserID, state.MuteRecord{
		MutedBy:     req.MutedBy,
		Reason:      req.Reason,
		TimestampMS: s.clk.NowMS(),
	}, time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	// Audit is best-effort; the mute itself already landed.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.crud.InsertAuditLog(ctx, "mute", room.ID, req.MutedBy, req.UserID, req.Reason, s.clk.NowMS()); err != nil {
			s.log.Warnw("audit write", "action", "mute", "err", err)
		}
	}()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUnmute(c echo.Context) error {
	ctx := c.Request().Context()
	room, err := s.crud.GetRoomByCode(ctx, c.Param("code"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if room == nil {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	if err := s.state.Unmute(ctx, room.ID, c.Param("user_id")); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleShadowMute(c echo.Context) error {
	ctx := c.Request().Context()
	room, err := s.crud.GetRoomByCode(ctx, c.Param("code"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if room == nil {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}

	var req MuteRequest
	if err := c.Bind(&req); err != nil || req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}
	if err := s.state.AddShadowMuted(ctx, room.ID, req.UserID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
