// Package http provides the devcrew HTTP API: start and inspect sessions,
// follow them over server-sent events, health and prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devcrew/internal/checkpoint"
	"github.com/fyrsmithlabs/devcrew/internal/orchestrator"
)

// Engine is the part of *orchestrator.Engine the server drives.
type Engine interface {
	Start(ctx context.Context, request, sessionID string) (<-chan orchestrator.Event, error)
	Resume(ctx context.Context, sessionID string) (<-chan orchestrator.Event, error)
	State(ctx context.Context, sessionID string) (orchestrator.State, error)
}

// SessionLister lists checkpointed sessions. *checkpoint.Service implements it.
type SessionLister interface {
	List(ctx context.Context, limit int) ([]checkpoint.SessionInfo, error)
}

// Server provides HTTP endpoints for devcrew.
type Server struct {
	echo     *echo.Echo
	engine   Engine
	sessions SessionLister
	logger   *zap.Logger
	config   *Config
	metrics  *serverMetrics

	// base outlives requests; sessions run under it until Shutdown.
	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	active  string
	streams map[string]*broadcast
}

// Config holds HTTP server configuration.
type Config struct {
	Host      string
	Port      int
	Heartbeat time.Duration
}

// NewServer creates a new HTTP server.
func NewServer(engine Engine, sessions SessionLister, logger *zap.Logger, cfg *Config) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8421,
		}
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	metrics := newServerMetrics(logger)
	e.Use(metrics.middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		echo:     e,
		engine:   engine,
		sessions: sessions,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
		base:     base,
		cancel:   cancel,
		streams:  make(map[string]*broadcast),
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/sessions", s.handleListSessions)
	v1.POST("/sessions", s.handleStartSession)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.POST("/sessions/:id/resume", s.handleResumeSession)
	v1.GET("/sessions/:id/events", s.handleEvents)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) handleHealth(c echo.Context) error {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", ActiveSession: active})
}

func (s *Server) handleStartSession(c echo.Context) error {
	var req StartSessionRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid start request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if req.Request == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "request field is required"})
	}

	return s.launch(c, req.SessionID, func(ctx context.Context, id string) (<-chan orchestrator.Event, error) {
		return s.engine.Start(ctx, orchestrator.ComposeRequest(req.Repo, req.Request), id)
	})
}

func (s *Server) handleResumeSession(c echo.Context) error {
	id := c.Param("id")
	return s.launch(c, id, func(ctx context.Context, id string) (<-chan orchestrator.Event, error) {
		return s.engine.Resume(ctx, id)
	})
}

// launch admits one running session at a time and fans its events out.
func (s *Server) launch(c echo.Context, id string, run func(context.Context, string) (<-chan orchestrator.Event, error)) error {
	if id == "" {
		id = newSessionID()
	}

	s.mu.Lock()
	if s.active != "" {
		active := s.active
		s.mu.Unlock()
		s.metrics.launch(c.Request().Context(), "conflict")
		return c.JSON(http.StatusConflict, ErrorResponse{Error: fmt.Sprintf("session %s is running", active)})
	}
	s.active = id
	s.mu.Unlock()

	events, err := run(s.base, id)
	if err != nil {
		s.mu.Lock()
		s.active = ""
		s.mu.Unlock()
		s.metrics.launch(c.Request().Context(), "error")
		return c.JSON(statusFor(err), ErrorResponse{Error: err.Error()})
	}
	s.metrics.launch(c.Request().Context(), "accepted")

	b := newBroadcast()
	s.mu.Lock()
	s.streams[id] = b
	s.mu.Unlock()

	go func() {
		b.pump(events)
		s.mu.Lock()
		if s.active == id {
			s.active = ""
		}
		s.mu.Unlock()
		s.logger.Info("session stream closed", zap.String("session_id", id))
	}()

	return c.JSON(http.StatusAccepted, StartSessionResponse{
		SessionID: id,
		EventsURL: "/api/v1/sessions/" + id + "/events",
	})
}

func (s *Server) handleListSessions(c echo.Context) error {
	if s.sessions == nil {
		return c.JSON(http.StatusOK, []SessionSummary{})
	}
	limit := 20
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
		}
		limit = n
	}

	infos, err := s.sessions.List(c.Request().Context(), limit)
	if err != nil {
		s.logger.Error("listing sessions failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "listing sessions failed"})
	}
	out := make([]SessionSummary, 0, len(infos))
	for _, info := range infos {
		out = append(out, SessionSummary{
			SessionID: info.SessionID,
			Node:      info.Node,
			Turn:      info.Turn,
			Done:      info.Done,
			Steps:     info.Steps,
			Running:   s.isActive(info.SessionID),
			UpdatedAt: info.UpdatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetSession(c echo.Context) error {
	id := c.Param("id")
	st, err := s.engine.State(c.Request().Context(), id)
	if err != nil {
		return c.JSON(statusFor(err), ErrorResponse{Error: err.Error()})
	}
	withMessages := c.QueryParam("messages") == "true"
	return c.JSON(http.StatusOK, sessionResponse(st, s.isActive(id), withMessages))
}

// handleEvents streams session events as server-sent events. A session
// that is not running here gets its stored trace as one snapshot event.
func (s *Server) handleEvents(c echo.Context) error {
	id := c.Param("id")

	s.mu.Lock()
	b := s.streams[id]
	s.mu.Unlock()

	if b == nil {
		st, err := s.engine.State(c.Request().Context(), id)
		if err != nil {
			return c.JSON(statusFor(err), ErrorResponse{Error: err.Error()})
		}
		setSSEHeaders(c)
		if err := s.writeSSE(c, "snapshot", sessionResponse(st, false, false)); err != nil {
			return nil
		}
		_ = s.writeSSE(c, "end", map[string]string{"session_id": id})
		return nil
	}

	replay, live, unsubscribe := b.subscribe()
	defer unsubscribe()
	defer s.metrics.subscribed(c.Request().Context())()

	setSSEHeaders(c)
	for _, ev := range replay {
		if err := s.writeSSE(c, "update", ev); err != nil {
			return nil
		}
	}

	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-live:
			if !ok {
				_ = s.writeSSE(c, "end", map[string]string{"session_id": id})
				return nil
			}
			if err := s.writeSSE(c, "update", ev); err != nil {
				return nil
			}

		case <-ticker.C:
			fmt.Fprintf(c.Response(), ": heartbeat\n\n")
			c.Response().Flush()

		case <-c.Request().Context().Done():
			return nil
		}
	}
}

func (s *Server) isActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active == id
}

func setSSEHeaders(c echo.Context) {
	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
	c.Response().WriteHeader(http.StatusOK)
}

func (s *Server) writeSSE(c echo.Context, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	c.Response().Flush()
	s.metrics.frame(c.Request().Context(), event)
	return nil
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrSessionExists),
		errors.Is(err, orchestrator.ErrSessionRunning),
		errors.Is(err, orchestrator.ErrSessionFinished):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrEmptyRequest),
		errors.Is(err, orchestrator.ErrInvalidSessionID):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown stops accepting requests and cancels the running session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	s.cancel()
	return s.echo.Shutdown(ctx)
}
