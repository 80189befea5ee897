// Package http provides the HTTP API for qualityd.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/silhouettelabs/qualityd/internal/orchestrator"
	"github.com/silhouettelabs/qualityd/internal/pipeline"
	"github.com/silhouettelabs/qualityd/internal/registry"
)

// Server provides HTTP endpoints for qualityd.
type Server struct {
	echo         *echo.Echo
	orchestrator *orchestrator.Orchestrator
	logger       *zap.Logger
	config       *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server over the orchestrator facade.
func NewServer(orch *orchestrator.Orchestrator, logger *zap.Logger, cfg *Config) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
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

	s := &Server{
		echo:         e,
		orchestrator: orch,
		logger:       logger,
		config:       cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/operations", s.handleSubmitOperation)
	v1.GET("/agents", s.handleAgents)
	v1.POST("/agents/:id/restart", s.handleRestartAgent)
	v1.GET("/gates/:team", s.handleGateStatus)
}

// OperationRequest is the request body for POST /api/v1/operations.
type OperationRequest struct {
	Type    string         `json:"type"`
	Payload string         `json:"payload"`
	Context map[string]any `json:"context,omitempty"`
	Team    string         `json:"team,omitempty"`
	Level   string         `json:"level,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Agents int    `json:"agents"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	agents := s.orchestrator.AgentStatusSnapshot()
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Agents: len(agents)})
}

// handleSubmitOperation runs one quality operation end to end.
func (s *Server) handleSubmitOperation(c echo.Context) error {
	var req OperationRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid operation request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Payload == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "payload field is required")
	}

	res, err := s.orchestrator.SubmitQualityOperation(c.Request().Context(), orchestrator.OperationRequest{
		Type:    req.Type,
		Payload: req.Payload,
		Context: req.Context,
		Team:    req.Team,
		Level:   pipeline.Level(req.Level),
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrUnknownLevel) || errors.Is(err, orchestrator.ErrEmptyPayload) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.logger.Error("operation failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "operation failed")
	}

	return c.JSON(http.StatusOK, res)
}

// handleAgents returns every agent's status snapshot.
func (s *Server) handleAgents(c echo.Context) error {
	return c.JSON(http.StatusOK, s.orchestrator.AgentStatusSnapshot())
}

// handleRestartAgent re-initializes one agent.
func (s *Server) handleRestartAgent(c echo.Context) error {
	id := c.Param("id")
	if err := s.orchestrator.RestartAgent(c.Request().Context(), id); err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		s.logger.Error("agent restart failed", zap.String("agent_id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "restart failed")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "restarted", "agent_id": id})
}

// handleGateStatus returns a team's effective gate configuration.
func (s *Server) handleGateStatus(c echo.Context) error {
	team := c.Param("team")
	return c.JSON(http.StatusOK, s.orchestrator.QualityGateStatus(team))
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
