// Package callback exposes the feature registry to teammate processes over
// loopback HTTP.
//
//	@title			forja callback API
//	@version		1.0
//	@description	Teammate processes report feature attempts and results here.
//	@BasePath		/api/v1
package callback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/forja/forja/pkg/gate"
	"github.com/forja/forja/pkg/logger"
	"github.com/forja/forja/pkg/metrics"
	"github.com/forja/forja/pkg/registry"
	"github.com/forja/forja/pkg/types"
)

// Registry is what the callback handlers need from the feature registry
type Registry interface {
	Attempt(teammate, id string) error
	RecordResult(ctx context.Context, teammate, id string, outcome types.Outcome, evidence string) (gate.Verdict, error)
	Feature(teammate, id string) (types.Feature, error)
	Snapshot() registry.Snapshot
}

// Config holds callback server configuration
type Config struct {
	Host string
	Port int
	// RateLimit caps requests per second per client; zero disables it.
	RateLimit float64
}

// Server serves the callback API
type Server struct {
	echo     *echo.Echo
	reg      Registry
	logger   logger.Logger
	metrics  *metrics.Metrics
	config   Config
	listener net.Listener
}

// NewServer creates a callback server. Metrics may be nil.
func NewServer(reg Registry, log logger.Logger, m *metrics.Metrics, cfg *Config) (*Server, error) {
	if reg == nil {
		return nil, errors.New("callback: registry is required")
	}
	if log == nil {
		log = logger.Discard()
	}
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if c.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(c.RateLimit))))
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			start := time.Now()
			err := next(ctx)
			log.Debug("callback request",
				logger.WithField("method", ctx.Request().Method),
				logger.WithField("uri", ctx.Request().RequestURI),
				logger.WithField("status", ctx.Response().Status),
				logger.WithField("duration", time.Since(start)),
				logger.WithField("request_id", ctx.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:    e,
		reg:     reg,
		logger:  log,
		metrics: m,
		config:  c,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/snapshot", s.handleSnapshot)
	v1.GET("/teammates/:teammate", s.handleTeammate)
	v1.POST("/teammates/:teammate/features/:id/attempt", s.handleAttempt)
	v1.POST("/teammates/:teammate/features/:id/result", s.handleResult)
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.echo
}

// HealthResponse is the response body for GET /health
type HealthResponse struct {
	Status string `json:"status"`
}

// FeatureResponse carries one feature after a transition
type FeatureResponse struct {
	Teammate string        `json:"teammate"`
	Feature  types.Feature `json:"feature"`
}

// ResultRequest is the request body for POST .../result
type ResultRequest struct {
	Outcome  string `json:"outcome"`
	Evidence string `json:"evidence"`
}

// ResultResponse reports the gate verdict and the feature afterwards
type ResultResponse struct {
	Accepted bool               `json:"accepted"`
	Reason   string             `json:"reason,omitempty"`
	Checks   []gate.CheckResult `json:"checks,omitempty"`
	Feature  types.Feature      `json:"feature"`
}

// handleHealth godoc
//
//	@Summary	Liveness probe
//	@Produce	json
//	@Success	200	{object}	HealthResponse
//	@Router		/health [get]
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleSnapshot godoc
//
//	@Summary	Current registry snapshot
//	@Produce	json
//	@Success	200	{object}	registry.Snapshot
//	@Router		/snapshot [get]
func (s *Server) handleSnapshot(c echo.Context) error {
	return c.JSON(http.StatusOK, s.reg.Snapshot())
}

// handleTeammate godoc
//
//	@Summary	Features of one teammate
//	@Produce	json
//	@Param		teammate	path		string	true	"Teammate name"
//	@Success	200			{object}	types.Teammate
//	@Failure	404			{object}	echo.HTTPError
//	@Router		/teammates/{teammate} [get]
func (s *Server) handleTeammate(c echo.Context) error {
	name := c.Param("teammate")
	tm, ok := s.reg.Snapshot().Teammate(name)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown teammate %q", name))
	}
	return c.JSON(http.StatusOK, tm)
}

// handleAttempt godoc
//
//	@Summary	Start an attempt on a feature
//	@Produce	json
//	@Param		teammate	path		string	true	"Teammate name"
//	@Param		id			path		string	true	"Feature id"
//	@Success	200			{object}	FeatureResponse
//	@Failure	404			{object}	echo.HTTPError
//	@Failure	409			{object}	echo.HTTPError
//	@Router		/teammates/{teammate}/features/{id}/attempt [post]
func (s *Server) handleAttempt(c echo.Context) error {
	teammate, id := c.Param("teammate"), c.Param("id")
	if err := s.reg.Attempt(teammate, id); err != nil {
		return s.rejected(teammate, id, err)
	}
	return s.featureResponse(c, teammate, id)
}

// handleResult godoc
//
//	@Summary	Report the outcome of an attempt
//	@Accept		json
//	@Produce	json
//	@Param		teammate	path		string			true	"Teammate name"
//	@Param		id			path		string			true	"Feature id"
//	@Param		result		body		ResultRequest	true	"Outcome and evidence"
//	@Success	200			{object}	ResultResponse
//	@Failure	400			{object}	echo.HTTPError
//	@Failure	404			{object}	echo.HTTPError
//	@Failure	409			{object}	echo.HTTPError
//	@Router		/teammates/{teammate}/features/{id}/result [post]
func (s *Server) handleResult(c echo.Context) error {
	teammate, id := c.Param("teammate"), c.Param("id")

	var req ResultRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	outcome, err := types.ParseOutcome(req.Outcome)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	verdict, err := s.reg.RecordResult(c.Request().Context(), teammate, id, outcome, req.Evidence)
	if err != nil {
		return s.rejected(teammate, id, err)
	}

	f, err := s.reg.Feature(teammate, id)
	if err != nil {
		return s.rejected(teammate, id, err)
	}
	return c.JSON(http.StatusOK, ResultResponse{
		Accepted: verdict.Pass,
		Reason:   verdict.Reason,
		Checks:   verdict.Checks,
		Feature:  f,
	})
}

func (s *Server) featureResponse(c echo.Context, teammate, id string) error {
	f, err := s.reg.Feature(teammate, id)
	if err != nil {
		return s.rejected(teammate, id, err)
	}
	return c.JSON(http.StatusOK, FeatureResponse{Teammate: teammate, Feature: f})
}

// rejected logs a contract violation and maps it to a status code. The
// teammate keeps running; only this call fails.
func (s *Server) rejected(teammate, id string, err error) error {
	var unknown *registry.UnknownFeatureError
	var invalid *registry.InvalidTransitionError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &unknown):
		status = http.StatusNotFound
	case errors.As(err, &invalid):
		status = http.StatusConflict
	case errors.Is(err, registry.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	s.logger.WithTeammate(teammate).Warn("Rejected callback",
		logger.WithField("feature", id),
		logger.WithField("status", status),
		logger.WithError(err))
	return echo.NewHTTPError(status, err.Error())
}

// Start listens on the configured address and serves in the background.
// Port 0 picks a free port; URL reports the bound address.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.echo.Listener = ln

	s.logger.Debug("Callback server listening", logger.WithField("addr", ln.Addr().String()))
	go func() {
		err := s.echo.Start("")
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Callback server stopped", logger.WithError(err))
		}
	}()
	return nil
}

// URL returns the base URL teammates call back on
func (s *Server) URL() string {
	if s.listener == nil {
		return ""
	}
	return "http://" + s.listener.Addr().String()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	return s.echo.Shutdown(ctx)
}
