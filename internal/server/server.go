// Package server exposes the healing engine, artifact store, and
// analytics aggregator over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/analytics"
	"github.com/fyrsmithlabs/mendd/internal/healing"
	"github.com/fyrsmithlabs/mendd/internal/snapshot"
	"github.com/fyrsmithlabs/mendd/internal/store"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the HTTP API.
type Server struct {
	echo      *echo.Echo
	store     *store.Store
	engine    *healing.Engine
	analytics *analytics.Aggregator
	logger    *zap.Logger
	config    Config
}

// New creates the HTTP server and registers all routes.
func New(st *store.Store, engine *healing.Engine, agg *analytics.Aggregator, logger *zap.Logger, cfg Config) (*Server, error) {
	if st == nil || engine == nil || agg == nil {
		return nil, fmt.Errorf("store, engine, and analytics are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 9090
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestMetrics())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:      e,
		store:     st,
		engine:    engine,
		analytics: agg,
		logger:    logger,
		config:    cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	t := s.echo.Group("/v1/tenants/:tenant")

	t.POST("/tests", s.handleUpsertTest)
	t.GET("/tests", s.handleListTests)
	t.GET("/tests/:test", s.handleGetTest)
	t.GET("/tests/:test/history", s.handleScriptHistory)
	t.POST("/tests/:test/executions", s.handleRecordExecution)
	t.GET("/tests/:test/executions", s.handleExecutionHistory)

	t.POST("/failures", s.handleFailure)

	t.GET("/heals/pending", s.handlePendingHeals)
	t.GET("/heals/:heal", s.handleGetHeal)
	t.DELETE("/heals/:heal", s.handleCancelHeal)
	t.POST("/heals/:heal/decision", s.handleDecision)
	t.POST("/heals/:heal/propagate", s.handlePropagate)
	t.GET("/heals/:heal/propagations", s.handlePropagations)

	t.POST("/snapshots", s.handleSaveSnapshot)
	t.GET("/snapshots/:page", s.handleGetSnapshot)

	t.GET("/analytics/executions", s.handleExecutionStats)
	t.GET("/analytics/heals", s.handleHealStats)
	t.GET("/flaky", s.handleFlakyTests)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.store.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "store unavailable"})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleUpsertTest(c echo.Context) error {
	var tc store.TestCase
	if err := c.Bind(&tc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	tc.Tenant = c.Param("tenant")

	stored, err := s.store.UpsertTestCase(c.Request().Context(), tc)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, stored)
}

func (s *Server) handleListTests(c echo.Context) error {
	tests, err := s.store.ListTestCases(c.Request().Context(), c.Param("tenant"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, tests)
}

func (s *Server) handleGetTest(c echo.Context) error {
	tc, err := s.store.GetTestCase(c.Request().Context(), c.Param("tenant"), c.Param("test"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, tc)
}

func (s *Server) handleScriptHistory(c echo.Context) error {
	history, err := s.store.ScriptHistory(c.Request().Context(), c.Param("tenant"), c.Param("test"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, history)
}

func (s *Server) handleRecordExecution(c echo.Context) error {
	var e store.Execution
	if err := c.Bind(&e); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	e.Tenant = c.Param("tenant")
	e.TestID = c.Param("test")

	stored, err := s.store.RecordExecution(c.Request().Context(), e)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, stored)
}

func (s *Server) handleExecutionHistory(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	history, err := s.store.ExecutionHistory(c.Request().Context(), c.Param("tenant"), c.Param("test"), limit)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, history)
}

// FailureRequest is the request body for POST /failures.
type FailureRequest struct {
	TestID string `json:"test_id"`
	Reason string `json:"reason"`
	PageID string `json:"page_id,omitempty"`
}

func (s *Server) handleFailure(c echo.Context) error {
	var req FailureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	d, err := s.engine.HandleFailure(c.Request().Context(), healing.FailureSignal{
		Tenant: c.Param("tenant"),
		TestID: req.TestID,
		Reason: req.Reason,
		PageID: req.PageID,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (s *Server) handlePendingHeals(c echo.Context) error {
	pending, err := s.store.PendingDecisions(c.Request().Context(), c.Param("tenant"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, pending)
}

func (s *Server) handleGetHeal(c echo.Context) error {
	d, err := s.store.GetDecision(c.Request().Context(), c.Param("tenant"), c.Param("heal"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) handleCancelHeal(c echo.Context) error {
	if err := s.engine.Cancel(c.Request().Context(), c.Param("tenant"), c.Param("heal")); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// DecisionRequest is the request body for POST /heals/:heal/decision.
type DecisionRequest struct {
	Approver string `json:"approver"`
	Outcome  string `json:"outcome"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleDecision(c echo.Context) error {
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	d, err := s.engine.Decide(c.Request().Context(), c.Param("tenant"), c.Param("heal"),
		req.Approver, req.Outcome, req.Reason)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

// PropagateRequest is the request body for POST /heals/:heal/propagate.
// Empty targets propagate to every tenant owning the test.
type PropagateRequest struct {
	Targets []string `json:"targets"`
}

func (s *Server) handlePropagate(c echo.Context) error {
	var req PropagateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	results, err := s.engine.Propagate(c.Request().Context(), c.Param("tenant"), c.Param("heal"), req.Targets)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, results)
}

func (s *Server) handlePropagations(c echo.Context) error {
	// The decision must exist in the caller's tenant before its
	// propagation record is visible.
	if _, err := s.store.GetDecision(c.Request().Context(), c.Param("tenant"), c.Param("heal")); err != nil {
		return s.fail(c, err)
	}
	results, err := s.store.Propagations(c.Request().Context(), c.Param("heal"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, results)
}

func (s *Server) handleSaveSnapshot(c echo.Context) error {
	var snap snapshot.Snapshot
	if err := c.Bind(&snap); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	snap.Tenant = c.Param("tenant")

	change, err := s.store.SaveSnapshot(c.Request().Context(), snap)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, change)
}

func (s *Server) handleGetSnapshot(c echo.Context) error {
	snap, err := s.store.LatestSnapshot(c.Request().Context(), c.Param("tenant"), c.Param("page"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleExecutionStats(c echo.Context) error {
	sinceDays, err := sinceDaysParam(c)
	if err != nil {
		return err
	}
	stats, err := s.analytics.ExecutionStats(c.Request().Context(), c.Param("tenant"), sinceDays)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleHealStats(c echo.Context) error {
	sinceDays, err := sinceDaysParam(c)
	if err != nil {
		return err
	}
	stats, err := s.analytics.HealSuccessRate(c.Request().Context(), c.Param("tenant"), sinceDays)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleFlakyTests(c echo.Context) error {
	lower, err := floatParam(c, "low_bound")
	if err != nil {
		return err
	}
	upper, err := floatParam(c, "high_bound")
	if err != nil {
		return err
	}
	minRuns := 0
	if raw := c.QueryParam("min_executions"); raw != "" {
		minRuns, err = strconv.Atoi(raw)
		if err != nil || minRuns < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "min_executions must be a positive integer")
		}
	}

	flaky, err := s.analytics.FlakyTests(c.Request().Context(), c.Param("tenant"), lower, upper, minRuns)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, flaky)
}

// floatParam parses an optional float query parameter, zero when absent.
func floatParam(c echo.Context, name string) (float64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a number")
	}
	return v, nil
}

// sinceDaysParam parses the optional since_days query parameter.
func sinceDaysParam(c echo.Context) (int, error) {
	raw := c.QueryParam("since_days")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "since_days must be a non-negative integer")
	}
	return n, nil
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
