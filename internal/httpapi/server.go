// Package httpapi provides the HTTP surface of feedbackd: ingestion,
// topic and task reads, task lifecycle actions, and the GitHub webhook
// that feeds review outcomes back into the pipeline.
package httpapi

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

	"github.com/fyrsmithlabs/feedbackd/internal/config"
	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
	"github.com/fyrsmithlabs/feedbackd/internal/orchestrator"
	"github.com/fyrsmithlabs/feedbackd/internal/pipeline"
	"github.com/fyrsmithlabs/feedbackd/internal/store"
)

// Ingester accepts raw feedback submissions.
type Ingester interface {
	Ingest(ctx context.Context, sub *pipeline.Submission) (*pipeline.IngestResult, error)
}

// TaskOrchestrator is the lifecycle surface exposed over HTTP.
type TaskOrchestrator interface {
	Dispatch(ctx context.Context, taskID string) (*feedback.Task, error)
	RecordFix(ctx context.Context, taskID, patchRef, summary string) (*feedback.FixRecord, error)
	RecordReview(ctx context.Context, taskID string, verdict orchestrator.Verdict, comments []string) (*feedback.Task, error)
	MarkUnderReview(ctx context.Context, taskID string) (*feedback.Task, error)
	Cancel(ctx context.Context, taskID string) (*feedback.Task, error)
	CreateIssue(ctx context.Context, taskID string) (*feedback.Task, error)
}

// Server provides HTTP endpoints for feedbackd.
type Server struct {
	echo   *echo.Echo
	cfg    config.ServerConfig
	logger *zap.Logger

	ingester Ingester
	topics   store.TopicStore
	tasks    store.TaskStore
	triage   store.TriageStore
	orch     TaskOrchestrator

	webhookSecret []byte
}

// NewServer creates the HTTP server.
func NewServer(cfg config.ServerConfig, ingester Ingester, topics store.TopicStore, tasks store.TaskStore, triage store.TriageStore, orch TaskOrchestrator, webhookSecret string, logger *zap.Logger) (*Server, error) {
	if ingester == nil || topics == nil || tasks == nil || triage == nil || orch == nil {
		return nil, fmt.Errorf("all server dependencies are required")
	}
	if logger == nil {
		logger = zap.NewNop()
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
		echo:          e,
		cfg:           cfg,
		logger:        logger.Named("http"),
		ingester:      ingester,
		topics:        topics,
		tasks:         tasks,
		triage:        triage,
		orch:          orch,
		webhookSecret: []byte(webhookSecret),
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.POST("/webhooks/github", s.handleGitHubWebhook)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/ingest", s.handleIngest)
	v1.GET("/topics", s.handleListTopics)
	v1.GET("/topics/:id", s.handleGetTopic)
	v1.GET("/triage", s.handleListTriage)
	v1.GET("/tasks", s.handleListTasks)
	v1.GET("/tasks/:id", s.handleGetTask)
	v1.POST("/tasks/:id/dispatch", s.handleDispatch)
	v1.POST("/tasks/:id/issue", s.handleCreateIssue)
	v1.POST("/tasks/:id/fix", s.handleRecordFix)
	v1.POST("/tasks/:id/review", s.handleRecordReview)
	v1.POST("/tasks/:id/cancel", s.handleCancel)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleIngest(c echo.Context) error {
	var sub pipeline.Submission
	if err := c.Bind(&sub); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	res, err := s.ingester.Ingest(c.Request().Context(), &sub)
	if err != nil {
		return s.mapError(err)
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	return c.JSON(status, res)
}

func (s *Server) handleListTopics(c echo.Context) error {
	topics, err := s.topics.List(c.Request().Context())
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, topics)
}

func (s *Server) handleGetTopic(c echo.Context) error {
	topic, err := s.topics.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, topic)
}

func (s *Server) handleListTriage(c echo.Context) error {
	entries, err := s.triage.List(c.Request().Context())
	if err != nil {
		return s.mapError(err)
	}
	if entries == nil {
		entries = []store.TriageEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) handleListTasks(c echo.Context) error {
	tasks, err := s.tasks.List(c.Request().Context())
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, tasks)
}

func (s *Server) handleGetTask(c echo.Context) error {
	task, err := s.tasks.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, task)
}

func (s *Server) handleDispatch(c echo.Context) error {
	task, err := s.orch.Dispatch(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, task)
}

func (s *Server) handleCreateIssue(c echo.Context) error {
	task, err := s.orch.CreateIssue(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, task)
}

// RecordFixRequest is the request body for POST /api/v1/tasks/:id/fix.
type RecordFixRequest struct {
	PatchRef string `json:"patch_ref"`
	Summary  string `json:"summary,omitempty"`
}

func (s *Server) handleRecordFix(c echo.Context) error {
	var req RecordFixRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	fix, err := s.orch.RecordFix(c.Request().Context(), c.Param("id"), req.PatchRef, req.Summary)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusCreated, fix)
}

// RecordReviewRequest is the request body for POST /api/v1/tasks/:id/review.
type RecordReviewRequest struct {
	Verdict  string   `json:"verdict"`
	Comments []string `json:"comments,omitempty"`
}

func (s *Server) handleRecordReview(c echo.Context) error {
	var req RecordReviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	task, err := s.orch.RecordReview(c.Request().Context(), c.Param("id"), orchestrator.Verdict(req.Verdict), req.Comments)
	if err != nil && !errors.Is(err, feedback.ErrRetryExhausted) {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, task)
}

func (s *Server) handleCancel(c echo.Context) error {
	task, err := s.orch.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, task)
}

// mapError translates the error taxonomy to HTTP status codes.
func (s *Server) mapError(err error) error {
	switch {
	case errors.Is(err, feedback.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, feedback.ErrSignalNotFound),
		errors.Is(err, feedback.ErrTopicNotFound),
		errors.Is(err, feedback.ErrTaskNotFound),
		errors.Is(err, feedback.ErrFixNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, feedback.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, feedback.ErrRecoverable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("internal error", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
