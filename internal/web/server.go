package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/apkforge/apkforge/internal/storage"
	"github.com/apkforge/apkforge/pkg/api"
)

// JobStore provides read access to persisted jobs
type JobStore interface {
	GetJob(id string) (*api.Job, error)
	ListJobs(state api.JobState, limit int) ([]*api.Job, error)
	CountByState() (map[api.JobState]int, error)
}

// QueueReader exposes the build queue state
type QueueReader interface {
	Stats() api.QueueStats
	Open() bool
}

// BaseProvider reports where the base APK lives and can re-fetch it
type BaseProvider interface {
	Path() string
	Refresh(ctx context.Context) error
}

// ToolVerifier checks that the external build tools are available
type ToolVerifier interface {
	Verify(ctx context.Context) ([]api.ToolInfo, error)
}

const defaultListLimit = 50

// Server is the HTTP status API for the build service
type Server struct {
	router  *gin.Engine
	server  *http.Server
	store   JobStore
	queue   QueueReader
	base    BaseProvider
	tools   ToolVerifier
	logger  *logrus.Logger
	started time.Time
}

// NewServer creates a new status API server
func NewServer(port uint16, store JobStore, queue QueueReader, base BaseProvider, tools ToolVerifier, logger *logrus.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		router: router,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: router,
		},
		store:   store,
		queue:   queue,
		base:    base,
		tools:   tools,
		logger:  logger,
		started: time.Now(),
	}

	router.Use(RecoveryHandler(logger))
	router.Use(LoggingMiddleware(logger))

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	apiGroup := s.router.Group("/api")
	{
		apiGroup.GET("/jobs", s.handleListJobs)
		apiGroup.GET("/jobs/:id", s.handleGetJob)
		apiGroup.GET("/stats", s.handleStats)
		apiGroup.POST("/base/refresh", s.handleRefreshBase)
	}
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.WithField("addr", s.server.Addr).Info("Starting status API server")

	err := s.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status API server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping status API server")
	return s.server.Shutdown(ctx)
}

// Router returns the underlying gin router, used by tests
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	status := api.HealthStatus{
		Status:    "ok",
		BaseAPK:   s.base.Path(),
		QueueOpen: s.queue.Open(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	tools, err := s.tools.Verify(ctx)
	status.Tools = tools
	if err != nil {
		status.Status = "degraded"
	}

	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (s *Server) handleListJobs(c *gin.Context) {
	state := api.JobState(c.Query("state"))

	jobs, err := s.store.ListJobs(state, defaultListLimit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list jobs")
		c.JSON(http.StatusInternalServerError, api.Error{
			Code:    http.StatusInternalServerError,
			Message: "failed to list jobs",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleGetJob(c *gin.Context) {
	id := c.Param("id")

	job, err := s.store.GetJob(id)
	if err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, api.Error{
				Code:    http.StatusNotFound,
				Message: fmt.Sprintf("job %s not found", id),
			})
			return
		}
		s.logger.WithError(err).WithField("job_id", id).Error("Failed to load job")
		c.JSON(http.StatusInternalServerError, api.Error{
			Code:    http.StatusInternalServerError,
			Message: "failed to load job",
		})
		return
	}

	c.JSON(http.StatusOK, job)
}

// handleRefreshBase forces a re-download of the base APK, for operators
// rolling out a new base artifact without restarting the service.
func (s *Server) handleRefreshBase(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Minute)
	defer cancel()

	if err := s.base.Refresh(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to refresh base APK")
		c.JSON(http.StatusBadGateway, api.Error{
			Code:    http.StatusBadGateway,
			Message: fmt.Sprintf("failed to refresh base APK: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"base_apk": s.base.Path()})
}

func (s *Server) handleStats(c *gin.Context) {
	stats := s.queue.Stats()

	counts, err := s.store.CountByState()
	if err != nil {
		s.logger.WithError(err).Error("Failed to count jobs")
		c.JSON(http.StatusInternalServerError, api.Error{
			Code:    http.StatusInternalServerError,
			Message: "failed to count jobs",
		})
		return
	}
	stats.Pending = counts[api.JobPending] + counts[api.JobBuilding]
	stats.Succeeded = counts[api.JobSucceeded]
	stats.Failed = counts[api.JobFailed]

	c.JSON(http.StatusOK, stats)
}
