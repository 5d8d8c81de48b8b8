// Package api serves the dashboard and operator surface: pipeline and run
// inspection, agent inspection, the activity feed, SSE streams, and run
// cancellation. Read-only except for cancel.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/database"
	"github.com/squadron-hq/squadron/pkg/events"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/registry"
)

// Engine is the subset of the pipeline engine the API drives.
type Engine interface {
	Cancel(ctx context.Context, runID, reason string) error
}

// Emitter accepts normalized events from the out-of-process webhook
// receiver. Emit returns a retryable error when the event queue is full.
type Emitter interface {
	Emit(ev *models.Event) error
}

// RouterStats exposes event queue state for the status report.
type RouterStats interface {
	QueueDepth() int
	Lanes() int
}

// AgentPool exposes slot occupancy for the status report.
type AgentPool interface {
	ActiveCount() int
	MaxActive() int
}

// Sweeper exposes the last reconciliation time for the status report.
type Sweeper interface {
	LastSweep() time.Time
}

// Server is the HTTP API.
type Server struct {
	store    *registry.Store
	defs     *config.DefinitionStore
	activity *events.ActivityLog
	engine   Engine
	db       *database.Client

	emitter Emitter
	router  RouterStats
	pool    AgentPool
	sweeper Sweeper

	sys        config.SystemConfig
	instanceID string
	logger     *slog.Logger

	httpSrv *http.Server
}

// NewServer wires the API server. router, pool, and sweeper may be nil; the
// status report then omits their sections.
func NewServer(store *registry.Store, defs *config.DefinitionStore, activity *events.ActivityLog, engine Engine, db *database.Client, sys config.SystemConfig, instanceID string) *Server {
	return &Server{
		store:      store,
		defs:       defs,
		activity:   activity,
		engine:     engine,
		db:         db,
		sys:        sys,
		instanceID: instanceID,
		logger:     slog.With("component", "api"),
	}
}

// BindStats attaches the optional status sources.
func (s *Server) BindStats(router RouterStats, pool AgentPool, sweeper Sweeper) {
	s.router = router
	s.pool = pool
	s.sweeper = sweeper
}

// BindEmitter attaches the event sink backing POST /events. Without it the
// ingest endpoint answers 503.
func (s *Server) BindEmitter(emitter Emitter) { s.emitter = emitter }

// Routes builds the gin engine with all endpoints registered.
func (s *Server) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := r.Group("/", s.requireToken())
	{
		authed.POST("/events", s.ingestEvent)
		authed.GET("/status", s.status)

		authed.GET("/pipelines", s.listPipelines)
		authed.GET("/pipelines/runs", s.listRuns)
		authed.GET("/pipelines/runs/:id", s.getRun)
		authed.POST("/pipelines/runs/:id/cancel", s.cancelRun)
		authed.GET("/pipelines/stream", s.stream)

		authed.GET("/agents", s.listAgents)
		authed.GET("/agents/:id/activity", s.agentActivity)
		authed.GET("/agents/:id/stats", s.agentStats)

		authed.GET("/activity", s.listActivity)
		authed.GET("/stream", s.stream)
	}
	return r
}

// Start serves HTTP until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server listening", "addr", addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) health(c *gin.Context) {
	if err := s.db.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
