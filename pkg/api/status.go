package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/squadron-hq/squadron/pkg/events"
	"github.com/squadron-hq/squadron/pkg/models"
)

// listActivity returns the global activity feed, filterable by run, agent,
// and type.
func (s *Server) listActivity(c *gin.Context) {
	records, err := s.activity.List(c.Request.Context(), events.ActivityQuery{
		AgentID: c.Query("agent"),
		RunID:   c.Query("run"),
		Type:    events.ActivityType(c.Query("type")),
		SinceID: int64(queryInt(c, "since", 0)),
		Limit:   queryInt(c, "limit", 200),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load activity"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": records})
}

// status reports orchestrator health for dashboards and probes.
func (s *Server) status(c *gin.Context) {
	ctx := c.Request.Context()
	report := models.StatusReport{
		Healthy:    true,
		InstanceID: s.instanceID,
	}

	if err := s.db.HealthCheck(ctx); err != nil {
		report.Healthy = false
		report.DBError = err.Error()
	} else {
		report.DBReachable = true
	}

	if running, err := s.store.ListRunsByStatus(ctx, models.RunRunning, models.RunWaiting); err == nil {
		report.RunningPipelines = len(running)
	}
	if s.router != nil {
		report.QueueDepth = s.router.QueueDepth()
		report.Lanes = s.router.Lanes()
	}
	if s.pool != nil {
		report.ActiveAgents = s.pool.ActiveCount()
		report.MaxActiveAgents = s.pool.MaxActive()
	}
	if s.sweeper != nil {
		report.LastReconcile = s.sweeper.LastSweep()
	}

	code := http.StatusOK
	if !report.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}
