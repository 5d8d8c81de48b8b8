package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/squadron-hq/squadron/pkg/events"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/registry"
)

// listAgents returns live agents, optionally filtered by ?status=.
func (s *Server) listAgents(c *gin.Context) {
	agents, err := s.store.ListAgents(c.Request.Context(), models.AgentStatus(c.Query("status")))
	if err != nil {
		s.logger.Error("Failed to list agents", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list agents"})
		return
	}
	views := make([]models.AgentView, 0, len(agents))
	for _, a := range agents {
		view := models.AgentView{
			AgentID:       a.AgentID,
			Role:          a.Role,
			IssueNumber:   a.IssueNumber,
			SessionID:     a.SessionID,
			Status:        string(a.Status),
			Lifecycle:     string(s.sys.Agents.Role(a.Role).Lifecycle),
			PRNumber:      a.PRNumber,
			PipelineRunID: a.RunID,
			StageID:       a.StageRunID,
			Iterations:    a.IterationCount,
			ToolCalls:     a.ToolCallCount,
		}
		since := a.UpdatedAt
		switch a.Status {
		case models.AgentActive:
			view.ActiveSince = &since
		case models.AgentSleeping:
			view.SleepingSince = &since
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"agents": views})
}

// agentActivity returns the activity feed of one agent.
func (s *Server) agentActivity(c *gin.Context) {
	records, err := s.activity.List(c.Request.Context(), events.ActivityQuery{
		AgentID: c.Param("id"),
		SinceID: int64(queryInt(c, "since", 0)),
		Limit:   queryInt(c, "limit", 200),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load activity"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": records})
}

// agentStats aggregates resource usage for the live incarnation of an agent.
func (s *Server) agentStats(c *gin.Context) {
	ctx := c.Request.Context()
	agent, err := s.store.GetLiveAgent(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load agent"})
		return
	}
	stats, err := s.store.AgentStats(ctx, agent.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}
	if n, err := s.activity.CountForAgent(ctx, agent.AgentID); err == nil {
		stats.EventCount = n
	}
	c.JSON(http.StatusOK, stats)
}
