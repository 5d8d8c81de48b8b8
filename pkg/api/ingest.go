package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/router"
)

// ingestEvent accepts one normalized event from the webhook receiver and
// hands it to the router. A full queue answers 503 so the receiver can rely
// on forge redelivery.
func (s *Server) ingestEvent(c *gin.Context) {
	if s.emitter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event router not ready"})
		return
	}

	var ev models.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event: " + err.Error()})
		return
	}
	if ev.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event type is required"})
		return
	}

	if err := s.emitter.Emit(&ev); err != nil {
		if errors.Is(err, router.ErrQueueFull) {
			c.Header("Retry-After", "5")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}
