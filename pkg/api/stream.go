package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/squadron-hq/squadron/pkg/events"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// stream is the SSE activity feed. A ?since= cursor replays persisted records
// the client missed before switching to live fan-out, so reconnecting clients
// lose nothing.
func (s *Server) stream(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	sub, unsubscribe := s.activity.Hub().Subscribe()
	defer unsubscribe()

	c.SSEvent("connected", gin.H{"instance_id": s.instanceID})
	c.Writer.Flush()

	cursor := int64(queryInt(c, "since", 0))
	if cursor > 0 {
		backlog, err := s.activity.List(c.Request.Context(), events.ActivityQuery{
			SinceID: cursor,
			Limit:   500,
		})
		if err != nil {
			s.logger.Error("SSE hydration failed", "error", err)
		}
		for _, rec := range backlog {
			c.SSEvent(string(rec.Type), rec)
			cursor = rec.ID
		}
		c.Writer.Flush()
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case rec, ok := <-sub:
			if !ok {
				// Hub dropped us as a slow subscriber or shut down.
				return
			}
			if rec.ID != 0 && rec.ID <= cursor {
				continue
			}
			c.SSEvent(string(rec.Type), rec)
			c.Writer.Flush()
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"time": time.Now().UTC()})
			c.Writer.Flush()
		}
	}
}
