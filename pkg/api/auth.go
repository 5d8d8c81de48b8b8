package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// requireToken guards the dashboard endpoints with the configured bearer
// token. An empty configured token leaves the API open. SSE clients cannot
// set headers from EventSource, so a token query parameter is accepted too.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := s.sys.DashboardToken
		if token == "" {
			c.Next()
			return
		}
		presented := bearerToken(c.GetHeader("Authorization"))
		if presented == "" {
			presented = c.Query("token")
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return header[len(prefix):]
	}
	return ""
}
