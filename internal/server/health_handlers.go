package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// healthHandler reports the health of each backing service. The response is
// 200 only when every configured dependency answers.
func (s *Server) healthHandler(c *gin.Context) {
	ctx := c.Request.Context()
	healthy := true
	checks := gin.H{}

	if err := s.db.Health(ctx); err != nil {
		checks["mongodb"] = err.Error()
		healthy = false
	} else {
		checks["mongodb"] = "ok"
	}

	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		} else {
			checks["redis"] = "ok"
		}
	}

	if s.rabbit != nil {
		if err := s.rabbit.Health(); err != nil {
			checks["rabbitmq"] = err.Error()
			healthy = false
		} else {
			checks["rabbitmq"] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{"healthy": healthy, "checks": checks})
}
