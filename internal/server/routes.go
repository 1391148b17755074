package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func (s *Server) RegisterRoutes() http.Handler {
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     s.config.CORS.AllowedOrigins,
		AllowMethods:     s.config.CORS.AllowedMethods,
		AllowHeaders:     s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           time.Duration(s.config.CORS.MaxAge) * time.Second,
	}))

	r.GET("/health", s.healthHandler)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/batch/process", s.submitBatchHandler)
		v1.GET("/batch/:batch_id/status", s.batchStatusHandler)
		v1.GET("/batch/:batch_id/results", s.batchResultsHandler)

		v1.POST("/process", s.submitRequestHandler)
		v1.GET("/requests/:request_id", s.requestStatusHandler)
	}

	return r
}
