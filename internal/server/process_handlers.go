package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"paperflow/internal/database"
	"paperflow/internal/model"
	"paperflow/internal/orchestrator"

	"github.com/gin-gonic/gin"
)

// submitRequestHandler accepts a single-document submission
func (s *Server) submitRequestHandler(c *gin.Context) {
	var req model.ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request body: %v", err)})
		return
	}

	processing, err := s.orch.SubmitRequest(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, orchestrator.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"request_id": processing.ID.Hex(),
		"status":     processing.Status,
		"file_url":   processing.FileURL,
		"created_at": processing.CreatedAt,
	})
}

// requestStatusHandler returns the request's progress and, once terminal,
// its per-operation results. The cached progress snapshot answers for
// in-flight requests without a store read.
func (s *Server) requestStatusHandler(c *gin.Context) {
	requestID := c.Param("request_id")

	req, results, err := s.orch.GetRequest(c.Request.Context(), requestID)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, database.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("request %q not found", requestID)})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	progress := req.Progress
	var heartbeatAge *float64
	if snap, err := s.tracker.Snapshot(c.Request.Context(), req.ID); err == nil {
		progress = snap.Progress
		age := time.Since(snap.LastHeartbeat).Seconds()
		heartbeatAge = &age
	} else if !req.LastHeartbeat.IsZero() {
		age := time.Since(req.LastHeartbeat).Seconds()
		heartbeatAge = &age
	}

	resp := gin.H{
		"request_id":            req.ID.Hex(),
		"file_url":              req.FileURL,
		"status":                req.Status,
		"progress":              progress,
		"worker_id":             req.WorkerID,
		"heartbeat_age_seconds": heartbeatAge,
		"created_at":            req.CreatedAt,
		"completed_at":          req.CompletedAt,
	}

	if req.Status == model.RequestFailed {
		resp["error"] = gin.H{"type": req.ErrorType, "message": req.ErrorMessage}
	}
	if req.Status.Terminal() {
		resp["results"] = results
	}

	c.JSON(http.StatusOK, resp)
}
