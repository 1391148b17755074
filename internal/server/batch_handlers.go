package server

import (
	"errors"
	"fmt"
	"net/http"

	"paperflow/internal/database"
	"paperflow/internal/model"
	"paperflow/internal/orchestrator"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// submitBatchHandler accepts a batch submission and returns 202 once the
// batch is accepted; processing happens in the background from there.
func (s *Server) submitBatchHandler(c *gin.Context) {
	var req model.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request body: %v", err)})
		return
	}

	batch, err := s.orch.SubmitBatch(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, database.ErrDuplicateBatch):
			c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("batch_id %q already exists", req.BatchID)})
		default:
			log.Error().Err(err).Str("batchID", req.BatchID).Msg("Batch submission failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"batch_id":    batch.BatchID,
		"status":      batch.Status,
		"total_files": batch.TotalFiles,
		"created_at":  batch.CreatedAt,
	})
}

// batchStatusHandler returns the batch's counters and status; safe to poll
func (s *Server) batchStatusHandler(c *gin.Context) {
	batchID := c.Param("batch_id")

	batch, err := s.orch.GetBatchStatus(c.Request.Context(), batchID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("batch %q not found", batchID)})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"batch_id":        batch.BatchID,
		"status":          batch.Status,
		"total_files":     batch.TotalFiles,
		"processed_files": batch.ProcessedFiles,
		"failed_files":    batch.FailedFiles,
		"created_at":      batch.CreatedAt,
		"completed_at":    batch.CompletedAt,
	})
}

// batchResultsHandler serves the webhook-shaped payload on demand, for
// callers that poll instead of receiving webhooks.
func (s *Server) batchResultsHandler(c *gin.Context) {
	batchID := c.Param("batch_id")

	batch, err := s.orch.GetBatchStatus(c.Request.Context(), batchID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("batch %q not found", batchID)})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	payload, err := s.orch.BuildBatchPayload(c.Request.Context(), batch)
	if err != nil {
		log.Error().Err(err).Str("batchID", batchID).Msg("Could not build batch results")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, payload)
}
