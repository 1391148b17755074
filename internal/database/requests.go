package database

import (
	"context"
	"errors"
	"time"

	"paperflow/internal/model"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// RequestDatabase defines processing-request and result store operations
type RequestDatabase interface {
	// Create a new processing request
	CreateRequest(ctx context.Context, req *model.ProcessingRequest) error

	// Get a request by ID
	GetRequestByID(ctx context.Context, id primitive.ObjectID) (*model.ProcessingRequest, error)

	// Record the worker picking the request up
	StartRequest(ctx context.Context, id primitive.ObjectID, workerID string) error

	// Refresh progress percentage and heartbeat
	UpdateRequestProgress(ctx context.Context, id primitive.ObjectID, progress int) error

	// Terminal transitions; both are no-ops once the request is terminal
	CompleteRequest(ctx context.Context, id primitive.ObjectID) error
	FailRequest(ctx context.Context, id primitive.ObjectID, errType model.ErrorType, message string) error

	// Record the per-request webhook delivery outcome
	RecordRequestWebhook(ctx context.Context, id primitive.ObjectID, delivered bool, response string) error

	// Append one immutable result row; ErrDuplicateResult on a repeated operation
	CreateResult(ctx context.Context, result *model.AIProcessingResult) error

	// List the result rows for a request
	ListResults(ctx context.Context, requestOID primitive.ObjectID) ([]model.AIProcessingResult, error)

	// List all requests belonging to a batch
	ListRequestsByBatch(ctx context.Context, batchOID primitive.ObjectID) ([]model.ProcessingRequest, error)

	// Find processing requests whose heartbeat is older than the cutoff
	FindStaleRequests(ctx context.Context, cutoff time.Time) ([]model.ProcessingRequest, error)
}

// CreateRequest creates a new processing request
func (m *mongoDB) CreateRequest(ctx context.Context, req *model.ProcessingRequest) error {
	if req.ID.IsZero() {
		req.ID = primitive.NewObjectID()
	}
	req.CreatedAt = time.Now()
	if req.Status == "" {
		req.Status = model.RequestProcessing
	}

	_, err := m.requestsCol.InsertOne(ctx, req)
	if err != nil {
		log.Error().Err(err).Str("fileURL", req.FileURL).Msg("Failed to create processing request")
		return err
	}

	log.Debug().
		Str("requestID", req.ID.Hex()).
		Str("kind", string(req.Kind)).
		Str("fileURL", req.FileURL).
		Msg("Created processing request")

	return nil
}

// GetRequestByID retrieves a request by its ID
func (m *mongoDB) GetRequestByID(ctx context.Context, id primitive.ObjectID) (*model.ProcessingRequest, error) {
	var req model.ProcessingRequest
	err := m.requestsCol.FindOne(ctx, bson.M{"_id": id}).Decode(&req)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		log.Error().Err(err).Str("requestID", id.Hex()).Msg("Failed to get processing request")
		return nil, err
	}

	return &req, nil
}

// StartRequest records the worker identity, start time and first heartbeat
func (m *mongoDB) StartRequest(ctx context.Context, id primitive.ObjectID, workerID string) error {
	now := time.Now()

	_, err := m.requestsCol.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"worker_id":      workerID,
			"started_at":     now,
			"last_heartbeat": now,
			"progress":       0,
		}},
	)
	if err != nil {
		log.Error().Err(err).Str("requestID", id.Hex()).Str("workerID", workerID).Msg("Failed to start request")
		return err
	}

	return nil
}

// UpdateRequestProgress refreshes the progress percentage and heartbeat.
// Only non-terminal requests are touched, so a late progress report cannot
// resurrect a request the sweeper already failed.
func (m *mongoDB) UpdateRequestProgress(ctx context.Context, id primitive.ObjectID, progress int) error {
	_, err := m.requestsCol.UpdateOne(ctx,
		bson.M{"_id": id, "status": model.RequestProcessing},
		bson.M{"$set": bson.M{
			"progress":       progress,
			"last_heartbeat": time.Now(),
		}},
	)
	if err != nil {
		log.Error().Err(err).Str("requestID", id.Hex()).Int("progress", progress).Msg("Failed to update request progress")
		return err
	}

	return nil
}

// CompleteRequest moves a request from processing to completed
func (m *mongoDB) CompleteRequest(ctx context.Context, id primitive.ObjectID) error {
	now := time.Now()

	_, err := m.requestsCol.UpdateOne(ctx,
		bson.M{"_id": id, "status": model.RequestProcessing},
		bson.M{"$set": bson.M{
			"status":         model.RequestCompleted,
			"progress":       100,
			"completed_at":   now,
			"last_heartbeat": now,
		}},
	)
	if err != nil {
		log.Error().Err(err).Str("requestID", id.Hex()).Msg("Failed to complete request")
		return err
	}

	log.Debug().Str("requestID", id.Hex()).Msg("Request completed")
	return nil
}

// FailRequest moves a request from processing to failed with a classified error
func (m *mongoDB) FailRequest(ctx context.Context, id primitive.ObjectID, errType model.ErrorType, message string) error {
	now := time.Now()

	_, err := m.requestsCol.UpdateOne(ctx,
		bson.M{"_id": id, "status": model.RequestProcessing},
		bson.M{"$set": bson.M{
			"status":         model.RequestFailed,
			"completed_at":   now,
			"last_heartbeat": now,
			"error_type":     errType,
			"error_message":  message,
		}},
	)
	if err != nil {
		log.Error().Err(err).Str("requestID", id.Hex()).Str("errorType", string(errType)).Msg("Failed to fail request")
		return err
	}

	log.Debug().Str("requestID", id.Hex()).Str("errorType", string(errType)).Msg("Request failed")
	return nil
}

// RecordRequestWebhook stores the per-request delivery outcome
func (m *mongoDB) RecordRequestWebhook(ctx context.Context, id primitive.ObjectID, delivered bool, response string) error {
	set := bson.M{"webhook_response": response}
	if delivered {
		set["webhook_sent_at"] = time.Now()
	}

	_, err := m.requestsCol.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		log.Error().Err(err).Str("requestID", id.Hex()).Msg("Failed to record request webhook outcome")
		return err
	}

	return nil
}

// CreateResult appends one result row. The unique (request, operation) index
// enforces the append-only, at-most-one-per-operation invariant.
func (m *mongoDB) CreateResult(ctx context.Context, result *model.AIProcessingResult) error {
	if result.ID.IsZero() {
		result.ID = primitive.NewObjectID()
	}
	result.CreatedAt = time.Now()

	_, err := m.resultsCol.InsertOne(ctx, result)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateResult
		}
		log.Error().Err(err).
			Str("requestID", result.RequestOID.Hex()).
			Str("operation", string(result.Operation)).
			Msg("Failed to create processing result")
		return err
	}

	log.Debug().
		Str("requestID", result.RequestOID.Hex()).
		Str("operation", string(result.Operation)).
		Str("status", string(result.Status)).
		Int64("durationMS", result.DurationMS).
		Msg("Recorded processing result")

	return nil
}

// ListResults returns the result rows for a request in creation order
func (m *mongoDB) ListResults(ctx context.Context, requestOID primitive.ObjectID) ([]model.AIProcessingResult, error) {
	opts := options.Find().SetSort(bson.M{"created_at": 1})

	cursor, err := m.resultsCol.Find(ctx, bson.M{"request_oid": requestOID}, opts)
	if err != nil {
		log.Error().Err(err).Str("requestID", requestOID.Hex()).Msg("Failed to list results")
		return nil, err
	}
	defer cursor.Close(ctx)

	var results []model.AIProcessingResult
	if err := cursor.All(ctx, &results); err != nil {
		log.Error().Err(err).Msg("Failed to decode results")
		return nil, err
	}

	return results, nil
}

// ListRequestsByBatch returns every processing request of a batch
func (m *mongoDB) ListRequestsByBatch(ctx context.Context, batchOID primitive.ObjectID) ([]model.ProcessingRequest, error) {
	cursor, err := m.requestsCol.Find(ctx, bson.M{"batch_oid": batchOID})
	if err != nil {
		log.Error().Err(err).Str("batchOID", batchOID.Hex()).Msg("Failed to list requests by batch")
		return nil, err
	}
	defer cursor.Close(ctx)

	var requests []model.ProcessingRequest
	if err := cursor.All(ctx, &requests); err != nil {
		log.Error().Err(err).Msg("Failed to decode requests")
		return nil, err
	}

	return requests, nil
}

// FindStaleRequests returns processing requests whose last heartbeat is older
// than the cutoff. Used by the stale-worker sweeper.
func (m *mongoDB) FindStaleRequests(ctx context.Context, cutoff time.Time) ([]model.ProcessingRequest, error) {
	cursor, err := m.requestsCol.Find(ctx, bson.M{
		"status":         model.RequestProcessing,
		"last_heartbeat": bson.M{"$lt": cutoff},
	})
	if err != nil {
		log.Error().Err(err).Time("cutoff", cutoff).Msg("Failed to find stale requests")
		return nil, err
	}
	defer cursor.Close(ctx)

	var requests []model.ProcessingRequest
	if err := cursor.All(ctx, &requests); err != nil {
		log.Error().Err(err).Msg("Failed to decode stale requests")
		return nil, err
	}

	return requests, nil
}
