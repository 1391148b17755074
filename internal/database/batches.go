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

// BatchDatabase defines batch-related store operations
type BatchDatabase interface {
	// Create a new batch; fails with ErrDuplicateBatch on a reused batch id
	CreateBatch(ctx context.Context, batch *model.BatchJob) error

	// Get a batch by its caller-supplied id
	GetBatchByBatchID(ctx context.Context, batchID string) (*model.BatchJob, error)

	// Get a batch by its row id
	GetBatchByID(ctx context.Context, id primitive.ObjectID) (*model.BatchJob, error)

	// Move a pending batch to processing (no-op once past pending)
	MarkBatchProcessing(ctx context.Context, id primitive.ObjectID) error

	// Atomically add to the processed/failed counters, returning the updated batch
	IncrementBatchCounters(ctx context.Context, id primitive.ObjectID, processedDelta, failedDelta int) (*model.BatchJob, error)

	// Set the terminal status; returns true only for the call that won the transition
	FinalizeBatch(ctx context.Context, id primitive.ObjectID, status model.BatchStatus) (bool, error)

	// Record the webhook delivery outcome on the batch
	RecordBatchWebhook(ctx context.Context, id primitive.ObjectID, delivered bool, attempts int, response string) error

	// Create a batch-document link row
	CreateBatchDocument(ctx context.Context, doc *model.BatchDocument) error

	// Move a batch document to a terminal status; returns true only for the
	// call that performed the transition
	UpdateBatchDocumentStatus(ctx context.Context, id primitive.ObjectID, status model.FileStatus) (bool, error)

	// List the batch-document rows for a batch in submission order
	ListBatchDocuments(ctx context.Context, batchOID primitive.ObjectID) ([]model.BatchDocument, error)

	// Delete a batch and, cascading, its batch-document rows
	DeleteBatch(ctx context.Context, id primitive.ObjectID) error
}

// CreateBatch inserts a new batch job. The unique index on batch_id turns a
// reused id into ErrDuplicateBatch without writing anything.
func (m *mongoDB) CreateBatch(ctx context.Context, batch *model.BatchJob) error {
	if batch.ID.IsZero() {
		batch.ID = primitive.NewObjectID()
	}

	now := time.Now()
	batch.CreatedAt = now
	batch.UpdatedAt = now
	if batch.Status == "" {
		batch.Status = model.BatchPending
	}

	_, err := m.batchesCol.InsertOne(ctx, batch)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateBatch
		}
		log.Error().Err(err).Str("batchID", batch.BatchID).Msg("Failed to create batch")
		return err
	}

	log.Debug().Str("batchID", batch.BatchID).Int("totalFiles", batch.TotalFiles).Msg("Created new batch")
	return nil
}

// GetBatchByBatchID retrieves a batch by its caller-supplied id
func (m *mongoDB) GetBatchByBatchID(ctx context.Context, batchID string) (*model.BatchJob, error) {
	var batch model.BatchJob
	err := m.batchesCol.FindOne(ctx, bson.M{"batch_id": batchID}).Decode(&batch)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		log.Error().Err(err).Str("batchID", batchID).Msg("Failed to get batch")
		return nil, err
	}

	return &batch, nil
}

// GetBatchByID retrieves a batch by its row id
func (m *mongoDB) GetBatchByID(ctx context.Context, id primitive.ObjectID) (*model.BatchJob, error) {
	var batch model.BatchJob
	err := m.batchesCol.FindOne(ctx, bson.M{"_id": id}).Decode(&batch)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		log.Error().Err(err).Str("batchOID", id.Hex()).Msg("Failed to get batch")
		return nil, err
	}

	return &batch, nil
}

// MarkBatchProcessing moves a pending batch to processing
func (m *mongoDB) MarkBatchProcessing(ctx context.Context, id primitive.ObjectID) error {
	_, err := m.batchesCol.UpdateOne(ctx,
		bson.M{"_id": id, "status": model.BatchPending},
		bson.M{"$set": bson.M{
			"status":     model.BatchProcessing,
			"updated_at": time.Now(),
		}},
	)
	if err != nil {
		log.Error().Err(err).Str("batchOID", id.Hex()).Msg("Failed to mark batch processing")
	}
	return err
}

// IncrementBatchCounters applies a single atomic $inc to the shared per-batch
// counters and returns the post-increment document. Concurrent terminal
// reports for different files of the same batch serialize here, so no update
// is ever lost.
func (m *mongoDB) IncrementBatchCounters(ctx context.Context, id primitive.ObjectID, processedDelta, failedDelta int) (*model.BatchJob, error) {
	update := bson.M{
		"$inc": bson.M{
			"processed_files": processedDelta,
			"failed_files":    failedDelta,
		},
		"$set": bson.M{
			"updated_at": time.Now(),
		},
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var batch model.BatchJob
	err := m.batchesCol.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&batch)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		log.Error().Err(err).Str("batchOID", id.Hex()).Msg("Failed to increment batch counters")
		return nil, err
	}

	log.Debug().
		Str("batchID", batch.BatchID).
		Int("processed", batch.ProcessedFiles).
		Int("failed", batch.FailedFiles).
		Int("total", batch.TotalFiles).
		Msg("Updated batch counters")

	return &batch, nil
}

// FinalizeBatch sets the terminal status. The filter excludes batches that
// are already terminal, so exactly one concurrent caller observes true and
// terminal statuses never regress.
func (m *mongoDB) FinalizeBatch(ctx context.Context, id primitive.ObjectID, status model.BatchStatus) (bool, error) {
	now := time.Now()

	result, err := m.batchesCol.UpdateOne(ctx,
		bson.M{
			"_id":    id,
			"status": bson.M{"$in": bson.A{model.BatchPending, model.BatchProcessing}},
		},
		bson.M{"$set": bson.M{
			"status":       status,
			"completed_at": now,
			"updated_at":   now,
		}},
	)
	if err != nil {
		log.Error().Err(err).Str("batchOID", id.Hex()).Str("status", string(status)).Msg("Failed to finalize batch")
		return false, err
	}

	return result.ModifiedCount == 1, nil
}

// RecordBatchWebhook stores the delivery outcome. webhook_sent_at is only set
// on a successful delivery; a failed delivery leaves it unset with the last
// error in webhook_response.
func (m *mongoDB) RecordBatchWebhook(ctx context.Context, id primitive.ObjectID, delivered bool, attempts int, response string) error {
	set := bson.M{
		"webhook_attempts": attempts,
		"webhook_response": response,
		"updated_at":       time.Now(),
	}
	if delivered {
		set["webhook_sent_at"] = time.Now()
	}

	_, err := m.batchesCol.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		log.Error().Err(err).Str("batchOID", id.Hex()).Msg("Failed to record webhook outcome")
		return err
	}

	return nil
}

// CreateBatchDocument creates a batch-document link row
func (m *mongoDB) CreateBatchDocument(ctx context.Context, doc *model.BatchDocument) error {
	if doc.ID.IsZero() {
		doc.ID = primitive.NewObjectID()
	}
	doc.CreatedAt = time.Now()
	if doc.Status == "" {
		doc.Status = model.FilePending
	}

	_, err := m.batchDocsCol.InsertOne(ctx, doc)
	if err != nil {
		log.Error().Err(err).Str("batchOID", doc.BatchOID.Hex()).Str("fileURL", doc.FileURL).Msg("Failed to create batch document")
		return err
	}

	return nil
}

// UpdateBatchDocumentStatus moves a batch document out of its non-terminal
// state. The filter makes the transition first-writer-wins, so a file that is
// reported twice (worker report racing the stale sweeper) is counted once.
func (m *mongoDB) UpdateBatchDocumentStatus(ctx context.Context, id primitive.ObjectID, status model.FileStatus) (bool, error) {
	result, err := m.batchDocsCol.UpdateOne(ctx,
		bson.M{
			"_id":    id,
			"status": bson.M{"$in": bson.A{model.FilePending, model.FileProcessing}},
		},
		bson.M{"$set": bson.M{"status": status}},
	)
	if err != nil {
		log.Error().Err(err).Str("batchDocumentOID", id.Hex()).Str("status", string(status)).Msg("Failed to update batch document status")
		return false, err
	}

	return result.ModifiedCount == 1, nil
}

// ListBatchDocuments returns the batch's files in submission order
func (m *mongoDB) ListBatchDocuments(ctx context.Context, batchOID primitive.ObjectID) ([]model.BatchDocument, error) {
	opts := options.Find().SetSort(bson.M{"order_in_batch": 1})

	cursor, err := m.batchDocsCol.Find(ctx, bson.M{"batch_oid": batchOID}, opts)
	if err != nil {
		log.Error().Err(err).Str("batchOID", batchOID.Hex()).Msg("Failed to list batch documents")
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []model.BatchDocument
	if err := cursor.All(ctx, &docs); err != nil {
		log.Error().Err(err).Msg("Failed to decode batch documents")
		return nil, err
	}

	return docs, nil
}

// DeleteBatch removes a batch and its owned batch-document rows. Processing
// requests are weakly referenced and survive for audit.
func (m *mongoDB) DeleteBatch(ctx context.Context, id primitive.ObjectID) error {
	if _, err := m.batchDocsCol.DeleteMany(ctx, bson.M{"batch_oid": id}); err != nil {
		log.Error().Err(err).Str("batchOID", id.Hex()).Msg("Failed to delete batch documents")
		return err
	}

	if _, err := m.batchesCol.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		log.Error().Err(err).Str("batchOID", id.Hex()).Msg("Failed to delete batch")
		return err
	}

	return nil
}
