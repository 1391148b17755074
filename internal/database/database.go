package database

import (
	"context"
	"errors"
	"time"

	"paperflow/internal/config"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Sentinel errors shared by all store implementations.
var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicateBatch  = errors.New("batch id already exists")
	ErrDuplicateResult = errors.New("result already recorded for operation")
)

// Database is the persistent store behind the orchestration core.
type Database interface {
	Health(ctx context.Context) error
	DocumentDatabase
	BatchDatabase
	RequestDatabase
}

type mongoDB struct {
	client *mongo.Client
	db     *mongo.Database

	documentsCol *mongo.Collection
	batchesCol   *mongo.Collection
	batchDocsCol *mongo.Collection
	requestsCol  *mongo.Collection
	resultsCol   *mongo.Collection
}

func New(cfg *config.Config) (Database, error) {
	clientOptions := options.Client().ApplyURI(cfg.MongoDB.URI)
	if cfg.MongoDB.Username != "" {
		clientOptions.SetAuth(options.Credential{
			Username: cfg.MongoDB.Username,
			Password: cfg.MongoDB.Password,
		})
	}

	client, err := mongo.Connect(context.TODO(), clientOptions)
	if err != nil {
		return nil, err
	}

	db := client.Database(cfg.MongoDB.DB)

	documentsCol := db.Collection("documents")
	docIndexModels := []mongo.IndexModel{
		{
			// Documents are deduplicated by origin URL
			Keys:    bson.D{{Key: "url", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "content_hash", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
	}

	batchesCol := db.Collection("batch_jobs")
	batchIndexModels := []mongo.IndexModel{
		{
			// Caller-supplied batch ids must be unique; duplicate submissions
			// surface as a write conflict here
			Keys:    bson.D{{Key: "batch_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}},
			Options: options.Index(),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: -1}},
			Options: options.Index(),
		},
	}

	batchDocsCol := db.Collection("batch_documents")
	batchDocIndexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "batch_oid", Value: 1}},
			Options: options.Index(),
		},
	}

	requestsCol := db.Collection("processing_requests")
	requestIndexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "batch_oid", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
		{
			// Stale-worker sweeps query by status + heartbeat age
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "last_heartbeat", Value: 1}},
			Options: options.Index(),
		},
	}

	resultsCol := db.Collection("ai_processing_results")
	resultIndexModels := []mongo.IndexModel{
		{
			// At most one result per (request, operation)
			Keys:    bson.D{{Key: "request_oid", Value: 1}, {Key: "operation", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}

	for col, models := range map[*mongo.Collection][]mongo.IndexModel{
		documentsCol: docIndexModels,
		batchesCol:   batchIndexModels,
		batchDocsCol: batchDocIndexModels,
		requestsCol:  requestIndexModels,
		resultsCol:   resultIndexModels,
	} {
		if _, err := col.Indexes().CreateMany(context.Background(), models); err != nil {
			log.Warn().Err(err).Str("collection", col.Name()).Msg("Error creating indexes")
		}
	}

	return &mongoDB{
		client:       client,
		db:           db,
		documentsCol: documentsCol,
		batchesCol:   batchesCol,
		batchDocsCol: batchDocsCol,
		requestsCol:  requestsCol,
		resultsCol:   resultsCol,
	}, nil
}

// Health implements Database interface
func (m *mongoDB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	err := m.client.Ping(ctx, nil)
	if err != nil {
		log.Error().Msgf("Database health error: %v", err)
		return err
	}

	return nil
}
