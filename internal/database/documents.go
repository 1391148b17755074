package database

import (
	"context"
	"errors"
	"path"
	"time"

	"paperflow/internal/model"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DocumentDatabase defines document-registry operations
type DocumentDatabase interface {
	// Get an existing document by origin URL or create it
	GetOrCreateDocument(ctx context.Context, url, source string) (*model.Document, bool, error)

	// Get a document by ID
	GetDocumentByID(ctx context.Context, id primitive.ObjectID) (*model.Document, error)

	// Look up a document by content hash
	FindDocumentByHash(ctx context.Context, hash string) (*model.Document, error)

	// Record content attributes learned after the first fetch
	SetDocumentContent(ctx context.Context, id primitive.ObjectID, hash string, size int64, pages int) error
}

// GetOrCreateDocument upserts a document keyed by its origin URL. The bool
// return reports whether the row was created by this call. On a hit only
// last_accessed_at is refreshed; stored content attributes stay untouched.
func (m *mongoDB) GetOrCreateDocument(ctx context.Context, url, source string) (*model.Document, bool, error) {
	now := time.Now()

	update := bson.M{
		"$set": bson.M{
			"last_accessed_at": now,
		},
		"$setOnInsert": bson.M{
			"url":           url,
			"filename":      path.Base(url),
			"source":        source,
			"first_seen_at": now,
		},
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var doc model.Document
	err := m.documentsCol.FindOneAndUpdate(ctx, bson.M{"url": url}, update, opts).Decode(&doc)
	if err != nil {
		log.Error().Err(err).Str("url", url).Msg("Failed to upsert document")
		return nil, false, err
	}

	created := doc.FirstSeenAt.Equal(doc.LastAccessedAt)
	if created {
		log.Debug().Str("documentID", doc.ID.Hex()).Str("url", url).Msg("Created new document")
	}

	return &doc, created, nil
}

// GetDocumentByID retrieves a document by its ID
func (m *mongoDB) GetDocumentByID(ctx context.Context, id primitive.ObjectID) (*model.Document, error) {
	var doc model.Document
	err := m.documentsCol.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		log.Error().Err(err).Str("documentID", id.Hex()).Msg("Failed to get document")
		return nil, err
	}

	return &doc, nil
}

// FindDocumentByHash looks up a document by its content hash
func (m *mongoDB) FindDocumentByHash(ctx context.Context, hash string) (*model.Document, error) {
	var doc model.Document
	err := m.documentsCol.FindOne(ctx, bson.M{"content_hash": hash}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		log.Error().Err(err).Str("hash", hash).Msg("Failed to find document by hash")
		return nil, err
	}

	return &doc, nil
}

// SetDocumentContent records hash, size and page count once the file bytes
// have been fetched. Attributes are written once; later fetches of the same
// document leave them alone.
func (m *mongoDB) SetDocumentContent(ctx context.Context, id primitive.ObjectID, hash string, size int64, pages int) error {
	filter := bson.M{
		"_id":          id,
		"content_hash": bson.M{"$in": bson.A{nil, ""}},
	}

	update := bson.M{
		"$set": bson.M{
			"content_hash": hash,
			"file_size":    size,
			"page_count":   pages,
		},
	}

	_, err := m.documentsCol.UpdateOne(ctx, filter, update)
	if err != nil {
		log.Error().Err(err).Str("documentID", id.Hex()).Msg("Failed to set document content attributes")
		return err
	}

	return nil
}
