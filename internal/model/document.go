package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Document represents a unique PDF known to the system, keyed by its origin
// URL. A document is created the first time any submission references it and
// may be shared by many processing requests.
type Document struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	URL         string             `bson:"url" json:"url"`
	Filename    string             `bson:"filename" json:"filename"`
	ContentHash string             `bson:"content_hash,omitempty" json:"content_hash,omitempty"`
	FileSize    int64              `bson:"file_size,omitempty" json:"file_size,omitempty"`
	PageCount   int                `bson:"page_count,omitempty" json:"page_count,omitempty"`
	Source      string             `bson:"source,omitempty" json:"source,omitempty"`

	FirstSeenAt    time.Time `bson:"first_seen_at" json:"first_seen_at"`
	LastAccessedAt time.Time `bson:"last_accessed_at" json:"last_accessed_at"`
}

// FileStatus is the per-file state within a batch
type FileStatus string

const (
	FilePending    FileStatus = "pending"
	FileProcessing FileStatus = "processing"
	FileCompleted  FileStatus = "completed"
	FileFailed     FileStatus = "failed"
)

// BatchDocument links a batch to one of its documents. The row is owned by
// the batch and is removed with it; its status mirrors the file's
// ProcessingRequest but is tracked independently.
type BatchDocument struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	BatchOID     primitive.ObjectID `bson:"batch_oid" json:"batch_oid"`
	DocumentOID  primitive.ObjectID `bson:"document_oid" json:"document_oid"`
	FileURL      string             `bson:"file_url" json:"file_url"`
	OrderInBatch int                `bson:"order_in_batch" json:"order_in_batch"`
	Status       FileStatus         `bson:"status" json:"status"`
	CreatedAt    time.Time          `bson:"created_at" json:"created_at"`
}
