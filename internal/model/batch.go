package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// BatchStatus represents the current state of a batch job
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// Terminal reports whether the status is final.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

// BatchJob represents one batch submission. The caller supplies BatchID and
// it must be unique for the batch's lifetime. Counters satisfy
// processed_files + failed_files <= total_files at all times; the status is
// terminal only once the sum reaches total_files.
type BatchJob struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	BatchID    string             `bson:"batch_id" json:"batch_id"`
	Status     BatchStatus        `bson:"status" json:"status"`
	WebhookURL string             `bson:"webhook_url,omitempty" json:"webhook_url,omitempty"`

	TotalFiles     int `bson:"total_files" json:"total_files"`
	ProcessedFiles int `bson:"processed_files" json:"processed_files"`
	FailedFiles    int `bson:"failed_files" json:"failed_files"`

	// Original request payload, retained verbatim for audit.
	RequestPayload any `bson:"request_payload,omitempty" json:"request_payload,omitempty"`

	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at" json:"updated_at"`
	CompletedAt *time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`

	WebhookSentAt   *time.Time `bson:"webhook_sent_at,omitempty" json:"webhook_sent_at,omitempty"`
	WebhookAttempts int        `bson:"webhook_attempts,omitempty" json:"webhook_attempts,omitempty"`
	WebhookResponse string     `bson:"webhook_response,omitempty" json:"webhook_response,omitempty"`
}

// Finished reports whether every file has reached a terminal state.
func (b *BatchJob) Finished() bool {
	return b.ProcessedFiles+b.FailedFiles >= b.TotalFiles
}

// BatchFile is one entry in a batch submission.
type BatchFile struct {
	URL      string            `json:"url" binding:"required"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// BatchRequest is the caller-facing batch submission.
type BatchRequest struct {
	Files      []BatchFile  `json:"files" binding:"required"`
	Options    OperationSet `json:"options"`
	BatchID    string       `json:"batch_id" binding:"required"`
	WebhookURL string       `json:"webhook_url,omitempty"`
}
