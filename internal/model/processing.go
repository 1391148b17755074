package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// RequestStatus represents the lifecycle state of a processing request.
// Transitions are monotonic: processing -> completed or processing -> failed,
// never backwards.
type RequestStatus string

const (
	RequestProcessing RequestStatus = "processing"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed
}

// RequestKind distinguishes single submissions from batch members
type RequestKind string

const (
	KindSingle RequestKind = "single"
	KindBatch  RequestKind = "batch"
)

// Operation is one extraction the AI collaborator can perform on a document
type Operation string

const (
	OpMetadata   Operation = "metadata"
	OpReferences Operation = "references"
	OpFullText   Operation = "full_text"
)

// OperationSet is the caller-selected set of extractions for a request.
type OperationSet struct {
	ExtractMetadata    bool `bson:"extract_metadata" json:"extract_metadata"`
	ExtractFullText    bool `bson:"extract_full_text" json:"extract_full_text"`
	ExtractReferences  bool `bson:"extract_references" json:"extract_references"`
	CompleteReferences bool `bson:"complete_references" json:"complete_references"`
}

// DefaultOperations mirrors the defaults applied when a submission omits
// options: metadata and references on, full text off.
func DefaultOperations() OperationSet {
	return OperationSet{ExtractMetadata: true, ExtractReferences: true}
}

// Operations expands the set into the ordered list of operations to run.
func (o OperationSet) Operations() []Operation {
	var ops []Operation
	if o.ExtractMetadata {
		ops = append(ops, OpMetadata)
	}
	if o.ExtractReferences {
		ops = append(ops, OpReferences)
	}
	if o.ExtractFullText {
		ops = append(ops, OpFullText)
	}
	return ops
}

// Empty reports whether no operation is selected.
func (o OperationSet) Empty() bool {
	return !o.ExtractMetadata && !o.ExtractReferences && !o.ExtractFullText
}

// ErrorType classifies a per-task or per-operation failure
type ErrorType string

const (
	ErrTypeDownload  ErrorType = "download_error"
	ErrTypeAIService ErrorType = "ai_service_error"
	ErrTypeParse     ErrorType = "parse_error"
	ErrTypeTimeout   ErrorType = "timeout_error"

	// ErrTypeScheduling marks a file that never reached a worker: the
	// scheduler rejected it or the worker could not claim it.
	ErrTypeScheduling ErrorType = "scheduling_error"
)

// ProcessingRequest is one attempt to process one document for a set of
// requested operations.
type ProcessingRequest struct {
	ID               primitive.ObjectID  `bson:"_id,omitempty" json:"id"`
	DocumentOID      primitive.ObjectID  `bson:"document_oid" json:"document_oid"`
	BatchOID         *primitive.ObjectID `bson:"batch_oid,omitempty" json:"batch_oid,omitempty"`
	BatchDocumentOID *primitive.ObjectID `bson:"batch_document_oid,omitempty" json:"batch_document_oid,omitempty"`

	Kind       RequestKind   `bson:"request_type" json:"request_type"`
	Operations OperationSet  `bson:"operations" json:"operations"`
	Status     RequestStatus `bson:"status" json:"status"`

	FileURL string `bson:"file_url" json:"file_url"`

	// Progress tracking. Progress is 0-100; LastHeartbeat is refreshed at
	// execution checkpoints so a stuck worker is detectable by heartbeat age.
	Progress      int       `bson:"progress" json:"progress"`
	WorkerID      string    `bson:"worker_id,omitempty" json:"worker_id,omitempty"`
	LastHeartbeat time.Time `bson:"last_heartbeat,omitempty" json:"last_heartbeat,omitempty"`

	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
	StartedAt   *time.Time `bson:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt *time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`

	WebhookURL      string     `bson:"webhook_url,omitempty" json:"webhook_url,omitempty"`
	WebhookSentAt   *time.Time `bson:"webhook_sent_at,omitempty" json:"webhook_sent_at,omitempty"`
	WebhookResponse string     `bson:"webhook_response,omitempty" json:"webhook_response,omitempty"`

	ErrorType    ErrorType `bson:"error_type,omitempty" json:"error_type,omitempty"`
	ErrorMessage string    `bson:"error_message,omitempty" json:"error_message,omitempty"`
}

// AIProcessingResult is one result row per requested operation per request.
// Rows are written by the job executor as soon as each collaborator call
// returns and are never mutated afterwards.
type AIProcessingResult struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	RequestOID  primitive.ObjectID `bson:"request_oid" json:"request_oid"`
	DocumentOID primitive.ObjectID `bson:"document_oid" json:"document_oid"`

	Operation Operation     `bson:"operation" json:"operation"`
	Status    RequestStatus `bson:"status" json:"status"`

	DurationMS int64 `bson:"duration_ms" json:"duration_ms"`

	// RawResponse preserves the collaborator's response verbatim; Result is
	// the structured parse of it.
	RawResponse string         `bson:"raw_response,omitempty" json:"raw_response,omitempty"`
	Result      map[string]any `bson:"result,omitempty" json:"result,omitempty"`

	ErrorType    ErrorType `bson:"error_type,omitempty" json:"error_type,omitempty"`
	ErrorMessage string    `bson:"error_message,omitempty" json:"error_message,omitempty"`
	ErrorStep    string    `bson:"error_step,omitempty" json:"error_step,omitempty"`

	Model      string    `bson:"model,omitempty" json:"model,omitempty"`
	TokensUsed int       `bson:"tokens_used,omitempty" json:"tokens_used,omitempty"`
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
}

// ProcessRequest is the caller-facing single-document submission.
type ProcessRequest struct {
	FileURL    string       `json:"file_url" binding:"required"`
	Options    OperationSet `json:"options"`
	WebhookURL string       `json:"webhook_url,omitempty"`
}
