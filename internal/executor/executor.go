package executor

import (
	"context"
	"errors"
	"time"

	"paperflow/internal/database"
	"paperflow/internal/model"
	"paperflow/pkg/gemini"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Extractor is the AI collaborator surface the executor needs
type Extractor interface {
	Extract(ctx context.Context, op model.Operation, pdf []byte) (*gemini.Extraction, error)
	// ExtractCompleteReferences runs the references operation in
	// continuation mode for documents whose reference lists overflow a
	// single response.
	ExtractCompleteReferences(ctx context.Context, pdf []byte) (*gemini.Extraction, error)
	Model() string
}

// Progress receives execution checkpoints; the scheduler wires the progress
// tracker in here so heartbeats refresh as the pipeline advances.
type Progress interface {
	Checkpoint(ctx context.Context, requestID primitive.ObjectID, progress int)
}

// Outcome is the terminal report for one executed request
type Outcome struct {
	RequestOID       primitive.ObjectID
	BatchOID         *primitive.ObjectID
	BatchDocumentOID *primitive.ObjectID
	FileURL          string
	Status           model.RequestStatus
	ErrorType        model.ErrorType
	ErrorMessage     string

	// ExtractedData maps operation name to its parsed result for the
	// operations that succeeded.
	ExtractedData map[string]any
}

// Executor runs the fetch -> extract -> persist pipeline for one request
type Executor struct {
	db      database.Database
	fetcher Fetcher
	ai      Extractor
}

// New creates a job executor
func New(db database.Database, fetcher Fetcher, ai Extractor) *Executor {
	return &Executor{db: db, fetcher: fetcher, ai: ai}
}

// Checkpoint percentages for the fixed pipeline stages. The per-operation
// span between fetch and completion is divided evenly.
const (
	progressFetching = 10
	progressFetched  = 25
)

// Execute runs the request to a terminal state. Every requested operation is
// attempted even after an earlier one fails; each result row is persisted as
// soon as its collaborator call returns. The returned Outcome is always
// non-nil and terminal.
func (e *Executor) Execute(ctx context.Context, req *model.ProcessingRequest, progress Progress) *Outcome {
	outcome := &Outcome{
		RequestOID:       req.ID,
		BatchOID:         req.BatchOID,
		BatchDocumentOID: req.BatchDocumentOID,
		FileURL:          req.FileURL,
		ExtractedData:    make(map[string]any),
	}

	progress.Checkpoint(ctx, req.ID, progressFetching)

	doc, err := e.fetcher.Fetch(ctx, req.FileURL)
	if err != nil {
		return e.fail(ctx, req, outcome, classify(ctx, err, "fetch"))
	}

	// Content attributes are write-once on the document row; a repeat fetch
	// of a known document is a no-op here.
	if err := e.db.SetDocumentContent(ctx, req.DocumentOID, doc.Hash, doc.Size, doc.PageCount); err != nil {
		log.Warn().Err(err).Str("requestID", req.ID.Hex()).Msg("Could not record document content attributes")
	}

	progress.Checkpoint(ctx, req.ID, progressFetched)

	ops := req.Operations.Operations()
	var firstErr *ClassifiedError

	for i, op := range ops {
		progress.Checkpoint(ctx, req.ID, opProgress(i, len(ops), false))

		result := e.runOperation(ctx, req, doc, op)
		if err := e.db.CreateResult(ctx, result); err != nil && !errors.Is(err, database.ErrDuplicateResult) {
			log.Error().Err(err).
				Str("requestID", req.ID.Hex()).
				Str("operation", string(op)).
				Msg("Failed to persist operation result")
		}

		if result.Status == model.RequestCompleted {
			outcome.ExtractedData[string(op)] = result.Result
		} else if firstErr == nil {
			firstErr = &ClassifiedError{
				Type: result.ErrorType,
				Step: result.ErrorStep,
				Err:  errors.New(result.ErrorMessage),
			}
		}

		progress.Checkpoint(ctx, req.ID, opProgress(i, len(ops), true))

		// A timed-out context cannot run the remaining operations
		if ctx.Err() != nil {
			if firstErr == nil {
				firstErr = NewTimeoutError(string(op), ctx.Err())
			}
			break
		}
	}

	if firstErr != nil {
		return e.fail(ctx, req, outcome, firstErr)
	}

	if err := e.db.CompleteRequest(ctx, req.ID); err != nil {
		log.Error().Err(err).Str("requestID", req.ID.Hex()).Msg("Failed to mark request completed")
	}

	outcome.Status = model.RequestCompleted

	log.Info().
		Str("requestID", req.ID.Hex()).
		Str("fileURL", req.FileURL).
		Int("operations", len(ops)).
		Msg("Request completed")

	return outcome
}

// runOperation performs one collaborator call and shapes its result row
func (e *Executor) runOperation(ctx context.Context, req *model.ProcessingRequest, doc *FetchedDocument, op model.Operation) *model.AIProcessingResult {
	start := time.Now()

	result := &model.AIProcessingResult{
		RequestOID:  req.ID,
		DocumentOID: req.DocumentOID,
		Operation:   op,
		Model:       e.ai.Model(),
	}

	var extraction *gemini.Extraction
	var err error
	if op == model.OpReferences && req.Operations.CompleteReferences {
		extraction, err = e.ai.ExtractCompleteReferences(ctx, doc.Data)
	} else {
		extraction, err = e.ai.Extract(ctx, op, doc.Data)
	}
	result.DurationMS = time.Since(start).Milliseconds()

	if extraction != nil {
		result.RawResponse = extraction.Raw
		result.TokensUsed = extraction.TokensUsed
		if extraction.Model != "" {
			result.Model = extraction.Model
		}
	}

	if err != nil {
		classified := classify(ctx, err, string(op))
		result.Status = model.RequestFailed
		result.ErrorType = classified.Type
		result.ErrorStep = classified.Step
		result.ErrorMessage = classified.Err.Error()

		log.Warn().
			Str("requestID", req.ID.Hex()).
			Str("operation", string(op)).
			Str("errorType", string(classified.Type)).
			Err(classified.Err).
			Msg("Extraction operation failed")

		return result
	}

	result.Status = model.RequestCompleted
	result.Result = extraction.Parsed
	return result
}

func (e *Executor) fail(ctx context.Context, req *model.ProcessingRequest, outcome *Outcome, cerr *ClassifiedError) *Outcome {
	// The terminal write uses a fresh context so a task-timeout failure can
	// still be recorded.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := e.db.FailRequest(writeCtx, req.ID, cerr.Type, cerr.Err.Error()); err != nil {
		log.Error().Err(err).Str("requestID", req.ID.Hex()).Msg("Failed to mark request failed")
	}

	outcome.Status = model.RequestFailed
	outcome.ErrorType = cerr.Type
	outcome.ErrorMessage = cerr.Err.Error()

	log.Info().
		Str("requestID", req.ID.Hex()).
		Str("fileURL", req.FileURL).
		Str("errorType", string(cerr.Type)).
		Msg("Request failed")

	return outcome
}

// FailForPanic records a terminal failure for a request whose execution
// panicked before producing an outcome.
func (e *Executor) FailForPanic(ctx context.Context, requestID primitive.ObjectID, message string) error {
	return e.db.FailRequest(ctx, requestID, model.ErrTypeAIService, message)
}

// FailUnstarted records a terminal failure for a request that never began
// executing.
func (e *Executor) FailUnstarted(ctx context.Context, requestID primitive.ObjectID, message string) error {
	return e.db.FailRequest(ctx, requestID, model.ErrTypeScheduling, message)
}

// classify maps an arbitrary pipeline error onto the failure taxonomy
func classify(ctx context.Context, err error, step string) *ClassifiedError {
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified
	}

	if errors.Is(err, context.DeadlineExceeded) || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
		return NewTimeoutError(step, err)
	}

	var parseErr *gemini.ParseError
	if errors.As(err, &parseErr) {
		return NewParseError(step, err)
	}

	var apiErr *gemini.APIError
	if errors.As(err, &apiErr) {
		return NewAIServiceError(step, err)
	}

	// Unclassified errors out of the collaborator call default to the AI
	// service class.
	return NewAIServiceError(step, err)
}

// opProgress spreads the 25..95 band across the requested operations
func opProgress(index, total int, done bool) int {
	if total == 0 {
		return progressFetched
	}
	span := 95 - progressFetched
	step := index
	if done {
		step++
	}
	return progressFetched + span*step/total
}
