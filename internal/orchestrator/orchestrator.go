package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"paperflow/internal/config"
	"paperflow/internal/database"
	"paperflow/internal/executor"
	"paperflow/internal/model"
	"paperflow/internal/webhook"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrValidation wraps synchronous submission rejections; handlers map it to
// a 400 response.
var ErrValidation = errors.New("validation error")

// Enqueuer is the scheduler surface the orchestrator needs
type Enqueuer interface {
	Enqueue(req *model.ProcessingRequest) error
}

// IntakePublisher hands single-document requests to the durable queue. A nil
// publisher falls back to direct scheduling.
type IntakePublisher interface {
	PublishRequest(ctx context.Context, requestID string) error
}

// Orchestrator owns the batch lifecycle: submission fan-out, per-file result
// accounting, terminal transition and webhook trigger.
type Orchestrator struct {
	db         database.Database
	scheduler  Enqueuer
	dispatcher webhook.Dispatcher
	tracker    *ProgressTracker
	intake     IntakePublisher
	batchCfg   config.BatchConfig

	// Per-batch locks serialize result accounting so the terminal decision
	// for a batch happens under one holder.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an orchestrator
func New(db database.Database, scheduler Enqueuer, dispatcher webhook.Dispatcher, tracker *ProgressTracker, batchCfg config.BatchConfig) *Orchestrator {
	return &Orchestrator{
		db:         db,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		tracker:    tracker,
		batchCfg:   batchCfg,
		locks:      make(map[string]*sync.Mutex),
	}
}

// SetScheduler wires the scheduler after construction; the orchestrator and
// scheduler reference each other, so one side is attached late.
func (o *Orchestrator) SetScheduler(scheduler Enqueuer) {
	o.scheduler = scheduler
}

// SetIntake wires the durable intake publisher for single-document requests
func (o *Orchestrator) SetIntake(intake IntakePublisher) {
	o.intake = intake
}

func (o *Orchestrator) batchLock(batchID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()

	lock, ok := o.locks[batchID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[batchID] = lock
	}
	return lock
}

func (o *Orchestrator) releaseBatchLock(batchID string) {
	o.mu.Lock()
	delete(o.locks, batchID)
	o.mu.Unlock()
}

func validateWebhookURL(raw string) error {
	if raw == "" {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("%w: webhook_url must be an absolute http(s) URL", ErrValidation)
	}
	return nil
}

// SubmitBatch validates the submission, creates the batch and fans its files
// out to the scheduler. Validation failures and duplicate batch ids are
// synchronous; everything after the 202 is the background pipeline's problem.
func (o *Orchestrator) SubmitBatch(ctx context.Context, req *model.BatchRequest) (*model.BatchJob, error) {
	if req.BatchID == "" {
		return nil, fmt.Errorf("%w: batch_id is required", ErrValidation)
	}
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("%w: files must not be empty", ErrValidation)
	}
	for i, f := range req.Files {
		if f.URL == "" {
			return nil, fmt.Errorf("%w: files[%d].url is required", ErrValidation, i)
		}
	}
	if err := validateWebhookURL(req.WebhookURL); err != nil {
		return nil, err
	}

	options := req.Options
	if options.Empty() {
		options = model.DefaultOperations()
	}

	batch := &model.BatchJob{
		BatchID:        req.BatchID,
		Status:         model.BatchPending,
		WebhookURL:     req.WebhookURL,
		TotalFiles:     len(req.Files),
		RequestPayload: req,
	}

	if err := o.db.CreateBatch(ctx, batch); err != nil {
		return nil, err
	}

	log.Info().
		Str("batchID", batch.BatchID).
		Int("totalFiles", batch.TotalFiles).
		Msg("Batch accepted")

	scheduled := 0
	var failedFiles []failedSchedule
	for i, file := range req.Files {
		batchDocOID, err := o.scheduleFile(ctx, batch, i, file, options)
		if err != nil {
			log.Warn().Err(err).
				Str("batchID", batch.BatchID).
				Str("fileURL", file.URL).
				Msg("Could not schedule batch file")

			failedFiles = append(failedFiles, failedSchedule{url: file.URL, batchDocOID: batchDocOID, cause: err})
			continue
		}
		scheduled++
	}

	if scheduled == 0 {
		// Nothing made it into the pipeline; no worker will ever report, so
		// the batch is accounted and finalized here, as failed. Membership
		// rows go terminal before the batch does.
		for _, f := range failedFiles {
			o.failBatchDocument(ctx, f.batchDocOID)
		}
		if _, err := o.db.IncrementBatchCounters(ctx, batch.ID, 0, len(failedFiles)); err != nil {
			log.Error().Err(err).Str("batchID", batch.BatchID).Msg("Could not account unschedulable files")
		}
		won, err := o.db.FinalizeBatch(ctx, batch.ID, model.BatchFailed)
		if err == nil && won {
			o.deliverBatchWebhook(ctx, batch.ID)
		}
		log.Error().Str("batchID", batch.BatchID).Msg("No batch files could be scheduled")
		return batch, nil
	}

	if err := o.db.MarkBatchProcessing(ctx, batch.ID); err != nil {
		log.Warn().Err(err).Str("batchID", batch.BatchID).Msg("Could not mark batch processing")
	}

	// Files that never reached a worker are accounted as failed; their
	// scheduled siblings are unaffected.
	for _, f := range failedFiles {
		o.applyFileResult(ctx, &executor.Outcome{
			BatchOID:         &batch.ID,
			BatchDocumentOID: f.batchDocOID,
			FileURL:          f.url,
			Status:           model.RequestFailed,
			ErrorType:        model.ErrTypeScheduling,
			ErrorMessage:     f.cause.Error(),
		})
	}

	return batch, nil
}

type failedSchedule struct {
	url         string
	batchDocOID *primitive.ObjectID
	cause       error
}

func (o *Orchestrator) failBatchDocument(ctx context.Context, oid *primitive.ObjectID) {
	if oid == nil {
		return
	}
	if _, err := o.db.UpdateBatchDocumentStatus(ctx, *oid, model.FileFailed); err != nil {
		log.Warn().Err(err).Str("batchDocumentOID", oid.Hex()).Msg("Could not fail batch document")
	}
}

// scheduleFile runs the per-file submission pipeline: document upsert, batch
// membership row, processing request, scheduler handoff. On failure the id of
// the membership row, if one was created, comes back with the error so the
// caller can drive it to a terminal state.
func (o *Orchestrator) scheduleFile(ctx context.Context, batch *model.BatchJob, index int, file model.BatchFile, options model.OperationSet) (*primitive.ObjectID, error) {
	doc, _, err := o.db.GetOrCreateDocument(ctx, file.URL, "batch")
	if err != nil {
		return nil, fmt.Errorf("document upsert: %w", err)
	}

	batchDoc := &model.BatchDocument{
		BatchOID:     batch.ID,
		DocumentOID:  doc.ID,
		FileURL:      file.URL,
		OrderInBatch: index,
		Status:       model.FilePending,
	}
	if err := o.db.CreateBatchDocument(ctx, batchDoc); err != nil {
		return nil, fmt.Errorf("batch document: %w", err)
	}

	req := &model.ProcessingRequest{
		DocumentOID:      doc.ID,
		BatchOID:         &batch.ID,
		BatchDocumentOID: &batchDoc.ID,
		Kind:             model.KindBatch,
		Operations:       options,
		Status:           model.RequestProcessing,
		FileURL:          file.URL,
	}
	if err := o.db.CreateRequest(ctx, req); err != nil {
		return &batchDoc.ID, fmt.Errorf("processing request: %w", err)
	}

	if err := o.scheduler.Enqueue(req); err != nil {
		// The request row exists but no worker will run it; close it out.
		if ferr := o.db.FailRequest(ctx, req.ID, model.ErrTypeScheduling, "scheduler rejected task: "+err.Error()); ferr != nil {
			log.Error().Err(ferr).Str("requestID", req.ID.Hex()).Msg("Could not fail unschedulable request")
		}
		return &batchDoc.ID, fmt.Errorf("enqueue: %w", err)
	}

	return &batchDoc.ID, nil
}

// GetBatchStatus returns the batch's current state; read-only and safe to
// poll at any frequency.
func (o *Orchestrator) GetBatchStatus(ctx context.Context, batchID string) (*model.BatchJob, error) {
	return o.db.GetBatchByBatchID(ctx, batchID)
}

// HandleResult receives terminal task outcomes from the scheduler. Batch
// members feed counter accounting; single requests go straight to their
// webhook.
func (o *Orchestrator) HandleResult(ctx context.Context, outcome *executor.Outcome) {
	if outcome.BatchOID == nil {
		o.deliverRequestWebhook(ctx, outcome)
		return
	}
	o.applyFileResult(ctx, outcome)
}

// HandleStale routes sweeper-failed requests through the same accounting as
// ordinary task outcomes.
func (o *Orchestrator) HandleStale(ctx context.Context, stale StaleOutcome) {
	req := stale.Request
	o.HandleResult(ctx, &executor.Outcome{
		RequestOID:       req.ID,
		BatchOID:         req.BatchOID,
		BatchDocumentOID: req.BatchDocumentOID,
		FileURL:          req.FileURL,
		Status:           model.RequestFailed,
		ErrorType:        model.ErrTypeTimeout,
		ErrorMessage:     "worker heartbeat expired",
	})
}

// applyFileResult performs the per-file terminal accounting: membership row
// status, atomic counter increment, and the exactly-once terminal decision
// once every file is in.
func (o *Orchestrator) applyFileResult(ctx context.Context, outcome *executor.Outcome) {
	batch, err := o.db.GetBatchByID(ctx, *outcome.BatchOID)
	if err != nil {
		log.Error().Err(err).Str("batchOID", outcome.BatchOID.Hex()).Msg("Result for unknown batch")
		return
	}

	lock := o.batchLock(batch.BatchID)
	lock.Lock()
	defer lock.Unlock()

	if outcome.BatchDocumentOID != nil {
		fileStatus := model.FileCompleted
		if outcome.Status == model.RequestFailed {
			fileStatus = model.FileFailed
		}
		won, err := o.db.UpdateBatchDocumentStatus(ctx, *outcome.BatchDocumentOID, fileStatus)
		if err != nil {
			log.Warn().Err(err).Str("batchDocumentOID", outcome.BatchDocumentOID.Hex()).Msg("Could not update batch document status")
			return
		}
		if !won {
			// The file was already counted; a worker report racing the
			// stale sweeper lands here.
			log.Debug().Str("batchDocumentOID", outcome.BatchDocumentOID.Hex()).Msg("Duplicate terminal report ignored")
			return
		}
	}

	processedDelta, failedDelta := 0, 0
	if outcome.Status == model.RequestCompleted {
		processedDelta = 1
	} else {
		failedDelta = 1
	}

	updated, err := o.db.IncrementBatchCounters(ctx, batch.ID, processedDelta, failedDelta)
	if err != nil {
		log.Error().Err(err).Str("batchID", batch.BatchID).Msg("Could not update batch counters")
		return
	}

	if updated.ProcessedFiles+updated.FailedFiles > updated.TotalFiles {
		log.Error().
			Str("batchID", updated.BatchID).
			Int("processed", updated.ProcessedFiles).
			Int("failed", updated.FailedFiles).
			Int("total", updated.TotalFiles).
			Msg("Batch counters exceed total, refusing to finalize")
		return
	}

	if !updated.Finished() {
		return
	}

	finalStatus := model.BatchCompleted
	if o.batchCfg.FailOnPartialFailure && updated.FailedFiles > 0 {
		finalStatus = model.BatchFailed
	}

	won, err := o.db.FinalizeBatch(ctx, updated.ID, finalStatus)
	if err != nil {
		log.Error().Err(err).Str("batchID", updated.BatchID).Msg("Could not finalize batch")
		return
	}
	if !won {
		// Another path already finalized; terminal status never regresses.
		return
	}

	o.releaseBatchLock(updated.BatchID)

	log.Info().
		Str("batchID", updated.BatchID).
		Str("status", string(finalStatus)).
		Int("processed", updated.ProcessedFiles).
		Int("failed", updated.FailedFiles).
		Msg("Batch finished")

	o.deliverBatchWebhook(ctx, updated.ID)
}

// deliverBatchWebhook builds the completion payload and posts it, recording
// the outcome on the batch. Delivery failure is recorded, never propagated.
func (o *Orchestrator) deliverBatchWebhook(ctx context.Context, batchOID primitive.ObjectID) {
	batch, err := o.db.GetBatchByID(ctx, batchOID)
	if err != nil {
		log.Error().Err(err).Str("batchOID", batchOID.Hex()).Msg("Could not load batch for webhook")
		return
	}
	if batch.WebhookURL == "" {
		return
	}

	payload, err := o.BuildBatchPayload(ctx, batch)
	if err != nil {
		log.Error().Err(err).Str("batchID", batch.BatchID).Msg("Could not build webhook payload")
		return
	}

	result, err := o.dispatcher.Deliver(ctx, batch.WebhookURL, payload)
	if err != nil {
		log.Error().Err(err).Str("batchID", batch.BatchID).Msg("Webhook payload unserializable")
		return
	}

	response := result.Response
	if !result.Delivered && result.Error != "" {
		response = result.Error
	}

	if err := o.db.RecordBatchWebhook(ctx, batch.ID, result.Delivered, result.Attempts, response); err != nil {
		log.Error().Err(err).Str("batchID", batch.BatchID).Msg("Could not record webhook outcome")
	}
}

// BuildBatchPayload assembles the webhook body from the batch's membership
// rows, requests and result rows. Also served by the results endpoint.
func (o *Orchestrator) BuildBatchPayload(ctx context.Context, batch *model.BatchJob) (*webhook.BatchPayload, error) {
	docs, err := o.db.ListBatchDocuments(ctx, batch.ID)
	if err != nil {
		return nil, err
	}

	requests, err := o.db.ListRequestsByBatch(ctx, batch.ID)
	if err != nil {
		return nil, err
	}

	reqByBatchDoc := make(map[string]*model.ProcessingRequest, len(requests))
	for i := range requests {
		if requests[i].BatchDocumentOID != nil {
			reqByBatchDoc[requests[i].BatchDocumentOID.Hex()] = &requests[i]
		}
	}

	files := make([]webhook.FileResult, 0, len(docs))
	for _, doc := range docs {
		file := webhook.FileResult{
			FileURL:          doc.FileURL,
			ProcessingStatus: string(doc.Status),
		}

		req := reqByBatchDoc[doc.ID.Hex()]
		if req == nil {
			// The file never got a processing request; scheduling failed.
			file.ProcessingStatus = string(model.FileFailed)
			file.Error = &webhook.FileError{
				Type:    string(model.ErrTypeScheduling),
				Message: "file was never scheduled",
			}
			files = append(files, file)
			continue
		}

		switch req.Status {
		case model.RequestCompleted:
			extracted, err := o.collectExtractedData(ctx, req.ID)
			if err != nil {
				return nil, err
			}
			file.ExtractedData = extracted
		case model.RequestFailed:
			file.Error = &webhook.FileError{
				Type:    string(req.ErrorType),
				Message: req.ErrorMessage,
			}
		}

		files = append(files, file)
	}

	return &webhook.BatchPayload{
		BatchID:   batch.BatchID,
		Status:    string(batch.Status),
		Timestamp: time.Now().UTC(),
		Results: webhook.BatchResults{
			TotalFiles:     batch.TotalFiles,
			ProcessedFiles: batch.ProcessedFiles,
			FailedFiles:    batch.FailedFiles,
			Files:          files,
		},
	}, nil
}

func (o *Orchestrator) collectExtractedData(ctx context.Context, requestOID primitive.ObjectID) (map[string]any, error) {
	results, err := o.db.ListResults(ctx, requestOID)
	if err != nil {
		return nil, err
	}

	extracted := make(map[string]any, len(results))
	for _, r := range results {
		if r.Status == model.RequestCompleted {
			extracted[string(r.Operation)] = r.Result
		}
	}
	return extracted, nil
}

// SubmitRequest accepts a single-document submission. The request travels
// through the durable intake queue when one is wired, otherwise straight to
// the scheduler.
func (o *Orchestrator) SubmitRequest(ctx context.Context, req *model.ProcessRequest) (*model.ProcessingRequest, error) {
	if req.FileURL == "" {
		return nil, fmt.Errorf("%w: file_url is required", ErrValidation)
	}
	if err := validateWebhookURL(req.WebhookURL); err != nil {
		return nil, err
	}

	options := req.Options
	if options.Empty() {
		options = model.DefaultOperations()
	}

	doc, _, err := o.db.GetOrCreateDocument(ctx, req.FileURL, "single")
	if err != nil {
		return nil, err
	}

	processing := &model.ProcessingRequest{
		DocumentOID: doc.ID,
		Kind:        model.KindSingle,
		Operations:  options,
		Status:      model.RequestProcessing,
		FileURL:     req.FileURL,
		WebhookURL:  req.WebhookURL,
	}
	if err := o.db.CreateRequest(ctx, processing); err != nil {
		return nil, err
	}

	if o.intake != nil {
		if err := o.intake.PublishRequest(ctx, processing.ID.Hex()); err == nil {
			return processing, nil
		} else {
			log.Warn().Err(err).Str("requestID", processing.ID.Hex()).Msg("Intake publish failed, scheduling directly")
		}
	}

	if err := o.scheduler.Enqueue(processing); err != nil {
		if ferr := o.db.FailRequest(ctx, processing.ID, model.ErrTypeScheduling, "scheduler rejected task: "+err.Error()); ferr != nil {
			log.Error().Err(ferr).Str("requestID", processing.ID.Hex()).Msg("Could not fail unschedulable request")
		}
		return nil, err
	}

	return processing, nil
}

// ScheduleRequestByID loads a previously created request and hands it to the
// scheduler; the intake consumer calls this for each queued message.
func (o *Orchestrator) ScheduleRequestByID(ctx context.Context, requestID string) error {
	oid, err := primitive.ObjectIDFromHex(requestID)
	if err != nil {
		return fmt.Errorf("invalid request id %q: %w", requestID, err)
	}

	req, err := o.db.GetRequestByID(ctx, oid)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		// Redelivered message for a finished request; at-least-once intake
		// makes this normal.
		return nil
	}

	return o.scheduler.Enqueue(req)
}

// GetRequest returns a request with its result rows
func (o *Orchestrator) GetRequest(ctx context.Context, requestID string) (*model.ProcessingRequest, []model.AIProcessingResult, error) {
	oid, err := primitive.ObjectIDFromHex(requestID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: invalid request id", ErrValidation)
	}

	req, err := o.db.GetRequestByID(ctx, oid)
	if err != nil {
		return nil, nil, err
	}

	results, err := o.db.ListResults(ctx, oid)
	if err != nil {
		return nil, nil, err
	}

	return req, results, nil
}

// deliverRequestWebhook posts the single-request completion payload
func (o *Orchestrator) deliverRequestWebhook(ctx context.Context, outcome *executor.Outcome) {
	req, err := o.db.GetRequestByID(ctx, outcome.RequestOID)
	if err != nil {
		log.Error().Err(err).Str("requestID", outcome.RequestOID.Hex()).Msg("Could not load request for webhook")
		return
	}
	if req.WebhookURL == "" {
		return
	}

	payload := &webhook.RequestPayload{
		RequestID: req.ID.Hex(),
		FileURL:   req.FileURL,
		Status:    string(req.Status),
		Timestamp: time.Now().UTC(),
	}

	if req.Status == model.RequestCompleted {
		extracted, err := o.collectExtractedData(ctx, req.ID)
		if err != nil {
			log.Error().Err(err).Str("requestID", req.ID.Hex()).Msg("Could not collect results for webhook")
		} else {
			payload.Results = extracted
		}
	} else {
		payload.Error = &webhook.FileError{
			Type:    string(req.ErrorType),
			Message: req.ErrorMessage,
		}
	}

	result, err := o.dispatcher.Deliver(ctx, req.WebhookURL, payload)
	if err != nil {
		log.Error().Err(err).Str("requestID", req.ID.Hex()).Msg("Webhook payload unserializable")
		return
	}

	response := result.Response
	if !result.Delivered && result.Error != "" {
		response = result.Error
	}

	if err := o.db.RecordRequestWebhook(ctx, req.ID, result.Delivered, response); err != nil {
		log.Error().Err(err).Str("requestID", req.ID.Hex()).Msg("Could not record webhook outcome")
	}
}
