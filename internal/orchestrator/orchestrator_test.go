package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"paperflow/internal/config"
	"paperflow/internal/database"
	"paperflow/internal/executor"
	"paperflow/internal/model"
	"paperflow/internal/webhook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureEnqueuer records enqueued requests without running them
type captureEnqueuer struct {
	mu       sync.Mutex
	requests []*model.ProcessingRequest
	fail     bool
	capacity int // reject enqueues beyond this many when > 0
}

func (e *captureEnqueuer) Enqueue(req *model.ProcessingRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail || (e.capacity > 0 && len(e.requests) >= e.capacity) {
		return ErrQueueFull
	}
	cp := *req
	e.requests = append(e.requests, &cp)
	return nil
}

// captureDispatcher records webhook deliveries and reports the configured
// outcome for each.
type captureDispatcher struct {
	mu        sync.Mutex
	delivered []webhook.BatchPayload
	urls      []string
	outcome   webhook.Outcome
}

func (d *captureDispatcher) Deliver(_ context.Context, url string, payload any) (*webhook.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if bp, ok := payload.(*webhook.BatchPayload); ok {
		d.delivered = append(d.delivered, *bp)
	}
	out := d.outcome
	if out.Attempts == 0 {
		out = webhook.Outcome{Delivered: true, Attempts: 1, StatusCode: 200, DeliveredAt: time.Now()}
	}
	return &out, nil
}

func (d *captureDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, database.Database, *captureEnqueuer, *captureDispatcher) {
	t.Helper()

	db := database.NewMemory()
	enq := &captureEnqueuer{}
	disp := &captureDispatcher{}
	tracker := NewProgressTracker(db, nil)

	orch := New(db, enq, disp, tracker, config.BatchConfig{})
	return orch, db, enq, disp
}

func batchRequest(batchID string, n int) *model.BatchRequest {
	files := make([]model.BatchFile, n)
	for i := range files {
		files[i] = model.BatchFile{URL: fmt.Sprintf("https://papers.test/doc-%d.pdf", i)}
	}
	return &model.BatchRequest{
		BatchID:    batchID,
		Files:      files,
		WebhookURL: "https://caller.test/hook",
	}
}

func TestSubmitBatchValidation(t *testing.T) {
	tests := []struct {
		name string
		req  *model.BatchRequest
	}{
		{"missing batch id", &model.BatchRequest{Files: []model.BatchFile{{URL: "https://a.test/x.pdf"}}}},
		{"empty files", &model.BatchRequest{BatchID: "b1"}},
		{"blank file url", &model.BatchRequest{BatchID: "b1", Files: []model.BatchFile{{URL: ""}}}},
		{"relative webhook url", &model.BatchRequest{
			BatchID:    "b1",
			Files:      []model.BatchFile{{URL: "https://a.test/x.pdf"}},
			WebhookURL: "not-a-url",
		}},
		{"ftp webhook url", &model.BatchRequest{
			BatchID:    "b1",
			Files:      []model.BatchFile{{URL: "https://a.test/x.pdf"}},
			WebhookURL: "ftp://caller.test/hook",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch, db, _, _ := newTestOrchestrator(t)

			_, err := orch.SubmitBatch(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrValidation)

			// A rejected submission must leave nothing behind
			_, err = db.GetBatchByBatchID(context.Background(), tt.req.BatchID)
			assert.ErrorIs(t, err, database.ErrNotFound)
		})
	}
}

func TestSubmitBatchDuplicateID(t *testing.T) {
	orch, _, enq, _ := newTestOrchestrator(t)
	ctx := context.Background()

	first, err := orch.SubmitBatch(ctx, batchRequest("dup-batch", 2))
	require.NoError(t, err)
	require.Len(t, enq.requests, 2)

	_, err = orch.SubmitBatch(ctx, batchRequest("dup-batch", 5))
	require.ErrorIs(t, err, database.ErrDuplicateBatch)

	// Nothing new was scheduled and the original batch is untouched
	assert.Len(t, enq.requests, 2)
	got, err := orch.GetBatchStatus(ctx, "dup-batch")
	require.NoError(t, err)
	assert.Equal(t, first.TotalFiles, got.TotalFiles)
	assert.Equal(t, model.BatchProcessing, got.Status)
}

func TestSubmitBatchDefaultsOperations(t *testing.T) {
	orch, _, enq, _ := newTestOrchestrator(t)

	_, err := orch.SubmitBatch(context.Background(), batchRequest("ops-batch", 1))
	require.NoError(t, err)
	require.Len(t, enq.requests, 1)

	ops := enq.requests[0].Operations
	assert.True(t, ops.ExtractMetadata)
	assert.True(t, ops.ExtractReferences)
	assert.False(t, ops.ExtractFullText)
}

func TestSubmitBatchNothingSchedulable(t *testing.T) {
	orch, db, enq, disp := newTestOrchestrator(t)
	enq.fail = true
	ctx := context.Background()

	_, err := orch.SubmitBatch(ctx, batchRequest("doomed-batch", 3))
	require.NoError(t, err)

	got, err := orch.GetBatchStatus(ctx, "doomed-batch")
	require.NoError(t, err)
	assert.Equal(t, model.BatchFailed, got.Status)
	assert.Equal(t, 3, got.FailedFiles)
	assert.Equal(t, 0, got.ProcessedFiles)
	assert.Equal(t, 1, disp.count())

	// Every membership row went terminal before the batch did
	docs, err := db.ListBatchDocuments(ctx, got.ID)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	for _, d := range docs {
		assert.Equal(t, model.FileFailed, d.Status)
	}
}

func TestBatchPartialScheduleFailure(t *testing.T) {
	orch, db, enq, disp := newTestOrchestrator(t)
	enq.capacity = 1
	ctx := context.Background()

	_, err := orch.SubmitBatch(ctx, batchRequest("half-batch", 2))
	require.NoError(t, err)
	require.Len(t, enq.requests, 1)

	completeFile(t, orch, db, enq.requests[0], false)

	got, err := orch.GetBatchStatus(ctx, "half-batch")
	require.NoError(t, err)
	assert.Equal(t, model.BatchCompleted, got.Status)
	assert.Equal(t, 1, got.ProcessedFiles)
	assert.Equal(t, 1, got.FailedFiles)

	// The rejected file's membership row is failed, not stuck pending
	docs, err := db.ListBatchDocuments(ctx, got.ID)
	require.NoError(t, err)
	statuses := map[string]model.FileStatus{}
	for _, d := range docs {
		statuses[d.FileURL] = d.Status
	}
	assert.Equal(t, model.FileCompleted, statuses["https://papers.test/doc-0.pdf"])
	assert.Equal(t, model.FileFailed, statuses["https://papers.test/doc-1.pdf"])

	require.Equal(t, 1, disp.count())
	payload := disp.delivered[0]
	require.Len(t, payload.Results.Files, 2)
	for _, f := range payload.Results.Files {
		if f.FileURL != "https://papers.test/doc-1.pdf" {
			continue
		}
		assert.Equal(t, string(model.FileFailed), f.ProcessingStatus)
		require.NotNil(t, f.Error)
		assert.Equal(t, string(model.ErrTypeScheduling), f.Error.Type)
		assert.NotEmpty(t, f.Error.Message)
	}
}

// completeFile drives one scheduled request to a terminal state the way the
// executor would, then reports it.
func completeFile(t *testing.T, orch *Orchestrator, db database.Database, req *model.ProcessingRequest, fail bool) {
	t.Helper()
	ctx := context.Background()

	outcome := &executor.Outcome{
		RequestOID:       req.ID,
		BatchOID:         req.BatchOID,
		BatchDocumentOID: req.BatchDocumentOID,
		FileURL:          req.FileURL,
	}

	if fail {
		require.NoError(t, db.FailRequest(ctx, req.ID, model.ErrTypeAIService, "model unavailable"))
		outcome.Status = model.RequestFailed
		outcome.ErrorType = model.ErrTypeAIService
		outcome.ErrorMessage = "model unavailable"
	} else {
		require.NoError(t, db.CreateResult(ctx, &model.AIProcessingResult{
			RequestOID:  req.ID,
			DocumentOID: req.DocumentOID,
			Operation:   model.OpMetadata,
			Status:      model.RequestCompleted,
			Result:      map[string]any{"title": "A Paper"},
		}))
		require.NoError(t, db.CompleteRequest(ctx, req.ID))
		outcome.Status = model.RequestCompleted
	}

	orch.HandleResult(ctx, outcome)
}

func TestBatchPartialFailure(t *testing.T) {
	orch, db, enq, disp := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := orch.SubmitBatch(ctx, batchRequest("partial-batch", 3))
	require.NoError(t, err)
	require.Len(t, enq.requests, 3)

	// File 2's AI call fails; its siblings succeed
	completeFile(t, orch, db, enq.requests[0], false)
	completeFile(t, orch, db, enq.requests[1], true)
	completeFile(t, orch, db, enq.requests[2], false)

	got, err := orch.GetBatchStatus(ctx, "partial-batch")
	require.NoError(t, err)
	assert.Equal(t, model.BatchCompleted, got.Status)
	assert.Equal(t, 2, got.ProcessedFiles)
	assert.Equal(t, 1, got.FailedFiles)
	assert.NotNil(t, got.CompletedAt)
	assert.NotNil(t, got.WebhookSentAt)

	require.Equal(t, 1, disp.count())
	payload := disp.delivered[0]
	assert.Equal(t, "partial-batch", payload.BatchID)
	assert.Equal(t, string(model.BatchCompleted), payload.Status)
	require.Len(t, payload.Results.Files, 3)

	failed := 0
	for _, f := range payload.Results.Files {
		if f.ProcessingStatus == string(model.FileFailed) {
			failed++
			require.NotNil(t, f.Error)
			assert.Equal(t, string(model.ErrTypeAIService), f.Error.Type)
			assert.NotEmpty(t, f.Error.Message)
		} else {
			assert.Nil(t, f.Error)
			assert.Contains(t, f.ExtractedData, string(model.OpMetadata))
		}
	}
	assert.Equal(t, 1, failed)
}

func TestFailOnPartialFailurePolicy(t *testing.T) {
	db := database.NewMemory()
	enq := &captureEnqueuer{}
	disp := &captureDispatcher{}
	orch := New(db, enq, disp, NewProgressTracker(db, nil), config.BatchConfig{FailOnPartialFailure: true})
	ctx := context.Background()

	_, err := orch.SubmitBatch(ctx, batchRequest("strict-batch", 2))
	require.NoError(t, err)

	completeFile(t, orch, db, enq.requests[0], false)
	completeFile(t, orch, db, enq.requests[1], true)

	got, err := orch.GetBatchStatus(ctx, "strict-batch")
	require.NoError(t, err)
	assert.Equal(t, model.BatchFailed, got.Status)
}

func TestCountersInvariantUnderConcurrency(t *testing.T) {
	const files = 8
	const rounds = 20

	for round := 0; round < rounds; round++ {
		orch, db, enq, disp := newTestOrchestrator(t)
		ctx := context.Background()

		_, err := orch.SubmitBatch(ctx, batchRequest("conc-batch", files))
		require.NoError(t, err)
		require.Len(t, enq.requests, files)

		order := rand.Perm(files)
		var wg sync.WaitGroup
		for _, idx := range order {
			wg.Add(1)
			go func(req *model.ProcessingRequest, fail bool) {
				defer wg.Done()
				completeFile(t, orch, db, req, fail)
			}(enq.requests[idx], idx%3 == 0)
		}
		wg.Wait()

		got, err := orch.GetBatchStatus(ctx, "conc-batch")
		require.NoError(t, err)
		assert.Equal(t, files, got.ProcessedFiles+got.FailedFiles)
		assert.True(t, got.Status.Terminal())
		assert.Equal(t, 1, disp.count(), "webhook must fire exactly once")
	}
}

func TestDuplicateTerminalReportIgnored(t *testing.T) {
	orch, db, enq, disp := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := orch.SubmitBatch(ctx, batchRequest("dedupe-batch", 2))
	require.NoError(t, err)

	completeFile(t, orch, db, enq.requests[0], false)

	// The sweeper and the worker both report file 1; only one report counts
	completeFile(t, orch, db, enq.requests[1], true)
	orch.HandleResult(ctx, &executor.Outcome{
		RequestOID:       enq.requests[1].ID,
		BatchOID:         enq.requests[1].BatchOID,
		BatchDocumentOID: enq.requests[1].BatchDocumentOID,
		FileURL:          enq.requests[1].FileURL,
		Status:           model.RequestFailed,
		ErrorType:        model.ErrTypeTimeout,
		ErrorMessage:     "worker heartbeat expired",
	})

	got, err := orch.GetBatchStatus(ctx, "dedupe-batch")
	require.NoError(t, err)
	assert.Equal(t, 1, got.ProcessedFiles)
	assert.Equal(t, 1, got.FailedFiles)
	assert.Equal(t, model.BatchCompleted, got.Status)
	assert.Equal(t, 1, disp.count())
}

func TestStatusPollIdempotent(t *testing.T) {
	orch, db, enq, _ := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := orch.SubmitBatch(ctx, batchRequest("poll-batch", 1))
	require.NoError(t, err)
	completeFile(t, orch, db, enq.requests[0], false)

	first, err := orch.GetBatchStatus(ctx, "poll-batch")
	require.NoError(t, err)
	require.Equal(t, model.BatchCompleted, first.Status)

	for i := 0; i < 10; i++ {
		got, err := orch.GetBatchStatus(ctx, "poll-batch")
		require.NoError(t, err)
		assert.Equal(t, first.Status, got.Status)
		assert.Equal(t, first.ProcessedFiles, got.ProcessedFiles)
		assert.Equal(t, first.FailedFiles, got.FailedFiles)
	}
}

func TestGetBatchStatusNotFound(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t)

	_, err := orch.GetBatchStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestWebhookFailureRecordedNotFatal(t *testing.T) {
	db := database.NewMemory()
	enq := &captureEnqueuer{}
	disp := &captureDispatcher{outcome: webhook.Outcome{
		Delivered: false,
		Attempts:  3,
		Error:     "connection refused",
	}}
	orch := New(db, enq, disp, NewProgressTracker(db, nil), config.BatchConfig{})
	ctx := context.Background()

	_, err := orch.SubmitBatch(ctx, batchRequest("hookless-batch", 1))
	require.NoError(t, err)
	completeFile(t, orch, db, enq.requests[0], false)

	got, err := orch.GetBatchStatus(ctx, "hookless-batch")
	require.NoError(t, err)
	assert.Equal(t, model.BatchCompleted, got.Status)
	assert.Nil(t, got.WebhookSentAt)
	assert.Equal(t, 3, got.WebhookAttempts)
	assert.Equal(t, "connection refused", got.WebhookResponse)
}

func TestSubmitRequestSingle(t *testing.T) {
	orch, db, enq, _ := newTestOrchestrator(t)
	ctx := context.Background()

	req, err := orch.SubmitRequest(ctx, &model.ProcessRequest{
		FileURL: "https://papers.test/single.pdf",
	})
	require.NoError(t, err)
	require.Len(t, enq.requests, 1)
	assert.Equal(t, model.KindSingle, req.Kind)
	assert.Nil(t, req.BatchOID)

	stored, err := db.GetRequestByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestProcessing, stored.Status)
}

func TestSubmitRequestValidation(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t)

	_, err := orch.SubmitRequest(context.Background(), &model.ProcessRequest{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = orch.SubmitRequest(context.Background(), &model.ProcessRequest{
		FileURL:    "https://papers.test/x.pdf",
		WebhookURL: "nope",
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestScheduleRequestByID(t *testing.T) {
	orch, db, enq, _ := newTestOrchestrator(t)
	ctx := context.Background()

	req, err := orch.SubmitRequest(ctx, &model.ProcessRequest{FileURL: "https://papers.test/q.pdf"})
	require.NoError(t, err)
	enq.requests = nil

	require.NoError(t, orch.ScheduleRequestByID(ctx, req.ID.Hex()))
	assert.Len(t, enq.requests, 1)

	// A redelivered message for a finished request is acked without scheduling
	require.NoError(t, db.CompleteRequest(ctx, req.ID))
	enq.requests = nil
	require.NoError(t, orch.ScheduleRequestByID(ctx, req.ID.Hex()))
	assert.Empty(t, enq.requests)

	assert.Error(t, orch.ScheduleRequestByID(ctx, "not-an-oid"))
}
