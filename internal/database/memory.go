package database

import (
	"context"
	"path"
	"sync"
	"time"

	"paperflow/internal/model"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// memoryDB is a mutex-guarded in-memory Database used by tests and local
// development. It enforces the same semantics as the Mongo store: unique
// batch ids, atomic counter increments, monotonic status transitions and
// at most one result per (request, operation).
type memoryDB struct {
	mu sync.Mutex

	documents      map[primitive.ObjectID]*model.Document
	documentsByURL map[string]primitive.ObjectID
	batches        map[primitive.ObjectID]*model.BatchJob
	batchesByID    map[string]primitive.ObjectID
	batchDocs      map[primitive.ObjectID]*model.BatchDocument
	requests       map[primitive.ObjectID]*model.ProcessingRequest
	results        map[primitive.ObjectID]*model.AIProcessingResult
	resultKeys     map[string]struct{} // requestOID.Hex() + "/" + operation
}

// NewMemory returns an empty in-memory store.
func NewMemory() Database {
	return &memoryDB{
		documents:      make(map[primitive.ObjectID]*model.Document),
		documentsByURL: make(map[string]primitive.ObjectID),
		batches:        make(map[primitive.ObjectID]*model.BatchJob),
		batchesByID:    make(map[string]primitive.ObjectID),
		batchDocs:      make(map[primitive.ObjectID]*model.BatchDocument),
		requests:       make(map[primitive.ObjectID]*model.ProcessingRequest),
		results:        make(map[primitive.ObjectID]*model.AIProcessingResult),
		resultKeys:     make(map[string]struct{}),
	}
}

func (m *memoryDB) Health(ctx context.Context) error { return nil }

func resultKey(requestOID primitive.ObjectID, op model.Operation) string {
	return requestOID.Hex() + "/" + string(op)
}

func (m *memoryDB) GetOrCreateDocument(ctx context.Context, url, source string) (*model.Document, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if id, ok := m.documentsByURL[url]; ok {
		doc := m.documents[id]
		doc.LastAccessedAt = now
		cp := *doc
		return &cp, false, nil
	}

	doc := &model.Document{
		ID:             primitive.NewObjectID(),
		URL:            url,
		Filename:       path.Base(url),
		Source:         source,
		FirstSeenAt:    now,
		LastAccessedAt: now,
	}
	m.documents[doc.ID] = doc
	m.documentsByURL[url] = doc.ID

	cp := *doc
	return &cp, true, nil
}

func (m *memoryDB) GetDocumentByID(ctx context.Context, id primitive.ObjectID) (*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

func (m *memoryDB) FindDocumentByHash(ctx context.Context, hash string) (*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, doc := range m.documents {
		if doc.ContentHash == hash {
			cp := *doc
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memoryDB) SetDocumentContent(ctx context.Context, id primitive.ObjectID, hash string, size int64, pages int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.documents[id]
	if !ok {
		return ErrNotFound
	}
	if doc.ContentHash != "" {
		return nil
	}
	doc.ContentHash = hash
	doc.FileSize = size
	doc.PageCount = pages
	return nil
}

func (m *memoryDB) CreateBatch(ctx context.Context, batch *model.BatchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.batchesByID[batch.BatchID]; ok {
		return ErrDuplicateBatch
	}

	if batch.ID.IsZero() {
		batch.ID = primitive.NewObjectID()
	}
	now := time.Now()
	batch.CreatedAt = now
	batch.UpdatedAt = now
	if batch.Status == "" {
		batch.Status = model.BatchPending
	}

	cp := *batch
	m.batches[batch.ID] = &cp
	m.batchesByID[batch.BatchID] = batch.ID
	return nil
}

func (m *memoryDB) GetBatchByBatchID(ctx context.Context, batchID string) (*model.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.batchesByID[batchID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.batches[id]
	return &cp, nil
}

func (m *memoryDB) GetBatchByID(ctx context.Context, id primitive.ObjectID) (*model.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *batch
	return &cp, nil
}

func (m *memoryDB) MarkBatchProcessing(ctx context.Context, id primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[id]
	if !ok {
		return ErrNotFound
	}
	if batch.Status == model.BatchPending {
		batch.Status = model.BatchProcessing
		batch.UpdatedAt = time.Now()
	}
	return nil
}

func (m *memoryDB) IncrementBatchCounters(ctx context.Context, id primitive.ObjectID, processedDelta, failedDelta int) (*model.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[id]
	if !ok {
		return nil, ErrNotFound
	}

	batch.ProcessedFiles += processedDelta
	batch.FailedFiles += failedDelta
	batch.UpdatedAt = time.Now()

	cp := *batch
	return &cp, nil
}

func (m *memoryDB) FinalizeBatch(ctx context.Context, id primitive.ObjectID, status model.BatchStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[id]
	if !ok {
		return false, ErrNotFound
	}
	if batch.Status.Terminal() {
		return false, nil
	}

	now := time.Now()
	batch.Status = status
	batch.CompletedAt = &now
	batch.UpdatedAt = now
	return true, nil
}

func (m *memoryDB) RecordBatchWebhook(ctx context.Context, id primitive.ObjectID, delivered bool, attempts int, response string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[id]
	if !ok {
		return ErrNotFound
	}

	batch.WebhookAttempts = attempts
	batch.WebhookResponse = response
	if delivered {
		now := time.Now()
		batch.WebhookSentAt = &now
	}
	return nil
}

func (m *memoryDB) CreateBatchDocument(ctx context.Context, doc *model.BatchDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if doc.ID.IsZero() {
		doc.ID = primitive.NewObjectID()
	}
	doc.CreatedAt = time.Now()
	if doc.Status == "" {
		doc.Status = model.FilePending
	}

	cp := *doc
	m.batchDocs[doc.ID] = &cp
	return nil
}

func (m *memoryDB) UpdateBatchDocumentStatus(ctx context.Context, id primitive.ObjectID, status model.FileStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.batchDocs[id]
	if !ok {
		return false, ErrNotFound
	}
	if doc.Status == model.FileCompleted || doc.Status == model.FileFailed {
		return false, nil
	}
	doc.Status = status
	return true, nil
}

func (m *memoryDB) ListBatchDocuments(ctx context.Context, batchOID primitive.ObjectID) ([]model.BatchDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var docs []model.BatchDocument
	for _, doc := range m.batchDocs {
		if doc.BatchOID == batchOID {
			docs = append(docs, *doc)
		}
	}

	for i := 1; i < len(docs); i++ {
		for j := i; j > 0 && docs[j].OrderInBatch < docs[j-1].OrderInBatch; j-- {
			docs[j], docs[j-1] = docs[j-1], docs[j]
		}
	}

	return docs, nil
}

func (m *memoryDB) DeleteBatch(ctx context.Context, id primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[id]
	if !ok {
		return ErrNotFound
	}

	for docID, doc := range m.batchDocs {
		if doc.BatchOID == id {
			delete(m.batchDocs, docID)
		}
	}

	delete(m.batchesByID, batch.BatchID)
	delete(m.batches, id)
	return nil
}

func (m *memoryDB) CreateRequest(ctx context.Context, req *model.ProcessingRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.ID.IsZero() {
		req.ID = primitive.NewObjectID()
	}
	req.CreatedAt = time.Now()
	if req.Status == "" {
		req.Status = model.RequestProcessing
	}

	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func (m *memoryDB) GetRequestByID(ctx context.Context, id primitive.ObjectID) (*model.ProcessingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (m *memoryDB) StartRequest(ctx context.Context, id primitive.ObjectID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}

	now := time.Now()
	req.WorkerID = workerID
	req.StartedAt = &now
	req.LastHeartbeat = now
	req.Progress = 0
	return nil
}

func (m *memoryDB) UpdateRequestProgress(ctx context.Context, id primitive.ObjectID, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	if req.Status != model.RequestProcessing {
		return nil
	}
	req.Progress = progress
	req.LastHeartbeat = time.Now()
	return nil
}

func (m *memoryDB) CompleteRequest(ctx context.Context, id primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	if req.Status != model.RequestProcessing {
		return nil
	}

	now := time.Now()
	req.Status = model.RequestCompleted
	req.Progress = 100
	req.CompletedAt = &now
	req.LastHeartbeat = now
	return nil
}

func (m *memoryDB) FailRequest(ctx context.Context, id primitive.ObjectID, errType model.ErrorType, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	if req.Status != model.RequestProcessing {
		return nil
	}

	now := time.Now()
	req.Status = model.RequestFailed
	req.CompletedAt = &now
	req.LastHeartbeat = now
	req.ErrorType = errType
	req.ErrorMessage = message
	return nil
}

func (m *memoryDB) RecordRequestWebhook(ctx context.Context, id primitive.ObjectID, delivered bool, response string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}

	req.WebhookResponse = response
	if delivered {
		now := time.Now()
		req.WebhookSentAt = &now
	}
	return nil
}

func (m *memoryDB) CreateResult(ctx context.Context, result *model.AIProcessingResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := resultKey(result.RequestOID, result.Operation)
	if _, ok := m.resultKeys[key]; ok {
		return ErrDuplicateResult
	}

	if result.ID.IsZero() {
		result.ID = primitive.NewObjectID()
	}
	result.CreatedAt = time.Now()

	cp := *result
	m.results[result.ID] = &cp
	m.resultKeys[key] = struct{}{}
	return nil
}

func (m *memoryDB) ListResults(ctx context.Context, requestOID primitive.ObjectID) ([]model.AIProcessingResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var results []model.AIProcessingResult
	for _, r := range m.results {
		if r.RequestOID == requestOID {
			results = append(results, *r)
		}
	}

	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].CreatedAt.Before(results[j-1].CreatedAt); j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}

	return results, nil
}

func (m *memoryDB) ListRequestsByBatch(ctx context.Context, batchOID primitive.ObjectID) ([]model.ProcessingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var requests []model.ProcessingRequest
	for _, req := range m.requests {
		if req.BatchOID != nil && *req.BatchOID == batchOID {
			requests = append(requests, *req)
		}
	}
	return requests, nil
}

func (m *memoryDB) FindStaleRequests(ctx context.Context, cutoff time.Time) ([]model.ProcessingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var requests []model.ProcessingRequest
	for _, req := range m.requests {
		if req.Status == model.RequestProcessing && !req.LastHeartbeat.IsZero() && req.LastHeartbeat.Before(cutoff) {
			requests = append(requests, *req)
		}
	}
	return requests, nil
}
