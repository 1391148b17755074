package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"paperflow/internal/cache"
	"paperflow/internal/config"
	"paperflow/internal/database"
	"paperflow/internal/model"
	"paperflow/internal/orchestrator"
	"paperflow/internal/webhook"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nullEnqueuer struct {
	requests []*model.ProcessingRequest
}

func (e *nullEnqueuer) Enqueue(req *model.ProcessingRequest) error {
	cp := *req
	e.requests = append(e.requests, &cp)
	return nil
}

type nullDispatcher struct{}

func (nullDispatcher) Deliver(context.Context, string, any) (*webhook.Outcome, error) {
	return &webhook.Outcome{Delivered: true, Attempts: 1, StatusCode: 200}, nil
}

func newTestServer(t *testing.T) (http.Handler, database.Database, *nullEnqueuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := database.NewMemory()
	enq := &nullEnqueuer{}
	tracker := orchestrator.NewProgressTracker(db, cache.NewMemoryCache())
	orch := orchestrator.New(db, enq, nullDispatcher{}, tracker, config.BatchConfig{})

	cfg := config.Config{}
	cfg.CORS.AllowedOrigins = []string{"*"}

	srv := Server{
		orch:    orch,
		tracker: tracker,
		db:      db,
		cache:   cache.NewMemoryCache(),
		config:  cfg,
	}

	return srv.RegisterRoutes(), db, enq
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func getJSON(t *testing.T, handler http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func batchBody(batchID string, n int) map[string]any {
	files := make([]map[string]any, n)
	for i := range files {
		files[i] = map[string]any{"url": fmt.Sprintf("https://papers.test/f%d.pdf", i)}
	}
	return map[string]any{"batch_id": batchID, "files": files}
}

func TestSubmitBatchAccepted(t *testing.T) {
	handler, _, enq := newTestServer(t)

	rec := postJSON(t, handler, "/api/v1/batch/process", batchBody("api-batch", 2))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "api-batch", resp["batch_id"])
	assert.Equal(t, float64(2), resp["total_files"])
	assert.Len(t, enq.requests, 2)
}

func TestSubmitBatchBadRequest(t *testing.T) {
	handler, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing files", map[string]any{"batch_id": "b"}},
		{"missing batch id", map[string]any{"files": []map[string]any{{"url": "https://a.test/x.pdf"}}}},
		{"bad webhook", map[string]any{
			"batch_id":    "b",
			"files":       []map[string]any{{"url": "https://a.test/x.pdf"}},
			"webhook_url": "not-a-url",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, handler, "/api/v1/batch/process", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSubmitBatchDuplicateConflict(t *testing.T) {
	handler, _, _ := newTestServer(t)

	rec := postJSON(t, handler, "/api/v1/batch/process", batchBody("twice", 1))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = postJSON(t, handler, "/api/v1/batch/process", batchBody("twice", 1))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBatchStatusEndpoint(t *testing.T) {
	handler, _, _ := newTestServer(t)

	rec := postJSON(t, handler, "/api/v1/batch/process", batchBody("status-batch", 3))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec, body := getJSON(t, handler, "/api/v1/batch/status-batch/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "status-batch", body["batch_id"])
	assert.Equal(t, string(model.BatchProcessing), body["status"])
	assert.Equal(t, float64(3), body["total_files"])
	assert.Equal(t, float64(0), body["processed_files"])

	rec, _ = getJSON(t, handler, "/api/v1/batch/missing/status")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBatchResultsEndpoint(t *testing.T) {
	handler, db, enq := newTestServer(t)
	ctx := context.Background()

	rec := postJSON(t, handler, "/api/v1/batch/process", batchBody("results-batch", 1))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, enq.requests, 1)

	req := enq.requests[0]
	require.NoError(t, db.CreateResult(ctx, &model.AIProcessingResult{
		RequestOID:  req.ID,
		DocumentOID: req.DocumentOID,
		Operation:   model.OpMetadata,
		Status:      model.RequestCompleted,
		Result:      map[string]any{"title": "T"},
	}))
	require.NoError(t, db.CompleteRequest(ctx, req.ID))

	rec, body := getJSON(t, handler, "/api/v1/batch/results-batch/results")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "results-batch", body["batch_id"])

	results := body["results"].(map[string]any)
	files := results["files"].([]any)
	require.Len(t, files, 1)
}

func TestSubmitRequestEndpoint(t *testing.T) {
	handler, _, enq := newTestServer(t)

	rec := postJSON(t, handler, "/api/v1/process", map[string]any{
		"file_url": "https://papers.test/one.pdf",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["request_id"])
	assert.Equal(t, string(model.RequestProcessing), resp["status"])
	assert.Len(t, enq.requests, 1)

	rec = postJSON(t, handler, "/api/v1/process", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestStatusEndpoint(t *testing.T) {
	handler, db, enq := newTestServer(t)
	ctx := context.Background()

	rec := postJSON(t, handler, "/api/v1/process", map[string]any{
		"file_url": "https://papers.test/tracked.pdf",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, enq.requests, 1)
	id := enq.requests[0].ID

	rec, body := getJSON(t, handler, "/api/v1/requests/"+id.Hex())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(model.RequestProcessing), body["status"])
	_, hasResults := body["results"]
	assert.False(t, hasResults, "in-flight requests expose no results")

	require.NoError(t, db.FailRequest(ctx, id, model.ErrTypeDownload, "404 from origin"))

	rec, body = getJSON(t, handler, "/api/v1/requests/"+id.Hex())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(model.RequestFailed), body["status"])
	errBody := body["error"].(map[string]any)
	assert.Equal(t, string(model.ErrTypeDownload), errBody["type"])

	rec, _ = getJSON(t, handler, "/api/v1/requests/000000000000000000000000")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = getJSON(t, handler, "/api/v1/requests/not-hex")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	handler, _, _ := newTestServer(t)

	rec, body := getJSON(t, handler, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["healthy"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["mongodb"])
}
