package executor

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"paperflow/internal/database"
	"paperflow/internal/model"
	"paperflow/pkg/gemini"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type fakeFetcher struct {
	err error
}

func (f fakeFetcher) Fetch(_ context.Context, _ string) (*FetchedDocument, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &FetchedDocument{
		Data:      []byte("%PDF-1.4 test"),
		Hash:      "cafebabe",
		Size:      13,
		PageCount: 2,
	}, nil
}

// fakeAI fails the operations listed in errs and succeeds on the rest
type fakeAI struct {
	errs          map[model.Operation]error
	calls         []model.Operation
	completeCalls int
}

func (f *fakeAI) Model() string { return "test-model" }

func (f *fakeAI) Extract(_ context.Context, op model.Operation, _ []byte) (*gemini.Extraction, error) {
	f.calls = append(f.calls, op)
	if err, ok := f.errs[op]; ok {
		return nil, err
	}
	return &gemini.Extraction{
		Raw:        `{"ok":true}`,
		Parsed:     map[string]any{"ok": true},
		Model:      "test-model",
		TokensUsed: 42,
	}, nil
}

func (f *fakeAI) ExtractCompleteReferences(_ context.Context, _ []byte) (*gemini.Extraction, error) {
	f.completeCalls++
	if err, ok := f.errs[model.OpReferences]; ok {
		return nil, err
	}
	return &gemini.Extraction{
		Raw:        `{"references":[{"raw_text":"r1"}],"total_references":1}`,
		Parsed:     map[string]any{"references": []any{map[string]any{"raw_text": "r1"}}, "total_references": float64(1)},
		Model:      "test-model",
		TokensUsed: 42,
	}, nil
}

type nopProgress struct{}

func (nopProgress) Checkpoint(context.Context, primitive.ObjectID, int) {}

func newExecRequest(t *testing.T, db database.Database, ops model.OperationSet) *model.ProcessingRequest {
	t.Helper()

	doc, _, err := db.GetOrCreateDocument(context.Background(), "https://papers.test/exec.pdf", "single")
	require.NoError(t, err)

	req := &model.ProcessingRequest{
		DocumentOID: doc.ID,
		Kind:        model.KindSingle,
		Operations:  ops,
		Status:      model.RequestProcessing,
		FileURL:     "https://papers.test/exec.pdf",
	}
	require.NoError(t, db.CreateRequest(context.Background(), req))
	require.NoError(t, db.StartRequest(context.Background(), req.ID, "worker_test"))
	return req
}

func TestExecuteAllOperationsSucceed(t *testing.T) {
	db := database.NewMemory()
	ai := &fakeAI{}
	exec := New(db, fakeFetcher{}, ai)

	req := newExecRequest(t, db, model.OperationSet{ExtractMetadata: true, ExtractReferences: true})
	outcome := exec.Execute(context.Background(), req, nopProgress{})

	assert.Equal(t, model.RequestCompleted, outcome.Status)
	assert.Contains(t, outcome.ExtractedData, string(model.OpMetadata))
	assert.Contains(t, outcome.ExtractedData, string(model.OpReferences))

	results, err := db.ListResults(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, model.RequestCompleted, r.Status)
		assert.Equal(t, "test-model", r.Model)
		assert.Equal(t, 42, r.TokensUsed)
		assert.Equal(t, `{"ok":true}`, r.RawResponse)
	}

	// Content attributes were recorded on the document
	doc, err := db.GetDocumentByID(context.Background(), req.DocumentOID)
	require.NoError(t, err)
	assert.Equal(t, "cafebabe", doc.ContentHash)
	assert.Equal(t, 2, doc.PageCount)
}

func TestExecuteOperationFailureIsIndependent(t *testing.T) {
	db := database.NewMemory()
	ai := &fakeAI{errs: map[model.Operation]error{
		model.OpMetadata: &gemini.APIError{StatusCode: http.StatusServiceUnavailable},
	}}
	exec := New(db, fakeFetcher{}, ai)

	req := newExecRequest(t, db, model.OperationSet{ExtractMetadata: true, ExtractReferences: true})
	outcome := exec.Execute(context.Background(), req, nopProgress{})

	// The metadata failure marks the request failed but references still ran
	assert.Equal(t, model.RequestFailed, outcome.Status)
	assert.Equal(t, model.ErrTypeAIService, outcome.ErrorType)
	assert.Equal(t, []model.Operation{model.OpMetadata, model.OpReferences}, ai.calls)
	assert.Contains(t, outcome.ExtractedData, string(model.OpReferences))

	results, err := db.ListResults(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byOp := map[model.Operation]model.AIProcessingResult{}
	for _, r := range results {
		byOp[r.Operation] = r
	}
	assert.Equal(t, model.RequestFailed, byOp[model.OpMetadata].Status)
	assert.Equal(t, model.ErrTypeAIService, byOp[model.OpMetadata].ErrorType)
	assert.Equal(t, model.RequestCompleted, byOp[model.OpReferences].Status)

	stored, err := db.GetRequestByID(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestFailed, stored.Status)
	assert.Equal(t, model.ErrTypeAIService, stored.ErrorType)
}

func TestExecuteCompleteReferencesMode(t *testing.T) {
	db := database.NewMemory()
	ai := &fakeAI{}
	exec := New(db, fakeFetcher{}, ai)

	req := newExecRequest(t, db, model.OperationSet{
		ExtractMetadata:    true,
		ExtractReferences:  true,
		CompleteReferences: true,
	})
	outcome := exec.Execute(context.Background(), req, nopProgress{})

	assert.Equal(t, model.RequestCompleted, outcome.Status)
	// References went through the continuation path, metadata did not
	assert.Equal(t, 1, ai.completeCalls)
	assert.Equal(t, []model.Operation{model.OpMetadata}, ai.calls)

	refs, ok := outcome.ExtractedData[string(model.OpReferences)].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, refs, "references")
}

func TestExecuteDownloadFailure(t *testing.T) {
	db := database.NewMemory()
	ai := &fakeAI{}
	exec := New(db, fakeFetcher{err: NewDownloadError("fetch", errors.New("origin returned status 404"))}, ai)

	req := newExecRequest(t, db, model.OperationSet{ExtractMetadata: true})
	outcome := exec.Execute(context.Background(), req, nopProgress{})

	assert.Equal(t, model.RequestFailed, outcome.Status)
	assert.Equal(t, model.ErrTypeDownload, outcome.ErrorType)
	assert.Empty(t, ai.calls, "no AI call after a failed fetch")

	results, err := db.ListResults(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestClassify(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		err  error
		want model.ErrorType
	}{
		{"classified passthrough", NewDownloadError("fetch", errors.New("boom")), model.ErrTypeDownload},
		{"deadline", context.DeadlineExceeded, model.ErrTypeTimeout},
		{"parse", &gemini.ParseError{Err: errors.New("bad json")}, model.ErrTypeParse},
		{"api", &gemini.APIError{StatusCode: 500}, model.ErrTypeAIService},
		{"unknown", errors.New("mystery"), model.ErrTypeAIService},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(ctx, tt.err, "step")
			assert.Equal(t, tt.want, got.Type)
		})
	}
}

func TestClassifyParseErrorWrapped(t *testing.T) {
	// A parse error surfaced through extraction keeps its class when wrapped
	err := &gemini.ParseError{Err: errors.New("unexpected token")}
	got := classify(context.Background(), err, string(model.OpMetadata))
	assert.Equal(t, model.ErrTypeParse, got.Type)
	assert.Equal(t, string(model.OpMetadata), got.Step)
}
