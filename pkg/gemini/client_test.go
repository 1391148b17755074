package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"paperflow/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, baseURL string, maxRetries int) *Client {
	t.Helper()
	// High rpm keeps the token interval short enough for retry tests
	c := New("test-key", baseURL, "gemini-test", 6001, maxRetries, 10*time.Second)
	t.Cleanup(c.Close)
	return c
}

func candidateResponse(text string, tokens int) string {
	body := map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"parts": []map[string]any{{"text": text}},
			},
		}},
		"usageMetadata": map[string]any{"totalTokenCount": tokens},
	}
	raw, _ := json.Marshal(body)
	return string(raw)
}

func TestExtractSuccess(t *testing.T) {
	pdf := []byte("%PDF-1.4 fake")
	var gotPath, gotKey string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		gotBody, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, candidateResponse("```json\n{\"title\":\"A Study\"}\n```", 321))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)

	extraction, err := c.Extract(context.Background(), model.OpMetadata, pdf)
	require.NoError(t, err)
	assert.Equal(t, "A Study", extraction.Parsed["title"])
	assert.Equal(t, 321, extraction.TokensUsed)
	assert.Equal(t, "gemini-test", extraction.Model)
	assert.Contains(t, extraction.Raw, "```json")

	assert.Equal(t, "/models/gemini-test:generateContent", gotPath)
	assert.Equal(t, "test-key", gotKey)

	var sent generateRequest
	require.NoError(t, json.Unmarshal(gotBody, &sent))
	require.Len(t, sent.Contents, 1)
	parts := sent.Contents[0].Parts
	require.Len(t, parts, 2)
	assert.Equal(t, "application/pdf", parts[0].InlineData.MimeType)
	assert.Equal(t, base64.StdEncoding.EncodeToString(pdf), parts[0].InlineData.Data)
	assert.Contains(t, parts[1].Text, "bibliographic metadata")
}

func TestExtractCompleteReferencesSinglePage(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, candidateResponse(
			`{"references":[{"raw_text":"r1"},{"raw_text":"r2"}],"total_references":2,"has_more":false}`, 10))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)

	extraction, err := c.ExtractCompleteReferences(context.Background(), []byte("%PDF-1.4 fake"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	refs, ok := extraction.Parsed["references"].([]any)
	require.True(t, ok)
	assert.Len(t, refs, 2)
	assert.Equal(t, 2, extraction.Parsed["total_references"])
	assert.Equal(t, 10, extraction.TokensUsed)
}

func TestExtractCompleteReferencesContinuation(t *testing.T) {
	pages := []string{
		`{"references":[{"raw_text":"r1"},{"raw_text":"r2"}],"total_references":4,"has_more":true}`,
		`{"references":[{"raw_text":"r3"},{"raw_text":"r4"}],"total_references":4,"has_more":false}`,
	}

	var calls int32
	var prompts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		var sent generateRequest
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &sent)
		prompts = append(prompts, sent.Contents[0].Parts[1].Text)
		fmt.Fprint(w, candidateResponse(pages[n-1], 7))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)

	extraction, err := c.ExtractCompleteReferences(context.Background(), []byte("%PDF-1.4 fake"))
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))

	refs, ok := extraction.Parsed["references"].([]any)
	require.True(t, ok)
	assert.Len(t, refs, 4)
	assert.Equal(t, 4, extraction.Parsed["total_references"])
	assert.Equal(t, 14, extraction.TokensUsed)

	// The follow-up prompt resumes from where the first response stopped
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[0], "total_references")
	assert.Contains(t, prompts[1], "Continue from reference 3")

	// Raw keeps every page verbatim
	assert.Contains(t, extraction.Raw, "r1")
	assert.Contains(t, extraction.Raw, "r4")
}

func TestExtractCompleteReferencesStopsOnEmptyPage(t *testing.T) {
	pages := []string{
		`{"references":[{"raw_text":"r1"}],"total_references":3,"has_more":true}`,
		`{"references":[],"has_more":false}`,
	}

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, candidateResponse(pages[n-1], 5))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)

	extraction, err := c.ExtractCompleteReferences(context.Background(), []byte("%PDF-1.4 fake"))
	require.NoError(t, err)

	// An empty follow-up ends the loop even though the claimed total was
	// never reached
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	refs, ok := extraction.Parsed["references"].([]any)
	require.True(t, ok)
	assert.Len(t, refs, 1)
}

func TestExtractRetriesRetryableErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"status":"RESOURCE_EXHAUSTED","message":"quota"}}`)
			return
		}
		fmt.Fprint(w, candidateResponse(`{"references":[]}`, 10))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)

	extraction, err := c.Extract(context.Background(), model.OpReferences, []byte("pdf"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.NotNil(t, extraction.Parsed["references"])
}

func TestExtractNoRetryOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"status":"INVALID_ARGUMENT","message":"bad pdf"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)

	_, err := c.Extract(context.Background(), model.OpMetadata, []byte("pdf"))
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "INVALID_ARGUMENT", apiErr.Status)
	assert.Equal(t, "bad pdf", apiErr.Message)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx errors are not retried")
}

func TestExtractExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)

	_, err := c.Extract(context.Background(), model.OpMetadata, []byte("pdf"))
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestExtractParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, candidateResponse("this is prose, not JSON", 7))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)

	extraction, err := c.Extract(context.Background(), model.OpMetadata, []byte("pdf"))
	require.Error(t, err)

	var parseErr *ParseError
	assert.ErrorAs(t, err, &parseErr)

	// The raw response survives for debugging even when parsing fails
	require.NotNil(t, extraction)
	assert.Equal(t, "this is prose, not JSON", extraction.Raw)
	assert.Equal(t, 7, extraction.TokensUsed)
}

func TestExtractEmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"candidates":[]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)

	_, err := c.Extract(context.Background(), model.OpMetadata, []byte("pdf"))
	var parseErr *ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestExtractUnknownOperation(t *testing.T) {
	c := newTestClient(t, "http://unused.test", 0)

	_, err := c.Extract(context.Background(), model.Operation("summarize"), []byte("pdf"))
	assert.Error(t, err)
}

func TestDecodeJSONObject(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantKey string
		wantErr bool
	}{
		{"plain object", `{"title":"x"}`, "title", false},
		{"json fence", "```json\n{\"title\":\"x\"}\n```", "title", false},
		{"bare fence", "```\n{\"title\":\"x\"}\n```", "title", false},
		{"fence with padding", "  ```json\n{\"title\":\"x\"}\n```  ", "title", false},
		{"not json", "the document has no title", "", true},
		{"array not object", `[1,2,3]`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := decodeJSONObject(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, parsed, tt.wantKey)
		})
	}
}

func TestAPIErrorRetryable(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
	}

	for _, tt := range tests {
		err := &APIError{StatusCode: tt.code}
		assert.Equal(t, tt.want, err.Retryable(), "status %d", tt.code)
	}
}

func TestExtractContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Extract(ctx, model.OpMetadata, []byte("pdf"))
	assert.ErrorIs(t, err, context.Canceled)
}
