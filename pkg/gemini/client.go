package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Client is a Gemini generateContent API client with client-side rate
// limiting. A token channel refilled by a ticker spaces calls out to the
// configured requests-per-minute budget.
type Client struct {
	httpClient    *http.Client
	apiKey        string
	baseURL       string
	model         string
	maxRetries    int
	requestTicker *time.Ticker
	requestChan   chan struct{}
}

// New creates a new Gemini API client with rate limiting
func New(apiKey, baseURL, model string, requestsPerMinute, maxRetries int, timeout time.Duration) *Client {
	if requestsPerMinute < 2 {
		requestsPerMinute = 2
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	// Calculate interval between requests
	interval := time.Minute / time.Duration(requestsPerMinute-1)

	log.Info().
		Int("requests_per_minute", requestsPerMinute).
		Dur("request_interval", interval).
		Str("base_url", baseURL).
		Str("model", model).
		Msg("Initializing Gemini API client")

	ticker := time.NewTicker(interval)

	// Buffer of 1 allows one immediate request
	requestChan := make(chan struct{}, 1)
	requestChan <- struct{}{}

	// Refill tokens at the configured rate; drop tokens when the buffer is full
	go func() {
		for range ticker.C {
			select {
			case requestChan <- struct{}{}:
			default:
			}
		}
	}()

	return &Client{
		httpClient:    &http.Client{Timeout: timeout},
		apiKey:        apiKey,
		baseURL:       baseURL,
		model:         model,
		maxRetries:    maxRetries,
		requestTicker: ticker,
		requestChan:   requestChan,
	}
}

// APIError is a non-2xx response from the Gemini API
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gemini API error: %s (%d): %s", e.Status, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gemini API error: status code %d", e.StatusCode)
}

// Retryable reports whether the error class is worth another attempt
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// Model returns the configured model identifier
func (c *Client) Model() string {
	return c.model
}

// generate posts one generateContent call, waiting for a rate-limit token
// first and retrying retryable API errors up to maxRetries times.
func (c *Client) generate(ctx context.Context, reqBody generateRequest) (*generateResponse, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)

	var lastErr error
	attempts := c.maxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		// Wait for permission to make a request
		waitStart := time.Now()
		select {
		case <-c.requestChan:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		log.Debug().
			Str("model", c.model).
			Int("attempt", attempt).
			Dur("wait_duration", time.Since(waitStart)).
			Msg("Acquired rate limit token, executing Gemini request")

		resp, err := c.do(ctx, url, payload)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return nil, err
		}

		log.Warn().
			Err(err).
			Str("model", c.model).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Msg("Gemini request failed, will retry")
	}

	return nil, lastErr
}

func (c *Client) do(ctx context.Context, url string, payload []byte) (*generateResponse, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := parseAPIError(resp.StatusCode, respBody)
		log.Error().
			Err(apiErr).
			Int("status_code", resp.StatusCode).
			Int("response_size", len(respBody)).
			Dur("duration", time.Since(start)).
			Msg("Gemini API returned error response")
		return nil, apiErr
	}

	var genResp generateResponse
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}

	log.Debug().
		Int("status_code", resp.StatusCode).
		Int("response_size", len(respBody)).
		Int("tokens_used", genResp.UsageMetadata.TotalTokenCount).
		Dur("duration", time.Since(start)).
		Msg("Gemini request completed successfully")

	return &genResp, nil
}

// parseAPIError extracts error information from the API response
func parseAPIError(statusCode int, respBody []byte) *APIError {
	var errResp struct {
		Error struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"error"`
	}

	apiErr := &APIError{StatusCode: statusCode}
	if err := json.Unmarshal(respBody, &errResp); err == nil {
		apiErr.Status = errResp.Error.Status
		apiErr.Message = errResp.Error.Message
	}

	return apiErr
}

// Close stops the rate-limit ticker
func (c *Client) Close() {
	if c.requestTicker != nil {
		log.Info().Msg("Shutting down Gemini API client")
		c.requestTicker.Stop()
	}
}
