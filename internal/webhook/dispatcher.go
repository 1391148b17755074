package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"paperflow/internal/config"

	"github.com/rs/zerolog/log"
)

// Dispatcher delivers completion notifications to caller-supplied URLs with
// at-least-once semantics.
type Dispatcher interface {
	// Deliver posts the payload to url, retrying on failure. The returned
	// Outcome always describes the final attempt; err is non-nil only when
	// the payload itself could not be serialized.
	Deliver(ctx context.Context, url string, payload any) (*Outcome, error)
}

// Outcome describes the result of a delivery cycle
type Outcome struct {
	Delivered   bool
	Attempts    int
	StatusCode  int
	Response    string
	Error       string
	DeliveredAt time.Time
}

// HTTPDispatcher posts JSON payloads over HTTP with exponential backoff.
// A 2xx response counts as delivered; anything else, including transport
// errors, triggers a retry until the attempt budget runs out.
type HTTPDispatcher struct {
	client         *http.Client
	maxAttempts    int
	initialBackoff time.Duration
}

const responseBodyLimit = 4 << 10

// NewHTTPDispatcher creates a dispatcher from the webhook configuration
func NewHTTPDispatcher(cfg config.WebhookConfig) *HTTPDispatcher {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	backoff := time.Duration(cfg.InitialBackoffMS) * time.Millisecond
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPDispatcher{
		client:         &http.Client{Timeout: timeout},
		maxAttempts:    maxAttempts,
		initialBackoff: backoff,
	}
}

// Deliver posts the payload to url, doubling the backoff between attempts
func (d *HTTPDispatcher) Deliver(ctx context.Context, url string, payload any) (*Outcome, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("error marshaling webhook payload: %w", err)
	}

	outcome := &Outcome{}
	backoff := d.initialBackoff

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		outcome.Attempts = attempt

		statusCode, response, attemptErr := d.post(ctx, url, body)
		outcome.StatusCode = statusCode
		outcome.Response = response

		if attemptErr == nil && statusCode >= 200 && statusCode < 300 {
			outcome.Delivered = true
			outcome.DeliveredAt = time.Now()
			outcome.Error = ""

			log.Info().
				Str("url", url).
				Int("attempt", attempt).
				Int("statusCode", statusCode).
				Msg("Webhook delivered")

			return outcome, nil
		}

		if attemptErr != nil {
			outcome.Error = attemptErr.Error()
		} else {
			outcome.Error = fmt.Sprintf("unexpected status %d", statusCode)
		}

		log.Warn().
			Str("url", url).
			Int("attempt", attempt).
			Int("maxAttempts", d.maxAttempts).
			Int("statusCode", statusCode).
			Str("error", outcome.Error).
			Msg("Webhook attempt failed")

		if attempt == d.maxAttempts {
			break
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			outcome.Error = ctx.Err().Error()
			log.Warn().Str("url", url).Int("attempt", attempt).Msg("Webhook delivery abandoned")
			return outcome, nil
		}
		backoff *= 2
	}

	log.Error().
		Str("url", url).
		Int("attempts", outcome.Attempts).
		Str("error", outcome.Error).
		Msg("Webhook delivery exhausted all attempts")

	return outcome, nil
}

func (d *HTTPDispatcher) post(ctx context.Context, url string, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	return resp.StatusCode, string(respBody), nil
}
