package box

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// Default API hosts. Overridable via WithBaseURLs for testing.
const (
	DefaultAPIBaseURL    = "https://api.box.com/2.0"
	DefaultUploadBaseURL = "https://upload.box.com/api/2.0"
)

// Retry and backoff constants.
const (
	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "box-go/0.1"
)

// Client is an HTTP client for the Box content API.
// It handles request construction, authentication, retry with
// exponential backoff, and error classification.
type Client struct {
	apiBaseURL    string
	uploadBaseURL string
	httpClient    *http.Client
	token         oauth2.TokenSource
	logger        *slog.Logger

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// ClientOption customizes a Client at construction.
type ClientOption func(*Client)

// WithBaseURLs overrides the API and upload hosts. Tests point both at an
// httptest server.
func WithBaseURLs(api, upload string) ClientOption {
	return func(c *Client) {
		c.apiBaseURL = api
		c.uploadBaseURL = upload
	}
}

// NewClient creates a Box API client. Pass an http.Client without a global
// timeout for transfer-heavy workloads — part uploads carry their own
// context deadlines.
func NewClient(httpClient *http.Client, token oauth2.TokenSource, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	c := &Client{
		apiBaseURL:    DefaultAPIBaseURL,
		uploadBaseURL: DefaultUploadBaseURL,
		httpClient:    httpClient,
		token:         token,
		logger:        logger,
		sleepFunc:     timeSleep,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Do executes a JSON request against the given absolute URL with bounded
// retry. The body is re-sent from the start on each attempt, which is why it
// is a byte slice rather than a reader. The caller is responsible for
// closing the response body on success.
func (c *Client) Do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var attempt int
	for {
		resp, err := c.doOnce(ctx, method, url, body, "application/json")
		if err != nil {
			// Context cancellation is not retryable.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("box: request canceled: %w", ctx.Err())
			}

			// Network errors are retryable.
			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("url", url),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("box: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("box: %s %s failed after %d retries: %w", method, url, maxRetries, err)
		}

		// 2xx — success.
		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		// Read and close body for error responses.
		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		reqID := resp.Header.Get("box-request-id")

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("box: request canceled: %w", err)
			}

			attempt++

			continue
		}

		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			RequestID:  reqID,
			Message:    string(errBody),
			Err:        classifyStatus(resp.StatusCode),
		}

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", method),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return nil, apiErr
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, method, url string, body []byte, contentType string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	bearer, err := c.bearer()
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", bearer)
	req.Header.Set("User-Agent", userAgent)

	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	return c.httpClient.Do(req)
}

// bearer returns the Authorization header value from the token source.
func (c *Client) bearer() (string, error) {
	tok, err := c.token.Token()
	if err != nil {
		return "", fmt.Errorf("obtaining token: %w", err)
	}

	return "Bearer " + tok.AccessToken, nil
}

// retryBackoff returns the backoff duration for a retryable response.
// For 429 responses with a Retry-After header, that value is used.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	// Apply ±25% jitter.
	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
