package cloud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/edgefleet/shadowd/internal/shadow"
)

// Client defaults.
const (
	defaultCallTimeout = 30 * time.Second
	userAgent          = "shadowd/0.1"
	maxErrorBodyBytes  = 4096
)

// Client calls the remote shadow service's REST data plane. It does
// not retry: the sync engine's retryer owns retry policy, so a failed
// call surfaces immediately with a classified error.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	logger      *slog.Logger
	callTimeout time.Duration

	// newToken generates the client token attached to mutating calls
	// for request correlation. Injectable for deterministic tests.
	newToken func() string
}

// NewClient creates a shadow service client. baseURL is the data
// plane root, e.g. "https://shadow.example.com/v1". The httpClient
// should already carry authentication (the service wires an OAuth2
// client-credentials transport); nil falls back to
// http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:     baseURL,
		httpClient:  httpClient,
		logger:      logger,
		callTimeout: defaultCallTimeout,
		newToken:    func() string { return uuid.NewString() },
	}
}

// GetThingShadow fetches the current cloud document for a shadow.
// A missing shadow surfaces as ErrNotFound.
func (c *Client) GetThingShadow(ctx context.Context, key shadow.Key) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, c.shadowURL(key), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cloud: reading shadow %s: %w", key, err)
	}

	return body, nil
}

// UpdateThingShadow writes a document to the cloud. The payload's
// embedded version field is the optimistic concurrency check; a stale
// version surfaces as ErrConflict. Returns the service's response
// document (the accepted state).
func (c *Client) UpdateThingShadow(ctx context.Context, key shadow.Key, payload []byte) ([]byte, error) {
	payload, err := withClientToken(payload, c.newToken())
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, c.shadowURL(key), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cloud: reading update response %s: %w", key, err)
	}

	return body, nil
}

// DeleteThingShadow removes the cloud document for a shadow.
// Deleting an absent shadow surfaces as ErrNotFound.
func (c *Client) DeleteThingShadow(ctx context.Context, key shadow.Key) error {
	resp, err := c.do(ctx, http.MethodDelete, c.shadowURL(key), nil)
	if err != nil {
		return err
	}

	resp.Body.Close()

	return nil
}

// shadowURL builds the data plane URL for a shadow. Named shadows
// select with the "name" query parameter; the classic shadow omits it.
func (c *Client) shadowURL(key shadow.Key) string {
	u := c.baseURL + "/things/" + url.PathEscape(key.ThingName) + "/shadow"
	if !key.IsClassic() {
		u += "?name=" + url.QueryEscape(key.ShadowName)
	}

	return u
}

// retryAfter reads the Retry-After header on a 429 response as
// integer seconds.
func retryAfter(resp *http.Response) time.Duration {
	if resp.StatusCode != http.StatusTooManyRequests {
		return 0
	}

	ra := resp.Header.Get("Retry-After")
	if ra == "" {
		return 0
	}

	seconds, err := strconv.Atoi(ra)
	if err != nil || seconds <= 0 {
		return 0
	}

	return time.Duration(seconds) * time.Second
}

// do executes one HTTP call with the per-call timeout and classifies
// non-2xx responses. The caller owns the response body on success.
func (c *Client) do(ctx context.Context, method, u string, body io.Reader) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("cloud: creating request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req) //nolint:bodyclose // closed below on error, by caller on success
	if err != nil {
		// Context cancellation is the caller stopping, not a transport
		// fault. Deadline expiry is a timeout and stays retryable.
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("cloud: request canceled: %w", ctx.Err())
		}

		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		c.logger.Debug("cloud request succeeded",
			slog.String("method", method),
			slog.Int("status", resp.StatusCode),
		)

		return resp, nil
	}

	errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	resp.Body.Close()

	if readErr != nil {
		errBody = []byte("(failed to read response body)")
	}

	svcErr := &ServiceError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("x-request-id"),
		Message:    string(errBody),
		Err:        classifyStatus(resp.StatusCode),
		RetryAfter: retryAfter(resp),
	}

	c.logger.Debug("cloud request failed",
		slog.String("method", method),
		slog.Int("status", resp.StatusCode),
		slog.String("request_id", svcErr.RequestID),
	)

	return nil, svcErr
}
