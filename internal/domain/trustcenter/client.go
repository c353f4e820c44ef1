package trustcenter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// PseudonymizePath is the trust-center endpoint relative to its base URL.
const PseudonymizePath = "/api/v2/cd/pseudonymize"

// Error is a failed trust-center call.
type Error struct {
	StatusCode int // 0 when no response was received
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("trust center: %v", e.Err)
	}
	return fmt.Sprintf("trust center: status %d: %s", e.StatusCode, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports connection failures, 429 and 5xx responses.
func (e *Error) Retryable() bool {
	if e.StatusCode == 0 {
		return !errors.Is(e.Err, context.Canceled)
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type pseudonymResponse struct {
	Pseudonym string `json:"pseudonym"`
}

// Client talks to a remote trust center. It makes one attempt per call;
// retries belong to the caller.
type Client struct {
	http     *http.Client
	endpoint string
}

func NewClient(httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{http: httpClient, endpoint: strings.TrimRight(baseURL, "/") + PseudonymizePath}
}

func (c *Client) Pseudonymize(ctx context.Context, r Request) (string, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &Error{Err: err}
	}
	defer resp.Body.Close()

	// Read at most 1KB of an error body.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &Error{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var out pseudonymResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &Error{StatusCode: resp.StatusCode, Body: "invalid response", Err: err}
	}
	if out.Pseudonym == "" {
		return "", &Error{StatusCode: resp.StatusCode, Body: "empty pseudonym"}
	}
	return out.Pseudonym, nil
}
