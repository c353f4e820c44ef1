package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// ContentType is the FHIR JSON media type.
const ContentType = "application/fhir+json"

const maxErrorBody = 4 << 10

// RequestError reports a failed FHIR REST interaction.
type RequestError struct {
	Method     string
	URL        string
	StatusCode int // 0 when no response was received
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Retryable reports connection failures, timeouts, 429 and 5xx responses.
func (e *RequestError) Retryable() bool {
	if e.StatusCode == 0 {
		return !errors.Is(e.Err, context.Canceled)
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// NotFound reports a 404 or 410 response.
func (e *RequestError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

// IsNotFound reports whether err is a RequestError for a missing resource.
func IsNotFound(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.NotFound()
}

// IsTimeout reports whether err is a network timeout.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Client is a minimal FHIR REST client over JSON.
type Client struct {
	http *http.Client
	base *url.URL
}

// NewClient creates a client for the server at baseURL.
func NewClient(httpClient *http.Client, baseURL string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid FHIR base url: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{http: httpClient, base: u}, nil
}

// Base returns the server base URL.
func (c *Client) Base() string { return c.base.String() }

// Read fetches Type/id.
func (c *Client) Read(ctx context.Context, resourceType, id string) (Resource, error) {
	data, err := c.do(ctx, http.MethodGet, c.base.String()+"/"+resourceType+"/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	return ParseResource(data)
}

// Search runs a type-level search and returns the first page.
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values) (*Bundle, error) {
	target := c.base.String() + "/" + resourceType
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	return c.Page(ctx, target)
}

// Page fetches a searchset page. Relative links are resolved against the
// server base.
func (c *Client) Page(ctx context.Context, link string) (*Bundle, error) {
	target, err := c.resolve(link)
	if err != nil {
		return nil, err
	}
	data, err := c.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	return ParseBundle(data)
}

// SearchAll follows next links and returns every resource of the search.
func (c *Client) SearchAll(ctx context.Context, resourceType string, params url.Values) ([]Resource, error) {
	page, err := c.Search(ctx, resourceType, params)
	if err != nil {
		return nil, err
	}
	var out []Resource
	for {
		resources, err := page.Resources()
		if err != nil {
			return nil, err
		}
		out = append(out, resources...)

		next := page.NextLink()
		if next == "" {
			return out, nil
		}
		if page, err = c.Page(ctx, next); err != nil {
			return nil, err
		}
	}
}

// Transaction posts a transaction or batch bundle to the server base.
func (c *Client) Transaction(ctx context.Context, bundle *Bundle) (*Bundle, error) {
	body, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	data, err := c.do(ctx, http.MethodPost, c.base.String(), body)
	if err != nil {
		return nil, err
	}
	return ParseBundle(data)
}

func (c *Client) resolve(link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("invalid link %q: %w", link, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if strings.HasPrefix(u.Path, "/") {
		return c.base.ResolveReference(u).String(), nil
	}
	// Relative to the base path, not its parent.
	return c.base.String() + "/" + strings.TrimPrefix(link, "./"), nil
}

func (c *Client) do(ctx context.Context, method, target string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, &RequestError{Method: method, URL: target, Err: err}
	}
	req.Header.Set("Accept", ContentType)
	if body != nil {
		req.Header.Set("Content-Type", ContentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RequestError{Method: method, URL: target, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Method: method, URL: target, StatusCode: 0, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := data
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &RequestError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}
	return data, nil
}
