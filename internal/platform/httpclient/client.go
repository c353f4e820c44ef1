// Package httpclient builds the outbound HTTP clients the agents use to talk
// to FHIR servers, the trust center and the research agent.
package httpclient

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Config is the connection block shared by every outbound endpoint in a
// project file.
type Config struct {
	BaseURL string            `mapstructure:"baseUrl"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Auth    AuthConfig        `mapstructure:"auth"`
	Headers map[string]string `mapstructure:"headers"`
}

// Validate checks that the base URL is absolute.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("baseUrl is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid baseUrl: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("baseUrl must be http or https, got %q", c.BaseURL)
	}
	return c.Auth.Validate()
}

// Base returns the base URL without a trailing slash.
func (c Config) Base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

// New builds an *http.Client for the config on top of base (nil for
// http.DefaultTransport). Authentication and static headers are applied by
// the transport so callers never handle credentials.
func New(cfg Config, base http.RoundTripper) (*http.Client, error) {
	if base == nil {
		base = http.DefaultTransport
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	auth, err := cfg.Auth.authenticator(&http.Client{Transport: base, Timeout: timeout})
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &transport{
			base:    base,
			auth:    auth,
			headers: cfg.Headers,
		},
	}, nil
}

type transport struct {
	base    http.RoundTripper
	auth    authenticator
	headers map[string]string
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not modify the caller's request.
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if t.auth != nil {
		if err := t.auth.apply(req); err != nil {
			return nil, fmt.Errorf("authenticate request: %w", err)
		}
	}
	return t.base.RoundTrip(req)
}
