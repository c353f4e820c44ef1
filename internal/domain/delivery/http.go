package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/transfer/internal/domain/transfer"
	"github.com/ehr/transfer/internal/platform/fhir"
	"github.com/ehr/transfer/internal/platform/httpclient"
	"github.com/ehr/transfer/internal/platform/webhook"
)

// maxResponseBody bounds how much of a research agent response is read.
const maxResponseBody = 64 << 10

// HTTPConfig configures the research agent sender.
type HTTPConfig struct {
	Server httpclient.Config `mapstructure:"server"`
	// Project names the receiving project; defaults to the sending one.
	Project string `mapstructure:"project"`
	// Secret signs every body with HMAC-SHA256 when set.
	Secret string `mapstructure:"secret"`
}

func (c HTTPConfig) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// IntakePath is the research agent route for one patient bundle.
func IntakePath(project string) string {
	return "/api/v2/process/" + url.PathEscape(project) + "/patient"
}

// HTTPSender posts collection bundles to a research agent.
type HTTPSender struct {
	client   *http.Client
	endpoint string
	secret   string
	logger   zerolog.Logger
}

func NewHTTPSender(client *http.Client, baseURL, project, secret string, logger zerolog.Logger) *HTTPSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSender{
		client:   client,
		endpoint: strings.TrimRight(baseURL, "/") + IntakePath(project),
		secret:   secret,
		logger:   logger,
	}
}

func (s *HTTPSender) Send(ctx context.Context, b transfer.TransportBundle) (transfer.Receipt, error) {
	fb, err := b.CollectionBundle()
	if err != nil {
		return transfer.Receipt{}, fmt.Errorf("build bundle: %w", err)
	}
	payload, err := json.Marshal(fb)
	if err != nil {
		return transfer.Receipt{}, fmt.Errorf("encode bundle: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return transfer.Receipt{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", fhir.ContentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(webhook.BundleIDHeader, b.ID)
	req.Header.Set(webhook.PatientHeader, b.PatientID)
	if s.secret != "" {
		req.Header.Set(webhook.SignatureHeader, webhook.SignatureValue(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return transfer.Receipt{}, transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return transfer.Receipt{}, transportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Keep at most 1KB of the response body.
		if len(body) > 1024 {
			body = body[:1024]
		}
		return transfer.Receipt{}, rejected(resp.StatusCode, strings.TrimSpace(string(body)))
	}

	receipt := transfer.Receipt{
		BundleID:   b.ID,
		StatusCode: resp.StatusCode,
		Location:   resp.Header.Get("Location"),
		Resources:  b.Len(),
	}
	// The research agent answers with its own receipt; other receivers may not.
	var remote transfer.Receipt
	if len(body) > 0 && json.Unmarshal(body, &remote) == nil && remote.BundleID != "" {
		receipt.Location = remote.Location
		receipt.Resources = remote.Resources
	}
	s.logger.Debug().
		Str("bundle_id", b.ID).
		Int("status", resp.StatusCode).
		Msg("bundle delivered")
	return receipt, nil
}
