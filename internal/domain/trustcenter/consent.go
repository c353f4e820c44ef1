package trustcenter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ehr/transfer/internal/platform/fhir"
)

// Consent endpoints relative to the trust-center base URL. The restricted
// variant answers for the listed identifiers only.
const (
	FetchAllConsentsPath = "/api/v2/cd/consented-patients/fetch-all"
	FetchConsentsPath    = "/api/v2/cd/consented-patients/fetch"
)

// ConsentRequest asks for the patients of a domain together with their
// consents to the given policies.
type ConsentRequest struct {
	Policies                []string `json:"policies"`
	PolicySystem            string   `json:"policySystem"`
	Domain                  string   `json:"domain"`
	PatientIdentifierSystem string   `json:"patientIdentifierSystem,omitempty"`
	Identifiers             []string `json:"identifiers,omitempty"`
}

// ConsentClient pages through the consented patients of a trust center.
// The answer is a collection Bundle holding one Bundle per patient.
type ConsentClient struct {
	http *http.Client
	base string
}

func NewConsentClient(httpClient *http.Client, baseURL string) *ConsentClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ConsentClient{http: httpClient, base: strings.TrimRight(baseURL, "/")}
}

// ConsentedPatients fetches the first page for req.
func (c *ConsentClient) ConsentedPatients(ctx context.Context, req ConsentRequest) (*fhir.Bundle, error) {
	path := FetchAllConsentsPath
	if len(req.Identifiers) > 0 {
		path = FetchConsentsPath
	}
	return c.fetch(ctx, c.base+path, req)
}

// NextPage follows the next link of page, or returns nil on the last page.
// The request body is sent again with every page.
func (c *ConsentClient) NextPage(ctx context.Context, page *fhir.Bundle, req ConsentRequest) (*fhir.Bundle, error) {
	next := page.NextLink()
	if next == "" {
		return nil, nil
	}
	if strings.HasPrefix(next, "/") {
		next = c.base + next
	}
	return c.fetch(ctx, next, req)
}

func (c *ConsentClient) fetch(ctx context.Context, target string, r ConsentRequest) (*fhir.Bundle, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode consent request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", fhir.ContentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Body: "read response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{StatusCode: resp.StatusCode, Body: diagnostics(data)}
	}
	bundle, err := fhir.ParseBundle(data)
	if err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Body: "invalid consent bundle", Err: err}
	}
	return bundle, nil
}

// diagnostics prefers the first issue of an OperationOutcome body and falls
// back to the first KB of the raw body.
func diagnostics(data []byte) string {
	var outcome fhir.OperationOutcome
	if json.Unmarshal(data, &outcome) == nil && outcome.ResourceType == "OperationOutcome" && len(outcome.Issue) > 0 {
		if d := outcome.Issue[0].Diagnostics; d != "" {
			return d
		}
	}
	if len(data) > 1024 {
		data = data[:1024]
	}
	return strings.TrimSpace(string(data))
}
