package fhir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode  string   `json:"mode,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status   string `json:"status"`
	Location string `json:"location,omitempty"`
	Outcome  any    `json:"outcome,omitempty"`
}

// Bundle types used by the transfer agents.
const (
	BundleTypeCollection  = "collection"
	BundleTypeTransaction = "transaction"
	BundleTypeSearchset   = "searchset"
)

// ParseBundle decodes a Bundle and checks its resourceType.
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("decode bundle: unexpected resourceType %q", b.ResourceType)
	}
	return &b, nil
}

// NewCollectionBundle wraps resources into a collection Bundle.
func NewCollectionBundle(id string, resources []Resource) (*Bundle, error) {
	entries, err := entriesFor(resources, nil)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		ID:           id,
		Type:         BundleTypeCollection,
		Timestamp:    &now,
		Entry:        entries,
	}, nil
}

// NewTransactionBundle wraps resources into a transaction Bundle with one
// PUT Type/id entry per resource, so re-sending the same bundle is an
// update rather than a duplicate create.
func NewTransactionBundle(id string, resources []Resource) (*Bundle, error) {
	entries, err := entriesFor(resources, func(r Resource) *BundleRequest {
		return &BundleRequest{Method: "PUT", URL: r.Key()}
	})
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		ID:           id,
		Type:         BundleTypeTransaction,
		Timestamp:    &now,
		Entry:        entries,
	}, nil
}

func entriesFor(resources []Resource, request func(Resource) *BundleRequest) ([]BundleEntry, error) {
	entries := make([]BundleEntry, len(resources))
	for i, r := range resources {
		raw, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", r.Key(), err)
		}
		entries[i] = BundleEntry{Resource: raw}
		if request != nil {
			entries[i].Request = request(r)
		}
	}
	return entries, nil
}

// Resources decodes every entry resource in order. Entries without a
// resource are skipped.
func (b *Bundle) Resources() ([]Resource, error) {
	out := make([]Resource, 0, len(b.Entry))
	for i, e := range b.Entry {
		if len(bytes.TrimSpace(e.Resource)) == 0 {
			continue
		}
		r, err := ParseResource(e.Resource)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// NextLink returns the URL of the "next" page link, or "".
func (b *Bundle) NextLink() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}
