// Package selection gathers the Patient compartment of one patient into a
// transport bundle.
package selection

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"sync"

	"github.com/ehr/transfer/internal/platform/fhir"
)

// ErrNotFound is returned by fetchers for a resource that does not exist.
var ErrNotFound = errors.New("resource not found")

// Fetcher reads resources from the clinical data store.
type Fetcher interface {
	// Read returns Type/id or an error wrapping ErrNotFound.
	Read(ctx context.Context, resourceType, id string) (fhir.Resource, error)
	// Search returns the resources of resourceType whose search parameter
	// param references patientRef. Implementations may return a superset;
	// callers check membership.
	Search(ctx context.Context, resourceType, param, patientRef string) ([]fhir.Resource, error)
}

// -- FHIR REST --

// FHIRFetcher reads from a FHIR server.
type FHIRFetcher struct {
	client *fhir.Client
}

func NewFHIRFetcher(client *fhir.Client) *FHIRFetcher {
	return &FHIRFetcher{client: client}
}

func (f *FHIRFetcher) Read(ctx context.Context, resourceType, id string) (fhir.Resource, error) {
	r, err := f.client.Read(ctx, resourceType, id)
	if err != nil {
		if fhir.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s/%s: %w", ErrNotFound, resourceType, id, err)
		}
		return nil, err
	}
	return r, nil
}

func (f *FHIRFetcher) Search(ctx context.Context, resourceType, param, patientRef string) ([]fhir.Resource, error) {
	resources, err := f.client.SearchAll(ctx, resourceType, url.Values{param: {patientRef}})
	if err != nil {
		return nil, err
	}
	// Searchsets may carry OperationOutcomes and _include matches.
	out := resources[:0]
	for _, r := range resources {
		if r.Type() == resourceType {
			out = append(out, r)
		}
	}
	return out, nil
}

// -- Memory --

// MemoryFetcher serves a fixed resource set. Search returns every resource
// of the type.
type MemoryFetcher struct {
	mu     sync.RWMutex
	byKey  map[string]fhir.Resource
	byType map[string][]string
}

func NewMemoryFetcher(resources ...fhir.Resource) *MemoryFetcher {
	m := &MemoryFetcher{byKey: make(map[string]fhir.Resource), byType: make(map[string][]string)}
	m.Add(resources...)
	return m
}

// LoadMemoryFetcher reads a FHIR Bundle file into a MemoryFetcher.
func LoadMemoryFetcher(path string) (*MemoryFetcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	b, err := fhir.ParseBundle(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	resources, err := b.Resources()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewMemoryFetcher(resources...), nil
}

// Add stores resources, replacing any with the same Type/id.
func (m *MemoryFetcher) Add(resources ...fhir.Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range resources {
		key := r.Key()
		if _, exists := m.byKey[key]; !exists {
			m.byType[r.Type()] = append(m.byType[r.Type()], key)
			sort.Strings(m.byType[r.Type()])
		}
		m.byKey[key] = r.Clone()
	}
}

func (m *MemoryFetcher) Read(_ context.Context, resourceType, id string) (fhir.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byKey[fhir.FormatReference(resourceType, id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resourceType, id)
	}
	return r.Clone(), nil
}

func (m *MemoryFetcher) Search(_ context.Context, resourceType, _, _ string) ([]fhir.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.byType[resourceType]
	out := make([]fhir.Resource, len(keys))
	for i, k := range keys {
		out[i] = m.byKey[k].Clone()
	}
	return out, nil
}
