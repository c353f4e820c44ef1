package selection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/ehr/transfer/internal/domain/transfer"
	"github.com/ehr/transfer/internal/platform/fhir"
	"github.com/ehr/transfer/internal/platform/retry"
)

func defaultIndex(t *testing.T) *fhir.CompartmentIndex {
	t.Helper()
	ix, err := fhir.LoadCompartmentIndex("")
	if err != nil {
		t.Fatalf("load compartment: %v", err)
	}
	return ix
}

func ref(target string) map[string]any {
	return map[string]any{"reference": target}
}

func patient(id string) fhir.Resource {
	return fhir.Resource{"resourceType": "Patient", "id": id}
}

func observation(id, subject string, extra map[string]any) fhir.Resource {
	r := fhir.Resource{"resourceType": "Observation", "id": id, "subject": ref(subject)}
	for k, v := range extra {
		r[k] = v
	}
	return r
}

func keys(b transfer.TransportBundle) []string {
	out := make([]string, 0, b.Len())
	for _, r := range b.Resources {
		out = append(out, r.Key())
	}
	sort.Strings(out)
	return out
}

// clinicalData is a small two-patient store:
//
//	P1: o1 (performer Practitioner pr1, encounter e1), c1 (absolute, versioned ref), e1
//	P2: o2, and o3 which points at P1's encounter e1
func clinicalData() []fhir.Resource {
	return []fhir.Resource{
		patient("P1"),
		patient("P2"),
		{"resourceType": "Practitioner", "id": "pr1"},
		observation("o1", "Patient/P1", map[string]any{
			"performer": []any{ref("Practitioner/pr1")},
			"encounter": ref("Encounter/e1"),
		}),
		observation("o2", "Patient/P2", nil),
		observation("o3", "Patient/P2", map[string]any{"encounter": ref("Encounter/e1")}),
		{"resourceType": "Condition", "id": "c1", "subject": ref("http://fhir.example.org/fhir/Patient/P1/_history/3")},
		{"resourceType": "Encounter", "id": "e1", "subject": ref("Patient/P1")},
	}
}

func TestSelector_CompletenessAndExclusion(t *testing.T) {
	s := NewSelector(NewMemoryFetcher(clinicalData()...), defaultIndex(t), Filter{}, zerolog.Nop())

	b, err := s.Select(context.Background(), "P1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"Condition/c1", "Encounter/e1", "Observation/o1", "Patient/P1"}
	if diff := cmp.Diff(want, keys(b)); diff != "" {
		t.Errorf("compartment mismatch (-want +got):\n%s", diff)
	}
	if b.PatientID != "P1" || b.ID == "" {
		t.Errorf("unexpected bundle identity id=%q patient=%q", b.ID, b.PatientID)
	}
	if b.Resources[0].Key() != "Patient/P1" {
		t.Errorf("expected the Patient first, got %s", b.Resources[0].Key())
	}
}

// searchless finds nothing by search, so everything beyond the Patient must
// come from following references.
type searchless struct{ *MemoryFetcher }

func (searchless) Search(context.Context, string, string, string) ([]fhir.Resource, error) {
	return nil, nil
}

func TestSelector_FollowsReferences(t *testing.T) {
	data := []fhir.Resource{
		{"resourceType": "Patient", "id": "P1", "generalPractitioner": []any{ref("Practitioner/pr1")}, "managingOrganization": ref("Organization/org1")},
		{"resourceType": "Practitioner", "id": "pr1"},
		{"resourceType": "Encounter", "id": "e1", "subject": ref("Patient/P1"), "account": []any{ref("Account/a1")}},
		{"resourceType": "Account", "id": "a1", "subject": []any{ref("Patient/P1")}},
	}
	fetcher := &countingFetcher{Fetcher: searchless{NewMemoryFetcher(data...)}}
	s := NewSelector(fetcher, defaultIndex(t), Filter{}, zerolog.Nop())

	b, err := s.Select(context.Background(), "P1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Encounter e1 is not referenced from the Patient, so it stays unknown.
	if diff := cmp.Diff([]string{"Patient/P1"}, keys(b)); diff != "" {
		t.Errorf("compartment mismatch (-want +got):\n%s", diff)
	}
	if fetcher.reads["Practitioner/pr1"] != 0 || fetcher.reads["Organization/org1"] != 0 {
		t.Errorf("non-compartment types must not be read, got %v", fetcher.reads)
	}
}

func TestSelector_WorklistReachesTransitiveMembers(t *testing.T) {
	data := []fhir.Resource{
		patient("P1"),
		observation("o1", "Patient/P1", map[string]any{"encounter": ref("Encounter/e1")}),
		{"resourceType": "Encounter", "id": "e1", "subject": ref("Patient/P1"), "account": []any{ref("Account/a1")}},
		{"resourceType": "Account", "id": "a1", "subject": []any{ref("Patient/P1")}},
	}
	// Only Observations are searchable; e1 and a1 are found by the worklist.
	fetcher := &observationOnly{NewMemoryFetcher(data...)}
	s := NewSelector(fetcher, defaultIndex(t), Filter{}, zerolog.Nop())

	b, err := s.Select(context.Background(), "P1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"Account/a1", "Encounter/e1", "Observation/o1", "Patient/P1"}
	if diff := cmp.Diff(want, keys(b)); diff != "" {
		t.Errorf("compartment mismatch (-want +got):\n%s", diff)
	}
}

type observationOnly struct{ *MemoryFetcher }

func (o *observationOnly) Search(ctx context.Context, resourceType, param, patientRef string) ([]fhir.Resource, error) {
	if resourceType != "Observation" {
		return nil, nil
	}
	return o.MemoryFetcher.Search(ctx, resourceType, param, patientRef)
}

type countingFetcher struct {
	Fetcher
	reads map[string]int
}

func (c *countingFetcher) Read(ctx context.Context, resourceType, id string) (fhir.Resource, error) {
	if c.reads == nil {
		c.reads = make(map[string]int)
	}
	c.reads[resourceType+"/"+id]++
	return c.Fetcher.Read(ctx, resourceType, id)
}

func TestSelector_Deduplicates(t *testing.T) {
	// o1 matches both Observation parameters (subject and performer) and is
	// also referenced from o2.
	data := []fhir.Resource{
		patient("P1"),
		observation("o1", "Patient/P1", map[string]any{"performer": []any{ref("Patient/P1")}}),
		observation("o2", "Patient/P1", map[string]any{"hasMember": []any{ref("Observation/o1")}}),
	}
	s := NewSelector(NewMemoryFetcher(data...), defaultIndex(t), Filter{}, zerolog.Nop())

	b, err := s.Select(context.Background(), "P1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Len() != 3 {
		t.Errorf("expected 3 distinct resources, got %v", keys(b))
	}
}

func TestSelector_Cycles(t *testing.T) {
	data := []fhir.Resource{
		patient("P1"),
		observation("o1", "Patient/P1", map[string]any{"hasMember": []any{ref("Observation/o2")}}),
		observation("o2", "Patient/P1", map[string]any{"hasMember": []any{ref("Observation/o1")}}),
	}
	s := NewSelector(&observationOnly{NewMemoryFetcher(data...)}, defaultIndex(t), Filter{}, zerolog.Nop())

	b, err := s.Select(context.Background(), "P1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Len() != 3 {
		t.Errorf("expected 3 resources, got %v", keys(b))
	}
}

func TestSelector_SelectWithinConsent(t *testing.T) {
	updated := func(ts string) map[string]any {
		return map[string]any{"meta": map[string]any{"lastUpdated": ts}}
	}
	data := []fhir.Resource{
		patient("P1"),
		observation("before", "Patient/P1", updated("2019-05-01T00:00:00Z")),
		observation("during", "Patient/P1", updated("2021-05-01T00:00:00Z")),
		observation("after", "Patient/P1", updated("2031-05-01T00:00:00Z")),
		observation("undated", "Patient/P1", nil),
	}
	consent := transfer.Period{
		Start: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"consent bounds an open filter", Filter{},
			[]string{"Observation/during", "Observation/undated", "Patient/P1"}},
		{"narrower filter wins", Filter{Since: time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)},
			[]string{"Observation/undated", "Patient/P1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSelector(NewMemoryFetcher(data...), defaultIndex(t), tt.filter, zerolog.Nop())
			b, err := s.SelectWithin(context.Background(), "P1", consent)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, keys(b)); diff != "" {
				t.Errorf("selection mismatch (-want +got):\n%s", diff)
			}

			// The configured filter is unchanged for unbounded runs.
			all, err := s.Select(context.Background(), "P1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.filter.Since.IsZero() && all.Len() != len(data) {
				t.Errorf("expected the unbounded selection to keep everything, got %v", keys(all))
			}
		})
	}
}

var _ transfer.ConsentBoundSelector = (*Selector)(nil)

func TestSelector_PatientNotFound(t *testing.T) {
	s := NewSelector(NewMemoryFetcher(), defaultIndex(t), Filter{}, zerolog.Nop())
	_, err := s.Select(context.Background(), "ghost")
	if !errors.Is(err, transfer.ErrPatientNotFound) {
		t.Errorf("expected ErrPatientNotFound, got %v", err)
	}
}

func TestSelector_Filter(t *testing.T) {
	no := false
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	data := []fhir.Resource{
		patient("P1"),
		observation("old", "Patient/P1", map[string]any{"meta": map[string]any{"lastUpdated": "2023-06-01T00:00:00Z"}}),
		observation("new", "Patient/P1", map[string]any{"meta": map[string]any{"lastUpdated": "2024-06-01T00:00:00Z"}}),
		observation("undated", "Patient/P1", nil),
		{"resourceType": "Condition", "id": "c1", "subject": ref("Patient/P1")},
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"no filter", Filter{}, []string{"Condition/c1", "Observation/new", "Observation/old", "Observation/undated", "Patient/P1"}},
		{"types", Filter{ResourceTypes: []string{"Condition"}}, []string{"Condition/c1", "Patient/P1"}},
		{"without patient", Filter{ResourceTypes: []string{"Condition"}, IncludePatient: &no}, []string{"Condition/c1"}},
		{"since", Filter{Since: jan}, []string{"Condition/c1", "Observation/new", "Observation/undated", "Patient/P1"}},
		{"until", Filter{Until: jan}, []string{"Condition/c1", "Observation/old", "Observation/undated", "Patient/P1"}},
		{"predicate", Filter{Predicate: func(r fhir.Resource) bool { return r.ID() != "c1" }}, []string{"Observation/new", "Observation/old", "Observation/undated", "Patient/P1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSelector(NewMemoryFetcher(data...), defaultIndex(t), tt.filter, zerolog.Nop())
			b, err := s.Select(context.Background(), "P1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, keys(b)); diff != "" {
				t.Errorf("filtered compartment mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSelector_EmptyBundle(t *testing.T) {
	no := false
	s := NewSelector(NewMemoryFetcher(patient("P1")), defaultIndex(t), Filter{IncludePatient: &no}, zerolog.Nop())
	_, err := s.Select(context.Background(), "P1")
	if !errors.Is(err, transfer.ErrEmptyBundle) {
		t.Errorf("expected ErrEmptyBundle, got %v", err)
	}
}

func TestFilter_Validate(t *testing.T) {
	f := Filter{Since: time.Now(), Until: time.Now().Add(-time.Hour)}
	if err := f.Validate(); err == nil {
		t.Error("expected error when until is before since")
	}
}

// -- fetchers --

func TestFHIRFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", fhir.ContentType)
		switch r.URL.Path {
		case "/fhir/Patient/P1":
			fmt.Fprint(w, `{"resourceType":"Patient","id":"P1"}`)
		case "/fhir/Patient/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/fhir/Observation":
			if got := r.URL.Query().Get("subject"); got != "Patient/P1" {
				t.Errorf("unexpected subject %q", got)
			}
			fmt.Fprint(w, `{"resourceType":"Bundle","type":"searchset","entry":[
				{"resource":{"resourceType":"Observation","id":"o1","subject":{"reference":"Patient/P1"}}},
				{"resource":{"resourceType":"Patient","id":"P1"},"search":{"mode":"include"}}
			]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := fhir.NewClient(srv.Client(), srv.URL+"/fhir")
	if err != nil {
		t.Fatal(err)
	}
	f := NewFHIRFetcher(client)
	ctx := context.Background()

	p, err := f.Read(ctx, "Patient", "P1")
	if err != nil || p.ID() != "P1" {
		t.Fatalf("read: %v %v", p, err)
	}

	_, err = f.Read(ctx, "Patient", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if retry.IsRetryable(err) {
		t.Error("404 must not be retryable")
	}

	_, err = f.Read(ctx, "Patient", "busy")
	if !retry.IsRetryable(err) {
		t.Errorf("expected 503 to be retryable, got %v", err)
	}

	found, err := f.Search(ctx, "Observation", "subject", "Patient/P1")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 1 || found[0].Key() != "Observation/o1" {
		t.Errorf("expected only the Observation, got %v", found)
	}
}

func TestMemoryFetcher(t *testing.T) {
	m := NewMemoryFetcher(patient("P1"), observation("o1", "Patient/P1", nil))
	ctx := context.Background()

	r, err := m.Read(ctx, "Observation", "o1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	r["id"] = "mutated"
	again, _ := m.Read(ctx, "Observation", "o1")
	if again.ID() != "o1" {
		t.Error("Read must return a copy")
	}

	if _, err := m.Read(ctx, "Observation", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	m.Add(observation("o1", "Patient/P2", nil))
	all, _ := m.Search(ctx, "Observation", "subject", "Patient/P1")
	if len(all) != 1 {
		t.Errorf("expected replacement, got %d observations", len(all))
	}
}

func TestLoadMemoryFetcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	bundle := `{"resourceType":"Bundle","type":"collection","entry":[
		{"resource":{"resourceType":"Patient","id":"P1"}},
		{"resource":{"resourceType":"Observation","id":"o1","subject":{"reference":"Patient/P1"}}}
	]}`
	if err := os.WriteFile(path, []byte(bundle), 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := LoadMemoryFetcher(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := m.Read(context.Background(), "Patient", "P1"); err != nil {
		t.Errorf("expected P1, got %v", err)
	}

	if _, err := LoadMemoryFetcher(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for a missing file")
	}
}
