package fhir

import (
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseReference(t *testing.T) {
	tests := []struct {
		ref    string
		want   Reference
		wantOK bool
	}{
		{"Patient/123", Reference{Type: "Patient", ID: "123"}, true},
		{"Patient/123/_history/2", Reference{Type: "Patient", ID: "123"}, true},
		{"Observation/abc?_format=json", Reference{Type: "Observation", ID: "abc"}, true},
		{"https://fhir.example.org/fhir/Patient/123", Reference{Base: "https://fhir.example.org/fhir/", Type: "Patient", ID: "123"}, true},
		{"https://fhir.example.org/fhir/Patient/123/_history/1", Reference{Base: "https://fhir.example.org/fhir/", Type: "Patient", ID: "123"}, true},
		{"#contained-1", Reference{}, false},
		{"", Reference{}, false},
		{"urn:uuid:5f0c6c3a", Reference{}, false},
		{"patient/123", Reference{}, false},
		{"Patient/", Reference{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, ok := ParseReference(tt.ref)
			if ok != tt.wantOK {
				t.Fatalf("expected ok=%v, got %v", tt.wantOK, ok)
			}
			if got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestReference_String(t *testing.T) {
	ref, _ := ParseReference("https://fhir.example.org/fhir/Encounter/e1/_history/4")
	if got := ref.String(); got != "https://fhir.example.org/fhir/Encounter/e1" {
		t.Errorf("unexpected String(): %q", got)
	}
	if got := ref.Key(); got != "Encounter/e1" {
		t.Errorf("unexpected Key(): %q", got)
	}
}

func TestReferences(t *testing.T) {
	r := Resource{
		"resourceType": "Observation",
		"id":           "o1",
		"subject":      map[string]any{"reference": "Patient/P1"},
		"encounter":    map[string]any{"reference": "Encounter/E1"},
		"performer": []any{
			map[string]any{"reference": "#p"},
			map[string]any{"display": "no reference"},
		},
		"contained": []any{
			map[string]any{"resourceType": "Practitioner", "id": "p",
				"organization": map[string]any{"reference": "Organization/O1"}},
		},
	}

	got := map[string]bool{}
	for _, ref := range References(r) {
		got[ref.Key()] = true
	}
	want := map[string]bool{"Patient/P1": true, "Encounter/E1": true, "Organization/O1": true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("References mismatch (-want +got):\n%s", diff)
	}
}

func TestRewriteReferences(t *testing.T) {
	r := Resource{
		"resourceType": "Observation",
		"subject":      map[string]any{"reference": "Patient/P1"},
		"basedOn":      []any{map[string]any{"reference": "ServiceRequest/S1"}},
	}
	RewriteReferences(r, func(s string) string { return "x-" + s })

	if got := r["subject"].(map[string]any)["reference"]; got != "x-Patient/P1" {
		t.Errorf("unexpected subject reference %v", got)
	}
	basedOn := r["basedOn"].([]any)[0].(map[string]any)
	if basedOn["reference"] != "x-ServiceRequest/S1" {
		t.Errorf("unexpected basedOn reference %v", basedOn["reference"])
	}
}

func TestValuesAt(t *testing.T) {
	r := Resource{
		"resourceType": "Encounter",
		"participant": []any{
			map[string]any{"individual": map[string]any{"reference": "Practitioner/1"}},
			map[string]any{"individual": map[string]any{"reference": "Practitioner/2"}},
			map[string]any{"type": "no individual"},
		},
	}

	if got := ValuesAt(r, "Encounter.participant.individual"); len(got) != 2 {
		t.Errorf("expected 2 values, got %d", len(got))
	}
	if got := ValuesAt(r, "Observation.participant"); got != nil {
		t.Errorf("expected nil for mismatched type, got %v", got)
	}
	if got := ValuesAt(r, "Encounter.subject"); got != nil {
		t.Errorf("expected nil for missing element, got %v", got)
	}
}

func TestReferenceIdentifiers(t *testing.T) {
	r := Resource{
		"resourceType": "Observation",
		"identifier":   []any{map[string]any{"system": "urn:obs", "value": "O-1"}},
		"subject":      map[string]any{"identifier": map[string]any{"system": "urn:mrn", "value": "MRN-1"}},
		"performer": []any{
			map[string]any{"reference": "Practitioner/1", "identifier": map[string]any{"value": "LANR-1"}},
		},
	}
	var got []string
	for _, ident := range ReferenceIdentifiers(r) {
		got = append(got, ident["value"].(string))
	}
	slices.Sort(got)
	if diff := cmp.Diff([]string{"LANR-1", "MRN-1"}, got); diff != "" {
		t.Errorf("ReferenceIdentifiers mismatch (-want +got):\n%s", diff)
	}
}

func TestMapConditionalIdentifiers(t *testing.T) {
	upper := func(system, value string) string { return strings.ToUpper(system + "~" + value) }
	tests := []struct {
		ref    string
		want   string
		wantOK bool
	}{
		{"Patient?identifier=urn:mrn|m-1", "Patient?identifier=urn:mrn|URN%3AMRN~M-1", true},
		{"Patient?identifier=m-1", "Patient?identifier=~M-1", true},
		{"Patient?identifier=a|x,b|y&active=true", "Patient?identifier=a|A~X,b|B~Y&active=true", true},
		{"https://ehr.example/fhir/Patient?identifier:exact=urn%3Amrn|m%2F1", "https://ehr.example/fhir/Patient?identifier:exact=urn%3Amrn|URN%3AMRN~M%2F1", true},
		{"Patient?name=doe", "Patient?name=doe", true},
		{"Patient/123", "Patient/123", false},
		{"Patient/123?_format=json", "Patient/123?_format=json", false},
		{"?identifier=x", "?identifier=x", false},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, ok := MapConditionalIdentifiers(tt.ref, upper)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("got (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestReferenceValues(t *testing.T) {
	r := Resource{
		"resourceType": "Observation",
		"subject":      map[string]any{"reference": "Patient?identifier=m-1"},
		"focus":        []any{map[string]any{"reference": "Condition/c1"}, map[string]any{"display": "no reference"}},
	}
	got := ReferenceValues(r)
	slices.Sort(got)
	if diff := cmp.Diff([]string{"Condition/c1", "Patient?identifier=m-1"}, got); diff != "" {
		t.Errorf("ReferenceValues mismatch (-want +got):\n%s", diff)
	}
}
