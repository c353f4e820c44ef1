package fhir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Security label placed on every resource that left the clinical domain
// through pseudonymization.
const (
	SecurityLabelSystem  = "http://terminology.hl7.org/CodeSystem/v3-ObservationValue"
	SecurityLabelPseuded = "PSEUDED"
)

// Resource is a FHIR resource in its generic JSON object form. The transfer
// pipeline never needs a typed clinical model beyond resource type, id,
// meta and references, so resources stay untyped.
type Resource map[string]any

// ParseResource decodes a single resource. Numbers are kept as json.Number
// so decimal precision survives a round trip.
func ParseResource(data []byte) (Resource, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var r Resource
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	if r.Type() == "" {
		return nil, fmt.Errorf("decode resource: missing resourceType")
	}
	return r, nil
}

func (r Resource) Type() string {
	s, _ := r["resourceType"].(string)
	return s
}

func (r Resource) ID() string {
	s, _ := r["id"].(string)
	return s
}

func (r Resource) SetID(id string) {
	r["id"] = id
}

// Key returns the "Type/id" identity used for deduplication.
func (r Resource) Key() string {
	return FormatReference(r.Type(), r.ID())
}

// Clone returns a deep copy of the resource.
func (r Resource) Clone() Resource {
	if r == nil {
		return nil
	}
	return cloneValue(map[string]any(r)).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case Resource:
		return Resource(cloneValue(map[string]any(t)).(map[string]any))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func (r Resource) meta(create bool) map[string]any {
	m, ok := r["meta"].(map[string]any)
	if !ok && create {
		m = map[string]any{}
		r["meta"] = m
	}
	return m
}

// LastUpdated returns meta.lastUpdated when present and parseable.
func (r Resource) LastUpdated() (time.Time, bool) {
	s, _ := r.meta(false)["lastUpdated"].(string)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// HasSecurityLabel reports whether meta.security contains the coding.
func (r Resource) HasSecurityLabel(system, code string) bool {
	labels, _ := r.meta(false)["security"].([]any)
	for _, l := range labels {
		c, ok := l.(map[string]any)
		if !ok {
			continue
		}
		if c["system"] == system && c["code"] == code {
			return true
		}
	}
	return false
}

// AddSecurityLabel appends the coding to meta.security unless already present.
func (r Resource) AddSecurityLabel(system, code, display string) {
	if r.HasSecurityLabel(system, code) {
		return
	}
	meta := r.meta(true)
	labels, _ := meta["security"].([]any)
	coding := map[string]any{"system": system, "code": code}
	if display != "" {
		coding["display"] = display
	}
	meta["security"] = append(labels, coding)
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, resourceType+"/"+id+" not found")
}
