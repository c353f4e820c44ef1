package deident

import (
	"fmt"
	"strings"

	"github.com/ehr/transfer/internal/platform/fhir"
)

// DefaultRedactions lists the element paths removed from every bundle unless
// a project opts out. "*" matches any resource type. Narratives and notes
// are free text that can repeat any identifier.
func DefaultRedactions() []string {
	return []string{
		"Patient.name",
		"Patient.telecom",
		"Patient.address",
		"Patient.photo",
		"Patient.contact",
		"RelatedPerson.name",
		"RelatedPerson.telecom",
		"RelatedPerson.address",
		"Practitioner.telecom",
		"Practitioner.address",
		"*.text",
		"*.note",
	}
}

// RedactionConfig is the "redaction" block of a deidentificator.
type RedactionConfig struct {
	Paths        []string `mapstructure:"paths"`
	SkipDefaults bool     `mapstructure:"skipDefaults"`
}

// paths returns the effective, validated redaction paths.
func (c RedactionConfig) paths() ([]string, error) {
	var out []string
	if !c.SkipDefaults {
		out = DefaultRedactions()
	}
	for _, p := range c.Paths {
		if len(strings.Split(p, ".")) < 2 {
			return nil, fmt.Errorf("redaction path %q must be <Type>.<element>", p)
		}
		out = append(out, p)
	}
	return out, nil
}

// redact removes every element matched by paths from the resource.
func redact(r fhir.Resource, paths []string) int {
	removed := 0
	for _, p := range paths {
		segments := strings.Split(p, ".")
		if segments[0] != "*" && segments[0] != r.Type() {
			continue
		}
		removed += removeAt(map[string]any(r), segments[1:])
	}
	return removed
}

// removeAt deletes the element at the dotted path below m. Arrays are
// descended element by element.
func removeAt(m map[string]any, segments []string) int {
	v, ok := m[segments[0]]
	if !ok {
		return 0
	}
	if len(segments) == 1 {
		delete(m, segments[0])
		return 1
	}
	removed := 0
	switch t := v.(type) {
	case map[string]any:
		removed += removeAt(t, segments[1:])
	case []any:
		for _, e := range t {
			if em, ok := e.(map[string]any); ok {
				removed += removeAt(em, segments[1:])
			}
		}
	}
	return removed
}
