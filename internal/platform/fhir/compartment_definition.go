package fhir

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ---------------------------------------------------------------------------
// FHIR CompartmentDefinition resource types
// ---------------------------------------------------------------------------

// FHIRCompartmentDefinition represents the FHIR CompartmentDefinition resource.
// It describes how a compartment is defined: which resource types belong and
// what search parameters link them into the compartment.
type FHIRCompartmentDefinition struct {
	ResourceType string                `json:"resourceType"`
	ID           string                `json:"id,omitempty"`
	URL          string                `json:"url"`
	Version      string                `json:"version,omitempty"`
	Name         string                `json:"name"`
	Status       string                `json:"status"`
	Code         string                `json:"code"` // Patient, Encounter, Practitioner, RelatedPerson, Device
	Search       bool                  `json:"search"`
	Resource     []CompartmentResource `json:"resource,omitempty"`
}

// CompartmentResource describes a single resource type's membership in a compartment,
// including the search parameters that link it to the compartment subject.
type CompartmentResource struct {
	Code  string   `json:"code"`  // Resource type (e.g. "Observation")
	Param []string `json:"param"` // Search parameters linking to compartment
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// ErrInvalidCompartmentDefinition is returned for definitions the agent
// cannot build an index from.
var ErrInvalidCompartmentDefinition = errors.New("invalid compartment definition")

//go:embed compartment_patient.json
var defaultPatientCompartment []byte

// ParseCompartmentDefinition decodes and validates a Patient
// CompartmentDefinition resource.
func ParseCompartmentDefinition(data []byte) (*FHIRCompartmentDefinition, error) {
	var def FHIRCompartmentDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCompartmentDefinition, err)
	}
	if def.ResourceType != "CompartmentDefinition" {
		return nil, fmt.Errorf("%w: resourceType is %q", ErrInvalidCompartmentDefinition, def.ResourceType)
	}
	if def.Code != "Patient" {
		return nil, fmt.Errorf("%w: code is %q, want Patient", ErrInvalidCompartmentDefinition, def.Code)
	}
	if len(def.Resource) == 0 {
		return nil, fmt.Errorf("%w: no resources", ErrInvalidCompartmentDefinition)
	}
	for i, r := range def.Resource {
		if r.Code == "" {
			return nil, fmt.Errorf("%w: resource[%d] has no code", ErrInvalidCompartmentDefinition, i)
		}
	}
	return &def, nil
}

// LoadCompartmentDefinition reads the definition at path, or the embedded
// default when path is empty.
func LoadCompartmentDefinition(path string) (*FHIRCompartmentDefinition, error) {
	if path == "" {
		return ParseCompartmentDefinition(defaultPatientCompartment)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read compartment definition: %w", err)
	}
	return ParseCompartmentDefinition(data)
}
