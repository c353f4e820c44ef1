package fhir

import (
	"slices"
	"sort"
)

// CompartmentLink ties one search parameter of a compartment member to an
// element path that carries the patient reference.
type CompartmentLink struct {
	Param string `json:"param"`
	Path  string `json:"path"`
}

// paramElements maps "<Type>.<param>" to element paths for the search
// parameters whose name differs from the element holding the reference.
// The "patient" parameter is handled generically.
var paramElements = map[string][]string{
	"Appointment.actor":                  {"participant.actor"},
	"AuditEvent.patient":                 {"agent.who", "entity.what"},
	"CarePlan.performer":                 {"activity.detail.performer"},
	"CareTeam.participant":               {"participant.member"},
	"Claim.payee":                        {"payee.party"},
	"ExplanationOfBenefit.payee":         {"payee.party"},
	"MedicationAdministration.performer": {"performer.actor"},
	"Procedure.performer":                {"performer.actor"},
	"Provenance.patient":                 {"target"},
}

func elementsFor(resourceType, param string) []string {
	if elems, ok := paramElements[resourceType+"."+param]; ok {
		return elems
	}
	if param == "patient" {
		return []string{"subject", "patient"}
	}
	return []string{param}
}

// CompartmentIndex answers "which paths of a resource can lead to a
// Patient". It is built once from a CompartmentDefinition and is safe for
// concurrent read-only use.
type CompartmentIndex struct {
	url   string
	links map[string][]CompartmentLink
	types []string
}

// NewCompartmentIndex builds the index for a parsed definition.
func NewCompartmentIndex(def *FHIRCompartmentDefinition) *CompartmentIndex {
	ix := &CompartmentIndex{
		url:   def.URL,
		links: make(map[string][]CompartmentLink),
	}
	for _, r := range def.Resource {
		seen := make(map[string]bool)
		for _, param := range r.Param {
			for _, elem := range elementsFor(r.Code, param) {
				path := r.Code + "." + elem
				if seen[path] {
					continue
				}
				seen[path] = true
				ix.links[r.Code] = append(ix.links[r.Code], CompartmentLink{Param: param, Path: path})
			}
		}
	}
	for t := range ix.links {
		ix.types = append(ix.types, t)
	}
	sort.Strings(ix.types)
	return ix
}

// LoadCompartmentIndex loads the definition at path (embedded default when
// empty) and builds the index.
func LoadCompartmentIndex(path string) (*CompartmentIndex, error) {
	def, err := LoadCompartmentDefinition(path)
	if err != nil {
		return nil, err
	}
	return NewCompartmentIndex(def), nil
}

// URL returns the canonical URL of the definition the index was built from.
func (ix *CompartmentIndex) URL() string { return ix.url }

// Resolve returns the ordered reference paths for a resource type, e.g.
// "Observation.subject". Empty when the type is not patient-scoped.
func (ix *CompartmentIndex) Resolve(resourceType string) []string {
	links := ix.links[resourceType]
	paths := make([]string, len(links))
	for i, l := range links {
		paths[i] = l.Path
	}
	return paths
}

// Links returns the parameter/path pairs for a resource type.
func (ix *CompartmentIndex) Links(resourceType string) []CompartmentLink {
	return slices.Clone(ix.links[resourceType])
}

// Params returns the distinct search parameters for a resource type in
// definition order.
func (ix *CompartmentIndex) Params(resourceType string) []string {
	var params []string
	for _, l := range ix.links[resourceType] {
		if !slices.Contains(params, l.Param) {
			params = append(params, l.Param)
		}
	}
	return params
}

// Types lists the patient-scoped resource types in sorted order.
func (ix *CompartmentIndex) Types() []string {
	return slices.Clone(ix.types)
}

// IsMember reports whether the resource belongs to the compartment of the
// given patient: it is the Patient itself, or one of its compartment
// paths references Patient/patientID.
func (ix *CompartmentIndex) IsMember(r Resource, patientID string) bool {
	if r.Type() == "Patient" {
		return r.ID() == patientID
	}
	for _, l := range ix.links[r.Type()] {
		for _, v := range ValuesAt(r, l.Path) {
			m, ok := v.(map[string]any)
			if !ok {
				continue
			}
			s, _ := m["reference"].(string)
			if ref, ok := ParseReference(s); ok && ref.Points("Patient", patientID) {
				return true
			}
		}
	}
	return false
}
