package selection

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/transfer/internal/domain/transfer"
	"github.com/ehr/transfer/internal/platform/fhir"
)

// parallelSearches bounds concurrent compartment searches for one patient.
const parallelSearches = 4

// Filter narrows the selected compartment. It never adds resources.
type Filter struct {
	// ResourceTypes restricts the non-Patient resources; empty keeps all.
	ResourceTypes []string `mapstructure:"resourceTypes"`
	// IncludePatient keeps the Patient resource itself (default true).
	IncludePatient *bool `mapstructure:"includePatient"`
	// Since and Until bound meta.lastUpdated. Resources without it pass.
	Since time.Time `mapstructure:"since"`
	Until time.Time `mapstructure:"until"`
	// Predicate is an optional final check for library callers.
	Predicate func(fhir.Resource) bool `mapstructure:"-"`
}

func (f Filter) Validate() error {
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return fmt.Errorf("filter.until %s is before filter.since %s", f.Until.Format(time.RFC3339), f.Since.Format(time.RFC3339))
	}
	return nil
}

// within narrows Since and Until to the period.
func (f Filter) within(p transfer.Period) Filter {
	if f.Since.IsZero() || p.Start.After(f.Since) {
		f.Since = p.Start
	}
	if f.Until.IsZero() || p.End.Before(f.Until) {
		f.Until = p.End
	}
	return f
}

func (f Filter) includePatient() bool {
	return f.IncludePatient == nil || *f.IncludePatient
}

func (f Filter) keep(r fhir.Resource) bool {
	if r.Type() == "Patient" {
		if !f.includePatient() {
			return false
		}
	} else {
		if len(f.ResourceTypes) > 0 && !slices.Contains(f.ResourceTypes, r.Type()) {
			return false
		}
		if ts, ok := r.LastUpdated(); ok {
			if !f.Since.IsZero() && ts.Before(f.Since) {
				return false
			}
			if !f.Until.IsZero() && ts.After(f.Until) {
				return false
			}
		}
	}
	return f.Predicate == nil || f.Predicate(r)
}

// Selector is the compartment DataSelector: it reads the patient, searches
// every compartment type for resources referencing it and then follows
// outgoing references until no new compartment member is found.
type Selector struct {
	fetcher Fetcher
	index   *fhir.CompartmentIndex
	filter  Filter
	logger  zerolog.Logger
	newID   func() string
}

func NewSelector(fetcher Fetcher, index *fhir.CompartmentIndex, filter Filter, logger zerolog.Logger) *Selector {
	return &Selector{
		fetcher: fetcher,
		index:   index,
		filter:  filter,
		logger:  logger,
		newID:   func() string { return uuid.New().String() },
	}
}

// compartment is the set of selected resources in discovery order.
type compartment struct {
	order []string
	byKey map[string]fhir.Resource
}

func (c *compartment) add(r fhir.Resource) bool {
	key := r.Key()
	if _, ok := c.byKey[key]; ok {
		return false
	}
	c.byKey[key] = r
	c.order = append(c.order, key)
	return true
}

func (s *Selector) Select(ctx context.Context, patientID string) (transfer.TransportBundle, error) {
	return s.selectFiltered(ctx, patientID, s.filter)
}

// SelectWithin selects like Select but narrows the lastUpdated bounds of the
// filter to the consented period.
func (s *Selector) SelectWithin(ctx context.Context, patientID string, consent transfer.Period) (transfer.TransportBundle, error) {
	return s.selectFiltered(ctx, patientID, s.filter.within(consent))
}

func (s *Selector) selectFiltered(ctx context.Context, patientID string, filter Filter) (transfer.TransportBundle, error) {
	patient, err := s.fetcher.Read(ctx, "Patient", patientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return transfer.TransportBundle{}, fmt.Errorf("%w: Patient/%s", transfer.ErrPatientNotFound, patientID)
		}
		return transfer.TransportBundle{}, fmt.Errorf("read patient: %w", err)
	}

	selected := &compartment{byKey: make(map[string]fhir.Resource)}
	selected.add(patient)

	found, err := s.searchCompartment(ctx, patientID)
	if err != nil {
		return transfer.TransportBundle{}, err
	}
	for _, r := range found {
		selected.add(r)
	}

	if err := s.followReferences(ctx, patientID, selected); err != nil {
		return transfer.TransportBundle{}, err
	}

	bundle := transfer.TransportBundle{ID: s.newID(), PatientID: patientID}
	for _, key := range selected.order {
		if r := selected.byKey[key]; filter.keep(r) {
			bundle.Resources = append(bundle.Resources, r)
		}
	}
	s.logger.Debug().
		Int("selected", len(selected.order)).
		Int("kept", bundle.Len()).
		Msg("compartment selected")

	if bundle.Len() == 0 {
		return transfer.TransportBundle{}, fmt.Errorf("%w: nothing selected for patient", transfer.ErrEmptyBundle)
	}
	return bundle, nil
}

// searchCompartment searches every patient-scoped type by each of its
// compartment parameters and keeps the members. Results come back in
// compartment type order.
func (s *Selector) searchCompartment(ctx context.Context, patientID string) ([]fhir.Resource, error) {
	types := slices.DeleteFunc(s.index.Types(), func(t string) bool { return t == "Patient" })
	results := make([][]fhir.Resource, len(types))
	ref := fhir.FormatReference("Patient", patientID)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelSearches)
	for i, resourceType := range types {
		g.Go(func() error {
			for _, param := range s.index.Params(resourceType) {
				found, err := s.fetcher.Search(gctx, resourceType, param, ref)
				if err != nil {
					return fmt.Errorf("search %s?%s=%s: %w", resourceType, param, ref, err)
				}
				for _, r := range found {
					if s.index.IsMember(r, patientID) {
						results[i] = append(results[i], r)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return slices.Concat(results...), nil
}

// followReferences runs the worklist: every selected resource's outgoing
// references are read once and kept when they are compartment members.
func (s *Selector) followReferences(ctx context.Context, patientID string, selected *compartment) error {
	queue := slices.Clone(selected.order)
	visited := make(map[string]bool, len(queue))
	for _, key := range queue {
		visited[key] = true
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		r := selected.byKey[queue[0]]
		queue = queue[1:]

		for _, ref := range fhir.References(r) {
			key := ref.Key()
			if visited[key] {
				continue
			}
			visited[key] = true
			// Only compartment types can be members.
			if ref.Type == "Patient" || len(s.index.Resolve(ref.Type)) == 0 {
				continue
			}

			target, err := s.fetcher.Read(ctx, ref.Type, ref.ID)
			if errors.Is(err, ErrNotFound) {
				s.logger.Debug().Str("reference", key).Msg("dangling reference")
				continue
			}
			if err != nil {
				return fmt.Errorf("read %s: %w", key, err)
			}
			if s.index.IsMember(target, patientID) && selected.add(target) {
				queue = append(queue, target.Key())
			}
		}
	}
	return nil
}
