package transfer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/ehr/transfer/internal/platform/fhir"
)

// staticCohort yields a fixed list, or the caller's identifiers when given;
// err, when set, is yielded after it. Every member carries consent.
type staticCohort struct {
	ids     []string
	err     error
	consent *Period
}

func (s staticCohort) Select(_ context.Context, identifiers []string) (iter.Seq2[CohortMember, error], error) {
	ids := s.ids
	if len(identifiers) > 0 {
		ids = identifiers
	}
	return func(yield func(CohortMember, error) bool) {
		for _, id := range ids {
			if !yield(CohortMember{PatientID: id, Consent: s.consent}, nil) {
				return
			}
		}
		if s.err != nil {
			yield(CohortMember{}, s.err)
		}
	}, nil
}

type failingCohort struct{ err error }

func (f failingCohort) Select(context.Context, []string) (iter.Seq2[CohortMember, error], error) {
	return nil, f.err
}

type dataFunc func(ctx context.Context, patientID string) (TransportBundle, error)

func (f dataFunc) Select(ctx context.Context, patientID string) (TransportBundle, error) {
	return f(ctx, patientID)
}

func patientBundle(patientID string) TransportBundle {
	return TransportBundle{
		ID:        "bundle-" + patientID,
		PatientID: patientID,
		Resources: []fhir.Resource{{"resourceType": "Patient", "id": patientID}},
	}
}

var selectPatient = dataFunc(func(_ context.Context, patientID string) (TransportBundle, error) {
	return patientBundle(patientID), nil
})

// boundData records the consent period of every bounded selection.
type boundData struct {
	mu      sync.Mutex
	periods map[string]Period
}

func (d *boundData) Select(_ context.Context, patientID string) (TransportBundle, error) {
	return patientBundle(patientID), nil
}

func (d *boundData) SelectWithin(_ context.Context, patientID string, consent Period) (TransportBundle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.periods == nil {
		d.periods = make(map[string]Period)
	}
	d.periods[patientID] = consent
	return patientBundle(patientID), nil
}

type passDeidentificator struct{}

func (passDeidentificator) Deidentify(_ context.Context, b TransportBundle) (TransportBundle, error) {
	return b.Clone(), nil
}

// recordingSender records delivered bundles. failFirst fails that many
// attempts per bundle with a retryable error.
type recordingSender struct {
	mu        sync.Mutex
	failFirst int
	attempts  map[string]int
	delivered []TransportBundle
}

type transientError struct{}

func (transientError) Error() string   { return "service unavailable" }
func (transientError) Retryable() bool { return true }

func (s *recordingSender) Send(_ context.Context, b TransportBundle) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts == nil {
		s.attempts = make(map[string]int)
	}
	s.attempts[b.ID]++
	if s.attempts[b.ID] <= s.failFirst {
		return Receipt{}, fmt.Errorf("deliver %s: %w", b.ID, transientError{})
	}
	s.delivered = append(s.delivered, b)
	return Receipt{BundleID: b.ID, StatusCode: 200, Resources: b.Len()}, nil
}

func (s *recordingSender) bundles() []TransportBundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TransportBundle(nil), s.delivered...)
}

// blockingData blocks every selection until ctx is done.
type blockingData struct {
	started chan string
}

func (b blockingData) Select(ctx context.Context, patientID string) (TransportBundle, error) {
	b.started <- patientID
	<-ctx.Done()
	return TransportBundle{}, ctx.Err()
}

var errBoom = errors.New("boom")

func testProject(name string, cohort CohortSelector, data DataSelector, sender BundleSender) *Project {
	s := DefaultSettings()
	s.Retry.InitialBackoff = 1
	s.Retry.MaxBackoff = 1
	return &Project{
		Name:            name,
		Cohort:          cohort,
		Data:            data,
		Deidentificator: passDeidentificator{},
		Sender:          sender,
		Settings:        s,
	}
}

func testProjects(ps ...*Project) *Projects {
	projects := NewProjects()
	for _, p := range ps {
		if err := projects.Register(p); err != nil {
			panic(err)
		}
	}
	return projects
}
