package transfer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/ehr/transfer/internal/platform/fhir"
)

var (
	ErrProjectNotFound  = errors.New("project not found")
	ErrProcessNotFound  = errors.New("transfer process not found")
	ErrPatientNotFound  = errors.New("patient not found")
	ErrEmptyBundle      = errors.New("empty bundle")
	ErrNotPseudonymized = errors.New("resource is not pseudonymized")
	ErrCancelled        = errors.New("cancelled")
	ErrAlreadyCompleted = errors.New("transfer process already completed")
	ErrNotRunnable      = errors.New("project is not runnable")
	ErrCohortFailed     = errors.New("select cohort")
	// ErrIdentifiersUnsupported rejects caller identifiers for a cohort
	// selector that cannot restrict itself to them.
	ErrIdentifiersUnsupported = errors.New("cohort selector does not accept identifiers")
)

// -- Steps --

// CohortSelector yields the patients of one run. identifiers, when not
// empty, are the caller's patient identifiers and restrict the cohort to
// them. The error returned by Select is structural; an error yielded
// mid-sequence stops scheduling.
type CohortSelector interface {
	Select(ctx context.Context, identifiers []string) (iter.Seq2[CohortMember, error], error)
}

// CohortMember is one selected patient.
type CohortMember struct {
	PatientID string
	// Consent bounds the data that may be selected. Nil means unbounded.
	Consent *Period
}

// Period is a closed time interval.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// DataSelector gathers the compartment of one patient.
type DataSelector interface {
	Select(ctx context.Context, patientID string) (TransportBundle, error)
}

// ConsentBoundSelector is a DataSelector that can restrict selection to a
// consented period. Members with a consent period need one.
type ConsentBoundSelector interface {
	SelectWithin(ctx context.Context, patientID string, consent Period) (TransportBundle, error)
}

// Deidentificator replaces direct identifiers before data leaves a domain.
type Deidentificator interface {
	Deidentify(ctx context.Context, bundle TransportBundle) (TransportBundle, error)
}

// BundleSender delivers one bundle. Each call is exactly one attempt.
type BundleSender interface {
	Send(ctx context.Context, bundle TransportBundle) (Receipt, error)
}

// -- Data --

// TransportBundle is the unit moving through a patient pipeline.
type TransportBundle struct {
	ID        string          `json:"id"`
	PatientID string          `json:"patientId"`
	Resources []fhir.Resource `json:"resources"`
}

func (b TransportBundle) Len() int { return len(b.Resources) }

// Types returns the resource type counts of the bundle.
func (b TransportBundle) Types() map[string]int {
	out := make(map[string]int)
	for _, r := range b.Resources {
		out[r.Type()]++
	}
	return out
}

// Clone deep-copies the bundle so a stage never mutates its input.
func (b TransportBundle) Clone() TransportBundle {
	out := TransportBundle{ID: b.ID, PatientID: b.PatientID, Resources: make([]fhir.Resource, len(b.Resources))}
	for i, r := range b.Resources {
		out.Resources[i] = r.Clone()
	}
	return out
}

// CollectionBundle renders the bundle as a FHIR collection Bundle.
func (b TransportBundle) CollectionBundle() (*fhir.Bundle, error) {
	return fhir.NewCollectionBundle(b.ID, b.Resources)
}

// Receipt acknowledges a delivered bundle.
type Receipt struct {
	BundleID   string `json:"bundleId"`
	StatusCode int    `json:"statusCode,omitempty"`
	Location   string `json:"location,omitempty"`
	Resources  int    `json:"resources"`
}

// -- Per-patient states --

type State string

const (
	StatePending       State = "PENDING"
	StateSelecting     State = "SELECTING"
	StateSelected      State = "SELECTED"
	StateDeidentifying State = "DEIDENTIFYING"
	StateDeidentified  State = "DEIDENTIFIED"
	StateSending       State = "SENDING"
	StateDelivered     State = "DELIVERED"
	StateSkipped       State = "SKIPPED"
	StateFailed        State = "FAILED"
)

var transitions = map[State][]State{
	StatePending:       {StateSelecting},
	StateSelecting:     {StateSelected, StateSkipped},
	StateSelected:      {StateDeidentifying},
	StateDeidentifying: {StateDeidentified},
	StateDeidentified:  {StateSending},
	StateSending:       {StateDelivered},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateSkipped || s == StateFailed
}

// Succeeded reports terminal success.
func (s State) Succeeded() bool {
	return s == StateDelivered || s == StateSkipped
}

// CanTransition reports whether s -> to is allowed. FAILED is reachable
// from every non-terminal state.
func (s State) CanTransition(to State) bool {
	if s.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// PatientOutcome is the record of one patient pipeline.
type PatientOutcome struct {
	PatientID  string    `json:"patientId"`
	State      State     `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	BundleID   string    `json:"bundleId,omitempty"`
	Resources  int       `json:"resources,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// advance moves the record to the next state or reports a programming error.
func (o *PatientOutcome) advance(to State) error {
	if !o.State.CanTransition(to) {
		return fmt.Errorf("invalid transition %s -> %s for patient %s", o.State, to, o.PatientID)
	}
	o.State = to
	return nil
}

// -- Run result --

// RunResult aggregates the outcomes of one run. Patients lists every
// scheduled patient, sorted by patient id.
type RunResult struct {
	ProcessID string            `json:"processId"`
	Project   string            `json:"project"`
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Delivered int               `json:"delivered"`
	Skipped   int               `json:"skipped"`
	Failed    int               `json:"failed"`
	Failures  map[string]string `json:"failures,omitempty"`
	Patients  []PatientOutcome  `json:"patients"`
	Cancelled bool              `json:"cancelled,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func newRunResult(processID, project string, outcomes []PatientOutcome) *RunResult {
	r := &RunResult{
		ProcessID: processID,
		Project:   project,
		Total:     len(outcomes),
		Patients:  outcomes,
	}
	for _, o := range outcomes {
		switch o.State {
		case StateDelivered:
			r.Delivered++
			r.Succeeded++
		case StateSkipped:
			r.Skipped++
			r.Succeeded++
		default:
			r.Failed++
			if r.Failures == nil {
				r.Failures = make(map[string]string)
			}
			r.Failures[o.PatientID] = o.Reason
		}
	}
	return r
}

// -- Process status --

type Phase string

const (
	PhaseQueued             Phase = "QUEUED"
	PhaseRunning            Phase = "RUNNING"
	PhaseCompleted          Phase = "COMPLETED"
	PhaseCompletedWithError Phase = "COMPLETED_WITH_ERROR"
)

func (p Phase) Completed() bool {
	return p == PhaseCompleted || p == PhaseCompletedWithError
}

// Status is the externally visible state of a TransferProcess.
type Status struct {
	ProcessID           string     `json:"processId"`
	Project             string     `json:"project"`
	Phase               Phase      `json:"phase"`
	CreatedAt           time.Time  `json:"createdAt"`
	FinishedAt          *time.Time `json:"finishedAt,omitempty"`
	TotalPatients       int64      `json:"totalPatients"`
	SelectedBundles     int64      `json:"selectedBundles"`
	DeidentifiedBundles int64      `json:"deidentifiedBundles"`
	SentBundles         int64      `json:"sentBundles"`
	SkippedBundles      int64      `json:"skippedBundles"`
	FailedPatients      int64      `json:"failedPatients"`
	Result              *RunResult `json:"result,omitempty"`
	Error               string     `json:"error,omitempty"`
}

// WithPhase returns a copy in the new phase. A completed phase is sticky.
func (s Status) WithPhase(p Phase) Status {
	if s.Phase.Completed() {
		return s
	}
	s.Phase = p
	return s
}
