package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/ehr/transfer/internal/platform/telemetry"
	"github.com/ehr/transfer/internal/platform/websocket"
)

func newTestRunner(projects *Projects, opts ...RunnerOption) (*Runner, *MemoryStore) {
	store := NewMemoryStore(time.Hour)
	return NewRunner(projects, store, zerolog.Nop(), opts...), store
}

func TestRunner_Run_AllDelivered(t *testing.T) {
	sender := &recordingSender{}
	p := testProject("demo", staticCohort{ids: []string{"p2", "p1", "p3"}}, selectPatient, sender)
	runner, _ := newTestRunner(testProjects(p))

	result, err := runner.Run(context.Background(), "demo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Total != 3 || result.Succeeded != 3 || result.Delivered != 3 || result.Failed != 0 {
		t.Errorf("unexpected result counts: %+v", result)
	}
	var ids []string
	for _, o := range result.Patients {
		ids = append(ids, o.PatientID)
		if o.State != StateDelivered {
			t.Errorf("expected %s DELIVERED, got %s", o.PatientID, o.State)
		}
		if o.BundleID != "bundle-"+o.PatientID {
			t.Errorf("expected bundle id for %s, got %q", o.PatientID, o.BundleID)
		}
	}
	if diff := cmp.Diff([]string{"p1", "p2", "p3"}, ids); diff != "" {
		t.Errorf("patients not sorted (-want +got):\n%s", diff)
	}
	if len(sender.bundles()) != 3 {
		t.Errorf("expected 3 delivered bundles, got %d", len(sender.bundles()))
	}
}

func TestRunner_Run_ProjectLookupIsCaseInsensitive(t *testing.T) {
	p := testProject("Demo", staticCohort{ids: []string{"p1"}}, selectPatient, &recordingSender{})
	runner, _ := newTestRunner(testProjects(p))

	result, err := runner.Run(context.Background(), "DEMO")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Project != "Demo" {
		t.Errorf("expected project Demo, got %q", result.Project)
	}
}

func TestRunner_Run_UnknownProject(t *testing.T) {
	runner, store := newTestRunner(NewProjects())

	result, err := runner.Run(context.Background(), "missing")
	if !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result, got %+v", result)
	}
	statuses, _ := store.List(context.Background())
	if len(statuses) != 0 {
		t.Errorf("expected no process recorded, got %d", len(statuses))
	}
}

func TestRunner_Run_NotRunnable(t *testing.T) {
	p := &Project{Name: "receiver", Deidentificator: passDeidentificator{}, Sender: &recordingSender{}, Settings: DefaultSettings()}
	runner, _ := newTestRunner(testProjects(p))

	_, err := runner.Run(context.Background(), "receiver")
	if !errors.Is(err, ErrNotRunnable) {
		t.Fatalf("expected ErrNotRunnable, got %v", err)
	}
}

func TestRunner_Run_CohortFailure(t *testing.T) {
	p := testProject("demo", failingCohort{err: errBoom}, selectPatient, &recordingSender{})
	runner, store := newTestRunner(testProjects(p))

	result, err := runner.Run(context.Background(), "demo")
	if !errors.Is(err, errBoom) || !errors.Is(err, ErrCohortFailed) {
		t.Fatalf("expected cohort error, got %v", err)
	}
	if result.Total != 0 {
		t.Errorf("expected no patients, got %d", result.Total)
	}
	if !strings.Contains(result.Error, "boom") {
		t.Errorf("expected structural error in result, got %q", result.Error)
	}

	st, err := store.Get(context.Background(), result.ProcessID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Phase != PhaseCompletedWithError {
		t.Errorf("expected phase %s, got %s", PhaseCompletedWithError, st.Phase)
	}
}

func TestRunner_Run_CohortErrorMidSequence(t *testing.T) {
	sender := &recordingSender{}
	p := testProject("demo", staticCohort{ids: []string{"p1", "p2"}, err: errBoom}, selectPatient, sender)
	runner, _ := newTestRunner(testProjects(p))

	result, err := runner.Run(context.Background(), "demo")
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected cohort error, got %v", err)
	}
	if result.Total != 2 || result.Delivered != 2 {
		t.Errorf("expected the scheduled patients to finish, got %+v", result)
	}
	if result.Error == "" {
		t.Error("expected structural error to be reported")
	}
}

func TestRunner_Run_FailureIsolation(t *testing.T) {
	data := dataFunc(func(_ context.Context, patientID string) (TransportBundle, error) {
		if patientID == "p3" {
			return TransportBundle{}, errBoom
		}
		return patientBundle(patientID), nil
	})
	ids := []string{"p1", "p2", "p3", "p4", "p5"}
	p := testProject("demo", staticCohort{ids: ids}, data, &recordingSender{})
	runner, _ := newTestRunner(testProjects(p))

	result, err := runner.Run(context.Background(), "demo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Total != 5 || result.Succeeded != 4 || result.Failed != 1 {
		t.Errorf("expected 4 successes and 1 failure, got %+v", result)
	}
	if !strings.HasPrefix(result.Failures["p3"], "select: ") {
		t.Errorf("expected select failure reason, got %q", result.Failures["p3"])
	}
	for _, o := range result.Patients {
		if !o.State.Terminal() {
			t.Errorf("patient %s left in %s", o.PatientID, o.State)
		}
	}
}

func TestRunner_Run_MissingPolicy(t *testing.T) {
	data := dataFunc(func(_ context.Context, patientID string) (TransportBundle, error) {
		switch patientID {
		case "gone":
			return TransportBundle{}, ErrPatientNotFound
		case "empty":
			return TransportBundle{}, ErrEmptyBundle
		}
		return patientBundle(patientID), nil
	})

	tests := []struct {
		policy      MissingPolicy
		wantState   State
		wantSkipped int
		wantFailed  int
	}{
		{MissingSkip, StateSkipped, 2, 0},
		{MissingFail, StateFailed, 0, 2},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			p := testProject("demo", staticCohort{ids: []string{"ok", "gone", "empty"}}, data, &recordingSender{})
			p.Settings.OnMissing = tt.policy
			runner, _ := newTestRunner(testProjects(p))

			result, err := runner.Run(context.Background(), "demo")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Skipped != tt.wantSkipped || result.Failed != tt.wantFailed {
				t.Errorf("expected skipped=%d failed=%d, got %+v", tt.wantSkipped, tt.wantFailed, result)
			}
			for _, o := range result.Patients {
				if o.PatientID != "ok" && o.State != tt.wantState {
					t.Errorf("expected %s for %s, got %s", tt.wantState, o.PatientID, o.State)
				}
			}
		})
	}
}

func TestRunner_Run_RetriesTransientDelivery(t *testing.T) {
	sender := &recordingSender{failFirst: 2}
	p := testProject("demo", staticCohort{ids: []string{"p1"}}, selectPatient, sender)
	p.Settings.Retry.MaxAttempts = 3

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	runner, _ := newTestRunner(testProjects(p), WithMetrics(metrics))

	result, err := runner.Run(context.Background(), "demo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Patients[0].State != StateDelivered {
		t.Fatalf("expected DELIVERED, got %s (%s)", result.Patients[0].State, result.Patients[0].Reason)
	}
	delivered := sender.bundles()
	if len(delivered) != 1 {
		t.Fatalf("expected exactly one delivered bundle, got %d", len(delivered))
	}
	if diff := cmp.Diff(patientBundle("p1"), delivered[0]); diff != "" {
		t.Errorf("retried bundle differs (-want +got):\n%s", diff)
	}
	if got := testutil.ToFloat64(metrics.StageRetries.WithLabelValues("send")); got != 2 {
		t.Errorf("expected 2 send retries, got %v", got)
	}
}

func TestRunner_Run_RetriesExhausted(t *testing.T) {
	sender := &recordingSender{failFirst: 5}
	p := testProject("demo", staticCohort{ids: []string{"p1"}}, selectPatient, sender)
	p.Settings.Retry.MaxAttempts = 2
	runner, _ := newTestRunner(testProjects(p))

	result, err := runner.Run(context.Background(), "demo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("expected one failure, got %+v", result)
	}
	if !strings.HasPrefix(result.Failures["p1"], "send: ") {
		t.Errorf("expected send failure, got %q", result.Failures["p1"])
	}
	if sender.attempts["bundle-p1"] != 2 {
		t.Errorf("expected 2 attempts, got %d", sender.attempts["bundle-p1"])
	}
}

func TestRunner_Run_PermanentErrorIsNotRetried(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	data := dataFunc(func(context.Context, string) (TransportBundle, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return TransportBundle{}, errBoom
	})
	p := testProject("demo", staticCohort{ids: []string{"p1"}}, data, &recordingSender{})
	runner, _ := newTestRunner(testProjects(p))

	if _, err := runner.Run(context.Background(), "demo"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRunner_Run_DuplicatePatientsScheduledOnce(t *testing.T) {
	sender := &recordingSender{}
	p := testProject("demo", staticCohort{ids: []string{"p1", "p1", "p2"}}, selectPatient, sender)
	runner, _ := newTestRunner(testProjects(p))

	result, err := runner.Run(context.Background(), "demo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Total != 2 {
		t.Errorf("expected 2 patients, got %d", result.Total)
	}
}

func TestRunner_Run_BoundsConcurrency(t *testing.T) {
	var (
		mu      sync.Mutex
		current int
		peak    int
	)
	data := dataFunc(func(_ context.Context, patientID string) (TransportBundle, error) {
		mu.Lock()
		current++
		peak = max(peak, current)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		current--
		mu.Unlock()
		return patientBundle(patientID), nil
	})
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	p := testProject("demo", staticCohort{ids: ids}, data, &recordingSender{})
	p.Settings.Concurrency = 2
	runner, _ := newTestRunner(testProjects(p))

	if _, err := runner.Run(context.Background(), "demo"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if peak > 2 {
		t.Errorf("expected at most 2 concurrent pipelines, got %d", peak)
	}
}

func TestRunner_Run_Cancellation(t *testing.T) {
	data := blockingData{started: make(chan string, 10)}
	ids := []string{"p1", "p2", "p3", "p4", "p5", "p6"}
	p := testProject("demo", staticCohort{ids: ids}, data, &recordingSender{})
	p.Settings.Concurrency = 2
	runner, store := newTestRunner(testProjects(p))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-data.started
		<-data.started
		cancel()
	}()

	result, err := runner.Run(ctx, "demo")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if !result.Cancelled {
		t.Error("expected result to be marked cancelled")
	}
	if result.Total > len(ids) {
		t.Errorf("recorded more patients than scheduled: %d", result.Total)
	}
	for _, o := range result.Patients {
		if o.State != StateFailed || o.Reason != reasonCancelled {
			t.Errorf("expected %s FAILED(cancelled), got %s(%s)", o.PatientID, o.State, o.Reason)
		}
	}

	st, err := store.Get(context.Background(), result.ProcessID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Phase != PhaseCompletedWithError || st.FinishedAt == nil {
		t.Errorf("expected completed status, got %+v", st)
	}
}

func TestRunner_Run_CancelledRunKeepsStageError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	data := dataFunc(func(context.Context, string) (TransportBundle, error) {
		cancel()
		return TransportBundle{}, errBoom
	})
	p := testProject("demo", staticCohort{ids: []string{"p1"}}, data, &recordingSender{})
	runner, _ := newTestRunner(testProjects(p))

	result, err := runner.Run(ctx, "demo")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if len(result.Patients) != 1 {
		t.Fatalf("expected one patient, got %d", len(result.Patients))
	}
	if got := result.Patients[0].Reason; got != "select: boom" {
		t.Errorf("expected the stage error to be kept, got %q", got)
	}
}

func TestRunner_Run_CallerIdentifiers(t *testing.T) {
	sender := &recordingSender{}
	p := testProject("demo", staticCohort{ids: []string{"p1", "p2"}}, selectPatient, sender)
	runner, _ := newTestRunner(testProjects(p))

	result, err := runner.Run(context.Background(), "demo", "x9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Total != 1 || result.Patients[0].PatientID != "x9" {
		t.Errorf("expected only x9 to be scheduled, got %+v", result.Patients)
	}
}

func TestRunner_Run_ConsentBoundsSelection(t *testing.T) {
	consent := &Period{
		Start: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	cohort := staticCohort{ids: []string{"p1", "p2"}, consent: consent}

	t.Run("bounded selector", func(t *testing.T) {
		data := &boundData{}
		runner, _ := newTestRunner(testProjects(testProject("demo", cohort, data, &recordingSender{})))

		result, err := runner.Run(context.Background(), "demo")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Delivered != 2 {
			t.Errorf("expected 2 delivered, got %+v", result)
		}
		want := map[string]Period{"p1": *consent, "p2": *consent}
		if diff := cmp.Diff(want, data.periods); diff != "" {
			t.Errorf("consent periods mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("unbounded selector fails closed", func(t *testing.T) {
		sender := &recordingSender{}
		runner, _ := newTestRunner(testProjects(testProject("demo", cohort, selectPatient, sender)))

		result, err := runner.Run(context.Background(), "demo")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Failed != 2 || len(sender.bundles()) != 0 {
			t.Fatalf("expected both patients to fail unsent, got %+v", result)
		}
		if !strings.Contains(result.Failures["p1"], "consented period") {
			t.Errorf("unexpected reason %q", result.Failures["p1"])
		}
	})
}

func TestRunner_StartAndCancel(t *testing.T) {
	data := blockingData{started: make(chan string, 10)}
	p := testProject("demo", staticCohort{ids: []string{"p1"}}, data, &recordingSender{})
	runner, _ := newTestRunner(testProjects(p), WithIDGenerator(func() string { return "proc-1" }))

	id, err := runner.Start(context.Background(), "demo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "proc-1" {
		t.Errorf("expected proc-1, got %q", id)
	}
	<-data.started

	if err := runner.Cancel(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := runner.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	st, err := runner.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !st.Phase.Completed() || st.Result == nil || !st.Result.Cancelled {
		t.Errorf("expected a cancelled, completed process, got %+v", st)
	}

	err = runner.Cancel(context.Background(), id)
	if !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("expected ErrAlreadyCompleted, got %v", err)
	}
	err = runner.Cancel(context.Background(), "nope")
	if !errors.Is(err, ErrProcessNotFound) {
		t.Errorf("expected ErrProcessNotFound, got %v", err)
	}
}

func TestRunner_StatusCounters(t *testing.T) {
	data := dataFunc(func(_ context.Context, patientID string) (TransportBundle, error) {
		switch patientID {
		case "bad":
			return TransportBundle{}, errBoom
		case "gone":
			return TransportBundle{}, ErrPatientNotFound
		}
		return patientBundle(patientID), nil
	})
	p := testProject("demo", staticCohort{ids: []string{"a", "b", "bad", "gone"}}, data, &recordingSender{})
	p.Settings.OnMissing = MissingSkip
	runner, _ := newTestRunner(testProjects(p))

	result, err := runner.Run(context.Background(), "demo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st, _ := runner.Status(context.Background(), result.ProcessID)

	want := Status{
		TotalPatients:       4,
		SelectedBundles:     2,
		DeidentifiedBundles: 2,
		SentBundles:         2,
		SkippedBundles:      1,
		FailedPatients:      1,
	}
	got := Status{
		TotalPatients:       st.TotalPatients,
		SelectedBundles:     st.SelectedBundles,
		DeidentifiedBundles: st.DeidentifiedBundles,
		SentBundles:         st.SentBundles,
		SkippedBundles:      st.SkippedBundles,
		FailedPatients:      st.FailedPatients,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("counters mismatch (-want +got):\n%s", diff)
	}
	if st.Phase != PhaseCompletedWithError {
		t.Errorf("expected %s, got %s", PhaseCompletedWithError, st.Phase)
	}
}

type capturePublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (c *capturePublisher) Publish(_ context.Context, e websocket.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func TestRunner_PublishesEvents(t *testing.T) {
	pub := &capturePublisher{}
	p := testProject("demo", staticCohort{ids: []string{"p1", "p2"}}, selectPatient, &recordingSender{})
	runner, _ := newTestRunner(testProjects(p), WithPublisher(pub))

	result, err := runner.Run(context.Background(), "demo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pub.events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(pub.events))
	}
	last := pub.events[2]
	if last.Type != EventRunCompleted {
		t.Errorf("expected last event %s, got %s", EventRunCompleted, last.Type)
	}
	for _, e := range pub.events {
		if e.Topic != result.ProcessID {
			t.Errorf("expected topic %s, got %s", result.ProcessID, e.Topic)
		}
	}
	var st Status
	if err := json.Unmarshal(last.Data, &st); err != nil {
		t.Fatalf("decode run event: %v", err)
	}
	if st.Phase != PhaseCompleted {
		t.Errorf("expected %s, got %s", PhaseCompleted, st.Phase)
	}
}
