package transfer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/ehr/transfer/internal/platform/telemetry"
	"github.com/ehr/transfer/internal/platform/websocket"
)

// Event types published on the process topic.
const (
	EventPatientCompleted = "patient.completed"
	EventRunCompleted     = "run.completed"
)

// Pipeline stage names, used for metrics, spans and failure reasons.
const (
	stageSelect     = "select"
	stageDeidentify = "deidentify"
	stageSend       = "send"
)

const reasonCancelled = "cancelled"

// Runner drives transfer processes for registered projects.
type Runner struct {
	projects  *Projects
	store     Store
	logger    zerolog.Logger
	publisher websocket.EventPublisher
	metrics   *telemetry.Metrics
	now       func() time.Time
	newID     func() string

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// RunnerOption configures optional Runner collaborators.
type RunnerOption func(*Runner)

// WithPublisher streams patient and run events to p.
func WithPublisher(p websocket.EventPublisher) RunnerOption {
	return func(r *Runner) { r.publisher = p }
}

// WithMetrics records pipeline metrics in m.
func WithMetrics(m *telemetry.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithIDGenerator replaces the process id generator.
func WithIDGenerator(newID func() string) RunnerOption {
	return func(r *Runner) { r.newID = newID }
}

func NewRunner(projects *Projects, store Store, logger zerolog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		projects: projects,
		store:    store,
		logger:   logger,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		active:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one transfer process for the named project and blocks until
// every scheduled patient is terminal. Structural failures (unknown project,
// cohort errors) are returned as errors; per-patient failures only appear in
// the result. A cancelled run returns its partial result and ErrCancelled.
// identifiers, when given, restrict the cohort to those patients.
func (r *Runner) Run(ctx context.Context, project string, identifiers ...string) (*RunResult, error) {
	p, processID, err := r.prepare(ctx, project)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, p, processID, identifiers)
}

// Start launches the run in the background and returns its process id.
// The run outlives ctx and is stopped with Cancel.
func (r *Runner) Start(ctx context.Context, project string, identifiers ...string) (string, error) {
	p, processID, err := r.prepare(ctx, project)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Lock()
	r.active[processID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.active, processID)
			r.mu.Unlock()
			cancel()
		}()
		if _, err := r.execute(runCtx, p, processID, identifiers); err != nil {
			r.logger.Warn().Err(err).Str("process_id", processID).Str("project", p.Name).Msg("transfer process ended with error")
		}
	}()
	return processID, nil
}

// Cancel stops a background run started by this runner.
func (r *Runner) Cancel(ctx context.Context, processID string) error {
	r.mu.Lock()
	cancel, ok := r.active[processID]
	r.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	st, err := r.store.Get(ctx, processID)
	if err != nil {
		return err
	}
	if st.Phase.Completed() {
		return fmt.Errorf("%w: %s", ErrAlreadyCompleted, processID)
	}
	return fmt.Errorf("%w: %s is not running on this agent", ErrProcessNotFound, processID)
}

func (r *Runner) Status(ctx context.Context, processID string) (Status, error) {
	return r.store.Get(ctx, processID)
}

func (r *Runner) Statuses(ctx context.Context) ([]Status, error) {
	return r.store.List(ctx)
}

// Projects returns the registered projects.
func (r *Runner) Projects() *Projects { return r.projects }

// Shutdown cancels every background run and waits for them to record their
// results or for ctx to end.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for _, cancel := range r.active {
		cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) prepare(ctx context.Context, project string) (*Project, string, error) {
	p, err := r.projects.Lookup(project)
	if err != nil {
		return nil, "", err
	}
	if err := p.Runnable(); err != nil {
		return nil, "", err
	}

	processID := r.newID()
	st := Status{ProcessID: processID, Project: p.Name, Phase: PhaseQueued, CreatedAt: r.now().UTC()}
	if err := r.store.Save(ctx, st); err != nil {
		return nil, "", fmt.Errorf("record process %s: %w", processID, err)
	}
	return p, processID, nil
}

// ---------------------------------------------------------------------------
// Process execution
// ---------------------------------------------------------------------------

func (r *Runner) execute(ctx context.Context, p *Project, processID string, identifiers []string) (*RunResult, error) {
	logger := r.logger.With().Str("process_id", processID).Str("project", p.Name).Logger()
	tr, err := r.newTracker(ctx, processID)
	if err != nil {
		return nil, err
	}

	r.metrics.RunStarted(p.Name)
	tr.update(ctx, func(s *Status) { *s = s.WithPhase(PhaseRunning) })
	logger.Info().Int("concurrency", p.Settings.Concurrency).Msg("transfer process started")

	cohort, err := p.Cohort.Select(ctx, identifiers)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrCohortFailed, err)
		return r.finish(ctx, logger, p, tr, nil, err), err
	}

	var (
		sem      = semaphore.NewWeighted(int64(p.Settings.Concurrency))
		wg       sync.WaitGroup
		outcomes []*PatientOutcome
		seen     = make(map[string]bool)
		runErr   error
	)
	for member, err := range cohort {
		if err != nil {
			runErr = fmt.Errorf("%w: %w", ErrCohortFailed, err)
			break
		}
		patientID := member.PatientID
		if ctx.Err() != nil {
			break
		}
		if seen[patientID] {
			logger.Warn().Str("patient", patientID).Msg("duplicate patient in cohort, skipping")
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		seen[patientID] = true

		out := &PatientOutcome{PatientID: patientID, State: StatePending, StartedAt: r.now().UTC()}
		outcomes = append(outcomes, out)
		tr.update(ctx, func(s *Status) { s.TotalPatients++ })

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			r.runPatient(ctx, logger, p, tr, out, member.Consent)
		}()
	}
	wg.Wait()

	if runErr == nil && ctx.Err() != nil {
		runErr = fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
	return r.finish(ctx, logger, p, tr, outcomes, runErr), runErr
}

func (r *Runner) finish(ctx context.Context, logger zerolog.Logger, p *Project, tr *tracker, outcomes []*PatientOutcome, runErr error) *RunResult {
	records := make([]PatientOutcome, len(outcomes))
	for i, o := range outcomes {
		records[i] = *o
	}
	sort.Slice(records, func(i, j int) bool { return records[i].PatientID < records[j].PatientID })

	result := newRunResult(tr.processID, p.Name, records)
	result.Cancelled = errors.Is(runErr, ErrCancelled)
	if runErr != nil {
		result.Error = runErr.Error()
	}

	phase := PhaseCompleted
	if runErr != nil || result.Failed > 0 {
		phase = PhaseCompletedWithError
	}
	finished := r.now().UTC()

	// Status and events outlive a cancelled run context.
	saveCtx := context.WithoutCancel(ctx)
	st := tr.update(saveCtx, func(s *Status) {
		*s = s.WithPhase(phase)
		s.FinishedAt = &finished
		s.Result = result
		s.Error = result.Error
	})
	r.metrics.RunCompleted(p.Name, string(st.Phase))
	r.publish(saveCtx, logger, EventRunCompleted, tr.processID, st)

	logger.Info().
		Str("phase", string(st.Phase)).
		Int("total", result.Total).
		Int("delivered", result.Delivered).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Msg("transfer process completed")
	return result
}

// runPatient moves one patient through select, deidentify and send. It
// never returns an error: every outcome ends in a terminal state. A consent
// period bounds the selection.
func (r *Runner) runPatient(ctx context.Context, runLogger zerolog.Logger, p *Project, tr *tracker, out *PatientOutcome, consent *Period) {
	logger := runLogger.With().Str("patient", out.PatientID).Logger()
	ctx, span := telemetry.StartSpan(ctx, "transfer.patient",
		attribute.String("transfer.project", p.Name),
		attribute.String("transfer.process_id", tr.processID),
	)
	r.metrics.PatientStarted()

	var spanErr error
	defer func() {
		out.FinishedAt = r.now().UTC()
		r.metrics.PatientFinished()
		r.metrics.PatientOutcome(p.Name, string(out.State))
		telemetry.EndSpan(span, spanErr)
		r.publish(context.WithoutCancel(ctx), logger, EventPatientCompleted, tr.processID, *out)
	}()

	fail := func(stage string, err error) {
		spanErr = err
		reason := fmt.Sprintf("%s: %v", stage, err)
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			reason = reasonCancelled
		}
		out.Reason = reason
		r.transition(logger, out, StateFailed)
		tr.update(ctx, func(s *Status) { s.FailedPatients++ })
		logger.Warn().Err(err).Str("stage", stage).Msg("patient transfer failed")
	}

	// -- select --
	if !r.transition(logger, out, StateSelecting) {
		return
	}
	var bundle TransportBundle
	err := r.stage(ctx, logger, p, stageSelect, func(ctx context.Context) error {
		var err error
		bundle, err = selectData(ctx, p.Data, out.PatientID, consent)
		return err
	})
	if err != nil {
		if p.Settings.OnMissing == MissingSkip && (errors.Is(err, ErrPatientNotFound) || errors.Is(err, ErrEmptyBundle)) {
			out.Reason = err.Error()
			r.transition(logger, out, StateSkipped)
			tr.update(ctx, func(s *Status) { s.SkippedBundles++ })
			logger.Info().Str("reason", out.Reason).Msg("patient skipped")
			return
		}
		fail(stageSelect, err)
		return
	}
	r.transition(logger, out, StateSelected)
	tr.update(ctx, func(s *Status) { s.SelectedBundles++ })

	// -- deidentify --
	if !r.transition(logger, out, StateDeidentifying) {
		return
	}
	var pseudonymized TransportBundle
	err = r.stage(ctx, logger, p, stageDeidentify, func(ctx context.Context) error {
		var err error
		pseudonymized, err = p.Deidentificator.Deidentify(ctx, bundle)
		return err
	})
	if err != nil {
		fail(stageDeidentify, err)
		return
	}
	r.transition(logger, out, StateDeidentified)
	tr.update(ctx, func(s *Status) { s.DeidentifiedBundles++ })

	// -- send --
	if !r.transition(logger, out, StateSending) {
		return
	}
	var receipt Receipt
	err = r.stage(ctx, logger, p, stageSend, func(ctx context.Context) error {
		var err error
		receipt, err = p.Sender.Send(ctx, pseudonymized)
		return err
	})
	if err != nil {
		fail(stageSend, err)
		return
	}
	out.BundleID = receipt.BundleID
	out.Resources = pseudonymized.Len()
	r.transition(logger, out, StateDelivered)
	tr.update(ctx, func(s *Status) { s.SentBundles++ })
	logger.Debug().Str("bundle_id", receipt.BundleID).Int("resources", out.Resources).Msg("patient delivered")
}

func selectData(ctx context.Context, data DataSelector, patientID string, consent *Period) (TransportBundle, error) {
	if consent == nil {
		return data.Select(ctx, patientID)
	}
	bounded, ok := data.(ConsentBoundSelector)
	if !ok {
		return TransportBundle{}, fmt.Errorf("data selector %T cannot restrict selection to the consented period", data)
	}
	return bounded.SelectWithin(ctx, patientID, *consent)
}

// stage runs op under the project's retry policy and records its duration.
func (r *Runner) stage(ctx context.Context, logger zerolog.Logger, p *Project, name string, op func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	err := p.Settings.Retry.Do(ctx, op, func(err error, wait time.Duration) {
		r.metrics.StageRetried(name)
		logger.Debug().Err(err).Str("stage", name).Dur("wait", wait).Msg("retrying stage")
	})
	r.metrics.ObserveStage(name, time.Since(start))
	return err
}

// transition applies a state change. An invalid transition is a bug in the
// pipeline; it is logged and forces FAILED so no record stays non-terminal.
func (r *Runner) transition(logger zerolog.Logger, out *PatientOutcome, to State) bool {
	if err := out.advance(to); err != nil {
		logger.Error().Err(err).Msg("invalid patient state transition")
		if !out.State.Terminal() {
			out.Reason = err.Error()
			out.State = StateFailed
		}
		return false
	}
	return true
}

func (r *Runner) publish(ctx context.Context, logger zerolog.Logger, eventType, processID string, data any) {
	if r.publisher == nil {
		return
	}
	event, err := websocket.NewEvent(eventType, processID, data)
	if err == nil {
		err = r.publisher.Publish(ctx, event)
	}
	if err != nil {
		logger.Warn().Err(err).Str("event", eventType).Msg("publish event failed")
	}
}

// ---------------------------------------------------------------------------
// Status tracking
// ---------------------------------------------------------------------------

// tracker serializes updates to one process status and writes every change
// to the store. Store failures are logged; they never fail a patient.
type tracker struct {
	processID string
	store     Store
	logger    zerolog.Logger

	mu     sync.Mutex
	status Status
}

func (r *Runner) newTracker(ctx context.Context, processID string) (*tracker, error) {
	st, err := r.store.Get(ctx, processID)
	if err != nil {
		return nil, fmt.Errorf("load process %s: %w", processID, err)
	}
	return &tracker{processID: processID, store: r.store, logger: r.logger, status: st}, nil
}

func (t *tracker) update(ctx context.Context, fn func(s *Status)) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.status)
	if err := t.store.Save(context.WithoutCancel(ctx), t.status); err != nil {
		t.logger.Error().Err(err).Str("process_id", t.processID).Msg("save process status")
	}
	return t.status
}
