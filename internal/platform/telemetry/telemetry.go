// Package telemetry provides Prometheus metrics and OpenTelemetry tracing
// for the transfer agents. Metrics are registered on an explicit registerer
// so tests and multiple agents in one process do not collide.
package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer name used by every agent component.
const InstrumentationName = "github.com/ehr/transfer"

var (
	defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics holds the Prometheus collectors of a transfer agent.
type Metrics struct {
	// Runs by project and final phase
	RunsStarted   *prometheus.CounterVec
	RunsCompleted *prometheus.CounterVec

	// Terminal per-patient outcomes by project and state
	PatientOutcomes *prometheus.CounterVec

	// Pipeline stage latency and retries by stage
	StageDuration *prometheus.HistogramVec
	StageRetries  *prometheus.CounterVec

	PatientsInFlight prometheus.Gauge

	HTTPRequests *prometheus.HistogramVec
}

// NewMetrics creates and registers the agent metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "transfer_runs_started_total",
			Help: "Total transfer process runs started by project",
		}, []string{"project"}),

		RunsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "transfer_runs_completed_total",
			Help: "Total transfer process runs completed by project and phase",
		}, []string{"project", "phase"}),

		PatientOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "transfer_patient_outcomes_total",
			Help: "Terminal per-patient pipeline outcomes by project and state",
		}, []string{"project", "state"}),

		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transfer_stage_duration_seconds",
			Help:    "Duration of pipeline stages including retries",
			Buckets: defaultDurationBuckets,
		}, []string{"stage"}), // stage: "select", "deidentify", "send"

		StageRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "transfer_stage_retries_total",
			Help: "Retried attempts of pipeline stages after transient failures",
		}, []string{"stage"}),

		PatientsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "transfer_patients_in_flight",
			Help: "Per-patient pipelines currently executing",
		}),

		HTTPRequests: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transfer_http_request_duration_seconds",
			Help:    "Duration of inbound HTTP requests",
			Buckets: defaultDurationBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) RunStarted(project string) {
	if m != nil {
		m.RunsStarted.WithLabelValues(project).Inc()
	}
}

func (m *Metrics) RunCompleted(project, phase string) {
	if m != nil {
		m.RunsCompleted.WithLabelValues(project, phase).Inc()
	}
}

// PatientOutcome records one terminal patient state.
func (m *Metrics) PatientOutcome(project, state string) {
	if m != nil {
		m.PatientOutcomes.WithLabelValues(project, state).Inc()
	}
}

// ObserveStage records the duration of one pipeline stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m != nil {
		m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

func (m *Metrics) StageRetried(stage string) {
	if m != nil {
		m.StageRetries.WithLabelValues(stage).Inc()
	}
}

// PatientStarted and PatientFinished bracket one pipeline execution.
func (m *Metrics) PatientStarted() {
	if m != nil {
		m.PatientsInFlight.Inc()
	}
}

func (m *Metrics) PatientFinished() {
	if m != nil {
		m.PatientsInFlight.Dec()
	}
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// Handler serves the Prometheus exposition for g.
func Handler(g prometheus.Gatherer) echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

// MetricsMiddleware returns an Echo middleware that records HTTP server metrics.
func (m *Metrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			// Use route pattern, not actual path.
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			m.HTTPRequests.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// Tracing
// ---------------------------------------------------------------------------

// Tracer returns the agent tracer from the globally registered provider.
// Without a configured SDK provider the spans are no-ops.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StartSpan starts a span with string attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TracingMiddleware returns an Echo middleware that starts a server span for
// every HTTP request.
func TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			ctx, span := Tracer().Start(req.Context(), "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.route", route),
				))
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			span.SetAttributes(attribute.Int("http.status_code", c.Response().Status))
			if c.Response().Status >= 500 {
				span.SetStatus(codes.Error, "server error")
			}
			EndSpan(span, err)
			return err
		}
	}
}
