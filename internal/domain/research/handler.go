// Package research is the receiving side of a transfer: it accepts
// pseudonymized patient bundles from a clinical agent and hands them to the
// project's research deidentificator and sender.
package research

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/transfer/internal/domain/transfer"
	"github.com/ehr/transfer/internal/platform/fhir"
	"github.com/ehr/transfer/internal/platform/telemetry"
	"github.com/ehr/transfer/internal/platform/webhook"
)

const (
	stageDeidentify = "intake_deidentify"
	stageSend       = "intake_send"
)

// Handler accepts bundles for research-side projects.
type Handler struct {
	projects *transfer.Projects
	secret   string
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
}

// NewHandler creates a Handler. An empty secret accepts unsigned bundles;
// metrics may be nil.
func NewHandler(projects *transfer.Projects, secret string, metrics *telemetry.Metrics, logger zerolog.Logger) *Handler {
	return &Handler{projects: projects, secret: secret, metrics: metrics, logger: logger}
}

// RegisterRoutes registers the intake route on the /api/v2 group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/process/:project/patient", h.Receive, webhook.VerifyMiddleware(h.secret))
}

// Receive handles POST /process/:project/patient.
func (h *Handler) Receive(c echo.Context) error {
	ctx := c.Request().Context()
	p, err := h.projects.Lookup(c.Param("project"))
	if err != nil {
		return intakeError(c, err)
	}
	if err := p.Receivable(); err != nil {
		return intakeError(c, err)
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("failed to read request body"))
	}
	header := c.Request().Header
	b, err := ParseTransportBundle(body, header.Get(webhook.BundleIDHeader), header.Get(webhook.PatientHeader))
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}

	logger := h.logger.With().
		Str("project", p.Name).
		Str("bundle_id", b.ID).
		Logger()

	ctx, span := telemetry.StartSpan(ctx, "research.intake",
		attribute.String("project", p.Name),
		attribute.String("bundle_id", b.ID),
	)
	receipt, err := h.process(ctx, p, b, logger)
	telemetry.EndSpan(span, err)
	if err != nil {
		logger.Warn().Err(err).Msg("bundle intake failed")
		return intakeError(c, err)
	}
	logger.Info().Int("resources", receipt.Resources).Msg("bundle received")
	return c.JSON(http.StatusOK, receipt)
}

func (h *Handler) process(ctx context.Context, p *transfer.Project, b transfer.TransportBundle, logger zerolog.Logger) (transfer.Receipt, error) {
	var deidentified transfer.TransportBundle
	err := h.stage(ctx, p, stageDeidentify, logger, func(ctx context.Context) error {
		out, err := p.Deidentificator.Deidentify(ctx, b)
		deidentified = out
		return err
	})
	if err != nil {
		return transfer.Receipt{}, fmt.Errorf("deidentify: %w", err)
	}

	var receipt transfer.Receipt
	err = h.stage(ctx, p, stageSend, logger, func(ctx context.Context) error {
		r, err := p.Sender.Send(ctx, deidentified)
		receipt = r
		return err
	})
	if err != nil {
		return transfer.Receipt{}, fmt.Errorf("send: %w", err)
	}
	if receipt.BundleID == "" {
		receipt.BundleID = deidentified.ID
	}
	return receipt, nil
}

func (h *Handler) stage(ctx context.Context, p *transfer.Project, name string, logger zerolog.Logger, op func(ctx context.Context) error) error {
	start := time.Now()
	err := p.Settings.Retry.Do(ctx, op, func(err error, wait time.Duration) {
		h.metrics.StageRetried(name)
		logger.Debug().Err(err).Str("stage", name).Dur("wait", wait).Msg("retrying stage")
	})
	h.metrics.ObserveStage(name, time.Since(start))
	return err
}

// ParseTransportBundle reads a collection bundle posted by a clinical agent.
// The bundle id comes from the header when set, then from the Bundle
// itself. The patient id is the id of the bundled Patient; a bundle sent
// without its Patient is attributed to headerPatient.
func ParseTransportBundle(body []byte, headerID, headerPatient string) (transfer.TransportBundle, error) {
	fb, err := fhir.ParseBundle(body)
	if err != nil {
		return transfer.TransportBundle{}, err
	}
	resources, err := fb.Resources()
	if err != nil {
		return transfer.TransportBundle{}, err
	}
	if len(resources) == 0 {
		return transfer.TransportBundle{}, errors.New("bundle has no entries")
	}

	b := transfer.TransportBundle{ID: headerID, Resources: resources}
	if b.ID == "" {
		b.ID = fb.ID
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	for _, r := range resources {
		if r.Type() == "Patient" {
			if b.PatientID != "" {
				return transfer.TransportBundle{}, errors.New("bundle holds more than one Patient")
			}
			b.PatientID = r.ID()
		}
	}
	switch {
	case b.PatientID == "" && headerPatient == "":
		return transfer.TransportBundle{}, errors.New("bundle holds no Patient and names no patient")
	case b.PatientID == "":
		b.PatientID = headerPatient
	case headerPatient != "" && headerPatient != b.PatientID:
		return transfer.TransportBundle{}, fmt.Errorf("patient %q named by the request does not match Patient/%s", headerPatient, b.PatientID)
	}
	return b, nil
}

func intakeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, transfer.ErrProjectNotFound):
		return c.JSON(http.StatusNotFound, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, err.Error()))
	case errors.Is(err, transfer.ErrNotRunnable), errors.Is(err, transfer.ErrNotPseudonymized):
		return c.JSON(http.StatusUnprocessableEntity, fhir.BusinessRuleOutcome("%s", err.Error()))
	case errors.Is(err, context.Canceled):
		return c.JSON(http.StatusServiceUnavailable, fhir.ErrorOutcome(err.Error()))
	default:
		return c.JSON(http.StatusBadGateway, fhir.ErrorOutcome(err.Error()))
	}
}
