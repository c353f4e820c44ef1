package deident

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/transfer/internal/domain/transfer"
	"github.com/ehr/transfer/internal/platform/fhir"
)

// ResearchConfig configures the receiver-side deidentificator.
type ResearchConfig struct {
	DateShift DateShiftConfig `mapstructure:"dateShift"`
	Redaction RedactionConfig `mapstructure:"redaction"`
}

func (c ResearchConfig) Validate() error {
	if err := c.DateShift.Validate(); err != nil {
		return err
	}
	_, err := c.Redaction.paths()
	return err
}

// Research accepts only pseudonymized resources. It never resolves
// pseudonyms; it redacts and optionally applies a second date shift keyed
// by the pseudonymous patient id.
type Research struct {
	cfg        ResearchConfig
	redactions []string
	logger     zerolog.Logger
}

func NewResearch(cfg ResearchConfig, logger zerolog.Logger) (*Research, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	paths, _ := cfg.Redaction.paths()
	return &Research{cfg: cfg, redactions: paths, logger: logger}, nil
}

func (d *Research) Deidentify(ctx context.Context, in transfer.TransportBundle) (transfer.TransportBundle, error) {
	if err := ctx.Err(); err != nil {
		return transfer.TransportBundle{}, err
	}
	for _, r := range in.Resources {
		if !r.HasSecurityLabel(fhir.SecurityLabelSystem, fhir.SecurityLabelPseuded) {
			return transfer.TransportBundle{}, fmt.Errorf("%w: %s", transfer.ErrNotPseudonymized, r.Key())
		}
	}

	out := in.Clone()
	shift := ShiftFor(d.cfg.DateShift.Seed, in.PatientID, d.cfg.DateShift.MaxDateShift, d.cfg.DateShift.Preserve)
	redacted := 0
	for _, r := range out.Resources {
		if shift != 0 {
			shiftDates(map[string]any(r), shift)
		}
		redacted += redact(r, d.redactions)
	}
	d.logger.Debug().Str("bundle_id", out.ID).Int("elements_redacted", redacted).Msg("bundle received")
	return out, nil
}
