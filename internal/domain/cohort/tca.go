package cohort

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/transfer/internal/domain/transfer"
	"github.com/ehr/transfer/internal/domain/trustcenter"
	"github.com/ehr/transfer/internal/platform/fhir"
	"github.com/ehr/transfer/internal/platform/httpclient"
)

const (
	gicsIdentifierSystem = "https://ths-greifswald.de/fhir/gics/identifiers/"
	defaultSignerIDType  = "Pseudonym"
)

// TCAConfig selects the patients that consented to every policy, as
// recorded by the trust center's consent management.
type TCAConfig struct {
	Server httpclient.Config `mapstructure:"server"`
	// PatientIdentifierSystem names the Patient identifier whose value is
	// the patient id handed to data selection.
	PatientIdentifierSystem string   `mapstructure:"patientIdentifierSystem"`
	PolicySystem            string   `mapstructure:"policySystem"`
	Policies                []string `mapstructure:"policies"`
	Domain                  string   `mapstructure:"domain"`
	// SignerIDType qualifies caller identifiers; defaults to Pseudonym.
	SignerIDType string `mapstructure:"signerIdType"`
}

func (c TCAConfig) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	switch {
	case c.PatientIdentifierSystem == "":
		return errors.New("patientIdentifierSystem is required")
	case c.PolicySystem == "":
		return errors.New("policySystem is required")
	case len(c.Policies) == 0:
		return errors.New("policies must not be empty")
	case c.Domain == "":
		return errors.New("domain is required")
	}
	return nil
}

func (c TCAConfig) signerSystem() string {
	if c.SignerIDType == "" {
		return gicsIdentifierSystem + defaultSignerIDType
	}
	return gicsIdentifierSystem + c.SignerIDType
}

// TCA yields the consented patients of a domain. Each member carries the
// period all policies are consented for; a patient without a common period
// is left out.
type TCA struct {
	client *trustcenter.ConsentClient
	cfg    TCAConfig
	logger zerolog.Logger
}

func NewTCA(client *trustcenter.ConsentClient, cfg TCAConfig, logger zerolog.Logger) *TCA {
	return &TCA{client: client, cfg: cfg, logger: logger}
}

// Select fetches the first page; later pages follow next links during
// iteration. Caller identifiers restrict the request to those signers.
func (s *TCA) Select(ctx context.Context, identifiers []string) (iter.Seq2[transfer.CohortMember, error], error) {
	req := trustcenter.ConsentRequest{
		Policies:     s.cfg.Policies,
		PolicySystem: s.cfg.PolicySystem,
		Domain:       s.cfg.Domain,
	}
	if len(identifiers) > 0 {
		req.PatientIdentifierSystem = s.cfg.signerSystem()
		req.Identifiers = identifiers
	}
	first, err := s.client.ConsentedPatients(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("consented patients: %w", err)
	}

	return func(yield func(transfer.CohortMember, error) bool) {
		page := first
		for pageNo := 1; page != nil; pageNo++ {
			patients, err := s.consentedPatients(page)
			if err != nil {
				yield(transfer.CohortMember{}, fmt.Errorf("consent page %d: %w", pageNo, err))
				return
			}
			s.logger.Debug().Int("page", pageNo).Int("entries", len(page.Entry)).Int("consented", len(patients)).
				Msg("consent page fetched")
			for _, m := range patients {
				if !yield(m, nil) {
					return
				}
			}
			if page, err = s.client.NextPage(ctx, page, req); err != nil {
				yield(transfer.CohortMember{}, fmt.Errorf("consent page %d: %w", pageNo+1, err))
				return
			}
		}
	}, nil
}

func (s *TCA) consentedPatients(page *fhir.Bundle) ([]transfer.CohortMember, error) {
	entries, err := page.Resources()
	if err != nil {
		return nil, err
	}
	var out []transfer.CohortMember
	for i, e := range entries {
		if e.Type() != "Bundle" {
			continue
		}
		m, ok, err := ConsentedPatient(e, s.cfg.PatientIdentifierSystem, s.cfg.PolicySystem, s.cfg.Policies)
		if err != nil {
			return nil, fmt.Errorf("patient bundle %d: %w", i, err)
		}
		if !ok {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// ConsentedPatient reads one patient bundle of Patient and Consent resources.
// It reports false when the patient has no identifier of identifierSystem,
// misses a consent to one of policies, or has no period common to all of
// them.
func ConsentedPatient(bundle fhir.Resource, identifierSystem, policySystem string, policies []string) (transfer.CohortMember, bool, error) {
	var (
		patientID string
		consented = make(map[string][]transfer.Period)
	)
	for _, r := range fhir.ValuesAt(bundle, "Bundle.entry.resource") {
		res, ok := r.(map[string]any)
		if !ok {
			continue
		}
		switch fhir.Resource(res).Type() {
		case "Patient":
			if patientID == "" {
				patientID = identifierValue(fhir.Resource(res), identifierSystem)
			}
		case "Consent":
			if err := collectProvisions(fhir.Resource(res), policySystem, policies, consented); err != nil {
				return transfer.CohortMember{}, false, err
			}
		}
	}
	if patientID == "" || len(consented) < len(policies) {
		return transfer.CohortMember{}, false, nil
	}
	period, ok := commonPeriod(consented)
	if !ok {
		return transfer.CohortMember{}, false, nil
	}
	return transfer.CohortMember{PatientID: patientID, Consent: &period}, true, nil
}

func identifierValue(patient fhir.Resource, system string) string {
	for _, v := range fhir.ValuesAt(patient, "Patient.identifier") {
		id, _ := v.(map[string]any)
		if s, _ := id["system"].(string); s == system {
			value, _ := id["value"].(string)
			return value
		}
	}
	return ""
}

// collectProvisions records the period of every nested provision for each
// checked policy it codes.
func collectProvisions(consent fhir.Resource, policySystem string, policies []string, into map[string][]transfer.Period) error {
	for _, v := range fhir.ValuesAt(consent, "Consent.provision.provision") {
		provision, ok := v.(map[string]any)
		if !ok {
			continue
		}
		var checked []string
		for _, code := range codings(provision["code"], policySystem) {
			if slices.Contains(policies, code) && !slices.Contains(checked, code) {
				checked = append(checked, code)
			}
		}
		if len(checked) == 0 {
			continue
		}
		period, err := provisionPeriod(provision)
		if err != nil {
			return fmt.Errorf("Consent/%s: %w", consent.ID(), err)
		}
		for _, code := range checked {
			into[code] = append(into[code], period)
		}
	}
	return nil
}

// codings returns the codes of system in a list of CodeableConcepts.
func codings(concepts any, system string) []string {
	list, _ := concepts.([]any)
	var out []string
	for _, c := range list {
		concept, _ := c.(map[string]any)
		entries, _ := concept["coding"].([]any)
		for _, e := range entries {
			coding, _ := e.(map[string]any)
			if s, _ := coding["system"].(string); s != system {
				continue
			}
			if code, _ := coding["code"].(string); code != "" {
				out = append(out, code)
			}
		}
	}
	return out
}

func provisionPeriod(provision map[string]any) (transfer.Period, error) {
	p, _ := provision["period"].(map[string]any)
	startValue, _ := p["start"].(string)
	endValue, _ := p["end"].(string)
	start, err := parseDateTime(startValue)
	if err != nil {
		return transfer.Period{}, fmt.Errorf("provision period start: %w", err)
	}
	end, err := parseDateTime(endValue)
	if err != nil {
		return transfer.Period{}, fmt.Errorf("provision period end: %w", err)
	}
	return transfer.Period{Start: start, End: end}, nil
}

var dateTimeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", time.DateOnly}

func parseDateTime(value string) (time.Time, error) {
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid dateTime %q", value)
}

// commonPeriod spans from the latest policy start to the earliest policy
// end, where each policy starts with its earliest and ends with its latest
// provision. It reports false when that span is empty.
func commonPeriod(policies map[string][]transfer.Period) (transfer.Period, bool) {
	var out transfer.Period
	first := true
	for _, periods := range policies {
		start, end := periods[0].Start, periods[0].End
		for _, p := range periods[1:] {
			if p.Start.Before(start) {
				start = p.Start
			}
			if p.End.After(end) {
				end = p.End
			}
		}
		if first || start.After(out.Start) {
			out.Start = start
		}
		if first || end.Before(out.End) {
			out.End = end
		}
		first = false
	}
	return out, !first && out.Start.Before(out.End)
}
