// Package deident replaces and removes direct identifiers in transport
// bundles. The clinical variant pseudonymizes through the trust center
// before data leaves the clinical domain; the research variant only accepts
// data that already was.
package deident

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/transfer/internal/domain/transfer"
	"github.com/ehr/transfer/internal/domain/trustcenter"
	"github.com/ehr/transfer/internal/platform/fhir"
)

const defaultParallelism = 8

// Pseudonym key namespaces.
const (
	keyTypeID         = "id"
	keyTypeIdentifier = "identifier"
)

func idKey(resourceType, id string) string {
	return keyTypeID + "." + resourceType + ":" + id
}

func identifierKey(system, value string) string {
	return keyTypeIdentifier + "." + system + ":" + value
}

// ClinicalConfig configures the sender-side deidentificator.
type ClinicalConfig struct {
	TrustCenter trustcenter.Config `mapstructure:"trustCenter"`
	// Domain is the pseudonym domain of the project at the trust center.
	Domain string `mapstructure:"domain"`
	// IdentifierTypes limits identifier pseudonymization to these resource
	// types; empty means all.
	IdentifierTypes []string `mapstructure:"identifierTypes"`
	// IdentifierFields are extra paths to Identifier elements, e.g.
	// "*.subject.identifier".
	IdentifierFields []string        `mapstructure:"identifierFields"`
	DateShift        DateShiftConfig `mapstructure:"dateShift"`
	Redaction        RedactionConfig `mapstructure:"redaction"`
	Parallelism      int             `mapstructure:"parallelism"`
}

func (c ClinicalConfig) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	for _, f := range c.IdentifierFields {
		if len(strings.Split(f, ".")) < 2 {
			return fmt.Errorf("identifierFields: %q must be <Type>.<element>", f)
		}
	}
	if err := c.DateShift.Validate(); err != nil {
		return err
	}
	_, err := c.Redaction.paths()
	return err
}

// Clinical pseudonymizes ids, references and identifiers, shifts dates and
// redacts free text. It keeps no mapping beyond a single call.
type Clinical struct {
	tc          trustcenter.Service
	cfg         ClinicalConfig
	redactions  []string
	parallelism int
	logger      zerolog.Logger
}

func NewClinical(tc trustcenter.Service, cfg ClinicalConfig, logger zerolog.Logger) (*Clinical, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	paths, _ := cfg.Redaction.paths()
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	return &Clinical{tc: tc, cfg: cfg, redactions: paths, parallelism: parallelism, logger: logger}, nil
}

// pseudonymRequest is one distinct key scraped from a bundle.
type pseudonymRequest struct {
	key     string
	keyType string
}

func (d *Clinical) Deidentify(ctx context.Context, in transfer.TransportBundle) (transfer.TransportBundle, error) {
	out := in.Clone()

	requests := d.scrape(out)
	mapping, err := d.pseudonymize(ctx, requests)
	if err != nil {
		return transfer.TransportBundle{}, err
	}

	shift := ShiftFor(d.cfg.DateShift.Seed, in.PatientID, d.cfg.DateShift.MaxDateShift, d.cfg.DateShift.Preserve)
	shifted, redacted := 0, 0
	for _, r := range out.Resources {
		d.rewrite(r, mapping)
		if shift != 0 {
			shifted += shiftDates(map[string]any(r), shift)
		}
		redacted += redact(r, d.redactions)
		r.AddSecurityLabel(fhir.SecurityLabelSystem, fhir.SecurityLabelPseuded, "pseudonymized")
	}
	out.PatientID = mapping[idKey("Patient", in.PatientID)]

	d.logger.Debug().
		Str("bundle_id", out.ID).
		Int("pseudonyms", len(mapping)).
		Int("dates_shifted", shifted).
		Int("elements_redacted", redacted).
		Msg("bundle deidentified")
	return out, nil
}

// scrape collects the distinct keys to pseudonymize in first-seen order:
// resource ids, reference targets, identifier values and the identifiers
// searched by conditional references.
func (d *Clinical) scrape(b transfer.TransportBundle) []pseudonymRequest {
	seen := make(map[string]bool)
	var out []pseudonymRequest
	add := func(key, keyType string) {
		if !seen[key] {
			seen[key] = true
			out = append(out, pseudonymRequest{key: key, keyType: keyType})
		}
	}

	add(idKey("Patient", b.PatientID), keyTypeID)
	for _, r := range b.Resources {
		if r.ID() != "" {
			add(idKey(r.Type(), r.ID()), keyTypeID)
		}
		for _, ref := range fhir.References(r) {
			add(idKey(ref.Type, ref.ID), keyTypeID)
		}
		for _, ident := range d.identifiers(r) {
			if value, _ := ident["value"].(string); value != "" {
				system, _ := ident["system"].(string)
				add(identifierKey(system, value), keyTypeIdentifier)
			}
		}
		for _, s := range fhir.ReferenceValues(r) {
			fhir.MapConditionalIdentifiers(s, func(system, value string) string {
				add(identifierKey(system, value), keyTypeIdentifier)
				return value
			})
		}
	}
	return out
}

// identifiers returns the Identifier elements of r that are pseudonymized:
// resource identifiers of the configured types, configured fields, and the
// identifier of every logical reference. An element may appear twice.
func (d *Clinical) identifiers(r fhir.Resource) []map[string]any {
	out := fhir.ReferenceIdentifiers(r)
	var paths []string
	if len(d.cfg.IdentifierTypes) == 0 || slices.Contains(d.cfg.IdentifierTypes, r.Type()) {
		paths = append(paths, r.Type()+".identifier")
	}
	for _, f := range d.cfg.IdentifierFields {
		typ, rest, _ := strings.Cut(f, ".")
		if typ == "*" || typ == r.Type() {
			paths = append(paths, r.Type()+"."+rest)
		}
	}

	for _, p := range paths {
		for _, v := range fhir.ValuesAt(r, p) {
			if m, ok := v.(map[string]any); ok {
				out = append(out, m)
			}
		}
	}
	return out
}

// pseudonymize resolves every key with bounded parallelism. Any failure
// fails the whole bundle.
func (d *Clinical) pseudonymize(ctx context.Context, requests []pseudonymRequest) (map[string]string, error) {
	var mu sync.Mutex
	mapping := make(map[string]string, len(requests))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallelism)
	for _, req := range requests {
		g.Go(func() error {
			p, err := d.tc.Pseudonymize(gctx, trustcenter.Request{Domain: d.cfg.Domain, Type: req.keyType, Value: req.key})
			if err != nil {
				return fmt.Errorf("pseudonymize %s: %w", req.keyType, err)
			}
			mu.Lock()
			mapping[req.key] = p
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return mapping, nil
}

// rewrite replaces the resource id, every literal reference, the identifier
// search values of conditional references and the pseudonymized identifier
// values. Absolute reference prefixes are kept.
func (d *Clinical) rewrite(r fhir.Resource, mapping map[string]string) {
	// Look every element up before assigning so an element listed twice is
	// not looked up by its own pseudonym.
	idents := d.identifiers(r)
	replacements := make([]string, len(idents))
	for i, ident := range idents {
		value, _ := ident["value"].(string)
		system, _ := ident["system"].(string)
		if value != "" {
			replacements[i] = mapping[identifierKey(system, value)]
		}
	}
	for i, ident := range idents {
		if replacements[i] != "" {
			ident["value"] = replacements[i]
		}
	}

	fhir.RewriteReferences(r, func(s string) string {
		if out, ok := fhir.MapConditionalIdentifiers(s, func(system, value string) string {
			if p, ok := mapping[identifierKey(system, value)]; ok {
				return p
			}
			return value
		}); ok {
			return out
		}
		ref, ok := fhir.ParseReference(s)
		if !ok {
			return s
		}
		if p, ok := mapping[idKey(ref.Type, ref.ID)]; ok {
			return ref.Base + fhir.FormatReference(ref.Type, p)
		}
		return s
	})
	if p, ok := mapping[idKey(r.Type(), r.ID())]; ok {
		r.SetID(p)
	}
}
