package cohort

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/transfer/internal/domain/transfer"
	"github.com/ehr/transfer/internal/platform/fhir"
	"github.com/ehr/transfer/internal/platform/httpclient"
)

// FHIRConfig selects the cohort with a Patient search on a FHIR server.
type FHIRConfig struct {
	Server httpclient.Config `mapstructure:"server"`
	// Search is the query string of the Patient search, for example
	// "_has:Consent:patient:status=active".
	Search   string `mapstructure:"search"`
	PageSize int    `mapstructure:"pageSize"`
}

func (c FHIRConfig) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if _, err := url.ParseQuery(c.Search); err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if c.PageSize < 0 {
		return fmt.Errorf("pageSize must not be negative")
	}
	return nil
}

// FHIR yields the ids of the Patients matched by a search, following next
// links page by page.
type FHIR struct {
	client *fhir.Client
	params url.Values
	logger zerolog.Logger
}

func NewFHIR(client *fhir.Client, cfg FHIRConfig, logger zerolog.Logger) (*FHIR, error) {
	params, err := url.ParseQuery(cfg.Search)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if cfg.PageSize > 0 {
		params.Set("_count", fmt.Sprint(cfg.PageSize))
	}
	return &FHIR{client: client, params: params, logger: logger}, nil
}

// Select fetches the first page; later pages are fetched during iteration.
// Caller identifiers are added to the search as _id.
func (f *FHIR) Select(ctx context.Context, identifiers []string) (iter.Seq2[transfer.CohortMember, error], error) {
	params := f.params
	if len(identifiers) > 0 {
		params = maps.Clone(f.params)
		params.Set("_id", strings.Join(identifiers, ","))
	}
	first, err := f.client.Search(ctx, "Patient", params)
	if err != nil {
		return nil, fmt.Errorf("patient search: %w", err)
	}

	return func(yield func(transfer.CohortMember, error) bool) {
		page := first
		for pageNo := 1; ; pageNo++ {
			resources, err := page.Resources()
			if err != nil {
				yield(transfer.CohortMember{}, fmt.Errorf("patient search page %d: %w", pageNo, err))
				return
			}
			f.logger.Debug().Int("page", pageNo).Int("entries", len(resources)).Msg("cohort page fetched")
			for _, r := range resources {
				if r.Type() != "Patient" || r.ID() == "" {
					continue
				}
				if !yield(transfer.CohortMember{PatientID: r.ID()}, nil) {
					return
				}
			}

			next := page.NextLink()
			if next == "" {
				return
			}
			if page, err = f.client.Page(ctx, next); err != nil {
				yield(transfer.CohortMember{}, fmt.Errorf("patient search page %d: %w", pageNo+1, err))
				return
			}
		}
	}, nil
}
