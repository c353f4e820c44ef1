package cohort

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/rs/zerolog"

	"github.com/ehr/transfer/internal/domain/transfer"
	"github.com/ehr/transfer/internal/platform/db"
)

// SQLConfig selects the cohort with a query whose first column is the
// patient identifier.
type SQLConfig struct {
	Query string `mapstructure:"query"`
	Args  []any  `mapstructure:"args"`
}

func (c SQLConfig) Validate() error {
	if c.Query == "" {
		return errors.New("query is required")
	}
	return nil
}

// SQL streams patient identifiers from a Postgres query. Rows are read as
// the runner schedules patients, so large cohorts are never held in memory.
type SQL struct {
	db     db.Querier
	query  string
	args   []any
	logger zerolog.Logger
}

func NewSQL(q db.Querier, cfg SQLConfig, logger zerolog.Logger) *SQL {
	return &SQL{db: q, query: cfg.Query, args: cfg.Args, logger: logger}
}

// Select runs the query. A failing query is returned directly; row errors
// are yielded. The sequence can be ranged over once. The query has no
// parameter for caller identifiers, so they are rejected.
func (s *SQL) Select(ctx context.Context, identifiers []string) (iter.Seq2[transfer.CohortMember, error], error) {
	if len(identifiers) > 0 {
		return nil, fmt.Errorf("sql cohort: %w", transfer.ErrIdentifiersUnsupported)
	}
	rows, err := s.db.Query(ctx, s.query, s.args...)
	if err != nil {
		return nil, fmt.Errorf("cohort query: %w", err)
	}

	return func(yield func(transfer.CohortMember, error) bool) {
		defer rows.Close()
		n := 0
		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				yield(transfer.CohortMember{}, fmt.Errorf("cohort row %d: %w", n, err))
				return
			}
			if len(values) == 0 || values[0] == nil {
				yield(transfer.CohortMember{}, fmt.Errorf("cohort row %d: patient id is null", n))
				return
			}
			n++
			if !yield(transfer.CohortMember{PatientID: fmt.Sprint(values[0])}, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(transfer.CohortMember{}, fmt.Errorf("cohort query: %w", err))
			return
		}
		s.logger.Debug().Int("patients", n).Msg("cohort query exhausted")
	}, nil
}
