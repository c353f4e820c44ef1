// Package cohort implements the cohort selectors that produce the patient
// identifiers of a transfer run.
package cohort

import (
	"context"
	"fmt"
	"iter"
	"slices"

	"github.com/ehr/transfer/internal/domain/transfer"
)

// StaticConfig lists the patient identifiers of the cohort.
type StaticConfig struct {
	Pids []string `mapstructure:"pids"`
}

func (c StaticConfig) Validate() error {
	for i, id := range c.Pids {
		if id == "" {
			return fmt.Errorf("pids[%d] is empty", i)
		}
	}
	return nil
}

// Static yields a fixed list of patient identifiers. Caller identifiers
// restrict it to the listed patients among them.
type Static struct {
	ids []string
}

func NewStatic(ids []string) *Static {
	return &Static{ids: append([]string(nil), ids...)}
}

func (s *Static) Select(ctx context.Context, identifiers []string) (iter.Seq2[transfer.CohortMember, error], error) {
	ids := s.ids
	if len(identifiers) > 0 {
		ids = slices.DeleteFunc(slices.Clone(s.ids), func(id string) bool { return !slices.Contains(identifiers, id) })
	}
	return members(ctx, ids), nil
}

// members yields ids as unbounded cohort members.
func members(ctx context.Context, ids []string) iter.Seq2[transfer.CohortMember, error] {
	return func(yield func(transfer.CohortMember, error) bool) {
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield(transfer.CohortMember{}, err)
				return
			}
			if !yield(transfer.CohortMember{PatientID: id}, nil) {
				return
			}
		}
	}
}
