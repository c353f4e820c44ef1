package cohort

import (
	"context"
	"errors"
	"iter"

	"github.com/ehr/transfer/internal/domain/transfer"
)

// ErrNoIdentifiers is returned by External when a run was started without
// identifiers.
var ErrNoIdentifiers = errors.New("external cohort: the start request lists no identifiers")

// External yields exactly the identifiers of the start request.
type External struct{}

func (External) Select(ctx context.Context, identifiers []string) (iter.Seq2[transfer.CohortMember, error], error) {
	if len(identifiers) == 0 {
		return nil, ErrNoIdentifiers
	}
	return members(ctx, identifiers), nil
}
