// Package retry runs operations with exponential backoff, retrying only
// errors that declare themselves transient.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures retries of one pipeline stage.
type Policy struct {
	MaxAttempts    int           `mapstructure:"maxAttempts" json:"maxAttempts"`
	InitialBackoff time.Duration `mapstructure:"initialBackoff" json:"initialBackoff"`
	MaxBackoff     time.Duration `mapstructure:"maxBackoff" json:"maxBackoff"`
}

// DefaultPolicy returns 3 attempts with 500ms initial and 10s maximum backoff.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second}
}

// WithDefaults fills unset fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}

// Retryable is implemented by errors that know whether repeating the
// failed operation can succeed.
type Retryable interface {
	Retryable() bool
}

// IsRetryable reports whether any error in err's chain is Retryable and
// says so. Errors without a classification are permanent.
func IsRetryable(err error) bool {
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// Do calls op until it succeeds, fails permanently, the attempts are
// exhausted or ctx is done. The last error is returned unwrapped. notify,
// when set, is called before every wait.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error, notify func(err error, wait time.Duration)) error {
	p = p.WithDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.MaxElapsedTime = 0

	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
	return backoff.RetryNotify(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo, notify)
}
