package policy

import (
	"context"

	"github.com/xtxerr/memtier/internal/errors"
	"github.com/xtxerr/memtier/internal/storage/tier"
)

// Step is one tier operation.
type Step func(ctx context.Context, b tier.Backend) error

// FallbackChain runs a Step against each backend in order until one
// succeeds. The Retry policy wraps the first backend only.
type FallbackChain struct {
	Backends []tier.Backend
	Retry    RetryPolicy

	// OnFailure is called for every backend that failed before the chain
	// moved on.
	OnFailure func(b tier.Backend, err error)
}

// Run returns the backend that accepted the step.
//
// When no backend succeeds, Run returns an error matching
// errors.ErrNotFound if at least one backend reported a missing key or an
// integrity failure, and an *errors.ExhaustedError otherwise. A done ctx
// stops the walk and its error is returned.
func (c FallbackChain) Run(ctx context.Context, op, key string, step Step) (tier.Backend, error) {
	var (
		causes  []error
		missing int
	)

	for i, b := range c.Backends {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "%s %q", op, key)
		}

		var err error
		if i == 0 {
			err = c.Retry.Do(ctx, func(ctx context.Context) error { return step(ctx, b) })
		} else {
			err = step(ctx, b)
		}
		if err == nil {
			return b, nil
		}

		if errors.IsNotFound(err) || errors.IsIntegrity(err) {
			missing++
		}
		causes = append(causes, err)
		if c.OnFailure != nil {
			c.OnFailure(b, err)
		}
	}

	if missing > 0 {
		return nil, errors.NewNotFound("record", key)
	}
	return nil, &errors.ExhaustedError{Op: op, Key: key, Causes: causes}
}
