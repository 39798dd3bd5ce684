package services

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-keyshop-backend/internal/domain"
)

// RetryPolicy bounds retries of retryable store failures.
type RetryPolicy struct {
	Initial  time.Duration
	Max      time.Duration
	MaxTries uint
}

// DefaultRetry retries a store call for roughly ten seconds.
var DefaultRetry = RetryPolicy{Initial: 100 * time.Millisecond, Max: 2 * time.Second, MaxTries: 8}

// withStoreRetry runs op until it succeeds, fails permanently, or the policy
// is exhausted. Only ErrStoreUnavailable is retried.
func withStoreRetry[T any](ctx context.Context, p RetryPolicy, op func() (T, error)) (T, error) {
	if p.MaxTries == 0 {
		p = DefaultRetry
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, ErrStoreUnavailable) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Msg("store unavailable; retrying")
		}),
	)
}

// transition is the result tuple of Store.TransitionIfStatus.
type transition struct {
	applied bool
	p       *domain.Payment
}
