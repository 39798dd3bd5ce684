package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-keyshop-backend/internal/domain"
	"github.com/tbourn/go-keyshop-backend/internal/observability"
)

// Sweeper expires pending payments older than Timeout and deletes closed
// records past their retention.
//
// A payment expires only when now - created_at is strictly greater than
// Timeout. Expiry goes through the same compare-and-swap as confirmation, so
// a payment is either confirmed or expired, never both.
type Sweeper struct {
	Store    Store
	Timeout  time.Duration
	Interval time.Duration

	// Retention applies to expired and failed payments, RetentionFulfilled
	// to fulfilled ones. Zero keeps records forever.
	Retention          time.Duration
	RetentionFulfilled time.Duration

	// OnExpired runs once for every payment this sweeper expired.
	OnExpired func(ctx context.Context, p domain.Payment)
	// Purge, when set, runs after each sweep (idempotency key cleanup).
	Purge func(ctx context.Context, now time.Time) (int64, error)

	Retry RetryPolicy
	Now   func() time.Time
}

// SweepResult summarizes one pass.
type SweepResult struct {
	Expired int
	Deleted int64
}

// Run sweeps immediately and then every Interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		if res, err := s.SweepOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("sweep failed")
		} else if res.Expired > 0 || res.Deleted > 0 {
			log.Info().Int("expired", res.Expired).Int64("deleted", res.Deleted).Msg("sweep")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// SweepOnce runs a single expiry and retention pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	ctx, span := tracer().Start(ctx, "SweepOnce")
	defer span.End()

	var res SweepResult
	at := now(s.Now)

	pending, err := withStoreRetry(ctx, s.Retry, func() ([]domain.Payment, error) {
		return s.Store.ListByStatus(ctx, domain.StatusPending)
	})
	if err != nil {
		return res, err
	}
	for _, p := range pending {
		if at.Sub(p.CreatedAt) <= s.Timeout {
			continue
		}
		tr, err := withStoreRetry(ctx, s.Retry, func() (transition, error) {
			ok, cur, err := s.Store.TransitionIfStatus(ctx, p.ID, domain.StatusPending, domain.StatusExpired, nil)
			return transition{applied: ok, p: cur}, err
		})
		if err != nil {
			log.Error().Err(err).Str("payment_id", p.ID).Msg("expire failed")
			continue
		}
		if !tr.applied {
			continue
		}
		res.Expired++
		observability.PaymentTransitions.WithLabelValues(string(domain.StatusExpired)).Inc()
		log.Info().Str("payment_id", p.ID).Str("chat_id", p.ChatID).Msg("payment expired")
		if s.OnExpired != nil {
			s.OnExpired(ctx, *tr.p)
		}
	}

	if s.Retention > 0 {
		for _, st := range []domain.Status{domain.StatusExpired, domain.StatusFailed} {
			n, err := s.Store.DeleteTerminal(ctx, st, at.Add(-s.Retention))
			if err != nil {
				return res, err
			}
			res.Deleted += n
		}
	}
	if s.RetentionFulfilled > 0 {
		n, err := s.Store.DeleteTerminal(ctx, domain.StatusFulfilled, at.Add(-s.RetentionFulfilled))
		if err != nil {
			return res, err
		}
		res.Deleted += n
	}

	if s.Purge != nil {
		if _, err := s.Purge(ctx, at); err != nil {
			log.Warn().Err(err).Msg("idempotency purge failed")
		}
	}
	return res, nil
}
