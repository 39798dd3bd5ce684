// Package rails watches a payment address until the expected amount shows up.
//
// Every currency runs the same loop: start from the payment's recorded
// baseline balance (or take and record one), sleep First, then re-sample
// every Interval and confirm once the balance grew by at least the quoted
// amount. Rails differ only in their BalanceSource and
// Schedule. A rail without a source is manual: it only reminds the payer and
// waits for an operator to confirm.
package rails

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-keyshop-backend/internal/domain"
	"github.com/tbourn/go-keyshop-backend/internal/observability"
)

var (
	// ErrVerificationTransient marks a single failed balance sample. The loop
	// retries it on the next tick.
	ErrVerificationTransient = errors.New("verification temporarily unavailable")

	// ErrVerificationExhausted is reported when a rail gives up on a payment.
	ErrVerificationExhausted = errors.New("verification exhausted")

	// ErrManualRail is returned when a balance is requested from a rail
	// without a source.
	ErrManualRail = errors.New("manual rail has no balance source")
)

// NoticeKind enumerates the progress messages a rail asks the engine to send.
type NoticeKind int

const (
	// NoticeChecking is sent once when the watch starts.
	NoticeChecking NoticeKind = iota
	// NoticeWaiting means nothing arrived yet.
	NoticeWaiting
	// NoticeInsufficient means a positive amount arrived but less than quoted.
	NoticeInsufficient
	// NoticeReminder is the manual rail's periodic nudge.
	NoticeReminder
)

// Notice is a progress event for one payment.
type Notice struct {
	Kind     NoticeKind
	Attempt  int
	Received decimal.Decimal
}

// Hooks is how a rail reads and advances payment state. The engine provides
// the implementation; rails never touch the store directly.
type Hooks interface {
	// Status returns the current stored status of the payment.
	Status(ctx context.Context, id string) (domain.Status, error)
	// Confirm moves the payment from pending to confirmed. A false result
	// means someone else already decided the payment.
	Confirm(ctx context.Context, id string) (bool, error)
	// Exhaust marks the payment failed with the given cause.
	Exhaust(ctx context.Context, id string, cause error) error
	// RecordBaseline stores the balance growth is measured from, so a
	// restarted watch resumes from it. Failures are the implementation's
	// problem.
	RecordBaseline(ctx context.Context, id string, baseline decimal.Decimal)
	// Notify delivers a progress message to the payer. Failures are the
	// implementation's problem.
	Notify(ctx context.Context, p domain.Payment, n Notice)
}

// BalanceSource reads the current balance of an address in whole units of
// the rail's currency.
type BalanceSource interface {
	Balance(ctx context.Context, address string) (decimal.Decimal, error)
}

// Schedule controls the cadence of one rail.
//
//   - First: delay before the first re-sample.
//   - Interval: delay between later samples.
//   - MaxAttempts: number of wake-ups; 0 means until the payment leaves
//     pending or the watch is cancelled.
//   - MaxFailures: consecutive failed samples that fail the payment; 0
//     disables the cap.
//   - CallTimeout: deadline for each sample.
type Schedule struct {
	First       time.Duration
	Interval    time.Duration
	MaxAttempts int
	MaxFailures int
	CallTimeout time.Duration
}

// DefaultSchedule matches the production cadence: first check after a
// minute, then every five minutes.
var DefaultSchedule = Schedule{
	First:       60 * time.Second,
	Interval:    300 * time.Second,
	MaxAttempts: 0,
	MaxFailures: 5,
	CallTimeout: 15 * time.Second,
}

func (s Schedule) normalized() Schedule {
	if s.First < 0 {
		s.First = 0
	}
	if s.Interval <= 0 {
		s.Interval = DefaultSchedule.Interval
	}
	if s.MaxAttempts < 0 {
		s.MaxAttempts = 0
	}
	if s.MaxFailures < 0 {
		s.MaxFailures = 0
	}
	return s
}

// Rail watches payments of one method.
type Rail struct {
	Method   domain.Method
	Source   BalanceSource // nil for a manual rail
	Schedule Schedule
	Log      *zerolog.Logger
}

// Manual reports whether the rail relies on operator confirmation.
func (r *Rail) Manual() bool { return r.Source == nil }

func (r *Rail) logger() *zerolog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return &log.Logger
}

// Baseline samples the current balance of address with the rail's call
// timeout.
func (r *Rail) Baseline(ctx context.Context, address string) (decimal.Decimal, error) {
	if r.Manual() {
		return decimal.Zero, ErrManualRail
	}
	return r.sample(ctx, address, r.Schedule.normalized().CallTimeout)
}

// Watch runs until the payment is confirmed, leaves pending, is exhausted,
// or ctx is cancelled. It returns ctx.Err() on cancellation, the Confirm or
// Exhaust error otherwise, and nil when another actor decided the payment.
func (r *Rail) Watch(ctx context.Context, p domain.Payment, h Hooks) error {
	sched := r.Schedule.normalized()
	lg := r.logger().With().
		Str("component", "rail").
		Str("method", string(r.Method)).
		Str("payment_id", p.ID).
		Logger()

	var (
		baseline    decimal.Decimal
		hasBaseline bool
		failures    int
	)
	switch {
	case r.Manual():
	case p.Baseline.Valid:
		baseline, hasBaseline = p.Baseline.Decimal, true
	default:
		b, err := r.sample(ctx, p.Address, sched.CallTimeout)
		if err != nil {
			failures++
			lg.Warn().Err(err).Msg("baseline sample failed; retrying on next tick")
		} else {
			baseline, hasBaseline = b, true
			h.RecordBaseline(ctx, p.ID, b)
		}
	}
	h.Notify(ctx, p, Notice{Kind: NoticeChecking})

	wait := sched.First
	for attempt := 1; sched.MaxAttempts == 0 || attempt <= sched.MaxAttempts; attempt++ {
		if err := sleep(ctx, wait); err != nil {
			return err
		}
		wait = sched.Interval

		st, err := h.Status(ctx, p.ID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lg.Warn().Err(err).Int("attempt", attempt).Msg("status read failed")
			continue
		}
		if st != domain.StatusPending {
			lg.Debug().Str("status", string(st)).Msg("payment decided elsewhere; stopping")
			return nil
		}

		if r.Manual() {
			h.Notify(ctx, p, Notice{Kind: NoticeReminder, Attempt: attempt})
			continue
		}

		observed, err := r.sample(ctx, p.Address, sched.CallTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			observability.RailPollErrors.WithLabelValues(string(r.Method)).Inc()
			lg.Warn().Err(err).Int("failures", failures).Msg("balance sample failed")
			if sched.MaxFailures > 0 && failures >= sched.MaxFailures {
				return h.Exhaust(ctx, p.ID, fmt.Errorf("%w: %d consecutive sampling failures: %w", ErrVerificationExhausted, failures, err))
			}
			continue
		}
		failures = 0

		if !hasBaseline {
			baseline, hasBaseline = observed, true
			h.RecordBaseline(ctx, p.ID, observed)
			h.Notify(ctx, p, Notice{Kind: NoticeWaiting, Attempt: attempt})
			continue
		}

		delta := observed.Sub(baseline)
		switch {
		case delta.GreaterThanOrEqual(p.Amount):
			lg.Info().Str("received", delta.String()).Msg("payment detected")
			_, err := h.Confirm(ctx, p.ID)
			return err
		case delta.IsPositive():
			h.Notify(ctx, p, Notice{Kind: NoticeInsufficient, Attempt: attempt, Received: delta})
		default:
			h.Notify(ctx, p, Notice{Kind: NoticeWaiting, Attempt: attempt})
		}
	}

	if r.Manual() {
		// Operators may still confirm; the sweeper owns expiry.
		return nil
	}
	return h.Exhaust(ctx, p.ID, fmt.Errorf("%w: no matching payment after %d attempts", ErrVerificationExhausted, sched.MaxAttempts))
}

func (r *Rail) sample(ctx context.Context, address string, timeout time.Duration) (decimal.Decimal, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	v, err := r.Source.Balance(callCtx, address)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", ErrVerificationTransient, err)
	}
	return v, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
