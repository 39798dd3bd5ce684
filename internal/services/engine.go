// Package services – Engine
//
// This file implements Engine, the payment lifecycle coordinator. It quotes
// and creates payments, runs one watcher per pending payment under a
// TaskSet, applies confirmations from watchers and operators through the
// store's compare-and-swap, hands confirmed payments to the Fulfiller, and
// recovers in-flight work after a restart.
//
// Observability: public methods are OpenTelemetry-instrumented; spans carry
// payment and chat identifiers.

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-keyshop-backend/internal/domain"
	"github.com/tbourn/go-keyshop-backend/internal/observability"
	"github.com/tbourn/go-keyshop-backend/internal/rails"
	"github.com/tbourn/go-keyshop-backend/internal/repo"
	"github.com/tbourn/go-keyshop-backend/internal/utils"
)

// ErrChatRequired is returned when a payment is requested without a chat id.
var ErrChatRequired = errors.New("chat id is required")

// ErrInvalidStatus is returned for an unknown status filter.
var ErrInvalidStatus = errors.New("invalid status")

// Stats is the admin summary. Paid counts confirmed and fulfilled payments.
type Stats struct {
	PendingCount int64 `json:"pending_count"`
	PaidCount    int64 `json:"paid_count"`
}

// Engine owns the payment lifecycle.
type Engine struct {
	Store     Store
	Oracle    PriceOracle
	Notifier  Notifier
	Fulfiller *Fulfiller

	// Verifiers and Addresses are keyed by method; a method is offered only
	// when both are present.
	Verifiers map[domain.Method]Verifier
	Addresses map[domain.Method]string

	PriceUSD    decimal.Decimal
	AdminChatID string

	Tasks *TaskSet
	Retry RetryPolicy
}

func tracer() trace.Tracer { return otel.Tracer("services/Engine") }

// AvailableMethods lists the methods a payer may choose, in display order.
func (e *Engine) AvailableMethods() []domain.Method {
	var out []domain.Method
	for _, m := range domain.Methods {
		if _, ok := e.available(m); ok {
			out = append(out, m)
		}
	}
	return out
}

func (e *Engine) available(m domain.Method) (string, bool) {
	addr := strings.TrimSpace(e.Addresses[m])
	return addr, addr != "" && e.Verifiers[m] != nil
}

// CreatePayment quotes the configured USD price in method, stores a pending
// payment, sends the payment instructions, and starts its watcher.
//
// Errors: ErrChatRequired, ErrInvalidMethod, ErrMethodUnavailable,
// ErrPricingUnavailable (nothing stored), ErrStoreUnavailable.
func (e *Engine) CreatePayment(ctx context.Context, chatID, method string) (*domain.Payment, error) {
	ctx, span := tracer().Start(ctx, "CreatePayment",
		trace.WithAttributes(
			attribute.String("chat.id", chatID),
			attribute.String("payment.method", method),
		),
	)
	defer span.End()

	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, ErrChatRequired
	}
	m, err := domain.ParseMethod(method)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}
	addr, ok := e.available(m)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodUnavailable, m)
	}

	amount, err := e.quote(ctx, m)
	if err != nil {
		return nil, err
	}

	p := &domain.Payment{ChatID: chatID, Method: m, Amount: amount, Address: addr}
	// Growth is measured from before the payer sees the instructions.
	if v := e.Verifiers[m]; !v.Manual() {
		if b, err := v.Baseline(ctx, addr); err != nil {
			log.Warn().Err(err).Str("method", string(m)).Msg("baseline sample failed; watcher takes it later")
		} else {
			p.Baseline = decimal.NewNullDecimal(b)
		}
	}
	if _, err := withStoreRetry(ctx, e.Retry, func() (string, error) {
		return e.Store.Create(ctx, p)
	}); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("payment.id", p.ID), attribute.String("payment.amount", p.DisplayAmount()))
	observability.PaymentsCreated.WithLabelValues(string(m)).Inc()
	log.Info().Str("payment_id", p.ID).Str("chat_id", chatID).Str("method", string(m)).
		Str("amount", p.DisplayAmount()).Msg("payment created")

	if msgID := send(ctx, e.Notifier, chatID, instructionsText(*p)); msgID != "" {
		if ok, cur, err := e.Store.TransitionIfStatus(ctx, p.ID, domain.StatusPending, domain.StatusPending, func(rec *domain.Payment) {
			rec.MessageID = msgID
		}); err == nil && ok {
			p = cur
		}
	}

	e.startWatcher(*p)
	return p, nil
}

// quote converts the USD price into method, rounded to its precision.
func (e *Engine) quote(ctx context.Context, m domain.Method) (decimal.Decimal, error) {
	price, err := e.Oracle.GetUSDPrice(ctx, m)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", ErrPricingUnavailable, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive %s price %s", ErrPricingUnavailable, m, price)
	}
	amount := e.PriceUSD.Div(price).Round(m.Precision())
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s amount rounds to zero", ErrPricingUnavailable, m)
	}
	return amount, nil
}

// GetPayment returns the stored payment.
func (e *Engine) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	p, err := withStoreRetry(ctx, e.Retry, func() (*domain.Payment, error) {
		return e.Store.Get(ctx, id)
	})
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrPaymentNotFound
	}
	return p, err
}

// ConfirmPayment moves a pending payment to confirmed and fulfills it. It is
// used both by watchers and by the operator override; whichever call wins
// the compare-and-swap fulfills, every other call returns (false, nil).
//
// A true result with a non-nil error means the payment was confirmed but
// fulfillment reported a problem (typically ErrProvisioning).
func (e *Engine) ConfirmPayment(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer().Start(ctx, "ConfirmPayment",
		trace.WithAttributes(attribute.String("payment.id", id)),
	)
	defer span.End()

	res, err := withStoreRetry(ctx, e.Retry, func() (transition, error) {
		ok, p, err := e.Store.TransitionIfStatus(ctx, id, domain.StatusPending, domain.StatusConfirmed, nil)
		return transition{applied: ok, p: p}, err
	})
	if errors.Is(err, repo.ErrNotFound) {
		return false, ErrPaymentNotFound
	}
	if err != nil {
		return false, err
	}
	if !res.applied {
		log.Debug().Str("payment_id", id).Str("status", string(res.p.Status)).Msg("confirm ignored")
		return false, nil
	}
	observability.PaymentTransitions.WithLabelValues(string(domain.StatusConfirmed)).Inc()
	p := *res.p
	log.Info().Str("payment_id", id).Str("chat_id", p.ChatID).Msg("payment confirmed")

	e.tell(ctx, p, msgConfirmed)

	// Fulfillment must outlive a cancelled watcher or a closed request.
	_, ferr := e.Fulfiller.Fulfill(context.WithoutCancel(ctx), id)
	e.Tasks.Cancel(id)
	return true, ferr
}

// GetStats returns the pending and paid counts.
func (e *Engine) GetStats(ctx context.Context) (Stats, error) {
	ctx, span := tracer().Start(ctx, "GetStats")
	defer span.End()

	count := func(s domain.Status) (int64, error) {
		return withStoreRetry(ctx, e.Retry, func() (int64, error) {
			return e.Store.CountByStatus(ctx, s)
		})
	}
	pending, err := count(domain.StatusPending)
	if err != nil {
		return Stats{}, err
	}
	confirmed, err := count(domain.StatusConfirmed)
	if err != nil {
		return Stats{}, err
	}
	fulfilled, err := count(domain.StatusFulfilled)
	if err != nil {
		return Stats{}, err
	}
	return Stats{PendingCount: pending, PaidCount: confirmed + fulfilled}, nil
}

// ListPayments returns one page of payments in status (oldest first) and
// the total number of payments in that status.
func (e *Engine) ListPayments(ctx context.Context, status string, page, pageSize int) ([]domain.Payment, int64, error) {
	ctx, span := tracer().Start(ctx, "ListPayments",
		trace.WithAttributes(
			attribute.String("payment.status", status),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	st, err := ParseStatus(status)
	if err != nil {
		return nil, 0, err
	}
	all, err := withStoreRetry(ctx, e.Retry, func() ([]domain.Payment, error) {
		return e.Store.ListByStatus(ctx, st)
	})
	if err != nil {
		return nil, 0, err
	}
	return utils.Paginate(all, page, pageSize), int64(len(all)), nil
}

// ParseStatus normalizes a status filter. Empty means pending.
func ParseStatus(s string) (domain.Status, error) {
	st := domain.Status(strings.ToLower(strings.TrimSpace(s)))
	if st == "" {
		return domain.StatusPending, nil
	}
	switch st {
	case domain.StatusPending, domain.StatusConfirmed, domain.StatusFulfilled, domain.StatusExpired, domain.StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Start recovers work left by a previous process: it restarts watchers for
// pending payments, resumes fulfillment of confirmed ones, and flags
// fulfilled payments whose delivery never completed for manual resolution.
func (e *Engine) Start(ctx context.Context) error {
	ctx, span := tracer().Start(ctx, "Start")
	defer span.End()

	list := func(s domain.Status) ([]domain.Payment, error) {
		return withStoreRetry(ctx, e.Retry, func() ([]domain.Payment, error) {
			return e.Store.ListByStatus(ctx, s)
		})
	}

	pending, err := list(domain.StatusPending)
	if err != nil {
		return fmt.Errorf("recover pending: %w", err)
	}
	for _, p := range pending {
		e.startWatcher(p)
	}

	confirmed, err := list(domain.StatusConfirmed)
	if err != nil {
		return fmt.Errorf("recover confirmed: %w", err)
	}
	for _, p := range confirmed {
		id := p.ID
		// Fulfillment outlives shutdown; the TaskSet only drains it.
		e.Tasks.Go("fulfill:"+id, func(ctx context.Context) {
			if _, err := e.Fulfiller.Fulfill(context.WithoutCancel(ctx), id); err != nil {
				log.Error().Err(err).Str("payment_id", id).Msg("resumed fulfillment failed")
			}
		})
	}

	fulfilled, err := list(domain.StatusFulfilled)
	if err != nil {
		return fmt.Errorf("recover fulfilled: %w", err)
	}
	interrupted := 0
	for _, p := range fulfilled {
		if p.Delivery != domain.DeliveryPending {
			continue
		}
		ok, _, err := e.Store.TransitionIfStatus(ctx, p.ID, domain.StatusFulfilled, domain.StatusFulfilled, func(rec *domain.Payment) {
			rec.Delivery = domain.DeliveryFailed
			rec.FailureReason = ReasonInterrupted
		})
		if err != nil {
			log.Error().Err(err).Str("payment_id", p.ID).Msg("flag interrupted delivery")
			continue
		}
		if ok {
			interrupted++
			send(ctx, e.Notifier, e.AdminChatID, adminInterruptedText(p))
		}
	}

	log.Info().
		Int("watchers", len(pending)).
		Int("fulfillments", len(confirmed)).
		Int("interrupted", interrupted).
		Msg("payment engine recovered")
	return nil
}

// HandleExpired stops the watcher of an expired payment and tells the payer.
// The sweeper calls it once per payment it expired.
func (e *Engine) HandleExpired(ctx context.Context, p domain.Payment) {
	e.Tasks.Cancel(p.ID)
	send(ctx, e.Notifier, p.ChatID, expiredText(p.ID))
}

// Shutdown cancels every watcher and waits for them to return.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.Tasks.Shutdown(ctx)
}

func (e *Engine) startWatcher(p domain.Payment) {
	v := e.Verifiers[p.Method]
	if v == nil {
		log.Warn().Str("payment_id", p.ID).Str("method", string(p.Method)).Msg("no verifier; payment waits for operator")
		return
	}
	e.Tasks.Go(p.ID, func(ctx context.Context) {
		err := v.Watch(ctx, p, hooks{e})
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		default:
			log.Error().Err(err).Str("payment_id", p.ID).Msg("watcher stopped with error")
		}
	})
}

// tell edits the instructions message when its id is known, otherwise it
// sends a new message.
func (e *Engine) tell(ctx context.Context, p domain.Payment, text string) {
	if p.MessageID != "" {
		if err := e.Notifier.EditMessage(ctx, p.ChatID, p.MessageID, text); err == nil {
			return
		}
	}
	send(ctx, e.Notifier, p.ChatID, text)
}

// hooks adapts Engine to rails.Hooks.
type hooks struct{ e *Engine }

func (h hooks) Status(ctx context.Context, id string) (domain.Status, error) {
	p, err := h.e.Store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return p.Status, nil
}

func (h hooks) Confirm(ctx context.Context, id string) (bool, error) {
	return h.e.ConfirmPayment(ctx, id)
}

func (h hooks) RecordBaseline(ctx context.Context, id string, baseline decimal.Decimal) {
	_, err := withStoreRetry(ctx, h.e.Retry, func() (transition, error) {
		ok, p, err := h.e.Store.TransitionIfStatus(ctx, id, domain.StatusPending, domain.StatusPending, func(rec *domain.Payment) {
			if !rec.Baseline.Valid {
				rec.Baseline = decimal.NewNullDecimal(baseline)
			}
		})
		return transition{applied: ok, p: p}, err
	})
	if err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Str("payment_id", id).Msg("record baseline")
	}
}

func (h hooks) Exhaust(ctx context.Context, id string, cause error) error {
	res, err := withStoreRetry(ctx, h.e.Retry, func() (transition, error) {
		ok, p, err := h.e.Store.TransitionIfStatus(ctx, id, domain.StatusPending, domain.StatusFailed, func(rec *domain.Payment) {
			rec.FailureReason = ReasonVerificationExhausted
		})
		return transition{applied: ok, p: p}, err
	})
	if err != nil {
		return err
	}
	if !res.applied {
		return nil
	}
	observability.PaymentTransitions.WithLabelValues(string(domain.StatusFailed)).Inc()
	log.Warn().Err(cause).Str("payment_id", id).Msg("verification exhausted")
	send(ctx, h.e.Notifier, res.p.ChatID, verificationFailedText(id))
	send(ctx, h.e.Notifier, h.e.AdminChatID, adminExhaustedText(id, cause))
	return nil
}

func (h hooks) Notify(ctx context.Context, p domain.Payment, n rails.Notice) {
	send(ctx, h.e.Notifier, p.ChatID, noticeText(p, n))
}

// send delivers text and logs failures. It returns the message id, or "" on
// failure or when chatID is empty.
func send(ctx context.Context, n Notifier, chatID, text string) string {
	if n == nil || strings.TrimSpace(chatID) == "" {
		return ""
	}
	id, err := n.SendMessage(ctx, chatID, text)
	if err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("notify failed")
		return ""
	}
	return id
}

var _ rails.Hooks = hooks{}

// now is the clock used by Fulfiller and Sweeper when none is injected.
func now(f func() time.Time) time.Time {
	if f != nil {
		return f().UTC()
	}
	return time.Now().UTC()
}
