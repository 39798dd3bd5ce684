package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-keyshop-backend/internal/domain"
	"github.com/tbourn/go-keyshop-backend/internal/observability"
	"github.com/tbourn/go-keyshop-backend/internal/repo"
)

// FulfillResult reports what a Fulfill call did.
//
//   - Applied: this call moved the payment to fulfilled.
//   - Delivered: a key was created and sent.
type FulfillResult struct {
	Applied   bool
	Delivered bool
}

// Fulfiller turns a confirmed payment into a delivered key, at most once.
type Fulfiller struct {
	Store       Store
	Provisioner Provisioner
	Notifier    Notifier
	Events      EventPublisher
	AdminChatID string

	// ProvisionTimeout bounds one CreateKey call.
	ProvisionTimeout time.Duration
	Retry            RetryPolicy
	Now              func() time.Time
}

// Fulfill claims payment id by moving it from confirmed to fulfilled and, if
// the claim won, provisions and delivers a key. A lost claim is a no-op.
//
// Provisioning failures are not rolled back: the payment stays fulfilled
// with delivery marked failed, admins are alerted, and ErrProvisioning is
// returned.
func (f *Fulfiller) Fulfill(ctx context.Context, id string) (FulfillResult, error) {
	ctx, span := tracer().Start(ctx, "Fulfill",
		trace.WithAttributes(attribute.String("payment.id", id)),
	)
	defer span.End()

	res, err := withStoreRetry(ctx, f.Retry, func() (transition, error) {
		ok, p, err := f.Store.TransitionIfStatus(ctx, id, domain.StatusConfirmed, domain.StatusFulfilled, nil)
		return transition{applied: ok, p: p}, err
	})
	if errors.Is(err, repo.ErrNotFound) {
		return FulfillResult{}, ErrPaymentNotFound
	}
	if err != nil {
		return FulfillResult{}, err
	}
	if !res.applied {
		log.Debug().Str("payment_id", id).Str("status", string(res.p.Status)).Msg("fulfill ignored")
		return FulfillResult{}, nil
	}
	observability.PaymentTransitions.WithLabelValues(string(domain.StatusFulfilled)).Inc()
	p := *res.p

	key, err := f.createKey(ctx)
	if err != nil {
		observability.ProvisioningFailures.Inc()
		log.Error().Err(err).Str("payment_id", id).Str("chat_id", p.ChatID).Msg("key provisioning failed")
		f.annotate(ctx, id, domain.DeliveryFailed, ReasonProvisioningFailed)
		send(ctx, f.Notifier, f.AdminChatID, adminProvisioningText(p, err))
		send(ctx, f.Notifier, p.ChatID, msgKeyError)
		return FulfillResult{Applied: true}, fmt.Errorf("%w: payment %s: %w", ErrProvisioning, id, err)
	}

	send(ctx, f.Notifier, p.ChatID, keyText(key))
	send(ctx, f.Notifier, p.ChatID, msgEnjoy)
	f.annotate(ctx, id, domain.DeliveryDelivered, "")

	at := now(f.Now)
	if err := f.events().PublishKeyReady(ctx, domain.KeyReady{PaymentID: id, ChatID: p.ChatID, At: at}); err != nil {
		log.Warn().Err(err).Str("payment_id", id).Msg("publish key.ready failed")
	}
	sale := domain.SaleRecorded{
		PaymentID: id,
		ChatID:    p.ChatID,
		Method:    p.Method,
		Amount:    p.DisplayAmount(),
		Address:   p.Address,
		At:        at,
	}
	if err := f.events().PublishSaleRecorded(ctx, sale); err != nil {
		log.Warn().Err(err).Str("payment_id", id).Msg("publish sale.recorded failed")
	}
	send(ctx, f.Notifier, f.AdminChatID, adminSaleText(p))

	log.Info().Str("payment_id", id).Str("chat_id", p.ChatID).Msg("key delivered")
	return FulfillResult{Applied: true, Delivered: true}, nil
}

func (f *Fulfiller) createKey(ctx context.Context) (string, error) {
	timeout := f.ProvisionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return f.Provisioner.CreateKey(pctx)
}

// annotate records the delivery sub-state of a fulfilled payment.
func (f *Fulfiller) annotate(ctx context.Context, id string, d domain.Delivery, reason string) {
	_, err := withStoreRetry(ctx, f.Retry, func() (transition, error) {
		ok, p, err := f.Store.TransitionIfStatus(ctx, id, domain.StatusFulfilled, domain.StatusFulfilled, func(rec *domain.Payment) {
			rec.Delivery = d
			rec.FailureReason = reason
		})
		return transition{applied: ok, p: p}, err
	})
	if err != nil {
		log.Error().Err(err).Str("payment_id", id).Str("delivery", string(d)).Msg("record delivery state failed")
	}
}

type nopEvents struct{}

func (nopEvents) PublishKeyReady(context.Context, domain.KeyReady) error         { return nil }
func (nopEvents) PublishSaleRecorded(context.Context, domain.SaleRecorded) error { return nil }

func (f *Fulfiller) events() EventPublisher {
	if f.Events == nil {
		return nopEvents{}
	}
	return f.Events
}
