// Payment HTTP handlers.
//
// This file exposes the customer-facing endpoints:
//   - GET  /methods         (currencies currently accepted)
//   - POST /payments        (quote and create, Idempotency-Key aware)
//   - GET  /payments/{id}   (status lookup)
//
// Handlers are transport-thin: they validate input, call the engine, and
// translate results into HTTP responses.
package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-keyshop-backend/internal/domain"
	"github.com/tbourn/go-keyshop-backend/internal/http/middleware"
	"github.com/tbourn/go-keyshop-backend/internal/services"
)

// PaymentService is the slice of the engine the HTTP layer drives.
type PaymentService interface {
	AvailableMethods() []domain.Method
	CreatePayment(ctx context.Context, chatID, method string) (*domain.Payment, error)
	GetPayment(ctx context.Context, id string) (*domain.Payment, error)
	ConfirmPayment(ctx context.Context, id string) (bool, error)
	GetStats(ctx context.Context) (services.Stats, error)
	ListPayments(ctx context.Context, status string, page, pageSize int) ([]domain.Payment, int64, error)
}

// IdempotencyStore remembers which payment a (chat, key) pair produced.
// Lookup returns ("", nil) when nothing live is recorded.
type IdempotencyStore interface {
	Lookup(ctx context.Context, chatID, key string, now time.Time) (string, error)
	Remember(ctx context.Context, chatID, key, paymentID string) error
}

// StatsFunc returns the count and latest update time of payments in a
// status (all when empty). It backs weak ETags on the admin listing.
type StatsFunc func(ctx context.Context, status domain.Status) (int64, *time.Time, error)

// Handlers groups the payment and admin endpoints.
type Handlers struct {
	svc   PaymentService
	idem  IdempotencyStore
	stats StatsFunc
}

// New binds handlers to the engine. idem and stats may be nil, which
// disables replay and ETags respectively.
func New(svc PaymentService, idem IdempotencyStore, stats StatsFunc) *Handlers {
	return &Handlers{svc: svc, idem: idem, stats: stats}
}

// CreatePaymentRequest is the JSON payload for starting a purchase.
type CreatePaymentRequest struct {
	ChatID string `json:"chat_id" binding:"required,max=64"`
	Method string `json:"method"  binding:"required,max=8"`
}

// PaymentResponse is a payment plus its amount formatted for display.
type PaymentResponse struct {
	domain.Payment
	AmountDisplay string `json:"amount_display"`
}

// MethodsResponse lists the currencies a new payment may use.
type MethodsResponse struct {
	Methods []domain.Method `json:"methods"`
}

func toResponse(p *domain.Payment) PaymentResponse {
	return PaymentResponse{Payment: *p, AmountDisplay: p.DisplayAmount()}
}

// ListMethods returns the configured payment methods.
func (h *Handlers) ListMethods(c *gin.Context) {
	ms := h.svc.AvailableMethods()
	if ms == nil {
		ms = []domain.Method{}
	}
	ok(c, http.StatusOK, MethodsResponse{Methods: ms})
}

// CreatePayment quotes the key price in the requested currency and starts
// watching for the transfer. With an Idempotency-Key, a retry for the same
// chat returns the original payment (200, Idempotency-Replayed: true)
// instead of a second quote.
func (h *Handlers) CreatePayment(c *gin.Context) {
	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "chat_id and method are required")
		return
	}
	chatID := strings.TrimSpace(req.ChatID)
	if hdr := middleware.ChatID(c); hdr != "" && hdr != chatID {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "X-Chat-ID does not match chat_id")
		return
	}
	ctx := c.Request.Context()
	key, hasKey := middleware.GetIdempotencyKey(c)

	if hasKey && h.idem != nil {
		if p := h.replay(c, chatID, key); p != nil {
			c.Header("Idempotency-Replayed", "true")
			ok(c, http.StatusOK, toResponse(p))
			return
		}
	}

	p, err := h.svc.CreatePayment(ctx, chatID, req.Method)
	if err != nil {
		failErr(c, err)
		return
	}

	if hasKey && h.idem != nil {
		if err := h.idem.Remember(ctx, chatID, key, p.ID); err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Str("payment_id", p.ID).Msg("idempotency record not stored")
		}
	}
	c.Header("Location", c.FullPath()+"/"+p.ID)
	ok(c, http.StatusCreated, toResponse(p))
}

// replay returns the payment recorded for (chatID, key), or nil.
func (h *Handlers) replay(c *gin.Context, chatID, key string) *domain.Payment {
	ctx := c.Request.Context()
	id, err := h.idem.Lookup(ctx, chatID, key, time.Now().UTC())
	if err != nil || id == "" {
		return nil
	}
	p, err := h.svc.GetPayment(ctx, id)
	if err != nil {
		// Record outlived its payment (retention); quote afresh.
		return nil
	}
	return p
}

// GetPayment returns a payment by id.
func (h *Handlers) GetPayment(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "payment id must be a UUID")
		return
	}
	p, err := h.svc.GetPayment(c.Request.Context(), id)
	if err != nil {
		failErr(c, err)
		return
	}
	if chat := middleware.ChatID(c); chat != "" && chat != p.ChatID {
		// Do not reveal other chats' payments.
		failErr(c, services.ErrPaymentNotFound)
		return
	}
	ok(c, http.StatusOK, toResponse(p))
}
