// Admin HTTP handlers.
//
// Operator endpoints, mounted behind middleware.AdminAuth:
//   - POST /admin/payments/{id}/confirm   (manual override, at-most-once)
//   - GET  /admin/stats                   (pending and paid counts)
//   - GET  /admin/payments                (list by status, weak ETag)
package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-keyshop-backend/internal/domain"
	"github.com/tbourn/go-keyshop-backend/internal/services"
	"github.com/tbourn/go-keyshop-backend/internal/utils"
)

// ConfirmResponse reports the outcome of a manual confirmation. Applied is
// false when the payment had already left pending; the call is then a no-op.
type ConfirmResponse struct {
	Applied bool            `json:"applied"`
	Payment PaymentResponse `json:"payment"`
	Warning string          `json:"warning,omitempty"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListPaymentsResponse wraps a page of payments.
type ListPaymentsResponse struct {
	Status     domain.Status     `json:"status"`
	Payments   []PaymentResponse `json:"payments"`
	Pagination Pagination        `json:"pagination"`
}

// ConfirmPayment marks a pending payment paid and fulfills it. It races
// safely with the automatic watcher: exactly one of them fulfills.
func (h *Handlers) ConfirmPayment(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "payment id must be a UUID")
		return
	}
	ctx := c.Request.Context()

	applied, err := h.svc.ConfirmPayment(ctx, id)
	var warning string
	switch {
	case err == nil:
	case applied && errors.Is(err, services.ErrProvisioning):
		warning = "payment confirmed but the key could not be created; resolve manually"
	default:
		failErr(c, err)
		return
	}

	p, gerr := h.svc.GetPayment(ctx, id)
	if gerr != nil {
		failErr(c, gerr)
		return
	}
	ok(c, http.StatusOK, ConfirmResponse{Applied: applied, Payment: toResponse(p), Warning: warning})
}

// Stats returns the pending and paid counters.
func (h *Handlers) Stats(c *gin.Context) {
	st, err := h.svc.GetStats(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}

// ListPayments returns a page of payments in ?status= (default pending),
// oldest first. It answers 304 when If-None-Match matches the weak ETag
// derived from the count and latest update of that status.
func (h *Handlers) ListPayments(c *gin.Context) {
	ctx := c.Request.Context()
	status, err := services.ParseStatus(c.Query("status"))
	if err != nil {
		failErr(c, err)
		return
	}
	page, pageSize := utils.NormalizePage(
		utils.AtoiDefault(c.Query("page"), 1),
		utils.AtoiDefault(c.Query("page_size"), utils.DefaultPageSize),
	)

	if h.stats != nil {
		if count, maxTS, err := h.stats(ctx, status); err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.UnixNano()
			}
			etag := fmt.Sprintf(`W/"payments:%s:%d:%d:%d:%d"`, status, count, ts, page, pageSize)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.svc.ListPayments(ctx, string(status), page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	out := make([]PaymentResponse, len(items))
	for i := range items {
		out[i] = toResponse(&items[i])
	}
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListPaymentsResponse{
		Status:   status,
		Payments: out,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}
