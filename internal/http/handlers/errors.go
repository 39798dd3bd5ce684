// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are stable, lowercase snake_case strings returned in the error
// envelope next to the HTTP status:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "method_unavailable",
//	  "message": "payment method not configured"
//	}
//
// Clients branch on the code; the message is for humans.
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Payment lifecycle:
	ErrCodeInvalidMethod      = "invalid_method"
	ErrCodeMethodUnavailable  = "method_unavailable"
	ErrCodePricingUnavailable = "pricing_unavailable"
	ErrCodeStoreUnavailable   = "store_unavailable"
	ErrCodeProvisioningFailed = "provisioning_failed"
)
