// Package services defines the payment lifecycle: quoting, watching,
// confirming, fulfilling and expiring payments. This file centralizes the
// service-level error values so that they can be consistently returned by
// service methods and checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import (
	"errors"

	"github.com/tbourn/go-keyshop-backend/internal/rails"
	"github.com/tbourn/go-keyshop-backend/internal/repo"
)

// Payment errors.
var (
	// ErrInvalidMethod is returned for a currency the shop does not know.
	ErrInvalidMethod = errors.New("invalid payment method")

	// ErrMethodUnavailable is returned for a known currency that has no
	// address or verifier configured.
	ErrMethodUnavailable = errors.New("payment method not configured")

	// ErrPricingUnavailable means no usable quote could be obtained; no
	// payment was created.
	ErrPricingUnavailable = errors.New("pricing unavailable")

	// ErrPaymentNotFound indicates that the payment id is unknown.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrProvisioning means the payment was fulfilled but no key could be
	// created. The record needs manual resolution.
	ErrProvisioning = errors.New("key provisioning failed")

	// ErrStoreUnavailable is the retryable persistence failure.
	ErrStoreUnavailable = repo.ErrStoreUnavailable

	// ErrVerificationTransient marks a failed balance sample.
	ErrVerificationTransient = rails.ErrVerificationTransient

	// ErrVerificationExhausted is the reason recorded when a rail gives up.
	ErrVerificationExhausted = rails.ErrVerificationExhausted
)

// Failure reasons stored on payments.
const (
	ReasonProvisioningFailed    = "provisioning_failed"
	ReasonVerificationExhausted = "verification_exhausted"
	ReasonInterrupted           = "interrupted"
)
