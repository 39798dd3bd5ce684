// Package domain defines the persistence models for payments and request
// idempotency. These types are mapped with GORM and form the core data layer
// of the key shop.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Method is the currency a payment is settled in.
type Method string

const (
	MethodBTC  Method = "BTC"
	MethodETH  Method = "ETH"
	MethodUSDT Method = "USDT"
)

// Methods lists the accepted payment methods in display order.
var Methods = []Method{MethodBTC, MethodETH, MethodUSDT}

// ParseMethod normalizes a user supplied currency symbol.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Methods {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown payment method %q", s)
}

// Precision is the number of decimals an amount in this currency is rounded
// to when quoted to the payer.
func (m Method) Precision() int32 {
	if m == MethodUSDT {
		return 2
	}
	return 8
}

// Status is the lifecycle state of a payment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFulfilled Status = "fulfilled"
	StatusExpired   Status = "expired"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further status change is allowed.
func (s Status) Terminal() bool {
	return s == StatusFulfilled || s == StatusExpired || s == StatusFailed
}

// transitions is the complete state machine. Anything not listed is illegal.
var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusExpired, StatusFailed},
	StatusConfirmed: {StatusFulfilled, StatusFailed},
}

// CanTransition reports whether a record in status from may move to status to.
// A status never transitions to itself.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Delivery tracks the key hand-off after a payment reached Fulfilled.
type Delivery string

const (
	DeliveryPending   Delivery = "pending"
	DeliveryDelivered Delivery = "delivered"
	DeliveryFailed    Delivery = "failed"
)

// Payment is a single request to buy a key, paid in one currency to one
// configured address.
//
// Fields:
//   - ID: UUID primary key, never reused.
//   - ChatID: requesting chat/session; indexed for lookups per user.
//   - Method, Amount, Address: quote fixed at creation time.
//   - Status: lifecycle state; see CanTransition.
//   - MessageID: chat message that carries the payment instructions.
//   - Baseline: address balance sampled before the payer saw the
//     instructions; growth beyond it counts toward Amount. Null until taken.
//   - Delivery / FailureReason: fulfillment sub-state for manual resolution.
//   - ConfirmedAt / FulfilledAt / ClosedAt: set once on entering the state.
type Payment struct {
	ID            string              `json:"id"             gorm:"type:char(36);primaryKey"`
	ChatID        string              `json:"chat_id"        gorm:"type:varchar(64);not null;index"`
	Method        Method              `json:"method"         gorm:"type:varchar(8);not null"`
	Amount        decimal.Decimal     `json:"amount"         gorm:"type:text;not null"`
	Address       string              `json:"address"        gorm:"type:varchar(128);not null"`
	Status        Status              `json:"status"         gorm:"type:varchar(16);not null;index:idx_payments_status,priority:1"`
	MessageID     string              `json:"-"              gorm:"type:varchar(64)"`
	Baseline      decimal.NullDecimal `json:"-"              gorm:"type:text"`
	Delivery      Delivery            `json:"delivery"       gorm:"type:varchar(16);not null;default:'pending'"`
	FailureReason string              `json:"failure_reason,omitempty" gorm:"type:varchar(64)"`
	CreatedAt     time.Time           `json:"created_at"     gorm:"index:idx_payments_status,priority:2"`
	UpdatedAt     time.Time           `json:"updated_at"`
	ConfirmedAt   *time.Time          `json:"confirmed_at,omitempty"`
	FulfilledAt   *time.Time          `json:"fulfilled_at,omitempty"`
	ClosedAt      *time.Time          `json:"closed_at,omitempty"`
}

// TableName returns the database table name for Payment.
func (Payment) TableName() string { return "payments" }

// DisplayAmount renders the amount with the method's quote precision.
func (p Payment) DisplayAmount() string {
	return p.Amount.StringFixed(p.Method.Precision())
}
