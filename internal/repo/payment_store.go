// Package repo implements the data persistence layer for payments, backed by
// GORM. This file contains the durable PaymentStore.
//
// Overview:
//
//   - Create inserts a new Pending payment and assigns its ID.
//   - Get loads one payment or returns ErrNotFound.
//   - TransitionIfStatus is the single compare-and-swap primitive every
//     status change goes through.
//   - ListByStatus / CountByStatus back recovery, sweeping and stats.
//   - DeleteTerminal applies retention to closed records.
//
// Errors:
//
//   - ErrNotFound for a missing id.
//   - ErrIllegalTransition when the requested edge is not in the state machine.
//   - ErrStoreUnavailable wraps every other database failure; callers treat
//     it as retryable.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-keyshop-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound so callers can use errors.Is with either
// sentinel.
var ErrNotFound = gorm.ErrRecordNotFound

var (
	// ErrStoreUnavailable wraps persistence failures that may succeed on retry.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrIllegalTransition rejects edges outside the payment state machine.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrNotTerminal rejects retention deletes of live records.
	ErrNotTerminal = errors.New("status is not terminal")
)

// Mutator edits the mutable fields of a payment inside a transition. Changes
// to ID, ChatID, Method, Amount, Address, Status and CreatedAt are ignored.
type Mutator func(p *domain.Payment)

// PaymentStore persists payments in a SQL database through GORM.
type PaymentStore struct {
	DB  *gorm.DB
	Now func() time.Time
}

// NewPaymentStore returns a store over db using the wall clock.
func NewPaymentStore(db *gorm.DB) *PaymentStore {
	return &PaymentStore{DB: db}
}

func (s *PaymentStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Create inserts p as a new record. A missing ID is generated, a zero
// CreatedAt is stamped, and the record always starts Pending with delivery
// pending.
func (s *PaymentStore) Create(ctx context.Context, p *domain.Payment) (string, error) {
	preparePayment(p, s.now())
	if err := s.DB.WithContext(ctx).Create(p).Error; err != nil {
		return "", unavailable(err)
	}
	return p.ID, nil
}

// Get returns the payment with the given id.
func (s *PaymentStore) Get(ctx context.Context, id string) (*domain.Payment, error) {
	var p domain.Payment
	if err := s.DB.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, unavailable(err)
	}
	return &p, nil
}

// TransitionIfStatus atomically moves payment id from expected to next and
// applies mutate, but only while the stored status still equals expected.
//
// When expected == next the call annotates the current state (mutable fields
// only) without changing status. The returned payment is the stored record
// after the call whether or not the transition applied.
func (s *PaymentStore) TransitionIfStatus(ctx context.Context, id string, expected, next domain.Status, mutate Mutator) (bool, *domain.Payment, error) {
	if err := checkTransition(expected, next); err != nil {
		return false, nil, err
	}

	db := s.DB.WithContext(ctx)
	var cur domain.Payment
	if err := db.First(&cur, "id = ?", id).Error; err != nil {
		return false, nil, unavailable(err)
	}
	if cur.Status != expected {
		return false, &cur, nil
	}

	// The read above is only a snapshot for the mutator; the status guard in
	// the WHERE clause is what makes the write exclusive.
	updated := applyMutation(cur, next, mutate, s.now())
	res := db.Model(&domain.Payment{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(mutableColumns(updated))
	if res.Error != nil {
		return false, nil, unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		// Lost to another writer; report what it left behind.
		if err := db.First(&cur, "id = ?", id).Error; err != nil {
			return false, nil, unavailable(err)
		}
		return false, &cur, nil
	}
	return true, &updated, nil
}

// ListByStatus returns all payments in status, oldest first.
func (s *PaymentStore) ListByStatus(ctx context.Context, status domain.Status) ([]domain.Payment, error) {
	var out []domain.Payment
	err := s.DB.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

// CountByStatus returns the number of payments in status.
func (s *PaymentStore) CountByStatus(ctx context.Context, status domain.Status) (int64, error) {
	var n int64
	if err := s.DB.WithContext(ctx).Model(&domain.Payment{}).Where("status = ?", status).Count(&n).Error; err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

// DeleteTerminal removes records in a terminal status that closed before the
// given instant and returns how many rows were deleted.
func (s *PaymentStore) DeleteTerminal(ctx context.Context, status domain.Status, before time.Time) (int64, error) {
	if !status.Terminal() {
		return 0, fmt.Errorf("%w: %s", ErrNotTerminal, status)
	}
	res := s.DB.WithContext(ctx).
		Where("status = ? AND "+closedColumn(status)+" < ?", status, before.UTC()).
		Delete(&domain.Payment{})
	if res.Error != nil {
		return 0, unavailable(res.Error)
	}
	return res.RowsAffected, nil
}

func preparePayment(p *domain.Payment, now time.Time) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.CreatedAt
	p.Status = domain.StatusPending
	p.Delivery = domain.DeliveryPending
}

func checkTransition(expected, next domain.Status) error {
	if expected == next || domain.CanTransition(expected, next) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, expected, next)
}

// applyMutation runs mutate on a copy of cur and restores the immutable
// fields afterwards.
func applyMutation(cur domain.Payment, next domain.Status, mutate Mutator, now time.Time) domain.Payment {
	p := cur
	if mutate != nil {
		mutate(&p)
	}
	p.ID = cur.ID
	p.ChatID = cur.ChatID
	p.Method = cur.Method
	p.Amount = cur.Amount
	p.Address = cur.Address
	p.CreatedAt = cur.CreatedAt
	p.Status = next
	p.UpdatedAt = now

	switch {
	case cur.Status == next:
	case next == domain.StatusConfirmed && p.ConfirmedAt == nil:
		p.ConfirmedAt = &now
	case next == domain.StatusFulfilled && p.FulfilledAt == nil:
		p.FulfilledAt = &now
	case (next == domain.StatusExpired || next == domain.StatusFailed) && p.ClosedAt == nil:
		p.ClosedAt = &now
	}
	return p
}

func mutableColumns(p domain.Payment) map[string]any {
	return map[string]any{
		"status":         p.Status,
		"message_id":     p.MessageID,
		"baseline":       p.Baseline,
		"delivery":       p.Delivery,
		"failure_reason": p.FailureReason,
		"updated_at":     p.UpdatedAt,
		"confirmed_at":   p.ConfirmedAt,
		"fulfilled_at":   p.FulfilledAt,
		"closed_at":      p.ClosedAt,
	}
}

func closedColumn(status domain.Status) string {
	if status == domain.StatusFulfilled {
		return "fulfilled_at"
	}
	return "closed_at"
}

func unavailable(err error) error {
	if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
