package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-keyshop-backend/internal/domain"
)

// ErrDuplicate indicates that a live idempotency record already exists for
// the given (chat_id, key) pair.
var ErrDuplicate = errors.New("duplicate")

// GetIdempotency returns the live record for (chatID, key) or ErrNotFound.
// Records whose ExpiresAt is not after now are treated as absent.
func GetIdempotency(ctx context.Context, db *gorm.DB, chatID, key string, now time.Time) (*domain.Idempotency, error) {
	if strings.TrimSpace(chatID) == "" || strings.TrimSpace(key) == "" {
		return nil, ErrNotFound
	}
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("chat_id = ? AND key = ? AND expires_at > ?", chatID, key, now.UTC()).
		Take(&rec).Error
	if err != nil {
		return nil, err // gorm.ErrRecordNotFound is ErrNotFound
	}
	return &rec, nil
}

// CreateIdempotency records that (chatID, key) produced paymentID for ttl.
// An expired record for the same pair that the sweeper has not purged yet
// is taken over; a live one yields ErrDuplicate.
func CreateIdempotency(ctx context.Context, db *gorm.DB, chatID, key, paymentID string, ttl time.Duration) (*domain.Idempotency, error) {
	now := time.Now().UTC()
	rec := &domain.Idempotency{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Key:       key,
		PaymentID: paymentID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	db = db.WithContext(ctx)
	err := db.Create(rec).Error
	if err == nil {
		return rec, nil
	}
	if !isUniqueViolation(err) {
		return nil, err
	}

	res := db.Model(&domain.Idempotency{}).
		Where("chat_id = ? AND key = ? AND expires_at <= ?", chatID, key, now).
		Updates(map[string]any{"payment_id": paymentID, "created_at": now, "expires_at": rec.ExpiresAt})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrDuplicate
	}
	return GetIdempotency(ctx, db, chatID, key, now)
}

// PurgeIdempotency deletes records that expired at or before now.
func PurgeIdempotency(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&domain.Idempotency{})
	return res.RowsAffected, res.Error
}

// isUniqueViolation recognizes the plain-text UNIQUE errors of the pure-Go
// SQLite driver as well as gorm's translated error.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") || strings.Contains(low, "constraint failed: unique")
}
