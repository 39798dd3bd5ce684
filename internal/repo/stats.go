package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-keyshop-backend/internal/domain"
)

// PaymentsStats reports how many payments are in status (every payment when
// status is empty) and when the most recently changed one was updated. The
// pair versions the admin listing: any transition bumps one of them.
// latest is nil when nothing matches.
func PaymentsStats(ctx context.Context, db *gorm.DB, status domain.Status) (n int64, latest *time.Time, err error) {
	inStatus := func(tx *gorm.DB) *gorm.DB {
		tx = tx.Model(&domain.Payment{})
		if status != "" {
			tx = tx.Where("status = ?", status)
		}
		return tx
	}
	db = db.WithContext(ctx)

	if err := db.Scopes(inStatus).Count(&n).Error; err != nil {
		return 0, nil, err
	}
	if n == 0 {
		return 0, nil, nil
	}

	// SQLite hands MAX(updated_at) back as TEXT; read the newest row instead.
	var newest domain.Payment
	if err := db.Scopes(inStatus).Select("updated_at").Order("updated_at DESC").Take(&newest).Error; err != nil {
		return 0, nil, err
	}
	ts := newest.UpdatedAt
	return n, &ts, nil
}
