package domain

import "time"

// Idempotency records the payment produced for a (chat_id, key) pair so that a
// retried create request returns the original payment instead of quoting a
// second one.
type Idempotency struct {
	ID        string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	ChatID    string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_chat_key,priority:1"`
	Key       string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_chat_key,priority:2"`
	PaymentID string    `gorm:"type:TEXT NOT NULL"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
