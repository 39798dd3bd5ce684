package domain

import "time"

// KeyReady announces that a key was provisioned and handed to the payer.
// It never carries the key itself.
type KeyReady struct {
	PaymentID string    `json:"payment_id"`
	ChatID    string    `json:"chat_id"`
	At        time.Time `json:"at"`
}

// SaleRecorded is the bookkeeping event for a completed sale.
type SaleRecorded struct {
	PaymentID string    `json:"payment_id"`
	ChatID    string    `json:"chat_id"`
	Method    Method    `json:"method"`
	Amount    string    `json:"amount"`
	Address   string    `json:"address"`
	At        time.Time `json:"at"`
}
