package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tbourn/go-keyshop-backend/internal/domain"
	"github.com/tbourn/go-keyshop-backend/internal/rails"
	"github.com/tbourn/go-keyshop-backend/internal/repo"
)

// Store is the authoritative payment record store. Every status change goes
// through TransitionIfStatus.
type Store interface {
	Create(ctx context.Context, p *domain.Payment) (string, error)
	Get(ctx context.Context, id string) (*domain.Payment, error)
	TransitionIfStatus(ctx context.Context, id string, expected, next domain.Status, mutate repo.Mutator) (bool, *domain.Payment, error)
	ListByStatus(ctx context.Context, status domain.Status) ([]domain.Payment, error)
	CountByStatus(ctx context.Context, status domain.Status) (int64, error)
	DeleteTerminal(ctx context.Context, status domain.Status, before time.Time) (int64, error)
}

// PriceOracle quotes the USD price of one unit of a currency.
type PriceOracle interface {
	GetUSDPrice(ctx context.Context, method domain.Method) (decimal.Decimal, error)
}

// Notifier delivers chat messages. Failures are logged by callers and never
// change payment state.
type Notifier interface {
	SendMessage(ctx context.Context, chatID, text string) (string, error)
	EditMessage(ctx context.Context, chatID, messageID, text string) error
}

// Provisioner creates one access key per call.
type Provisioner interface {
	CreateKey(ctx context.Context) (string, error)
}

// EventPublisher emits sale lifecycle events.
type EventPublisher interface {
	PublishKeyReady(ctx context.Context, ev domain.KeyReady) error
	PublishSaleRecorded(ctx context.Context, ev domain.SaleRecorded) error
}

// Verifier watches one payment on its rail until it is decided.
type Verifier interface {
	Watch(ctx context.Context, p domain.Payment, h rails.Hooks) error
	// Baseline samples the balance a new payment is measured from.
	Baseline(ctx context.Context, address string) (decimal.Decimal, error)
	Manual() bool
}

var _ Verifier = (*rails.Rail)(nil)
