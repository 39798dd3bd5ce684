package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tbourn/go-keyshop-backend/internal/domain"
)

// MemoryStore is a process-local PaymentStore with the same compare-and-swap
// semantics. It is used by tests and by deployments without a database file.
type MemoryStore struct {
	Now func() time.Time

	mu   sync.Mutex
	recs map[string]domain.Payment
}

// NewMemoryStore returns an empty store using the wall clock.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]domain.Payment)}
}

func (s *MemoryStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Create stores a copy of p.
func (s *MemoryStore) Create(ctx context.Context, p *domain.Payment) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recs == nil {
		s.recs = make(map[string]domain.Payment)
	}
	preparePayment(p, s.now())
	if _, ok := s.recs[p.ID]; ok {
		return "", fmt.Errorf("%w: duplicate id %s", ErrStoreUnavailable, p.ID)
	}
	s.recs[p.ID] = *p
	return p.ID, nil
}

// Get returns a copy of the stored payment.
func (s *MemoryStore) Get(ctx context.Context, id string) (*domain.Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// TransitionIfStatus behaves like PaymentStore.TransitionIfStatus.
func (s *MemoryStore) TransitionIfStatus(ctx context.Context, id string, expected, next domain.Status, mutate Mutator) (bool, *domain.Payment, error) {
	if err := checkTransition(expected, next); err != nil {
		return false, nil, err
	}
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.recs[id]
	if !ok {
		return false, nil, ErrNotFound
	}
	if cur.Status != expected {
		return false, &cur, nil
	}
	updated := applyMutation(cur, next, mutate, s.now())
	s.recs[id] = updated
	return true, &updated, nil
}

// ListByStatus returns copies of all payments in status, oldest first.
func (s *MemoryStore) ListByStatus(ctx context.Context, status domain.Status) ([]domain.Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Payment
	for _, p := range s.recs {
		if p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CountByStatus returns the number of payments in status.
func (s *MemoryStore) CountByStatus(ctx context.Context, status domain.Status) (int64, error) {
	list, err := s.ListByStatus(ctx, status)
	return int64(len(list)), err
}

// DeleteTerminal behaves like PaymentStore.DeleteTerminal.
func (s *MemoryStore) DeleteTerminal(ctx context.Context, status domain.Status, before time.Time) (int64, error) {
	if !status.Terminal() {
		return 0, fmt.Errorf("%w: %s", ErrNotTerminal, status)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, p := range s.recs {
		if p.Status != status {
			continue
		}
		closed := p.ClosedAt
		if status == domain.StatusFulfilled {
			closed = p.FulfilledAt
		}
		if closed != nil && closed.Before(before) {
			delete(s.recs, id)
			n++
		}
	}
	return n, nil
}
