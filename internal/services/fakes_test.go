package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tbourn/go-keyshop-backend/internal/domain"
	"github.com/tbourn/go-keyshop-backend/internal/rails"
	"github.com/tbourn/go-keyshop-backend/internal/repo"
)

type fakeOracle struct {
	mu     sync.Mutex
	prices map[domain.Method]decimal.Decimal
	err    error
}

func (o *fakeOracle) GetUSDPrice(_ context.Context, m domain.Method) (decimal.Decimal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return decimal.Zero, o.err
	}
	p, ok := o.prices[m]
	if !ok {
		return decimal.Zero, errors.New("no price")
	}
	return p, nil
}

type sentMessage struct {
	ChatID string
	Text   string
	Edit   bool
}

type fakeNotifier struct {
	mu   sync.Mutex
	next int
	msgs []sentMessage
	fail bool
}

func (n *fakeNotifier) SendMessage(_ context.Context, chatID, text string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return "", errors.New("telegram down")
	}
	n.next++
	n.msgs = append(n.msgs, sentMessage{ChatID: chatID, Text: text})
	return strconv.Itoa(n.next), nil
}

func (n *fakeNotifier) EditMessage(_ context.Context, chatID, _ string, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("telegram down")
	}
	n.msgs = append(n.msgs, sentMessage{ChatID: chatID, Text: text, Edit: true})
	return nil
}

// count returns how many messages to chatID contain substr.
func (n *fakeNotifier) count(chatID, substr string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, m := range n.msgs {
		if m.ChatID == chatID && strings.Contains(m.Text, substr) {
			c++
		}
	}
	return c
}

type fakeProvisioner struct {
	calls atomic.Int32
	err   error
	delay time.Duration
}

func (p *fakeProvisioner) CreateKey(ctx context.Context) (string, error) {
	n := p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if p.err != nil {
		return "", p.err
	}
	return fmt.Sprintf("ss://key-%d@vpn:443", n), nil
}

type fakeEvents struct {
	mu    sync.Mutex
	ready []domain.KeyReady
	sales []domain.SaleRecorded
}

func (f *fakeEvents) PublishKeyReady(_ context.Context, ev domain.KeyReady) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = append(f.ready, ev)
	return nil
}

func (f *fakeEvents) PublishSaleRecorded(_ context.Context, ev domain.SaleRecorded) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sales = append(f.sales, ev)
	return nil
}

// balance is a settable BalanceSource.
type balance struct {
	mu    sync.Mutex
	val   decimal.Decimal
	calls int
}

func (b *balance) Balance(context.Context, string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return b.val, nil
}

func (b *balance) set(s string) {
	b.mu.Lock()
	b.val = decimal.RequireFromString(s)
	b.mu.Unlock()
}

func (b *balance) sampled() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// flakyStore fails the first n transitions with a retryable error.
type flakyStore struct {
	*repo.MemoryStore
	failures atomic.Int32
}

func (s *flakyStore) TransitionIfStatus(ctx context.Context, id string, expected, next domain.Status, mutate repo.Mutator) (bool, *domain.Payment, error) {
	if s.failures.Add(-1) >= 0 {
		return false, nil, fmt.Errorf("%w: database is locked", repo.ErrStoreUnavailable)
	}
	return s.MemoryStore.TransitionIfStatus(ctx, id, expected, next, mutate)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

const (
	adminChat = "admin"
	btcAddr   = "bc1qexampleaddress"
	ethAddr   = "0x1111111111111111111111111111111111111111"
)

var fastRetry = RetryPolicy{Initial: time.Millisecond, Max: 5 * time.Millisecond, MaxTries: 5}

type harness struct {
	engine *Engine
	store  *repo.MemoryStore
	oracle *fakeOracle
	notes  *fakeNotifier
	prov   *fakeProvisioner
	events *fakeEvents
	eth    *balance
	usdt   *balance
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: repo.NewMemoryStore(),
		oracle: &fakeOracle{prices: map[domain.Method]decimal.Decimal{
			domain.MethodBTC:  decimal.NewFromInt(50000),
			domain.MethodETH:  decimal.NewFromInt(2000),
			domain.MethodUSDT: decimal.RequireFromString("1.0002"),
		}},
		notes:  &fakeNotifier{},
		prov:   &fakeProvisioner{},
		events: &fakeEvents{},
		eth:    &balance{},
		usdt:   &balance{},
	}
	fast := rails.Schedule{First: time.Millisecond, Interval: 2 * time.Millisecond, MaxFailures: 3, CallTimeout: time.Second}
	slow := rails.Schedule{First: time.Hour, Interval: time.Hour}

	h.engine = &Engine{
		Store:    h.store,
		Oracle:   h.oracle,
		Notifier: h.notes,
		Fulfiller: &Fulfiller{
			Store:       h.store,
			Provisioner: h.prov,
			Notifier:    h.notes,
			Events:      h.events,
			AdminChatID: adminChat,
			Retry:       fastRetry,
		},
		Verifiers: map[domain.Method]Verifier{
			domain.MethodBTC:  &rails.Rail{Method: domain.MethodBTC, Schedule: slow},
			domain.MethodETH:  &rails.Rail{Method: domain.MethodETH, Source: h.eth, Schedule: fast},
			domain.MethodUSDT: &rails.Rail{Method: domain.MethodUSDT, Source: h.usdt, Schedule: fast},
		},
		Addresses: map[domain.Method]string{
			domain.MethodBTC:  btcAddr,
			domain.MethodETH:  ethAddr,
			domain.MethodUSDT: ethAddr,
		},
		PriceUSD:    decimal.NewFromInt(5),
		AdminChatID: adminChat,
		Tasks:       NewTaskSet(context.Background()),
		Retry:       fastRetry,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.engine.Shutdown(ctx)
	})
	return h
}

func (h *harness) status(t *testing.T, id string) domain.Status {
	t.Helper()
	p, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return p.Status
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
