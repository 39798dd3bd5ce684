package rails

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tbourn/go-keyshop-backend/internal/domain"
)

type fakeHooks struct {
	mu        sync.Mutex
	status    domain.Status
	confirms  int
	exhausted error
	notices   []Notice
	baselines []decimal.Decimal
}

func newHooks() *fakeHooks { return &fakeHooks{status: domain.StatusPending} }

func (h *fakeHooks) Status(context.Context, string) (domain.Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, nil
}

func (h *fakeHooks) Confirm(context.Context, string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.confirms++
	if h.status != domain.StatusPending {
		return false, nil
	}
	h.status = domain.StatusConfirmed
	return true, nil
}

func (h *fakeHooks) Exhaust(_ context.Context, _ string, cause error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exhausted = cause
	h.status = domain.StatusFailed
	return nil
}

func (h *fakeHooks) Notify(_ context.Context, _ domain.Payment, n Notice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notices = append(h.notices, n)
}

func (h *fakeHooks) RecordBaseline(_ context.Context, _ string, b decimal.Decimal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.baselines = append(h.baselines, b)
}

func (h *fakeHooks) kinds() []NoticeKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]NoticeKind, len(h.notices))
	for i, n := range h.notices {
		out[i] = n.Kind
	}
	return out
}

// scripted returns successive balances; errors are returned for nil entries.
type scripted struct {
	mu    sync.Mutex
	vals  []*decimal.Decimal
	calls int
}

func (s *scripted) Balance(context.Context, string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.vals) {
		i = len(s.vals) - 1
	}
	if s.vals[i] == nil {
		return decimal.Zero, errors.New("rpc down")
	}
	return *s.vals[i], nil
}

func d(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func fastSchedule() Schedule {
	return Schedule{First: time.Millisecond, Interval: time.Millisecond, MaxFailures: 3, CallTimeout: time.Second}
}

func ethPayment() domain.Payment {
	return domain.Payment{ID: "p1", Method: domain.MethodETH, Amount: decimal.RequireFromString("0.0025"), Address: "0xabc"}
}

func TestWatch_ConfirmsWhenDeltaCoversAmount(t *testing.T) {
	h := newHooks()
	src := &scripted{vals: []*decimal.Decimal{d("1"), d("1"), d("1.003")}}
	r := &Rail{Method: domain.MethodETH, Source: src, Schedule: fastSchedule()}

	if err := r.Watch(context.Background(), ethPayment(), h); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if h.confirms != 1 || h.status != domain.StatusConfirmed {
		t.Fatalf("confirms=%d status=%s", h.confirms, h.status)
	}
	kinds := h.kinds()
	if len(kinds) < 2 || kinds[0] != NoticeChecking || kinds[1] != NoticeWaiting {
		t.Fatalf("notices = %v", kinds)
	}
}

func TestWatch_InsufficientKeepsPolling(t *testing.T) {
	h := newHooks()
	src := &scripted{vals: []*decimal.Decimal{d("0"), d("0.001"), d("0.001"), d("0.0025")}}
	r := &Rail{Method: domain.MethodETH, Source: src, Schedule: fastSchedule()}

	if err := r.Watch(context.Background(), ethPayment(), h); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	var insufficient []Notice
	for _, n := range h.notices {
		if n.Kind == NoticeInsufficient {
			insufficient = append(insufficient, n)
		}
	}
	if len(insufficient) != 2 || !insufficient[0].Received.Equal(decimal.RequireFromString("0.001")) {
		t.Fatalf("insufficient notices = %+v", insufficient)
	}
	if h.status != domain.StatusConfirmed {
		t.Fatalf("expected confirmation once the full amount arrived, status=%s", h.status)
	}
}

func TestWatch_StopsWhenDecidedElsewhere(t *testing.T) {
	h := newHooks()
	h.status = domain.StatusExpired
	src := &scripted{vals: []*decimal.Decimal{d("0"), d("5")}}
	r := &Rail{Method: domain.MethodETH, Source: src, Schedule: fastSchedule()}

	if err := r.Watch(context.Background(), ethPayment(), h); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if h.confirms != 0 {
		t.Fatalf("must not confirm an expired payment")
	}
	if src.calls != 1 {
		t.Fatalf("only the baseline should be sampled, got %d calls", src.calls)
	}
}

func TestWatch_ConsecutiveFailuresExhaust(t *testing.T) {
	h := newHooks()
	src := &scripted{vals: []*decimal.Decimal{d("0"), nil}}
	r := &Rail{Method: domain.MethodUSDT, Source: src, Schedule: fastSchedule()}

	if err := r.Watch(context.Background(), ethPayment(), h); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if !errors.Is(h.exhausted, ErrVerificationExhausted) || !errors.Is(h.exhausted, ErrVerificationTransient) {
		t.Fatalf("exhaust cause = %v", h.exhausted)
	}
	if src.calls != 4 { // baseline + 3 failures
		t.Fatalf("calls = %d", src.calls)
	}
}

func TestWatch_FailureCounterResetsOnSuccess(t *testing.T) {
	h := newHooks()
	src := &scripted{vals: []*decimal.Decimal{d("0"), nil, nil, d("0"), nil, nil, d("1")}}
	r := &Rail{Method: domain.MethodETH, Source: src, Schedule: fastSchedule()}

	if err := r.Watch(context.Background(), ethPayment(), h); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if h.exhausted != nil || h.status != domain.StatusConfirmed {
		t.Fatalf("exhausted=%v status=%s", h.exhausted, h.status)
	}
}

func TestWatch_AttemptCapExhausts(t *testing.T) {
	h := newHooks()
	src := &scripted{vals: []*decimal.Decimal{d("0")}}
	sched := fastSchedule()
	sched.MaxAttempts = 3
	r := &Rail{Method: domain.MethodETH, Source: src, Schedule: sched}

	if err := r.Watch(context.Background(), ethPayment(), h); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if !errors.Is(h.exhausted, ErrVerificationExhausted) {
		t.Fatalf("exhaust cause = %v", h.exhausted)
	}
	if src.calls != 4 {
		t.Fatalf("calls = %d, want baseline + 3", src.calls)
	}
}

func TestWatch_BaselineFailureTakesBaselineLater(t *testing.T) {
	h := newHooks()
	// The late baseline is 2; only growth beyond it counts.
	src := &scripted{vals: []*decimal.Decimal{nil, d("2"), d("2.001"), d("2.0025")}}
	r := &Rail{Method: domain.MethodETH, Source: src, Schedule: fastSchedule()}

	if err := r.Watch(context.Background(), ethPayment(), h); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if h.status != domain.StatusConfirmed || src.calls != 4 {
		t.Fatalf("status=%s calls=%d", h.status, src.calls)
	}
	if len(h.baselines) != 1 || !h.baselines[0].Equal(decimal.NewFromInt(2)) {
		t.Fatalf("recorded baselines = %v", h.baselines)
	}
}

func TestWatch_ResumesFromRecordedBaseline(t *testing.T) {
	h := newHooks()
	// Funds arrived while no watch was running: the first sample already
	// includes them.
	src := &scripted{vals: []*decimal.Decimal{d("10.0025")}}
	r := &Rail{Method: domain.MethodETH, Source: src, Schedule: fastSchedule()}
	p := ethPayment()
	p.Baseline = decimal.NewNullDecimal(decimal.NewFromInt(10))

	if err := r.Watch(context.Background(), p, h); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if h.status != domain.StatusConfirmed || src.calls != 1 {
		t.Fatalf("status=%s calls=%d", h.status, src.calls)
	}
	if len(h.baselines) != 0 {
		t.Fatalf("a recorded baseline must not be replaced: %v", h.baselines)
	}
}

func TestRail_Baseline(t *testing.T) {
	r := &Rail{Method: domain.MethodETH, Source: &scripted{vals: []*decimal.Decimal{d("3"), nil}}, Schedule: fastSchedule()}
	b, err := r.Baseline(context.Background(), "0xabc")
	if err != nil || !b.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("Baseline = %s, %v", b, err)
	}
	if _, err := r.Baseline(context.Background(), "0xabc"); !errors.Is(err, ErrVerificationTransient) {
		t.Fatalf("failed sample err = %v", err)
	}
	manual := &Rail{Method: domain.MethodBTC}
	if _, err := manual.Baseline(context.Background(), "bc1q"); !errors.Is(err, ErrManualRail) {
		t.Fatalf("manual err = %v", err)
	}
}

func TestWatch_ManualRailRemindsUntilCap(t *testing.T) {
	h := newHooks()
	sched := fastSchedule()
	sched.MaxAttempts = 2
	r := &Rail{Method: domain.MethodBTC, Schedule: sched}

	if err := r.Watch(context.Background(), ethPayment(), h); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	kinds := h.kinds()
	want := []NoticeKind{NoticeChecking, NoticeReminder, NoticeReminder}
	if len(kinds) != len(want) {
		t.Fatalf("notices = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("notices = %v", kinds)
		}
	}
	if h.exhausted != nil || h.status != domain.StatusPending {
		t.Fatalf("manual rail must leave the payment pending")
	}
}

func TestWatch_CancelReturnsContextError(t *testing.T) {
	h := newHooks()
	r := &Rail{Method: domain.MethodETH, Source: &scripted{vals: []*decimal.Decimal{d("0")}}, Schedule: Schedule{First: time.Hour, Interval: time.Hour}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx, ethPayment(), h) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Watch did not stop on cancel")
	}
}

type fakeReader struct {
	native *big.Int
	token  *big.Int
	gotTok string
}

func (f *fakeReader) NativeBalance(context.Context, string) (*big.Int, error) { return f.native, nil }
func (f *fakeReader) TokenBalance(_ context.Context, token, _ string) (*big.Int, error) {
	f.gotTok = token
	return f.token, nil
}

func TestSources_ConvertBaseUnits(t *testing.T) {
	wei, _ := new(big.Int).SetString("3000000000000000", 10) // 0.003 ETH
	fr := &fakeReader{native: wei, token: big.NewInt(5_000_000)}

	eth, err := NativeSource{Reader: fr, Decimals: 18}.Balance(context.Background(), "0xabc")
	if err != nil || !eth.Equal(decimal.RequireFromString("0.003")) {
		t.Fatalf("eth = %s, %v", eth, err)
	}
	usdt, err := TokenSource{Reader: fr, Contract: "0xdac", Decimals: 6}.Balance(context.Background(), "0xabc")
	if err != nil || !usdt.Equal(decimal.NewFromInt(5)) || fr.gotTok != "0xdac" {
		t.Fatalf("usdt = %s, %v, token=%q", usdt, err, fr.gotTok)
	}
}
