package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-keyshop-backend/internal/domain"
	"github.com/tbourn/go-keyshop-backend/internal/http/middleware"
	"github.com/tbourn/go-keyshop-backend/internal/services"
	"github.com/tbourn/go-keyshop-backend/internal/utils"
)

type fakeService struct {
	mu         sync.Mutex
	payments   map[string]*domain.Payment
	order      []string
	created    int
	createErr  error
	confirmErr error
}

func newFakeService() *fakeService {
	return &fakeService{payments: map[string]*domain.Payment{}}
}

func (f *fakeService) AvailableMethods() []domain.Method {
	return []domain.Method{domain.MethodETH, domain.MethodUSDT}
}

func (f *fakeService) CreatePayment(_ context.Context, chatID, method string) (*domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	m, err := domain.ParseMethod(method)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", services.ErrInvalidMethod, method)
	}
	f.created++
	p := &domain.Payment{
		ID: uuid.NewString(), ChatID: chatID, Method: m,
		Amount: decimal.RequireFromString("0.0025"), Address: "0xabc",
		Status: domain.StatusPending, Delivery: domain.DeliveryPending,
		CreatedAt: time.Now().UTC(),
	}
	f.payments[p.ID] = p
	f.order = append(f.order, p.ID)
	return p, nil
}

func (f *fakeService) GetPayment(_ context.Context, id string) (*domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return nil, services.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeService) ConfirmPayment(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return false, services.ErrPaymentNotFound
	}
	if p.Status != domain.StatusPending {
		return false, nil
	}
	p.Status = domain.StatusFulfilled
	if f.confirmErr != nil {
		p.Delivery = domain.DeliveryFailed
		return true, f.confirmErr
	}
	p.Delivery = domain.DeliveryDelivered
	return true, nil
}

func (f *fakeService) GetStats(context.Context) (services.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var st services.Stats
	for _, p := range f.payments {
		switch p.Status {
		case domain.StatusPending:
			st.PendingCount++
		case domain.StatusConfirmed, domain.StatusFulfilled:
			st.PaidCount++
		}
	}
	return st, nil
}

func (f *fakeService) ListPayments(_ context.Context, status string, page, size int) ([]domain.Payment, int64, error) {
	st, err := services.ParseStatus(status)
	if err != nil {
		return nil, 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []domain.Payment
	for _, id := range f.order {
		if p := f.payments[id]; p.Status == st {
			all = append(all, *p)
		}
	}
	return utils.Paginate(all, page, size), int64(len(all)), nil
}

type fakeIdem struct {
	mu   sync.Mutex
	recs map[string]string
}

func (f *fakeIdem) Lookup(_ context.Context, chatID, key string, _ time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recs[chatID+"|"+key], nil
}

func (f *fakeIdem) Remember(_ context.Context, chatID, key, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[chatID+"|"+key] = id
	return nil
}

func newTestRouter(svc *fakeService, stats StatsFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := New(svc, &fakeIdem{recs: map[string]string{}}, stats)
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.IdempotencyKey(middleware.IdempotencyOptions{}, nil))
	r.GET("/methods", h.ListMethods)
	r.POST("/payments", h.CreatePayment)
	r.GET("/payments/:id", h.GetPayment)
	r.POST("/admin/payments/:id/confirm", h.ConfirmPayment)
	r.GET("/admin/stats", h.Stats)
	r.GET("/admin/payments", h.ListPayments)
	return r
}

func do(r http.Handler, method, url, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func TestCreatePayment(t *testing.T) {
	svc := newFakeService()
	r := newTestRouter(svc, nil)

	w := do(r, http.MethodPost, "/payments", `{"chat_id":"c1","method":"eth"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d %s", w.Code, w.Body.String())
	}
	p := decode[map[string]any](t, w)
	if p["method"] != "ETH" || p["status"] != "pending" || p["amount_display"] != "0.00250000" || p["address"] != "0xabc" {
		t.Fatalf("body = %v", p)
	}
	if _, leaked := p["MessageID"]; leaked {
		t.Fatalf("message id must not be exposed")
	}
	if !strings.HasSuffix(w.Header().Get("Location"), "/"+p["id"].(string)) {
		t.Fatalf("Location = %q", w.Header().Get("Location"))
	}
}

func TestCreatePayment_BadInput(t *testing.T) {
	r := newTestRouter(newFakeService(), nil)
	cases := []struct {
		name, body string
		hdr        map[string]string
		code       int
		errCode    string
	}{
		{"invalid json", `{`, nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"missing method", `{"chat_id":"c1"}`, nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"unknown method", `{"chat_id":"c1","method":"DOGE"}`, nil, http.StatusBadRequest, ErrCodeInvalidMethod},
		{"chat header mismatch", `{"chat_id":"c1","method":"ETH"}`, map[string]string{middleware.HeaderChatID: "c2"}, http.StatusBadRequest, ErrCodeBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/payments", tc.body, tc.hdr)
			if w.Code != tc.code || decode[ErrorResponse](t, w).Code != tc.errCode {
				t.Fatalf("got %d %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestCreatePayment_ServiceErrors(t *testing.T) {
	svc := newFakeService()
	r := newTestRouter(svc, nil)

	svc.createErr = fmt.Errorf("%w: %w", services.ErrPricingUnavailable, context.DeadlineExceeded)
	if w := do(r, http.MethodPost, "/payments", `{"chat_id":"c1","method":"ETH"}`, nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("pricing outage = %d", w.Code)
	}
	svc.createErr = services.ErrMethodUnavailable
	if w := do(r, http.MethodPost, "/payments", `{"chat_id":"c1","method":"BTC"}`, nil); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unconfigured method = %d", w.Code)
	}
}

func TestCreatePayment_IdempotentReplay(t *testing.T) {
	svc := newFakeService()
	r := newTestRouter(svc, nil)
	hdr := map[string]string{middleware.HeaderIdempotencyKey: "order-1"}

	first := do(r, http.MethodPost, "/payments", `{"chat_id":"c1","method":"ETH"}`, hdr)
	second := do(r, http.MethodPost, "/payments", `{"chat_id":"c1","method":"ETH"}`, hdr)
	if first.Code != http.StatusCreated || second.Code != http.StatusOK {
		t.Fatalf("codes = %d, %d", first.Code, second.Code)
	}
	if second.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("replay header missing")
	}
	a, b := decode[map[string]any](t, first), decode[map[string]any](t, second)
	if a["id"] != b["id"] || svc.created != 1 {
		t.Fatalf("replay created a second payment: %v vs %v (created=%d)", a["id"], b["id"], svc.created)
	}

	// Same key, different chat: independent.
	if w := do(r, http.MethodPost, "/payments", `{"chat_id":"c2","method":"ETH"}`, hdr); w.Code != http.StatusCreated {
		t.Fatalf("other chat = %d", w.Code)
	}
}

func TestGetPayment(t *testing.T) {
	svc := newFakeService()
	r := newTestRouter(svc, nil)
	p, _ := svc.CreatePayment(context.Background(), "c1", "USDT")

	if w := do(r, http.MethodGet, "/payments/not-a-uuid", "", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id = %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/payments/"+uuid.NewString(), "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown id = %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/payments/"+p.ID, "", map[string]string{middleware.HeaderChatID: "intruder"}); w.Code != http.StatusNotFound {
		t.Fatalf("foreign chat = %d", w.Code)
	}
	w := do(r, http.MethodGet, "/payments/"+p.ID, "", map[string]string{middleware.HeaderChatID: "c1"})
	if w.Code != http.StatusOK || decode[map[string]any](t, w)["id"] != p.ID {
		t.Fatalf("get = %d %s", w.Code, w.Body.String())
	}
}

func TestListMethods(t *testing.T) {
	r := newTestRouter(newFakeService(), nil)
	w := do(r, http.MethodGet, "/methods", "", nil)
	if got := decode[MethodsResponse](t, w); len(got.Methods) != 2 || got.Methods[0] != domain.MethodETH {
		t.Fatalf("methods = %+v", got)
	}
}
