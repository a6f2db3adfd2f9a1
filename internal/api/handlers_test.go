package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccqtrade/engine/internal/exchange"
	"github.com/ccqtrade/engine/internal/maturity"
	"github.com/ccqtrade/engine/internal/models"
)

type memStore struct {
	mu        sync.Mutex
	orders    map[int64]*models.Order
	pairs     []models.MatchedPair
	quotes    map[string]*models.FundQuote
	nextID    int64
	cancelErr error
}

func newMemStore() *memStore {
	return &memStore{
		orders: make(map[int64]*models.Order),
		quotes: make(map[string]*models.FundQuote),
	}
}

func (s *memStore) CreateOrder(_ context.Context, o *models.Order) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.Price <= 0 || o.Quantity <= 0 {
		return nil, fmt.Errorf("invalid order")
	}
	s.nextID++
	o.ID = s.nextID
	o.CreatedAt = time.Now()
	cp := *o
	s.orders[cp.ID] = &cp
	return o, nil
}

func (s *memStore) GetOrder(_ context.Context, id int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order not found")
	}
	cp := *o
	return &cp, nil
}

func (s *memStore) UpdateOrderFill(_ context.Context, o *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.orders[cp.ID] = &cp
	return nil
}

func (s *memStore) CancelOrder(_ context.Context, orderID, ownerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelErr != nil {
		return s.cancelErr
	}
	o, ok := s.orders[orderID]
	if !ok || o.OwnerID != ownerID {
		return fmt.Errorf("order not found or not owned by user")
	}
	if o.Status != models.OrderStatusPending {
		return fmt.Errorf("order not pending")
	}
	o.Status = models.OrderStatusCancelled
	return nil
}

func (s *memStore) OwnerOrders(_ context.Context, ownerID int64) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, o := range s.orders {
		if o.OwnerID == ownerID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *memStore) CreateMatchedPair(_ context.Context, p *models.MatchedPair) (*models.MatchedPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = int64(len(s.pairs) + 1)
	s.pairs = append(s.pairs, *p)
	return p, nil
}

func (s *memStore) FundPairs(_ context.Context, fundID string, _ int) ([]models.MatchedPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MatchedPair
	for _, p := range s.pairs {
		if p.FundID == fundID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) UpsertFundQuote(_ context.Context, q *models.FundQuote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *q
	s.quotes[q.FundID] = &cp
	return nil
}

func (s *memStore) FundQuote(_ context.Context, fundID string, _ time.Time) (*models.FundQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[fundID]
	if !ok {
		return nil, fmt.Errorf("quote not found")
	}
	cp := *q
	return &cp, nil
}

func (s *memStore) OwnerNotifications(_ context.Context, _ int64) ([]models.MaturityNotification, error) {
	return nil, nil
}

type stubLifecycle struct {
	confirmErr error
	confirmed  *models.MaturityNotification
}

func (l *stubLifecycle) Scan(_ context.Context, _ time.Time) (int, error) { return 0, nil }
func (l *stubLifecycle) Confirm(_ context.Context, _ int64) (*models.MaturityNotification, error) {
	return l.confirmed, l.confirmErr
}
func (l *stubLifecycle) Reject(_ context.Context, _ int64) (*models.MaturityNotification, error) {
	return l.confirmed, l.confirmErr
}
func (l *stubLifecycle) ExpireStale(_ context.Context, _ time.Time) (int64, error) { return 0, nil }

func newTestServer(t *testing.T) (*memStore, *stubLifecycle, *chi.Mux) {
	t.Helper()
	store := newMemStore()
	lifecycle := &stubLifecycle{}
	engine := exchange.New(exchange.Config{MarketMakerOwner: 1}, nil)
	h := NewHandler(store, engine, lifecycle, nil)
	h.MarketMakerOwner = 1

	r := chi.NewRouter()
	h.Routes(r)
	return store, lifecycle, r
}

func placeOrder(t *testing.T, r http.Handler, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(data))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPlaceOrder_Validation(t *testing.T) {
	_, _, r := newTestServer(t)

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"BadSide", map[string]interface{}{"fund_id": "F1", "owner_id": 1, "side": "hold", "price": 100, "quantity": 10}},
		{"NoFund", map[string]interface{}{"owner_id": 1, "side": "buy", "price": 100, "quantity": 10}},
		{"ZeroPrice", map[string]interface{}{"fund_id": "F1", "owner_id": 1, "side": "buy", "price": 0, "quantity": 10}},
		{"NegativeQuantity", map[string]interface{}{"fund_id": "F1", "owner_id": 1, "side": "buy", "price": 100, "quantity": -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := placeOrder(t, r, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestPlaceOrder_MatchFlow(t *testing.T) {
	store, _, r := newTestServer(t)

	w := placeOrder(t, r, map[string]interface{}{
		"fund_id": "F1", "owner_id": 100, "side": "buy", "price": 10000, "quantity": 100,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = placeOrder(t, r, map[string]interface{}{
		"fund_id": "F1", "owner_id": 200, "side": "sell", "price": 9800, "quantity": 60,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Order   models.Order         `json:"order"`
		Matches []models.MatchedPair `json:"matches"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, 60.0, resp.Matches[0].Quantity)
	assert.Equal(t, 9800.0, resp.Matches[0].Price)

	// Committed state is persisted: the pair and both fills.
	assert.Len(t, store.pairs, 1)
	buy, err := store.GetOrder(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 60.0, buy.FilledQuantity)
	assert.Equal(t, models.OrderStatusPending, buy.Status)
	sell, err := store.GetOrder(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, sell.Status)
}

func TestPlaceOrder_LiquidityAbsorbsRemainder(t *testing.T) {
	store, _, r := newTestServer(t)

	require.NoError(t, store.UpsertFundQuote(context.Background(), &models.FundQuote{
		FundID: "F1", OpeningAveragePrice: 10000, CapitalCostPercent: 2,
	}))

	w := placeOrder(t, r, map[string]interface{}{
		"fund_id": "F1", "owner_id": 200, "side": "sell", "price": 9850, "quantity": 100,
		"liquidity": true,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Matches []models.MatchedPair `json:"matches"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, models.SourceMarketMaker, resp.Matches[0].BuyParty)
	assert.Equal(t, 9850.0, resp.Matches[0].Price)
	assert.Equal(t, 100.0, resp.Matches[0].Quantity)
}

func TestPlaceOrder_LiquidityWithoutQuote(t *testing.T) {
	_, _, r := newTestServer(t)

	w := placeOrder(t, r, map[string]interface{}{
		"fund_id": "F1", "owner_id": 200, "side": "sell", "price": 9850, "quantity": 100,
		"liquidity": true,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Matches []models.MatchedPair `json:"matches"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Matches)
}

func TestCancelOrder(t *testing.T) {
	_, _, r := newTestServer(t)

	w := placeOrder(t, r, map[string]interface{}{
		"fund_id": "F1", "owner_id": 100, "side": "buy", "price": 10000, "quantity": 100,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	req := httptest.NewRequest(http.MethodDelete, "/orders/1?owner_id=100", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// A second cancel hits the terminal-status guard.
	req = httptest.NewRequest(http.MethodDelete, "/orders/1?owner_id=100", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelOrder_ErrorBodyIsValidJSON(t *testing.T) {
	store, _, r := newTestServer(t)

	w := placeOrder(t, r, map[string]interface{}{
		"fund_id": "F1", "owner_id": 100, "side": "buy", "price": 10000, "quantity": 100,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	// Store errors can carry arbitrary text; the response must stay parseable.
	store.cancelErr = fmt.Errorf(`row for order "1" is locked`)
	req := httptest.NewRequest(http.MethodDelete, "/orders/1?owner_id=100", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], `row for order "1" is locked`)
}

func TestGetOrderBook(t *testing.T) {
	_, _, r := newTestServer(t)

	placeOrder(t, r, map[string]interface{}{
		"fund_id": "F1", "owner_id": 100, "side": "buy", "price": 10000, "quantity": 100,
	})

	req := httptest.NewRequest(http.MethodGet, "/orderbook/F1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		BuyOrders  []exchange.BookOrder `json:"buy_orders"`
		SellOrders []exchange.BookOrder `json:"sell_orders"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.BuyOrders, 1)
	assert.Empty(t, resp.SellOrders)
}

func TestConfirmMaturity_ErrorMapping(t *testing.T) {
	_, lifecycle, r := newTestServer(t)

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"AlreadyProcessed", maturity.ErrAlreadyProcessed, http.StatusConflict},
		{"NoSellableUnits", maturity.ErrNoSellableUnits, http.StatusUnprocessableEntity},
		{"NoReferencePrice", maturity.ErrNoReferencePrice, http.StatusConflict},
		{"Other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lifecycle.confirmErr = tt.err
			req := httptest.NewRequest(http.MethodPost, "/maturities/1/confirm", nil)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}

	lifecycle.confirmErr = nil
	lifecycle.confirmed = &models.MaturityNotification{ID: 1, FundID: "F1", State: models.NotificationDone}
	req := httptest.NewRequest(http.MethodPost, "/maturities/1/confirm", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetOrderMetrics(t *testing.T) {
	_, _, r := newTestServer(t)

	placeOrder(t, r, map[string]interface{}{
		"fund_id": "F1", "owner_id": 100, "side": "buy", "price": 10000, "quantity": 500,
		"term_months": 12, "interest_rate": 8,
	})

	req := httptest.NewRequest(http.MethodGet, "/orders/1/metrics", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var metrics struct {
		PurchaseValue float64 `json:"purchase_value"`
		Days          int     `json:"days"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &metrics))
	assert.Equal(t, 5_000_000.0, metrics.PurchaseValue)
	assert.Greater(t, metrics.Days, 300)
}
