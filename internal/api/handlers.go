// Package api exposes the matching core over HTTP. Authentication is handled
// upstream; requests carry the owner id directly.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ccqtrade/engine/internal/exchange"
	"github.com/ccqtrade/engine/internal/maturity"
	"github.com/ccqtrade/engine/internal/models"
	"github.com/ccqtrade/engine/internal/navcalc"
)

// Store is the persistence the handlers need.
type Store interface {
	CreateOrder(ctx context.Context, o *models.Order) (*models.Order, error)
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	UpdateOrderFill(ctx context.Context, o *models.Order) error
	CancelOrder(ctx context.Context, orderID, ownerID int64) error
	OwnerOrders(ctx context.Context, ownerID int64) ([]models.Order, error)
	CreateMatchedPair(ctx context.Context, p *models.MatchedPair) (*models.MatchedPair, error)
	FundPairs(ctx context.Context, fundID string, limit int) ([]models.MatchedPair, error)
	UpsertFundQuote(ctx context.Context, q *models.FundQuote) error
	FundQuote(ctx context.Context, fundID string, date time.Time) (*models.FundQuote, error)
	OwnerNotifications(ctx context.Context, ownerID int64) ([]models.MaturityNotification, error)
}

// Lifecycle is the maturity manager surface the handlers trigger.
type Lifecycle interface {
	Scan(ctx context.Context, today time.Time) (int, error)
	Confirm(ctx context.Context, notificationID int64) (*models.MaturityNotification, error)
	Reject(ctx context.Context, notificationID int64) (*models.MaturityNotification, error)
	ExpireStale(ctx context.Context, today time.Time) (int64, error)
}

// Handler contains dependencies for HTTP handlers.
type Handler struct {
	Store     Store
	Engine    *exchange.Engine
	Lifecycle Lifecycle
	Log       *zap.Logger

	// MarketMakerOwner is the owner id counter orders are booked under.
	MarketMakerOwner int64
	// OnBookChange, when set, is called after committed changes to a fund's
	// book so the server can push feed updates. Never called mid-match.
	OnBookChange func(fundID string)
}

// NewHandler creates a new handler.
func NewHandler(store Store, engine *exchange.Engine, lifecycle Lifecycle, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Store: store, Engine: engine, Lifecycle: lifecycle, Log: log}
}

// Routes mounts the handler on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/orders", h.PlaceOrder)
	r.Get("/orders", h.GetOwnerOrders)
	r.Get("/orders/{id}/metrics", h.GetOrderMetrics)
	r.Delete("/orders/{id}", h.CancelOrder)
	r.Get("/orderbook/{fund}", h.GetOrderBook)
	r.Get("/pairs", h.GetFundPairs)
	r.Put("/funds/{fund}/quote", h.UpsertQuote)
	r.Get("/funds/{fund}/quote", h.GetQuote)
	r.Post("/maturities/scan", h.ScanMaturities)
	r.Post("/maturities/expire", h.ExpireMaturities)
	r.Post("/maturities/{id}/confirm", h.ConfirmMaturity)
	r.Post("/maturities/{id}/reject", h.RejectMaturity)
	r.Get("/maturities", h.GetOwnerNotifications)
}

// persistResult writes a match result's pairs and order updates. The match
// is already committed in memory; persistence faults are logged, not bounced
// back to the investor.
func (h *Handler) persistResult(ctx context.Context, res exchange.Result) []models.MatchedPair {
	for i := range res.Pairs {
		if _, err := h.Store.CreateMatchedPair(ctx, &res.Pairs[i]); err != nil {
			h.Log.Error("persist matched pair failed", zap.Error(err))
		}
	}
	for i := range res.Updated {
		if err := h.Store.UpdateOrderFill(ctx, &res.Updated[i]); err != nil {
			h.Log.Error("persist order fill failed", zap.Int64("order", res.Updated[i].ID), zap.Error(err))
		}
	}
	return res.Pairs
}

// PlaceOrder persists a new order, runs it through the matching engine and,
// when liquidity is requested and a remainder is left, has the market maker
// absorb it through the same path.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FundID       string  `json:"fund_id"`
		OwnerID      int64   `json:"owner_id"`
		Side         string  `json:"side"`
		Price        float64 `json:"price"`
		Quantity     float64 `json:"quantity"`
		TermMonths   int     `json:"term_months"`
		InterestRate float64 `json:"interest_rate"`
		Liquidity    bool    `json:"liquidity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.Side != string(models.SideBuy) && req.Side != string(models.SideSell) {
		http.Error(w, `{"error": "Side must be 'buy' or 'sell'"}`, http.StatusBadRequest)
		return
	}
	if req.FundID == "" || req.OwnerID == 0 {
		http.Error(w, `{"error": "Fund and owner required"}`, http.StatusBadRequest)
		return
	}
	if req.Price <= 0 || req.Quantity <= 0 {
		http.Error(w, `{"error": "Price and quantity must be positive"}`, http.StatusBadRequest)
		return
	}

	order := &models.Order{
		FundID:       req.FundID,
		OwnerID:      req.OwnerID,
		Side:         models.Side(req.Side),
		Price:        req.Price,
		Quantity:     req.Quantity,
		TermMonths:   req.TermMonths,
		InterestRate: req.InterestRate,
		Source:       models.SourceInvestor,
		Status:       models.OrderStatusPending,
	}

	order, err := h.Store.CreateOrder(r.Context(), order)
	if err != nil {
		http.Error(w, `{"error": "Failed to create order"}`, http.StatusInternalServerError)
		return
	}

	// Work off the result's snapshot from here: the submitted pointer now
	// belongs to the book and mutates under later passes.
	res := h.Engine.Submit(order)
	placed := res.Order
	pairs := h.persistResult(r.Context(), res)

	if req.Liquidity && placed.Remaining() > 0 && placed.Status == models.OrderStatusPending {
		pairs = append(pairs, h.absorbRemainder(r.Context(), &placed)...)
	}

	if h.OnBookChange != nil {
		h.OnBookChange(placed.FundID)
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"order":   placed,
		"matches": pairs,
	})
}

// absorbRemainder generates and submits the market maker's counter order for
// whatever is left of the investor's order. The passed snapshot is refreshed
// with the investor order's state after the counter pass.
func (h *Handler) absorbRemainder(ctx context.Context, order *models.Order) []models.MatchedPair {
	quote, err := h.Store.FundQuote(ctx, order.FundID, time.Now())
	if err != nil {
		h.Log.Warn("no fund quote, remainder not absorbed",
			zap.String("fund", order.FundID), zap.Error(err))
		return nil
	}

	counter := exchange.CounterOrder(order, *quote, h.MarketMakerOwner, time.Now())
	if counter == nil {
		return nil
	}
	counter, err = h.Store.CreateOrder(ctx, counter)
	if err != nil {
		h.Log.Error("persist counter order failed", zap.Error(err))
		return nil
	}
	res := h.Engine.Submit(counter)
	for i := range res.Updated {
		if res.Updated[i].ID == order.ID {
			*order = res.Updated[i]
		}
	}
	return h.persistResult(ctx, res)
}

// GetOwnerOrders retrieves an owner's orders.
func (h *Handler) GetOwnerOrders(w http.ResponseWriter, r *http.Request) {
	ownerID, err := strconv.ParseInt(r.URL.Query().Get("owner_id"), 10, 64)
	if err != nil {
		http.Error(w, `{"error": "Invalid owner id"}`, http.StatusBadRequest)
		return
	}
	orders, err := h.Store.OwnerOrders(r.Context(), ownerID)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve orders"}`, http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(orders)
}

// GetOrderMetrics computes the settlement metrics for a purchase order.
func (h *Handler) GetOrderMetrics(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, `{"error": "Invalid order ID"}`, http.StatusBadRequest)
		return
	}
	order, err := h.Store.GetOrder(r.Context(), orderID)
	if err != nil {
		http.Error(w, `{"error": "Order not found"}`, http.StatusNotFound)
		return
	}

	metrics := navcalc.Compute(navcalc.Input{
		PurchaseDate:        order.CreatedAt,
		TermMonths:          order.TermMonths,
		Units:               order.Quantity,
		PricePerUnit:        order.Price,
		InterestRatePercent: order.InterestRate,
	})
	json.NewEncoder(w).Encode(metrics)
}

// CancelOrder cancels a pending order; already matched fills stay valid.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, `{"error": "Invalid order ID"}`, http.StatusBadRequest)
		return
	}
	ownerID, err := strconv.ParseInt(r.URL.Query().Get("owner_id"), 10, 64)
	if err != nil {
		http.Error(w, `{"error": "Invalid owner id"}`, http.StatusBadRequest)
		return
	}

	order, err := h.Store.GetOrder(r.Context(), orderID)
	if err != nil {
		http.Error(w, `{"error": "Order not found"}`, http.StatusNotFound)
		return
	}
	if err := h.Store.CancelOrder(r.Context(), orderID, ownerID); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "Failed to cancel order: " + err.Error(),
		})
		return
	}
	if _, ok := h.Engine.Cancel(order.FundID, orderID); !ok {
		// Not resting is non-fatal; the database row is the source of truth.
		h.Log.Info("cancelled order was not resting on the book", zap.Int64("order", orderID))
	}
	if h.OnBookChange != nil {
		h.OnBookChange(order.FundID)
	}

	json.NewEncoder(w).Encode(map[string]string{"message": "Order cancelled"})
}

// GetOrderBook returns both sides of a fund's book in priority order.
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	fundID := chi.URLParam(r, "fund")
	buys, sells := h.Engine.Snapshot(fundID)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"fund_id":     fundID,
		"buy_orders":  buys,
		"sell_orders": sells,
	})
}

// GetFundPairs retrieves a fund's matched pairs for reporting.
func (h *Handler) GetFundPairs(w http.ResponseWriter, r *http.Request) {
	fundID := r.URL.Query().Get("fund_id")
	if fundID == "" {
		http.Error(w, `{"error": "Fund id required"}`, http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	pairs, err := h.Store.FundPairs(r.Context(), fundID, limit)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve pairs"}`, http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(pairs)
}

// UpsertQuote stores the day's reference pricing for a fund.
func (h *Handler) UpsertQuote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QuoteDate           string  `json:"quote_date"`
		OpeningAveragePrice float64 `json:"opening_average_price"`
		CapitalCostPercent  float64 `json:"capital_cost_percent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.OpeningAveragePrice <= 0 {
		http.Error(w, `{"error": "Opening average price must be positive"}`, http.StatusBadRequest)
		return
	}
	day := time.Now()
	if req.QuoteDate != "" {
		parsed, err := time.Parse("2006-01-02", req.QuoteDate)
		if err != nil {
			http.Error(w, `{"error": "Invalid quote date"}`, http.StatusBadRequest)
			return
		}
		day = parsed
	}

	quote := &models.FundQuote{
		FundID:              chi.URLParam(r, "fund"),
		QuoteDate:           day,
		OpeningAveragePrice: req.OpeningAveragePrice,
		CapitalCostPercent:  req.CapitalCostPercent,
	}
	if err := h.Store.UpsertFundQuote(r.Context(), quote); err != nil {
		http.Error(w, `{"error": "Failed to store quote"}`, http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(quote)
}

// GetQuote returns the latest quote for a fund.
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	quote, err := h.Store.FundQuote(r.Context(), chi.URLParam(r, "fund"), time.Now())
	if err != nil {
		http.Error(w, `{"error": "Quote not found"}`, http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(quote)
}

// ScanMaturities triggers the maturity scan, defaulting to today.
func (h *Handler) ScanMaturities(w http.ResponseWriter, r *http.Request) {
	day := time.Now()
	var req struct {
		Date string `json:"date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Date != "" {
		parsed, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			http.Error(w, `{"error": "Invalid date"}`, http.StatusBadRequest)
			return
		}
		day = parsed
	}

	sent, err := h.Lifecycle.Scan(r.Context(), day)
	if err != nil {
		h.Log.Error("maturity scan failed", zap.Error(err))
		http.Error(w, `{"error": "Scan failed"}`, http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]int{"sent": sent})
}

// ExpireMaturities sweeps stale pending notifications.
func (h *Handler) ExpireMaturities(w http.ResponseWriter, r *http.Request) {
	count, err := h.Lifecycle.ExpireStale(r.Context(), time.Now())
	if err != nil {
		http.Error(w, `{"error": "Expire sweep failed"}`, http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]int64{"expired": count})
}

// ConfirmMaturity turns a pending notification into a sell order.
func (h *Handler) ConfirmMaturity(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, `{"error": "Invalid notification ID"}`, http.StatusBadRequest)
		return
	}

	n, err := h.Lifecycle.Confirm(r.Context(), id)
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	if h.OnBookChange != nil {
		h.OnBookChange(n.FundID)
	}
	json.NewEncoder(w).Encode(n)
}

// RejectMaturity closes a pending notification without creating an order.
func (h *Handler) RejectMaturity(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, `{"error": "Invalid notification ID"}`, http.StatusBadRequest)
		return
	}

	n, err := h.Lifecycle.Reject(r.Context(), id)
	if err != nil {
		h.writeLifecycleError(w, err)
		return
	}
	json.NewEncoder(w).Encode(n)
}

// GetOwnerNotifications lists an owner's maturity notifications.
func (h *Handler) GetOwnerNotifications(w http.ResponseWriter, r *http.Request) {
	ownerID, err := strconv.ParseInt(r.URL.Query().Get("owner_id"), 10, 64)
	if err != nil {
		http.Error(w, `{"error": "Invalid owner id"}`, http.StatusBadRequest)
		return
	}
	notifications, err := h.Store.OwnerNotifications(r.Context(), ownerID)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve notifications"}`, http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(notifications)
}

func (h *Handler) writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, maturity.ErrAlreadyProcessed):
		http.Error(w, `{"error": "Notification already processed"}`, http.StatusConflict)
	case errors.Is(err, maturity.ErrNoSellableUnits):
		http.Error(w, `{"error": "No sellable units"}`, http.StatusUnprocessableEntity)
	case errors.Is(err, maturity.ErrNoReferencePrice):
		http.Error(w, `{"error": "No reference price for fund"}`, http.StatusConflict)
	default:
		h.Log.Error("maturity operation failed", zap.Error(err))
		http.Error(w, `{"error": "Operation failed"}`, http.StatusInternalServerError)
	}
}
