// Package maturity runs the lifecycle of matured purchase orders: detecting
// maturity, notifying the investor, and turning a confirmation into a new
// sell order on the queue.
//
// Notification states advance only forward:
// draft -> sent -> {confirmed | rejected | expired}, and confirmed -> done
// once the sell order exists. The pending response window is single-shot: a
// store-level check-and-set guarantees at most one sell order per
// notification, even under concurrent retries.
package maturity

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ccqtrade/engine/internal/dateutil"
	"github.com/ccqtrade/engine/internal/exchange"
	"github.com/ccqtrade/engine/internal/models"
	"github.com/ccqtrade/engine/internal/navcalc"
)

var (
	// ErrAlreadyProcessed: the notification's response window is closed.
	ErrAlreadyProcessed = errors.New("maturity notification already processed")
	// ErrNoSellableUnits: a confirm arrived for an order with nothing to sell.
	ErrNoSellableUnits = errors.New("no sellable units on matured order")
	// ErrNoReferencePrice: the inventory subsystem has no usable price.
	ErrNoReferencePrice = errors.New("no reference price for fund")
)

// Store is the persistence the manager needs. SetInvestorResponse is a
// compare-and-set on investor_response == pending; it reports false when the
// window was already consumed.
type Store interface {
	MaturedCandidates(ctx context.Context) ([]models.Order, error)
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	CreateOrder(ctx context.Context, o *models.Order) (*models.Order, error)
	UpdateOrderFill(ctx context.Context, o *models.Order) error
	CreateMatchedPair(ctx context.Context, p *models.MatchedPair) (*models.MatchedPair, error)

	CreateNotification(ctx context.Context, n *models.MaturityNotification) (*models.MaturityNotification, error)
	GetNotification(ctx context.Context, id int64) (*models.MaturityNotification, error)
	MarkNotificationSent(ctx context.Context, id int64, token string) error
	SetInvestorResponse(ctx context.Context, id int64, to models.InvestorResponse, state models.NotificationState, at time.Time) (bool, error)
	CompleteNotification(ctx context.Context, id, sellOrderID int64) error
	ExpireNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Queue is the matching engine the created sell orders re-enter.
type Queue interface {
	Submit(o *models.Order) exchange.Result
}

// PriceSource supplies the inventory subsystem's reference price per fund.
type PriceSource interface {
	ReferencePrice(ctx context.Context, fundID string) (float64, error)
}

// Notifier delivers notification payloads. Delivery is fire-and-forget and
// at-least-once: failures are logged and never roll back state.
type Notifier interface {
	Deliver(ctx context.Context, n models.MaturityNotification) error
}

// Config carries the manager's tunables.
type Config struct {
	// ExpireCutoffDays is how long the response window stays open after the
	// maturity date.
	ExpireCutoffDays int
	// TokenSecret signs confirmation tokens.
	TokenSecret []byte
}

// Manager drives the notification state machine.
type Manager struct {
	cfg      Config
	store    Store
	queue    Queue
	prices   PriceSource
	notifier Notifier
	log      *zap.Logger

	now func() time.Time
}

// New creates a Manager.
func New(cfg Config, store Store, queue Queue, prices PriceSource, notifier Notifier, log *zap.Logger) *Manager {
	if cfg.ExpireCutoffDays <= 0 {
		cfg.ExpireCutoffDays = 7
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{cfg: cfg, store: store, queue: queue, prices: prices, notifier: notifier, log: log}
}

func (m *Manager) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Scan walks the completed purchase orders with a term and, for each one
// maturing today, creates a notification, marks it sent and hands the
// payload to the notifier. Scan does not dedupe against earlier
// notifications for the same order; re-running it on the same day is an
// explicit resend. Returns the number of notifications sent.
func (m *Manager) Scan(ctx context.Context, today time.Time) (int, error) {
	candidates, err := m.store.MaturedCandidates(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "load matured candidates")
	}

	sent := 0
	for i := range candidates {
		o := &candidates[i]
		maturityDate := navcalc.MaturityDate(o.CreatedAt, o.TermMonths)
		if !sameDay(maturityDate, today) {
			continue
		}

		n := &models.MaturityNotification{
			OrderID:          o.ID,
			FundID:           o.FundID,
			OwnerID:          o.OwnerID,
			MaturityDate:     maturityDate,
			State:            models.NotificationDraft,
			InvestorResponse: models.ResponsePending,
			CreatedAt:        m.clock(),
		}
		n, err := m.store.CreateNotification(ctx, n)
		if err != nil {
			return sent, errors.Wrapf(err, "create notification for order %d", o.ID)
		}

		windowEnd := maturityDate.AddDate(0, 0, m.cfg.ExpireCutoffDays)
		token, err := IssueConfirmToken(m.cfg.TokenSecret, n.ID, o.ID, windowEnd)
		if err != nil {
			return sent, errors.Wrap(err, "issue confirm token")
		}
		if err := m.store.MarkNotificationSent(ctx, n.ID, token); err != nil {
			return sent, errors.Wrapf(err, "mark notification %d sent", n.ID)
		}
		n.State = models.NotificationSent
		n.ConfirmToken = token

		// Fire-and-forget: a delivery fault never rolls back the sent state.
		if err := m.notifier.Deliver(ctx, *n); err != nil {
			m.log.Warn("notification delivery failed",
				zap.Int64("notification", n.ID),
				zap.Int64("order", o.ID),
				zap.Error(err))
		}
		sent++
	}
	return sent, nil
}

// Confirm consumes the notification's pending response window and creates
// the sell order for the matured units. Units sold are the order's remaining
// quantity, or the full quantity when remaining has already collapsed to 0
// through matching. The sell price is the inventory reference price rounded
// to the settlement step.
func (m *Manager) Confirm(ctx context.Context, notificationID int64) (*models.MaturityNotification, error) {
	n, err := m.store.GetNotification(ctx, notificationID)
	if err != nil {
		return nil, errors.Wrapf(err, "load notification %d", notificationID)
	}
	if n.InvestorResponse != models.ResponsePending {
		return nil, ErrAlreadyProcessed
	}

	o, err := m.store.GetOrder(ctx, n.OrderID)
	if err != nil {
		return nil, errors.Wrapf(err, "load order %d", n.OrderID)
	}
	units := o.Remaining()
	if units <= 0 {
		units = o.Quantity
	}
	if units <= 0 {
		return nil, ErrNoSellableUnits
	}

	ref, err := m.prices.ReferencePrice(ctx, n.FundID)
	if err != nil {
		return nil, errors.Wrapf(ErrNoReferencePrice, "fund %s: %v", n.FundID, err)
	}
	price := dateutil.MRound(ref, navcalc.SellPriceStep)
	if price <= 0 {
		return nil, errors.Wrapf(ErrNoReferencePrice, "fund %s", n.FundID)
	}

	// The check-and-set closes the window before the order exists, so a
	// concurrent retry can never create a second sell order.
	now := m.clock()
	ok, err := m.store.SetInvestorResponse(ctx, n.ID, models.ResponseConfirmed, models.NotificationConfirmed, now)
	if err != nil {
		return nil, errors.Wrapf(err, "confirm notification %d", n.ID)
	}
	if !ok {
		return nil, ErrAlreadyProcessed
	}
	n.InvestorResponse = models.ResponseConfirmed
	n.State = models.NotificationConfirmed
	n.RespondedAt = &now

	sell := &models.Order{
		FundID:    n.FundID,
		OwnerID:   n.OwnerID,
		Side:      models.SideSell,
		Price:     price,
		Quantity:  units,
		Source:    models.SourceInvestor,
		Status:    models.OrderStatusPending,
		CreatedAt: now,
	}
	sell, err = m.store.CreateOrder(ctx, sell)
	if err != nil {
		return n, errors.Wrap(err, "create maturity sell order")
	}

	res := m.queue.Submit(sell)
	for i := range res.Pairs {
		if _, err := m.store.CreateMatchedPair(ctx, &res.Pairs[i]); err != nil {
			m.log.Error("persist matched pair failed", zap.Error(err))
		}
	}
	for i := range res.Updated {
		if err := m.store.UpdateOrderFill(ctx, &res.Updated[i]); err != nil {
			m.log.Error("persist order fill failed",
				zap.Int64("order", res.Updated[i].ID), zap.Error(err))
		}
	}

	if err := m.store.CompleteNotification(ctx, n.ID, sell.ID); err != nil {
		return n, errors.Wrapf(err, "complete notification %d", n.ID)
	}
	n.State = models.NotificationDone
	n.SellOrderID = sell.ID

	m.log.Info("maturity confirmed",
		zap.Int64("notification", n.ID),
		zap.Int64("sell_order", sell.ID),
		zap.Float64("units", units),
		zap.Float64("price", price))
	return n, nil
}

// Reject closes the pending response window without creating an order.
func (m *Manager) Reject(ctx context.Context, notificationID int64) (*models.MaturityNotification, error) {
	n, err := m.store.GetNotification(ctx, notificationID)
	if err != nil {
		return nil, errors.Wrapf(err, "load notification %d", notificationID)
	}
	if n.InvestorResponse != models.ResponsePending {
		return nil, ErrAlreadyProcessed
	}

	now := m.clock()
	ok, err := m.store.SetInvestorResponse(ctx, n.ID, models.ResponseRejected, models.NotificationRejected, now)
	if err != nil {
		return nil, errors.Wrapf(err, "reject notification %d", n.ID)
	}
	if !ok {
		return nil, ErrAlreadyProcessed
	}
	n.InvestorResponse = models.ResponseRejected
	n.State = models.NotificationRejected
	n.RespondedAt = &now
	return n, nil
}

// ExpireStale flips every notification still pending past the cutoff to
// expired. Returns how many were expired.
func (m *Manager) ExpireStale(ctx context.Context, today time.Time) (int64, error) {
	cutoff := today.AddDate(0, 0, -m.cfg.ExpireCutoffDays)
	count, err := m.store.ExpireNotificationsBefore(ctx, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "expire stale notifications")
	}
	if count > 0 {
		m.log.Info("expired stale maturity notifications", zap.Int64("count", count))
	}
	return count, nil
}
