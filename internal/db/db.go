// Package db persists orders, matched pairs, maturity notifications and fund
// quotes in PostgreSQL.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ccqtrade/engine/internal/models"
)

// DB wraps a PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

const orderColumns = "id, fund_id, owner_id, side, price, quantity, filled_quantity, term_months, interest_rate, source, status, created_at"

func scanOrder(row pgx.Row, o *models.Order) error {
	return row.Scan(&o.ID, &o.FundID, &o.OwnerID, &o.Side, &o.Price, &o.Quantity,
		&o.FilledQuantity, &o.TermMonths, &o.InterestRate, &o.Source, &o.Status, &o.CreatedAt)
}

// CreateOrder inserts a new order and fills in its id and creation time.
func (db *DB) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	if order.Side != models.SideBuy && order.Side != models.SideSell {
		return nil, fmt.Errorf("side must be 'buy' or 'sell'")
	}
	if order.Price <= 0 {
		return nil, fmt.Errorf("price must be positive")
	}
	if order.Quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive")
	}
	if order.Source == "" {
		order.Source = models.SourceInvestor
	}
	if order.Status == "" {
		order.Status = models.OrderStatusPending
	}

	err := scanOrder(db.Pool.QueryRow(ctx,
		"INSERT INTO orders (fund_id, owner_id, side, price, quantity, filled_quantity, term_months, interest_rate, source, status) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING "+orderColumns,
		order.FundID, order.OwnerID, order.Side, order.Price, order.Quantity,
		order.FilledQuantity, order.TermMonths, order.InterestRate, order.Source, order.Status), order)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return order, nil
}

// GetOrder retrieves one order by id.
func (db *DB) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	order := &models.Order{}
	err := scanOrder(db.Pool.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", id), order)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// UpdateOrderFill persists an order's fill and status after matching.
func (db *DB) UpdateOrderFill(ctx context.Context, order *models.Order) error {
	_, err := db.Pool.Exec(ctx,
		"UPDATE orders SET filled_quantity = $1, status = $2 WHERE id = $3",
		order.FilledQuantity, order.Status, order.ID)
	if err != nil {
		return fmt.Errorf("failed to update order fill: %w", err)
	}
	return nil
}

// CancelOrder cancels an order if it belongs to the owner and is pending.
// Already recorded fills stay untouched.
func (db *DB) CancelOrder(ctx context.Context, orderID, ownerID int64) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status models.OrderStatus
	err = tx.QueryRow(ctx,
		"SELECT status FROM orders WHERE id = $1 AND owner_id = $2 FOR UPDATE",
		orderID, ownerID).Scan(&status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("order not found or not owned by user")
		}
		return fmt.Errorf("failed to get order: %w", err)
	}
	if status != models.OrderStatusPending {
		return fmt.Errorf("order not pending")
	}

	_, err = tx.Exec(ctx,
		"UPDATE orders SET status = $1 WHERE id = $2", models.OrderStatusCancelled, orderID)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// OpenOrders retrieves every pending order with units left, oldest first,
// for rebuilding the books on startup.
func (db *DB) OpenOrders(ctx context.Context) ([]*models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE status = $1 AND quantity - filled_quantity > 0 ORDER BY id ASC",
		models.OrderStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order := &models.Order{}
		if err := scanOrder(rows, order); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// OwnerOrders retrieves all orders of one owner.
func (db *DB) OwnerOrders(ctx context.Context, ownerID int64) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE owner_id = $1 ORDER BY id ASC", ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get owner orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var order models.Order
		if err := scanOrder(rows, &order); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// CreateMatchedPair inserts one executed cross.
func (db *DB) CreateMatchedPair(ctx context.Context, pair *models.MatchedPair) (*models.MatchedPair, error) {
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO matched_pairs (fund_id, buy_order_id, sell_order_id, quantity, price, buy_party, sell_party, executed_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id",
		pair.FundID, pair.BuyOrderID, pair.SellOrderID, pair.Quantity, pair.Price,
		pair.BuyParty, pair.SellParty, pair.ExecutedAt).Scan(&pair.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create matched pair: %w", err)
	}
	return pair, nil
}

// FundPairs retrieves a fund's matched pairs, newest first.
func (db *DB) FundPairs(ctx context.Context, fundID string, limit int) ([]models.MatchedPair, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Pool.Query(ctx,
		"SELECT id, fund_id, buy_order_id, sell_order_id, quantity, price, buy_party, sell_party, executed_at "+
			"FROM matched_pairs WHERE fund_id = $1 ORDER BY id DESC LIMIT $2", fundID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get fund pairs: %w", err)
	}
	defer rows.Close()

	var pairs []models.MatchedPair
	for rows.Next() {
		var p models.MatchedPair
		if err := rows.Scan(&p.ID, &p.FundID, &p.BuyOrderID, &p.SellOrderID, &p.Quantity,
			&p.Price, &p.BuyParty, &p.SellParty, &p.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan matched pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// MaturedCandidates retrieves completed purchase orders carrying a term.
func (db *DB) MaturedCandidates(ctx context.Context) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE side = $1 AND status = $2 AND term_months > 0 ORDER BY id ASC",
		models.SideBuy, models.OrderStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to get matured candidates: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var order models.Order
		if err := scanOrder(rows, &order); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

const notificationColumns = "id, order_id, fund_id, owner_id, maturity_date, state, investor_response, confirm_token, sell_order_id, responded_at, created_at"

func scanNotification(row pgx.Row, n *models.MaturityNotification) error {
	return row.Scan(&n.ID, &n.OrderID, &n.FundID, &n.OwnerID, &n.MaturityDate,
		&n.State, &n.InvestorResponse, &n.ConfirmToken, &n.SellOrderID, &n.RespondedAt, &n.CreatedAt)
}

// CreateNotification inserts a draft maturity notification.
func (db *DB) CreateNotification(ctx context.Context, n *models.MaturityNotification) (*models.MaturityNotification, error) {
	if n.State == "" {
		n.State = models.NotificationDraft
	}
	if n.InvestorResponse == "" {
		n.InvestorResponse = models.ResponsePending
	}
	err := scanNotification(db.Pool.QueryRow(ctx,
		"INSERT INTO maturity_notifications (order_id, fund_id, owner_id, maturity_date, state, investor_response, confirm_token) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING "+notificationColumns,
		n.OrderID, n.FundID, n.OwnerID, n.MaturityDate, n.State, n.InvestorResponse, n.ConfirmToken), n)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}
	return n, nil
}

// GetNotification retrieves one notification by id.
func (db *DB) GetNotification(ctx context.Context, id int64) (*models.MaturityNotification, error) {
	n := &models.MaturityNotification{}
	err := scanNotification(db.Pool.QueryRow(ctx,
		"SELECT "+notificationColumns+" FROM maturity_notifications WHERE id = $1", id), n)
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return n, nil
}

// OwnerNotifications retrieves all notifications addressed to one owner.
func (db *DB) OwnerNotifications(ctx context.Context, ownerID int64) ([]models.MaturityNotification, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+notificationColumns+" FROM maturity_notifications WHERE owner_id = $1 ORDER BY id DESC", ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get owner notifications: %w", err)
	}
	defer rows.Close()

	var out []models.MaturityNotification
	for rows.Next() {
		var n models.MaturityNotification
		if err := scanNotification(rows, &n); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationSent advances a draft to sent and records its token.
func (db *DB) MarkNotificationSent(ctx context.Context, id int64, token string) error {
	_, err := db.Pool.Exec(ctx,
		"UPDATE maturity_notifications SET state = $1, confirm_token = $2 WHERE id = $3 AND state = $4",
		models.NotificationSent, token, id, models.NotificationDraft)
	if err != nil {
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}
	return nil
}

// SetInvestorResponse is the check-and-set closing the pending response
// window. Returns false, without error, when the window was already consumed.
func (db *DB) SetInvestorResponse(ctx context.Context, id int64, to models.InvestorResponse, state models.NotificationState, at time.Time) (bool, error) {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE maturity_notifications SET investor_response = $1, state = $2, responded_at = $3 "+
			"WHERE id = $4 AND investor_response = $5",
		to, state, at, id, models.ResponsePending)
	if err != nil {
		return false, fmt.Errorf("failed to set investor response: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteNotification links the created sell order and advances a confirmed
// notification to done.
func (db *DB) CompleteNotification(ctx context.Context, id, sellOrderID int64) error {
	_, err := db.Pool.Exec(ctx,
		"UPDATE maturity_notifications SET state = $1, sell_order_id = $2 WHERE id = $3 AND state = $4",
		models.NotificationDone, sellOrderID, id, models.NotificationConfirmed)
	if err != nil {
		return fmt.Errorf("failed to complete notification: %w", err)
	}
	return nil
}

// ExpireNotificationsBefore flips every still-pending notification with a
// maturity date before cutoff to expired. Returns how many were expired.
func (db *DB) ExpireNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE maturity_notifications SET investor_response = $1, state = $2 "+
			"WHERE investor_response = $3 AND maturity_date < $4",
		models.ResponseExpired, models.NotificationExpired, models.ResponsePending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpsertFundQuote stores the day's reference pricing for a fund.
func (db *DB) UpsertFundQuote(ctx context.Context, q *models.FundQuote) error {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO fund_quotes (fund_id, quote_date, opening_average_price, capital_cost_percent) "+
			"VALUES ($1, $2, $3, $4) "+
			"ON CONFLICT (fund_id, quote_date) DO UPDATE SET opening_average_price = $3, capital_cost_percent = $4",
		q.FundID, q.QuoteDate, q.OpeningAveragePrice, q.CapitalCostPercent)
	if err != nil {
		return fmt.Errorf("failed to upsert fund quote: %w", err)
	}
	return nil
}

// FundQuote retrieves the most recent quote for a fund on or before date.
func (db *DB) FundQuote(ctx context.Context, fundID string, date time.Time) (*models.FundQuote, error) {
	q := &models.FundQuote{}
	err := db.Pool.QueryRow(ctx,
		"SELECT fund_id, quote_date, opening_average_price, capital_cost_percent "+
			"FROM fund_quotes WHERE fund_id = $1 AND quote_date <= $2 ORDER BY quote_date DESC LIMIT 1",
		fundID, date).Scan(&q.FundID, &q.QuoteDate, &q.OpeningAveragePrice, &q.CapitalCostPercent)
	if err != nil {
		return nil, fmt.Errorf("failed to get fund quote: %w", err)
	}
	return q, nil
}

// ReferencePrice satisfies the maturity manager's price source with the
// day's opening average price.
func (db *DB) ReferencePrice(ctx context.Context, fundID string) (float64, error) {
	q, err := db.FundQuote(ctx, fundID, time.Now())
	if err != nil {
		return 0, err
	}
	return q.OpeningAveragePrice, nil
}
