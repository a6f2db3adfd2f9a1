package models

import "time"

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderStatus is the lifecycle state of an order. A partially filled order
// stays pending with FilledQuantity > 0; completed and cancelled are terminal.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderSource classifies who placed the order.
type OrderSource string

const (
	SourceInvestor    OrderSource = "investor"
	SourceMarketMaker OrderSource = "market_maker"
)

// Order represents a buy or sell order for fund units.
type Order struct {
	ID             int64       `json:"id"`
	FundID         string      `json:"fund_id"`
	OwnerID        int64       `json:"owner_id"`
	Side           Side        `json:"side"`
	Price          float64     `json:"price"`
	Quantity       float64     `json:"quantity"`
	FilledQuantity float64     `json:"filled_quantity"`
	TermMonths     int         `json:"term_months"`
	InterestRate   float64     `json:"interest_rate"` // percent per annum
	Source         OrderSource `json:"source"`
	Status         OrderStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() float64 {
	return o.Quantity - o.FilledQuantity
}

// Partial reports whether the order is pending with a partial fill.
func (o *Order) Partial() bool {
	return o.Status == OrderStatusPending && o.FilledQuantity > 0
}

// MatchedPair is one executed cross between a buy and a sell order.
// Immutable once created.
type MatchedPair struct {
	ID          int64       `json:"id"`
	FundID      string      `json:"fund_id"`
	BuyOrderID  int64       `json:"buy_order_id"`
	SellOrderID int64       `json:"sell_order_id"`
	Quantity    float64     `json:"quantity"`
	Price       float64     `json:"price"`
	BuyParty    OrderSource `json:"buy_party"`
	SellParty   OrderSource `json:"sell_party"`
	ExecutedAt  time.Time   `json:"executed_at"`
}

// NotificationState is the lifecycle state of a maturity notification.
// States only advance forward; done requires a linked sell order.
type NotificationState string

const (
	NotificationDraft     NotificationState = "draft"
	NotificationSent      NotificationState = "sent"
	NotificationConfirmed NotificationState = "confirmed"
	NotificationRejected  NotificationState = "rejected"
	NotificationExpired   NotificationState = "expired"
	NotificationDone      NotificationState = "done"
)

// InvestorResponse is the investor's answer to a maturity notification.
// There is a single pending window; confirmed, rejected and expired are
// mutually exclusive terminal responses.
type InvestorResponse string

const (
	ResponsePending   InvestorResponse = "pending"
	ResponseConfirmed InvestorResponse = "confirmed"
	ResponseRejected  InvestorResponse = "rejected"
	ResponseExpired   InvestorResponse = "expired"
)

// MaturityNotification is the audit record of a purchase order reaching
// maturity and the investor's response to it.
type MaturityNotification struct {
	ID               int64             `json:"id"`
	OrderID          int64             `json:"order_id"`
	FundID           string            `json:"fund_id"`
	OwnerID          int64             `json:"owner_id"`
	MaturityDate     time.Time         `json:"maturity_date"`
	State            NotificationState `json:"state"`
	InvestorResponse InvestorResponse  `json:"investor_response"`
	ConfirmToken     string            `json:"confirm_token,omitempty"`
	SellOrderID      int64             `json:"sell_order_id,omitempty"`
	RespondedAt      *time.Time        `json:"responded_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// FundQuote is the day's reference pricing for a fund, supplied by the
// inventory subsystem.
type FundQuote struct {
	FundID              string    `json:"fund_id"`
	QuoteDate           time.Time `json:"quote_date"`
	OpeningAveragePrice float64   `json:"opening_average_price"`
	CapitalCostPercent  float64   `json:"capital_cost_percent"`
}
