package domain

import "time"

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusComplete  OrderStatus = "COMPLETE"
	StatusRejected  OrderStatus = "REJECTED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusComplete || s == StatusRejected || s == StatusCancelled
}

func (s OrderStatus) Valid() bool {
	return s == StatusPending || s.IsTerminal()
}

// CanTransition reports whether s may move to next. Only PENDING moves.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	return s == StatusPending && next.IsTerminal()
}

// Trade is the local record of an order submitted to the broker.
type Trade struct {
	ID         int64       `json:"id"`
	UserID     int64       `json:"user_id"`
	StrategyID int64       `json:"strategy_id,omitempty"`
	OrderID    string      `json:"order_id"`
	Symbol     string      `json:"trading_symbol"`
	OrderType  OrderType   `json:"order_type"`
	Side       OrderSide   `json:"side"`
	Quantity   int         `json:"quantity"`
	Price      float64     `json:"price"`
	Status     OrderStatus `json:"status"`
	PnL        float64     `json:"pnl"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Cancellable reports whether the broker order can still be cancelled.
func (t *Trade) Cancellable() bool {
	return t.Status == StatusPending
}

// TradeFilter narrows ListTrades. Zero fields are ignored.
type TradeFilter struct {
	Status     OrderStatus
	Symbol     string
	StrategyID int64
	Since      time.Time
	Limit      int
}
