package domain

import (
	"context"
	"time"
)

// Broker is one user's authenticated session with the brokerage.
type Broker interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetPositions(ctx context.Context) ([]BrokerPosition, error)
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetHistoricalCandles(ctx context.Context, symbol string, from, to time.Time, interval string) ([]Candle, error)
	GetMargins(ctx context.Context) (*Margins, error)
}

// OrderBook reads the broker's view of a session's orders.
type OrderBook interface {
	GetOrders(ctx context.Context) ([]BrokerOrder, error)
}

// BrokerOrder is one order as reported by the broker. Status is the
// broker's own vocabulary ("OPEN", "COMPLETE", "TRIGGER PENDING", ...).
type BrokerOrder struct {
	OrderID        string    `json:"order_id"`
	Status         string    `json:"status"`
	StatusMessage  string    `json:"status_message,omitempty"`
	Symbol         string    `json:"tradingsymbol"`
	Exchange       string    `json:"exchange"`
	Side           OrderSide `json:"transaction_type"`
	OrderType      OrderType `json:"order_type"`
	Quantity       int       `json:"quantity"`
	FilledQuantity int       `json:"filled_quantity"`
	Price          float64   `json:"price"`
	AveragePrice   float64   `json:"average_price"`
	Tag            string    `json:"tag,omitempty"`
	PlacedAt       time.Time `json:"order_timestamp"`
}

// TradeStatus maps the broker's order status onto a trade status. Every
// non-terminal broker status maps to PENDING.
func (o BrokerOrder) TradeStatus() OrderStatus {
	switch o.Status {
	case "COMPLETE":
		return StatusComplete
	case "REJECTED":
		return StatusRejected
	case "CANCELLED":
		return StatusCancelled
	}
	return StatusPending
}

// OrderModification changes an open order. Zero fields are left as they are.
type OrderModification struct {
	Quantity  int
	Price     float64
	OrderType OrderType
}

type OrderRequest struct {
	Symbol    string
	Exchange  string
	Side      OrderSide
	OrderType OrderType
	Quantity  int
	Price     float64 // LIMIT only
	Product   string
	Tag       string
}

type Quote struct {
	Symbol          string  `json:"trading_symbol"`
	InstrumentToken uint32  `json:"instrument_token"`
	LastPrice       float64 `json:"last_price"`
	Open            float64 `json:"open"`
	High            float64 `json:"high"`
	Low             float64 `json:"low"`
	Close           float64 `json:"close"`
	Volume          int64   `json:"volume"`
	NetChange       float64 `json:"change"`
}

// BrokerPosition is a net position as reported by the broker.
type BrokerPosition struct {
	Symbol       string  `json:"trading_symbol"`
	Exchange     string  `json:"exchange"`
	Product      string  `json:"product"`
	Quantity     int     `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
	LastPrice    float64 `json:"last_price"`
	PnL          float64 `json:"pnl"`
}

type SegmentMargin struct {
	Enabled    bool    `json:"enabled"`
	Net        float64 `json:"net"`
	Cash       float64 `json:"cash"`
	Collateral float64 `json:"collateral"`
	Utilised   float64 `json:"utilised"`
}

type Margins struct {
	Equity    SegmentMargin `json:"equity"`
	Commodity SegmentMargin `json:"commodity"`
}

// GTTOrder is a Good-Till-Triggered conditional order.
type GTTOrder struct {
	ID            int64        `json:"id"`
	Type          string       `json:"type"` // "single" or "two-leg"
	Symbol        string       `json:"tradingsymbol"`
	Exchange      string       `json:"exchange"`
	TriggerValues []float64    `json:"trigger_values"`
	LastPrice     float64      `json:"last_price"`
	Orders        []GTTLegSpec `json:"orders"`
	Status        string       `json:"status,omitempty"`
}

type GTTLegSpec struct {
	Side      OrderSide `json:"transaction_type"`
	Quantity  int       `json:"quantity"`
	OrderType OrderType `json:"order_type"`
	Product   string    `json:"product"`
	Price     float64   `json:"price"`
}

// TradeRepository stores trade records.
type TradeRepository interface {
	CreateTrade(ctx context.Context, trade *Trade) error
	GetTrade(ctx context.Context, id int64) (*Trade, error)
	UpdateTradeStatus(ctx context.Context, id int64, status OrderStatus) error
	ListTrades(ctx context.Context, userID int64, filter TradeFilter) ([]*Trade, error)
	RealizedPnLSince(ctx context.Context, userID int64, since time.Time) (float64, error)
}

// StrategyRepository stores strategies.
type StrategyRepository interface {
	CreateStrategy(ctx context.Context, s *Strategy) error
	GetStrategy(ctx context.Context, id int64) (*Strategy, error)
	UpdateStrategy(ctx context.Context, s *Strategy) error
	DeleteStrategy(ctx context.Context, id int64) error
	ListStrategies(ctx context.Context, userID int64) ([]*Strategy, error)
	ListActiveStrategies(ctx context.Context) ([]*Strategy, error)
}

// UserRepository stores users and their broker sessions.
type UserRepository interface {
	SaveUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id int64) (*User, error)
}
