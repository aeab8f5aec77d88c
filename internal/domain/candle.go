package domain

import "time"

// Candle is one OHLCV bar. Series are always time-ascending.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Signal is the decision produced by a signal engine for one cycle.
type Signal string

const (
	SignalHold Signal = "hold"
	SignalBuy  Signal = "buy"
	SignalSell Signal = "sell"
)

// Tick is a single streaming quote update.
type Tick struct {
	InstrumentToken uint32    `json:"instrument_token"`
	LastPrice       float64   `json:"last_price"`
	LastQuantity    int64     `json:"last_quantity"`
	AveragePrice    float64   `json:"average_price"`
	Volume          int64     `json:"volume"`
	BuyQuantity     int64     `json:"buy_quantity"`
	SellQuantity    int64     `json:"sell_quantity"`
	Open            float64   `json:"open"`
	High            float64   `json:"high"`
	Low             float64   `json:"low"`
	Close           float64   `json:"close"`
	Time            time.Time `json:"time"`
}
