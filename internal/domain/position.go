package domain

import (
	"sort"
)

// Position is a holding derived from completed trades. It is never
// stored.
type Position struct {
	Symbol       string  `json:"trading_symbol"`
	Quantity     int     `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
	LastPrice    float64 `json:"last_price"`
	PnL          float64 `json:"pnl"`
	PnLPct       float64 `json:"pnl_percentage"`
}

// Reprice sets the last price and recomputes P&L.
func (p *Position) Reprice(lastPrice float64) {
	p.LastPrice = lastPrice
	p.PnL = (lastPrice - p.AveragePrice) * float64(p.Quantity)
	if p.AveragePrice > 0 {
		p.PnLPct = (lastPrice - p.AveragePrice) / p.AveragePrice * 100
	} else {
		p.PnLPct = 0
	}
}

// AggregatePositions folds trades into per-symbol positions. Only COMPLETE
// trades count and they are applied in creation order. A BUY moves the
// volume-weighted average price, a SELL only reduces quantity. The last
// price of a position is the price of its most recent trade. Positions
// that net to zero are dropped.
func AggregatePositions(trades []*Trade) []Position {
	ordered := make([]*Trade, 0, len(trades))
	for _, t := range trades {
		if t.Status == StatusComplete {
			ordered = append(ordered, t)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	bySymbol := make(map[string]*Position)
	for _, t := range ordered {
		pos, ok := bySymbol[t.Symbol]
		if !ok {
			pos = &Position{Symbol: t.Symbol}
			bySymbol[t.Symbol] = pos
		}

		switch t.Side {
		case SideBuy:
			newQty := pos.Quantity + t.Quantity
			value := float64(pos.Quantity)*pos.AveragePrice + float64(t.Quantity)*t.Price
			if newQty > 0 {
				pos.AveragePrice = value / float64(newQty)
			} else {
				pos.AveragePrice = 0
			}
			pos.Quantity = newQty
		case SideSell:
			pos.Quantity -= t.Quantity
		}
		pos.Reprice(t.Price)
	}

	positions := make([]Position, 0, len(bySymbol))
	for _, pos := range bySymbol {
		if pos.Quantity != 0 {
			positions = append(positions, *pos)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions
}
