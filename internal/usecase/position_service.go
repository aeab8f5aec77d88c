package usecase

import (
	"context"

	"github.com/vitos/kitebot/internal/domain"
	"go.uber.org/zap"
)

type LastPricePolicy string

const (
	LastPriceFromTrade LastPricePolicy = "trade"
	LastPriceFromQuote LastPricePolicy = "quote"
)

// PositionService reports positions derived from the local trade book.
type PositionService struct {
	trades domain.TradeRepository
	policy LastPricePolicy
	logger *zap.Logger
}

func NewPositionService(trades domain.TradeRepository, policy LastPricePolicy, logger *zap.Logger) *PositionService {
	if policy == "" {
		policy = LastPriceFromTrade
	}
	return &PositionService{trades: trades, policy: policy, logger: logger}
}

// List aggregates the user's COMPLETE trades. With the quote policy, each
// position is repriced from a live quote; a failed quote keeps the trade
// price. broker may be nil under the trade policy.
func (s *PositionService) List(ctx context.Context, userID int64, broker domain.Broker) ([]domain.Position, error) {
	trades, err := s.trades.ListTrades(ctx, userID, domain.TradeFilter{Status: domain.StatusComplete})
	if err != nil {
		return nil, err
	}
	positions := domain.AggregatePositions(trades)

	if s.policy != LastPriceFromQuote || broker == nil {
		return positions, nil
	}
	for i := range positions {
		quote, err := broker.GetQuote(ctx, positions[i].Symbol)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("Quote unavailable, using last trade price",
				zap.String("symbol", positions[i].Symbol), zap.Error(err))
			continue
		}
		positions[i].Reprice(quote.LastPrice)
	}
	return positions, nil
}
