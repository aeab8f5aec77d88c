package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/vitos/kitebot/internal/domain"
	"go.uber.org/zap"
)

type TradeService struct {
	repo   domain.TradeRepository
	logger *zap.Logger
}

func NewTradeService(repo domain.TradeRepository, logger *zap.Logger) *TradeService {
	return &TradeService{repo: repo, logger: logger}
}

func (s *TradeService) List(ctx context.Context, userID int64, filter domain.TradeFilter) ([]*domain.Trade, error) {
	return s.repo.ListTrades(ctx, userID, filter)
}

// Cancel cancels a pending trade's broker order, then marks it CANCELLED.
// Trades of other users look like missing ones.
func (s *TradeService) Cancel(ctx context.Context, userID, tradeID int64, broker domain.Broker) (*domain.Trade, error) {
	trade, err := s.repo.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.UserID != userID {
		return nil, fmt.Errorf("trade %d: %w", tradeID, domain.ErrNotFound)
	}
	if !trade.Cancellable() {
		return nil, fmt.Errorf("trade %d is %s: %w", tradeID, trade.Status, domain.ErrNotCancellable)
	}

	if err := broker.CancelOrder(ctx, trade.OrderID); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateTradeStatus(ctx, trade.ID, domain.StatusCancelled); err != nil {
		return nil, err
	}
	trade.Status = domain.StatusCancelled

	s.logger.Info("Trade cancelled", zap.Int64("trade_id", trade.ID), zap.String("order_id", trade.OrderID))
	return trade, nil
}

// UpdateStatus records an order outcome reported by the broker. Only
// PENDING trades move; terminal ones are never overwritten.
func (s *TradeService) UpdateStatus(ctx context.Context, tradeID int64, status domain.OrderStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidParams, status)
	}
	return s.repo.UpdateTradeStatus(ctx, tradeID, status)
}

// Sync moves PENDING trades to the terminal status the broker reports for
// their orders and returns how many changed. Orders the broker no longer
// lists stay PENDING.
func (s *TradeService) Sync(ctx context.Context, userID int64, book domain.OrderBook) (int, error) {
	pending, err := s.repo.ListTrades(ctx, userID, domain.TradeFilter{Status: domain.StatusPending})
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	orders, err := book.GetOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch order book: %w", err)
	}
	byID := make(map[string]domain.BrokerOrder, len(orders))
	for _, o := range orders {
		byID[o.OrderID] = o
	}

	updated := 0
	for _, trade := range pending {
		order, ok := byID[trade.OrderID]
		if !ok {
			continue
		}
		status := order.TradeStatus()
		if !trade.Status.CanTransition(status) {
			continue
		}
		err := s.repo.UpdateTradeStatus(ctx, trade.ID, status)
		if errors.Is(err, domain.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return updated, err
		}
		updated++
		s.logger.Info("Trade reconciled",
			zap.Int64("trade_id", trade.ID),
			zap.String("order_id", trade.OrderID),
			zap.String("status", string(status)),
			zap.String("broker_message", order.StatusMessage))
	}
	return updated, nil
}
