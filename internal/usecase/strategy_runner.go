package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/vitos/kitebot/internal/domain"
	"go.uber.org/zap"
)

type RunnerState int32

const (
	StateStopped RunnerState = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s RunnerState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return "stopped"
}

type RunnerConfig struct {
	PollInterval   time.Duration
	RetryInterval  time.Duration
	CandleInterval string
	Lookback       time.Duration
}

func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		PollInterval:   300 * time.Second,
		RetryInterval:  60 * time.Second,
		CandleInterval: "5minute",
		Lookback:       24 * time.Hour,
	}
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	d := DefaultRunnerConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.CandleInterval == "" {
		c.CandleInterval = d.CandleInterval
	}
	if c.Lookback <= 0 {
		c.Lookback = d.Lookback
	}
	return c
}

// StrategyRunner drives one strategy: fetch candles, evaluate, maybe
// trade, sleep, repeat until stopped.
type StrategyRunner struct {
	strategy domain.Strategy
	broker   domain.Broker
	trades   domain.TradeRepository
	engine   SignalEngine
	config   RunnerConfig
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	state  RunnerState
	cancel context.CancelFunc
	done   chan struct{}
}

func NewStrategyRunner(
	strategy domain.Strategy,
	broker domain.Broker,
	trades domain.TradeRepository,
	engine SignalEngine,
	config RunnerConfig,
	logger *zap.Logger,
) *StrategyRunner {
	if engine == nil {
		engine = NewSMACrossoverRSI()
	}
	strategy.Params = strategy.Params.WithDefaults()
	return &StrategyRunner{
		strategy: strategy,
		broker:   broker,
		trades:   trades,
		engine:   engine,
		config:   config.withDefaults(),
		logger:   logger.With(zap.Int64("strategy_id", strategy.ID), zap.String("symbol", strategy.Params.Symbol)),
		now:      time.Now,
	}
}

func (r *StrategyRunner) State() RunnerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start launches the loop. It is a no-op unless the runner is stopped.
func (r *StrategyRunner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateStopped {
		return
	}

	r.state = StateStarting
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(loopCtx, r.done)
}

// Stop cancels the loop and waits until it has exited. Every concurrent
// caller waits for the same drain.
func (r *StrategyRunner) Stop() {
	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		return
	}
	r.state = StateStopping
	r.cancel()
	done := r.done
	r.mu.Unlock()

	<-done
}

func (r *StrategyRunner) run(ctx context.Context, done chan struct{}) {
	defer func() {
		r.mu.Lock()
		r.state = StateStopped
		r.cancel()
		r.mu.Unlock()
		close(done)
		r.logger.Info("Strategy runner stopped")
	}()

	r.mu.Lock()
	if r.state == StateStarting {
		r.state = StateRunning
	}
	r.mu.Unlock()
	r.logger.Info("Strategy runner started")

	for {
		if ctx.Err() != nil {
			return
		}

		wait := r.config.PollInterval
		if err := r.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			var unrecorded *domain.UnrecordedOrderError
			if errors.As(err, &unrecorded) {
				r.logger.Error("Order placed but not recorded, reconciliation required",
					zap.String("order_id", unrecorded.OrderID),
					zap.String("side", string(unrecorded.Side)),
					zap.Error(unrecorded.Err))
			} else {
				kind, _ := domain.BrokerErrorKind(err)
				r.logger.Error("Strategy cycle failed",
					zap.Error(err),
					zap.String("kind", kind.String()))
			}
			wait = r.config.RetryInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// instrument is the exchange-qualified key used for market data.
func (r *StrategyRunner) instrument() string {
	return r.strategy.Params.Exchange + ":" + r.strategy.Params.Symbol
}

func (r *StrategyRunner) cycle(ctx context.Context) error {
	p := r.strategy.Params
	to := r.now()
	candles, err := r.broker.GetHistoricalCandles(ctx, r.instrument(), to.Add(-r.config.Lookback), to, r.config.CandleInterval)
	if err != nil {
		return fmt.Errorf("fetch candles: %w", err)
	}

	signal := r.engine.Evaluate(candles, p)
	r.logger.Debug("Signal evaluated", zap.String("signal", string(signal)), zap.Int("candles", len(candles)))

	switch signal {
	case domain.SignalBuy:
		return r.buy(ctx)
	case domain.SignalSell:
		return r.sell(ctx)
	}
	return nil
}

func (r *StrategyRunner) buy(ctx context.Context) error {
	p := r.strategy.Params

	if blocked, err := r.dailyLossReached(ctx); err != nil {
		return err
	} else if blocked {
		r.logger.Warn("Daily loss limit reached, skipping buy",
			zap.Float64("max_daily_loss", r.strategy.Limits.MaxDailyLoss))
		return nil
	}

	quote, err := r.broker.GetQuote(ctx, r.instrument())
	if err != nil {
		return fmt.Errorf("get quote: %w", err)
	}
	if quote.LastPrice <= 0 {
		return fmt.Errorf("get quote: %w", &domain.BrokerError{
			Kind: domain.KindDataUnavailable, Op: "quote", Message: fmt.Sprintf("non-positive last price %v", quote.LastPrice),
		})
	}

	budget := math.Min(r.strategy.Limits.MaxPositionSize, p.PositionSizeHint)
	qty := int(math.Floor(budget / quote.LastPrice))
	if qty < 1 {
		r.logger.Info("Budget below one share, skipping buy",
			zap.Float64("budget", budget), zap.Float64("price", quote.LastPrice))
		return nil
	}

	return r.execute(ctx, domain.SideBuy, qty, quote.LastPrice, 0)
}

func (r *StrategyRunner) sell(ctx context.Context) error {
	p := r.strategy.Params

	positions, err := r.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("get positions: %w", err)
	}
	var held *domain.BrokerPosition
	for i := range positions {
		if positions[i].Symbol == p.Symbol && (positions[i].Exchange == "" || positions[i].Exchange == p.Exchange) {
			held = &positions[i]
			break
		}
	}
	if held == nil || held.Quantity <= 0 {
		r.logger.Debug("Nothing held, skipping sell")
		return nil
	}

	quote, err := r.broker.GetQuote(ctx, r.instrument())
	if err != nil {
		return fmt.Errorf("get quote: %w", err)
	}

	pnl := (quote.LastPrice - held.AveragePrice) * float64(held.Quantity)
	return r.execute(ctx, domain.SideSell, held.Quantity, quote.LastPrice, pnl)
}

// execute submits a market order and records it. Once the broker call
// begins, cancellation of ctx no longer applies: an accepted order is
// always followed by its trade record.
func (r *StrategyRunner) execute(ctx context.Context, side domain.OrderSide, qty int, price, pnl float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := r.strategy.Params
	ctx = context.WithoutCancel(ctx)

	orderID, err := r.broker.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:    p.Symbol,
		Exchange:  p.Exchange,
		Side:      side,
		OrderType: domain.OrderTypeMarket,
		Quantity:  qty,
		Tag:       fmt.Sprintf("kb%d", r.strategy.ID),
	})
	if err != nil {
		return fmt.Errorf("place %s order: %w", side, err)
	}

	trade := &domain.Trade{
		UserID:     r.strategy.UserID,
		StrategyID: r.strategy.ID,
		OrderID:    orderID,
		Symbol:     p.Symbol,
		OrderType:  domain.OrderTypeMarket,
		Side:       side,
		Quantity:   qty,
		Price:      price,
		Status:     domain.StatusPending,
		PnL:        pnl,
		CreatedAt:  r.now(),
	}
	if err := r.trades.CreateTrade(ctx, trade); err != nil {
		return &domain.UnrecordedOrderError{OrderID: orderID, Symbol: p.Symbol, Side: side, Err: err}
	}

	r.logger.Info("Order placed",
		zap.String("order_id", orderID),
		zap.String("side", string(side)),
		zap.Int("quantity", qty),
		zap.Float64("price", price))
	return nil
}

func (r *StrategyRunner) dailyLossReached(ctx context.Context) (bool, error) {
	limit := r.strategy.Limits.MaxDailyLoss
	if limit <= 0 {
		return false, nil
	}
	now := r.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	pnl, err := r.trades.RealizedPnLSince(ctx, r.strategy.UserID, midnight)
	if err != nil {
		return false, fmt.Errorf("daily pnl: %w", err)
	}
	return -pnl >= limit, nil
}
