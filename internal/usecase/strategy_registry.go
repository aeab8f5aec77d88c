package usecase

import (
	"context"
	"sort"
	"sync"

	"github.com/vitos/kitebot/internal/domain"
	"go.uber.org/zap"
)

// StrategyRegistry owns the running strategies of the process, at most one
// runner per strategy id.
type StrategyRegistry struct {
	trades domain.TradeRepository
	engine SignalEngine
	config RunnerConfig
	logger *zap.Logger

	mu       sync.Mutex
	runners  map[int64]*StrategyRunner
	stopping map[int64]chan struct{} // closed once the drain for id finished
}

func NewStrategyRegistry(trades domain.TradeRepository, engine SignalEngine, config RunnerConfig, logger *zap.Logger) *StrategyRegistry {
	return &StrategyRegistry{
		trades:   trades,
		engine:   engine,
		config:   config,
		logger:   logger,
		runners:  make(map[int64]*StrategyRunner),
		stopping: make(map[int64]chan struct{}),
	}
}

// StartStrategy launches a runner for strategy unless one is already
// registered. A start that arrives while the same id is being stopped waits
// for the drain and then starts a fresh runner. The runner keeps ctx values
// but not its cancellation; only StopStrategy and StopAll end it.
func (r *StrategyRegistry) StartStrategy(ctx context.Context, strategy *domain.Strategy, broker domain.Broker) {
	r.mu.Lock()
	for {
		drained, stopping := r.stopping[strategy.ID]
		if !stopping {
			break
		}
		r.mu.Unlock()
		<-drained
		r.mu.Lock()
	}
	defer r.mu.Unlock()

	if _, exists := r.runners[strategy.ID]; exists {
		r.logger.Info("Strategy already running", zap.Int64("strategy_id", strategy.ID))
		return
	}

	runner := NewStrategyRunner(*strategy, broker, r.trades, r.engine, r.config, r.logger)
	runner.Start(context.WithoutCancel(ctx))
	r.runners[strategy.ID] = runner
	r.logger.Info("Strategy started", zap.Int64("strategy_id", strategy.ID), zap.String("symbol", strategy.Params.Symbol))
}

// StopStrategy stops and drains the runner for id. Unknown ids are ignored.
// Concurrent stops of the same id all return once the single drain is done.
func (r *StrategyRegistry) StopStrategy(id int64) {
	r.mu.Lock()
	if drained, stopping := r.stopping[id]; stopping {
		r.mu.Unlock()
		<-drained
		return
	}
	runner, exists := r.runners[id]
	if !exists {
		r.mu.Unlock()
		r.logger.Info("Strategy not running", zap.Int64("strategy_id", id))
		return
	}
	drained := make(chan struct{})
	r.stopping[id] = drained
	r.mu.Unlock()

	runner.Stop()

	r.mu.Lock()
	delete(r.runners, id)
	delete(r.stopping, id)
	close(drained)
	r.mu.Unlock()
	r.logger.Info("Strategy stopped", zap.Int64("strategy_id", id))
}

func (r *StrategyRegistry) IsRunning(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.runners[id]
	return exists
}

// Running returns the ids of registered runners in ascending order.
func (r *StrategyRegistry) Running() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.runners))
	for id := range r.runners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// StopAll stops every runner concurrently and waits for all of them.
func (r *StrategyRegistry) StopAll() {
	var wg sync.WaitGroup
	for _, id := range r.Running() {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			r.StopStrategy(id)
		}(id)
	}
	wg.Wait()
}
