package usecase

import (
	"context"
	"fmt"

	"github.com/vitos/kitebot/internal/domain"
	"go.uber.org/zap"
)

// StrategyService is the entry point for strategy lifecycle changes. It
// keeps the registry in step with the stored is_active flag.
type StrategyService struct {
	repo     domain.StrategyRepository
	users    domain.UserRepository
	registry *StrategyRegistry
	sessions SessionProvider
	logger   *zap.Logger
}

func NewStrategyService(repo domain.StrategyRepository, users domain.UserRepository, registry *StrategyRegistry, sessions SessionProvider, logger *zap.Logger) *StrategyService {
	return &StrategyService{repo: repo, users: users, registry: registry, sessions: sessions, logger: logger}
}

// Create validates and stores a new strategy. A strategy created active
// is started right away.
func (s *StrategyService) Create(ctx context.Context, st *domain.Strategy) error {
	if err := st.Validate(); err != nil {
		return err
	}
	if err := s.repo.CreateStrategy(ctx, st); err != nil {
		return err
	}
	s.logger.Info("Strategy created", zap.Int64("strategy_id", st.ID), zap.String("name", st.Name))

	if st.IsActive {
		return s.start(ctx, st)
	}
	return nil
}

func (s *StrategyService) Get(ctx context.Context, id int64) (*domain.Strategy, error) {
	return s.repo.GetStrategy(ctx, id)
}

func (s *StrategyService) List(ctx context.Context, userID int64) ([]*domain.Strategy, error) {
	return s.repo.ListStrategies(ctx, userID)
}

// Update replaces params and limits. A running runner keeps the values it
// was started with until the strategy is toggled off and on again.
func (s *StrategyService) Update(ctx context.Context, id int64, params domain.StrategyParams, limits domain.RiskLimits) (*domain.Strategy, error) {
	st, err := s.repo.GetStrategy(ctx, id)
	if err != nil {
		return nil, err
	}
	st.Params = params
	st.Limits = limits
	if err := st.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateStrategy(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Toggle flips is_active and starts or stops the runner to match.
func (s *StrategyService) Toggle(ctx context.Context, id int64) (*domain.Strategy, error) {
	st, err := s.repo.GetStrategy(ctx, id)
	if err != nil {
		return nil, err
	}

	st.IsActive = !st.IsActive
	if st.IsActive {
		// Resolve everything the runner needs before persisting so the
		// strategy cannot end up active but not running.
		broker, err := s.sessions.Session(ctx, st.UserID)
		if err != nil {
			return nil, err
		}
		snapshot, err := s.runnable(ctx, st)
		if err != nil {
			return nil, err
		}
		if err := s.repo.UpdateStrategy(ctx, st); err != nil {
			return nil, err
		}
		s.registry.StartStrategy(ctx, snapshot, broker)
		return st, nil
	}

	if err := s.repo.UpdateStrategy(ctx, st); err != nil {
		return nil, err
	}
	s.registry.StopStrategy(st.ID)
	return st, nil
}

// Delete stops the runner before removing the row.
func (s *StrategyService) Delete(ctx context.Context, id int64) error {
	s.registry.StopStrategy(id)
	if err := s.repo.DeleteStrategy(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Strategy deleted", zap.Int64("strategy_id", id))
	return nil
}

// StartActive starts every stored active strategy. Strategies whose owner
// has no session are skipped and reported; the rest still start.
func (s *StrategyService) StartActive(ctx context.Context) (int, error) {
	active, err := s.repo.ListActiveStrategies(ctx)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, st := range active {
		if err := s.start(ctx, st); err != nil {
			s.logger.Error("Failed to start strategy",
				zap.Int64("strategy_id", st.ID),
				zap.Error(err))
			continue
		}
		started++
	}
	return started, nil
}

func (s *StrategyService) start(ctx context.Context, st *domain.Strategy) error {
	broker, err := s.sessions.Session(ctx, st.UserID)
	if err != nil {
		return fmt.Errorf("strategy %d: %w", st.ID, err)
	}
	snapshot, err := s.runnable(ctx, st)
	if err != nil {
		return err
	}
	s.registry.StartStrategy(ctx, snapshot, broker)
	return nil
}

// runnable is the snapshot a runner trades on: the strategy with its
// limits tightened to the owner's account-wide limits.
func (s *StrategyService) runnable(ctx context.Context, st *domain.Strategy) (*domain.Strategy, error) {
	owner, err := s.users.GetUser(ctx, st.UserID)
	if err != nil {
		return nil, fmt.Errorf("strategy %d owner: %w", st.ID, err)
	}
	snapshot := *st
	snapshot.Limits = st.Limits.CappedBy(owner.Limits)
	if snapshot.Limits != st.Limits {
		s.logger.Info("Strategy limits capped by owner",
			zap.Int64("strategy_id", st.ID),
			zap.Float64("max_position_size", snapshot.Limits.MaxPositionSize),
			zap.Float64("max_daily_loss", snapshot.Limits.MaxDailyLoss))
	}
	return &snapshot, nil
}
