// kitebot runs rule-based trading strategies against a Kite Connect account.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/vitos/kitebot/internal/config"
	"github.com/vitos/kitebot/internal/domain"
	"github.com/vitos/kitebot/internal/infrastructure/kite"
	"github.com/vitos/kitebot/internal/infrastructure/logger"
	"github.com/vitos/kitebot/internal/infrastructure/storage"
	"github.com/vitos/kitebot/internal/usecase"
	"go.uber.org/zap"
)

var (
	configPath string
	userID     int64
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "kitebot",
		Short:         "Rule-based strategy execution engine for Kite Connect",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "Path to config file")
	rootCmd.PersistentFlags().Int64VarP(&userID, "user", "u", 1, "User id")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(strategyCmd())
	rootCmd.AddCommand(tradesCmd())
	rootCmd.AddCommand(positionsCmd())
	rootCmd.AddCommand(gttCmd())
	rootCmd.AddCommand(watchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the wired dependencies shared by every command.
type app struct {
	cfg        *config.Config
	log        *zap.Logger
	store      *storage.SQLiteStore
	gateway    *kite.Gateway
	sessions   *usecase.UserSessions
	registry   *usecase.StrategyRegistry
	strategies *usecase.StrategyService
	trades     *usecase.TradeService
	positions  *usecase.PositionService
}

func newApp() (*app, error) {
	// 1. Load Config
	if err := config.LoadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 2. Init Logger
	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	// 3. Init Storage
	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to init sqlite: %w", err)
	}

	// 4. Init Broker Gateway
	gateway := kite.NewGateway(kite.Config{
		APIKey:         cfg.Kite.APIKey,
		RESTEndpoint:   cfg.Kite.RESTEndpoint,
		WSEndpoint:     cfg.Kite.WSEndpoint,
		Exchange:       cfg.Kite.Exchange,
		Product:        cfg.Kite.Product,
		MinCallSpacing: cfg.Kite.MinCallSpacing,
		Timeout:        cfg.Kite.Timeout,
	}, log)

	// 5. Init Services
	sessions := usecase.NewUserSessions(store, func(token string) domain.Broker {
		return gateway.Session(token)
	})
	registry := usecase.NewStrategyRegistry(store, usecase.NewSMACrossoverRSI(), usecase.RunnerConfig{
		PollInterval:   cfg.Engine.PollInterval,
		RetryInterval:  cfg.Engine.RetryInterval,
		CandleInterval: cfg.Engine.CandleInterval,
		Lookback:       cfg.Engine.Lookback,
	}, log)

	return &app{
		cfg:        cfg,
		log:        log,
		store:      store,
		gateway:    gateway,
		sessions:   sessions,
		registry:   registry,
		strategies: usecase.NewStrategyService(store, store, registry, sessions, log),
		trades:     usecase.NewTradeService(store, log),
		positions:  usecase.NewPositionService(store, usecase.LastPricePolicy(cfg.Positions.LastPrice), log),
	}, nil
}

func (a *app) Close() {
	a.registry.StopAll()
	if err := a.store.Close(); err != nil {
		a.log.Error("Failed to close store", zap.Error(err))
	}
	_ = a.log.Sync()
}

// withApp adapts a command body that needs the wired app.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}

// kiteSession returns the user's session as a concrete Kite client, for
// the broker features outside domain.Broker such as GTT.
func (a *app) kiteSession(ctx context.Context) (*kite.Client, error) {
	u, err := a.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.AccessToken == "" {
		return nil, domain.ErrNoSession
	}
	return a.gateway.Session(u.AccessToken), nil
}
