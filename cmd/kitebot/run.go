package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start every active strategy and trade until interrupted",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			started, err := a.strategies.StartActive(ctx)
			if err != nil {
				return err
			}
			a.log.Info("Engine started", zap.Int("strategies", started))

			<-ctx.Done()
			a.log.Info("Shutting down, stopping strategies", zap.Int64s("running", a.registry.Running()))
			a.registry.StopAll()
			a.log.Info("Engine stopped")
			return nil
		}),
	}
}
