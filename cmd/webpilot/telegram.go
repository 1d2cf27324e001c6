package main

import (
	"context"
	"errors"
	"time"

	"github.com/rahul/webpilot/internal/agent"
	"github.com/rahul/webpilot/internal/gateway"
	"github.com/rahul/webpilot/internal/observability"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const heartbeatInterval = 30 * time.Second

func newTelegramCmd(a *app) *cobra.Command {
	var flags taskFlags

	cmd := &cobra.Command{
		Use:   "telegram",
		Short: "Serve instructions sent to the configured Telegram bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tgCfg, ok := a.cfg.GetTelegramConfig()
			if !ok || tgCfg.Token == "" {
				return errors.New("telegram gateway is not enabled or token is missing")
			}
			opts, err := a.options(cmd, &flags)
			if err != nil {
				return err
			}
			s, err := a.build(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			if out := cmd.OutOrStdout(); colorOutput(out) {
				observability.PrintBanner(out)
			}

			tg, err := gateway.NewTelegramGateway(tgCfg.Token, agent.NewScheduler(s.runner, a.cfg.Task.Concurrency), s.memory, a.logger.Zap().Named("telegram"))
			if err != nil {
				return err
			}
			tg.Options = opts
			tg.Allow(tgCfg.AllowedChats...)

			return serve(cmd.Context(), tg, s.runner.Tracker, a.logger)
		},
	}
	flags.register(cmd, false)
	return cmd
}

// serve runs m until ctx is done, logging a heartbeat and the task status
// every heartbeatInterval.
func serve(ctx context.Context, m gateway.Messenger, tracker *observability.Tracker, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return m.Start(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				tracker.Heartbeat()
				logger.LogHeartbeat()
				logger.Zap().Info(observability.RenderStatus(tracker.Snapshot(), false))
			}
		}
	})

	err := g.Wait()
	if stopErr := m.Stop(); stopErr != nil {
		logger.Zap().Warn("stop gateway", zap.Error(stopErr))
	}
	return err
}
