package main

import (
	"os/signal"
	"syscall"

	"fleetsync/internal/connectivity"
	"fleetsync/internal/offline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Probe the API and drain the queue whenever it comes back",
	Long: `Run in the foreground, polling the API health endpoint. Every transition
from offline to online replays the backlog once, and while online any pending
work is retried each probe interval. Stops on SIGINT or SIGTERM.`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openAgent(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	probe := connectivity.NewProbe(agentConf.APIURL, agentConf.ProbeInterval, nil, logger)
	probe.Start(ctx)
	defer probe.Stop()

	observer := connectivity.NewObserver(probe, a.queue, logger)
	observer.OnDrain = func(result offline.DrainResult, err error) {
		for _, op := range result.Failed {
			logger.Warn("rejected by server", zap.String("id", op.ID), zap.String("kind", string(op.Kind)), zap.String("error", op.LastError))
		}
	}
	observer.RetryInterval = agentConf.ProbeInterval
	observer.Start(ctx)
	defer observer.Close()

	logger.Info("watching", zap.String("api", agentConf.APIURL), zap.Duration("interval", agentConf.ProbeInterval))
	<-ctx.Done()
	logger.Info("stopping watch")
	return nil
}
