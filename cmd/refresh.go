package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/screenroast/screenroast/internal/queue"
	"github.com/screenroast/screenroast/internal/refresh"
)

var refreshDrainIdle time.Duration

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run one catalog refresh cycle and drain the work queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		// Consumers must be listening before the orchestrator publishes;
		// the in-process queue drops messages with no subscriber.
		consumerCtx, cancelConsumer := context.WithCancel(ctx)
		defer cancelConsumer()

		consumer := queue.NewConsumer(env.Queue, env.Pipeline, env.Store, cfg.Queue.MaxAttempts)
		consumerDone := make(chan error, 1)
		go func() {
			consumerDone <- consumer.Run(consumerCtx, cfg.Queue.MaxWorkers)
		}()

		correlationID := uuid.NewString()
		outcome, err := env.Orchestrator.Run(ctx, correlationID)
		if err != nil {
			return err
		}
		if outcome == refresh.OutcomeSkipped {
			fmt.Fprintln(os.Stderr, "A refresh is already running; nothing to do.")
			return nil
		}

		// Wait for the queue to drain: no message handled for the idle
		// window and none in flight.
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				zap.L().Warn("interrupted before queue drained")
				return nil
			case <-ticker.C:
				if consumer.IdleFor(refreshDrainIdle) {
					cancelConsumer()
					if err := <-consumerDone; err != nil && !errors.Is(err, context.Canceled) {
						return err
					}
					zap.L().Info("refresh drained",
						zap.String("correlation_id", correlationID),
					)
					return nil
				}
			}
		}
	},
}

func init() {
	refreshCmd.Flags().DurationVar(&refreshDrainIdle, "drain-idle", 5*time.Second, "exit after the queue has been idle this long")
	rootCmd.AddCommand(refreshCmd)
}
