package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/screenroast/screenroast/internal/api"
	"github.com/screenroast/screenroast/internal/queue"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, the queue consumers, and the scheduled refresh",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		g, ctx := errgroup.WithContext(ctx)

		// Queue consumers
		consumer := queue.NewConsumer(env.Queue, env.Pipeline, env.Store, cfg.Queue.MaxAttempts)
		g.Go(func() error {
			err := consumer.Run(ctx, cfg.Queue.MaxWorkers)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})

		// Scheduled refresh
		if cfg.Refresh.Enabled {
			sched := cron.New()
			_, err := sched.AddFunc(cfg.Refresh.CronSpec, func() {
				correlationID := uuid.NewString()
				outcome, err := env.Orchestrator.Run(ctx, correlationID)
				if err != nil {
					zap.L().Error("scheduled refresh failed",
						zap.String("correlation_id", correlationID),
						zap.Error(err),
					)
					return
				}
				zap.L().Info("scheduled refresh finished",
					zap.String("correlation_id", correlationID),
					zap.String("outcome", string(outcome)),
				)
			})
			if err != nil {
				return eris.Wrapf(err, "serve: cron spec %q", cfg.Refresh.CronSpec)
			}
			sched.Start()
			defer sched.Stop()
			zap.L().Info("refresh scheduled", zap.String("cron", cfg.Refresh.CronSpec))
		}

		// Read API
		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		server := api.NewServer(env.Store, env.Tracker, env.Orchestrator, cfg.Server.AllowedOrigins)
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "serve: listen")
			}
			return nil
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
