package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/therealutkarshpriyadarshi/encodejobs/internal/app"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/config"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/logging"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/metrics"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/queue"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/sweeper"
	"github.com/therealutkarshpriyadarshi/encodejobs/pkg/models"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	logger = logger.WithComponent("sweeper")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	var opts []sweeper.Option
	if a.Cache != nil {
		opts = append(opts, sweeper.WithLocker(a.Cache))
	}
	sw := sweeper.New(a.Manager, a.Webhook, cfg.Sweeper, logger, opts...)

	if a.Queue != nil {
		go consumeAlerts(ctx, a.Queue, sw, logger)
	}

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics.Port, logger)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.WithError(err).Error("Metrics server failed")
			}
		}()
		defer metricsServer.Shutdown(context.Background())
	}

	if err := sw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("Sweeper exited")
	}
}

// consumeAlerts runs an alert pass as soon as a job is exhausted instead of
// waiting for the next alert tick
func consumeAlerts(ctx context.Context, q *queue.Queue, sw *sweeper.Sweeper, logger *logging.Logger) {
	if err := q.DeclareEventQueue(queue.AlertQueue, models.JobEventExhausted); err != nil {
		logger.WithError(err).Warn("Failed to declare alert queue, relying on the alert ticker")
		return
	}
	if err := q.ConsumeEvents(ctx, queue.AlertQueue, sw.HandleEvent); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Warn("Alert consumer stopped")
	}
}
