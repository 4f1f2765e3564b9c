// Package main is the entrypoint for the enqueuer daemon.
//
// The enqueuer polls the schedule ledger on a fixed tick, atomically
// claims jobs whose UTC send time has arrived, and publishes one queue
// message per claimed job. Multiple replicas may run concurrently; the
// claim query hands out disjoint rows.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"golang.org/x/sync/errgroup"

	"wellwisher/internal/clock"
	"wellwisher/internal/config"
	"wellwisher/internal/db"
	"wellwisher/internal/metrics"
	"wellwisher/internal/ops"
	"wellwisher/internal/queue"
	"wellwisher/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg, "enqueuer")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("enqueuer exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("enqueuer stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Queue.Region))
	if err != nil {
		return err
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Queue.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.Queue.EndpointURL)
		}
	})

	var recorder metrics.PipelineMetrics = metrics.Noop{}
	if cfg.Environment != "local" {
		recorder = metrics.NewRecorder(cloudwatch.NewFromConfig(awsCfg), cfg.Environment, logger)
	}

	jobs := db.NewScheduleJobRepository(pool)
	publisher := queue.NewPublisher(sqsClient, cfg.Queue, logger)
	enqueuer := scheduler.NewEnqueuer(jobs, publisher, cfg.Schedule.EnqueueBatch, recorder, logger)

	opsServer := ops.NewServer("enqueuer", cfg.Ops.Port, logger,
		ops.ProbeFunc{ProbeName: "database", Check: pool.Ping},
	)

	clk := clock.SystemClock{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return opsServer.Run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(cfg.Schedule.EnqueueInterval)
		defer ticker.Stop()

		for {
			published, err := enqueuer.RunOnce(gctx, clk.Now())
			if err != nil {
				logger.ErrorContext(gctx, "enqueue pass failed", "error", err)
			} else if published > 0 {
				logger.InfoContext(gctx, "enqueue pass complete", "published", published)
			}

			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
			}
		}
	})

	return g.Wait()
}

// newLogger builds the JSON slog logger shared by all daemons.
func newLogger(cfg *config.Config, service string) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("service", service, "env", cfg.Environment)
}
