// Package main is the entrypoint for the delivery-worker daemon.
//
// The delivery-worker long-polls the jobs queue with a bounded pool,
// composes each message via the type's composer, delivers it through the
// protected client, and records the outcome in the schedule ledger. Acks
// happen strictly after the ledger write; on shutdown in-flight deliveries
// get a bounded grace period and anything unfinished falls back to queue
// redelivery.
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

	"wellwisher/internal/config"
	"wellwisher/internal/db"
	"wellwisher/internal/delivery"
	"wellwisher/internal/messages"
	"wellwisher/internal/metrics"
	"wellwisher/internal/ops"
	"wellwisher/internal/queue"
	"wellwisher/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg, "delivery-worker")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("delivery-worker exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("delivery-worker stopped")
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
	users := db.NewUserRepository(pool)
	sender := delivery.NewClient(cfg.Delivery, logger)
	w := worker.New(jobs, users, messages.DefaultRegistry(), sender, cfg.Queue.MaxReceive, recorder, logger)

	publisher := queue.NewPublisher(sqsClient, cfg.Queue, logger)
	consumer := queue.NewConsumer(sqsClient, publisher, cfg.Queue, cfg.Delivery.WorkerConcurrency, logger)

	opsServer := ops.NewServer("delivery-worker", cfg.Ops.Port, logger,
		ops.ProbeFunc{ProbeName: "database", Check: pool.Ping},
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return opsServer.Run(gctx) })
	g.Go(func() error {
		done := make(chan error, 1)
		go func() { done <- consumer.Run(gctx, w) }()

		select {
		case err := <-done:
			return err
		case <-gctx.Done():
		}

		// Wait up to the grace period for in-flight handlers to drain;
		// whatever remains falls back to redelivery and the sweeper.
		select {
		case err := <-done:
			return err
		case <-time.After(cfg.Delivery.ShutdownGrace):
			logger.Warn("shutdown grace expired with deliveries in flight")
			return gctx.Err()
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
