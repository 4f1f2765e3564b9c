// Package main is the entrypoint for the sweeper daemon.
//
// The sweeper is the recovery path of the pipeline: on a cron cadence it
// resets jobs stuck in queued/retrying past the SLA back to pending, and
// re-runs the materialization scan over recent occurrence dates so that
// days missed during an outage are backfilled. Both operations are
// idempotent, so overlapping sweeper replicas are safe.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"wellwisher/internal/clock"
	"wellwisher/internal/config"
	"wellwisher/internal/db"
	"wellwisher/internal/metrics"
	"wellwisher/internal/ops"
	"wellwisher/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg, "sweeper")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("sweeper exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("sweeper stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	var recorder metrics.PipelineMetrics = metrics.Noop{}
	if cfg.Environment != "local" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Queue.Region))
		if err != nil {
			return err
		}
		recorder = metrics.NewRecorder(cloudwatch.NewFromConfig(awsCfg), cfg.Environment, logger)
	}

	policy := clock.LeapDayPolicy(cfg.Schedule.LeapDayPolicy)
	jobs := db.NewScheduleJobRepository(pool)
	users := db.NewUserRepository(pool)

	scanner := scheduler.NewScanner(users, jobs, cfg.Schedule.SendHourLocal, policy, recorder, logger)
	sweeper := scheduler.NewSweeper(jobs, scanner,
		cfg.Schedule.StuckSLA, cfg.Schedule.SweepBatch, cfg.Schedule.BackfillDays,
		recorder, logger)

	opsServer := ops.NewServer("sweeper", cfg.Ops.Port, logger,
		ops.ProbeFunc{ProbeName: "database", Check: pool.Ping},
	)

	clk := clock.SystemClock{}
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(cfg.Schedule.SweepSpec, func() {
		if err := sweeper.RunOnce(ctx, clk.Now()); err != nil {
			logger.ErrorContext(ctx, "sweep failed", "error", err)
		}
	}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return opsServer.Run(gctx) })
	g.Go(func() error {
		c.Start()
		<-gctx.Done()
		<-c.Stop().Done()
		return gctx.Err()
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
