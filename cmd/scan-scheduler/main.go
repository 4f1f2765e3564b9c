// Package main is the entrypoint for the scan-scheduler daemon.
//
// The scan-scheduler materializes schedule ledger rows: once per UTC day
// (cron) it finds users whose event occurs on the surrounding local
// calendar days and inserts one pending job per (user, message type,
// occurrence date). It also hosts the ledger housekeeping hook, the single
// endpoint through which the user CRUD service reports mutations that
// invalidate pending jobs.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"wellwisher/internal/clock"
	"wellwisher/internal/config"
	"wellwisher/internal/db"
	"wellwisher/internal/metrics"
	"wellwisher/internal/ops"
	"wellwisher/internal/scheduler"
	"wellwisher/internal/types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg, "scan-scheduler")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("scan-scheduler exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("scan-scheduler stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	recorder, err := newMetrics(ctx, cfg, logger)
	if err != nil {
		return err
	}

	policy := clock.LeapDayPolicy(cfg.Schedule.LeapDayPolicy)
	jobs := db.NewScheduleJobRepository(pool)
	users := db.NewUserRepository(pool)

	scanner := scheduler.NewScanner(users, jobs, cfg.Schedule.SendHourLocal, policy, recorder, logger)
	housekeeping := scheduler.NewHousekeeping(jobs, clock.SystemClock{}, cfg.Schedule.SendHourLocal, policy, logger)

	opsServer := ops.NewServer("scan-scheduler", cfg.Ops.Port, logger,
		ops.ProbeFunc{ProbeName: "database", Check: pool.Ping},
	)
	opsServer.Extend(func(r chi.Router) {
		r.Post("/internal/user-changed", userChangedHandler(housekeeping, logger))
	})

	clk := clock.SystemClock{}
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(cfg.Schedule.DailyScanSpec, func() {
		if _, err := scanner.RunDaily(ctx, clk.Now()); err != nil {
			logger.ErrorContext(ctx, "daily scan failed", "error", err)
		}
	}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return opsServer.Run(gctx) })
	g.Go(func() error {
		// Startup scan covers the case where the process was down when the
		// cron slot passed; repeats are idempotent.
		if _, err := scanner.RunDaily(gctx, clk.Now()); err != nil {
			logger.ErrorContext(gctx, "startup scan failed", "error", err)
		}
		c.Start()
		<-gctx.Done()
		<-c.Stop().Done()
		return gctx.Err()
	})

	return g.Wait()
}

// userChangedPayload mirrors the user projection the CRUD service posts
// when a user mutation may invalidate pending jobs.
type userChangedPayload struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	EventType   string `json:"event_type"`
	EventMonth  int    `json:"event_month"`
	EventDay    int    `json:"event_day"`
	EventYear   int    `json:"event_year"`
	Timezone    string `json:"timezone"`
	Address     string `json:"address"`
	Deleted     bool   `json:"deleted"`
}

func userChangedHandler(hk scheduler.UserChangeHandler, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload userChangedPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		if payload.ID == "" || !types.MessageType(payload.EventType).Valid() {
			http.Error(w, "missing id or unknown event_type", http.StatusBadRequest)
			return
		}

		user := &types.User{
			ID:          payload.ID,
			DisplayName: payload.DisplayName,
			EventType:   types.MessageType(payload.EventType),
			EventMonth:  time.Month(payload.EventMonth),
			EventDay:    payload.EventDay,
			EventYear:   payload.EventYear,
			Timezone:    payload.Timezone,
			Address:     payload.Address,
			Deleted:     payload.Deleted,
		}

		if err := hk.OnUserChanged(r.Context(), user); err != nil {
			logger.ErrorContext(r.Context(), "housekeeping hook failed",
				"user_id", user.ID,
				"error", err,
			)
			http.Error(w, "housekeeping failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
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

// newMetrics builds the CloudWatch recorder, or a no-op in local mode.
func newMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (metrics.PipelineMetrics, error) {
	if cfg.Environment == "local" {
		return metrics.Noop{}, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Queue.Region))
	if err != nil {
		return nil, err
	}
	return metrics.NewRecorder(cloudwatch.NewFromConfig(awsCfg), cfg.Environment, logger), nil
}
