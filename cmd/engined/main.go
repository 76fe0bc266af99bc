// Package main is the entrypoint for the growmate notification engine
// daemon.
//
// Startup:
//  1. Initialize the structured logger.
//  2. Load and validate configuration from the environment.
//  3. Open the pgx connection pool and construct repositories.
//  4. Initialize AWS clients (SQS transport, CloudWatch metrics).
//  5. Construct the engine facade, sweep loop, retention loop, and HTTP
//     control surface.
//  6. Serve until SIGINT/SIGTERM, then drain: stop loops, shut down HTTP,
//     close the pool.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"growmate/internal/api"
	"growmate/internal/config"
	"growmate/internal/engine"
	"growmate/internal/maintenance"
	"growmate/internal/metrics"
	"growmate/internal/prefs"
	"growmate/internal/store"
	"growmate/internal/transport"
	"growmate/internal/types"
)

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
// slog.Logger satisfies Info, Error, and Warn directly, but With returns
// *slog.Logger rather than types.Logger, so an adapter is necessary.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

var _ types.Logger = (*slogAdapter)(nil)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "engined:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg)
	typedLogger := &slogAdapter{logger: logger}
	logger.Info("starting growmate engine",
		"environment", cfg.Environment,
		"service", cfg.Service,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open database pool: %w", err)
	}
	defer pool.Close()

	entries := store.NewScheduleEntryRepository(pool)
	deliveries := store.NewDeliveryRecordRepository(pool)
	taskSource := store.NewTaskSource(pool)
	prefSource := store.NewPreferenceSource(pool)

	awsOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
	}
	if cfg.AWS.EndpointURL != "" {
		awsOpts = append(awsOpts, awsconfig.WithBaseEndpoint(cfg.AWS.EndpointURL))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	clock := types.RealClock{}
	publisher := transport.NewPublisher(sqs.NewFromConfig(awsCfg), cfg.AWS.DeliveryQueue, clock, typedLogger)
	engineMetrics := metrics.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.AWS.MetricNamespace, clock, typedLogger)
	prefCache := prefs.NewCache(prefSource, cfg.Engine.ProfileCacheTTL, clock, typedLogger)

	eng := engine.New(engine.Config{
		UserID:     cfg.Engine.UserID,
		Entries:    entries,
		Deliveries: deliveries,
		Transport:  publisher,
		Prefs:      prefCache,
		Tasks:      taskSource,
		Clock:      clock,
		Logger:     typedLogger,
		Metrics:    engineMetrics,
		Tuning:     cfg.Engine,
	})

	sweepLoop := engine.NewLoop(eng, cfg.Engine.PollInterval, typedLogger)
	sweepLoop.Start(ctx)
	defer sweepLoop.Stop()

	retention := maintenance.NewRetentionService(entries, deliveries, cfg.Retention, clock, typedLogger)
	retentionLoop := maintenance.NewLoop(retention, cfg.Retention.Interval, typedLogger)
	retentionLoop.Start(ctx)
	defer retentionLoop.Stop()

	server := api.NewServer(eng, typedLogger)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + strings.TrimPrefix(cfg.Server.Port, ":")
		if err := server.Listen(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err.Error())
	}

	logger.Info("engine stopped")
	return nil
}

// newLogger builds the process logger at the configured level.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With(
		"service", cfg.Service,
		"env", cfg.Environment,
	)
}

// newPool opens the pgx connection pool with the configured tuning.
func newPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
