// Command pipeline runs the durable write pipeline consumer: it drains
// bounded batches of queued write records, persists them through the batch
// consolidator, acknowledges what was committed or permanently dropped, and
// routes messages past their maximum delivery count to the dead-letter
// stream. It also sweeps expired idempotency records on a schedule.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/radiant-ai/pipeline/internal/config"
	"github.com/radiant-ai/pipeline/internal/consolidator"
	"github.com/radiant-ai/pipeline/internal/idempotency"
	"github.com/radiant-ai/pipeline/internal/observability"
	"github.com/radiant-ai/pipeline/internal/queue"
	"github.com/radiant-ai/pipeline/internal/store"
	"github.com/radiant-ai/pipeline/internal/version"
)

const (
	defaultConfigPath   = "pipeline.yaml"
	otelShutdownTimeout = 5 * time.Second
)

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flagSet := flag.NewFlagSet("pipeline", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	showVersion := flagSet.Bool("version", false, "Print version and exit")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Println(version.String())
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime)
	}

	writeStore, idempotencyStore, err := openStorage(cfg.Storage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize storage: %v\n", err)
		return 1
	}
	defer func() {
		if err := writeStore.Close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}()

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queueClient, err := queue.New(ctx, queue.Config{
		URL:           cfg.Queue.URL,
		Password:      cfg.Queue.Password,
		Stream:        cfg.Queue.Stream,
		ConsumerGroup: cfg.Queue.ConsumerGroup,
		BlockMS:       cfg.Queue.BlockMS,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		LeaseMS:       cfg.Queue.LeaseMS,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize queue: %v\n", err)
		return 1
	}
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Error("failed to close queue", "error", err)
		}
	}()

	guard := idempotency.NewGuard(idempotencyStore, logger)
	cons := consolidator.New(writeStore, logger, consolidator.Metrics{
		OnPersisted: otelRuntime.RecordPersisted,
		OnRetried:   otelRuntime.RecordRetried,
		OnDropped:   otelRuntime.RecordDropped,
	})

	logger.Info("pipeline consumer started",
		"version", version.String(),
		"stream", cfg.Queue.Stream,
		"storage_driver", cfg.Storage.Driver,
		"batch_size", cfg.Consumer.BatchSize,
	)

	cleanupDone := startCleanupSweep(ctx, guard, logger, time.Duration(cfg.Consumer.CleanupIntervalMS)*time.Millisecond)
	consumeLoop(ctx, cfg.Consumer, queueClient, cons, logger)
	<-cleanupDone

	logger.Info("pipeline consumer stopped")
	return 0
}

func openStorage(cfg config.StorageConfig) (store.WriteStore, idempotency.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		sqliteStore, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return sqliteStore, sqliteStore, nil
	case "postgres":
		postgresStore, err := store.NewPostgresStore(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return postgresStore, postgresStore, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage.driver %q", cfg.Driver)
	}
}

// consumeLoop drains one bounded batch per iteration. Each invocation runs
// under its own deadline; on deadline expiry the whole invocation's messages
// stay pending and are reclaimed after the lease elapses.
func consumeLoop(ctx context.Context, cfg config.ConsumerConfig, queueClient *queue.Client, cons *consolidator.Consolidator, logger *slog.Logger) {
	pollInterval := time.Duration(cfg.PollIntervalMS) * time.Millisecond
	invocationTimeout := time.Duration(cfg.InvocationTimeoutMS) * time.Millisecond

	for ctx.Err() == nil {
		batch, err := queueClient.ReadBatch(ctx, cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("queue read failed", "error", err)
			sleepContext(ctx, pollInterval)
			continue
		}
		if len(batch) == 0 {
			continue
		}

		invocationCtx, cancel := context.WithTimeout(ctx, invocationTimeout)
		failed := cons.Consolidate(invocationCtx, batch)
		cancel()

		handleOutcome(ctx, queueClient, batch, failed, logger)
	}
}

// handleOutcome acknowledges everything the consolidator did not report as
// failed and dead-letters failed messages that exhausted their attempts.
func handleOutcome(ctx context.Context, queueClient *queue.Client, batch []queue.Message, failed []string, logger *slog.Logger) {
	failedSet := make(map[string]struct{}, len(failed))
	for _, id := range failed {
		failedSet[id] = struct{}{}
	}

	acked := make([]string, 0, len(batch))
	for _, msg := range batch {
		if _, retry := failedSet[msg.ID]; !retry {
			acked = append(acked, msg.ID)
		}
	}
	if err := queueClient.Ack(ctx, acked...); err != nil {
		// Redelivered duplicates are no-ops at the store, so a failed ack
		// costs a retry, not a duplicate row.
		logger.Error("batch ack failed", "messages", len(acked), "error", err)
	}

	for _, msg := range batch {
		if _, retry := failedSet[msg.ID]; !retry {
			continue
		}
		exceeded, err := queueClient.ExceededMaxAttempts(ctx, msg.ID)
		if err != nil {
			logger.Error("delivery count lookup failed", "message_id", msg.ID, "error", err)
			continue
		}
		if !exceeded {
			continue
		}
		if err := queueClient.MoveToDeadLetter(ctx, msg, "max delivery attempts exceeded"); err != nil {
			logger.Error("dead letter move failed", "message_id", msg.ID, "error", err)
			continue
		}
		logger.Warn("message dead-lettered", "message_id", msg.ID)
	}
}

// startCleanupSweep deletes expired idempotency records on a schedule.
func startCleanupSweep(ctx context.Context, guard *idempotency.Guard, logger *slog.Logger, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted, err := guard.CleanupExpired(ctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("idempotency cleanup sweep failed", "error", err)
					continue
				}
				if deleted > 0 {
					logger.Info("idempotency cleanup sweep", "deleted", deleted)
				}
			}
		}
	}()
	return done
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
	defer cancel()
	if err := runtime.Shutdown(ctx); err != nil {
		logger.Error("opentelemetry shutdown failed", "error", err)
	}
}
