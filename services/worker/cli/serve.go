package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-submit/internal/backend"
	"github.com/ramiqadoumi/go-task-submit/internal/kafka"
	redisstore "github.com/ramiqadoumi/go-task-submit/internal/redis"
	"github.com/ramiqadoumi/go-task-submit/pkg/telemetry"
	"github.com/ramiqadoumi/go-task-submit/services/reconciler"
	"github.com/ramiqadoumi/go-task-submit/services/worker"
	"github.com/ramiqadoumi/go-task-submit/services/worker/config"
)

const (
	reconcilerLeaseKey = "reconciler:leader"
	reconcilerLeaseTTL = 3 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the worker pool",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("worker-id", "", "worker identity in logs and dead letters (default: random)")
	serveCmd.Flags().String("metrics-addr", ":9091", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	serveCmd.Flags().Bool("reconcile", false, "run the stale-task sweep in this process")
	serveCmd.Flags().String("reconcile-schedule", reconciler.DefaultSchedule, "cron schedule of the stale-task sweep")

	bindFlags(serveCmd.Flags())
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()[:8]
	}

	logger := buildLogger(cfg.LogLevel, "worker").With(slog.String("worker_id", workerID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "worker", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	b, err := backend.Open(initCtx, cfg.Backend(), logger)
	cancel()
	if err != nil {
		return err
	}
	defer b.Close()
	if !b.Shared() {
		logger.Warn("memory backends are process-local; this worker only sees tasks it creates itself")
	}

	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	opts := []worker.Option{
		worker.WithLogger(logger),
		worker.WithWorkerID(workerID),
		worker.WithConcurrency(cfg.Concurrency),
		worker.WithTimeout(cfg.TaskTimeout),
		worker.WithPolicy(policy),
	}
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		dlq := kafka.NewDeadLetterPublisher(kafka.NewProducer(brokers, kafka.TopicDLQ), workerID)
		defer func() { _ = dlq.Close() }()
		opts = append(opts, worker.WithDeadLetter(dlq))
	}
	pool := worker.NewPool(b.Store, b.Queue, cfg.Registry(), opts...)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, b.Checks()...)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down, draining in-flight tasks...")
		runCancel()
	}()

	var wg sync.WaitGroup
	if cfg.Reconcile {
		rOpts := []reconciler.Option{
			reconciler.WithLogger(logger.With(slog.String("component", "reconciler"))),
			reconciler.WithSchedule(cfg.ReconcileSchedule),
			reconciler.WithStaleAfter(cfg.StaleAfter),
			reconciler.WithGiveUpAfter(cfg.GiveUpAfter),
		}
		if b.Redis != nil {
			lease := redisstore.NewLease(b.Redis, reconcilerLeaseKey, workerID, reconcilerLeaseTTL)
			defer func() { _ = lease.Release(context.Background()) }()
			rOpts = append(rOpts, reconciler.WithLeader(lease))
		}
		rec := reconciler.New(b.Store, b.Queue, rOpts...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rec.Run(runCtx); err != nil {
				logger.Error("reconciler", slog.String("error", err.Error()))
			}
		}()
	}

	if err := pool.Run(runCtx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	runCancel()
	wg.Wait()

	logger.Info("stopped cleanly")
	return nil
}
