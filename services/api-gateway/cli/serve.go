package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
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
	"github.com/ramiqadoumi/go-task-submit/internal/status"
	"github.com/ramiqadoumi/go-task-submit/pkg/telemetry"
	"github.com/ramiqadoumi/go-task-submit/services/api-gateway/config"
	"github.com/ramiqadoumi/go-task-submit/services/api-gateway/handler"
	"github.com/ramiqadoumi/go-task-submit/services/api-gateway/middleware"
	"github.com/ramiqadoumi/go-task-submit/services/dispatcher"
	"github.com/ramiqadoumi/go-task-submit/services/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	serveCmd.Flags().String("jwt-secret", "change-me-in-production", "HS256 signing secret")
	serveCmd.Flags().Duration("token-ttl", handler.DefaultTokenTTL, "access token lifetime")
	serveCmd.Flags().Int("rate-limit", 5, "task submissions allowed per client per window")
	serveCmd.Flags().Duration("rate-window", time.Minute, "rate limit window")
	serveCmd.Flags().Bool("embedded-workers", true, "run a worker pool inside the gateway")

	bindFlags(serveCmd.Flags())
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger := buildLogger(cfg.LogLevel, "api-gateway")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "api-gateway", cfg.OTelEndpoint)
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
	if !b.Shared() && !cfg.EmbeddedWorkers {
		return errors.New("memory backends require embedded_workers: no other process can reach them")
	}
	if len(cfg.Users) == 0 {
		logger.Warn("no users configured; every /token request will be rejected")
	}

	var limiter redisstore.RateLimiter
	if b.Redis != nil {
		limiter = redisstore.NewRateLimiter(b.Redis, cfg.RateLimit, cfg.RateWindow)
	} else {
		limiter = middleware.NewLocalRateLimiter(cfg.RateLimit, cfg.RateWindow)
	}

	router := handler.NewRouter(handler.Routes{
		REST: handler.NewREST(
			dispatcher.NewDispatcher(b.Store, b.Queue, dispatcher.WithLogger(logger)),
			status.NewResolver(b.Store, status.WithLogger(logger)),
			logger,
		),
		Auth:    handler.NewAuth(cfg.JWTSecret, cfg.Users, handler.WithTokenTTL(cfg.TokenTTL), handler.WithAuthLogger(logger)),
		Limiter: limiter,
		Checks:  b.Checks(),
		Logger:  logger,
	})

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, b.Checks()...)

	var wg sync.WaitGroup
	if cfg.EmbeddedWorkers {
		pool, closeDLQ, err := embeddedPool(cfg, b, logger)
		if err != nil {
			return err
		}
		defer closeDLQ()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Run(runCtx)
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		logger.Info("api-gateway HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}

	runCancel()
	wg.Wait()
	logger.Info("stopped")
	return nil
}

// embeddedPool builds the in-process worker pool. The returned func closes the
// dead-letter producer, if any.
func embeddedPool(cfg config.Config, b *backend.Backends, logger *slog.Logger) (*worker.Pool, func(), error) {
	policy, err := cfg.Policy()
	if err != nil {
		return nil, nil, err
	}
	workerID := "gateway-" + uuid.New().String()[:8]
	opts := []worker.Option{
		worker.WithLogger(logger.With(slog.String("component", "worker"))),
		worker.WithWorkerID(workerID),
		worker.WithConcurrency(cfg.Concurrency),
		worker.WithTimeout(cfg.TaskTimeout),
		worker.WithPolicy(policy),
	}

	closeDLQ := func() {}
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		dlq := kafka.NewDeadLetterPublisher(kafka.NewProducer(brokers, kafka.TopicDLQ), workerID)
		closeDLQ = func() { _ = dlq.Close() }
		opts = append(opts, worker.WithDeadLetter(dlq))
	}
	return worker.NewPool(b.Store, b.Queue, cfg.Registry(), opts...), closeDLQ, nil
}
