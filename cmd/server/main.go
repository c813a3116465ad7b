// Command server starts the AI request scheduler HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ai "github.com/fairyhunter13/ai-request-scheduler/internal/adapter/ai"
	"github.com/fairyhunter13/ai-request-scheduler/internal/adapter/ai/anthropic"
	"github.com/fairyhunter13/ai-request-scheduler/internal/adapter/ai/openai"
	"github.com/fairyhunter13/ai-request-scheduler/internal/adapter/ai/stub"
	httpserver "github.com/fairyhunter13/ai-request-scheduler/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-request-scheduler/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-scheduler/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/ai-request-scheduler/internal/app"
	"github.com/fairyhunter13/ai-request-scheduler/internal/config"
	"github.com/fairyhunter13/ai-request-scheduler/internal/usecase"
	"github.com/fairyhunter13/ai-request-scheduler/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, queue, and worker instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	if cfg.CostTablePath != "" {
		if err := ai.LoadCostTable(cfg.CostTablePath); err != nil {
			slog.Error("cost table load failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	// Queue and its manager
	queue, err := redisq.NewQueue(redisq.Options{URL: cfg.RedisURL, KeyPrefix: cfg.QueueKeyPrefix})
	if err != nil {
		slog.Error("queue init failed", slog.Any("error", err))
		os.Exit(1)
	}
	qm := redisq.NewManager(queue, redisq.ManagerConfig{
		CleanupInterval:         cfg.CleanupInterval,
		StaleRequestTimeout:     cfg.StaleRequestTimeout,
		RetryDelay:              cfg.RetryDelay,
		MaxRetries:              cfg.MaxRetries,
		GracefulShutdownTimeout: cfg.GracefulShutdownTimeout,
	})

	// Providers: discover what is configured, fall back to the stub so dev
	// environments work without credentials.
	maxElapsed, initial, maxIval, mult := cfg.GetAIBackoffConfig()
	backoffCfg := ai.BackoffSettings{
		MaxElapsedTime:  maxElapsed,
		InitialInterval: initial,
		MaxInterval:     maxIval,
		Multiplier:      mult,
	}
	registry := ai.NewRegistry(
		openai.New(openai.Config{
			APIKey:       cfg.OpenAIAPIKey,
			BaseURL:      cfg.OpenAIBaseURL,
			DefaultModel: cfg.OpenAIModel,
			Backoff:      backoffCfg,
		}),
		anthropic.New(anthropic.Config{
			APIKey:       cfg.AnthropicAPIKey,
			BaseURL:      cfg.AnthropicBaseURL,
			DefaultModel: cfg.AnthropicModel,
			Backoff:      backoffCfg,
		}),
		stub.New(),
	)
	defaultProvider := cfg.DefaultProvider
	providers, err := registry.CreateManager(defaultProvider)
	if err != nil {
		// Configured default is not usable; fall back to the stub.
		slog.Warn("default provider unavailable, falling back to stub",
			slog.String("provider", defaultProvider), slog.Any("error", err))
		providers, err = registry.CreateManager("stub")
		if err != nil {
			slog.Error("no usable provider", slog.Any("error", err))
			os.Exit(1)
		}
	}
	slog.Info("providers initialized", slog.Any("names", providers.Names()))

	// Processor owns the lifecycle and reports status for the reaper.
	proc := usecase.NewProcessor(qm, providers)
	qm.SetStatusReporter(proc)
	if err := proc.Start(ctx); err != nil {
		slog.Error("processor start failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Worker pool
	pool, err := worker.NewPool(qm.Queue(), proc, worker.PoolConfig{
		MaxWorkers:                cfg.MaxWorkers,
		MinWorkers:                cfg.MinWorkers,
		QueuePollInterval:         cfg.QueuePollInterval,
		WorkerHealthCheckInterval: cfg.WorkerHealthCheckInterval,
		QueueItemsPerWorker:       cfg.QueueItemsPerWorker,
		GracefulShutdownTimeout:   cfg.GracefulShutdownTimeout,
		Worker:                    worker.Config{ProcessingTimeout: cfg.ProcessingTimeout},
	})
	if err != nil {
		slog.Error("pool init failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := pool.Start(ctx); err != nil {
		slog.Error("pool start failed", slog.Any("error", err))
		os.Exit(1)
	}

	// HTTP server
	srv := httpserver.NewServer(cfg, proc, pool, registry)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	// Drain order: stop handing out work, then the background tasks, then
	// the HTTP listener.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := pool.Stop(shutdownCtx); err != nil {
		slog.Error("pool stop failed", slog.Any("error", err))
	}
	if err := proc.Stop(shutdownCtx); err != nil {
		slog.Error("processor stop failed", slog.Any("error", err))
	}
	_ = srvHTTP.Shutdown(shutdownCtx)
}
