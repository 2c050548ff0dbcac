package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/patientflow/cmd/mainconfig"
	"github.com/wolfman30/patientflow/internal/app/bootstrap"
	appconfig "github.com/wolfman30/patientflow/internal/config"
	"github.com/wolfman30/patientflow/internal/observability/tracing"
	"github.com/wolfman30/patientflow/pkg/logging"
)

func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	if cfg.UseMemoryQueue || cfg.PostCallQueueURL == "" {
		logger.Error("postcall-worker needs POSTCALL_QUEUE_URL; the in-memory queue runs inside the API")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := tracing.Setup(ctx, "patientflow-postcall-worker", cfg.OTLPEndpoint, cfg.Env != "production", logger)

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	app, err := bootstrap.Build(ctx, cfg, awsCfg, reg, logger)
	if err != nil {
		logger.Error("failed to build application", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	// Metrics only; the worker has no other HTTP surface.
	metricsSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	worker := app.PostCallWorker()
	worker.Start(ctx)
	logger.Info("post-call worker running", "workers", cfg.WorkerCount)

	<-ctx.Done()
	logger.Info("shutting down post-call worker...")
	worker.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", "error", err)
	}
	logger.Info("post-call worker stopped")
}
