package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/patientflow/cmd/mainconfig"
	"github.com/wolfman30/patientflow/internal/api/router"
	"github.com/wolfman30/patientflow/internal/app/bootstrap"
	appconfig "github.com/wolfman30/patientflow/internal/config"
	"github.com/wolfman30/patientflow/internal/http/handlers"
	"github.com/wolfman30/patientflow/internal/messaging"
	"github.com/wolfman30/patientflow/internal/observability/tracing"
	"github.com/wolfman30/patientflow/internal/voice"
	"github.com/wolfman30/patientflow/pkg/logging"
)

func main() {
	// Load configuration
	cfg := appconfig.Load()

	// Initialize logger
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting patientflow API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := tracing.Setup(ctx, "patientflow-api", cfg.OTLPEndpoint, cfg.Env != "production", logger)

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	reg := newRegistry()
	app, err := bootstrap.Build(ctx, cfg, awsCfg, reg, logger)
	if err != nil {
		logger.Error("failed to build application", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	// The in-process post-call queue needs its consumer here.
	var worker *voice.Worker
	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()
	if app.InlinePostCall {
		worker = app.PostCallWorker()
		worker.Start(workerCtx)
		logger.Info("inline post-call worker started", "workers", cfg.WorkerCount)
	}

	handler, err := newHandler(cfg, app, reg)
	if err != nil {
		logger.Error("failed to build router", "error", err)
		os.Exit(1)
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	logger.Info("shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	cancelWorker()
	if worker != nil {
		worker.Wait()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", "error", err)
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// newHandler builds the HTTP surface on top of the shared application.
func newHandler(cfg *appconfig.Config, app *bootstrap.App, reg *prometheus.Registry) (http.Handler, error) {
	phoneOrgs, err := cfg.PhoneOrgMap()
	if err != nil {
		return nil, err
	}
	webhooks := handlers.NewWebhookHandler(handlers.WebhookConfig{
		Secret:   cfg.WebhookSecret,
		Dedupe:   app.Deduper,
		Orgs:     messaging.NewStaticOrgResolver(phoneOrgs, cfg.DefaultOrgID),
		Text:     app.Conversation,
		Voice:    app.Voice,
		Renderer: voice.NewRenderer(cfg.PublicBaseURL, cfg.IVRVoice, cfg.IVRGatherTimeout),
		Sender:   app.Sender,
		Metrics:  app.Metrics.Webhooks,
		Logger:   app.Logger,
	})

	return router.New(&router.Config{
		Logger:         app.Logger,
		Health:         handlers.NewHealthHandler(healthChecks(app)),
		Appointments:   handlers.NewAppointmentsHandler(app.Ledger, app.Logger),
		Webhooks:       webhooks,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		APIJWTSecret:   cfg.APIJWTSecret,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}), nil
}

func healthChecks(app *bootstrap.App) map[string]handlers.Pinger {
	checks := map[string]handlers.Pinger{}
	if app.Pool != nil {
		checks["postgres"] = app.Pool.Ping
	}
	if app.Redis != nil {
		rdb := app.Redis
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	return checks
}
