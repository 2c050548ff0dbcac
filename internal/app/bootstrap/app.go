package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/patientflow/internal/appointments"
	appconfig "github.com/wolfman30/patientflow/internal/config"
	"github.com/wolfman30/patientflow/internal/conversation"
	"github.com/wolfman30/patientflow/internal/events"
	"github.com/wolfman30/patientflow/internal/intent"
	"github.com/wolfman30/patientflow/internal/interactions"
	"github.com/wolfman30/patientflow/internal/llm"
	"github.com/wolfman30/patientflow/internal/messaging"
	"github.com/wolfman30/patientflow/internal/observability/metrics"
	"github.com/wolfman30/patientflow/internal/voice"
	"github.com/wolfman30/patientflow/pkg/logging"
)

// Metrics groups the Prometheus collectors of one process.
type Metrics struct {
	Scheduling   *metrics.SchedulingMetrics
	Conversation *metrics.ConversationMetrics
	Voice        *metrics.VoiceMetrics
	Webhooks     *metrics.WebhookMetrics
}

// NewMetrics registers every collector on reg.
func NewMetrics(reg prometheus.Registerer) Metrics {
	return Metrics{
		Scheduling:   metrics.NewSchedulingMetrics(reg),
		Conversation: metrics.NewConversationMetrics(reg),
		Voice:        metrics.NewVoiceMetrics(reg),
		Webhooks:     metrics.NewWebhookMetrics(reg),
	}
}

// App holds everything the binaries share.
type App struct {
	Config  *appconfig.Config
	Logger  *logging.Logger
	Metrics Metrics

	Pool  *pgxpool.Pool
	Redis *redis.Client

	Repository   appointments.Repository
	Ledger       *appointments.Ledger
	Interactions interactions.Logger
	Deduper      events.Deduper
	LLM          llm.Client
	Classifier   intent.Classifier
	Sender       messaging.Sender

	Conversation *conversation.Engine
	Calls        *voice.CallStore
	Voice        *voice.Engine

	PostCallQueue voice.Queue
	// InlinePostCall is set when the post-call queue lives in this process
	// and its worker must run here too.
	InlinePostCall bool

	awsCfg aws.Config
}

// Build connects to the configured backends and wires the engines.
func Build(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, reg prometheus.Registerer, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	app := &App{Config: cfg, Logger: logger, Metrics: NewMetrics(reg), awsCfg: awsCfg}

	pool, err := BuildPostgresPool(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	app.Pool = pool
	app.Redis = BuildRedisClient(ctx, cfg, logger, true)

	app.Interactions = BuildInteractionStore(pool)
	app.Ledger, app.Repository, err = BuildLedger(ctx, cfg, LedgerDeps{
		Pool:    pool,
		Redis:   app.Redis,
		Audit:   app.Interactions,
		Metrics: app.Metrics.Scheduling,
		Logger:  logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	kv := BuildKVStore(cfg, app.Redis, logger)
	app.Deduper = BuildDeduper(cfg, app.Redis, pool, logger)

	if app.LLM, err = BuildLLMClient(ctx, cfg, awsCfg, logger); err != nil {
		app.Close()
		return nil, err
	}
	app.Classifier = BuildClassifier(cfg, app.LLM, logger)
	app.Sender = BuildSender(cfg, logger)

	slot := time.Duration(cfg.DefaultSlotMinutes) * time.Minute
	app.Conversation = conversation.NewEngine(app.Ledger, conversation.NewSessionStore(kv, cfg.SessionTTL), app.Classifier,
		conversation.WithMessageLogger(app.Interactions),
		conversation.WithMetrics(app.Metrics.Conversation),
		conversation.WithLogger(logger),
		conversation.WithLocation(cfg.Location()),
		conversation.WithSlotDuration(slot),
	)

	if app.PostCallQueue, app.InlinePostCall, err = BuildPostCallQueue(cfg, awsCfg, logger); err != nil {
		app.Close()
		return nil, err
	}
	app.Calls = voice.NewCallStore(kv, 0)
	app.Voice = voice.NewEngine(app.Ledger, app.Calls, app.voiceOptions(slot)...)
	return app, nil
}

func (a *App) voiceOptions(slot time.Duration) []voice.Option {
	cfg := a.Config
	opts := []voice.Option{
		voice.WithConfig(voice.Config{
			ClinicName:          cfg.ClinicName,
			MaxGatherAttempts:   cfg.IVRMaxGatherAttempts,
			ProvisionalHour:     cfg.ProvisionalHour,
			ProvisionalDuration: slot,
		}),
		voice.WithClassifier(a.Classifier),
		voice.WithCallLogger(a.Interactions),
		voice.WithPostCall(voice.NewPublisher(a.PostCallQueue)),
		voice.WithMetrics(a.Metrics.Voice),
		voice.WithLogger(a.Logger),
	}
	if synth := BuildSynthesizer(cfg, a.awsCfg); synth != nil {
		opts = append(opts, voice.WithSynthesizer(synth))
	}
	if a.LLM != nil {
		opts = append(opts, voice.WithResponder(voice.NewLLMResponder(a.LLM)))
	}
	if a.Sender != nil {
		opts = append(opts, voice.WithSender(a.Sender))
	}
	return opts
}

// PostCallWorker builds the consumer for the post-call queue.
func (a *App) PostCallWorker() *voice.Worker {
	var summarizer voice.Summarizer
	if a.LLM != nil {
		summarizer = voice.NewLLMSummarizer(a.LLM)
	}
	transcriber := BuildTranscriber(a.Config, a.awsCfg, a.Metrics.Voice, a.Logger)
	processor := voice.NewProcessor(a.Calls, transcriber, summarizer, a.Interactions, a.Logger)
	return voice.NewWorker(processor, a.PostCallQueue, a.Logger, voice.WithWorkerCount(a.Config.WorkerCount))
}

// Close releases the backend connections.
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("close redis", "error", err)
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
