package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/patientflow/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/patientflow/internal/http/middleware"
	"github.com/wolfman30/patientflow/pkg/logging"
)

// Config holds router configuration. Nil handlers leave their routes out.
type Config struct {
	Logger         *logging.Logger
	Health         *handlers.HealthHandler
	Appointments   *handlers.AppointmentsHandler
	Webhooks       *handlers.WebhookHandler
	MetricsHandler http.Handler
	APIJWTSecret   string
	RateLimitRPS   float64
	RateLimitBurst int
}

// New creates the chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	// Public endpoints (probes, metrics, provider webhooks)
	r.Group(func(public chi.Router) {
		if cfg.Health != nil {
			public.Get("/health/live", cfg.Health.Live)
			public.Get("/health/ready", cfg.Health.Ready)
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.Webhooks != nil {
			public.Route("/webhooks", func(r chi.Router) {
				r.Post("/text", cfg.Webhooks.TextInbound)
				r.Post("/voice", cfg.Webhooks.VoiceInbound)
				r.Post("/voice/gather", cfg.Webhooks.VoiceGather)
				r.Post("/voice/status", cfg.Webhooks.VoiceStatus)
				r.Post("/voice/recording", cfg.Webhooks.VoiceRecording)
			})
		}
	})

	// Booking API (org-scoped JWT)
	if cfg.Appointments != nil {
		r.Group(func(api chi.Router) {
			api.Use(httpmiddleware.OrgJWT(cfg.APIJWTSecret))
			api.Use(httpmiddleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
			api.Use(middleware.AllowContentType("application/json"))

			api.Route("/appointments", func(r chi.Router) {
				r.Post("/", cfg.Appointments.Book)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", cfg.Appointments.Get)
					r.Delete("/", cfg.Appointments.Cancel)
					r.Put("/reschedule", cfg.Appointments.Reschedule)
					r.Post("/confirm", cfg.Appointments.Confirm)
					r.Post("/complete", cfg.Appointments.Complete)
					r.Post("/no-show", cfg.Appointments.NoShow)
				})
			})
			api.Get("/doctors", cfg.Appointments.ListDoctors)
			api.Get("/doctors/{id}/availability", cfg.Appointments.Availability)
			api.Get("/patients/{id}/appointments", cfg.Appointments.PatientAppointments)
		})
	}

	return r
}
