package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/clinicore/scheduling/internal/scheduling"
	"github.com/clinicore/scheduling/internal/telehealth"
)

type RouterConfig struct {
	Service      *scheduling.Service
	Availability *scheduling.AvailabilityGenerator
	Correlator   *telehealth.Correlator
	PgPool       *pgxpool.Pool
	Redis        *redis.Client
	Log          *zap.Logger
	Env          string
	Version      string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID", "X-Acting-Role", "X-Acting-ID"},
		MaxAge:         300,
	}))
	r.Use(httprate.LimitByIP(120, time.Minute))

	// Health and metrics endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	h := NewHandlers(cfg.Service, cfg.Availability, cfg.Correlator, cfg.Log)

	// Availability endpoints
	r.Get("/practitioners/{id}/availability", h.listAvailability)
	r.Post("/practitioners/{id}/availability/materialize", h.materializeAvailability)

	// Appointment endpoints
	r.Post("/appointments", h.createAppointment)
	r.Get("/appointments/{id}", h.getAppointment)
	r.Post("/appointments/{id}/confirm", h.confirmAppointment)
	r.Post("/appointments/{id}/cancel", h.cancelAppointment)
	r.Post("/appointments/{id}/reschedule", h.rescheduleAppointment)
	r.Post("/appointments/{id}/video-room", h.createVideoRoom)
	r.Get("/patients/{id}/appointments", h.listPatientAppointments)

	// Provider callbacks
	r.Post("/webhooks/video", h.videoWebhook)

	return r
}
