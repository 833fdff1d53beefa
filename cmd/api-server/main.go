package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/clinicore/scheduling/internal/api"
	"github.com/clinicore/scheduling/internal/config"
	"github.com/clinicore/scheduling/internal/db"
	"github.com/clinicore/scheduling/internal/notify"
	"github.com/clinicore/scheduling/internal/observability/metrics"
	redisclient "github.com/clinicore/scheduling/internal/redis"
	"github.com/clinicore/scheduling/internal/scheduling"
	"github.com/clinicore/scheduling/internal/telehealth"
	"github.com/clinicore/scheduling/pkg/logging"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", zap.Error(err))
		}
	}()
	logger.Info("connected to Redis")

	// Notification queue is optional; booking never depends on it.
	var notifier notify.Notifier = notify.Nop{}
	if cfg.AMQPURL != "" {
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			logger.Warn("amqp connection failed, notifications disabled", zap.Error(err))
		} else {
			defer conn.Close()
			publisher, err := notify.NewAMQPPublisher(conn, logger)
			if err != nil {
				logger.Warn("amqp publisher init failed, notifications disabled", zap.Error(err))
			} else {
				notifier = publisher
				logger.Info("connected to AMQP broker")
			}
		}
	}

	m := metrics.NewSchedulingMetrics(nil)

	repo := scheduling.NewPgRepository(pgPool)
	locker := redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL)
	policy := scheduling.NewPolicyEngine(cfg.ReferralMaxAge)
	svc := scheduling.NewService(repo, locker, policy, cfg, logger).
		WithNotifier(notifier).
		WithMetrics(m)
	availability := scheduling.NewAvailabilityGenerator(repo, cfg.AvailabilityHorizon, cfg.MinLeadTime)

	var correlator *telehealth.Correlator
	if cfg.VideoAPIBaseURL != "" {
		provider := telehealth.NewClient(cfg.VideoAPIBaseURL, cfg.VideoAPIKey)
		correlator = telehealth.NewCorrelator(provider, repo, logger)
	} else {
		logger.Info("no video provider configured, telehealth rooms disabled")
	}

	router := api.NewRouter(api.RouterConfig{
		Service:      svc,
		Availability: availability,
		Correlator:   correlator,
		PgPool:       pgPool,
		Redis:        rdb,
		Log:          logger,
		Env:          cfg.Env,
		Version:      version,
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}

	logger.Info("api-server stopped")
}
