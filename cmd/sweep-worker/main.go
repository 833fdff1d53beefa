package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/clinicore/scheduling/internal/config"
	"github.com/clinicore/scheduling/internal/db"
	"github.com/clinicore/scheduling/internal/notify"
	"github.com/clinicore/scheduling/internal/observability/metrics"
	"github.com/clinicore/scheduling/internal/reminder"
	redisclient "github.com/clinicore/scheduling/internal/redis"
	"github.com/clinicore/scheduling/internal/scheduling"
	"github.com/clinicore/scheduling/pkg/logging"
)

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

	logger.Info("sweep-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("sweep_interval", cfg.SweepInterval),
		zap.Duration("reminder_interval", cfg.ReminderInterval),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

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

	var notifier notify.Notifier = notify.Nop{}
	if cfg.AMQPURL != "" {
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			logger.Warn("amqp connection failed, reminders will be recorded but not delivered", zap.Error(err))
		} else {
			defer conn.Close()
			publisher, err := notify.NewAMQPPublisher(conn, logger)
			if err != nil {
				logger.Warn("amqp publisher init failed", zap.Error(err))
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
	reminders := reminder.NewScheduler(repo, notifier, logger).WithMetrics(m)
	lease := redisclient.NewRedisSweepLease(rdb, cfg.SweepLeaseTTL)

	w := &worker{
		lease:   lease,
		log:     logger,
		metrics: m,
	}

	// Run each sweep once at startup, then on its interval.
	w.run(rootCtx, "auto_complete", svc.AutoCompleteSweep)
	w.run(rootCtx, "no_show", svc.NoShowSweep)
	w.run(rootCtx, "reminder", reminders.Sweep)

	sweepTicker := time.NewTicker(cfg.SweepInterval)
	defer sweepTicker.Stop()
	reminderTicker := time.NewTicker(cfg.ReminderInterval)
	defer reminderTicker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping sweep worker")
			return
		case <-sweepTicker.C:
			w.run(rootCtx, "auto_complete", svc.AutoCompleteSweep)
			w.run(rootCtx, "no_show", svc.NoShowSweep)
		case <-reminderTicker.C:
			w.run(rootCtx, "reminder", reminders.Sweep)
		}
	}
}

type worker struct {
	lease   redisclient.SweepLease
	log     *zap.Logger
	metrics *metrics.SchedulingMetrics
}

// run executes one sweep under its lease. Losing the lease means another
// worker is on it; the sweeps are idempotent either way.
func (w *worker) run(ctx context.Context, name string, sweep func(context.Context) error) {
	acquired, release, err := w.lease.TryAcquire(ctx, name)
	if err != nil {
		w.log.Warn("sweep lease error", zap.String("sweep", name), zap.Error(err))
		w.metrics.ObserveSweep(name, "lease_error")
		return
	}
	if !acquired {
		w.metrics.ObserveSweep(name, "skipped")
		return
	}
	defer release()

	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	if err := sweep(runCtx); err != nil {
		w.log.Warn("sweep run error", zap.String("sweep", name), zap.Error(err))
		w.metrics.ObserveSweep(name, "error")
		return
	}
	w.metrics.ObserveSweep(name, "ok")
	w.log.Info("sweep run complete",
		zap.String("sweep", name),
		zap.Duration("duration", time.Since(start)),
	)
}
