// Package app assembles the components shared by the binaries.
package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/slackq/internal/api"
	"github.com/SirClappington/slackq/internal/config"
	"github.com/SirClappington/slackq/internal/credentials"
	"github.com/SirClappington/slackq/internal/delivery"
	"github.com/SirClappington/slackq/internal/domain"
	"github.com/SirClappington/slackq/internal/intake"
	"github.com/SirClappington/slackq/internal/ledger"
	"github.com/SirClappington/slackq/internal/metrics"
	"github.com/SirClappington/slackq/internal/reconciler"
	"github.com/SirClappington/slackq/internal/scheduler"
	"github.com/SirClappington/slackq/internal/slack"
	"github.com/SirClappington/slackq/internal/storage"
)

// Storage is everything the components need from the job and credential store.
type Storage interface {
	scheduler.Store
	reconciler.Store
	reconciler.Locker
	intake.Store
	credentials.Repository
	GetJob(ctx context.Context, tenantID string, id uuid.UUID) (domain.Job, error)
}

type App struct {
	Config config.Config
	Log    *zap.Logger

	Pool  *pgxpool.Pool // nil with the memory driver
	Redis *r.Client     // nil without REDIS_ADDR

	Store    Storage
	Receipts ledger.Ledger

	Registry *prometheus.Registry
	Metrics  metrics.Sink

	Slack       *slack.Client
	Credentials *credentials.Store
	Delivery    *delivery.Client
}

// New connects the backing services named by cfg and builds the shared
// components. Close releases the connections.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Config: cfg, Log: log}

	switch cfg.StorageDriver {
	case config.DriverMemory:
		log.Warn("using in-memory storage; jobs are lost on exit")
		a.Store = storage.NewMemory()
	default:
		pool, err := storage.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.Pool = pool
		a.Store = storage.New(pool)
	}

	if cfg.RedisAddr != "" {
		a.Redis = r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		rl := ledger.NewRedis(a.Redis, cfg.LedgerTTL)
		if err := rl.Ping(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		a.Receipts = rl
	} else {
		log.Warn("REDIS_ADDR not set; delivery receipts are kept in memory")
		a.Receipts = ledger.NewMemory()
	}

	if cfg.MetricsAddr != "" {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.Metrics = metrics.NewPrometheusSink(a.Registry, log)
	} else {
		a.Metrics = metrics.NewNoopSink()
	}

	a.Slack = slack.New(slack.Options{
		BaseURL:      cfg.SlackAPIURL,
		ClientID:     cfg.SlackClientID,
		ClientSecret: cfg.SlackClientSecret,
		Timeout:      cfg.SlackHTTPTimeout,
		RatePerSec:   cfg.SlackRatePerSec,
		Burst:        cfg.SlackRateBurst,
	}).WithMetrics(a.Metrics)

	a.Credentials = credentials.New(a.Store, credentials.SlackRefresher{Client: a.Slack}, cfg.RefreshMargin, log).
		WithMetrics(a.Metrics)
	a.Delivery = delivery.New(a.Credentials, a.Slack, log)
	return a, nil
}

func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

func (a *App) Intake() *intake.Service {
	return intake.New(a.Store, a.Delivery, a.Config.MinLead, a.Log)
}

func (a *App) Scheduler() *scheduler.Scheduler {
	return scheduler.New(scheduler.Config{
		PollInterval: a.Config.PollInterval,
		BackoffUnit:  a.Config.BackoffUnit,
		MaxBackoff:   a.Config.MaxBackoff,
	}, a.Store, a.Delivery, a.Receipts, a.Log).WithMetrics(a.Metrics)
}

func (a *App) Reconciler() *reconciler.Reconciler {
	return reconciler.New(reconciler.Config{
		Interval:    a.Config.ReconcileInterval,
		Threshold:   a.Config.ReconcileThreshold,
		BatchSize:   a.Config.ReconcileBatchSize,
		BackoffUnit: a.Config.BackoffUnit,
		MaxBackoff:  a.Config.MaxBackoff,
	}, a.Store, a.Store, a.Receipts, a.Delivery, a.Log).WithMetrics(a.Metrics)
}

// Handler builds the HTTP API with a health check per connected backend.
func (a *App) Handler(messages api.Messages) *api.Handler {
	h := api.NewHandler(messages, a.Delivery, a.Log).WithToken(a.Config.APIToken)
	if a.Pool != nil {
		h.WithHealthCheck("postgres", a.Pool.Ping)
	}
	if a.Redis != nil {
		h.WithHealthCheck("redis", func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		})
	}
	return h
}
