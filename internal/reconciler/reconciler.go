// Package reconciler repairs jobs stuck in sending.
//
// A job stays in sending when its worker died, or failed to persist the
// outcome, after claiming it. For each such job older than the threshold the
// reconciler consults the delivery ledger: a receipt means the post went out
// and the job is finalized as sent; no receipt means it is requeued as retry
// and will be posted again.
package reconciler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/slackq/internal/domain"
	"github.com/SirClappington/slackq/internal/ledger"
	"github.com/SirClappington/slackq/internal/scheduler"
)

// LockKey is the advisory lock held while a sweep runs.
const LockKey int64 = 0x736c6b71

type Store interface {
	ListStuckSending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Job, error)
	MarkSent(ctx context.Context, id uuid.UUID, d domain.Delivery, now time.Time) error
	MarkRetry(ctx context.Context, id uuid.UUID, retryCount int, sendAt, now time.Time) error
}

type Locker interface {
	TryLock(ctx context.Context, key int64) (release func(), ok bool, err error)
}

type Receipts interface {
	Lookup(ctx context.Context, jobID uuid.UUID) (ledger.Receipt, bool, error)
}

type Permalinks interface {
	GetPermalink(ctx context.Context, tenantID, channelID, messageID string) (string, error)
}

type MetricsSink interface {
	ReconcileAction(action string) // action: "finalized", "requeued", "skipped"
}

type Config struct {
	// Interval is how often the reconciler runs.
	Interval time.Duration

	// Threshold is how long a job may stay in sending before it is repaired.
	// It must exceed the longest possible scheduler pass.
	Threshold time.Duration

	// BatchSize caps the jobs repaired per cycle.
	BatchSize int

	BackoffUnit time.Duration
	MaxBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Minute,
		Threshold:   10 * time.Minute,
		BatchSize:   100,
		BackoffUnit: 60 * time.Second,
		MaxBackoff:  time.Hour,
	}
}

// Result counts what one cycle did.
type Result struct {
	Finalized int
	Requeued  int
	Skipped   int
	Locked    bool // another instance held the lock, nothing was done
}

type Reconciler struct {
	config     Config
	store      Store
	locker     Locker
	receipts   Receipts
	permalinks Permalinks
	log        *zap.Logger
	clock      func() time.Time
	metrics    MetricsSink
}

// New creates a Reconciler. locker and permalinks may be nil.
func New(config Config, store Store, locker Locker, receipts Receipts, permalinks Permalinks, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		config:     config,
		store:      store,
		locker:     locker,
		receipts:   receipts,
		permalinks: permalinks,
		log:        log.Named("reconciler"),
		clock:      time.Now,
	}
}

// WithMetrics attaches a metrics sink to the reconciler.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// WithClock replaces the time source.
func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// Run executes a cycle immediately and then every Interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.log.Info("reconciler started",
		zap.Duration("interval", r.config.Interval),
		zap.Duration("threshold", r.config.Threshold),
		zap.Int("batch", r.config.BatchSize))

	r.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return nil
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

func (r *Reconciler) cycle(ctx context.Context) {
	res, err := r.RunCycle(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("reconcile cycle failed", zap.Error(err))
		}
		return
	}
	if res.Finalized+res.Requeued+res.Skipped > 0 {
		r.log.Info("reconcile cycle complete",
			zap.Int("finalized", res.Finalized),
			zap.Int("requeued", res.Requeued),
			zap.Int("skipped", res.Skipped))
	}
}

// RunCycle repairs up to BatchSize stuck jobs. Per-job failures are counted
// as skipped and retried next cycle; only a failed listing or lock attempt
// returns an error.
func (r *Reconciler) RunCycle(ctx context.Context) (Result, error) {
	if r.locker != nil {
		release, ok, err := r.locker.TryLock(ctx, LockKey)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{Locked: true}, nil
		}
		defer release()
	}

	now := r.clock().UTC()
	stuck, err := r.store.ListStuckSending(ctx, now.Add(-r.config.Threshold), r.config.BatchSize)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, job := range stuck {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		switch r.repair(ctx, job, now) {
		case "finalized":
			res.Finalized++
		case "requeued":
			res.Requeued++
		default:
			res.Skipped++
		}
	}
	return res, nil
}

func (r *Reconciler) repair(ctx context.Context, job domain.Job, now time.Time) (action string) {
	log := r.log.With(zap.String("job_id", job.ID.String()), zap.String("tenant_id", job.TenantID))
	defer func() {
		if r.metrics != nil {
			r.metrics.ReconcileAction(action)
		}
	}()

	rc, found, err := r.receipts.Lookup(ctx, job.ID)
	if err != nil {
		log.Warn("receipt lookup failed, skipping", zap.Error(err))
		return "skipped"
	}

	if found {
		var permalink *string
		if r.permalinks != nil {
			if link, err := r.permalinks.GetPermalink(ctx, job.TenantID, job.ChannelID, rc.MessageID); err == nil && link != "" {
				permalink = &link
			}
		}
		d := domain.Delivery{MessageID: rc.MessageID, Permalink: permalink, SentAt: rc.SentAt}
		if err := r.store.MarkSent(ctx, job.ID, d, now); err != nil {
			log.Warn("finalize failed, skipping", zap.Error(err))
			return "skipped"
		}
		log.Info("stuck job finalized from receipt", zap.String("provider_message_id", rc.MessageID))
		return "finalized"
	}

	retryCount := job.RetryCount + 1
	sendAt := now.Add(scheduler.LinearBackoff(r.config.BackoffUnit, r.config.MaxBackoff, retryCount))
	if err := r.store.MarkRetry(ctx, job.ID, retryCount, sendAt, now); err != nil {
		log.Warn("requeue failed, skipping", zap.Error(err))
		return "skipped"
	}
	log.Warn("stuck job requeued without receipt",
		zap.Int("retry_count", retryCount), zap.Time("next_attempt", sendAt))
	return "requeued"
}
