// Package scheduler delivers due jobs one claim at a time.
//
// Each pass claims the oldest due job (the claim moves it to sending inside a
// single conditional update), posts it, and records exactly one of sent or
// retry. Failing to record that outcome leaves the job stuck in sending; the
// pass reports it as *PersistenceError and the running loop stops.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/slackq/internal/delivery"
	"github.com/SirClappington/slackq/internal/domain"
	"github.com/SirClappington/slackq/internal/ledger"
)

type Store interface {
	ClaimDue(ctx context.Context, now time.Time) (domain.Job, bool, error)
	MarkSent(ctx context.Context, id uuid.UUID, d domain.Delivery, now time.Time) error
	MarkRetry(ctx context.Context, id uuid.UUID, retryCount int, sendAt, now time.Time) error
}

type Sender interface {
	PostMessage(ctx context.Context, tenantID, channelID, text string) (delivery.Posted, error)
	GetPermalink(ctx context.Context, tenantID, channelID, messageID string) (string, error)
}

type Receipts interface {
	Record(ctx context.Context, jobID uuid.UUID, r ledger.Receipt) error
}

// MetricsSink records scheduler activity. Implementations must not block.
type MetricsSink interface {
	PassCompleted(outcome string, d time.Duration)
	PersistenceFault()
}

type Config struct {
	PollInterval time.Duration
	BackoffUnit  time.Duration
	MaxBackoff   time.Duration // 0 leaves backoff growth unbounded
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		BackoffUnit:  60 * time.Second,
		MaxBackoff:   time.Hour,
	}
}

// PersistenceError means the outcome of an attempt could not be stored and
// the job is left in sending.
type PersistenceError struct {
	JobID uuid.UUID
	Op    string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s for job %s: %v", e.Op, e.JobID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

type Outcome string

const (
	OutcomeIdle  Outcome = "idle"
	OutcomeSent  Outcome = "sent"
	OutcomeRetry Outcome = "retry"

	// OutcomeLost means the job left sending before the outcome was written,
	// normally because the reconciler took it over.
	OutcomeLost Outcome = "lost"
)

// PassResult describes one pass. Job holds the claimed job in its final state
// and is zero for an idle pass.
type PassResult struct {
	Outcome Outcome
	Job     domain.Job
	Err     error // the delivery failure behind a retry
}

// outcomeWriteTimeout bounds the outcome writes, which run detached from the
// caller's context.
const outcomeWriteTimeout = 10 * time.Second

type Scheduler struct {
	config   Config
	store    Store
	sender   Sender
	receipts Receipts
	log      *zap.Logger
	clock    func() time.Time
	metrics  MetricsSink
}

func New(config Config, store Store, sender Sender, receipts Receipts, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		config:   config,
		store:    store,
		sender:   sender,
		receipts: receipts,
		log:      log.Named("scheduler"),
		clock:    time.Now,
	}
}

// WithMetrics attaches a metrics sink to the scheduler.
func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

// WithClock replaces the time source.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// LinearBackoff returns retryCount*unit, capped at max when max is positive.
func LinearBackoff(unit, max time.Duration, retryCount int) time.Duration {
	d := time.Duration(retryCount) * unit
	if max > 0 && d > max {
		return max
	}
	return d
}

// Backoff returns the delay before attempt retryCount+1.
func (s *Scheduler) Backoff(retryCount int) time.Duration {
	return LinearBackoff(s.config.BackoffUnit, s.config.MaxBackoff, retryCount)
}

// RunOnce claims at most one due job and executes it.
//
// Once a job is claimed the pass no longer observes ctx cancellation: the post
// and the outcome writes always run to completion.
func (s *Scheduler) RunOnce(ctx context.Context) (PassResult, error) {
	start := s.clock()

	job, ok, err := s.store.ClaimDue(ctx, start.UTC())
	if err != nil {
		s.record("claim_error", start)
		return PassResult{}, fmt.Errorf("claim due job: %w", err)
	}
	if !ok {
		s.record(string(OutcomeIdle), start)
		return PassResult{Outcome: OutcomeIdle}, nil
	}

	log := s.log.With(
		zap.String("job_id", job.ID.String()),
		zap.String("tenant_id", job.TenantID),
		zap.String("channel_id", job.ChannelID),
	)
	log.Info("processing scheduled message", zap.Time("send_at", job.SendAt), zap.Int("retry_count", job.RetryCount))

	res, err := s.execute(context.WithoutCancel(ctx), job, log)
	if err != nil {
		s.record("persistence_error", start)
		if s.metrics != nil {
			s.metrics.PersistenceFault()
		}
		return res, err
	}
	s.record(string(res.Outcome), start)
	return res, nil
}

func (s *Scheduler) execute(ctx context.Context, job domain.Job, log *zap.Logger) (PassResult, error) {
	posted, err := s.sender.PostMessage(ctx, job.TenantID, job.ChannelID, job.Text)
	if err != nil {
		return s.retry(ctx, job, err, log)
	}

	sentAt := s.clock().UTC()
	if s.receipts != nil {
		rc := ledger.Receipt{MessageID: posted.MessageID, ChannelID: posted.Channel, SentAt: sentAt}
		if err := s.receipts.Record(ctx, job.ID, rc); err != nil {
			log.Warn("delivery receipt not recorded", zap.Error(err))
		}
	}

	var permalink *string
	link, err := s.sender.GetPermalink(ctx, job.TenantID, job.ChannelID, posted.MessageID)
	if err != nil {
		log.Warn("permalink lookup failed", zap.Error(err))
	}
	if link != "" {
		permalink = &link
	}

	d := domain.Delivery{MessageID: posted.MessageID, Permalink: permalink, SentAt: sentAt}
	wctx, cancel := context.WithTimeout(ctx, outcomeWriteTimeout)
	defer cancel()
	err = s.store.MarkSent(wctx, job.ID, d, sentAt)
	if errors.Is(err, domain.ErrTransitionDenied) {
		log.Warn("claim lost before sent outcome was written",
			zap.String("provider_message_id", posted.MessageID))
		return PassResult{Outcome: OutcomeLost, Job: job}, nil
	}
	if err != nil {
		log.Error("sent outcome not persisted, job left in sending",
			zap.String("provider_message_id", posted.MessageID), zap.Error(err))
		return PassResult{Job: job}, &PersistenceError{JobID: job.ID, Op: "sent", Err: err}
	}

	job.Status = domain.Sent
	job.SentAt = &sentAt
	job.ProviderMessageID = &d.MessageID
	job.Permalink = permalink
	job.UpdatedAt = sentAt
	log.Info("scheduled message sent", zap.String("provider_message_id", posted.MessageID))
	return PassResult{Outcome: OutcomeSent, Job: job}, nil
}

func (s *Scheduler) retry(ctx context.Context, job domain.Job, cause error, log *zap.Logger) (PassResult, error) {
	now := s.clock().UTC()
	retryCount := job.RetryCount + 1
	sendAt := now.Add(s.Backoff(retryCount))

	wctx, cancel := context.WithTimeout(ctx, outcomeWriteTimeout)
	defer cancel()
	err := s.store.MarkRetry(wctx, job.ID, retryCount, sendAt, now)
	if errors.Is(err, domain.ErrTransitionDenied) {
		log.Warn("claim lost before retry outcome was written", zap.Error(cause))
		return PassResult{Outcome: OutcomeLost, Job: job, Err: cause}, nil
	}
	if err != nil {
		log.Error("retry outcome not persisted, job left in sending", zap.NamedError("cause", cause), zap.Error(err))
		return PassResult{Job: job, Err: cause}, &PersistenceError{JobID: job.ID, Op: "retry", Err: err}
	}

	job.Status = domain.Retry
	job.RetryCount = retryCount
	job.SendAt = sendAt
	job.ClaimedAt = nil
	job.UpdatedAt = now
	log.Warn("scheduled send failed",
		zap.Int("retry_count", retryCount), zap.Time("next_attempt", sendAt), zap.Error(cause))
	return PassResult{Outcome: OutcomeRetry, Job: job, Err: cause}, nil
}

func (s *Scheduler) record(outcome string, start time.Time) {
	if s.metrics != nil {
		s.metrics.PassCompleted(outcome, s.clock().Sub(start))
	}
}

// Handle controls a scheduler loop started by Start.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Stop cancels the loop and waits for the in-flight pass to finish.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

// Done is closed when the loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the fault that stopped the loop, or nil if it was stopped by
// its caller. It is only meaningful after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Start runs a pass immediately and then one per PollInterval until ctx is
// cancelled, Stop is called, or a pass returns *PersistenceError.
func (s *Scheduler) Start(ctx context.Context) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer cancel()
		h.err = s.loop(ctx)
	}()
	return h
}

func (s *Scheduler) loop(ctx context.Context) error {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.log.Info("scheduler started",
		zap.Duration("poll_interval", s.config.PollInterval),
		zap.Duration("backoff_unit", s.config.BackoffUnit),
		zap.Duration("max_backoff", s.config.MaxBackoff))

	// A backlog left by a restart is picked up without waiting for the first tick.
	if err := s.pass(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			if err := s.pass(ctx); err != nil {
				return err
			}
		}
	}
}

// pass runs RunOnce and returns only the faults that stop the loop.
func (s *Scheduler) pass(ctx context.Context) error {
	_, err := s.RunOnce(ctx)
	var perr *PersistenceError
	if errors.As(err, &perr) {
		s.log.Error("scheduler halted on persistence fault", zap.Error(err))
		return err
	}
	if err != nil && ctx.Err() == nil {
		s.log.Warn("scheduler pass failed", zap.Error(err))
	}
	return nil
}
