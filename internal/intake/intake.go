// Package intake creates, cancels and lists scheduled messages and sends
// immediate ones. It never touches jobs that are in flight.
package intake

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/slackq/internal/delivery"
	"github.com/SirClappington/slackq/internal/domain"
)

const (
	DefaultMinLead = 10 * time.Second

	// MaxTextLength is the provider's limit on message text, in characters.
	MaxTextLength = 40000

	DefaultListLimit = 500
)

type Store interface {
	InsertJob(ctx context.Context, job domain.Job) (domain.Job, error)
	CancelJob(ctx context.Context, tenantID string, id uuid.UUID, now time.Time) (domain.Job, error)
	ListJobs(ctx context.Context, tenantID string, statuses []domain.Status, limit int) ([]domain.Job, error)
}

type Sender interface {
	PostMessage(ctx context.Context, tenantID, channelID, text string) (delivery.Posted, error)
	GetPermalink(ctx context.Context, tenantID, channelID, messageID string) (string, error)
}

// ValidationError rejects a request before anything is stored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

type ScheduleRequest struct {
	TenantID  string
	ChannelID string
	Text      string
	SendAt    time.Time
}

// SendResult is the outcome of an immediate send.
type SendResult struct {
	MessageID string
	Permalink *string
}

type Service struct {
	store   Store
	sender  Sender
	minLead time.Duration
	log     *zap.Logger
	clock   func() time.Time
}

func New(store Store, sender Sender, minLead time.Duration, log *zap.Logger) *Service {
	if minLead <= 0 {
		minLead = DefaultMinLead
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:   store,
		sender:  sender,
		minLead: minLead,
		log:     log.Named("intake"),
		clock:   time.Now,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) MinLead() time.Duration { return s.minLead }

// Schedule queues a message for delivery at req.SendAt, which must be at
// least the minimum lead time in the future.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (domain.Job, error) {
	if err := validateMessage(req.TenantID, req.ChannelID, req.Text); err != nil {
		return domain.Job{}, err
	}
	if req.SendAt.IsZero() {
		return domain.Job{}, &ValidationError{Field: "send_at", Reason: "is required"}
	}
	now := s.clock().UTC()
	if req.SendAt.Before(now.Add(s.minLead)) {
		return domain.Job{}, &ValidationError{
			Field:  "send_at",
			Reason: fmt.Sprintf("must be at least %s in the future", s.minLead),
		}
	}

	job, err := s.store.InsertJob(ctx, domain.Job{
		ID:        uuid.New(),
		TenantID:  req.TenantID,
		ChannelID: req.ChannelID,
		Text:      req.Text,
		SendAt:    req.SendAt.UTC(),
		CreatedAt: now,
	})
	if err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	s.log.Info("message scheduled",
		zap.String("job_id", job.ID.String()),
		zap.String("tenant_id", job.TenantID),
		zap.String("channel_id", job.ChannelID),
		zap.Time("send_at", job.SendAt))
	return job, nil
}

// Cancel cancels a scheduled or retry job. It returns domain.ErrNotFound for
// unknown, sending, sent or already cancelled jobs.
func (s *Service) Cancel(ctx context.Context, tenantID string, id uuid.UUID) (domain.Job, error) {
	job, err := s.store.CancelJob(ctx, tenantID, id, s.clock().UTC())
	if err != nil {
		return domain.Job{}, err
	}
	s.log.Info("message cancelled", zap.String("job_id", id.String()), zap.String("tenant_id", tenantID))
	return job, nil
}

// List returns the tenant's jobs ordered by send instant. Cancelled jobs are
// included only on request.
func (s *Service) List(ctx context.Context, tenantID string, includeCancelled bool) ([]domain.Job, error) {
	statuses := append([]domain.Status(nil), domain.Visible...)
	if includeCancelled {
		statuses = append(statuses, domain.Cancelled)
	}
	return s.store.ListJobs(ctx, tenantID, statuses, DefaultListLimit)
}

// SendNow posts a message immediately and resolves its permalink best effort.
func (s *Service) SendNow(ctx context.Context, tenantID, channelID, text string) (SendResult, error) {
	if err := validateMessage(tenantID, channelID, text); err != nil {
		return SendResult{}, err
	}
	posted, err := s.sender.PostMessage(ctx, tenantID, channelID, text)
	if err != nil {
		return SendResult{}, err
	}

	res := SendResult{MessageID: posted.MessageID}
	link, err := s.sender.GetPermalink(ctx, tenantID, channelID, posted.MessageID)
	if err != nil {
		s.log.Warn("permalink lookup failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
	if link != "" {
		res.Permalink = &link
	}
	return res, nil
}

func validateMessage(tenantID, channelID, text string) error {
	if tenantID == "" {
		return &ValidationError{Field: "tenant_id", Reason: "is required"}
	}
	if channelID == "" {
		return &ValidationError{Field: "channel_id", Reason: "is required"}
	}
	if text == "" {
		return &ValidationError{Field: "text", Reason: "is required"}
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return &ValidationError{Field: "text", Reason: fmt.Sprintf("exceeds %d characters", MaxTextLength)}
	}
	return nil
}
