// Package credentials keeps each tenant's OAuth token set and hands out
// access tokens that are valid for at least the refresh margin.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/SirClappington/slackq/internal/domain"
)

var (
	ErrNoCredential  = errors.New("no credential stored for tenant")
	ErrRefreshFailed = errors.New("credential refresh failed")
)

// RefreshError wraps the cause of a failed refresh. It matches ErrRefreshFailed.
type RefreshError struct {
	TenantID string
	Err      error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh credential for tenant %s: %v", e.TenantID, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

func (e *RefreshError) Is(target error) bool { return target == ErrRefreshFailed }

type Repository interface {
	FindCredential(ctx context.Context, tenantID string) (domain.Credential, error)
	UpsertCredential(ctx context.Context, cred domain.Credential) error
}

// Grant is a token set issued by the provider in exchange for a refresh token.
type Grant struct {
	AccessToken  string
	RefreshToken string // empty when the provider did not rotate it
	TokenType    string
	Scopes       []string
	ExpiresIn    time.Duration // zero when the token does not expire
}

type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Grant, error)
}

type MetricsSink interface {
	CredentialRefresh(outcome string) // outcome: "ok", "failed"
}

const DefaultRefreshMargin = 30 * time.Second

// refreshTimeout bounds a refresh flight, which runs detached from its callers.
const refreshTimeout = 30 * time.Second

type Store struct {
	repo      Repository
	refresher Refresher
	margin    time.Duration
	log       *zap.Logger
	clock     func() time.Time
	metrics   MetricsSink
	group     singleflight.Group
}

func New(repo Repository, refresher Refresher, margin time.Duration, log *zap.Logger) *Store {
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		repo:      repo,
		refresher: refresher,
		margin:    margin,
		log:       log.Named("credentials"),
		clock:     time.Now,
	}
}

// WithMetrics attaches a metrics sink to the store.
func (s *Store) WithMetrics(sink MetricsSink) *Store {
	s.metrics = sink
	return s
}

// WithClock replaces the time source.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// GetValid returns the tenant's credential, refreshing and persisting it first
// when its access token expires within the refresh margin.
func (s *Store) GetValid(ctx context.Context, tenantID string) (domain.Credential, error) {
	cred, err := s.find(ctx, tenantID)
	if err != nil {
		return domain.Credential{}, err
	}
	if !cred.NeedsRefresh(s.clock(), s.margin) {
		return cred, nil
	}

	// The flight outlives its first caller: once the provider rotates the
	// refresh token the new grant must be stored.
	ch := s.group.DoChan(tenantID, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return s.refresh(fctx, tenantID)
	})
	select {
	case <-ctx.Done():
		return domain.Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.Credential{}, res.Err
		}
		return res.Val.(domain.Credential), nil
	}
}

// Save installs or replaces the tenant's credential.
func (s *Store) Save(ctx context.Context, cred domain.Credential) error {
	if cred.TenantID == "" || cred.AccessToken == "" {
		return errors.New("credential requires tenant id and access token")
	}
	now := s.clock().UTC()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now
	if err := s.repo.UpsertCredential(ctx, cred); err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

func (s *Store) find(ctx context.Context, tenantID string) (domain.Credential, error) {
	cred, err := s.repo.FindCredential(ctx, tenantID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Credential{}, ErrNoCredential
	}
	if err != nil {
		return domain.Credential{}, fmt.Errorf("find credential: %w", err)
	}
	return cred, nil
}

func (s *Store) refresh(ctx context.Context, tenantID string) (domain.Credential, error) {
	// Re-read inside the flight: a refresh that finished just before this one
	// started has already rotated the refresh token.
	cred, err := s.find(ctx, tenantID)
	if err != nil {
		return domain.Credential{}, err
	}
	now := s.clock()
	if !cred.NeedsRefresh(now, s.margin) {
		return cred, nil
	}

	if cred.RefreshToken == nil || *cred.RefreshToken == "" {
		s.record("failed")
		return domain.Credential{}, &RefreshError{TenantID: tenantID, Err: errors.New("no refresh token")}
	}

	grant, err := s.refresher.Refresh(ctx, *cred.RefreshToken)
	if err != nil {
		s.record("failed")
		s.log.Warn("refresh rejected", zap.String("tenant_id", tenantID), zap.Error(err))
		return domain.Credential{}, &RefreshError{TenantID: tenantID, Err: err}
	}

	cred.AccessToken = grant.AccessToken
	if grant.RefreshToken != "" {
		rt := grant.RefreshToken
		cred.RefreshToken = &rt
	}
	if grant.TokenType != "" {
		cred.TokenType = grant.TokenType
	}
	if len(grant.Scopes) > 0 {
		cred.Scopes = grant.Scopes
	}
	cred.ExpiresAt = nil
	if grant.ExpiresIn > 0 {
		exp := now.Add(grant.ExpiresIn).UTC()
		cred.ExpiresAt = &exp
	}
	cred.UpdatedAt = now.UTC()

	if err := s.repo.UpsertCredential(ctx, cred); err != nil {
		s.record("failed")
		return domain.Credential{}, fmt.Errorf("persist refreshed credential: %w", err)
	}

	s.record("ok")
	s.log.Info("credential refreshed", zap.String("tenant_id", tenantID))
	return cred, nil
}

func (s *Store) record(outcome string) {
	if s.metrics != nil {
		s.metrics.CredentialRefresh(outcome)
	}
}
