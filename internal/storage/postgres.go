// Package storage persists scheduled messages and tenant credentials.
//
// Store is the PostgreSQL implementation and the source of truth in
// production. Memory mirrors its semantics for development and tests.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SirClappington/slackq/internal/domain"
)

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

// Connect opens a pool and verifies the server is reachable.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// InsertJob persists a new job in status scheduled. A nil ID is assigned.
func (s *Store) InsertJob(ctx context.Context, job domain.Job) (domain.Job, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = domain.Scheduled
	job.RetryCount = 0
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UpdatedAt = job.CreatedAt

	_, err := s.db.Exec(ctx, queryInsertJob,
		job.ID, job.TenantID, job.ChannelID, job.Text, job.SendAt, string(job.Status), job.CreatedAt,
	)
	if err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

// ClaimDue moves the oldest due scheduled or retry job to sending and returns
// it. The boolean is false when nothing is due.
func (s *Store) ClaimDue(ctx context.Context, now time.Time) (domain.Job, bool, error) {
	job, err := scanJob(s.db.QueryRow(ctx, queryClaimDue, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

// MarkSent records delivery. It returns domain.ErrTransitionDenied unless the
// job is in sending.
func (s *Store) MarkSent(ctx context.Context, id uuid.UUID, d domain.Delivery, now time.Time) error {
	tag, err := s.db.Exec(ctx, queryMarkSent, id, d.SentAt, d.MessageID, d.Permalink, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTransitionDenied
	}
	return nil
}

// MarkRetry reschedules a failed attempt. It returns domain.ErrTransitionDenied
// unless the job is in sending.
func (s *Store) MarkRetry(ctx context.Context, id uuid.UUID, retryCount int, sendAt, now time.Time) error {
	tag, err := s.db.Exec(ctx, queryMarkRetry, id, retryCount, sendAt, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTransitionDenied
	}
	return nil
}

// CancelJob cancels a scheduled or retry job owned by the tenant. Any other
// case, including an unknown id, returns domain.ErrNotFound.
func (s *Store) CancelJob(ctx context.Context, tenantID string, id uuid.UUID, now time.Time) (domain.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, queryCancelJob, id, tenantID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, domain.ErrNotFound
	}
	return job, err
}

func (s *Store) GetJob(ctx context.Context, tenantID string, id uuid.UUID) (domain.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, queryGetJob, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, domain.ErrNotFound
	}
	return job, err
}

// ListJobs returns the tenant's jobs in the given statuses ordered by send instant.
func (s *Store) ListJobs(ctx context.Context, tenantID string, statuses []domain.Status, limit int) ([]domain.Job, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.db.Query(ctx, queryListJobs, tenantID, names, limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// ListStuckSending returns jobs claimed before olderThan that never left sending.
func (s *Store) ListStuckSending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Job, error) {
	rows, err := s.db.Query(ctx, queryListStuckSending, olderThan, limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *Store) FindCredential(ctx context.Context, tenantID string) (domain.Credential, error) {
	var c domain.Credential
	err := s.db.QueryRow(ctx, queryFindCredential, tenantID).Scan(
		&c.TenantID,
		&c.AccessToken,
		&c.RefreshToken,
		&c.TokenType,
		&c.Scopes,
		&c.ExpiresAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Credential{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Credential{}, err
	}
	return c, nil
}

func (s *Store) UpsertCredential(ctx context.Context, c domain.Credential) error {
	scopes := c.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	tokenType := c.TokenType
	if tokenType == "" {
		tokenType = "bot"
	}
	_, err := s.db.Exec(ctx, queryUpsertCredential,
		c.TenantID, c.AccessToken, c.RefreshToken, tokenType, scopes, c.ExpiresAt, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

// TryLock takes a session-level advisory lock on a dedicated connection.
// When ok is true the caller must call release.
func (s *Store) TryLock(ctx context.Context, key int64) (release func(), ok bool, err error) {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire conn: %w", err)
	}
	if err := conn.QueryRow(ctx, queryTryAdvisoryLock, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctx, queryAdvisoryUnlock, key)
		conn.Release()
	}, true, nil
}

func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
	defer rows.Close()

	out := []domain.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var status string
	err := row.Scan(
		&j.ID,
		&j.TenantID,
		&j.ChannelID,
		&j.Text,
		&j.SendAt,
		&status,
		&j.RetryCount,
		&j.SentAt,
		&j.ProviderMessageID,
		&j.Permalink,
		&j.ClaimedAt,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		return domain.Job{}, err
	}
	j.Status = domain.Status(status)
	return j, nil
}
