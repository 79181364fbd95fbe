package storage

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SirClappington/slackq/internal/domain"
)

// Memory is an in-process store with the same conditional-update semantics
// as Store. A single mutex makes every claim and transition atomic.
type Memory struct {
	mu    sync.Mutex
	jobs  map[uuid.UUID]domain.Job
	creds map[string]domain.Credential
	locks map[int64]bool
}

func NewMemory() *Memory {
	return &Memory{
		jobs:  make(map[uuid.UUID]domain.Job),
		creds: make(map[string]domain.Credential),
		locks: make(map[int64]bool),
	}
}

func (m *Memory) InsertJob(ctx context.Context, job domain.Job) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = domain.Scheduled
	job.RetryCount = 0
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UpdatedAt = job.CreatedAt
	m.jobs[job.ID] = job
	return job, nil
}

func (m *Memory) ClaimDue(ctx context.Context, now time.Time) (domain.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *domain.Job
	for id := range m.jobs {
		j := m.jobs[id]
		if !claimable(j.Status) || j.SendAt.After(now) {
			continue
		}
		if best == nil || dueBefore(j, *best) {
			best = &j
		}
	}
	if best == nil {
		return domain.Job{}, false, nil
	}

	claimedAt := now
	best.Status = domain.Sending
	best.ClaimedAt = &claimedAt
	best.UpdatedAt = now
	m.jobs[best.ID] = *best
	return *best, true, nil
}

func (m *Memory) MarkSent(ctx context.Context, id uuid.UUID, d domain.Delivery, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status != domain.Sending {
		return domain.ErrTransitionDenied
	}
	sentAt, msgID := d.SentAt, d.MessageID
	j.Status = domain.Sent
	j.SentAt = &sentAt
	j.ProviderMessageID = &msgID
	j.Permalink = d.Permalink
	j.UpdatedAt = now
	m.jobs[id] = j
	return nil
}

func (m *Memory) MarkRetry(ctx context.Context, id uuid.UUID, retryCount int, sendAt, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status != domain.Sending {
		return domain.ErrTransitionDenied
	}
	j.Status = domain.Retry
	j.RetryCount = retryCount
	j.SendAt = sendAt
	j.ClaimedAt = nil
	j.UpdatedAt = now
	m.jobs[id] = j
	return nil
}

func (m *Memory) CancelJob(ctx context.Context, tenantID string, id uuid.UUID, now time.Time) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.TenantID != tenantID || !claimable(j.Status) {
		return domain.Job{}, domain.ErrNotFound
	}
	j.Status = domain.Cancelled
	j.UpdatedAt = now
	m.jobs[id] = j
	return j, nil
}

func (m *Memory) GetJob(ctx context.Context, tenantID string, id uuid.UUID) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.TenantID != tenantID {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (m *Memory) ListJobs(ctx context.Context, tenantID string, statuses []domain.Status, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[domain.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	out := []domain.Job{}
	for _, j := range m.jobs {
		if j.TenantID == tenantID && want[j.Status] {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return dueBefore(out[a], out[b]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListStuckSending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []domain.Job{}
	for _, j := range m.jobs {
		if j.Status == domain.Sending && j.ClaimedAt != nil && j.ClaimedAt.Before(olderThan) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ClaimedAt.Before(*out[b].ClaimedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) FindCredential(ctx context.Context, tenantID string) (domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.creds[tenantID]
	if !ok {
		return domain.Credential{}, domain.ErrNotFound
	}
	c.Scopes = append([]string(nil), c.Scopes...)
	return c, nil
}

func (m *Memory) UpsertCredential(ctx context.Context, c domain.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.creds[c.TenantID]; ok {
		c.CreatedAt = prev.CreatedAt
	}
	c.Scopes = append([]string(nil), c.Scopes...)
	m.creds[c.TenantID] = c
	return nil
}

// TryLock is the in-process counterpart of the advisory lock.
func (m *Memory) TryLock(ctx context.Context, key int64) (release func(), ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locks[key] {
		return nil, false, nil
	}
	m.locks[key] = true
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.locks, key)
	}, true, nil
}

func claimable(s domain.Status) bool {
	return s == domain.Scheduled || s == domain.Retry
}

func dueBefore(a, b domain.Job) bool {
	if !a.SendAt.Equal(b.SendAt) {
		return a.SendAt.Before(b.SendAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}
