package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/SirClappington/slackq/internal/delivery"
	"github.com/SirClappington/slackq/internal/domain"
	"github.com/SirClappington/slackq/internal/ledger"
	"github.com/SirClappington/slackq/internal/slack"
	"github.com/SirClappington/slackq/internal/storage"
	"github.com/SirClappington/slackq/internal/testutil"
)

var t0 = time.Date(2025, 2, 3, 9, 0, 0, 0, time.UTC)

type mockSender struct {
	mu          sync.Mutex
	posts       int
	postFn      func(ctx context.Context, tenantID, channelID, text string) (delivery.Posted, error)
	permalinkFn func(ctx context.Context, tenantID, channelID, messageID string) (string, error)
}

func (m *mockSender) PostMessage(ctx context.Context, tenantID, channelID, text string) (delivery.Posted, error) {
	m.mu.Lock()
	m.posts++
	m.mu.Unlock()
	return m.postFn(ctx, tenantID, channelID, text)
}

func (m *mockSender) GetPermalink(ctx context.Context, tenantID, channelID, messageID string) (string, error) {
	if m.permalinkFn == nil {
		return "", nil
	}
	return m.permalinkFn(ctx, tenantID, channelID, messageID)
}

func okSender() *mockSender {
	return &mockSender{
		postFn: func(ctx context.Context, tenantID, channelID, text string) (delivery.Posted, error) {
			return delivery.Posted{MessageID: "1738573200.000100", Channel: channelID}, nil
		},
		permalinkFn: func(ctx context.Context, tenantID, channelID, messageID string) (string, error) {
			return "https://acme.slack.com/archives/" + channelID + "/p1738573200000100", nil
		},
	}
}

func failingSender(code string) *mockSender {
	return &mockSender{postFn: func(ctx context.Context, tenantID, channelID, text string) (delivery.Posted, error) {
		return delivery.Posted{}, &slack.APIError{Method: slack.MethodChatPostMessage, Code: code}
	}}
}

// faultyStore wraps Memory and fails chosen operations.
type faultyStore struct {
	*storage.Memory
	claimErr     error
	markSentErr  error
	markRetryErr error
	onClaim      func()
}

func (f *faultyStore) ClaimDue(ctx context.Context, now time.Time) (domain.Job, bool, error) {
	if f.claimErr != nil {
		return domain.Job{}, false, f.claimErr
	}
	if f.onClaim != nil {
		f.onClaim()
	}
	return f.Memory.ClaimDue(ctx, now)
}

func (f *faultyStore) MarkSent(ctx context.Context, id uuid.UUID, d domain.Delivery, now time.Time) error {
	if f.markSentErr != nil {
		return f.markSentErr
	}
	return f.Memory.MarkSent(ctx, id, d, now)
}

func (f *faultyStore) MarkRetry(ctx context.Context, id uuid.UUID, retryCount int, sendAt, now time.Time) error {
	if f.markRetryErr != nil {
		return f.markRetryErr
	}
	return f.Memory.MarkRetry(ctx, id, retryCount, sendAt, now)
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []string
	faults   int
}

func (m *recordingMetrics) PassCompleted(outcome string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *recordingMetrics) PersistenceFault() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults++
}

func seed(t *testing.T, store *storage.Memory, sendAt time.Time) domain.Job {
	t.Helper()
	j, err := store.InsertJob(context.Background(), domain.Job{
		TenantID: "T1", ChannelID: "C1", Text: "standup in 5", SendAt: sendAt, CreatedAt: sendAt.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	return j
}

func newTestScheduler(store Store, sender Sender, receipts Receipts, clock *testutil.FakeClock) *Scheduler {
	return New(DefaultConfig(), store, sender, receipts, nil).WithClock(clock.Now)
}

func TestRunOnce_Idle(t *testing.T) {
	store := storage.NewMemory()
	seed(t, store, t0.Add(time.Minute))
	metrics := &recordingMetrics{}
	sender := okSender()
	s := newTestScheduler(store, sender, nil, testutil.NewFakeClock(t0)).WithMetrics(metrics)

	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeIdle {
		t.Errorf("Outcome = %s, want idle", res.Outcome)
	}
	if sender.posts != 0 {
		t.Errorf("posts = %d, want 0", sender.posts)
	}
	if len(metrics.outcomes) != 1 || metrics.outcomes[0] != "idle" {
		t.Errorf("metrics = %v", metrics.outcomes)
	}
}

func TestRunOnce_Sent(t *testing.T) {
	store := storage.NewMemory()
	job := seed(t, store, t0.Add(-time.Second))
	receipts := ledger.NewMemory()
	s := newTestScheduler(store, okSender(), receipts, testutil.NewFakeClock(t0))

	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeSent || res.Job.ID != job.ID {
		t.Fatalf("result = %s %s", res.Outcome, res.Job.ID)
	}

	got, _ := store.GetJob(context.Background(), "T1", job.ID)
	if got.Status != domain.Sent {
		t.Errorf("Status = %s, want sent", got.Status)
	}
	if got.SentAt == nil || !got.SentAt.Equal(t0) {
		t.Errorf("SentAt = %v, want %s", got.SentAt, t0)
	}
	if got.ProviderMessageID == nil || *got.ProviderMessageID != "1738573200.000100" {
		t.Errorf("ProviderMessageID = %v", got.ProviderMessageID)
	}
	if got.Permalink == nil {
		t.Error("Permalink should be set")
	}

	rc, ok, _ := receipts.Lookup(context.Background(), job.ID)
	if !ok || rc.MessageID != "1738573200.000100" {
		t.Errorf("receipt = %+v, %v", rc, ok)
	}
}

func TestRunOnce_PermalinkFailureIsAbsorbed(t *testing.T) {
	tests := []struct {
		name        string
		permalinkFn func(ctx context.Context, tenantID, channelID, messageID string) (string, error)
	}{
		{"provider failure", func(ctx context.Context, tenantID, channelID, messageID string) (string, error) {
			return "", nil
		}},
		{"transport failure", func(ctx context.Context, tenantID, channelID, messageID string) (string, error) {
			return "", errors.New("i/o timeout")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemory()
			job := seed(t, store, t0)
			sender := okSender()
			sender.permalinkFn = tt.permalinkFn
			s := newTestScheduler(store, sender, nil, testutil.NewFakeClock(t0))

			if _, err := s.RunOnce(context.Background()); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got, _ := store.GetJob(context.Background(), "T1", job.ID)
			if got.Status != domain.Sent {
				t.Errorf("Status = %s, want sent", got.Status)
			}
			if got.Permalink != nil {
				t.Errorf("Permalink = %q, want nil", *got.Permalink)
			}
			if got.ProviderMessageID == nil {
				t.Error("ProviderMessageID should be set")
			}
		})
	}
}

func TestRunOnce_LinearBackoff(t *testing.T) {
	store := storage.NewMemory()
	job := seed(t, store, t0)
	clock := testutil.NewFakeClock(t0)
	s := newTestScheduler(store, failingSender("channel_not_found"), nil, clock)

	for want := 1; want <= 3; want++ {
		now := clock.Now()
		res, err := s.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("pass %d: %v", want, err)
		}
		if res.Outcome != OutcomeRetry || !slack.IsCode(res.Err, "channel_not_found") {
			t.Fatalf("pass %d: outcome=%s err=%v", want, res.Outcome, res.Err)
		}

		got, _ := store.GetJob(context.Background(), "T1", job.ID)
		if got.Status != domain.Retry || got.RetryCount != want {
			t.Errorf("pass %d: %s/%d", want, got.Status, got.RetryCount)
		}
		if wantAt := now.Add(time.Duration(want) * time.Minute); !got.SendAt.Equal(wantAt) {
			t.Errorf("pass %d: SendAt = %s, want %s", want, got.SendAt, wantAt)
		}

		if res, _ := s.RunOnce(context.Background()); res.Outcome != OutcomeIdle {
			t.Errorf("pass %d: job should not be due before its backoff elapses", want)
		}
		clock.Set(got.SendAt)
	}
}

func TestBackoff_Capped(t *testing.T) {
	s := New(Config{BackoffUnit: time.Minute, MaxBackoff: 90 * time.Second}, nil, nil, nil, nil)

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, time.Minute},
		{2, 90 * time.Second},
		{50, 90 * time.Second},
	}
	for _, tt := range tests {
		if got := s.Backoff(tt.retry); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.retry, got, tt.want)
		}
	}

	unbounded := New(Config{BackoffUnit: time.Minute}, nil, nil, nil, nil)
	if got := unbounded.Backoff(120); got != 2*time.Hour {
		t.Errorf("unbounded Backoff(120) = %s, want 2h", got)
	}
}

func TestRunOnce_PersistenceError(t *testing.T) {
	tests := []struct {
		name   string
		sender *mockSender
		store  func(m *storage.Memory) *faultyStore
		op     string
	}{
		{"retry not persisted", failingSender("ratelimited"), func(m *storage.Memory) *faultyStore {
			return &faultyStore{Memory: m, markRetryErr: errors.New("connection reset")}
		}, "retry"},
		{"sent not persisted", okSender(), func(m *storage.Memory) *faultyStore {
			return &faultyStore{Memory: m, markSentErr: errors.New("connection reset")}
		}, "sent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := storage.NewMemory()
			job := seed(t, mem, t0)
			metrics := &recordingMetrics{}
			s := newTestScheduler(tt.store(mem), tt.sender, nil, testutil.NewFakeClock(t0)).WithMetrics(metrics)

			_, err := s.RunOnce(context.Background())
			var perr *PersistenceError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *PersistenceError, got %v", err)
			}
			if perr.JobID != job.ID || perr.Op != tt.op {
				t.Errorf("PersistenceError = %+v", perr)
			}

			got, _ := mem.GetJob(context.Background(), "T1", job.ID)
			if got.Status != domain.Sending {
				t.Errorf("Status = %s, want job left in sending", got.Status)
			}
			if metrics.faults != 1 {
				t.Errorf("faults = %d, want 1", metrics.faults)
			}
		})
	}
}

func TestRunOnce_LostClaimIsNotAFault(t *testing.T) {
	tests := []struct {
		name   string
		sender *mockSender
		store  func(m *storage.Memory) *faultyStore
	}{
		{"sent after reconciler took the job", okSender(), func(m *storage.Memory) *faultyStore {
			return &faultyStore{Memory: m, markSentErr: domain.ErrTransitionDenied}
		}},
		{"retry after reconciler took the job", failingSender("ratelimited"), func(m *storage.Memory) *faultyStore {
			return &faultyStore{Memory: m, markRetryErr: domain.ErrTransitionDenied}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := storage.NewMemory()
			job := seed(t, mem, t0)
			metrics := &recordingMetrics{}
			s := newTestScheduler(tt.store(mem), tt.sender, nil, testutil.NewFakeClock(t0)).WithMetrics(metrics)

			res, err := s.RunOnce(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Outcome != OutcomeLost || res.Job.ID != job.ID {
				t.Errorf("result = %+v, want lost for %s", res, job.ID)
			}
			if metrics.faults != 0 {
				t.Errorf("faults = %d, want 0", metrics.faults)
			}
			if len(metrics.outcomes) != 1 || metrics.outcomes[0] != "lost" {
				t.Errorf("outcomes = %v", metrics.outcomes)
			}
		})
	}
}

func TestRunOnce_ClaimErrorIsOrdinary(t *testing.T) {
	store := &faultyStore{Memory: storage.NewMemory(), claimErr: errors.New("too many connections")}
	s := newTestScheduler(store, okSender(), nil, testutil.NewFakeClock(t0))

	_, err := s.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var perr *PersistenceError
	if errors.As(err, &perr) {
		t.Errorf("claim failure must not be a persistence fault: %v", err)
	}
}

func TestRunOnce_ClaimedJobRunsToCompletionAfterCancel(t *testing.T) {
	mem := storage.NewMemory()
	job := seed(t, mem, t0)
	ctx, cancel := context.WithCancel(context.Background())
	store := &faultyStore{Memory: mem, onClaim: cancel}

	sender := okSender()
	sender.postFn = func(ctx context.Context, tenantID, channelID, text string) (delivery.Posted, error) {
		if ctx.Err() != nil {
			t.Error("post must not observe caller cancellation once the job is claimed")
		}
		return delivery.Posted{MessageID: "1.1", Channel: channelID}, nil
	}
	s := newTestScheduler(store, sender, nil, testutil.NewFakeClock(t0))

	if _, err := s.RunOnce(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := mem.GetJob(context.Background(), "T1", job.ID)
	if got.Status != domain.Sent {
		t.Errorf("Status = %s, want sent", got.Status)
	}
}

func TestStart_DeliversAndStops(t *testing.T) {
	store := storage.NewMemory()
	job := seed(t, store, time.Now().Add(-time.Second))
	s := New(Config{PollInterval: 5 * time.Millisecond, BackoffUnit: time.Minute}, store, okSender(), nil, nil)

	h := s.Start(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		got, _ := store.GetJob(context.Background(), "T1", job.ID)
		if got.Status == domain.Sent {
			break
		}
		select {
		case <-deadline:
			h.Stop()
			t.Fatalf("job not delivered, status %s", got.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}

	h.Stop()
	select {
	case <-h.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
	if err := h.Err(); err != nil {
		t.Errorf("Err = %v, want nil after Stop", err)
	}
}

func TestStart_HaltsOnPersistenceFault(t *testing.T) {
	mem := storage.NewMemory()
	seed(t, mem, time.Now().Add(-time.Second))
	store := &faultyStore{Memory: mem, markRetryErr: errors.New("disk full")}
	s := New(Config{PollInterval: 5 * time.Millisecond, BackoffUnit: time.Minute}, store, failingSender("fatal_error"), nil, nil)

	h := s.Start(context.Background())
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		h.Stop()
		t.Fatal("loop should stop on persistence fault")
	}

	var perr *PersistenceError
	if !errors.As(h.Err(), &perr) {
		t.Errorf("Err = %v, want *PersistenceError", h.Err())
	}
	h.Stop()
}

func TestStart_FirstPassDoesNotWaitForTick(t *testing.T) {
	store := storage.NewMemory()
	job := seed(t, store, time.Now().Add(-time.Minute))
	s := New(Config{PollInterval: time.Hour, BackoffUnit: time.Minute}, store, okSender(), nil, nil)

	h := s.Start(context.Background())
	defer h.Stop()

	deadline := time.After(2 * time.Second)
	for {
		got, _ := store.GetJob(context.Background(), "T1", job.ID)
		if got.Status == domain.Sent {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("due job not delivered before the first tick, status %s", got.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStart_KeepsRunningAfterLostClaim(t *testing.T) {
	mem := storage.NewMemory()
	seed(t, mem, time.Now().Add(-time.Second))
	store := &faultyStore{Memory: mem, markSentErr: domain.ErrTransitionDenied}
	s := New(Config{PollInterval: 5 * time.Millisecond, BackoffUnit: time.Minute}, store, okSender(), nil, nil)

	h := s.Start(context.Background())
	select {
	case <-h.Done():
		t.Fatalf("loop stopped on a lost claim: %v", h.Err())
	case <-time.After(50 * time.Millisecond):
	}
	h.Stop()
	if err := h.Err(); err != nil {
		t.Errorf("Err = %v, want nil", err)
	}
}

func TestStart_ContinuesAfterJobFailure(t *testing.T) {
	store := storage.NewMemory()
	failing := seed(t, store, time.Now().Add(-2*time.Second))
	second := seed(t, store, time.Now().Add(-time.Second))

	var calls int
	sender := okSender()
	succeed := sender.postFn
	sender.postFn = func(ctx context.Context, tenantID, channelID, text string) (delivery.Posted, error) {
		calls++
		if calls == 1 {
			return delivery.Posted{}, errors.New("boom")
		}
		return succeed(ctx, tenantID, channelID, text)
	}

	s := New(Config{PollInterval: 5 * time.Millisecond, BackoffUnit: time.Hour}, store, sender, nil, nil)
	h := s.Start(context.Background())
	defer h.Stop()

	deadline := time.After(2 * time.Second)
	for {
		got, _ := store.GetJob(context.Background(), "T1", second.ID)
		if got.Status == domain.Sent {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("second job not delivered after first failed, status %s", got.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}

	got, _ := store.GetJob(context.Background(), "T1", failing.ID)
	if got.Status != domain.Retry || got.RetryCount != 1 {
		t.Errorf("failing job = %s/%d, want retry/1", got.Status, got.RetryCount)
	}
}
