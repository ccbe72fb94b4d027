package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/dispatch-api/internal/domain"
	"github.com/phrazzld/dispatch-api/internal/store"
)

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*domain.Session)}
}

func (f *fakeSessionStore) Create(ctx context.Context, s *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[s.SessionID]; ok {
		return store.ErrDuplicate
	}
	copied := *s
	f.sessions[s.SessionID] = &copied
	return nil
}

func (f *fakeSessionStore) GetBySessionID(ctx context.Context, sessionID string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	copied := *s
	return &copied, nil
}

func (f *fakeSessionStore) Update(ctx context.Context, s *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[s.SessionID]; !ok {
		return store.ErrSessionNotFound
	}
	copied := *s
	f.sessions[s.SessionID] = &copied
	return nil
}

func (f *fakeSessionStore) Delete(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return store.ErrSessionNotFound
	}
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeSessionStore) ListExpired(ctx context.Context, now time.Time) ([]*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Session
	for _, s := range f.sessions {
		if s.Status != domain.SessionStatusExpired && s.IsExpired(now) {
			copied := *s
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeSessionStore) WithTx(tx *sql.Tx) store.SessionStore { return f }

type fakeConfigStore struct {
	mu      sync.Mutex
	configs map[string]*domain.SessionConfig
}

func newFakeConfigStore() *fakeConfigStore {
	return &fakeConfigStore{configs: make(map[string]*domain.SessionConfig)}
}

func (f *fakeConfigStore) Get(ctx context.Context, sessionID string) (*domain.SessionConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.configs[sessionID]
	if !ok {
		return nil, store.ErrConfigNotFound
	}
	copied := *cfg
	return &copied, nil
}

func (f *fakeConfigStore) Upsert(ctx context.Context, cfg *domain.SessionConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *cfg
	f.configs[cfg.SessionID] = &copied
	return nil
}

func (f *fakeConfigStore) DeleteBySession(ctx context.Context, sessionID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.configs[sessionID]; !ok {
		return 0, nil
	}
	delete(f.configs, sessionID)
	return 1, nil
}

func (f *fakeConfigStore) WithTx(tx *sql.Tx) store.SessionConfigStore { return f }

type fakeLogStore struct {
	mu      sync.Mutex
	entries []*domain.SessionLog
}

func (f *fakeLogStore) Append(ctx context.Context, entry *domain.SessionLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeLogStore) ListBySession(ctx context.Context, sessionID string) ([]*domain.SessionLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.SessionLog
	for _, e := range f.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeLogStore) DeleteBySession(ctx context.Context, sessionID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []*domain.SessionLog
	var n int64
	for _, e := range f.entries {
		if e.SessionID == sessionID {
			n++
			continue
		}
		kept = append(kept, e)
	}
	f.entries = kept
	return n, nil
}

func (f *fakeLogStore) WithTx(tx *sql.Tx) store.SessionLogStore { return f }

func (f *fakeLogStore) events(sessionID string) []domain.SessionEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.SessionEvent
	for _, e := range f.entries {
		if e.SessionID == sessionID {
			out = append(out, e.Event)
		}
	}
	return out
}

// countingDeleter tracks DeleteBySession calls for the stores whose
// contents the session tests do not inspect.
type countingDeleter struct {
	mu      sync.Mutex
	deleted []string
}

func (d *countingDeleter) DeleteBySession(ctx context.Context, sessionID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, sessionID)
	return 1, nil
}

func (d *countingDeleter) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deleted)
}

type fakeJobStore struct{ countingDeleter }

func (f *fakeJobStore) Create(ctx context.Context, job *domain.QueueJob) error { return nil }
func (f *fakeJobStore) GetByJobID(ctx context.Context, jobID string) (*domain.QueueJob, error) {
	return nil, store.ErrJobNotFound
}
func (f *fakeJobStore) UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, result json.RawMessage, errMsg string) error {
	return nil
}
func (f *fakeJobStore) ListBySession(ctx context.Context, sessionID string) ([]*domain.QueueJob, error) {
	return nil, nil
}
func (f *fakeJobStore) ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.QueueJob, error) {
	return nil, nil
}
func (f *fakeJobStore) Requeue(ctx context.Context, id uuid.UUID, newJobID string) error {
	return nil
}
func (f *fakeJobStore) Delete(ctx context.Context, jobID string) error { return nil }
func (f *fakeJobStore) WithTx(tx *sql.Tx) store.QueueJobStore          { return f }

type fakeChatStore struct{ countingDeleter }

func (f *fakeChatStore) Create(ctx context.Context, msg *domain.ChatMessage) error { return nil }
func (f *fakeChatStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.ChatMessage, error) {
	return nil, store.ErrTaskNotFound
}
func (f *fakeChatStore) Update(ctx context.Context, msg *domain.ChatMessage) error { return nil }
func (f *fakeChatStore) ListRecent(ctx context.Context, sessionID string, limit int) ([]*domain.ChatMessage, error) {
	return nil, nil
}
func (f *fakeChatStore) WithTx(tx *sql.Tx) store.ChatMessageStore { return f }

type fakeGenerationStore struct{ countingDeleter }

func (f *fakeGenerationStore) Create(ctx context.Context, task *domain.GenerationTask) error {
	return nil
}
func (f *fakeGenerationStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.GenerationTask, error) {
	return nil, store.ErrTaskNotFound
}
func (f *fakeGenerationStore) Update(ctx context.Context, task *domain.GenerationTask) error {
	return nil
}
func (f *fakeGenerationStore) ListBySession(ctx context.Context, sessionID string) ([]*domain.GenerationTask, error) {
	return nil, nil
}
func (f *fakeGenerationStore) WithTx(tx *sql.Tx) store.GenerationTaskStore { return f }

type fakeBrowserStore struct{ countingDeleter }

func (f *fakeBrowserStore) Create(ctx context.Context, task *domain.BrowserTask) error { return nil }
func (f *fakeBrowserStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.BrowserTask, error) {
	return nil, store.ErrTaskNotFound
}
func (f *fakeBrowserStore) Update(ctx context.Context, task *domain.BrowserTask) error { return nil }
func (f *fakeBrowserStore) ListBySession(ctx context.Context, sessionID string) ([]*domain.BrowserTask, error) {
	return nil, nil
}
func (f *fakeBrowserStore) WithTx(tx *sql.Tx) store.BrowserTaskStore { return f }

type fakeEditStore struct{ countingDeleter }

func (f *fakeEditStore) Create(ctx context.Context, task *domain.EditTask) error { return nil }
func (f *fakeEditStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.EditTask, error) {
	return nil, store.ErrTaskNotFound
}
func (f *fakeEditStore) Update(ctx context.Context, task *domain.EditTask) error { return nil }
func (f *fakeEditStore) ListBySession(ctx context.Context, sessionID string) ([]*domain.EditTask, error) {
	return nil, nil
}
func (f *fakeEditStore) WithTx(tx *sql.Tx) store.EditTaskStore { return f }

type fakeRegistry struct {
	mu      sync.Mutex
	jobs    map[string][]*domain.QueueJob
	removed []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{jobs: make(map[string][]*domain.QueueJob)}
}

func (f *fakeRegistry) JobsForSession(ctx context.Context, sessionID string) ([]*domain.QueueJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[sessionID], nil
}

func (f *fakeRegistry) Remove(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, jobID)
	return nil
}

type fakeCleaner struct {
	mu       sync.Mutex
	sessions []string
}

func (f *fakeCleaner) cleanup(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, sessionID)
	return 1
}

func (f *fakeCleaner) CleanupSessionContexts(ctx context.Context, sessionID string) int {
	return f.cleanup(sessionID)
}

func (f *fakeCleaner) CleanupSessionContainers(ctx context.Context, sessionID string) int {
	return f.cleanup(sessionID)
}

type fixture struct {
	manager   *Manager
	sessions  *fakeSessionStore
	configs   *fakeConfigStore
	logs      *fakeLogStore
	jobs      *fakeJobStore
	chat      *fakeChatStore
	registry  *fakeRegistry
	browsers  *fakeCleaner
	sandboxes *fakeCleaner
}

type logWriter struct{ t *testing.T }

func (w logWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		sessions:  newFakeSessionStore(),
		configs:   newFakeConfigStore(),
		logs:      &fakeLogStore{},
		jobs:      &fakeJobStore{},
		chat:      &fakeChatStore{},
		registry:  newFakeRegistry(),
		browsers:  &fakeCleaner{},
		sandboxes: &fakeCleaner{},
	}

	logger := slog.New(slog.NewTextHandler(logWriter{t}, nil))
	f.manager = NewManager(nil, Stores{
		Sessions:   f.sessions,
		Configs:    f.configs,
		Logs:       f.logs,
		Jobs:       f.jobs,
		Chat:       f.chat,
		Generation: &fakeGenerationStore{},
		Browser:    &fakeBrowserStore{},
		Edit:       &fakeEditStore{},
	}, f.registry, f.browsers, f.sandboxes, logger)
	return f
}

func expiredSession(t *testing.T, f *fixture, sessionID string) *domain.Session {
	t.Helper()
	past := time.Now().UTC().Add(-time.Hour)
	session, err := f.manager.Create(context.Background(), CreateParams{
		SessionID: sessionID,
		ExpiresAt: &past,
	})
	require.NoError(t, err)
	return session
}

func TestCreateSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	session, err := f.manager.Create(context.Background(), CreateParams{
		SessionID: "sess-1",
		Metadata:  map[string]any{"origin": "test"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusActive, session.Status)
	assert.Nil(t, session.ExpiresAt)

	assert.Equal(t, []domain.SessionEvent{domain.SessionEventCreated}, f.logs.events("sess-1"))
}

func TestCreateGeneratesID(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	session, err := f.manager.Create(context.Background(), CreateParams{})
	require.NoError(t, err)
	assert.NotEmpty(t, session.SessionID)
}

func TestCreateDuplicateFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.manager.Create(context.Background(), CreateParams{SessionID: "sess-1"})
	require.NoError(t, err)

	_, err = f.manager.Create(context.Background(), CreateParams{SessionID: "sess-1"})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestGetTouchesSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	created, err := f.manager.Create(context.Background(), CreateParams{SessionID: "sess-1"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	got, err := f.manager.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.True(t, got.LastAccessedAt.After(created.LastAccessedAt))
}

func TestGetUnknownSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.manager.Get(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetExpiredSessionFlipsStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	expiredSession(t, f, "sess-1")

	_, err := f.manager.Get(context.Background(), "sess-1")
	require.ErrorIs(t, err, domain.ErrExpired)

	stored, err := f.sessions.GetBySessionID(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusExpired, stored.Status)
	assert.Contains(t, f.logs.events("sess-1"), domain.SessionEventExpired)

	// A second Get reports expiry without another flip.
	_, err = f.manager.Get(context.Background(), "sess-1")
	require.ErrorIs(t, err, domain.ErrExpired)
}

func TestDeleteCascades(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Create(ctx, CreateParams{SessionID: "sess-1"})
	require.NoError(t, err)

	job, err := domain.NewQueueJob("job-1", "chat", domain.JobTypeChatProcessing, nil, 0, 3, 0, ptr("sess-1"))
	require.NoError(t, err)
	f.registry.jobs["sess-1"] = []*domain.QueueJob{job}

	require.NoError(t, f.manager.Delete(ctx, "sess-1"))

	_, err = f.sessions.GetBySessionID(ctx, "sess-1")
	require.ErrorIs(t, err, store.ErrSessionNotFound)

	// Every dependent store was purged and the broker job cancelled.
	assert.Equal(t, 1, f.jobs.count())
	assert.Equal(t, 1, f.chat.count())
	assert.Equal(t, []string{"job-1"}, f.registry.removed)
	assert.Equal(t, []string{"sess-1"}, f.browsers.sessions)
	assert.Equal(t, []string{"sess-1"}, f.sandboxes.sessions)

	// The deletion event outlives the purged log rows.
	assert.Equal(t, []domain.SessionEvent{domain.SessionEventDeleted}, f.logs.events("sess-1"))
}

func TestDeleteResetsConfig(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Create(ctx, CreateParams{SessionID: "sess-1"})
	require.NoError(t, err)

	cfg := domain.DefaultSessionConfig("sess-1")
	cfg.MaxConcurrentTasks = 42
	cfg.QueueEnabled = false
	require.NoError(t, f.manager.SetConfig(ctx, cfg))

	require.NoError(t, f.manager.Delete(ctx, "sess-1"))

	// A later session reusing the external id starts from the defaults,
	// not the deleted session's gates and limits.
	_, err = f.manager.Create(ctx, CreateParams{SessionID: "sess-1"})
	require.NoError(t, err)
	got, err := f.manager.GetConfig(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultMaxConcurrentTasks, got.MaxConcurrentTasks)
	assert.True(t, got.QueueEnabled)
}

func TestCleanupIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Create(ctx, CreateParams{SessionID: "sess-1"})
	require.NoError(t, err)
	require.NoError(t, f.manager.SetConfig(ctx, domain.DefaultSessionConfig("sess-1")))

	require.NoError(t, f.manager.Cleanup(ctx, "sess-1"))
	require.NoError(t, f.manager.Cleanup(ctx, "sess-1"))

	// No dependent rows survive either pass.
	_, err = f.configs.Get(ctx, "sess-1")
	require.ErrorIs(t, err, store.ErrConfigNotFound)
	events, err := f.logs.ListBySession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDeleteUnknownSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	err := f.manager.Delete(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	expiredSession(t, f, "sess-1")
	expiredSession(t, f, "sess-2")
	_, err := f.manager.Create(ctx, CreateParams{SessionID: "sess-3"})
	require.NoError(t, err)

	swept, err := f.manager.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, swept)

	stored, err := f.sessions.GetBySessionID(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusExpired, stored.Status)

	live, err := f.manager.Get(ctx, "sess-3")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusActive, live.Status)

	// Idempotent: a second sweep finds nothing.
	swept, err = f.manager.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestCompleteReleasesResources(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Create(ctx, CreateParams{SessionID: "sess-1"})
	require.NoError(t, err)

	require.NoError(t, f.manager.Complete(ctx, "sess-1"))

	stored, err := f.sessions.GetBySessionID(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusCompleted, stored.Status)
	assert.Equal(t, []string{"sess-1"}, f.browsers.sessions)

	// History survives completion; only runtime resources go.
	assert.Zero(t, f.chat.count())
	assert.Contains(t, f.logs.events("sess-1"), domain.SessionEventCompleted)
}

func TestGetConfigDefaults(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Create(ctx, CreateParams{SessionID: "sess-1"})
	require.NoError(t, err)

	cfg, err := f.manager.GetConfig(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, cfg.BrowserEnabled)
	assert.True(t, cfg.AIEnabled)
	assert.Equal(t, domain.DefaultMaxConcurrentTasks, cfg.MaxConcurrentTasks)
}

func TestSetConfigRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Create(ctx, CreateParams{SessionID: "sess-1"})
	require.NoError(t, err)

	cfg := domain.DefaultSessionConfig("sess-1")
	cfg.BrowserEnabled = true
	cfg.MaxConcurrentTasks = 2
	require.NoError(t, f.manager.SetConfig(ctx, cfg))

	got, err := f.manager.GetConfig(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, got.BrowserEnabled)
	assert.Equal(t, 2, got.MaxConcurrentTasks)
}

func TestSetConfigValidates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Create(ctx, CreateParams{SessionID: "sess-1"})
	require.NoError(t, err)

	cfg := domain.DefaultSessionConfig("sess-1")
	cfg.MaxConcurrentTasks = -1
	require.ErrorIs(t, f.manager.SetConfig(ctx, cfg), domain.ErrValidation)
}

func TestGetConfigExpiredSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	expiredSession(t, f, "sess-1")

	_, err := f.manager.GetConfig(context.Background(), "sess-1")
	require.ErrorIs(t, err, domain.ErrExpired)
}

func TestTouchSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	created, err := f.manager.Create(ctx, CreateParams{SessionID: "sess-1"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, f.manager.TouchSession(ctx, "sess-1"))

	stored, err := f.sessions.GetBySessionID(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, stored.LastAccessedAt.After(created.LastAccessedAt))
}

func ptr(s string) *string { return &s }
