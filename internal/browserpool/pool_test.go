package browserpool

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/dispatch-api/internal/domain"
)

// fakePage records calls and returns canned values.
type fakePage struct {
	mu          sync.Mutex
	navigated   []string
	evaluated   []string
	closed      bool
	evalResult  json.RawMessage
	evalErr     error
	navigateErr error
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigated = append(p.navigated, url)
	return p.navigateErr
}

func (p *fakePage) Evaluate(ctx context.Context, expr string) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evaluated = append(p.evaluated, expr)
	if p.evalErr != nil {
		return nil, p.evalErr
	}
	if p.evalResult != nil {
		return p.evalResult, nil
	}
	return json.RawMessage(`true`), nil
}

func (p *fakePage) Screenshot(ctx context.Context) (string, error) {
	return "aW1hZ2U=", nil
}

func (p *fakePage) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// fakeEngine hands out fake pages and counts them.
type fakeEngine struct {
	mu     sync.Mutex
	pages  []*fakePage
	newErr error
	closed bool
}

func (e *fakeEngine) NewPage(ctx context.Context) (Page, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.newErr != nil {
		return nil, e.newErr
	}
	page := &fakePage{}
	e.pages = append(e.pages, page)
	return page, nil
}

func (e *fakeEngine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func newTestPool(t *testing.T) (*Pool, *fakeEngine) {
	t.Helper()
	engine := &fakeEngine{}
	logger := slog.New(slog.NewTextHandler(browserTestWriter{t}, nil))
	return NewPool(engine, logger, time.Second), engine
}

type browserTestWriter struct{ t *testing.T }

func (w browserTestWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestCreateContextIsLazy(t *testing.T) {
	t.Parallel()

	pool, engine := newTestPool(t)
	contextID := pool.CreateContext("sess-1")
	require.NotEmpty(t, contextID)

	// No page until the first action.
	assert.Empty(t, engine.pages)

	result, err := pool.Navigate(context.Background(), contextID, "https://example.com")
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, engine.pages, 1)
	assert.Equal(t, []string{"https://example.com"}, engine.pages[0].navigated)

	// The same page is reused on the next action.
	_, err = pool.ExtractContent(context.Background(), contextID, "")
	require.NoError(t, err)
	assert.Len(t, engine.pages, 1)
}

func TestContextForSessionReuses(t *testing.T) {
	t.Parallel()

	pool, _ := newTestPool(t)
	first := pool.ContextForSession("sess-1")
	second := pool.ContextForSession("sess-1")
	assert.Equal(t, first, second)

	other := pool.ContextForSession("sess-2")
	assert.NotEqual(t, first, other)
}

func TestActionOnUnknownContext(t *testing.T) {
	t.Parallel()

	pool, _ := newTestPool(t)
	_, err := pool.Navigate(context.Background(), "missing", "https://example.com")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestActionFailureLandsInEnvelope(t *testing.T) {
	t.Parallel()

	pool, engine := newTestPool(t)
	contextID := pool.CreateContext("sess-1")

	// Force the page open, then make the next evaluation fail.
	_, err := pool.ExecuteScript(context.Background(), contextID, "1+1")
	require.NoError(t, err)
	engine.pages[0].evalErr = errors.New("element not found: #missing")

	result, err := pool.Click(context.Background(), contextID, "#missing")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "element not found")
	assert.Greater(t, result.ExecutionTime, time.Duration(0))
}

func TestEngineFailurePropagates(t *testing.T) {
	t.Parallel()

	pool, engine := newTestPool(t)
	engine.newErr = domain.ErrResourceUnavailable
	contextID := pool.CreateContext("sess-1")

	result, err := pool.Navigate(context.Background(), contextID, "https://example.com")
	assert.ErrorIs(t, err, domain.ErrResourceUnavailable)
	require.NotNil(t, result)
	assert.False(t, result.Success)
}

func TestScreenshotEnvelope(t *testing.T) {
	t.Parallel()

	pool, _ := newTestPool(t)
	contextID := pool.CreateContext("sess-1")

	result, err := pool.Screenshot(context.Background(), contextID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	data, ok := result.Data.(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "aW1hZ2U=", data["screenshot"])
}

func TestCloseContextReleasesPage(t *testing.T) {
	t.Parallel()

	pool, engine := newTestPool(t)
	contextID := pool.CreateContext("sess-1")
	_, err := pool.ExecuteScript(context.Background(), contextID, "1")
	require.NoError(t, err)

	require.NoError(t, pool.CloseContext(context.Background(), contextID))
	assert.True(t, engine.pages[0].closed)

	err = pool.CloseContext(context.Background(), contextID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCleanupInactiveContexts(t *testing.T) {
	t.Parallel()

	pool, engine := newTestPool(t)
	ctx := context.Background()

	a := pool.CreateContext("sess-1")
	b := pool.CreateContext("sess-2")
	_, err := pool.ExecuteScript(ctx, a, "1")
	require.NoError(t, err)
	_, err = pool.ExecuteScript(ctx, b, "1")
	require.NoError(t, err)

	// Nothing is idle past an infinite threshold.
	assert.Zero(t, pool.CleanupInactiveContexts(ctx, time.Hour))
	assert.Len(t, pool.contexts, 2)

	// Everything is idle past a zero threshold.
	assert.Equal(t, 2, pool.CleanupInactiveContexts(ctx, 0))
	assert.Empty(t, pool.contexts)
	for _, page := range engine.pages {
		assert.True(t, page.closed)
	}
}

func TestCleanupSessionContexts(t *testing.T) {
	t.Parallel()

	pool, _ := newTestPool(t)
	ctx := context.Background()

	pool.CreateContext("sess-1")
	pool.CreateContext("sess-1")
	keep := pool.CreateContext("sess-2")

	assert.Equal(t, 2, pool.CleanupSessionContexts(ctx, "sess-1"))
	assert.Len(t, pool.contexts, 1)
	_, ok := pool.contexts[keep]
	assert.True(t, ok)

	assert.Zero(t, pool.CleanupSessionContexts(ctx, "sess-1"))
}

func TestWaitForElementFindsElement(t *testing.T) {
	t.Parallel()

	pool, _ := newTestPool(t)
	contextID := pool.CreateContext("sess-1")

	result, err := pool.WaitForElement(context.Background(), contextID, "#ready")
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestWaitForElementTimesOut(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	logger := slog.New(slog.NewTextHandler(browserTestWriter{t}, nil))
	pool := NewPool(engine, logger, 300*time.Millisecond)
	contextID := pool.CreateContext("sess-1")

	// Open the page, then make every existence check report absence.
	_, err := pool.ExecuteScript(context.Background(), contextID, "1")
	require.NoError(t, err)
	engine.pages[0].evalResult = json.RawMessage(`false`)

	result, err := pool.WaitForElement(context.Background(), contextID, "#never")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "timed out")
}

func TestPoolCloseShutsEngineDown(t *testing.T) {
	t.Parallel()

	pool, engine := newTestPool(t)
	pool.CreateContext("sess-1")

	require.NoError(t, pool.Close(context.Background()))
	assert.True(t, engine.closed)
	assert.Empty(t, pool.contexts)
}
