package browserpool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/dispatch-api/internal/domain"
)

// Timing defaults.
const (
	// DefaultActionTimeout bounds each browser primitive.
	DefaultActionTimeout = 30 * time.Second

	// DefaultMaxIdle is how long a context may sit unused before the
	// idle sweep closes it.
	DefaultMaxIdle = 600 * time.Second

	// DefaultIdleSweepInterval is how often the idle sweep runs.
	DefaultIdleSweepInterval = 300 * time.Second

	// waitPollInterval is the element-wait polling period.
	waitPollInterval = 250 * time.Millisecond
)

// ActionResult is the normalized envelope every browser primitive
// returns.
type ActionResult struct {
	Success       bool          `json:"success"`
	Data          any           `json:"data,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"executionTime"`
}

// browserContext is one pooled automation context. The page is created
// lazily on the first action.
type browserContext struct {
	id        string
	sessionID string

	mu       sync.Mutex
	page     Page
	lastUsed time.Time
}

// Pool hands out browser contexts backed by one shared engine.
type Pool struct {
	engine        Engine
	logger        *slog.Logger
	actionTimeout time.Duration

	mu       sync.Mutex
	contexts map[string]*browserContext
}

// NewPool creates a context pool over the given engine. actionTimeout
// of zero means DefaultActionTimeout.
func NewPool(engine Engine, logger *slog.Logger, actionTimeout time.Duration) *Pool {
	if actionTimeout <= 0 {
		actionTimeout = DefaultActionTimeout
	}
	return &Pool{
		engine:        engine,
		logger:        logger.With("component", "browser_pool"),
		actionTimeout: actionTimeout,
		contexts:      make(map[string]*browserContext),
	}
}

// CreateContext registers a new automation context for the session. The
// underlying page is not opened until the first action.
func (p *Pool) CreateContext(sessionID string) string {
	bc := &browserContext{
		id:        uuid.New().String(),
		sessionID: sessionID,
		lastUsed:  time.Now().UTC(),
	}

	p.mu.Lock()
	p.contexts[bc.id] = bc
	p.mu.Unlock()

	p.logger.Info("browser context created", "context_id", bc.id, "session_id", sessionID)
	return bc.id
}

// ContextForSession returns an existing context for the session or
// creates one. Processors use it so one session reuses one context.
func (p *Pool) ContextForSession(sessionID string) string {
	p.mu.Lock()
	for _, bc := range p.contexts {
		if bc.sessionID == sessionID {
			p.mu.Unlock()
			return bc.id
		}
	}
	p.mu.Unlock()
	return p.CreateContext(sessionID)
}

func (p *Pool) lookup(contextID string) (*browserContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bc, ok := p.contexts[contextID]
	if !ok {
		return nil, fmt.Errorf("%w: browser context %s", domain.ErrNotFound, contextID)
	}
	return bc, nil
}

// ensurePage lazily opens the context's page and stamps lastUsed.
func (p *Pool) ensurePage(ctx context.Context, bc *browserContext) (Page, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	bc.lastUsed = time.Now().UTC()
	if bc.page != nil {
		return bc.page, nil
	}

	page, err := p.engine.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	bc.page = page
	return page, nil
}

// run executes one primitive against a context's page with the
// per-action timeout, normalizing the outcome into an ActionResult.
// Context-missing errors are returned as errors; action failures land
// in the envelope so callers can persist them as structured results.
func (p *Pool) run(ctx context.Context, contextID string, action func(context.Context, Page) (any, error)) (*ActionResult, error) {
	bc, err := p.lookup(contextID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	page, err := p.ensurePage(ctx, bc)
	if err != nil {
		return &ActionResult{
			Success:       false,
			Error:         err.Error(),
			ExecutionTime: time.Since(start),
		}, err
	}

	actionCtx, cancel := context.WithTimeout(ctx, p.actionTimeout)
	defer cancel()

	data, err := action(actionCtx, page)
	result := &ActionResult{
		Success:       err == nil,
		Data:          data,
		ExecutionTime: time.Since(start),
	}
	if err != nil {
		if actionCtx.Err() != nil {
			result.Error = fmt.Sprintf("%v: %v", domain.ErrTimeout, err)
		} else {
			result.Error = err.Error()
		}
	}
	return result, nil
}

// Navigate loads a URL in the context's page.
func (p *Pool) Navigate(ctx context.Context, contextID, pageURL string) (*ActionResult, error) {
	return p.run(ctx, contextID, func(ctx context.Context, page Page) (any, error) {
		if err := page.Navigate(ctx, pageURL); err != nil {
			return nil, err
		}
		return map[string]string{"url": pageURL}, nil
	})
}

// Click clicks the first element matching the selector.
func (p *Pool) Click(ctx context.Context, contextID, selector string) (*ActionResult, error) {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) throw new Error("element not found: " + %q);
		el.click();
		return true;
	})()`, selector, selector)
	return p.evalAction(ctx, contextID, script)
}

// Type sets the value of the matching input and fires input/change
// events.
func (p *Pool) Type(ctx context.Context, contextID, selector, value string) (*ActionResult, error) {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) throw new Error("element not found: " + %q);
		el.value = %q;
		el.dispatchEvent(new Event("input", {bubbles: true}));
		el.dispatchEvent(new Event("change", {bubbles: true}));
		return true;
	})()`, selector, selector, value)
	return p.evalAction(ctx, contextID, script)
}

// FillForm types into multiple fields, selector to value. Fields are
// applied in map order; missing elements fail the whole action.
func (p *Pool) FillForm(ctx context.Context, contextID string, fields map[string]string) (*ActionResult, error) {
	return p.run(ctx, contextID, func(ctx context.Context, page Page) (any, error) {
		filled := 0
		for selector, value := range fields {
			script := fmt.Sprintf(`(() => {
				const el = document.querySelector(%q);
				if (!el) throw new Error("element not found: " + %q);
				el.value = %q;
				el.dispatchEvent(new Event("input", {bubbles: true}));
				el.dispatchEvent(new Event("change", {bubbles: true}));
				return true;
			})()`, selector, selector, value)
			if _, err := page.Evaluate(ctx, script); err != nil {
				return nil, err
			}
			filled++
		}
		return map[string]int{"filled": filled}, nil
	})
}

// Scroll scrolls the page vertically by the given number of pixels;
// negative scrolls up.
func (p *Pool) Scroll(ctx context.Context, contextID string, pixels int) (*ActionResult, error) {
	script := fmt.Sprintf(`(() => { window.scrollBy(0, %d); return window.scrollY; })()`, pixels)
	return p.evalAction(ctx, contextID, script)
}

// ExecuteScript evaluates arbitrary script in the page and returns its
// value.
func (p *Pool) ExecuteScript(ctx context.Context, contextID, script string) (*ActionResult, error) {
	return p.evalAction(ctx, contextID, script)
}

// ExtractContent returns the text content of the matching element, or
// the whole document body when the selector is empty.
func (p *Pool) ExtractContent(ctx context.Context, contextID, selector string) (*ActionResult, error) {
	var script string
	if selector == "" {
		script = `document.body ? document.body.innerText : ""`
	} else {
		script = fmt.Sprintf(`(() => {
			const el = document.querySelector(%q);
			if (!el) throw new Error("element not found: " + %q);
			return el.innerText;
		})()`, selector, selector)
	}
	return p.evalAction(ctx, contextID, script)
}

// Screenshot captures the page as base64 PNG.
func (p *Pool) Screenshot(ctx context.Context, contextID string) (*ActionResult, error) {
	return p.run(ctx, contextID, func(ctx context.Context, page Page) (any, error) {
		data, err := page.Screenshot(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"screenshot": data}, nil
	})
}

// WaitForElement polls until the selector matches or the action timeout
// elapses.
func (p *Pool) WaitForElement(ctx context.Context, contextID, selector string) (*ActionResult, error) {
	existsExpr := fmt.Sprintf(`!!document.querySelector(%q)`, selector)
	return p.run(ctx, contextID, func(ctx context.Context, page Page) (any, error) {
		for {
			raw, err := page.Evaluate(ctx, existsExpr)
			if err != nil {
				return nil, err
			}
			var found bool
			if err := json.Unmarshal(raw, &found); err == nil && found {
				return map[string]bool{"found": true}, nil
			}

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("element did not appear: %s", selector)
			case <-time.After(waitPollInterval):
			}
		}
	})
}

func (p *Pool) evalAction(ctx context.Context, contextID, script string) (*ActionResult, error) {
	return p.run(ctx, contextID, func(ctx context.Context, page Page) (any, error) {
		raw, err := page.Evaluate(ctx, script)
		if err != nil {
			return nil, err
		}
		var value any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &value); err != nil {
				value = string(raw)
			}
		}
		return value, nil
	})
}

// CloseContext releases the context and its page. The shared engine
// stays up for other contexts.
func (p *Pool) CloseContext(ctx context.Context, contextID string) error {
	p.mu.Lock()
	bc, ok := p.contexts[contextID]
	if ok {
		delete(p.contexts, contextID)
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: browser context %s", domain.ErrNotFound, contextID)
	}

	p.closePage(ctx, bc)
	p.logger.Info("browser context closed", "context_id", contextID)
	return nil
}

func (p *Pool) closePage(ctx context.Context, bc *browserContext) {
	bc.mu.Lock()
	page := bc.page
	bc.page = nil
	bc.mu.Unlock()

	if page == nil {
		return
	}
	if err := page.Close(ctx); err != nil {
		p.logger.Warn("failed to close browser page",
			"context_id", bc.id, "error", err)
	}
}

// CleanupInactiveContexts closes every context idle longer than maxIdle
// and returns how many were closed. Safe to run concurrently with
// itself and with actions.
func (p *Pool) CleanupInactiveContexts(ctx context.Context, maxIdle time.Duration) int {
	now := time.Now().UTC()

	p.mu.Lock()
	var stale []*browserContext
	for id, bc := range p.contexts {
		bc.mu.Lock()
		idle := now.Sub(bc.lastUsed)
		bc.mu.Unlock()
		if idle > maxIdle {
			stale = append(stale, bc)
			delete(p.contexts, id)
		}
	}
	p.mu.Unlock()

	for _, bc := range stale {
		p.closePage(ctx, bc)
		p.logger.Info("idle browser context reaped",
			"context_id", bc.id, "session_id", bc.sessionID)
	}
	return len(stale)
}

// CleanupSessionContexts force-closes every context belonging to the
// session and returns how many were closed. Called from session
// cleanup.
func (p *Pool) CleanupSessionContexts(ctx context.Context, sessionID string) int {
	p.mu.Lock()
	var owned []*browserContext
	for id, bc := range p.contexts {
		if bc.sessionID == sessionID {
			owned = append(owned, bc)
			delete(p.contexts, id)
		}
	}
	p.mu.Unlock()

	for _, bc := range owned {
		p.closePage(ctx, bc)
	}
	return len(owned)
}

// Close reaps every context and shuts the engine down.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	all := make([]*browserContext, 0, len(p.contexts))
	for _, bc := range p.contexts {
		all = append(all, bc)
	}
	p.contexts = make(map[string]*browserContext)
	p.mu.Unlock()

	for _, bc := range all {
		p.closePage(ctx, bc)
	}
	return p.engine.Close(ctx)
}
