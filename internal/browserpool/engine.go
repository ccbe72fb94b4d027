package browserpool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/phrazzld/dispatch-api/internal/domain"
)

// DefaultImage is the shared headless browser image.
const DefaultImage = "browserless/chrome:latest"

// Page is one automation surface inside the shared engine.
type Page interface {
	Navigate(ctx context.Context, pageURL string) error
	Evaluate(ctx context.Context, expression string) (json.RawMessage, error)
	Screenshot(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}

// Engine owns the underlying headless browser process and hands out
// pages. Implemented by the Docker-backed engine below; the pool only
// sees this interface.
type Engine interface {
	NewPage(ctx context.Context) (Page, error)
	Close(ctx context.Context) error
}

// dockerEngine launches one shared browserless/chrome container and
// drives it over the DevTools protocol. The container and the browser
// connection are created lazily on the first NewPage call and reused by
// every context in the pool.
type dockerEngine struct {
	docker *client.Client
	logger *slog.Logger
	image  string

	mu          sync.Mutex
	containerID string
	conn        *cdpConn
}

// NewDockerEngine creates the shared engine. The browser container is
// not started until a page is first requested.
func NewDockerEngine(logger *slog.Logger, browserImage string) (Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if browserImage == "" {
		browserImage = DefaultImage
	}
	return &dockerEngine{
		docker: cli,
		logger: logger.With("component", "browser_engine"),
		image:  browserImage,
	}, nil
}

// NewPage attaches a fresh target to the shared browser, starting the
// engine container first when needed.
func (e *dockerEngine) NewPage(ctx context.Context) (Page, error) {
	conn, err := e.ensureStarted(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := conn.call(ctx, "", "Target.createTarget", map[string]any{"url": "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create browser target: %v", domain.ErrResourceUnavailable, err)
	}
	var created struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		return nil, fmt.Errorf("failed to decode target: %w", err)
	}

	raw, err = conn.call(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": created.TargetID,
		"flatten":  true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to attach to target: %v", domain.ErrResourceUnavailable, err)
	}
	var attached struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &attached); err != nil {
		return nil, fmt.Errorf("failed to decode attach result: %w", err)
	}

	page := &cdpPage{conn: conn, targetID: created.TargetID, sessionID: attached.SessionID}
	if _, err := conn.call(ctx, attached.SessionID, "Page.enable", nil); err != nil {
		_ = page.Close(ctx)
		return nil, fmt.Errorf("failed to enable page domain: %w", err)
	}
	return page, nil
}

// ensureStarted launches the engine container and browser connection on
// first use.
func (e *dockerEngine) ensureStarted(ctx context.Context) (*cdpConn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		return e.conn, nil
	}

	if _, err := e.docker.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: docker daemon unreachable: %v", domain.ErrResourceUnavailable, err)
	}

	if reader, err := e.docker.ImagePull(ctx, e.image, image.PullOptions{}); err == nil {
		_ = drainAndClose(reader)
	}

	created, err := e.docker.ContainerCreate(ctx,
		&container.Config{
			Image: e.image,
			Labels: map[string]string{
				"dispatch.managed": "true",
				"dispatch.kind":    "browser-engine",
			},
			Env: []string{
				"CONNECTION_TIMEOUT=-1",
				"PREBOOT_CHROME=true",
				"KEEP_ALIVE=true",
			},
			ExposedPorts: nat.PortSet{"3000/tcp": struct{}{}},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{
				"3000/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "0"}},
			},
		},
		nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create browser container: %v", domain.ErrResourceUnavailable, err)
	}

	if err := e.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = e.docker.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("%w: failed to start browser container: %v", domain.ErrResourceUnavailable, err)
	}

	inspect, err := e.docker.ContainerInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect browser container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports["3000/tcp"]
	if len(bindings) == 0 {
		return nil, fmt.Errorf("%w: browser container exposed no port", domain.ErrResourceUnavailable)
	}
	port := bindings[0].HostPort

	wsURL, err := waitForDebuggerURL(ctx, port)
	if err != nil {
		_ = e.docker.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("%w: browser engine not ready: %v", domain.ErrResourceUnavailable, err)
	}

	conn, err := newCDPConn(wsURL)
	if err != nil {
		_ = e.docker.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("%w: %v", domain.ErrResourceUnavailable, err)
	}

	e.containerID = created.ID
	e.conn = conn
	e.logger.Info("browser engine started", "container_id", created.ID, "port", port)
	return conn, nil
}

// Close tears down the shared connection and container.
func (e *dockerEngine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
	if e.containerID != "" {
		if err := e.docker.ContainerRemove(ctx, e.containerID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			e.logger.Warn("failed to remove browser container",
				"container_id", e.containerID, "error", err)
		}
		e.containerID = ""
	}
	return e.docker.Close()
}

// waitForDebuggerURL polls the engine's version endpoint until the
// devtools socket address is published.
func waitForDebuggerURL(ctx context.Context, port string) (string, error) {
	versionURL := fmt.Sprintf("http://localhost:%s/json/version", port)

	for i := 0; i < 20; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}

		resp, err := http.Get(versionURL)
		if err != nil {
			continue
		}
		var version struct {
			WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&version)
		_ = resp.Body.Close()
		if decodeErr != nil || version.WebSocketDebuggerURL == "" {
			continue
		}

		// The container reports its internal host; rewrite to the
		// published port.
		parsed, err := url.Parse(version.WebSocketDebuggerURL)
		if err != nil {
			continue
		}
		parsed.Host = "localhost:" + port
		return parsed.String(), nil
	}

	return "", fmt.Errorf("devtools socket did not become ready")
}

func drainAndClose(reader interface {
	Read([]byte) (int, error)
	Close() error
}) error {
	buf := make([]byte, 4096)
	for {
		if _, err := reader.Read(buf); err != nil {
			break
		}
	}
	return reader.Close()
}

// cdpPage drives one attached target over the shared connection.
type cdpPage struct {
	conn      *cdpConn
	targetID  string
	sessionID string
}

func (p *cdpPage) Navigate(ctx context.Context, pageURL string) error {
	_, err := p.conn.call(ctx, p.sessionID, "Page.navigate", map[string]any{"url": pageURL})
	return err
}

// Evaluate runs an expression in the page and returns its value.
func (p *cdpPage) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	raw, err := p.conn.call(ctx, p.sessionID, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  true,
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode evaluate result: %w", err)
	}
	if result.ExceptionDetails != nil {
		msg := result.ExceptionDetails.Text
		if result.ExceptionDetails.Exception != nil {
			msg = result.ExceptionDetails.Exception.Description
		}
		return nil, fmt.Errorf("script exception: %s", msg)
	}
	return result.Result.Value, nil
}

// Screenshot captures the page as base64-encoded PNG.
func (p *cdpPage) Screenshot(ctx context.Context) (string, error) {
	raw, err := p.conn.call(ctx, p.sessionID, "Page.captureScreenshot", map[string]any{"format": "png"})
	if err != nil {
		return "", err
	}
	var result struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("failed to decode screenshot: %w", err)
	}
	return result.Data, nil
}

func (p *cdpPage) Close(ctx context.Context) error {
	_, err := p.conn.call(ctx, "", "Target.closeTarget", map[string]any{"targetId": p.targetID})
	return err
}
