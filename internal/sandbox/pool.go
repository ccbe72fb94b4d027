package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/phrazzld/dispatch-api/internal/domain"
)

// Language selects the sandbox runtime.
type Language string

// Supported sandbox languages
const (
	LanguagePython Language = "python"
	LanguageNode   Language = "node"
	LanguageBash   Language = "bash"
)

// Resource and output caps.
const (
	// DefaultTimeout applies when the caller does not set one.
	DefaultTimeout = 30 * time.Second

	// MaxTimeout is the hard wall-clock ceiling; caller timeouts above it
	// are clamped.
	MaxTimeout = 60 * time.Second

	// DefaultMemoryLimit caps container memory.
	DefaultMemoryLimit = 256 * 1024 * 1024

	// nanoCPULimit caps each container at half a CPU.
	nanoCPULimit = 500_000_000

	// MaxStdoutChars and MaxStderrChars bound captured output.
	MaxStdoutChars = 10000
	MaxStderrChars = 5000
)

// Container labels used to find pool-managed containers on the daemon.
const (
	labelManaged = "dispatch.managed"
	labelSession = "dispatch.session-id"
	labelLang    = "dispatch.language"
	labelKind    = "dispatch.kind"
)

// ErrInvalidLanguage is returned for an unsupported sandbox language.
var ErrInvalidLanguage = fmt.Errorf("%w: unsupported sandbox language", domain.ErrValidation)

// ExecResult is the normalized outcome of a sandbox execution.
// RuntimeUnavailable is set instead of an error when the container
// daemon itself cannot be reached, so callers can distinguish a missing
// runtime from a failed run.
type ExecResult struct {
	Stdout             string        `json:"stdout"`
	Stderr             string        `json:"stderr"`
	ExitCode           int           `json:"exitCode"`
	ExecutionTime      time.Duration `json:"executionTime"`
	ContainerID        string        `json:"containerId,omitempty"`
	TimedOut           bool          `json:"timedOut"`
	RuntimeUnavailable bool          `json:"runtimeUnavailable,omitempty"`
}

// ContainerInfo describes one persistent container managed by the pool.
type ContainerInfo struct {
	ContainerID string    `json:"containerId"`
	SessionID   string    `json:"sessionId"`
	Language    Language  `json:"language"`
	Running     bool      `json:"running"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ExecOptions tune one ephemeral execution.
type ExecOptions struct {
	// Timeout is clamped to MaxTimeout; zero means the pool default.
	Timeout time.Duration
	// Packages are installed before the code runs: pip for python, npm
	// for node. Bash runs accept no packages.
	Packages []string
}

// Options configure a Pool. Zero fields take the package defaults.
type Options struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MemoryLimit    int64
}

// Pool owns every sandbox container. Sessions and tasks hold only
// container IDs; the pool is the one place allowed to stop or remove
// them.
type Pool struct {
	client *client.Client
	logger *slog.Logger
	opts   Options

	mu         sync.Mutex
	persistent map[string]*ContainerInfo
}

// NewPool creates a sandbox pool against the local Docker daemon.
// Construction succeeds even when the daemon is unreachable; executions
// then report RuntimeUnavailable.
func NewPool(logger *slog.Logger, opts Options) (*Pool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = MaxTimeout
	}
	if opts.MemoryLimit <= 0 {
		opts.MemoryLimit = DefaultMemoryLimit
	}

	return &Pool{
		client:     cli,
		logger:     logger.With("component", "sandbox_pool"),
		opts:       opts,
		persistent: make(map[string]*ContainerInfo),
	}, nil
}

// imageFor maps a language to its runtime image.
func imageFor(lang Language) (string, error) {
	switch lang {
	case LanguagePython:
		return "python:3.11-alpine", nil
	case LanguageNode:
		return "node:20-alpine", nil
	case LanguageBash:
		return "bash:5", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLanguage, lang)
	}
}

// commandFor builds the one-shot invocation form for running source in
// an ephemeral container.
func commandFor(lang Language, code string) ([]string, error) {
	switch lang {
	case LanguagePython:
		return []string{"python", "-c", code}, nil
	case LanguageNode:
		return []string{"node", "-e", code}, nil
	case LanguageBash:
		return []string{"bash", "-c", code}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidLanguage, lang)
	}
}

// Package names are restricted to what pip and npm accept so they can
// be spliced into a shell command safely.
var packageNameRegex = regexp.MustCompile(`^[A-Za-z0-9@][A-Za-z0-9._@/-]*$`)

// commandWithPackages wraps the invocation in a shell that installs the
// requested packages first. The source is handed over via an
// environment variable so it never touches the shell line.
func commandWithPackages(lang Language, code string, packages []string) (cmd []string, env []string, err error) {
	for _, p := range packages {
		if !packageNameRegex.MatchString(p) {
			return nil, nil, fmt.Errorf("%w: invalid package name %q", domain.ErrValidation, p)
		}
	}
	env = []string{"SANDBOX_CODE=" + code}
	joined := strings.Join(packages, " ")
	switch lang {
	case LanguagePython:
		return []string{"sh", "-c", "pip install --quiet " + joined + ` && exec python -c "$SANDBOX_CODE"`}, env, nil
	case LanguageNode:
		return []string{"sh", "-c", "npm install --silent " + joined + ` && exec node -e "$SANDBOX_CODE"`}, env, nil
	case LanguageBash:
		return nil, nil, fmt.Errorf("%w: packages are not supported for bash", domain.ErrValidation)
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidLanguage, lang)
	}
}

// idleCommandFor keeps a persistent container alive awaiting exec calls.
func idleCommandFor(lang Language) []string {
	if lang == LanguageBash {
		return []string{"bash", "-c", "sleep infinity"}
	}
	return []string{"sh", "-c", "sleep infinity"}
}

// truncate bounds captured output, appending a marker when cut.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... [truncated]"
}

// clampTimeout resolves the effective wall-clock limit for one run.
func (p *Pool) clampTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		requested = p.opts.DefaultTimeout
	}
	if requested > p.opts.MaxTimeout {
		requested = p.opts.MaxTimeout
	}
	return requested
}

// ListContainers enumerates pool-managed persistent containers on the
// daemon, optionally filtered to one session. Ephemeral containers are
// removed before their call returns and never appear here.
func (p *Pool) ListContainers(ctx context.Context, sessionID string) ([]ContainerInfo, error) {
	args := filters.NewArgs(
		filters.Arg("label", labelManaged+"=true"),
		filters.Arg("label", labelKind+"=persistent"),
	)
	if sessionID != "" {
		args.Add("label", labelSession+"="+sessionID)
	}

	summaries, err := p.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list containers: %v", domain.ErrResourceUnavailable, err)
	}

	infos := make([]ContainerInfo, 0, len(summaries))
	for _, s := range summaries {
		infos = append(infos, ContainerInfo{
			ContainerID: s.ID,
			SessionID:   s.Labels[labelSession],
			Language:    Language(s.Labels[labelLang]),
			Running:     s.State == "running",
			CreatedAt:   time.Unix(s.Created, 0).UTC(),
		})
	}
	return infos, nil
}

// StopContainer stops and removes one persistent container. Returns
// false without error when the container is already gone.
func (p *Pool) StopContainer(ctx context.Context, containerID string) (bool, error) {
	timeout := 10
	err := p.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	if err != nil {
		if client.IsErrNotFound(err) {
			p.forget(containerID)
			return false, nil
		}
		return false, fmt.Errorf("failed to stop container: %w", err)
	}

	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return false, fmt.Errorf("failed to remove container: %w", err)
	}

	p.forget(containerID)
	p.logger.Info("container stopped", "container_id", containerID)
	return true, nil
}

// CleanupSessionContainers stops every persistent container registered
// for the session and returns how many were stopped. Daemon errors on
// individual containers are logged and skipped.
func (p *Pool) CleanupSessionContainers(ctx context.Context, sessionID string) int {
	infos, err := p.ListContainers(ctx, sessionID)
	if err != nil {
		p.logger.Warn("failed to list session containers for cleanup",
			"session_id", sessionID, "error", err)
		return 0
	}

	count := 0
	for _, info := range infos {
		stopped, err := p.StopContainer(ctx, info.ContainerID)
		if err != nil {
			p.logger.Warn("failed to stop session container",
				"session_id", sessionID, "container_id", info.ContainerID, "error", err)
			continue
		}
		if stopped {
			count++
		}
	}
	return count
}

// GetLogs returns a container's combined stdout/stderr log.
func (p *Pool) GetLogs(ctx context.Context, containerID string) (string, error) {
	reader, err := p.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", fmt.Errorf("%w: container %s", domain.ErrNotFound, containerID)
		}
		return "", fmt.Errorf("failed to read container logs: %w", err)
	}
	defer func() { _ = reader.Close() }()

	stdout, stderr, err := demuxOutput(reader)
	if err != nil {
		return "", fmt.Errorf("failed to decode container logs: %w", err)
	}
	return stdout + stderr, nil
}

// Close releases the docker client. Persistent containers are left
// running; they belong to their sessions.
func (p *Pool) Close() error {
	return p.client.Close()
}

// lookupPersistent finds the registered container for a session and
// language pair, if one exists.
func (p *Pool) lookupPersistent(sessionID string, lang Language) *ContainerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, info := range p.persistent {
		if info.SessionID == sessionID && info.Language == lang {
			return info
		}
	}
	return nil
}

func (p *Pool) register(info *ContainerInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.persistent[info.ContainerID] = info
}

func (p *Pool) forget(containerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.persistent, containerID)
}

// ensureImage pulls the runtime image when absent. Pull failures are
// surfaced by the subsequent create, so it only logs.
func (p *Pool) ensureImage(ctx context.Context, ref string) {
	reader, err := p.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		p.logger.Debug("image pull skipped", "image", ref, "error", err)
		return
	}
	defer func() { _ = reader.Close() }()
	_, _ = io.Copy(io.Discard, reader)
}

// demuxOutput splits a multiplexed docker log/attach stream into stdout
// and stderr.
func demuxOutput(reader io.Reader) (string, string, error) {
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", "", err
	}
	return stdout.String(), stderr.String(), nil
}
