package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/phrazzld/dispatch-api/internal/domain"
)

// ExecuteEphemeral runs code in a single-use, network-disabled,
// resource-capped container. The container is always removed before the
// call returns, whether the run succeeded, failed, or timed out. On
// timeout the process is force-killed and the result carries
// timedOut=true with exitCode -1. When the Docker daemon is unreachable
// the result reports RuntimeUnavailable instead of returning an error.
func (p *Pool) ExecuteEphemeral(ctx context.Context, lang Language, code string, opts ExecOptions) (*ExecResult, error) {
	cmd, err := commandFor(lang, code)
	if err != nil {
		return nil, err
	}
	var env []string
	if len(opts.Packages) > 0 {
		cmd, env, err = commandWithPackages(lang, code, opts.Packages)
		if err != nil {
			return nil, err
		}
	}
	img, err := imageFor(lang)
	if err != nil {
		return nil, err
	}

	timeout := p.clampTimeout(opts.Timeout)
	start := time.Now()

	if _, err := p.client.Ping(ctx); err != nil {
		p.logger.Warn("docker daemon unreachable", "error", err)
		return &ExecResult{
			Stderr:             "container runtime not available",
			ExitCode:           -1,
			ExecutionTime:      time.Since(start),
			RuntimeUnavailable: true,
		}, nil
	}

	p.ensureImage(ctx, img)

	created, err := p.client.ContainerCreate(ctx,
		&container.Config{
			Image: img,
			Cmd:   cmd,
			Env:   env,
			// Package installs need the network; pure runs stay offline.
			NetworkDisabled: len(opts.Packages) == 0,
			Labels: map[string]string{
				labelManaged: "true",
				labelLang:    string(lang),
				labelKind:    "ephemeral",
			},
		},
		&container.HostConfig{
			Resources: container.Resources{
				Memory:   p.opts.MemoryLimit,
				NanoCPUs: nanoCPULimit,
			},
		},
		nil, nil,
		fmt.Sprintf("sandbox-%s", uuid.New().String()[:8]),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox container: %w", err)
	}
	containerID := created.ID

	// Removal must happen on every path out of this function.
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := p.client.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			p.logger.Warn("failed to remove ephemeral container",
				"container_id", containerID, "error", err)
		}
	}()

	if err := p.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start sandbox container: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusCh, errCh := p.client.ContainerWait(waitCtx, containerID, container.WaitConditionNotRunning)

	var exitCode int
	timedOut := false
	select {
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case err := <-errCh:
		if waitCtx.Err() == nil {
			return nil, fmt.Errorf("failed waiting for sandbox container: %w", err)
		}
		timedOut = true
		exitCode = -1
		if killErr := p.client.ContainerKill(context.Background(), containerID, "KILL"); killErr != nil && !client.IsErrNotFound(killErr) {
			p.logger.Warn("failed to kill timed-out container",
				"container_id", containerID, "error", killErr)
		}
	}

	result := &ExecResult{
		ExitCode:      exitCode,
		ExecutionTime: time.Since(start),
		ContainerID:   containerID,
		TimedOut:      timedOut,
	}

	logsCtx, logsCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer logsCancel()
	reader, err := p.client.ContainerLogs(logsCtx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		p.logger.Warn("failed to read sandbox output", "container_id", containerID, "error", err)
	} else {
		stdout, stderr, demuxErr := demuxOutput(reader)
		_ = reader.Close()
		if demuxErr != nil {
			p.logger.Warn("failed to decode sandbox output", "container_id", containerID, "error", demuxErr)
		}
		result.Stdout = truncate(stdout, MaxStdoutChars)
		result.Stderr = truncate(stderr, MaxStderrChars)
	}

	p.logger.Info("ephemeral execution finished",
		"language", lang,
		"exit_code", result.ExitCode,
		"timed_out", result.TimedOut,
		"duration", result.ExecutionTime)

	return result, nil
}

// CreatePersistent starts a long-lived container registered under
// (sessionID, language), reused by subsequent ExecuteInContainer calls.
func (p *Pool) CreatePersistent(ctx context.Context, lang Language, sessionID string) (string, error) {
	img, err := imageFor(lang)
	if err != nil {
		return "", err
	}
	if sessionID == "" {
		return "", fmt.Errorf("%w: session ID required for persistent container", domain.ErrValidation)
	}

	if _, err := p.client.Ping(ctx); err != nil {
		return "", fmt.Errorf("%w: docker daemon unreachable: %v", domain.ErrResourceUnavailable, err)
	}

	// One persistent container per (session, language). A registered
	// container that died since registration is dropped and replaced.
	if existing := p.lookupPersistent(sessionID, lang); existing != nil {
		inspect, err := p.client.ContainerInspect(ctx, existing.ContainerID)
		if err == nil && inspect.State != nil && inspect.State.Running {
			return existing.ContainerID, nil
		}
		p.forget(existing.ContainerID)
	}

	p.ensureImage(ctx, img)

	created, err := p.client.ContainerCreate(ctx,
		&container.Config{
			Image: img,
			Cmd:   idleCommandFor(lang),
			Labels: map[string]string{
				labelManaged: "true",
				labelSession: sessionID,
				labelLang:    string(lang),
				labelKind:    "persistent",
			},
		},
		&container.HostConfig{
			Resources: container.Resources{
				Memory:   p.opts.MemoryLimit,
				NanoCPUs: nanoCPULimit,
			},
		},
		nil, nil,
		fmt.Sprintf("sandbox-%s-%s", sessionID[:min(8, len(sessionID))], string(lang)),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create persistent container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		if removeErr := p.client.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true}); removeErr != nil {
			p.logger.Warn("failed to remove unstartable container",
				"container_id", created.ID, "error", removeErr)
		}
		return "", fmt.Errorf("failed to start persistent container: %w", err)
	}

	p.register(&ContainerInfo{
		ContainerID: created.ID,
		SessionID:   sessionID,
		Language:    lang,
		Running:     true,
		CreatedAt:   time.Now().UTC(),
	})

	p.logger.Info("persistent container created",
		"container_id", created.ID,
		"session_id", sessionID,
		"language", lang)

	return created.ID, nil
}

// ExecuteInContainer runs a command inside an already-running
// persistent container via docker exec.
func (p *Pool) ExecuteInContainer(ctx context.Context, containerID string, command []string) (*ExecResult, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("%w: command cannot be empty", domain.ErrValidation)
	}

	start := time.Now()

	execCreated, err := p.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          command,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: container %s", domain.ErrNotFound, containerID)
		}
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := p.client.ContainerExecAttach(ctx, execCreated.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to exec: %w", err)
	}
	defer attach.Close()

	stdout, stderr, err := demuxOutput(attach.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := p.client.ContainerExecInspect(ctx, execCreated.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	result := &ExecResult{
		Stdout:        truncate(stdout, MaxStdoutChars),
		Stderr:        truncate(stderr, MaxStderrChars),
		ExitCode:      inspect.ExitCode,
		ExecutionTime: time.Since(start),
		ContainerID:   containerID,
	}

	p.logger.Info("exec finished",
		"container_id", containerID,
		"exit_code", result.ExitCode,
		"duration", result.ExecutionTime)

	return result, nil
}
