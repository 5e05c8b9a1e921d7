// Package docker implements sandbox.Runtime against the Docker engine.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sandboxrun/execd/internal/config"
	"github.com/sandboxrun/execd/internal/environment"
	"github.com/sandboxrun/execd/internal/sandbox"
)

const (
	labelManaged     = "code-executor"
	labelSessionID   = "session_id"
	labelEnvironment = "environment"

	settleDelay = 100 * time.Millisecond
	stopTimeout = 5 * time.Second
)

// Provider implements sandbox.Runtime using the Docker engine API.
type Provider struct {
	client *client.Client
	cfg    *config.Config
	env    *environment.Registry

	// containerIDs caches sessionID -> Docker container ID so repeat calls
	// within a session's lifetime skip a name-based inspect.
	containerIDs   map[string]string
	containerIDsMu sync.RWMutex
}

// NewProvider dials the Docker engine and verifies connectivity.
func NewProvider(cfg *config.Config, env *environment.Registry) (*Provider, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	return &Provider{
		client:       cli,
		cfg:          cfg,
		env:          env,
		containerIDs: make(map[string]string),
	}, nil
}

func containerName(sessionID string) string {
	return fmt.Sprintf("code-executor-%s", sessionID)
}

// Create launches a sandbox container for sessionID running the named
// environment image, applying the fixed resource/security policy.
func (p *Provider) Create(ctx context.Context, sessionID, environmentName string) (string, error) {
	p.containerIDsMu.RLock()
	_, exists := p.containerIDs[sessionID]
	p.containerIDsMu.RUnlock()
	if exists {
		return "", sandbox.ErrAlreadyExists
	}

	env, ok := p.env.Get(environmentName)
	if !ok {
		return "", fmt.Errorf("%w: unknown environment %q", sandbox.ErrImageNotFound, environmentName)
	}
	image := environment.ResolveImage(env, p.cfg.ImagePrefix)

	name := containerName(sessionID)
	if existing, err := p.client.ContainerInspect(ctx, name); err == nil && existing.ID != "" {
		_ = p.client.ContainerRemove(ctx, existing.ID, container.RemoveOptions{Force: true})
	}

	containerConfig := &container.Config{
		Image:      image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: p.cfg.WorkspaceDir,
		User:       p.cfg.ExecutorUser,
		Labels: map[string]string{
			labelManaged:     "true",
			labelSessionID:   sessionID,
			labelEnvironment: environmentName,
		},
	}

	period := int64(100000)
	quota := int64(p.cfg.CPULimit * 100000)

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:     int64(p.cfg.MemoryLimitMB) * 1024 * 1024,
			CPUPeriod:  period,
			CPUQuota:   quota,
			PidsLimit:  &p.cfg.PidsLimit,
		},
		Tmpfs: map[string]string{
			"/tmp": fmt.Sprintf("size=%dm,noexec,nosuid,nodev", p.cfg.TmpfsSizeMB),
		},
		SecurityOpt:    []string{"no-new-privileges:true"},
		ReadonlyRootfs: p.cfg.ReadOnlyRootfs,
	}

	if p.cfg.NetworkEnabled {
		hostConfig.NetworkMode = "bridge"
	} else {
		hostConfig.NetworkMode = "none"
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", sandbox.ErrImageNotFound, err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start sandbox container: %w", err)
	}

	p.containerIDsMu.Lock()
	p.containerIDs[sessionID] = resp.ID
	p.containerIDsMu.Unlock()

	return resp.ID, nil
}

// Exec writes the request's source into the container and runs it under a
// hard timeout, demultiplexing stdout/stderr and lossy-decoding both.
func (p *Provider) Exec(ctx context.Context, sessionID string, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	containerID, err := p.getContainerID(ctx, sessionID)
	if err != nil {
		return &sandbox.ExecResult{ExitCode: -1, Stderr: err.Error()}, nil
	}

	env, ok := p.env.Get(containerEnvironment(p, ctx, containerID))
	filename := req.Filename
	if filename == "" && ok {
		filename = env.DefaultFilename
	}
	if filename == "" {
		filename = "main"
	}
	filePath := p.cfg.WorkspaceDir + "/" + filename

	if err := p.writeSource(ctx, containerID, filePath, req.Code); err != nil {
		return &sandbox.ExecResult{ExitCode: -1, Stderr: fmt.Sprintf("failed to write source: %v", err)}, nil
	}
	time.Sleep(settleDelay)

	argv, err := p.env.ExpandRunCommand(containerEnvironment(p, ctx, containerID), filePath)
	if err != nil {
		return &sandbox.ExecResult{ExitCode: -1, Stderr: err.Error()}, nil
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = int(p.cfg.ExecutionTimeout.Seconds())
	}
	wrapped := append([]string{"timeout", strconv.Itoa(timeout)}, argv...)

	start := time.Now()
	stdout, stderr, exitCode, err := p.runExec(ctx, containerID, wrapped, req.Stdin)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		return &sandbox.ExecResult{ExitCode: -1, Stderr: err.Error(), ExecutionTimeSeconds: elapsed}, nil
	}

	if exitCode == 124 {
		stderr = "Execution timed out\n" + stderr
	}

	return &sandbox.ExecResult{
		Stdout:               strings.ToValidUTF8(stdout, "�"),
		Stderr:               strings.ToValidUTF8(stderr, "�"),
		ExitCode:             exitCode,
		ExecutionTimeSeconds: elapsed,
	}, nil
}

// writeSource streams code into the container via `sh -c "cat > <path>"`.
func (p *Provider) writeSource(ctx context.Context, containerID, filePath, code string) error {
	execConfig := container.ExecOptions{
		Cmd:          []string{"sh", "-c", fmt.Sprintf("cat > %s", filePath)},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}

	created, err := p.client.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return err
	}

	resp, err := p.client.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return err
	}
	defer resp.Close()

	if _, err := resp.Conn.Write([]byte(code)); err != nil {
		return err
	}
	resp.CloseWrite()

	var discard bytes.Buffer
	_, _ = stdcopy.StdCopy(&discard, &discard, resp.Reader)
	return nil
}

// runExec runs argv in the container, returning demuxed stdout/stderr and exit code.
func (p *Provider) runExec(ctx context.Context, containerID string, argv []string, stdin string) (stdout, stderr string, exitCode int, err error) {
	execConfig := container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  stdin != "",
	}

	created, err := p.client.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return "", "", -1, err
	}

	resp, err := p.client.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return "", "", -1, err
	}
	defer resp.Close()

	if stdin != "" {
		go func() {
			_, _ = resp.Conn.Write([]byte(stdin))
			resp.CloseWrite()
		}()
	}

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, resp.Reader); err != nil {
		return "", "", -1, err
	}

	inspect, err := p.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return "", "", -1, err
	}

	return outBuf.String(), errBuf.String(), inspect.ExitCode, nil
}

// Stop gracefully stops then force-removes the container. A missing
// container is not an error.
func (p *Provider) Stop(ctx context.Context, sessionID string) error {
	containerID, err := p.getContainerID(ctx, sessionID)
	if err != nil {
		if err == sandbox.ErrNotFound {
			return nil
		}
		return err
	}

	timeoutSeconds := int(stopTimeout.Seconds())
	_ = p.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds})
	_ = p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})

	p.containerIDsMu.Lock()
	delete(p.containerIDs, sessionID)
	p.containerIDsMu.Unlock()

	return nil
}

// Exists reports whether a sandbox container is known for sessionID.
func (p *Provider) Exists(ctx context.Context, sessionID string) (bool, error) {
	_, err := p.getContainerID(ctx, sessionID)
	if err == sandbox.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Sweep removes every container labeled code-executor=true whose session_id
// is not present in knownSessionIDs.
func (p *Provider) Sweep(ctx context.Context, knownSessionIDs map[string]bool) ([]string, error) {
	args := filters.NewArgs()
	args.Add("label", labelManaged+"=true")

	containers, err := p.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list labeled containers: %w", err)
	}

	var removed []string
	for _, c := range containers {
		sessionID := c.Labels[labelSessionID]
		if sessionID != "" && knownSessionIDs[sessionID] {
			continue
		}

		timeoutSeconds := int(stopTimeout.Seconds())
		_ = p.client.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeoutSeconds})
		if err := p.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			continue
		}

		p.containerIDsMu.Lock()
		delete(p.containerIDs, sessionID)
		p.containerIDsMu.Unlock()

		removed = append(removed, c.ID)
	}

	return removed, nil
}

// getContainerID resolves the Docker container ID for a session, falling
// back to a name-based inspect (so a restarted process can rediscover
// containers it created before the restart).
func (p *Provider) getContainerID(ctx context.Context, sessionID string) (string, error) {
	p.containerIDsMu.RLock()
	containerID, exists := p.containerIDs[sessionID]
	p.containerIDsMu.RUnlock()
	if exists {
		return containerID, nil
	}

	info, err := p.client.ContainerInspect(ctx, containerName(sessionID))
	if err != nil {
		return "", sandbox.ErrNotFound
	}

	p.containerIDsMu.Lock()
	p.containerIDs[sessionID] = info.ID
	p.containerIDsMu.Unlock()

	return info.ID, nil
}

// containerEnvironment reads back the environment label set at creation, so
// Exec doesn't need the caller to pass it through again.
func containerEnvironment(p *Provider, ctx context.Context, containerID string) string {
	info, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return ""
	}
	return info.Config.Labels[labelEnvironment]
}

// Close releases the Docker client connection.
func (p *Provider) Close() error {
	return p.client.Close()
}
