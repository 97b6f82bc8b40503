// Package docker is an optional, opt-in isolation mode for the
// subprocess provider archetype (C4.A): instead of running a backend
// CLI as a bare OS process, it runs the same binary inside a
// container, bind-mounting the agent's existing on-disk sandbox
// (internal/sandbox) in as the container's workspace. The native
// directory sandbox remains the default; this package only engages
// when config.DockerConfig.Enabled is set.
package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/basestar-sh/agentforge/internal/common/config"
	"github.com/basestar-sh/agentforge/internal/common/logger"
)

// ContainerConfig describes a container to create.
type ContainerConfig struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Mounts      []MountConfig
	NetworkMode string
	Memory      int64
	CPUQuota    int64
	Labels      map[string]string
	AutoRemove  bool
}

// MountConfig is one host-path-to-container-path bind mount.
type MountConfig struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerInfo reports the observed state of a container.
type ContainerInfo struct {
	ID       string
	Name     string
	Image    string
	State    string
	Status   string
	ExitCode int
}

// Client wraps the Docker SDK client with the subset of lifecycle
// operations agentd needs to run a sandboxed task inside a container.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewClient constructs a Docker client. cfg.Host, when set, targets a
// non-default daemon socket (e.g. a remote or rootless daemon).
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	log.Info("docker client created", zap.String("host", cfg.Host))
	return &Client{cli: cli, logger: log, config: cfg}, nil
}

// Close releases the underlying daemon connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping confirms the daemon is reachable, used at startup when Docker
// isolation is enabled so a misconfigured daemon fails fast.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// PullImage pulls an image, blocking until the pull completes.
func (c *Client) PullImage(ctx context.Context, imageName string) error {
	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", imageName, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("read image pull output for %s: %w", imageName, err)
	}
	return nil
}

// CreateContainer creates a non-interactive container, auto-removed on
// exit only when cfg.AutoRemove is set.
func (c *Client) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	hostCfg, mounts := c.hostConfig(cfg)
	containerCfg := &container.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Cmd,
		Env:        cfg.Env,
		WorkingDir: cfg.WorkingDir,
		Labels:     cfg.Labels,
	}
	hostCfg.Mounts = mounts

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", cfg.Name, err)
	}
	return resp.ID, nil
}

// CreateContainerInteractive creates a container with stdin open and
// attached, used when the runner needs to pipe a prompt in over stdin
// the same way the native subprocess provider does.
func (c *Client) CreateContainerInteractive(ctx context.Context, cfg ContainerConfig) (string, error) {
	hostCfg, mounts := c.hostConfig(cfg)
	containerCfg := &container.Config{
		Image:        cfg.Image,
		Cmd:          cfg.Cmd,
		Env:          cfg.Env,
		WorkingDir:   cfg.WorkingDir,
		Labels:       cfg.Labels,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	hostCfg.Mounts = mounts

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("create interactive container %s: %w", cfg.Name, err)
	}
	return resp.ID, nil
}

func (c *Client) hostConfig(cfg ContainerConfig) (*container.HostConfig, []mount.Mount) {
	mounts := make([]mount.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	networkMode := cfg.NetworkMode
	if networkMode == "" {
		networkMode = "none"
	}
	return &container.HostConfig{
		NetworkMode: container.NetworkMode(networkMode),
		AutoRemove:  cfg.AutoRemove,
		Resources: container.Resources{
			Memory:   cfg.Memory,
			CPUQuota: cfg.CPUQuota,
		},
	}, mounts
}

// AttachResult holds the streams for an interactive container's I/O.
type AttachResult struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
}

// AttachContainer attaches to an interactive container's stdio,
// multiplexing stdout+stderr into a single reader the caller demuxes.
func (c *Client) AttachContainer(ctx context.Context, containerID string) (*AttachResult, error) {
	resp, err := c.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container %s: %w", containerID, err)
	}

	stdinReader, stdinWriter := io.Pipe()
	go func() {
		io.Copy(resp.Conn, stdinReader)
		resp.CloseWrite()
	}()

	return &AttachResult{Stdin: stdinWriter, Stdout: resp.Reader}, nil
}

// StartContainer starts a previously created container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", containerID, err)
	}
	return nil
}

// StopContainer stops a container, giving it timeout to exit cleanly
// before the daemon kills it.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("stop container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer removes a container and its anonymous volumes.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force, RemoveVolumes: true})
	if err != nil {
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

// WaitContainer blocks until the container stops and returns its exit
// code, or the context error if cancelled first.
func (c *Client) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := c.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("wait container %s: %w", containerID, err)
		}
		return -1, nil
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// ListContainers lists containers carrying all of the given labels.
func (c *Client) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	filterArgs := filters.NewArgs()
	for k, v := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		infos = append(infos, ContainerInfo{ID: ctr.ID, Name: name, Image: ctr.Image, State: ctr.State, Status: ctr.Status})
	}
	return infos, nil
}

// IsRunning reports whether containerID is still in the "running" state,
// used by the zombie sweep to tell a genuinely stuck container from one
// that already exited underneath its session.
func (c *Client) IsRunning(ctx context.Context, containerID string) (bool, error) {
	info, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return false, fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	if info.State == nil {
		return false, nil
	}
	return info.State.Running, nil
}
