package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/basestar-sh/agentforge/internal/common/logger"
	"github.com/basestar-sh/agentforge/internal/provider"
)

// Runner launches one container per task, bind-mounting the task's
// sandbox workspace in as the container's working directory. It
// implements subprocess.ContainerRunner, letting the subprocess
// provider archetype (C4.A) opt into container isolation without
// changing how it parses backend output.
type Runner struct {
	client *Client
	image  string
	log    *logger.Logger
}

// NewRunner constructs a Runner that launches containers from image.
func NewRunner(client *Client, image string, log *logger.Logger) *Runner {
	return &Runner{client: client, image: image, log: log.WithFields(zap.String("component", "docker_runner"))}
}

// Session is one running container's I/O, satisfying
// subprocess.ContainerSession.
type Session struct {
	client      *Client
	containerID string
	stdin       io.WriteCloser
	stdout      *io.PipeReader
	stderr      *io.PipeReader
}

// Start creates, mounts, attaches and starts a container running
// binary with args inside it, with task.WorkspacePath bind-mounted at
// /workspace as the container's working directory.
func (r *Runner) Start(ctx context.Context, task provider.Task, binary string, args []string) (*Session, error) {
	name := fmt.Sprintf("agentforge-%s-%s", task.AgentID, task.RunID)

	cmd := append([]string{binary}, args...)
	containerID, err := r.client.CreateContainerInteractive(ctx, ContainerConfig{
		Name:       name,
		Image:      r.image,
		Cmd:        cmd,
		WorkingDir: "/workspace",
		Mounts: []MountConfig{
			{Source: task.WorkspacePath, Target: "/workspace", ReadOnly: false},
		},
		Labels: map[string]string{
			"agentforge.agent_id": task.AgentID,
			"agentforge.run_id":   task.RunID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create sandbox container: %w", err)
	}

	if err := r.client.StartContainer(ctx, containerID); err != nil {
		_ = r.client.RemoveContainer(ctx, containerID, true)
		return nil, fmt.Errorf("start sandbox container: %w", err)
	}

	attach, err := r.client.AttachContainer(ctx, containerID)
	if err != nil {
		_ = r.client.StopContainer(ctx, containerID, 2*time.Second)
		_ = r.client.RemoveContainer(ctx, containerID, true)
		return nil, fmt.Errorf("attach sandbox container: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, attach.Stdout)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	return &Session{
		client:      r.client,
		containerID: containerID,
		stdin:       attach.Stdin,
		stdout:      stdoutR,
		stderr:      stderrR,
	}, nil
}

func (s *Session) Stdin() io.WriteCloser { return s.stdin }
func (s *Session) Stdout() io.Reader     { return s.stdout }
func (s *Session) Stderr() io.Reader     { return s.stderr }

// Wait blocks for the container to exit and reaps it, returning an
// error if the exit code was non-zero.
func (s *Session) Wait() error {
	ctx := context.Background()
	code, err := s.client.WaitContainer(ctx, s.containerID)
	_ = s.client.RemoveContainer(ctx, s.containerID, true)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("container exited with code %d", code)
	}
	return nil
}

// Kill stops and removes the container, used when a task is cancelled.
func (s *Session) Kill() error {
	ctx := context.Background()
	_ = s.client.StopContainer(ctx, s.containerID, 5*time.Second)
	return s.client.RemoveContainer(ctx, s.containerID, true)
}

// Alive reports whether the container is still running, so the zombie
// sweep can tell a container that exited without Wait observing it from
// one that is genuinely still executing.
func (s *Session) Alive() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	running, err := s.client.IsRunning(ctx, s.containerID)
	if err != nil {
		return false
	}
	return running
}
