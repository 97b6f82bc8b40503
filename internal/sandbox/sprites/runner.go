// Package sprites is a second, remote isolation mode for the subprocess
// provider archetype (C4.A), alongside internal/sandbox/docker's local
// container mode: it runs the backend command on a Fly.io Sprites remote
// sandbox via github.com/superfly/sprites-go instead of a local Docker
// daemon, for deployments where agentd itself has no Docker socket to
// reach.
package sprites

import (
	"bytes"
	"context"
	"fmt"
	"io"

	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/basestar-sh/agentforge/internal/common/logger"
	"github.com/basestar-sh/agentforge/internal/provider"
)

// Runner launches one Sprites remote sandbox command per task. The SDK's
// exposed surface is a single blocking CommandContext(...).Output() call
// (see github.com/superfly/sprites-go), not an attachable interactive
// session like docker.Runner's, so Start blocks until the whole command
// finishes and hands back a Session whose Stdout is already the full
// captured output.
type Runner struct {
	token string
	log   *logger.Logger
}

// NewRunner constructs a Runner authenticating to the Sprites API with
// token.
func NewRunner(token string, log *logger.Logger) *Runner {
	return &Runner{token: token, log: log.WithFields(zap.String("component", "sprites_runner"))}
}

// Session is one completed Sprites command's captured output, satisfying
// subprocess.ContainerSession.
type Session struct {
	sprite *sprites.Sprite
	stdout *bytes.Reader
	err    error
}

// Start runs binary with args and task.Prompt appended as a final
// argument (Sprites' grounding surface has no stdin pipe to write the
// prompt to) on a freshly named remote sandbox, blocking until it
// completes.
func (r *Runner) Start(ctx context.Context, task provider.Task, binary string, args []string) (*Session, error) {
	client := sprites.New(r.token)
	name := fmt.Sprintf("agentforge-%s-%s", task.AgentID, task.RunID)
	sprite := client.Sprite(name)

	cmdArgs := append(append([]string(nil), args...), task.Prompt)
	output, err := sprite.CommandContext(ctx, binary, cmdArgs...).Output()
	return &Session{sprite: sprite, stdout: bytes.NewReader(output), err: err}, nil
}

func (s *Session) Stdin() io.WriteCloser { return nopWriteCloser{} }
func (s *Session) Stdout() io.Reader     { return s.stdout }
func (s *Session) Stderr() io.Reader     { return bytes.NewReader(nil) }

// Wait destroys the remote sandbox, whose output has already been
// captured, and returns the error (if any) observed when the command ran
// to completion inside Start.
func (s *Session) Wait() error {
	_ = s.Kill()
	return s.err
}

// Kill destroys the remote sandbox, used both for cancellation and for
// routine teardown once output has been consumed.
func (s *Session) Kill() error { return s.sprite.Destroy() }

// Alive always reports false: by the time a Session exists, its command
// has already finished running inside the blocking Start call above.
func (s *Session) Alive() bool { return false }

// nopWriteCloser discards writes; Sprites' grounding surface has no
// stdin pipe, but subprocess.Provider always writes the prompt to
// Stdin() before reading output, so this keeps that write harmless
// instead of requiring a provider-side special case.
type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
