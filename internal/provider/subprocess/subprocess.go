// Package subprocess implements the subprocess-backed provider archetype
// (C4.A): a CLI binary (claude, gemini) driven over stdin/stdout, one
// line of output at a time. It backs the ClaudeCode and GeminiCode
// provider kinds.
package subprocess

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/basestar-sh/agentforge/internal/common/errors"
	"github.com/basestar-sh/agentforge/internal/common/logger"
	"github.com/basestar-sh/agentforge/internal/events"
	"github.com/basestar-sh/agentforge/internal/provider"
)

// terminationGrace is how long Cancel waits after the termination signal
// before force-killing a still-running process or container.
const terminationGrace = 5 * time.Second

// ContainerSession is one running containerized command's stdio,
// satisfied by internal/sandbox/docker's *Session. Stdin is closed by
// the provider once the prompt has been written, the same role
// stdin.Close plays for the native exec.Cmd path.
type ContainerSession interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
	Kill() error
	Alive() bool
}

// ContainerRunner launches a task's backend command inside a container
// instead of a bare OS process. Set on Config to opt a provider into
// Docker isolation (internal/sandbox/docker); nil keeps the default
// bare-process execution.
type ContainerRunner func(ctx context.Context, task provider.Task, binary string, args []string) (ContainerSession, error)

// killer stops a running task's underlying process or container and
// reports whether it's still alive, regardless of execution substrate.
type killer interface {
	Kill() error
	Alive() bool
}

type cmdKiller struct{ cmd *exec.Cmd }

// Kill sends SIGTERM, waits up to terminationGrace for the process to
// exit on its own, then force-kills it with SIGKILL.
func (k cmdKiller) Kill() error {
	proc := k.cmd.Process
	if proc == nil {
		return nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return proc.Kill()
	}

	deadline := time.Now().Add(terminationGrace)
	for time.Now().Before(deadline) {
		if proc.Signal(syscall.Signal(0)) != nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return proc.Kill()
}

// Alive reports whether the process still responds to a signal-0 probe,
// without blocking or reaping it.
func (k cmdKiller) Alive() bool {
	if k.cmd.Process == nil {
		return false
	}
	return k.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Provider drives a CLI binary as a subprocess per task. Each Execute/
// Stream call spawns a fresh process; there is no long-lived session,
// matching how these CLIs are invoked one-shot from automation.
type Provider struct {
	kind            provider.Kind
	binaryPath      string
	extraArgs       []string
	log             *logger.Logger
	emit            func(events.Event)
	containerRunner ContainerRunner

	mu      sync.Mutex
	running map[string]killer
	initOK  bool
}

// Config configures a subprocess-backed provider.
type Config struct {
	Kind       provider.Kind
	BinaryPath string
	ExtraArgs  []string
	// Emit, if set, receives every event parsed from subprocess output,
	// keyed to the task's agent/run. When nil, those events are
	// discarded and only the text chunks reach the caller.
	Emit func(events.Event)
	// ContainerRunner, if set, runs the binary inside a container
	// instead of a bare OS process (opt-in Docker isolation).
	ContainerRunner ContainerRunner
}

// New constructs a subprocess provider.
func New(cfg Config, log *logger.Logger) *Provider {
	return &Provider{
		kind:            cfg.Kind,
		binaryPath:      cfg.BinaryPath,
		extraArgs:       cfg.ExtraArgs,
		log:             log.WithFields(zap.String("provider", string(cfg.Kind))),
		emit:            cfg.Emit,
		containerRunner: cfg.ContainerRunner,
		running:         make(map[string]killer),
	}
}

func (p *Provider) Kind() provider.Kind { return p.kind }

func (p *Provider) Initialize(ctx context.Context) error {
	if _, err := exec.LookPath(p.binaryPath); err != nil {
		return apperrors.Validation(fmt.Sprintf("binary %q not found on PATH: %v", p.binaryPath, err))
	}
	p.initOK = true
	return nil
}

func (p *Provider) IsInitialized() bool { return p.initOK }

func (p *Provider) HealthCheck(ctx context.Context) (provider.HealthStatus, error) {
	if _, err := exec.LookPath(p.binaryPath); err != nil {
		return provider.HealthStatus{Healthy: false, Detail: err.Error()}, nil
	}
	return provider.HealthStatus{Healthy: true}, nil
}

func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	// These CLIs select their model via flag/config, not a discovery
	// endpoint; an empty list means "ask the binary's own defaults".
	return nil, nil
}

func (p *Provider) RequiredConfigKeys() []string { return []string{"binary_path"} }

func (p *Provider) ConfigSchema() provider.ConfigSchema {
	return provider.ConfigSchema{
		Type:       "object",
		Properties: []string{"binary_path", "extra_args"},
		Required:   []string{"binary_path"},
	}
}

func (p *Provider) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, k := range p.running {
		_ = k.Kill()
		delete(p.running, id)
	}
	return nil
}

func (p *Provider) Cancel(ctx context.Context, taskID string) error {
	p.mu.Lock()
	k, ok := p.running[taskID]
	p.mu.Unlock()
	if !ok {
		return apperrors.NotFound("task", taskID)
	}
	if err := k.Kill(); err != nil {
		return apperrors.Internal("failed to kill running task", err)
	}
	return nil
}

// IsAlive reports whether taskID's underlying process or container is
// still running, satisfying provider.LivenessChecker so the zombie sweep
// can detect a process that exited without Wait/readLoop clearing it.
func (p *Provider) IsAlive(taskID string) bool {
	p.mu.Lock()
	k, ok := p.running[taskID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	return k.Alive()
}

// Execute runs the task to completion, collecting every output line
// into events (emitted as they arrive) and building the final response
// from accumulated text-content lines.
func (p *Provider) Execute(ctx context.Context, task provider.Task) (provider.Response, error) {
	chunks, err := p.Stream(ctx, task)
	if err != nil {
		return provider.Response{}, err
	}

	var sb strings.Builder
	var streamErr error
	for chunk := range chunks {
		if chunk.Err != nil {
			streamErr = chunk.Err
			continue
		}
		sb.WriteString(chunk.Content)
	}
	if streamErr != nil {
		return provider.Response{
			Status: provider.StatusFailed,
			Kind:   p.kind,
			Model:  task.Model,
			Err:    streamErr,
		}, streamErr
	}
	return provider.Response{
		Content: sb.String(),
		Status:  provider.StatusCompleted,
		Kind:    p.kind,
		Model:   task.Model,
	}, nil
}

// Stream launches the backend command and returns a channel of output
// chunks, closed when it exits. It runs as a bare OS process unless a
// ContainerRunner is configured, in which case the same binary runs
// inside a container with its sandbox workspace bind-mounted in.
func (p *Provider) Stream(ctx context.Context, task provider.Task) (<-chan provider.Chunk, error) {
	args := append([]string(nil), p.extraArgs...)

	if p.containerRunner != nil {
		return p.streamContainer(ctx, task, args)
	}

	cmd := exec.CommandContext(ctx, p.binaryPath, args...)
	if task.WorkspacePath != "" {
		cmd.Dir = task.WorkspacePath
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperrors.Internal("create stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.Internal("create stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperrors.Internal("create stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, apperrors.BackendFailure("failed to start subprocess", err.Error())
	}

	p.mu.Lock()
	p.running[task.TaskID] = cmdKiller{cmd: cmd}
	p.mu.Unlock()

	if _, err := io.WriteString(stdin, task.Prompt+"\n"); err != nil {
		p.log.WithError(err).Warn("failed to write prompt to subprocess stdin")
	}
	_ = stdin.Close()

	out := make(chan provider.Chunk, 16)

	go p.drainStderr(task, stderr)
	go p.readLoop(ctx, task, stdout, cmd.Wait, out)

	return out, nil
}

// streamContainer is the ContainerRunner-backed counterpart to Stream's
// default bare-process path: same prompt-over-stdin, same line-by-line
// output parsing, different execution substrate.
func (p *Provider) streamContainer(ctx context.Context, task provider.Task, args []string) (<-chan provider.Chunk, error) {
	session, err := p.containerRunner(ctx, task, p.binaryPath, args)
	if err != nil {
		return nil, apperrors.BackendFailure("failed to start sandbox container", err.Error())
	}

	p.mu.Lock()
	p.running[task.TaskID] = session
	p.mu.Unlock()

	if _, err := io.WriteString(session.Stdin(), task.Prompt+"\n"); err != nil {
		p.log.WithError(err).Warn("failed to write prompt to container stdin")
	}
	_ = session.Stdin().Close()

	out := make(chan provider.Chunk, 16)

	go p.drainStderr(task, session.Stderr())
	go p.readLoop(ctx, task, session.Stdout(), session.Wait, out)

	return out, nil
}

func (p *Provider) readLoop(ctx context.Context, task provider.Task, stdout io.Reader, wait func() error, out chan<- provider.Chunk) {
	defer close(out)
	defer func() {
		p.mu.Lock()
		delete(p.running, task.TaskID)
		p.mu.Unlock()
	}()

	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		p.handleLine(task, line, out)
	}
	if err := scanner.Err(); err != nil {
		p.log.WithError(err).Warn("subprocess stdout read error")
	}

	waitErr := wait()
	if waitErr != nil {
		p.emitEvent(task, events.New(events.Error, task.AgentID, task.RunID, events.ErrorPayload{
			Reason:  "backend_exit",
			Message: waitErr.Error(),
		}))
		out <- provider.Chunk{Err: apperrors.BackendFailure("subprocess exited with error", waitErr.Error())}
		return
	}
	p.emitEvent(task, events.New(events.TaskComplete, task.AgentID, task.RunID, events.TaskCompletePayload{ReturnCode: 0}))
}

// handleLine parses one line of subprocess output. A JSON object with a
// recognizable "type" field becomes a structured event; anything else
// is treated as opaque log output and also surfaced as response content
// so plain-text CLIs still produce a usable Response.
func (p *Provider) handleLine(task provider.Task, line string, out chan<- provider.Chunk) {
	var probe struct {
		Type    string `json:"type"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(line), &probe); err == nil && probe.Type != "" {
		switch probe.Type {
		case "tool_call", "tool_use":
			p.emitEvent(task, events.New(events.ToolCall, task.AgentID, task.RunID, events.ToolCallPayload{Tool: probe.Content}))
		case "edit":
			p.emitEvent(task, events.New(events.Edit, task.AgentID, task.RunID, events.EditPayload{Path: probe.Content}))
		case "text", "content":
			out <- provider.Chunk{Content: probe.Content}
			return
		default:
			p.emitEvent(task, events.New(events.Log, task.AgentID, task.RunID, events.LogPayload{Message: line, Stream: "stdout"}))
		}
		return
	}

	// Not structured JSON: opaque log line, also surfaced as content.
	p.emitEvent(task, events.New(events.Log, task.AgentID, task.RunID, events.LogPayload{Message: line, Stream: "stdout"}))
	out <- provider.Chunk{Content: line + "\n"}
}

func (p *Provider) drainStderr(task provider.Task, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		p.emitEvent(task, events.New(events.Log, task.AgentID, task.RunID, events.LogPayload{Message: line, Stream: "stderr"}))
	}
}

func (p *Provider) emitEvent(task provider.Task, e events.Event) {
	if p.emit == nil {
		return
	}
	p.emit(e)
}
