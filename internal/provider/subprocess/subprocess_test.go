package subprocess_test

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/basestar-sh/agentforge/internal/common/errors"
	"github.com/basestar-sh/agentforge/internal/common/logger"
	"github.com/basestar-sh/agentforge/internal/events"
	"github.com/basestar-sh/agentforge/internal/provider"
	"github.com/basestar-sh/agentforge/internal/provider/subprocess"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

// newShellProvider builds a subprocess provider around /bin/sh so tests
// can exercise the line-reading and event-classification logic without
// depending on any real CLI binary.
func newShellProvider(t *testing.T, script string, emit func(events.Event)) *subprocess.Provider {
	t.Helper()
	return subprocess.New(subprocess.Config{
		Kind:       provider.KindClaudeCode,
		BinaryPath: "/bin/sh",
		ExtraArgs:  []string{"-c", script},
		Emit:       emit,
	}, testLogger(t))
}

func TestInitialize_FindsBinaryOnPath(t *testing.T) {
	p := newShellProvider(t, "cat", nil)
	require.NoError(t, p.Initialize(context.Background()))
	assert.True(t, p.IsInitialized())
}

func TestInitialize_MissingBinaryFails(t *testing.T) {
	p := subprocess.New(subprocess.Config{
		Kind:       provider.KindClaudeCode,
		BinaryPath: "/no/such/binary-xyz",
	}, testLogger(t))
	err := p.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.False(t, p.IsInitialized())
}

func TestExecute_PlainTextOutputBecomesContent(t *testing.T) {
	var got []events.Event
	p := newShellProvider(t, `echo "hello"; echo "world"`, func(e events.Event) {
		got = append(got, e)
	})
	require.NoError(t, p.Initialize(context.Background()))

	resp, err := p.Execute(context.Background(), provider.Task{
		TaskID: "t1", AgentID: "a1", RunID: "r1", Prompt: "ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, provider.StatusCompleted, resp.Status)
	assert.Contains(t, resp.Content, "hello")
	assert.Contains(t, resp.Content, "world")

	foundLog := false
	foundComplete := false
	for _, e := range got {
		switch e.EventType {
		case events.Log:
			foundLog = true
		case events.TaskComplete:
			foundComplete = true
		}
	}
	assert.True(t, foundLog, "expected at least one Log event for opaque output lines")
	assert.True(t, foundComplete, "expected a TaskComplete event once the process exits cleanly")
}

func TestExecute_StructuredToolCallEvent(t *testing.T) {
	var got []events.Event
	script := `echo '{"type":"tool_call","content":"Read"}'; echo '{"type":"text","content":"done"}'`
	p := newShellProvider(t, script, func(e events.Event) {
		got = append(got, e)
	})
	require.NoError(t, p.Initialize(context.Background()))

	resp, err := p.Execute(context.Background(), provider.Task{
		TaskID: "t2", AgentID: "a1", RunID: "r2", Prompt: "ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)

	foundToolCall := false
	for _, e := range got {
		if e.EventType == events.ToolCall {
			foundToolCall = true
		}
	}
	assert.True(t, foundToolCall, "expected a ToolCall event for the tool_call JSON line")
}

func TestExecute_NonZeroExitProducesBackendFailure(t *testing.T) {
	p := newShellProvider(t, `exit 1`, nil)
	require.NoError(t, p.Initialize(context.Background()))

	_, err := p.Execute(context.Background(), provider.Task{
		TaskID: "t3", AgentID: "a1", RunID: "r3", Prompt: "ignored",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsBackendFailure(err))
}

func TestCancel_KillsRunningProcess(t *testing.T) {
	p := newShellProvider(t, `sleep 5`, nil)
	require.NoError(t, p.Initialize(context.Background()))

	ctx := context.Background()
	chunks, err := p.Stream(ctx, provider.Task{TaskID: "t4", AgentID: "a1", RunID: "r4", Prompt: "ignored"})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.Cancel(ctx, "t4"))

	select {
	case <-chunks:
	case <-time.After(2 * time.Second):
		t.Fatal("expected stream channel to close after cancellation")
	}
}

func TestCancel_UnknownTaskReturnsNotFound(t *testing.T) {
	p := newShellProvider(t, `cat`, nil)
	err := p.Cancel(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

// fakeContainerSession is an in-memory stand-in for a docker.Session,
// letting ContainerRunner wiring be exercised without a real daemon.
type fakeContainerSession struct {
	stdin   *io.PipeWriter
	stdinR  *io.PipeReader
	stdout  *strings.Reader
	stderr  *strings.Reader
	killed  bool
	waitErr error
}

func newFakeSession(stdout string, waitErr error) *fakeContainerSession {
	r, w := io.Pipe()
	return &fakeContainerSession{
		stdin:   w,
		stdinR:  r,
		stdout:  strings.NewReader(stdout),
		stderr:  strings.NewReader(""),
		waitErr: waitErr,
	}
}

func (f *fakeContainerSession) Stdin() io.WriteCloser { return f.stdin }
func (f *fakeContainerSession) Stdout() io.Reader     { return f.stdout }
func (f *fakeContainerSession) Stderr() io.Reader     { return f.stderr }
func (f *fakeContainerSession) Wait() error           { return f.waitErr }
func (f *fakeContainerSession) Kill() error           { f.killed = true; return nil }
func (f *fakeContainerSession) Alive() bool           { return !f.killed }

func TestStream_UsesConfiguredContainerRunnerInsteadOfExec(t *testing.T) {
	session := newFakeSession("hello from container\n", nil)
	var gotBinary string
	var gotArgs []string

	p := subprocess.New(subprocess.Config{
		Kind:       provider.KindClaudeCode,
		BinaryPath: "claude",
		ExtraArgs:  []string{"--flag"},
		ContainerRunner: func(ctx context.Context, task provider.Task, binary string, args []string) (subprocess.ContainerSession, error) {
			gotBinary = binary
			gotArgs = args
			go io.Copy(io.Discard, session.stdinR)
			return session, nil
		},
	}, testLogger(t))

	resp, err := p.Execute(context.Background(), provider.Task{
		TaskID: "t5", AgentID: "a1", RunID: "r5", Prompt: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "claude", gotBinary)
	assert.Equal(t, []string{"--flag"}, gotArgs)
	assert.Contains(t, resp.Content, "hello from container")
}

func TestStream_ContainerRunnerFailurePropagates(t *testing.T) {
	p := subprocess.New(subprocess.Config{
		Kind:       provider.KindClaudeCode,
		BinaryPath: "claude",
		ContainerRunner: func(ctx context.Context, task provider.Task, binary string, args []string) (subprocess.ContainerSession, error) {
			return nil, assert.AnError
		},
	}, testLogger(t))

	_, err := p.Execute(context.Background(), provider.Task{TaskID: "t6", AgentID: "a1", RunID: "r6"})
	require.Error(t, err)
	assert.True(t, apperrors.IsBackendFailure(err))
}
