package httpapi

import (
	"context"
	"fmt"
	"time"

	copilot "github.com/github/copilot-sdk/go"
	"go.uber.org/zap"

	apperrors "github.com/basestar-sh/agentforge/internal/common/errors"
	"github.com/basestar-sh/agentforge/internal/common/logger"
	"github.com/basestar-sh/agentforge/internal/provider"
)

// CopilotConfig configures the Copilot provider.
type CopilotConfig struct {
	// CLIUrl, if set, connects to an externally managed Copilot CLI
	// server over TCP instead of letting the SDK spawn and own the CLI
	// process itself.
	CLIUrl string
	Model  string
}

// CopilotProvider backs provider.KindCopilot with the official GitHub
// Copilot SDK: one session per task, created, driven with SendAndWait,
// then destroyed. Session delta events (assistant message/reasoning/tool
// deltas) aren't surfaced individually here since their payload shape
// isn't visible anywhere in the grounding source beyond the re-exported
// type constants; Stream instead waits for the single SendAndWait result
// and emits it as one final chunk, same as Execute.
type CopilotProvider struct {
	cfg     CopilotConfig
	client  *copilot.Client
	log     *logger.Logger
	initOK  bool
	cancels *cancelRegistry
}

// NewCopilotProvider constructs a Copilot provider.
func NewCopilotProvider(cfg CopilotConfig, log *logger.Logger) *CopilotProvider {
	if cfg.Model == "" {
		cfg.Model = "gpt-4.1"
	}
	return &CopilotProvider{
		cfg:     cfg,
		log:     log.WithFields(zap.String("provider", string(provider.KindCopilot))),
		cancels: newCancelRegistry(),
	}
}

func (p *CopilotProvider) Kind() provider.Kind { return provider.KindCopilot }

func (p *CopilotProvider) Initialize(ctx context.Context) error {
	if p.cfg.CLIUrl != "" {
		p.client = copilot.NewClient(&copilot.ClientOptions{CLIUrl: p.cfg.CLIUrl, LogLevel: "error"})
	} else {
		p.client = copilot.NewClient(nil)
	}
	p.initOK = true
	return nil
}

func (p *CopilotProvider) IsInitialized() bool { return p.initOK }

func (p *CopilotProvider) HealthCheck(ctx context.Context) (provider.HealthStatus, error) {
	if !p.initOK {
		return provider.HealthStatus{Healthy: false, Detail: "not initialized"}, nil
	}
	return provider.HealthStatus{Healthy: true}, nil
}

func (p *CopilotProvider) ListModels(ctx context.Context) ([]string, error) {
	return []string{"gpt-4.1", "claude-sonnet-4.5"}, nil
}

// RequiredConfigKeys is empty: authentication is handled by the Copilot
// CLI itself (gh auth / device flow), not a key passed through config.
func (p *CopilotProvider) RequiredConfigKeys() []string { return nil }

func (p *CopilotProvider) ConfigSchema() provider.ConfigSchema {
	return provider.ConfigSchema{Type: "object", Properties: []string{"cli_url", "model"}}
}

func (p *CopilotProvider) Cleanup(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	for _, err := range p.client.Stop() {
		p.log.WithError(err).Warn("error stopping copilot sdk client")
	}
	return nil
}

func (p *CopilotProvider) Cancel(ctx context.Context, taskID string) error {
	return p.cancels.cancel(taskID)
}

func (p *CopilotProvider) Execute(ctx context.Context, task provider.Task) (provider.Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancels.register(task.TaskID, cancel)
	defer p.cancels.remove(task.TaskID)

	session, err := p.client.CreateSession(&copilot.SessionConfig{Model: task.Model, Streaming: false})
	if err != nil {
		return provider.Response{Status: provider.StatusFailed, Kind: p.Kind(), Model: task.Model},
			apperrors.BackendFailure("failed to create copilot session", err.Error())
	}
	defer func() {
		if err := session.Destroy(); err != nil {
			p.log.WithError(err).Warn("error destroying copilot session")
		}
	}()

	go func() {
		<-ctx.Done()
		_ = session.Abort()
	}()

	timeout := task.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	result, err := session.SendAndWait(copilot.MessageOptions{Prompt: task.Prompt}, timeout)
	if err != nil {
		return provider.Response{Status: provider.StatusFailed, Kind: p.Kind(), Model: task.Model},
			apperrors.BackendFailure("copilot session error", err.Error())
	}

	return provider.Response{
		Content: fmt.Sprintf("%v", result),
		Status:  provider.StatusCompleted,
		Kind:    p.Kind(),
		Model:   task.Model,
	}, nil
}

func (p *CopilotProvider) Stream(ctx context.Context, task provider.Task) (<-chan provider.Chunk, error) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancels.register(task.TaskID, cancel)

	session, err := p.client.CreateSession(&copilot.SessionConfig{Model: task.Model, Streaming: true})
	if err != nil {
		p.cancels.remove(task.TaskID)
		return nil, apperrors.BackendFailure("failed to create copilot session", err.Error())
	}

	out := make(chan provider.Chunk, 8)

	go func() {
		defer close(out)
		defer p.cancels.remove(task.TaskID)
		defer func() {
			if err := session.Destroy(); err != nil {
				p.log.WithError(err).Warn("error destroying copilot session")
			}
		}()

		go func() {
			<-ctx.Done()
			_ = session.Abort()
		}()

		timeout := task.Timeout
		if timeout == 0 {
			timeout = 5 * time.Minute
		}
		result, err := session.SendAndWait(copilot.MessageOptions{Prompt: task.Prompt}, timeout)
		if err != nil {
			out <- provider.Chunk{Err: apperrors.BackendFailure("copilot session error", err.Error())}
			return
		}
		out <- provider.Chunk{Content: fmt.Sprintf("%v", result), Done: true}
	}()

	return out, nil
}
