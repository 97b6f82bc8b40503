package httpapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	apperrors "github.com/basestar-sh/agentforge/internal/common/errors"
	"github.com/basestar-sh/agentforge/internal/common/logger"
	"github.com/basestar-sh/agentforge/internal/provider"
)

// AnthropicConfig configures the ClaudeAPI provider.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
}

// AnthropicProvider backs provider.KindClaudeAPI with the official
// Anthropic Go SDK.
type AnthropicProvider struct {
	cfg    AnthropicConfig
	client anthropic.Client
	log    *logger.Logger
	initOK bool
	cancels *cancelRegistry
}

// NewAnthropicProvider constructs a ClaudeAPI provider.
func NewAnthropicProvider(cfg AnthropicConfig, log *logger.Logger) *AnthropicProvider {
	return &AnthropicProvider{
		cfg:     cfg,
		log:     log.WithFields(zap.String("provider", string(provider.KindClaudeAPI))),
		cancels: newCancelRegistry(),
	}
}

func (p *AnthropicProvider) Kind() provider.Kind { return provider.KindClaudeAPI }

func (p *AnthropicProvider) Initialize(ctx context.Context) error {
	opts := []anthropicoption.RequestOption{anthropicoption.WithMaxRetries(5)}
	if p.cfg.APIKey != "" {
		opts = append(opts, anthropicoption.WithAPIKey(p.cfg.APIKey))
	}
	if p.cfg.BaseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(p.cfg.BaseURL))
	}
	p.client = anthropic.NewClient(opts...)
	p.initOK = true
	return nil
}

func (p *AnthropicProvider) IsInitialized() bool { return p.initOK }

func (p *AnthropicProvider) HealthCheck(ctx context.Context) (provider.HealthStatus, error) {
	if !p.initOK {
		return provider.HealthStatus{Healthy: false, Detail: "not initialized"}, nil
	}
	return provider.HealthStatus{Healthy: true}, nil
}

func (p *AnthropicProvider) ListModels(ctx context.Context) ([]string, error) {
	return []string{
		"claude-opus-4-1-20250805",
		"claude-sonnet-4-5-20250929",
		"claude-haiku-4-5-20251001",
	}, nil
}

func (p *AnthropicProvider) RequiredConfigKeys() []string { return []string{"api_key"} }

func (p *AnthropicProvider) ConfigSchema() provider.ConfigSchema {
	return provider.ConfigSchema{Type: "object", Properties: []string{"api_key", "base_url"}, Required: []string{"api_key"}}
}

func (p *AnthropicProvider) Cleanup(ctx context.Context) error { return nil }

func (p *AnthropicProvider) Cancel(ctx context.Context, taskID string) error {
	return p.cancels.cancel(taskID)
}

func (p *AnthropicProvider) Execute(ctx context.Context, task provider.Task) (provider.Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancels.register(task.TaskID, cancel)
	defer p.cancels.remove(task.TaskID)

	maxTokens := int64(task.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(task.Model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(task.Prompt)),
		},
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			msg := fmt.Sprintf("anthropic API error (HTTP %d)", apiErr.StatusCode)
			return provider.Response{Status: provider.StatusFailed, Kind: p.Kind(), Model: task.Model},
				apperrors.BackendFailure(msg, apiErr.Error())
		}
		return provider.Response{Status: provider.StatusFailed, Kind: p.Kind(), Model: task.Model},
			apperrors.BackendFailure("anthropic API error", err.Error())
	}

	var content string
	for _, block := range message.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			content += tb.Text
		}
	}

	return provider.Response{
		Content: content,
		Status:  provider.StatusCompleted,
		Kind:    p.Kind(),
		Model:   task.Model,
		Usage: provider.Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}, nil
}

func (p *AnthropicProvider) Stream(ctx context.Context, task provider.Task) (<-chan provider.Chunk, error) {
	out := make(chan provider.Chunk, 1)
	go func() {
		defer close(out)
		resp, err := p.Execute(ctx, task)
		if err != nil {
			out <- provider.Chunk{Err: err}
			return
		}
		out <- provider.Chunk{Content: resp.Content, Done: true}
	}()
	return out, nil
}
