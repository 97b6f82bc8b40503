package httpapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v3"
	openaioption "github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"

	apperrors "github.com/basestar-sh/agentforge/internal/common/errors"
	"github.com/basestar-sh/agentforge/internal/common/logger"
	"github.com/basestar-sh/agentforge/internal/provider"
)

// OpenAIConfig configures either the OpenAI or the Ollama provider kind.
// Ollama is dispatched through the OpenAI Go SDK's OpenAI-compatible
// base-URL override rather than a dedicated client, since Ollama serves
// an OpenAI-compatible /v1 surface and no standalone Ollama SDK appears
// anywhere in this corpus.
type OpenAIConfig struct {
	Kind    provider.Kind // KindOpenAI or KindOllama
	APIKey  string
	BaseURL string
}

// OpenAIProvider backs both provider.KindOpenAI and provider.KindOllama.
type OpenAIProvider struct {
	cfg     OpenAIConfig
	client  openai.Client
	log     *logger.Logger
	initOK  bool
	cancels *cancelRegistry
}

// NewOpenAIProvider constructs an OpenAI-SDK-backed provider.
func NewOpenAIProvider(cfg OpenAIConfig, log *logger.Logger) *OpenAIProvider {
	return &OpenAIProvider{
		cfg:     cfg,
		log:     log.WithFields(zap.String("provider", string(cfg.Kind))),
		cancels: newCancelRegistry(),
	}
}

func (p *OpenAIProvider) Kind() provider.Kind { return p.cfg.Kind }

func (p *OpenAIProvider) Initialize(ctx context.Context) error {
	var opts []openaioption.RequestOption
	opts = append(opts, openaioption.WithMaxRetries(5))
	if p.cfg.APIKey != "" {
		opts = append(opts, openaioption.WithAPIKey(p.cfg.APIKey))
	}
	if p.cfg.BaseURL != "" {
		opts = append(opts, openaioption.WithBaseURL(p.cfg.BaseURL))
	} else if p.cfg.Kind == provider.KindOllama {
		opts = append(opts, openaioption.WithBaseURL("http://localhost:11434/v1"))
	}
	p.client = openai.NewClient(opts...)
	p.initOK = true
	return nil
}

func (p *OpenAIProvider) IsInitialized() bool { return p.initOK }

func (p *OpenAIProvider) HealthCheck(ctx context.Context) (provider.HealthStatus, error) {
	if !p.initOK {
		return provider.HealthStatus{Healthy: false, Detail: "not initialized"}, nil
	}
	return provider.HealthStatus{Healthy: true}, nil
}

func (p *OpenAIProvider) ListModels(ctx context.Context) ([]string, error) {
	if p.cfg.Kind == provider.KindOllama {
		// Ollama's model catalog is whatever has been `ollama pull`ed
		// locally; agentd doesn't curate that list.
		return nil, nil
	}
	return []string{"gpt-4o", "gpt-4o-mini", "gpt-4.1", "o3-mini"}, nil
}

func (p *OpenAIProvider) RequiredConfigKeys() []string {
	if p.cfg.Kind == provider.KindOllama {
		return nil
	}
	return []string{"api_key"}
}

func (p *OpenAIProvider) ConfigSchema() provider.ConfigSchema {
	return provider.ConfigSchema{
		Type:       "object",
		Properties: []string{"api_key", "base_url"},
		Required:   p.RequiredConfigKeys(),
	}
}

func (p *OpenAIProvider) Cleanup(ctx context.Context) error { return nil }

func (p *OpenAIProvider) Cancel(ctx context.Context, taskID string) error {
	return p.cancels.cancel(taskID)
}

func (p *OpenAIProvider) Execute(ctx context.Context, task provider.Task) (provider.Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancels.register(task.TaskID, cancel)
	defer p.cancels.remove(task.TaskID)

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.UserMessage(task.Prompt),
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(task.Model),
		Messages: messages,
	}
	if task.Temperature > 0 {
		params.Temperature = openai.Float(task.Temperature)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			msg := fmt.Sprintf("%s API error (HTTP %d)", p.cfg.Kind, apiErr.StatusCode)
			return provider.Response{Status: provider.StatusFailed, Kind: p.Kind(), Model: task.Model},
				apperrors.BackendFailure(msg, apiErr.Error())
		}
		return provider.Response{Status: provider.StatusFailed, Kind: p.Kind(), Model: task.Model},
			apperrors.BackendFailure(fmt.Sprintf("%s API error", p.cfg.Kind), err.Error())
	}

	if len(completion.Choices) == 0 {
		return provider.Response{Status: provider.StatusFailed, Kind: p.Kind(), Model: task.Model},
			apperrors.BackendFailure("empty completion", "no choices returned")
	}

	choice := completion.Choices[0]
	return provider.Response{
		Content: choice.Message.Content,
		Status:  provider.StatusCompleted,
		Kind:    p.Kind(),
		Model:   task.Model,
		Usage: provider.Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, task provider.Task) (<-chan provider.Chunk, error) {
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
