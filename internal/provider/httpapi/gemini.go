package httpapi

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"

	apperrors "github.com/basestar-sh/agentforge/internal/common/errors"
	"github.com/basestar-sh/agentforge/internal/common/logger"
	"github.com/basestar-sh/agentforge/internal/provider"
)

// GeminiConfig configures the Gemini provider.
type GeminiConfig struct {
	APIKey string
}

// GeminiProvider backs provider.KindGemini using the Google genai SDK.
// This is learned from the retrieval pack's Gemini-using manifests
// rather than a complete example repo, since none of the complete repos
// wire Gemini directly.
type GeminiProvider struct {
	cfg     GeminiConfig
	client  *genai.Client
	log     *logger.Logger
	initOK  bool
	cancels *cancelRegistry
}

// NewGeminiProvider constructs a Gemini provider.
func NewGeminiProvider(cfg GeminiConfig, log *logger.Logger) *GeminiProvider {
	return &GeminiProvider{
		cfg:     cfg,
		log:     log.WithFields(zap.String("provider", string(provider.KindGemini))),
		cancels: newCancelRegistry(),
	}
}

func (p *GeminiProvider) Kind() provider.Kind { return provider.KindGemini }

func (p *GeminiProvider) Initialize(ctx context.Context) error {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return apperrors.Internal("failed to construct gemini client", err)
	}
	p.client = client
	p.initOK = true
	return nil
}

func (p *GeminiProvider) IsInitialized() bool { return p.initOK }

func (p *GeminiProvider) HealthCheck(ctx context.Context) (provider.HealthStatus, error) {
	if !p.initOK {
		return provider.HealthStatus{Healthy: false, Detail: "not initialized"}, nil
	}
	return provider.HealthStatus{Healthy: true}, nil
}

func (p *GeminiProvider) ListModels(ctx context.Context) ([]string, error) {
	return []string{"gemini-2.5-pro", "gemini-2.5-flash"}, nil
}

func (p *GeminiProvider) RequiredConfigKeys() []string { return []string{"api_key"} }

func (p *GeminiProvider) ConfigSchema() provider.ConfigSchema {
	return provider.ConfigSchema{Type: "object", Properties: []string{"api_key"}, Required: []string{"api_key"}}
}

func (p *GeminiProvider) Cleanup(ctx context.Context) error { return nil }

func (p *GeminiProvider) Cancel(ctx context.Context, taskID string) error {
	return p.cancels.cancel(taskID)
}

func (p *GeminiProvider) Execute(ctx context.Context, task provider.Task) (provider.Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancels.register(task.TaskID, cancel)
	defer p.cancels.remove(task.TaskID)

	result, err := p.client.Models.GenerateContent(ctx, task.Model, genai.Text(task.Prompt), nil)
	if err != nil {
		return provider.Response{Status: provider.StatusFailed, Kind: p.Kind(), Model: task.Model},
			apperrors.BackendFailure("gemini API error", err.Error())
	}

	text := result.Text()
	usage := provider.Usage{}
	if result.UsageMetadata != nil {
		usage.InputTokens = int(result.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(result.UsageMetadata.CandidatesTokenCount)
	}

	if text == "" {
		return provider.Response{Status: provider.StatusFailed, Kind: p.Kind(), Model: task.Model},
			apperrors.BackendFailure("empty gemini response", fmt.Sprintf("%d candidates", len(result.Candidates)))
	}

	return provider.Response{
		Content: text,
		Status:  provider.StatusCompleted,
		Kind:    p.Kind(),
		Model:   task.Model,
		Usage:   usage,
	}, nil
}

func (p *GeminiProvider) Stream(ctx context.Context, task provider.Task) (<-chan provider.Chunk, error) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancels.register(task.TaskID, cancel)

	out := make(chan provider.Chunk, 8)
	go func() {
		defer close(out)
		defer p.cancels.remove(task.TaskID)

		iter := p.client.Models.GenerateContentStream(ctx, task.Model, genai.Text(task.Prompt), nil)
		for chunk, err := range iter {
			if err != nil {
				out <- provider.Chunk{Err: apperrors.BackendFailure("gemini stream error", err.Error())}
				return
			}
			out <- provider.Chunk{Content: chunk.Text()}
		}
		out <- provider.Chunk{Done: true}
	}()
	return out, nil
}
