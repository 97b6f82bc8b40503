package httpapi_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/basestar-sh/agentforge/internal/common/errors"
	"github.com/basestar-sh/agentforge/internal/common/logger"
	"github.com/basestar-sh/agentforge/internal/provider"
	"github.com/basestar-sh/agentforge/internal/provider/httpapi"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

func TestAnthropicProvider_InitializeAndMetadata(t *testing.T) {
	p := httpapi.NewAnthropicProvider(httpapi.AnthropicConfig{APIKey: "sk-test"}, testLogger(t))
	assert.Equal(t, provider.KindClaudeAPI, p.Kind())
	assert.False(t, p.IsInitialized())

	require.NoError(t, p.Initialize(context.Background()))
	assert.True(t, p.IsInitialized())
	assert.Equal(t, []string{"api_key"}, p.RequiredConfigKeys())

	status, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
}

func TestAnthropicProvider_CancelUnknownTaskIsNotFound(t *testing.T) {
	p := httpapi.NewAnthropicProvider(httpapi.AnthropicConfig{APIKey: "sk-test"}, testLogger(t))
	err := p.Cancel(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestOpenAIProvider_OllamaHasNoRequiredKeys(t *testing.T) {
	p := httpapi.NewOpenAIProvider(httpapi.OpenAIConfig{Kind: provider.KindOllama}, testLogger(t))
	assert.Equal(t, provider.KindOllama, p.Kind())
	assert.Nil(t, p.RequiredConfigKeys())

	require.NoError(t, p.Initialize(context.Background()))
	assert.True(t, p.IsInitialized())

	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	assert.Nil(t, models)
}

func TestOpenAIProvider_OpenAIRequiresAPIKey(t *testing.T) {
	p := httpapi.NewOpenAIProvider(httpapi.OpenAIConfig{Kind: provider.KindOpenAI, APIKey: "sk-test"}, testLogger(t))
	assert.Equal(t, []string{"api_key"}, p.RequiredConfigKeys())

	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, models)
}

func TestGeminiProvider_InitializeAndMetadata(t *testing.T) {
	p := httpapi.NewGeminiProvider(httpapi.GeminiConfig{APIKey: "gm-test"}, testLogger(t))
	assert.Equal(t, provider.KindGemini, p.Kind())

	require.NoError(t, p.Initialize(context.Background()))
	assert.True(t, p.IsInitialized())

	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, models)
}

func TestHealthCheck_ReportsUninitialized(t *testing.T) {
	p := httpapi.NewAnthropicProvider(httpapi.AnthropicConfig{}, testLogger(t))
	status, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Healthy)
}
