package api

import "time"

// CreateAgentRequest is the POST /agents body.
type CreateAgentRequest struct {
	Kind  string `json:"kind" binding:"required"`
	Model string `json:"model" binding:"required"`
}

// CreateAgentResponse is the POST /agents response.
type CreateAgentResponse struct {
	AgentID string `json:"agent_id"`
}

// AgentResponse is the GET /agents/{id} and list-item shape.
type AgentResponse struct {
	AgentID      string    `json:"agent_id"`
	Kind         string    `json:"kind"`
	Model        string    `json:"model"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	CurrentRunID string    `json:"current_run_id,omitempty"`
}

// AgentsListResponse is the GET /agents response.
type AgentsListResponse struct {
	Agents []AgentResponse `json:"agents"`
	Total  int             `json:"total"`
}

// RunTaskRequest is the POST /agents/{id}/tasks body.
type RunTaskRequest struct {
	Prompt         string  `json:"prompt" binding:"required"`
	TimeoutSeconds int     `json:"timeout_seconds,omitempty"`
	MaxTokens      int     `json:"max_tokens,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
}

// RunTaskResponse is the POST /agents/{id}/tasks response.
type RunTaskResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// HealthResponse is the GET /agents/health response.
type HealthResponse struct {
	Status      string    `json:"status"`
	AgentsCount int       `json:"agents_count"`
	Timestamp   time.Time `json:"timestamp"`
}

// RegisterProviderRequest is the POST /ai-providers/register body.
type RegisterProviderRequest struct {
	Kind   string            `json:"kind" binding:"required"`
	Config map[string]string `json:"config"`
}

// ProviderInfoResponse is one entry of GET /ai-providers.
type ProviderInfoResponse struct {
	Kind        string   `json:"kind"`
	Initialized bool     `json:"initialized"`
	Status      string   `json:"status"`
	Models      []string `json:"models,omitempty"`
	Schema      Schema   `json:"schema"`
}

// Schema mirrors provider.ConfigSchema for the API boundary.
type Schema struct {
	Type       string   `json:"type"`
	Properties []string `json:"properties,omitempty"`
	Required   []string `json:"required,omitempty"`
}

// ProvidersListResponse is the GET /ai-providers response.
type ProvidersListResponse struct {
	Providers []ProviderInfoResponse `json:"providers"`
}

// OneShotTaskRequest is the POST /ai-providers/tasks body.
type OneShotTaskRequest struct {
	Kind           string  `json:"kind" binding:"required"`
	Model          string  `json:"model" binding:"required"`
	Prompt         string  `json:"prompt" binding:"required"`
	Stream         bool    `json:"stream,omitempty"`
	TimeoutSeconds int     `json:"timeout_seconds,omitempty"`
	MaxTokens      int     `json:"max_tokens,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
}

// OneShotTaskResponse is the non-streaming POST /ai-providers/tasks response.
type OneShotTaskResponse struct {
	Content      string `json:"content"`
	Status       string `json:"status"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}
