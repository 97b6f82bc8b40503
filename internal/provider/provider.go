// Package provider defines the provider abstraction (C3): the Provider
// interface every backend implements, and the Task/Response/Chunk
// record types that flow through it.
package provider

import (
	"context"
	"time"
)

// Kind is the tagged union of backend kinds agentd can dispatch to.
type Kind string

const (
	KindClaudeCode Kind = "claude_code"
	KindClaudeAPI  Kind = "claude_api"
	KindOllama     Kind = "ollama"
	KindOpenAI     Kind = "openai_gpt"
	KindGemini     Kind = "gemini"
	KindGeminiCode Kind = "gemini_code"
	KindCopilot    Kind = "copilot"
)

// Status is the lifecycle state of a dispatched task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Message is one turn of conversational context supplied to a task.
type Message struct {
	Role      string    `json:"role"` // user, assistant, system
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Task is one prompt-to-response execution request dispatched to a
// provider on behalf of an agent.
type Task struct {
	TaskID        string
	AgentID       string
	RunID         string
	Prompt        string
	Model         string
	Kind          Kind
	WorkspacePath string
	Tools         []string
	Temperature   float64
	MaxTokens     int
	Timeout       time.Duration
	Stream        bool
	Context       []Message
}

// Response is the terminal result of Execute.
type Response struct {
	Content  string
	Status   Status
	Kind     Kind
	Model    string
	Usage    Usage
	Metadata map[string]string
	Err      error
}

// Usage reports token accounting where the backend provides it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Chunk is one increment of a streamed response.
type Chunk struct {
	Content string
	Done    bool
	Err     error
}

// HealthStatus reports a provider's current availability.
type HealthStatus struct {
	Healthy bool
	Detail  string
}

// Provider is the interface every backend (subprocess-driven or
// HTTP-API-driven) implements.
type Provider interface {
	Kind() Kind
	Initialize(ctx context.Context) error
	HealthCheck(ctx context.Context) (HealthStatus, error)
	ListModels(ctx context.Context) ([]string, error)
	Execute(ctx context.Context, task Task) (Response, error)
	Stream(ctx context.Context, task Task) (<-chan Chunk, error)
	Cancel(ctx context.Context, taskID string) error
	Cleanup(ctx context.Context) error
	IsInitialized() bool

	// RequiredConfigKeys lists configuration keys that must be present
	// for this provider to initialize; ValidateConfig uses this to
	// produce a pre-flight error list before a task is ever dispatched.
	RequiredConfigKeys() []string
	ConfigSchema() ConfigSchema
}

// LivenessChecker is optionally implemented by providers backed by an OS
// process or container: it reports whether a dispatched task's
// underlying process/session is still alive, independent of whatever
// timeout governs the task. The zombie sweep (C6) uses this when a
// provider implements it; providers with no process underneath (plain
// HTTP backends) don't, and fall back to timeout-based detection.
type LivenessChecker interface {
	IsAlive(taskID string) bool
}

// ConfigSchema is a minimal introspectable description of a provider's
// configuration, useful to a registration UI or CLI.
type ConfigSchema struct {
	Type       string   `json:"type"`
	Properties []string `json:"properties"`
	Required   []string `json:"required"`
}

// ValidateConfig checks that every required key is present in cfg,
// returning one message per missing key.
func ValidateConfig(p Provider, cfg map[string]string) []string {
	var missing []string
	for _, key := range p.RequiredConfigKeys() {
		if _, ok := cfg[key]; !ok {
			missing = append(missing, "missing required config key: "+key)
		}
	}
	return missing
}
