// Package config provides layered configuration loading for agentd:
// built-in defaults, an optional config.yaml, then AGENTFORGE_-prefixed
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config aggregates every configuration section agentd needs.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Security  SecurityConfig  `mapstructure:"security"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Events    EventsConfig    `mapstructure:"events"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Sprites   SpritesConfig   `mapstructure:"sprites"`
	RunLog    RunLogConfig    `mapstructure:"runlog"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// SandboxConfig controls the per-agent workspace layout (C2).
type SandboxConfig struct {
	BaseDir       string `mapstructure:"baseDir"`
	QuotaBytes    int64  `mapstructure:"quotaBytes"`
	OrphanTTL     int    `mapstructure:"orphanTTLHours"`
	SweepInterval int    `mapstructure:"sweepIntervalMinutes"`
}

func (s *SandboxConfig) OrphanTTLDuration() time.Duration {
	return time.Duration(s.OrphanTTL) * time.Hour
}

func (s *SandboxConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(s.SweepInterval) * time.Minute
}

// SecurityConfig controls the policy engine (C1).
type SecurityConfig struct {
	AllowedTools             []string `mapstructure:"allowedTools"`
	ForbiddenPaths           []string `mapstructure:"forbiddenPaths"`
	DangerousCommandPatterns []string `mapstructure:"dangerousCommandPatterns"`
	MaxConcurrentAgents      int      `mapstructure:"maxConcurrentAgents"`
	MaxCPUPercent            float64  `mapstructure:"maxCPUPercent"`
	MaxRSSBytes              int64    `mapstructure:"maxRSSBytes"`
}

// AgentConfig controls the lifecycle manager (C6).
type AgentConfig struct {
	AgentTimeout        int `mapstructure:"agentTimeoutSeconds"`
	CleanupInterval     int `mapstructure:"cleanupIntervalMinutes"`
	ZombieSweepInterval int `mapstructure:"zombieSweepIntervalMinutes"`
	EventQueueCapacity  int `mapstructure:"eventQueueCapacity"`
}

func (a *AgentConfig) AgentTimeoutDuration() time.Duration {
	return time.Duration(a.AgentTimeout) * time.Second
}

func (a *AgentConfig) ZombieSweepIntervalDuration() time.Duration {
	return time.Duration(a.ZombieSweepInterval) * time.Minute
}

// ProvidersConfig holds per-kind provider configuration blobs.
type ProvidersConfig struct {
	ClaudeCodeBinaryPath string `mapstructure:"claudeCodeBinaryPath"`
	GeminiCodeBinaryPath string `mapstructure:"geminiCodeBinaryPath"`
	AnthropicAPIKey      string `mapstructure:"anthropicApiKey"`
	AnthropicBaseURL     string `mapstructure:"anthropicBaseUrl"`
	OpenAIAPIKey         string `mapstructure:"openaiApiKey"`
	OpenAIBaseURL        string `mapstructure:"openaiBaseUrl"`
	OllamaBaseURL        string `mapstructure:"ollamaBaseUrl"`
	GeminiAPIKey         string `mapstructure:"geminiApiKey"`
	CopilotCLIURL        string `mapstructure:"copilotCliUrl"`
	CopilotModel         string `mapstructure:"copilotModel"`
}

// EventsConfig controls the optional cross-cutting lifecycle event bus.
type EventsConfig struct {
	NATSURL   string `mapstructure:"natsUrl"`
	Namespace string `mapstructure:"namespace"`
}

// DockerConfig controls the optional containerized sandbox isolation mode.
type DockerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Image   string `mapstructure:"image"`
}

// SpritesConfig controls the optional Fly.io Sprites remote sandbox
// isolation mode, an alternative to DockerConfig for deployments with no
// local Docker daemon. Mutually exclusive with Docker; Docker wins if
// both are enabled.
type SpritesConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
}

// RunLogConfig controls the optional Postgres-backed run audit trail.
type RunLogConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTFORGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	home, _ := os.UserHomeDir()
	v.SetDefault("sandbox.baseDir", home+"/.scripton/agentd/workspaces")
	v.SetDefault("sandbox.quotaBytes", int64(1)<<30) // 1 GiB
	v.SetDefault("sandbox.orphanTTLHours", 24)
	v.SetDefault("sandbox.sweepIntervalMinutes", 60)

	v.SetDefault("security.allowedTools", []string{"Read", "Edit", "Bash", "Write"})
	v.SetDefault("security.forbiddenPaths", []string{"/etc", "~/.ssh", "/root", "/sys", "/proc"})
	v.SetDefault("security.dangerousCommandPatterns", []string{
		"rm -rf /", "dd if=", "mkfs", "fdisk", "sudo", "su", "chmod 777",
		"chown root", "iptables", "ufw", "systemctl", "service",
	})
	v.SetDefault("security.maxConcurrentAgents", 5)
	v.SetDefault("security.maxCPUPercent", 200.0)
	v.SetDefault("security.maxRSSBytes", int64(4)<<30) // 4 GiB

	v.SetDefault("agent.agentTimeoutSeconds", 300)
	v.SetDefault("agent.cleanupIntervalMinutes", 60)
	v.SetDefault("agent.zombieSweepIntervalMinutes", 5)
	v.SetDefault("agent.eventQueueCapacity", 1024)

	v.SetDefault("providers.claudeCodeBinaryPath", "claude")
	v.SetDefault("providers.geminiCodeBinaryPath", "gemini")
	v.SetDefault("providers.ollamaBaseUrl", "http://localhost:11434/v1")
	v.SetDefault("providers.copilotModel", "gpt-4.1")

	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.namespace", "")

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", "")
	v.SetDefault("docker.image", "agentforge-sandbox:latest")

	v.SetDefault("sprites.enabled", false)
	v.SetDefault("sprites.token", "")

	v.SetDefault("runlog.dsn", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from defaults, config.yaml, and
// AGENTFORGE_-prefixed environment variables.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath is Load with an extra config file search path.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where the env-var convention diverges from the
	// camelCase config keys (AutomaticEnv alone can't reconcile those).
	_ = v.BindEnv("providers.anthropicApiKey", "ANTHROPIC_API_KEY", "AGENTFORGE_PROVIDERS_ANTHROPIC_API_KEY")
	_ = v.BindEnv("providers.openaiApiKey", "OPENAI_API_KEY", "AGENTFORGE_PROVIDERS_OPENAI_API_KEY")
	_ = v.BindEnv("providers.geminiApiKey", "GEMINI_API_KEY", "AGENTFORGE_PROVIDERS_GEMINI_API_KEY")
	_ = v.BindEnv("logging.level", "AGENTFORGE_LOG_LEVEL")
	_ = v.BindEnv("events.natsUrl", "NATS_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentd/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate enforces the clamps spec.md §9's typed configuration record
// requires, beyond the per-request clamps applied in the API layer.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Sandbox.BaseDir == "" {
		errs = append(errs, "sandbox.baseDir must not be empty")
	}
	if cfg.Security.MaxConcurrentAgents < 1 || cfg.Security.MaxConcurrentAgents > 20 {
		errs = append(errs, "security.maxConcurrentAgents must be between 1 and 20")
	}
	if cfg.Agent.AgentTimeout < 30 || cfg.Agent.AgentTimeout > 3600 {
		errs = append(errs, "agent.agentTimeoutSeconds must be between 30 and 3600")
	}
	if cfg.Agent.EventQueueCapacity < 1 {
		errs = append(errs, "agent.eventQueueCapacity must be positive")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
