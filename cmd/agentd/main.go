// Command agentd is the entry point for the agent orchestration server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/basestar-sh/agentforge/internal/agent"
	"github.com/basestar-sh/agentforge/internal/api"
	"github.com/basestar-sh/agentforge/internal/common/config"
	"github.com/basestar-sh/agentforge/internal/common/logger"
	"github.com/basestar-sh/agentforge/internal/common/tracing"
	"github.com/basestar-sh/agentforge/internal/events/bus"
	"github.com/basestar-sh/agentforge/internal/provider"
	"github.com/basestar-sh/agentforge/internal/provider/httpapi"
	"github.com/basestar-sh/agentforge/internal/provider/registry"
	"github.com/basestar-sh/agentforge/internal/provider/subprocess"
	"github.com/basestar-sh/agentforge/internal/runlog"
	"github.com/basestar-sh/agentforge/internal/sandbox"
	sandboxdocker "github.com/basestar-sh/agentforge/internal/sandbox/docker"
	"github.com/basestar-sh/agentforge/internal/sandbox/sprites"
	"github.com/basestar-sh/agentforge/internal/security"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agentd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Sandbox manager (C2)
	sandboxMgr, err := sandbox.NewManager(cfg.Sandbox, log)
	if err != nil {
		log.Fatal("failed to initialize sandbox manager", zap.Error(err))
	}

	// 4. Security policy (C1)
	policy := security.NewDefaultPolicy(cfg.Security, log)

	// 5. Optional remote isolation for the subprocess archetype: Docker
	// (local container) or Sprites (remote sandbox), mutually exclusive,
	// Docker taking priority if both are somehow enabled.
	var containerRunner subprocess.ContainerRunner
	switch {
	case cfg.Docker.Enabled:
		dockerClient, err := sandboxdocker.NewClient(cfg.Docker, log)
		if err != nil {
			log.Fatal("failed to create docker client", zap.Error(err))
		}
		if err := dockerClient.Ping(ctx); err != nil {
			log.Fatal("docker daemon unreachable", zap.Error(err))
		}
		runner := sandboxdocker.NewRunner(dockerClient, cfg.Docker.Image, log)
		containerRunner = func(ctx context.Context, task provider.Task, binary string, args []string) (subprocess.ContainerSession, error) {
			return runner.Start(ctx, task, binary, args)
		}
		log.Info("docker isolation enabled", zap.String("image", cfg.Docker.Image))
	case cfg.Sprites.Enabled:
		runner := sprites.NewRunner(cfg.Sprites.Token, log)
		containerRunner = func(ctx context.Context, task provider.Task, binary string, args []string) (subprocess.ContainerSession, error) {
			return runner.Start(ctx, task, binary, args)
		}
		log.Info("sprites remote isolation enabled")
	}

	// 6. Provider registry (C5), populated with every archetype (C4)
	reg := registry.New(log)
	reg.Register(subprocess.New(subprocess.Config{
		Kind:            provider.KindClaudeCode,
		BinaryPath:      cfg.Providers.ClaudeCodeBinaryPath,
		ContainerRunner: containerRunner,
	}, log))
	reg.Register(subprocess.New(subprocess.Config{
		Kind:            provider.KindGeminiCode,
		BinaryPath:      cfg.Providers.GeminiCodeBinaryPath,
		ContainerRunner: containerRunner,
	}, log))
	reg.Register(httpapi.NewAnthropicProvider(httpapi.AnthropicConfig{
		APIKey:  cfg.Providers.AnthropicAPIKey,
		BaseURL: cfg.Providers.AnthropicBaseURL,
	}, log))
	reg.Register(httpapi.NewOpenAIProvider(httpapi.OpenAIConfig{
		Kind:    provider.KindOpenAI,
		APIKey:  cfg.Providers.OpenAIAPIKey,
		BaseURL: cfg.Providers.OpenAIBaseURL,
	}, log))
	reg.Register(httpapi.NewOpenAIProvider(httpapi.OpenAIConfig{
		Kind:    provider.KindOllama,
		BaseURL: cfg.Providers.OllamaBaseURL,
	}, log))
	reg.Register(httpapi.NewGeminiProvider(httpapi.GeminiConfig{
		APIKey: cfg.Providers.GeminiAPIKey,
	}, log))
	reg.Register(httpapi.NewCopilotProvider(httpapi.CopilotConfig{
		CLIUrl: cfg.Providers.CopilotCLIURL,
		Model:  cfg.Providers.CopilotModel,
	}, log))

	for kind, err := range reg.InitializeAll(ctx) {
		if err != nil {
			log.Warn("provider failed to initialize, continuing without it",
				zap.String("kind", string(kind)), zap.Error(err))
		}
	}

	// 7. Optional cross-cutting lifecycle event bus
	eventBus, err := newEventBus(cfg.Events, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 8. Optional Postgres-backed run audit log
	runLog, err := runlog.New(ctx, cfg.RunLog.DSN, log)
	if err != nil {
		log.Fatal("failed to initialize run log", zap.Error(err))
	}
	defer runLog.Close()

	// 9. Agent lifecycle manager (C6)
	agentMgr := agent.NewManager(agent.Deps{
		Sandboxes:           sandboxMgr,
		Policy:              policy,
		Providers:           reg,
		EventBus:            eventBus,
		RunLog:              runLog,
		Log:                 log,
		AgentTimeout:        cfg.Agent.AgentTimeoutDuration(),
		ZombieSweepInterval: cfg.Agent.ZombieSweepIntervalDuration(),
		EventQueueCapacity:  cfg.Agent.EventQueueCapacity,
	})
	agentMgr.Start()
	defer agentMgr.Stop()

	// 10. HTTP server
	router := api.NewRouter(agentMgr, reg, log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 11. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agentd")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	reg.Shutdown(shutdownCtx)
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("error flushing trace spans", zap.Error(err))
	}

	log.Info("agentd stopped")
}

func newEventBus(cfg config.EventsConfig, log *logger.Logger) (bus.Bus, error) {
	if cfg.NATSURL == "" {
		return bus.NewMemoryBus(log), nil
	}
	natsBus, err := bus.NewNATSBus(cfg.NATSURL, cfg.Namespace, log)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return natsBus, nil
}
