// Command codeagent is an interactive coding assistant. It chats with a
// language model that can read, list and edit files in the working
// directory. Type "exit" to quit.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/noviadi/code-agent/agentloop"
	"github.com/noviadi/code-agent/config"
	"github.com/noviadi/code-agent/unifiedllm"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envPath := flag.String("env", "", "path to a .env file (default ./.env if present)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *envPath); err != nil {
		fmt.Fprintf(os.Stderr, "codeagent: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, envPath string) error {
	if err := config.LoadDotEnv(envPath); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	adapter, err := newAdapter(cfg)
	if err != nil {
		return err
	}
	client := unifiedllm.NewClient(
		unifiedllm.WithProvider(cfg.Provider, adapter),
		unifiedllm.WithMiddleware(unifiedllm.LoggingMiddleware(logger)),
	)
	defer client.Close()

	env := agentloop.NewLocalExecutionEnvironment(cfg.WorkingDir)
	if err := env.Initialize(); err != nil {
		return fmt.Errorf("prepare working directory: %w", err)
	}
	registry := agentloop.NewToolRegistry()
	if err := agentloop.RegisterFileTools(registry, env); err != nil {
		return err
	}

	model := agentloop.NewLLMClient(client,
		agentloop.WithProvider(cfg.Provider),
		agentloop.WithModel(cfg.Model),
		agentloop.WithMaxTokens(cfg.MaxTokens),
		agentloop.WithRequestTimeout(cfg.RequestTimeout),
		agentloop.WithRetryPolicy(retryPolicy(cfg, logger)),
	)
	agentCfg := cfg.AgentConfig(agentloop.BuildSystemPrompt(env, registry, cfg.Model, cfg.UserInstructions))

	console := NewConsole(os.Stdin, os.Stdout)
	agent := agentloop.NewAgent(model, registry, console, console, &agentCfg,
		agentloop.WithOutput(NewConsoleOutput(os.Stdout, logger)),
		agentloop.WithLogger(logger),
	)

	logger.Info("session started",
		slog.String("session_id", agent.ID()),
		slog.String("provider", cfg.Provider),
		slog.String("model", cfg.Model),
		slog.String("working_dir", env.WorkingDirectory()),
	)
	fmt.Fprintf(os.Stdout, "Chat with %s (type %q to quit)\n", cfg.Model, agentloop.ExitKeyword)

	go drainEvents(agent, logger)

	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newAdapter(cfg *config.Config) (unifiedllm.ProviderAdapter, error) {
	switch cfg.Provider {
	case "anthropic":
		return unifiedllm.NewAnthropicAdapter(cfg.APIKey(),
			unifiedllm.WithAnthropicModel(cfg.Model),
			unifiedllm.WithAnthropicMaxTokens(cfg.MaxTokens),
		), nil
	case "openai":
		adapter, err := unifiedllm.NewOpenAIAdapter(cfg.APIKey(), cfg.Model, cfg.MaxTokens)
		if err != nil {
			return nil, err
		}
		return adapter, nil
	case "gollm":
		adapter, err := unifiedllm.NewGollmAdapter(cfg.GollmBackend, cfg.APIKey(),
			unifiedllm.WithModel(cfg.Model),
			unifiedllm.WithMaxTokens(cfg.MaxTokens),
		)
		if err != nil {
			return nil, err
		}
		return adapter, nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
}

func retryPolicy(cfg *config.Config, logger *slog.Logger) unifiedllm.RetryPolicy {
	policy := cfg.RetryPolicy()
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		logger.Warn("retrying model request",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
	}
	return policy
}

// drainEvents keeps the event channel moving and logs what happened.
func drainEvents(agent *agentloop.Agent, logger *slog.Logger) {
	for ev := range agent.Events() {
		logger.Debug("event", slog.String("kind", string(ev.Kind)), slog.Any("data", ev.Data))
	}
}
