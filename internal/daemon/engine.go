package daemon

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/harun/threadagent/internal/config"
	"github.com/harun/threadagent/pkg/agent"
	"github.com/harun/threadagent/pkg/checkpoint"
	"github.com/harun/threadagent/pkg/commandqueue"
	"github.com/harun/threadagent/pkg/toolexecutor"
	"github.com/harun/threadagent/pkg/tools"
	"github.com/rs/zerolog"
)

// newProvider is swapped in tests to avoid real model calls
var newProvider = func(cfg agent.ProviderConfig) (agent.LLMProvider, error) {
	factory := &agent.ProviderFactory{}
	return factory.NewProvider(cfg)
}

// Engine is the conversation core shared by the server and the one-shot
// CLI commands: provider, tools, checkpoint store and runner.
type Engine struct {
	Runner *agent.Runner
	Store  checkpoint.Checkpointer
	Tools  *toolexecutor.ToolExecutor
	Queue  *commandqueue.CommandQueue
}

// NewEngine builds the engine described by cfg
func NewEngine(cfg *config.Config, logger zerolog.Logger) (*Engine, error) {
	provider, err := newProvider(agent.ProviderConfig{
		Provider: cfg.Model.Provider,
		APIKey:   cfg.Model.APIKey,
		BaseURL:  cfg.Model.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create model provider: %w", err)
	}

	executor := toolexecutor.New(func(o *toolexecutor.Options) {
		o.Timeout = cfg.Tools.Timeout
	})
	if err := tools.RegisterTools(executor, ToolOptions(cfg)); err != nil {
		return nil, err
	}

	store, err := checkpoint.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	queue := commandqueue.New()
	runner, err := agent.NewRunner(agent.Config{
		Provider:     provider,
		Tools:        executor,
		Store:        store,
		CommandQueue: queue,
		Agent:        AgentConfig(cfg),
		Logger:       logger,
	})
	if err != nil {
		_ = queue.Close()
		_ = store.Close()
		return nil, fmt.Errorf("failed to create runner: %w", err)
	}

	logger.Info().
		Str("provider", provider.Provider()).
		Str("model", cfg.Model.Name).
		Str("backend", cfg.Storage.Backend).
		Strs("tools", executor.ListTools()).
		Msg("Engine initialized")

	return &Engine{
		Runner: runner,
		Store:  store,
		Tools:  executor,
		Queue:  queue,
	}, nil
}

// Close drains the queue and closes the store
func (e *Engine) Close() error {
	return errors.Join(e.Queue.Close(), e.Store.Close())
}

// ToolOptions maps the tools section onto built-in tool settings. The HTTP
// client shares the tool timeout so outbound calls stop with the tool.
func ToolOptions(cfg *config.Config) tools.Options {
	timeout := cfg.Tools.Timeout
	if timeout <= 0 {
		timeout = tools.DefaultHTTPTimeout
	}
	return tools.Options{
		GeocodingURL: cfg.Tools.Weather.GeocodingURL,
		ForecastURL:  cfg.Tools.Weather.ForecastURL,
		HTTPClient:   &http.Client{Timeout: timeout},
	}
}

// AgentConfig maps the model and agent sections onto runner settings
func AgentConfig(cfg *config.Config) agent.AgentConfig {
	return agent.AgentConfig{
		Model:         cfg.Model.Name,
		Temperature:   cfg.Model.Temperature,
		MaxTokens:     cfg.Model.MaxTokens,
		SystemMessage: cfg.Agent.SystemMessage,
		MaxSteps:      cfg.Agent.MaxSteps,
		RunTimeout:    cfg.Agent.RunTimeout,
	}
}
