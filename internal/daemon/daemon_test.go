package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/threadagent/internal/config"
	"github.com/harun/threadagent/pkg/agent"
	"github.com/harun/threadagent/pkg/conversation"
	"github.com/harun/threadagent/pkg/tools"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// calculatorProvider asks for 2 + 2 on the first call of a turn and repeats
// the tool result as the answer on the second.
type calculatorProvider struct {
	mu      sync.Mutex
	prompts []string
	calls   int
}

func (p *calculatorProvider) Provider() string { return "fake" }

func (p *calculatorProvider) Call(ctx context.Context, req agent.LLMRequest) (*agent.LLMResponse, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, req.SystemPrompt)
	p.calls++
	id := fmt.Sprintf("call_%d", p.calls)
	p.mu.Unlock()

	last := req.Messages[len(req.Messages)-1]
	if last.Role == conversation.RoleTool {
		return &agent.LLMResponse{Content: "FINAL ANSWER: " + last.Content}, nil
	}
	return &agent.LLMResponse{ToolCalls: []conversation.ToolCall{{
		ID:        id,
		Name:      "calculator",
		Arguments: map[string]interface{}{"operation": "add", "num1": 2, "num2": 2},
	}}}, nil
}

func (p *calculatorProvider) lastPrompt() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.prompts) == 0 {
		return ""
	}
	return p.prompts[len(p.prompts)-1]
}

func useProvider(t *testing.T, provider agent.LLMProvider) {
	t.Helper()
	prev := newProvider
	newProvider = func(agent.ProviderConfig) (agent.LLMProvider, error) { return provider, nil }
	t.Cleanup(func() { newProvider = prev })
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dataDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = dataDir
	cfg.Storage.Backend = "jsonl"
	cfg.Storage.Path = filepath.Join(dataDir, "threads")
	cfg.Gateway.Port = 0
	cfg.Gateway.RateLimitPerMinute = 0
	return cfg
}

func TestDaemon_ServesChatOverHTTP(t *testing.T) {
	useProvider(t, &calculatorProvider{})
	cfg := testConfig(t)

	d, err := New(cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, d.Start())

	status := d.Status()
	require.True(t, status.Running)
	baseURL := "http://" + status.Addr

	pid, err := RunningPID(PIDFilePath(cfg.DataDir))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	resp, err := http.Post(baseURL+"/chat", "application/json", strings.NewReader(`{"message":"What is 2 + 2?"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var started agent.StartResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	assert.NotEmpty(t, started.ThreadID)
	assert.Contains(t, started.Response, "2 + 2 = 4")

	require.NoError(t, d.Stop(context.Background()))
	assert.False(t, d.Status().Running)
	assert.Error(t, d.Stop(context.Background()))

	_, err = os.Stat(PIDFilePath(cfg.DataDir))
	assert.True(t, os.IsNotExist(err))

	// The thread survives the restart in the jsonl store
	engine, err := NewEngine(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer engine.Close()

	state, err := engine.Runner.History(context.Background(), started.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 4, state.Len())

	audit, err := os.ReadFile(filepath.Join(cfg.DataDir, "audit.log"))
	require.NoError(t, err)
	assert.Empty(t, audit)
}

func TestDaemon_StartTwice(t *testing.T) {
	useProvider(t, &calculatorProvider{})

	d, err := New(testConfig(t), nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop(context.Background())

	assert.Error(t, d.Start())
}

func TestDaemon_WaitStopsOnContext(t *testing.T) {
	useProvider(t, &calculatorProvider{})

	d, err := New(testConfig(t), nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, d.Start())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Wait(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return")
	}
	assert.False(t, d.Status().Running)
}

func TestDaemon_HotReload(t *testing.T) {
	provider := &calculatorProvider{}
	useProvider(t, provider)

	level := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(level) })

	cfg := testConfig(t)
	configPath := filepath.Join(cfg.DataDir, "threadagent.json")
	loader := config.NewLoader(configPath)
	require.NoError(t, loader.Save(cfg))

	d, err := New(cfg, loader, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop(context.Background())

	updated := *cfg
	updated.Logging.Level = "debug"
	updated.Agent.SystemMessage = "Always answer in French."
	require.NoError(t, loader.Save(&updated))

	require.Eventually(t, func() bool {
		return zerolog.GlobalLevel() == zerolog.DebugLevel
	}, 5*time.Second, 20*time.Millisecond)

	_, err = d.Engine().Runner.Start(context.Background(), "What is 2 + 2?")
	require.NoError(t, err)
	assert.Contains(t, provider.lastPrompt(), "Always answer in French.")
}

func TestRestartRequired(t *testing.T) {
	base := config.DefaultConfig()

	same := *base
	same.Agent.SystemMessage = "changed"
	same.Logging.Level = "debug"
	assert.Empty(t, restartRequired(base, &same))

	changed := *base
	changed.Model.Name = "gpt-4o"
	changed.Gateway.Port = 9999
	changed.Storage.Retention.MaxAge = time.Hour
	assert.Equal(t, []string{"model", "storage", "gateway"}, restartRequired(base, &changed))
}

func TestAgentConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agent.RunTimeout = time.Minute

	ac := AgentConfig(cfg)
	assert.Equal(t, cfg.Model.Name, ac.Model)
	assert.Equal(t, cfg.Model.MaxTokens, ac.MaxTokens)
	assert.Equal(t, 15, ac.MaxSteps)
	assert.Equal(t, time.Minute, ac.RunTimeout)
	assert.Equal(t, cfg.Agent.SystemMessage, ac.SystemMessage)
}

func TestToolOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tools.Timeout = 5 * time.Second

	opts := ToolOptions(cfg)
	require.NotNil(t, opts.HTTPClient)
	assert.Equal(t, 5*time.Second, opts.HTTPClient.Timeout)
	assert.Equal(t, cfg.Tools.Weather.GeocodingURL, opts.GeocodingURL)
	assert.Equal(t, cfg.Tools.Weather.ForecastURL, opts.ForecastURL)

	t.Run("zero timeout falls back to the default", func(t *testing.T) {
		cfg.Tools.Timeout = 0
		assert.Equal(t, tools.DefaultHTTPTimeout, ToolOptions(cfg).HTTPClient.Timeout)
	})
}

func TestNewEngine_UnknownBackend(t *testing.T) {
	useProvider(t, &calculatorProvider{})
	cfg := testConfig(t)
	cfg.Storage.Backend = "postgres"

	_, err := NewEngine(cfg, zerolog.Nop())
	assert.ErrorContains(t, err, "checkpoint store")
}
