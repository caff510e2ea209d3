package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/harun/threadagent/pkg/checkpoint"
	"github.com/harun/threadagent/pkg/commandqueue"
	"github.com/harun/threadagent/pkg/conversation"
	"github.com/harun/threadagent/pkg/toolexecutor"
	"github.com/harun/threadagent/pkg/tools"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// scriptedProvider answers each call with respond and records requests
type scriptedProvider struct {
	mu       sync.Mutex
	requests []LLMRequest
	respond  func(call int, req LLMRequest) (*LLMResponse, error)
}

func (p *scriptedProvider) Provider() string { return "scripted" }

func (p *scriptedProvider) Call(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	call := len(p.requests)
	p.mu.Unlock()
	return p.respond(call, req)
}

func (p *scriptedProvider) calls() []LLMRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]LLMRequest(nil), p.requests...)
}

// mockProvider is a testify mock of LLMProvider
type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Provider() string { return "mock" }

func (m *mockProvider) Call(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*LLMResponse)
	return resp, args.Error(1)
}

// toolThenAnswer calls one tool on a fresh user message and answers with the
// tool output once it comes back.
func toolThenAnswer(name string, arguments map[string]interface{}) func(int, LLMRequest) (*LLMResponse, error) {
	return func(call int, req LLMRequest) (*LLMResponse, error) {
		last := req.Messages[len(req.Messages)-1]
		if last.Role == conversation.RoleTool {
			return &LLMResponse{Content: "FINAL ANSWER: " + last.Content}, nil
		}
		return &LLMResponse{ToolCalls: []conversation.ToolCall{{
			ID:        fmt.Sprintf("call_%d", call),
			Name:      name,
			Arguments: arguments,
		}}}, nil
	}
}

// alwaysCallTool never produces a final answer
func alwaysCallTool(call int, req LLMRequest) (*LLMResponse, error) {
	return &LLMResponse{ToolCalls: []conversation.ToolCall{{
		ID:        fmt.Sprintf("call_%d", call),
		Name:      "calculator",
		Arguments: map[string]interface{}{"operation": "add", "num1": 1.0, "num2": 1.0},
	}}}, nil
}

// noGeocodingMatches serves an Open-Meteo geocoding endpoint without results
func noGeocodingMatches(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"generationtime_ms":0.4}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestExecutor(t *testing.T, opts tools.Options) *toolexecutor.ToolExecutor {
	t.Helper()
	te := toolexecutor.New()
	require.NoError(t, tools.RegisterTools(te, opts))
	return te
}

type runnerFixture struct {
	runner   *Runner
	store    checkpoint.Checkpointer
	provider LLMProvider
}

func newTestRunner(t *testing.T, provider LLMProvider, store checkpoint.Checkpointer, mutate ...func(*Config)) runnerFixture {
	t.Helper()

	if store == nil {
		store = checkpoint.NewMemoryStore()
	}
	queue := commandqueue.New()
	t.Cleanup(func() { queue.Close() })

	cfg := Config{
		Provider:     provider,
		Tools:        newTestExecutor(t, tools.Options{}),
		Store:        store,
		CommandQueue: queue,
		Agent:        DefaultConfig(),
		Logger:       zerolog.Nop(),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	runner, err := NewRunner(cfg)
	require.NoError(t, err)
	return runnerFixture{runner: runner, store: store, provider: provider}
}

// failingSaveStore wraps a Checkpointer and fails every Save
type failingSaveStore struct {
	checkpoint.Checkpointer
	err error
}

func (s failingSaveStore) Save(ctx context.Context, threadID string, state conversation.State, baseVersion int) (int, error) {
	return 0, s.err
}

// blockingLoadStore blocks Load until the run context ends
type blockingLoadStore struct {
	checkpoint.Checkpointer
	entered chan struct{}
}

func (s blockingLoadStore) Load(ctx context.Context, threadID string) (checkpoint.Checkpoint, error) {
	close(s.entered)
	<-ctx.Done()
	return checkpoint.Checkpoint{}, fmt.Errorf("read thread: %w", ctx.Err())
}
