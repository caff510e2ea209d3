package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/threadagent/pkg/checkpoint"
	"github.com/harun/threadagent/pkg/conversation"
	"github.com/harun/threadagent/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingProvider waits for cancellation on every call
type blockingProvider struct {
	entered chan struct{}
	once    sync.Once
}

func (p *blockingProvider) Provider() string { return "blocking" }

func (p *blockingProvider) Call(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	p.once.Do(func() { close(p.entered) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func sequentialIDs(prefix string) func() string {
	var n int32
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, atomic.AddInt32(&n, 1))
	}
}

func echoAnswer(call int, req LLMRequest) (*LLMResponse, error) {
	last := req.Messages[len(req.Messages)-1]
	return &LLMResponse{Content: "FINAL ANSWER: " + last.Content}, nil
}

func TestNewRunner_Validation(t *testing.T) {
	provider := &scriptedProvider{respond: echoAnswer}
	base := newTestRunner(t, provider, nil)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing provider", mutate: func(c *Config) { c.Provider = nil }},
		{name: "missing tools", mutate: func(c *Config) { c.Tools = nil }},
		{name: "missing store", mutate: func(c *Config) { c.Store = nil }},
		{name: "missing queue", mutate: func(c *Config) { c.CommandQueue = nil }},
		{name: "temperature out of range", mutate: func(c *Config) { c.Agent.Temperature = 3 }},
		{name: "empty model", mutate: func(c *Config) { c.Agent.Model = "" }},
		{name: "negative steps", mutate: func(c *Config) { c.Agent.MaxSteps = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				Provider:     provider,
				Tools:        newTestExecutor(t, tools.Options{}),
				Store:        base.store,
				CommandQueue: base.runner.queue,
				Agent:        DefaultConfig(),
			}
			tt.mutate(&cfg)
			_, err := NewRunner(cfg)
			assert.Error(t, err)
		})
	}
}

func TestRunner_Calculator(t *testing.T) {
	provider := &scriptedProvider{respond: toolThenAnswer("calculator", map[string]interface{}{
		"operation": "add", "num1": 2.0, "num2": 2.0,
	})}
	fx := newTestRunner(t, provider, nil)
	ctx := context.Background()

	result, err := fx.runner.Start(ctx, "What is 2 + 2?")
	require.NoError(t, err)
	assert.NotEmpty(t, result.ThreadID)
	assert.Contains(t, result.Response, "4")

	history, err := fx.runner.History(ctx, result.ThreadID)
	require.NoError(t, err)
	msgs := history.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "What is 2 + 2?", msgs[0].Content)
	assert.Equal(t, "calculator", msgs[1].ToolCalls[0].Name)
	assert.Equal(t, "2 + 2 = 4", msgs[2].Content)
	assert.Equal(t, result.Response, msgs[3].Content)
}

func TestRunner_DivideByZero(t *testing.T) {
	provider := &scriptedProvider{respond: toolThenAnswer("calculator", map[string]interface{}{
		"operation": "divide", "num1": 10.0, "num2": 0.0,
	})}
	fx := newTestRunner(t, provider, nil)

	result, err := fx.runner.Start(context.Background(), "What is 10 divided by 0?")
	require.NoError(t, err)
	assert.Contains(t, result.Response, "Cannot divide by zero")

	history, err := fx.runner.History(context.Background(), result.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "error: Cannot divide by zero", history.At(2).Content)
}

func TestRunner_UnknownLocation(t *testing.T) {
	srv := noGeocodingMatches(t)
	provider := &scriptedProvider{respond: toolThenAnswer("get_weather", map[string]interface{}{
		"location": "Atlantis",
	})}
	fx := newTestRunner(t, provider, nil, func(c *Config) {
		c.Tools = newTestExecutor(t, tools.Options{GeocodingURL: srv.URL, ForecastURL: srv.URL})
	})

	result, err := fx.runner.Start(context.Background(), "What's the weather in Atlantis?")
	require.NoError(t, err)
	assert.Contains(t, result.Response, "Location 'Atlantis' not found")

	history, err := fx.runner.History(context.Background(), result.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "error: Failed to fetch weather data: Location 'Atlantis' not found", history.At(2).Content)
}

func TestRunner_RecursionLimitPersistsState(t *testing.T) {
	provider := &scriptedProvider{respond: alwaysCallTool}
	fx := newTestRunner(t, provider, nil, func(c *Config) {
		c.NewThreadID = func() string { return "looping" }
	})
	ctx := context.Background()

	result, err := fx.runner.Start(ctx, "Keep calculating")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecursionLimit)
	assert.Equal(t, "looping", result.ThreadID)
	assert.Empty(t, result.Response)
	assert.Len(t, provider.calls(), 8)

	history, err := fx.runner.History(ctx, "looping")
	require.NoError(t, err)
	assert.Equal(t, 16, history.Len())

	t.Run("next turn closes the abandoned call", func(t *testing.T) {
		provider.respond = echoAnswer

		next, err := fx.runner.Continue(ctx, "looping", "stop now")
		require.NoError(t, err)
		assert.Equal(t, "FINAL ANSWER: stop now", next.Response)

		history, err := fx.runner.History(ctx, "looping")
		require.NoError(t, err)
		require.Equal(t, 19, history.Len())
		assert.Equal(t, abandonedCallResult, history.At(16).Content)
		assert.Equal(t, conversation.RoleTool, history.At(16).Role)
		assert.Empty(t, history.PendingToolCalls())
		assert.NoError(t, history.Validate())
	})
}

func TestRunner_ContinueThread(t *testing.T) {
	provider := &scriptedProvider{respond: echoAnswer}
	fx := newTestRunner(t, provider, nil)
	ctx := context.Background()

	started, err := fx.runner.Start(ctx, "My name is Ada.")
	require.NoError(t, err)

	next, err := fx.runner.Continue(ctx, started.ThreadID, "What is my name?")
	require.NoError(t, err)
	assert.Equal(t, "FINAL ANSWER: What is my name?", next.Response)

	calls := provider.calls()
	require.Len(t, calls, 2)
	second := calls[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, "My name is Ada.", second[0].Content)
	assert.Equal(t, "FINAL ANSWER: My name is Ada.", second[1].Content)
	assert.Equal(t, "What is my name?", second[2].Content)

	history, err := fx.runner.History(ctx, started.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 4, history.Len())
}

func TestRunner_ContinueUnknownThreadCreatesIt(t *testing.T) {
	fx := newTestRunner(t, &scriptedProvider{respond: echoAnswer}, nil)
	ctx := context.Background()

	_, err := fx.runner.Continue(ctx, "fresh-thread", "hello")
	require.NoError(t, err)

	history, err := fx.runner.History(ctx, "fresh-thread")
	require.NoError(t, err)
	assert.Equal(t, 2, history.Len())
}

func TestRunner_RejectsBadInput(t *testing.T) {
	provider := &scriptedProvider{respond: echoAnswer}
	fx := newTestRunner(t, provider, nil)
	ctx := context.Background()

	started, err := fx.runner.Start(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, started.ThreadID, "no thread id is issued for a rejected message")

	_, err = fx.runner.Continue(ctx, "../etc", "hello")
	assert.ErrorIs(t, err, checkpoint.ErrInvalidThreadID)

	_, err = fx.runner.History(ctx, "a/b")
	assert.ErrorIs(t, err, checkpoint.ErrInvalidThreadID)

	assert.Empty(t, provider.calls())
}

func TestRunner_ModelErrorSavesUserMessage(t *testing.T) {
	provider := &scriptedProvider{respond: func(int, LLMRequest) (*LLMResponse, error) {
		return nil, errors.New("invalid api key")
	}}
	fx := newTestRunner(t, provider, nil, func(c *Config) {
		c.NewThreadID = func() string { return "broken" }
	})

	_, err := fx.runner.Start(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrModelInvocation)

	history, err := fx.runner.History(context.Background(), "broken")
	require.NoError(t, err)
	require.Equal(t, 1, history.Len())
	assert.Equal(t, "hello", history.At(0).Content)
}

func TestRunner_SaveFailureStillAnswers(t *testing.T) {
	store := failingSaveStore{Checkpointer: checkpoint.NewMemoryStore(), err: errors.New("disk full")}
	fx := newTestRunner(t, &scriptedProvider{respond: echoAnswer}, store)

	result, err := fx.runner.Start(context.Background(), "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCheckpoint)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, "FINAL ANSWER: hello", result.Response)
	assert.NotEmpty(t, result.ThreadID)
}

func TestRunner_SerializesTurnsPerThread(t *testing.T) {
	var inFlight, maxInFlight int32
	provider := &scriptedProvider{respond: func(call int, req LLMRequest) (*LLMResponse, error) {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			old := atomic.LoadInt32(&maxInFlight)
			if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return echoAnswer(call, req)
	}}
	fx := newTestRunner(t, provider, nil)
	ctx := context.Background()

	started, err := fx.runner.Start(ctx, "turn 0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = fx.runner.Continue(ctx, started.ThreadID, fmt.Sprintf("turn %d", i+1))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))

	history, err := fx.runner.History(ctx, started.ThreadID)
	require.NoError(t, err)
	require.Equal(t, 10, history.Len())
	for i, msg := range history.Messages() {
		if i%2 == 0 {
			assert.Equal(t, conversation.RoleUser, msg.Role)
			continue
		}
		assert.Equal(t, conversation.RoleAssistant, msg.Role)
		assert.Equal(t, "FINAL ANSWER: "+history.At(i-1).Content, msg.Content)
	}
}

func TestRunner_Abort(t *testing.T) {
	provider := &blockingProvider{entered: make(chan struct{})}
	fx := newTestRunner(t, provider, nil, func(c *Config) {
		c.NewThreadID = func() string { return "aborted" }
	})

	assert.False(t, fx.runner.Abort("aborted"))

	done := make(chan error, 1)
	go func() {
		_, err := fx.runner.Start(context.Background(), "wait for me")
		done <- err
	}()

	<-provider.entered
	assert.True(t, fx.runner.IsRunning("aborted"))
	assert.True(t, fx.runner.Abort("aborted"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after abort")
	}
	assert.False(t, fx.runner.IsRunning("aborted"))

	history, err := fx.runner.History(context.Background(), "aborted")
	require.NoError(t, err)
	require.Equal(t, 1, history.Len())
	assert.Equal(t, "wait for me", history.At(0).Content)
}

func TestRunner_AbortDuringLoadIsNotCheckpointFailure(t *testing.T) {
	store := blockingLoadStore{Checkpointer: checkpoint.NewMemoryStore(), entered: make(chan struct{})}
	provider := &scriptedProvider{respond: echoAnswer}
	fx := newTestRunner(t, provider, store, func(c *Config) {
		c.NewThreadID = func() string { return "loading" }
	})

	done := make(chan error, 1)
	go func() {
		_, err := fx.runner.Start(context.Background(), "hello")
		done <- err
	}()

	<-store.entered
	assert.True(t, fx.runner.Abort("loading"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrCheckpoint)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after abort")
	}
	assert.Empty(t, provider.calls())
}

func TestRunner_RunTimeout(t *testing.T) {
	provider := &blockingProvider{entered: make(chan struct{})}
	fx := newTestRunner(t, provider, nil, func(c *Config) {
		c.Agent.RunTimeout = 50 * time.Millisecond
		c.NewThreadID = func() string { return "slow" }
	})

	_, err := fx.runner.Start(context.Background(), "take your time")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	history, err := fx.runner.History(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, 1, history.Len())
}

func TestRunner_UpdateConfig(t *testing.T) {
	provider := &scriptedProvider{respond: echoAnswer}
	fx := newTestRunner(t, provider, nil)
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.SystemMessage = "Answer like a pirate."
	require.NoError(t, fx.runner.UpdateConfig(cfg))

	_, err := fx.runner.Start(ctx, "hello")
	require.NoError(t, err)
	assert.Contains(t, provider.calls()[0].SystemPrompt, "Answer like a pirate.")

	cfg.Temperature = -1
	assert.Error(t, fx.runner.UpdateConfig(cfg))
}

func TestRunner_Threads(t *testing.T) {
	fx := newTestRunner(t, &scriptedProvider{respond: echoAnswer}, nil, func(c *Config) {
		c.NewThreadID = sequentialIDs("t")
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := fx.runner.Start(ctx, strings.Repeat("x", i+1))
		require.NoError(t, err)
	}

	threads, err := fx.runner.Threads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 3)

	ids := make([]string, 0, len(threads))
	for _, info := range threads {
		ids = append(ids, info.ThreadID)
		assert.Equal(t, 2, info.Messages)
	}
	assert.ElementsMatch(t, []string{"t-1", "t-2", "t-3"}, ids)
}

func TestCloseAbandonedCalls(t *testing.T) {
	calls := []conversation.ToolCall{
		{ID: "a", Name: "calculator"},
		{ID: "b", Name: "get_weather"},
	}

	t.Run("no pending calls", func(t *testing.T) {
		state := conversation.New(conversation.UserMessage("hi"), conversation.AssistantMessage("hello"))
		assert.Equal(t, state.Len(), closeAbandonedCalls(state).Len())
	})

	t.Run("partially answered", func(t *testing.T) {
		state := conversation.New(
			conversation.UserMessage("hi"),
			conversation.AssistantMessage("", calls...),
			conversation.ToolResultMessage("a", "done"),
		)

		closed := closeAbandonedCalls(state)
		require.Equal(t, 4, closed.Len())
		assert.Equal(t, "b", closed.At(3).ToolCallID)
		assert.Equal(t, abandonedCallResult, closed.At(3).Content)
		assert.Empty(t, closed.PendingToolCalls())
		assert.True(t, closed.HasPrefix(state))
	})
}
