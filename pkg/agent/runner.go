package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/threadagent/internal/observability"
	"github.com/harun/threadagent/internal/tracing"
	"github.com/harun/threadagent/pkg/checkpoint"
	"github.com/harun/threadagent/pkg/commandqueue"
	"github.com/harun/threadagent/pkg/conversation"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	saveTimeout = 10 * time.Second
	// queueWarnAfter reports a turn blocked behind an earlier turn on its thread
	queueWarnAfter = 10 * time.Second

	abandonedCallResult = "error: the previous run ended before this tool call was executed"
)

// Runner serves conversations: it loads a thread, runs the loop and saves the result
type Runner struct {
	store  checkpoint.Checkpointer
	queue  *commandqueue.CommandQueue
	loop   *Loop
	logger zerolog.Logger

	newThreadID func() string

	cfgMu sync.RWMutex
	cfg   AgentConfig

	// Active runs for abort capability
	activeRuns map[string]context.CancelFunc
	runsMu     sync.RWMutex
}

// Config holds runner configuration
type Config struct {
	Provider     LLMProvider
	Tools        ToolDispatcher
	Store        checkpoint.Checkpointer
	CommandQueue *commandqueue.CommandQueue
	Agent        AgentConfig
	Logger       zerolog.Logger

	// NewThreadID overrides thread id generation. Defaults to uuid.NewString.
	NewThreadID func() string
	// Now overrides the clock used for the prompt timestamp.
	Now func() time.Time
}

type runResult struct {
	Response string
	Version  int
}

// NewRunner creates a new conversation runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, fmt.Errorf("llm provider is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool dispatcher is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if cfg.CommandQueue == nil {
		return nil, fmt.Errorf("command queue is required")
	}
	if err := validateConfig(cfg.Agent); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	loop, err := NewLoop(LoopConfig{
		Invoker:  NewInvoker(cfg.Provider, cfg.Agent, cfg.Logger),
		Tools:    cfg.Tools,
		MaxSteps: cfg.Agent.MaxSteps,
		Logger:   cfg.Logger,
		Now:      cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	newThreadID := cfg.NewThreadID
	if newThreadID == nil {
		newThreadID = uuid.NewString
	}

	return &Runner{
		store:       cfg.Store,
		queue:       cfg.CommandQueue,
		loop:        loop,
		logger:      cfg.Logger,
		newThreadID: newThreadID,
		cfg:         cfg.Agent,
		activeRuns:  make(map[string]context.CancelFunc),
	}, nil
}

// UpdateConfig replaces the hot-reloadable settings: system message and run timeout.
// Model settings and the step budget are fixed at construction.
func (r *Runner) UpdateConfig(cfg AgentConfig) error {
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	r.cfgMu.Lock()
	r.cfg.SystemMessage = cfg.SystemMessage
	r.cfg.RunTimeout = cfg.RunTimeout
	r.cfgMu.Unlock()

	r.logger.Info().Msg("Agent configuration reloaded")
	return nil
}

func (r *Runner) config() AgentConfig {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg
}

// Start opens a new thread with message and returns its id and the answer.
// On a checkpoint failure after a successful run the answer is still returned
// together with an error matching ErrCheckpoint.
func (r *Runner) Start(ctx context.Context, message string) (StartResult, error) {
	if strings.TrimSpace(message) == "" {
		return StartResult{}, ErrEmptyMessage
	}
	threadID := r.newThreadID()
	res, err := r.run(ctx, threadID, message)
	return StartResult{ThreadID: threadID, Response: res.Response}, err
}

// Continue appends message to an existing thread and runs it. Unknown thread
// ids start a fresh history under that id.
func (r *Runner) Continue(ctx context.Context, threadID, message string) (ContinueResult, error) {
	res, err := r.run(ctx, threadID, message)
	return ContinueResult{Response: res.Response}, err
}

// History returns the persisted messages of a thread
func (r *Runner) History(ctx context.Context, threadID string) (conversation.State, error) {
	cp, err := r.store.Load(ctx, threadID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrInvalidThreadID) {
			return conversation.State{}, err
		}
		return conversation.State{}, fmt.Errorf("%w: %w", ErrCheckpoint, err)
	}
	return cp.State, nil
}

// Threads lists stored threads, most recently updated first
func (r *Runner) Threads(ctx context.Context) ([]checkpoint.ThreadInfo, error) {
	threads, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCheckpoint, err)
	}
	return threads, nil
}

// Abort cancels the running turn of a thread. It reports whether a run was active.
func (r *Runner) Abort(threadID string) bool {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()

	cancel, exists := r.activeRuns[threadID]
	if !exists {
		r.logger.Debug().Str("thread_id", threadID).Msg("No active run to abort")
		return false
	}

	r.logger.Info().Str("thread_id", threadID).Msg("Aborting run")
	cancel()
	delete(r.activeRuns, threadID)
	return true
}

// IsRunning checks if a turn is currently executing for a thread
func (r *Runner) IsRunning(threadID string) bool {
	r.runsMu.RLock()
	defer r.runsMu.RUnlock()

	_, exists := r.activeRuns[threadID]
	return exists
}

func (r *Runner) run(ctx context.Context, threadID, message string) (runResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(message) == "" {
		return runResult{}, ErrEmptyMessage
	}
	if err := checkpoint.ValidateThreadID(threadID); err != nil {
		return runResult{}, err
	}

	ctx = tracing.NewRunContext(ctx, threadID)
	ctx, span := tracing.StartSpan(ctx, "agent.run", attribute.String("thread_id", threadID))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, r.logger)
	lane := "thread-" + threadID
	value, err := r.queue.EnqueueWithContext(ctx, lane, func(taskCtx context.Context) (interface{}, error) {
		return r.execute(taskCtx, threadID, message)
	}, &commandqueue.TaskOptions{
		WarnAfter: queueWarnAfter,
		OnWait: func(wait time.Duration, queuePos int) {
			logger.Warn().
				Dur("wait", wait).
				Int("queuePos", queuePos).
				Msg("Turn waiting for an earlier turn on the same thread")
		},
	})

	res, _ := value.(runResult)
	tracing.RecordError(span, err)
	return res, err
}

// execute runs one turn on the thread's lane
func (r *Runner) execute(ctx context.Context, threadID, message string) (runResult, error) {
	cfg := r.config()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	if cfg.RunTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancelTimeout()
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.runsMu.Lock()
	r.activeRuns[threadID] = cancel
	r.runsMu.Unlock()

	defer func() {
		r.runsMu.Lock()
		delete(r.activeRuns, threadID)
		r.runsMu.Unlock()
	}()

	cp, err := r.store.Load(execCtx, threadID)
	if err != nil {
		// aborted or timed out before the turn began; nothing to persist
		if ctxErr := execCtx.Err(); ctxErr != nil {
			logger.Warn().Err(ctxErr).Msg("Run stopped before loading checkpoint")
			return runResult{}, ctxErr
		}
		logger.Error().Err(err).Msg("Failed to load checkpoint")
		return runResult{}, fmt.Errorf("%w: %w", ErrCheckpoint, err)
	}

	state := closeAbandonedCalls(cp.State)
	state = conversation.Append(state, conversation.UserMessage(message))

	loopResult, loopErr := r.loop.Run(execCtx, state, cfg.SystemMessage)

	// Completed steps are kept even when the run was cancelled.
	saveCtx := execCtx
	if execCtx.Err() != nil {
		var cancelSave context.CancelFunc
		saveCtx, cancelSave = context.WithTimeout(tracing.Detach(execCtx), saveTimeout)
		defer cancelSave()
	}

	version, saveErr := r.store.Save(saveCtx, threadID, loopResult.State, cp.Version)
	if saveErr != nil {
		logger.Error().
			Err(saveErr).
			Int("baseVersion", cp.Version).
			Bool("answered", loopErr == nil).
			Msg("Failed to save checkpoint")
	}

	if loopErr != nil {
		logger.Warn().Err(loopErr).Int("steps", loopResult.Steps).Msg("Run failed")
		return runResult{Version: version}, loopErr
	}
	if saveErr != nil {
		return runResult{Response: loopResult.Answer}, fmt.Errorf("%w: %w", ErrCheckpoint, saveErr)
	}

	logger.Info().
		Int("steps", loopResult.Steps).
		Int("version", version).
		Msg("Run completed")

	return runResult{Response: loopResult.Answer, Version: version}, nil
}

// closeAbandonedCalls answers tool calls left pending by an aborted run so
// the history stays well-formed for the model.
func closeAbandonedCalls(state conversation.State) conversation.State {
	pending := state.PendingToolCalls()
	if len(pending) == 0 {
		return state
	}

	results := make([]conversation.Message, 0, len(pending))
	for _, call := range pending {
		results = append(results, conversation.ToolResultMessage(call.ID, abandonedCallResult))
	}
	return conversation.Append(state, results...)
}
