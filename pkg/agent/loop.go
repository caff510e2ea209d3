package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/threadagent/internal/observability"
	"github.com/harun/threadagent/internal/tracing"
	"github.com/harun/threadagent/pkg/conversation"
	"github.com/harun/threadagent/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// LoopState is a node of the execution state machine
type LoopState string

const (
	StateAgent LoopState = "AGENT"
	StateTools LoopState = "TOOLS"
	StateEnd   LoopState = "END"
)

// ModelInvoker produces the next assistant message for a state
type ModelInvoker interface {
	Invoke(ctx context.Context, state conversation.State, catalog []toolexecutor.ToolSpec, facts Facts) (conversation.Message, error)
}

// ToolDispatcher executes tool calls and describes the available tools
type ToolDispatcher interface {
	Dispatch(ctx context.Context, calls []conversation.ToolCall) ([]conversation.Message, error)
	Catalog() []toolexecutor.ToolSpec
}

// LoopConfig holds loop dependencies
type LoopConfig struct {
	Invoker  ModelInvoker
	Tools    ToolDispatcher
	MaxSteps int
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Loop alternates model and tool steps until the model stops asking for tools
type Loop struct {
	invoker  ModelInvoker
	tools    ToolDispatcher
	maxSteps int
	logger   zerolog.Logger
	now      func() time.Time
}

// LoopResult is the outcome of a run. State is always the state as of the
// last completed step, also when Run returns an error.
type LoopResult struct {
	State  conversation.State
	Answer string
	Steps  int
}

// NewLoop creates a Loop. MaxSteps defaults to DefaultMaxSteps.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	observability.EnsureRegistered()

	if cfg.Invoker == nil {
		return nil, fmt.Errorf("model invoker is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool dispatcher is required")
	}
	if cfg.MaxSteps < 0 {
		return nil, fmt.Errorf("max steps cannot be negative")
	}

	maxSteps := cfg.MaxSteps
	if maxSteps == 0 {
		maxSteps = DefaultMaxSteps
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Loop{
		invoker:  cfg.Invoker,
		tools:    cfg.Tools,
		maxSteps: maxSteps,
		logger:   cfg.Logger,
		now:      now,
	}, nil
}

// MaxSteps returns the step budget of a run
func (l *Loop) MaxSteps() int {
	return l.maxSteps
}

// Run drives state, whose last message is the new user input, to END.
// Every AGENT or TOOLS step counts against the budget; exceeding it returns
// ErrRecursionLimit. Cancellation is observed before each step and inside
// model and tool calls; an interrupted step appends nothing.
func (l *Loop) Run(ctx context.Context, state conversation.State, systemMessage string) (LoopResult, error) {
	ctx, span := tracing.StartSpan(ctx, "agent.loop", attribute.Int("max_steps", l.maxSteps))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, l.logger)

	observability.AddActiveRuns(1)
	defer observability.AddActiveRuns(-1)

	start := time.Now()
	result := LoopResult{State: state}
	catalog := l.tools.Catalog()
	current := StateAgent

	finish := func(outcome string, err error) (LoopResult, error) {
		tracing.RecordError(span, err)
		span.SetAttributes(attribute.Int("steps", result.Steps), attribute.String("outcome", outcome))
		observability.RecordLoopRun(outcome, time.Since(start))
		return result, err
	}

	for {
		if current == StateEnd {
			last, _ := result.State.Last()
			result.Answer = last.Content
			logger.Debug().Int("steps", result.Steps).Int("messages", result.State.Len()).Msg("Run completed")
			return finish("end", nil)
		}

		if result.Steps >= l.maxSteps {
			logger.Warn().Int("steps", result.Steps).Msg("Recursion limit reached")
			return finish("recursion_limit", fmt.Errorf("%w: no final answer after %d steps", ErrRecursionLimit, result.Steps))
		}
		if err := ctx.Err(); err != nil {
			return finish("cancelled", err)
		}

		result.Steps++
		observability.RecordLoopStep(string(current))
		logger.Debug().Str("state", string(current)).Int("step", result.Steps).Msg("Loop transition")

		next, err := l.step(ctx, current, &result, catalog, systemMessage)
		if err != nil {
			outcome := "error"
			switch {
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				outcome = "cancelled"
			case errors.Is(err, ErrModelInvocation):
				outcome = "model_error"
			}
			return finish(outcome, err)
		}
		current = next
	}
}

func (l *Loop) step(ctx context.Context, current LoopState, result *LoopResult, catalog []toolexecutor.ToolSpec, systemMessage string) (LoopState, error) {
	ctx, span := tracing.StartSpan(ctx, "agent.step",
		attribute.String("state", string(current)),
		attribute.Int("step", result.Steps),
	)
	defer span.End()

	switch current {
	case StateAgent:
		msg, err := l.invoker.Invoke(ctx, result.State, catalog, Facts{SystemMessage: systemMessage, Time: l.now()})
		if err != nil {
			tracing.RecordError(span, err)
			return "", err
		}
		result.State = conversation.Append(result.State, msg)
		if Route(result.State) == Continue {
			return StateTools, nil
		}
		return StateEnd, nil

	case StateTools:
		last, _ := result.State.Last()
		msgs, err := l.tools.Dispatch(ctx, last.ToolCalls)
		if err != nil {
			tracing.RecordError(span, err)
			return "", err
		}
		result.State = conversation.Append(result.State, msgs...)
		return StateAgent, nil

	default:
		return "", fmt.Errorf("unexpected loop state %q", current)
	}
}
