package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/threadagent/internal/observability"
	"github.com/harun/threadagent/internal/tracing"
	"github.com/harun/threadagent/pkg/conversation"
	"github.com/harun/threadagent/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const systemPromptTemplate = "You are a helpful AI assistant specializing in weather information and mathematical calculations. " +
	"You can help users get current weather data for any location and perform basic arithmetic operations " +
	"(addition, subtraction, multiplication, and division). Use your tools to provide accurate weather forecasts " +
	"and solve mathematical problems. If you have a complete answer to the user's query, prefix your response " +
	"with FINAL ANSWER. You have access to the following tools: {tool_names}.\n{system_message}\nCurrent time: {time}."

// Facts is the per-call context interpolated into the system prompt
type Facts struct {
	SystemMessage string
	Time          time.Time
}

// BuildSystemPrompt renders the system prompt for the given tools and facts
func BuildSystemPrompt(catalog []toolexecutor.ToolSpec, facts Facts) string {
	names := make([]string, 0, len(catalog))
	for _, spec := range catalog {
		names = append(names, spec.Name)
	}

	return strings.NewReplacer(
		"{tool_names}", strings.Join(names, ", "),
		"{system_message}", facts.SystemMessage,
		"{time}", facts.Time.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	).Replace(systemPromptTemplate)
}

// Invoker turns conversation state into a single model call
type Invoker struct {
	provider    LLMProvider
	model       string
	temperature float64
	maxTokens   int
	logger      zerolog.Logger
}

// NewInvoker creates an Invoker for provider using the model settings in cfg
func NewInvoker(provider LLMProvider, cfg AgentConfig, logger zerolog.Logger) *Invoker {
	return &Invoker{
		provider:    provider,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      logger,
	}
}

// Invoke calls the model with the full history and returns one assistant message.
// Provider failures and malformed responses are returned as *ModelError.
// Cancellation is returned as the context error.
func (i *Invoker) Invoke(ctx context.Context, state conversation.State, catalog []toolexecutor.ToolSpec, facts Facts) (conversation.Message, error) {
	if err := ctx.Err(); err != nil {
		return conversation.Message{}, err
	}

	provider := i.provider.Provider()
	ctx, span := tracing.StartSpan(ctx, "agent.invoke_model",
		attribute.String("provider", provider),
		attribute.String("model", i.model),
		attribute.Int("messages", state.Len()),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, i.logger)

	request := LLMRequest{
		Model:        i.model,
		Messages:     state.Messages(),
		Tools:        catalog,
		Temperature:  i.temperature,
		MaxTokens:    i.maxTokens,
		SystemPrompt: BuildSystemPrompt(catalog, facts),
	}

	start := time.Now()
	response, err := i.provider.Call(ctx, request)
	duration := time.Since(start)
	observability.RecordModelCall(provider, duration, err == nil)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return conversation.Message{}, ctxErr
		}
		tracing.RecordError(span, err)
		logger.Warn().Str("provider", provider).Dur("duration", duration).Err(err).Msg("Model call failed")
		return conversation.Message{}, &ModelError{Provider: provider, Err: err}
	}

	msg, err := responseMessage(response)
	if err != nil {
		tracing.RecordError(span, err)
		logger.Warn().Str("provider", provider).Err(err).Msg("Malformed model response")
		return conversation.Message{}, &ModelError{Provider: provider, Err: err}
	}

	event := logger.Debug().
		Str("provider", provider).
		Dur("duration", duration).
		Int("toolCalls", len(msg.ToolCalls))
	if response.Usage != nil {
		event = event.Int("inputTokens", response.Usage.InputTokens).Int("outputTokens", response.Usage.OutputTokens)
	}
	event.Msg("Model responded")

	return msg, nil
}

func responseMessage(response *LLMResponse) (conversation.Message, error) {
	if response == nil {
		return conversation.Message{}, errors.New("empty response")
	}

	msg := conversation.AssistantMessage(response.Content, response.ToolCalls...)
	if err := msg.Validate(); err != nil {
		return conversation.Message{}, fmt.Errorf("malformed response: %w", err)
	}
	return msg, nil
}
