package agent

import (
	"fmt"
	"time"

	"github.com/harun/threadagent/pkg/conversation"
	"github.com/harun/threadagent/pkg/toolexecutor"
)

const (
	DefaultModel     = "gpt-4o-mini"
	DefaultMaxSteps  = 15
	DefaultMaxTokens = 1024

	DefaultSystemMessage = "You are a helpful assistant that can provide weather information and perform calculations. " +
		"You can help users get current weather data for any location and perform basic arithmetic operations " +
		"like addition, subtraction, multiplication, and division."
)

// AgentConfig configures model calls and loop bounds
type AgentConfig struct {
	Model         string        `json:"model"`
	Temperature   float64       `json:"temperature"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	SystemMessage string        `json:"system_message,omitempty"`
	MaxSteps      int           `json:"max_steps,omitempty"`
	RunTimeout    time.Duration `json:"run_timeout,omitempty"`
}

// DefaultConfig returns default agent configuration
func DefaultConfig() AgentConfig {
	return AgentConfig{
		Model:         DefaultModel,
		Temperature:   0,
		MaxTokens:     DefaultMaxTokens,
		SystemMessage: DefaultSystemMessage,
		MaxSteps:      DefaultMaxSteps,
	}
}

// validateConfig validates agent configuration
func validateConfig(config AgentConfig) error {
	if config.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if config.Temperature < 0 || config.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if config.MaxTokens < 0 {
		return fmt.Errorf("max tokens cannot be negative")
	}
	if config.MaxSteps < 0 {
		return fmt.Errorf("max steps cannot be negative")
	}
	if config.RunTimeout < 0 {
		return fmt.Errorf("run timeout cannot be negative")
	}
	return nil
}

// LLMRequest contains the request parameters for LLM call
type LLMRequest struct {
	Model        string
	Messages     []conversation.Message
	Tools        []toolexecutor.ToolSpec
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse contains the response from LLM
type LLMResponse struct {
	Content   string
	ToolCalls []conversation.ToolCall
	Usage     *TokenUsage
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StartResult is returned when a new thread is started
type StartResult struct {
	ThreadID string `json:"threadId"`
	Response string `json:"response"`
}

// ContinueResult is returned when an existing thread is continued
type ContinueResult struct {
	Response string `json:"response"`
}
