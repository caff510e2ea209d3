package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/harun/threadagent/pkg/conversation"
	"github.com/harun/threadagent/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toolHistory() []conversation.Message {
	return []conversation.Message{
		conversation.UserMessage("What is 2 + 2 and the weather in Paris?"),
		conversation.AssistantMessage("",
			conversation.ToolCall{ID: "a", Name: "calculator", Arguments: map[string]interface{}{"operation": "add", "num1": 2.0, "num2": 2.0}},
			conversation.ToolCall{ID: "b", Name: "get_weather", Arguments: map[string]interface{}{"location": "Paris"}},
		),
		conversation.ToolResultMessage("a", "2 + 2 = 4"),
		conversation.ToolResultMessage("b", `{"location":"Paris"}`),
	}
}

// captureServer records the decoded JSON body of the last request and replies with reply
func captureServer(t *testing.T, pathSuffix, reply string) (*httptest.Server, *map[string]interface{}) {
	t.Helper()
	body := map[string]interface{}{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, pathSuffix) {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, &body
}

func TestProviderFactory(t *testing.T) {
	f := &ProviderFactory{}

	p, err := f.NewProvider(ProviderConfig{Provider: "openai", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Provider())

	p, err = f.NewProvider(ProviderConfig{Provider: "anthropic", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Provider())

	_, err = f.NewProvider(ProviderConfig{Provider: "gemini"})
	assert.Error(t, err)
}

func TestOpenAIProvider_Call(t *testing.T) {
	srv, body := captureServer(t, "/chat/completions", `{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"created": 1700000000,
		"model": "gpt-4o-mini",
		"choices": [{
			"index": 0,
			"finish_reason": "tool_calls",
			"message": {
				"role": "assistant",
				"content": null,
				"tool_calls": [{
					"id": "call_1",
					"type": "function",
					"function": {"name": "calculator", "arguments": "{\"operation\":\"multiply\",\"num1\":3,\"num2\":4}"}
				}]
			}
		}],
		"usage": {"prompt_tokens": 42, "completion_tokens": 7, "total_tokens": 49}
	}`)

	provider := NewOpenAIProvider("test-key", srv.URL+"/v1/")
	resp, err := provider.Call(context.Background(), LLMRequest{
		Model:        "gpt-4o-mini",
		Messages:     toolHistory(),
		Tools:        []toolexecutor.ToolSpec{{Name: "calculator", Description: "math", InputSchema: map[string]interface{}{"type": "object"}}},
		Temperature:  0,
		MaxTokens:    256,
		SystemPrompt: "system prompt",
	})
	require.NoError(t, err)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "calculator", resp.ToolCalls[0].Name)
	assert.Equal(t, 3.0, resp.ToolCalls[0].Arguments["num1"])
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 42, resp.Usage.InputTokens)

	sent := *body
	assert.Equal(t, "gpt-4o-mini", sent["model"])
	assert.Equal(t, 0.0, sent["temperature"])

	messages := sent["messages"].([]interface{})
	require.Len(t, messages, 5)
	roles := make([]string, 0, len(messages))
	for _, m := range messages {
		roles = append(roles, m.(map[string]interface{})["role"].(string))
	}
	assert.Equal(t, []string{"system", "user", "assistant", "tool", "tool"}, roles)
	assert.Equal(t, "a", messages[3].(map[string]interface{})["tool_call_id"])
	assert.Equal(t, "2 + 2 = 4", messages[3].(map[string]interface{})["content"])
	assert.Len(t, sent["tools"].([]interface{}), 1)
}

func TestOpenAIProvider_NoChoices(t *testing.T) {
	srv, _ := captureServer(t, "/chat/completions", `{"id":"x","object":"chat.completion","choices":[]}`)

	_, err := NewOpenAIProvider("test-key", srv.URL+"/v1/").Call(context.Background(), LLMRequest{
		Model:    "gpt-4o-mini",
		Messages: []conversation.Message{conversation.UserMessage("hi")},
	})
	assert.Error(t, err)
}

func TestAnthropicProvider_Call(t *testing.T) {
	srv, body := captureServer(t, "/v1/messages", `{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"model": "claude-3-5-haiku-latest",
		"stop_reason": "end_turn",
		"content": [{"type": "text", "text": "FINAL ANSWER: 4 and sunny"}],
		"usage": {"input_tokens": 30, "output_tokens": 8}
	}`)

	provider := NewAnthropicProvider("test-key", srv.URL+"/")
	resp, err := provider.Call(context.Background(), LLMRequest{
		Model:        "claude-3-5-haiku-latest",
		Messages:     toolHistory(),
		SystemPrompt: "system prompt",
	})
	require.NoError(t, err)
	assert.Equal(t, "FINAL ANSWER: 4 and sunny", resp.Content)
	assert.Empty(t, resp.ToolCalls)
	assert.Equal(t, 8, resp.Usage.OutputTokens)

	sent := *body
	assert.Equal(t, float64(DefaultMaxTokens), sent["max_tokens"])
	// two tool results share one user turn
	assert.Len(t, sent["messages"].([]interface{}), 3)
}

func TestToAnthropicMessages_FoldsToolResults(t *testing.T) {
	msgs := toAnthropicMessages(toolHistory())
	require.Len(t, msgs, 3)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, msgs[1].Role)
	assert.Len(t, msgs[1].Content, 2)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[2].Role)
	assert.Len(t, msgs[2].Content, 2)
}

func TestToAnthropicTools_RequiredForms(t *testing.T) {
	specs := []toolexecutor.ToolSpec{
		{Name: "a", InputSchema: map[string]interface{}{"required": []string{"x"}}},
		{Name: "b", InputSchema: map[string]interface{}{"required": []interface{}{"y", 3}}},
	}

	tools := toAnthropicTools(specs)
	require.Len(t, tools, 2)
	assert.Equal(t, []string{"x"}, tools[0].OfTool.InputSchema.Required)
	assert.Equal(t, []string{"y"}, tools[1].OfTool.InputSchema.Required)
}
