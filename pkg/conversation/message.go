package conversation

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies who authored a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ToolCall is a model-issued request to invoke a named tool
type ToolCall struct {
	ID        string                 `json:"id" yaml:"id"`
	Name      string                 `json:"name" yaml:"name"`
	Arguments map[string]interface{} `json:"arguments" yaml:"arguments"`
}

// Message is a single entry in a conversation
type Message struct {
	Role       Role       `json:"role" yaml:"role"`
	Content    string     `json:"content" yaml:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty" yaml:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty" yaml:"tool_call_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp" yaml:"timestamp"`
}

// UserMessage creates a user message stamped with the current time
func UserMessage(content string) Message {
	return Message{
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// AssistantMessage creates an assistant message, optionally carrying tool calls
func AssistantMessage(content string, calls ...ToolCall) Message {
	return Message{
		Role:      RoleAssistant,
		Content:   content,
		ToolCalls: cloneToolCalls(calls),
		Timestamp: time.Now().UTC(),
	}
}

// ToolResultMessage creates a tool message correlated to callID
func ToolResultMessage(callID, content string) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: callID,
		Timestamp:  time.Now().UTC(),
	}
}

// HasToolCalls reports whether m is an assistant message requesting tools
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// Validate checks the per-message shape rules
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("invalid role %q", m.Role)
	}
	if len(m.ToolCalls) > 0 && m.Role != RoleAssistant {
		return fmt.Errorf("%s message cannot carry tool calls", m.Role)
	}
	if m.Role == RoleTool && m.ToolCallID == "" {
		return fmt.Errorf("tool message requires tool_call_id")
	}
	if m.Role != RoleTool && m.ToolCallID != "" {
		return fmt.Errorf("%s message cannot carry tool_call_id", m.Role)
	}

	seen := make(map[string]bool, len(m.ToolCalls))
	for _, call := range m.ToolCalls {
		if call.ID == "" {
			return fmt.Errorf("tool call %q has empty id", call.Name)
		}
		if call.Name == "" {
			return fmt.Errorf("tool call %s has empty name", call.ID)
		}
		if seen[call.ID] {
			return fmt.Errorf("duplicate tool call id %s", call.ID)
		}
		seen[call.ID] = true
	}
	return nil
}

// Clone returns a deep copy of m
func (m Message) Clone() Message {
	m.ToolCalls = cloneToolCalls(m.ToolCalls)
	return m
}

func cloneToolCalls(calls []ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, len(calls))
	for i, call := range calls {
		out[i] = ToolCall{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: cloneArguments(call.Arguments),
		}
	}
	return out
}

// cloneArguments deep-copies decoded JSON arguments. Values that are not plain
// JSON shapes are round-tripped through encoding/json.
func cloneArguments(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil, string, bool, float64, float32, int, int64, int32, json.Number:
		return val
	case map[string]interface{}:
		return cloneArguments(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return val
		}
		var decoded interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			return val
		}
		return decoded
	}
}
