package conversation

import (
	"encoding/json"
	"fmt"
)

// State is the ordered, append-only message log of one thread.
// The zero value is an empty state.
type State struct {
	messages []Message
}

// New creates a state holding a copy of msgs
func New(msgs ...Message) State {
	return Append(State{}, msgs...)
}

// Append returns existing followed by msgs. existing is left untouched.
func Append(existing State, msgs ...Message) State {
	next := make([]Message, 0, len(existing.messages)+len(msgs))
	next = append(next, existing.messages...)
	for _, msg := range msgs {
		next = append(next, msg.Clone())
	}
	return State{messages: next}
}

// Len returns the number of messages
func (s State) Len() int {
	return len(s.messages)
}

// Messages returns a copy of the message log
func (s State) Messages() []Message {
	out := make([]Message, len(s.messages))
	for i, msg := range s.messages {
		out[i] = msg.Clone()
	}
	return out
}

// At returns a copy of the message at index i
func (s State) At(i int) Message {
	return s.messages[i].Clone()
}

// Last returns the most recent message, false when the state is empty
func (s State) Last() (Message, bool) {
	if len(s.messages) == 0 {
		return Message{}, false
	}
	return s.messages[len(s.messages)-1].Clone(), true
}

// Since returns the messages appended after the first n
func (s State) Since(n int) []Message {
	if n < 0 {
		n = 0
	}
	if n >= len(s.messages) {
		return nil
	}
	out := make([]Message, 0, len(s.messages)-n)
	for _, msg := range s.messages[n:] {
		out = append(out, msg.Clone())
	}
	return out
}

// HasPrefix reports whether prefix is a leading run of s
func (s State) HasPrefix(prefix State) bool {
	if prefix.Len() > s.Len() {
		return false
	}
	for i := range prefix.messages {
		if !sameMessage(prefix.messages[i], s.messages[i]) {
			return false
		}
	}
	return true
}

// Validate checks every message and the tool correlation invariant:
// each tool message must answer a call from an earlier assistant message,
// and no call may be answered twice.
func (s State) Validate() error {
	issued := make(map[string]bool)
	answered := make(map[string]bool)

	for i, msg := range s.messages {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		switch msg.Role {
		case RoleAssistant:
			for _, call := range msg.ToolCalls {
				if issued[call.ID] {
					return fmt.Errorf("message %d: tool call id %s reused", i, call.ID)
				}
				issued[call.ID] = true
			}
		case RoleTool:
			if !issued[msg.ToolCallID] {
				return fmt.Errorf("message %d: tool result %s has no preceding tool call", i, msg.ToolCallID)
			}
			if answered[msg.ToolCallID] {
				return fmt.Errorf("message %d: tool call %s answered twice", i, msg.ToolCallID)
			}
			answered[msg.ToolCallID] = true
		}
	}
	return nil
}

// PendingToolCalls returns the calls issued in s that have no result yet
func (s State) PendingToolCalls() []ToolCall {
	answered := make(map[string]bool)
	for _, msg := range s.messages {
		if msg.Role == RoleTool {
			answered[msg.ToolCallID] = true
		}
	}
	var pending []ToolCall
	for _, msg := range s.messages {
		for _, call := range msg.ToolCalls {
			if !answered[call.ID] {
				pending = append(pending, call)
			}
		}
	}
	return cloneToolCalls(pending)
}

// MarshalJSON encodes the state as its message array
func (s State) MarshalJSON() ([]byte, error) {
	if s.messages == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.messages)
}

// UnmarshalJSON decodes a message array
func (s *State) UnmarshalJSON(data []byte) error {
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return err
	}
	*s = New(msgs...)
	return nil
}

func sameMessage(a, b Message) bool {
	if a.Role != b.Role || a.Content != b.Content || a.ToolCallID != b.ToolCallID || !a.Timestamp.Equal(b.Timestamp) {
		return false
	}
	if len(a.ToolCalls) != len(b.ToolCalls) {
		return false
	}
	for i := range a.ToolCalls {
		if a.ToolCalls[i].ID != b.ToolCalls[i].ID || a.ToolCalls[i].Name != b.ToolCalls[i].Name {
			return false
		}
		left, _ := json.Marshal(a.ToolCalls[i].Arguments)
		right, _ := json.Marshal(b.ToolCalls[i].Arguments)
		if string(left) != string(right) {
			return false
		}
	}
	return true
}
