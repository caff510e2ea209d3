package agent

import "github.com/harun/threadagent/pkg/conversation"

// Decision is the router's choice after an AGENT step
type Decision int

const (
	// Stop ends the run with the last message as the answer.
	Stop Decision = iota
	// Continue dispatches the last message's tool calls.
	Continue
)

func (d Decision) String() string {
	if d == Continue {
		return "continue"
	}
	return "stop"
}

// Route continues only when the last message is an assistant message with tool calls
func Route(state conversation.State) Decision {
	last, ok := state.Last()
	if !ok || !last.HasToolCalls() {
		return Stop
	}
	return Continue
}
