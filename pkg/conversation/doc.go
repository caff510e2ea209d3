// Package conversation defines the message log shared by the agent loop,
// the tool dispatcher and the checkpoint stores.
//
// Invariants:
// - State is append-only: Append returns a new State and never edits or drops messages.
// - Every tool message answers a ToolCall issued by an earlier assistant message.
//
// Usage:
//
//	st := conversation.New()
//	st = conversation.Append(st, conversation.UserMessage("what is 2 plus 2"))
//	last, _ := st.Last()
//	_ = last
package conversation
