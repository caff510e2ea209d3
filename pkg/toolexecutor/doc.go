// Package toolexecutor registers tools and dispatches model-issued tool calls.
//
// Invariants:
// - Tool names are unique.
// - Arguments are schema-validated before a handler runs.
// - Handler failures, panics and timeouts become error results, never aborts.
//
// Usage:
//
//	exec := toolexecutor.New()
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name: "echo",
//		Description: "Echo input",
//		Parameters: []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return params["text"], nil },
//	})
//	msgs, _ := exec.Dispatch(ctx, calls)
package toolexecutor
