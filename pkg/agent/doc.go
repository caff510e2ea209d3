// Package agent runs conversations as a bounded model/tool loop over persisted threads.
//
// Invariants:
// - A run alternates AGENT and TOOLS steps and stops when the model returns no tool calls.
// - Every step counts against MaxSteps; exceeding it fails with ErrRecursionLimit.
// - Runs for the same thread are serialized through a commandqueue lane.
// - State is only appended to and is saved after END or a fatal loop error.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{
//		Provider:     provider,
//		Tools:        executor,
//		Store:        store,
//		CommandQueue: commandqueue.New(),
//		Agent:        agent.DefaultConfig(),
//	})
//	started, _ := runner.Start(ctx, "what is 2 plus 2")
//	next, _ := runner.Continue(ctx, started.ThreadID, "and times 3?")
package agent
