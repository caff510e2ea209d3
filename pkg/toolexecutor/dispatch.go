package toolexecutor

import (
	"context"
	"sync"

	"github.com/harun/threadagent/pkg/conversation"
	"github.com/rs/zerolog/log"
)

// Dispatch executes every call independently and returns one tool message per
// call, each tagged with its call's id. Calls run concurrently; the returned
// slice follows call order but consumers should correlate by ToolCallID.
//
// Tool failures become error messages. The only error returned is the
// context's, when ctx ends before all calls finish; the partial results are
// discarded in that case.
func (te *ToolExecutor) Dispatch(ctx context.Context, calls []conversation.ToolCall) ([]conversation.Message, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make([]conversation.Message, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(i int, call conversation.ToolCall) {
			defer wg.Done()

			result := te.Execute(ctx, call.Name, call.Arguments)
			results[i] = conversation.ToolResultMessage(call.ID, result.Content())

			log.Debug().
				Str("tool", call.Name).
				Str("tool_call_id", call.ID).
				Bool("success", result.Success).
				Msg("Tool call dispatched")
		}(i, call)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
