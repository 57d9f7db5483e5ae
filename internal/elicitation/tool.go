package elicitation

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/agentfront/enclave/internal/slot"
)

// callSeq gives each elicit() call within a process a distinct callID
// without depending on time.Now or math/rand, mirroring pool's own
// execution-id counter. Concurrent executions share it, so it must be
// touched atomically.
var callSeq uint64

// Tool builds the elicit(prompt, schema) host tool handler for a
// single execution. executionID must match the id the caller
// correlated with this request in internal/sessionctx and the audit
// sink. notify, if non-nil, is invoked once per call the instant the
// request is recorded so the SSE transport can surface it without
// polling Mongo.
func Tool(store *Store, executionID string, notify PendingNotifier) slot.ToolHandler {
	return func(ctx context.Context, args interface{}) (interface{}, error) {
		m, ok := args.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("elicit: expected {prompt, schema} arguments")
		}
		prompt, _ := m["prompt"].(string)
		if prompt == "" {
			return nil, fmt.Errorf("elicit: prompt is required")
		}

		callID := fmt.Sprintf("elicit-%d", atomic.AddUint64(&callSeq, 1))

		req := Request{ExecutionID: executionID, CallID: callID, Prompt: prompt, Schema: m["schema"]}
		if err := store.Ask(ctx, req); err != nil {
			return nil, fmt.Errorf("elicit: record request: %w", err)
		}
		if notify != nil {
			notify(req)
		}

		deadline, ok := ctx.Deadline()
		if !ok {
			return nil, fmt.Errorf("elicit: requires a request with a bounded timeout")
		}

		value, err := store.Await(ctx, executionID, callID, time.Until(deadline))
		if err != nil {
			return nil, err
		}
		return value, nil
	}
}
