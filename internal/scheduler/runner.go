package scheduler

import (
	"context"
	"encoding/json"
)

// Runner is the caller-supplied job body: it turns an opaque payload into an
// opaque result. The scheduler never inspects either side. Implementations
// must be safe for concurrent invocation and should honor ctx cancellation;
// a body that ignores ctx is only bounded by the job deadline.
//
// Failures are classified through the error chain: wrap with queue.Permanent
// to suppress retries, queue.Transient (or leave unwrapped) for retryable
// failures.
type Runner interface {
	Run(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

func (f RunnerFunc) Run(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, payload)
}
