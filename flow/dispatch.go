package flow

import (
	"context"
	"time"
)

// DispatchRequest carries everything an executor needs to perform one
// step's action. Params are fully rendered (templates resolved) before
// dispatch; the request never contains raw secret references.
type DispatchRequest struct {
	RunID  string
	NodeID string
	StepID string

	// Action is the operation name the executor understands.
	Action string

	// Channel is the agent channel of the owning node, used to find a
	// capable executor when the step has no explicit binding.
	Channel string

	// Params are the rendered step parameters.
	Params map[string]any

	// Binding is the step's compiled executor binding; its zero value
	// means "resolve by channel and action".
	Binding ExecutorBinding

	// Timeout bounds the external call. Zero means the dispatcher's
	// default.
	Timeout time.Duration

	// Async requests fire-and-forget delegation: the dispatcher hands
	// the work off and the run suspends until an external resume.
	Async bool
}

// Dispatcher resolves an executor for a request and performs the call.
//
// Implementations return the executor's result object on success. A
// failure is reported as an *Error whose Kind distinguishes transport
// problems (KindDispatch), executor-reported failures (KindAgentError),
// and unresolvable routes (KindNoExecutor) so the retry policy can
// treat them differently.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (map[string]any, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, req DispatchRequest) (map[string]any, error)

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, req DispatchRequest) (map[string]any, error) {
	return f(ctx, req)
}
