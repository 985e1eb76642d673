package warden

import "context"

// Executor runs one agent task in-process. Register executors with
// WithExecutor; agents without one are called over HTTP at their catalog
// endpoint.
//
// Execute should honor ctx. A task that overruns its timeout is abandoned
// and its late result discarded.
type Executor interface {
	Execute(ctx context.Context, t Task) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, t Task) (Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, t Task) (Result, error) { return f(ctx, t) }

// Notifier delivers composed briefings. When provided via WithNotifier it
// replaces the NATS or log delivery chosen from config. A returned error is
// retried once, then recorded on the stored briefing.
type Notifier interface {
	Notify(ctx context.Context, b Briefing) error
}
