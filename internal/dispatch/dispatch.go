// Package dispatch hands queued render job IDs to workers. The Redis-backed
// dispatcher survives process restarts; the channel-backed one serves tests
// and single-process deployments.
package dispatch

import "context"

// Executor runs one render job to completion. Implemented by the app service.
type Executor interface {
	ExecuteRenderJob(ctx context.Context, jobID string) error
}

// Dispatcher accepts job IDs for asynchronous execution.
type Dispatcher interface {
	Enqueue(ctx context.Context, jobID string) error
	// Close stops the workers and waits for in-flight jobs.
	Close() error
}
