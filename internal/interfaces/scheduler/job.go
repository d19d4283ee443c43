package scheduler

import "context"

// Job is a unit of work run by the worker pool.
type Job interface {
	Execute(ctx context.Context) error
	// Key identifies the work so that the same job is never queued or
	// running twice at once.
	Key() string
	UserID() int64
	Description() string
}
