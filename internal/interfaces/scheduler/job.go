package scheduler

import "context"

// Job is a unit of work run by the worker pool.
type Job interface {
	// Execute runs the job. Implementations must respect ctx cancellation.
	Execute(ctx context.Context) error

	// Subject identifies what the job works on (an item id, "backfill"), for logs and traces.
	Subject() string

	Description() string
}
