package engine

import (
	"context"
	"time"

	"taskpilot/internal/task"
)

// Result is the outcome of one execution attempt.
type Result struct {
	Success      bool
	Output       string
	ErrorMessage string
	Duration     time.Duration
}

// Executor performs the side effect a task describes: delivering a reminder,
// issuing a device command, whatever the host wires in. Implementations must
// honor ctx cancellation; the engine enforces a per-attempt timeout.
type Executor interface {
	Execute(ctx context.Context, t *task.Task) (Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, t *task.Task) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, t *task.Task) (Result, error) {
	return f(ctx, t)
}
