// Package queue implements the priority task queue (spec.md §C1): an
// in-process heap for single-master deployments and a Redis sorted-set
// backend for multi-master deployments that need to share a backlog.
// Lower priority values dequeue first; ties break by enqueue time.
package queue

import (
	"context"

	"github.com/antcode/antcode/pkg/types"
)

// Queue is the behavioural surface both backends implement.
type Queue interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Enqueue adds a task. It returns false, not an error, if the task is
	// already queued (duplicate task_id) — matching the original's
	// reject-on-duplicate semantics rather than erroring.
	Enqueue(ctx context.Context, taskID string, projectID int64, projectType types.ProjectType, priority int, data map[string]any) (bool, error)

	// Dequeue pops the highest-priority task, or returns ok=false if the
	// queue is empty.
	Dequeue(ctx context.Context) (task *types.QueuedTask, ok bool, err error)

	// Cancel removes a queued task. Returns false if it was not present.
	Cancel(ctx context.Context, taskID string) (bool, error)

	// UpdatePriority re-scores a queued task, preserving its enqueue time.
	UpdatePriority(ctx context.Context, taskID string, newPriority int) (bool, error)

	Contains(ctx context.Context, taskID string) (bool, error)
	Size(ctx context.Context) (int, error)
	Peek(ctx context.Context) (task *types.QueuedTask, ok bool, err error)

	// Clear drains the queue and returns the number of tasks removed.
	Clear(ctx context.Context) (int, error)

	Stats() Stats
}

// Stats mirrors the original backend's running counters, exposed for
// admin/introspection endpoints.
type Stats struct {
	Enqueued        int64
	Dequeued        int64
	Cancelled       int64
	PriorityUpdates int64
}
