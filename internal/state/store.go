package state

import (
	"context"
	"errors"

	"taskmesh/internal/graph"
)

var (
	ErrNotFound = errors.New("state: not found")
	ErrConflict = errors.New("state: conflicting write")
)

// Store is the durable record of graph definitions, invocations and tasks.
// The execution engine is the single writer; everything else reads.
//
// CreateInvocation and CompleteTaskAndExpand are atomic: either all records
// land or none do. A crash between recording a completed task and creating
// its successors must be recoverable, which is what the Expanded flag and
// ListUnexpandedTasks exist for.
type Store interface {
	// Graphs. PutGraph assigns the next version when g.Version is zero.
	// GetGraph resolves version <= 0 to the latest stored version.
	PutGraph(ctx context.Context, g *graph.Graph) error
	GetGraph(ctx context.Context, id string, version int) (*graph.Graph, error)

	CreateInvocation(ctx context.Context, inv *Invocation, roots []*Task) error
	GetInvocation(ctx context.Context, id string) (*Invocation, error)
	UpdateInvocation(ctx context.Context, inv *Invocation) error

	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
	ListTasks(ctx context.Context, invocationID string) ([]Task, error)

	// AssignTask atomically moves a Queued task to Assigned and binds it
	// to executorID. Returns ErrConflict when the task is no longer
	// Queued, so a concurrent cancellation can never be overwritten.
	AssignTask(ctx context.Context, id, executorID string) (*Task, error)

	// StartTask atomically moves an Assigned task owned by executorID to
	// Running. Returns ErrConflict when the status or owner changed.
	StartTask(ctx context.Context, id, executorID string) (*Task, error)

	// CompleteTaskAndExpand records t as terminal-and-expanded and creates
	// its successor tasks in one transaction.
	CompleteTaskAndExpand(ctx context.Context, t *Task, successors []*Task) error

	// ListQueuedTasks returns every Queued task across all invocations,
	// oldest first. Used to rebuild the in-memory matcher after a restart.
	ListQueuedTasks(ctx context.Context) ([]Task, error)

	// ListUnexpandedTasks returns Completed tasks whose successors were
	// never created (crash between completion and expansion).
	ListUnexpandedTasks(ctx context.Context) ([]Task, error)

	// ListOwnedTasks returns the Assigned/Running tasks held by an executor.
	ListOwnedTasks(ctx context.Context, executorID string) ([]Task, error)
}
