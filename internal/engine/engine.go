package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"taskmesh/internal/blob"
	"taskmesh/internal/graph"
	"taskmesh/internal/metrics"
	"taskmesh/internal/queue"
	"taskmesh/internal/state"
)

const graphCacheSize = 1024

// CancelNotifier tells an executor to abandon a task, best effort. The
// dispatch layer implements it; a nil notifier means long-poll executors
// learn about cancellation when they next touch the task.
type CancelNotifier interface {
	NotifyCancel(executorID, taskID string)
}

// Engine owns every mutation of invocation and task state. Executors and
// handlers never write to the store directly; they report through the
// dispatch layer, which forwards terminal outcomes here.
type Engine struct {
	store    state.Store
	queue    *queue.Queue
	blobs    blob.Store
	bindings graph.ImageBindings
	graphs   *lru.Cache[string, *graph.Graph]

	retryLimit int
	metrics    *metrics.Collector
	notifier   CancelNotifier
	locks      *invLocks
	log        *slog.Logger
}

type Options struct {
	Store      state.Store
	Queue      *queue.Queue
	Blobs      blob.Store
	Bindings   graph.ImageBindings
	RetryLimit int
	Metrics    *metrics.Collector
	Notifier   CancelNotifier
	Logger     *slog.Logger
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("engine: queue is required")
	}
	if opts.Blobs == nil {
		return nil, fmt.Errorf("engine: blob store is required")
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = 3
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cache, err := lru.New[string, *graph.Graph](graphCacheSize)
	if err != nil {
		return nil, fmt.Errorf("engine: init graph cache: %w", err)
	}
	return &Engine{
		store:      opts.Store,
		queue:      opts.Queue,
		blobs:      opts.Blobs,
		bindings:   opts.Bindings,
		graphs:     cache,
		retryLimit: opts.RetryLimit,
		metrics:    opts.Metrics,
		notifier:   opts.Notifier,
		locks:      newInvLocks(),
		log:        opts.Logger,
	}, nil
}

// RegisterGraph validates a graph definition and stores it as a new
// version. Validation failures surface synchronously; nothing is persisted.
func (e *Engine) RegisterGraph(ctx context.Context, g *graph.Graph) error {
	if err := graph.Validate(g, e.bindings); err != nil {
		return err
	}
	if err := e.store.PutGraph(ctx, g); err != nil {
		return err
	}
	e.graphs.Add(g.Key(), g)
	e.log.Info("graph registered", "graph_id", g.ID, "version", g.Version, "nodes", len(g.Nodes))
	return nil
}

// Graph resolves a stored graph definition; version <= 0 means latest.
func (e *Engine) Graph(ctx context.Context, id string, version int) (*graph.Graph, error) {
	if version > 0 {
		if g, ok := e.graphs.Get(graph.Key(id, version)); ok {
			return g, nil
		}
	}
	g, err := e.store.GetGraph(ctx, id, version)
	if err != nil {
		return nil, err
	}
	e.graphs.Add(g.Key(), g)
	return g, nil
}

// Submit creates one invocation of a graph against an input object and
// queues its root tasks. Exactly one root task per zero-indegree node.
func (e *Engine) Submit(ctx context.Context, graphID string, version int, inputRef string) (string, error) {
	if strings.TrimSpace(graphID) == "" {
		return "", fmt.Errorf("engine: graph id is required")
	}
	if strings.TrimSpace(inputRef) == "" {
		return "", fmt.Errorf("engine: input ref is required")
	}
	g, err := e.Graph(ctx, graphID, version)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return "", fmt.Errorf("engine: graph %s: %w", graphID, err)
		}
		return "", err
	}

	now := time.Now().UTC()
	inv := &state.Invocation{
		ID:           uuid.NewString(),
		GraphID:      g.ID,
		GraphVersion: g.Version,
		Status:       state.InvocationPending,
		InputRef:     inputRef,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	roots := make([]*state.Task, 0, 2)
	for _, n := range g.Roots() {
		roots = append(roots, newTask(inv.ID, n, []string{inputRef}, now))
	}

	if err := e.store.CreateInvocation(ctx, inv, roots); err != nil {
		return "", err
	}

	release := e.locks.lock(inv.ID)
	defer release()

	for _, t := range roots {
		e.queue.Enqueue(*t)
	}
	inv.Status = state.InvocationRunning
	inv.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateInvocation(ctx, inv); err != nil {
		return "", err
	}

	e.log.Info("invocation submitted",
		"invocation_id", inv.ID, "graph_id", g.ID, "version", g.Version, "roots", len(roots))
	return inv.ID, nil
}

// Invocation returns the current invocation record.
func (e *Engine) Invocation(ctx context.Context, id string) (*state.Invocation, error) {
	return e.store.GetInvocation(ctx, id)
}

// Tasks returns the invocation's tasks, oldest first.
func (e *Engine) Tasks(ctx context.Context, invocationID string) ([]state.Task, error) {
	return e.store.ListTasks(ctx, invocationID)
}

// Cancel cooperatively stops an invocation: queued tasks leave the matcher
// immediately, in-flight tasks are marked Cancelled and their executors
// notified best effort. Already-terminal invocations are left untouched.
func (e *Engine) Cancel(ctx context.Context, invocationID string) error {
	release := e.locks.lock(invocationID)
	defer release()

	inv, err := e.store.GetInvocation(ctx, invocationID)
	if err != nil {
		return err
	}
	if inv.Status.Terminal() {
		return nil
	}
	if err := e.cancelLiveTasks(ctx, invocationID); err != nil {
		return err
	}
	inv.Status = state.InvocationFailed
	inv.ErrorSummary = "cancelled by client"
	inv.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateInvocation(ctx, inv); err != nil {
		return err
	}
	e.log.Info("invocation cancelled", "invocation_id", invocationID)
	return nil
}

// cancelLiveTasks transitions every non-terminal task of the invocation to
// Cancelled. Caller holds the invocation lock.
func (e *Engine) cancelLiveTasks(ctx context.Context, invocationID string) error {
	tasks, err := e.store.ListTasks(ctx, invocationID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range tasks {
		t := tasks[i]
		if !t.Status.Live() {
			continue
		}
		if t.Status == state.TaskCreated || t.Status == state.TaskQueued {
			e.queue.Remove(t.ID)
		}
		if t.ExecutorID != "" && e.notifier != nil {
			e.notifier.NotifyCancel(t.ExecutorID, t.ID)
		}
		t.Status = state.TaskCancelled
		t.UpdatedAt = now
		if err := e.store.UpdateTask(ctx, &t); err != nil {
			return err
		}
		e.metrics.TaskCancelled()
	}
	return nil
}

// newTask builds a task record in Queued state; tasks pass through Created
// only inside the creation transaction.
func newTask(invocationID string, n graph.Node, inputs []string, now time.Time) *state.Task {
	return &state.Task{
		ID:           uuid.NewString(),
		InvocationID: invocationID,
		NodeID:       n.ID,
		Function:     n.Function,
		Image:        n.Image,
		Status:       state.TaskQueued,
		InputRefs:    inputs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
