package engine

import (
	"context"
	"time"

	"taskmesh/internal/state"
)

// Recover restores in-memory scheduling state after a restart: it resumes
// the expansion of tasks that completed without their successors being
// created (crash between the two), then rebuilds the matcher from the
// store's queued tasks.
func (e *Engine) Recover(ctx context.Context) error {
	unexpanded, err := e.store.ListUnexpandedTasks(ctx)
	if err != nil {
		return err
	}
	for i := range unexpanded {
		t := unexpanded[i]
		if err := e.resumeExpansion(ctx, &t); err != nil {
			return err
		}
	}

	queued, err := e.store.ListQueuedTasks(ctx)
	if err != nil {
		return err
	}
	e.queue.Rebuild(queued)

	e.log.Info("state recovered", "resumed_expansions", len(unexpanded), "requeued", len(queued))
	return nil
}

func (e *Engine) resumeExpansion(ctx context.Context, t *state.Task) error {
	release := e.locks.lock(t.InvocationID)
	defer release()

	inv, err := e.store.GetInvocation(ctx, t.InvocationID)
	if err != nil {
		return err
	}
	if inv.Status.Terminal() {
		// Nothing to resume, but don't rescan it on the next restart.
		t.UpdatedAt = time.Now().UTC()
		t.Expanded = true
		return e.store.UpdateTask(ctx, t)
	}

	g, err := e.Graph(ctx, inv.GraphID, inv.GraphVersion)
	if err != nil {
		return err
	}
	tasks, err := e.store.ListTasks(ctx, inv.ID)
	if err != nil {
		return err
	}
	byNode := make(map[string]*state.Task, len(tasks))
	for i := range tasks {
		byNode[tasks[i].NodeID] = &tasks[i]
	}
	byNode[t.NodeID] = t

	now := time.Now().UTC()
	successors := expandDownstream(g, t.NodeID, byNode, now)
	t.UpdatedAt = now
	if err := e.store.CompleteTaskAndExpand(ctx, t, successors); err != nil {
		return err
	}
	for _, n := range successors {
		byNode[n.NodeID] = n
		e.queue.Enqueue(*n)
	}
	e.log.Info("resumed task expansion",
		"task_id", t.ID, "invocation_id", inv.ID, "successors", len(successors))

	return e.maybeCompleteInvocation(ctx, inv, g, byNode)
}

// ReleaseExecutor requeues every task the executor held, incrementing the
// retry count: the at-least-once contract on executor loss. Returns how
// many tasks were released.
func (e *Engine) ReleaseExecutor(ctx context.Context, executorID string) (int, error) {
	owned, err := e.store.ListOwnedTasks(ctx, executorID)
	if err != nil {
		return 0, err
	}
	released := 0
	for i := range owned {
		t := owned[i]
		if err := e.releaseTask(ctx, &t, executorID); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

func (e *Engine) releaseTask(ctx context.Context, t *state.Task, executorID string) error {
	release := e.locks.lock(t.InvocationID)
	defer release()

	// Re-read: the executor may have reported a result just before its
	// eviction was processed.
	cur, err := e.store.GetTask(ctx, t.ID)
	if err != nil {
		return err
	}
	if cur.ExecutorID != executorID || !(cur.Status == state.TaskAssigned || cur.Status == state.TaskRunning) {
		return nil
	}
	cur.ExecutorID = ""
	cur.Retries++
	cur.UpdatedAt = time.Now().UTC()

	if cur.Retries >= e.retryLimit {
		inv, err := e.store.GetInvocation(ctx, cur.InvocationID)
		if err != nil {
			return err
		}
		return e.failPermanently(ctx, inv, cur, "executor lost, retry limit reached")
	}

	cur.Status = state.TaskQueued
	if err := e.store.UpdateTask(ctx, cur); err != nil {
		return err
	}
	e.queue.Enqueue(*cur)
	e.metrics.TaskRetried()
	e.log.Warn("task released from lost executor",
		"task_id", cur.ID, "invocation_id", cur.InvocationID, "executor_id", executorID, "retries", cur.Retries)
	return nil
}
