package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"taskmesh/internal/graph"
	"taskmesh/internal/state"
)

// Outcome is the terminal result an executor reported for a task.
type Outcome struct {
	Status    state.TaskStatus // Completed, Failed or Cancelled
	OutputRef string
	Error     string
}

// OnTaskTerminal advances the invocation after a task reached a terminal
// outcome. Processing is serialized per invocation, in the order reports
// were accepted by dispatch. Reports for tasks that are already terminal
// (double delivery, post-cancellation completion) are discarded without
// side effects.
func (e *Engine) OnTaskTerminal(ctx context.Context, taskID string, out Outcome) error {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	release := e.locks.lock(t.InvocationID)
	defer release()

	// Re-read under the invocation lock; the task may have been requeued or
	// cancelled while the report was in flight.
	t, err = e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		e.log.Debug("discarding report for terminal task",
			"task_id", t.ID, "status", t.Status, "reported", out.Status)
		return nil
	}

	inv, err := e.store.GetInvocation(ctx, t.InvocationID)
	if err != nil {
		return err
	}

	switch out.Status {
	case state.TaskCompleted:
		return e.completeTask(ctx, inv, t, out.OutputRef)
	case state.TaskFailed:
		return e.failTask(ctx, inv, t, out.Error)
	case state.TaskCancelled:
		t.Status = state.TaskCancelled
		t.Error = out.Error
		t.UpdatedAt = time.Now().UTC()
		e.metrics.TaskCancelled()
		return e.store.UpdateTask(ctx, t)
	default:
		return fmt.Errorf("engine: outcome status %q is not terminal", out.Status)
	}
}

// completeTask records the output, creates every downstream task whose
// dependencies are now all satisfied (atomically with the completion), and
// closes the invocation when nothing is left to run.
func (e *Engine) completeTask(ctx context.Context, inv *state.Invocation, t *state.Task, outputRef string) error {
	now := time.Now().UTC()
	t.Status = state.TaskCompleted
	t.OutputRef = outputRef
	t.UpdatedAt = now

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

	successors := expandDownstream(g, t.NodeID, byNode, now)
	if err := e.store.CompleteTaskAndExpand(ctx, t, successors); err != nil {
		return err
	}
	for _, n := range successors {
		byNode[n.NodeID] = n
		e.queue.Enqueue(*n)
	}

	e.metrics.TaskCompleted()
	e.metrics.ObserveTaskLatency(now.Sub(t.CreatedAt))
	e.log.Info("task completed",
		"task_id", t.ID, "invocation_id", inv.ID, "node", t.NodeID, "successors", len(successors))

	return e.maybeCompleteInvocation(ctx, inv, g, byNode)
}

// expandDownstream returns new tasks for every downstream node of nodeID
// whose upstream tasks are all Completed. Fan-in inputs follow the node's
// dependency declaration order, not completion order.
func expandDownstream(g *graph.Graph, nodeID string, byNode map[string]*state.Task, now time.Time) []*state.Task {
	successors := make([]*state.Task, 0, 2)
	for _, d := range g.Downstream(nodeID) {
		if _, exists := byNode[d.ID]; exists {
			continue
		}
		inputs := make([]string, 0, len(d.DependsOn))
		ready := true
		for _, dep := range d.DependsOn {
			up, ok := byNode[dep]
			if !ok || up.Status != state.TaskCompleted {
				ready = false
				break
			}
			inputs = append(inputs, up.OutputRef)
		}
		if !ready {
			continue
		}
		successors = append(successors, newTask(byNode[nodeID].InvocationID, d, inputs, now))
	}
	return successors
}

// maybeCompleteInvocation closes the invocation once no task is live and
// none failed. The final output is the sink task's output; with multiple
// sinks a JSON manifest of sink outputs is written to the blob store.
func (e *Engine) maybeCompleteInvocation(ctx context.Context, inv *state.Invocation, g *graph.Graph, byNode map[string]*state.Task) error {
	for _, t := range byNode {
		if t.Status.Live() || t.Status == state.TaskFailed {
			return nil
		}
	}
	// All graph nodes must have run; a completed subset is not completion.
	for _, n := range g.Nodes {
		t, ok := byNode[n.ID]
		if !ok || t.Status != state.TaskCompleted {
			return nil
		}
	}

	outputRef, err := e.finalOutputRef(ctx, inv, g, byNode)
	if err != nil {
		return err
	}
	inv.Status = state.InvocationCompleted
	inv.OutputRef = outputRef
	inv.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateInvocation(ctx, inv); err != nil {
		return err
	}
	e.log.Info("invocation completed", "invocation_id", inv.ID, "output_ref", outputRef)
	return nil
}

func (e *Engine) finalOutputRef(ctx context.Context, inv *state.Invocation, g *graph.Graph, byNode map[string]*state.Task) (string, error) {
	sinks := g.Sinks()
	if len(sinks) == 1 {
		return byNode[sinks[0].ID].OutputRef, nil
	}
	manifest := make(map[string]string, len(sinks))
	for _, n := range sinks {
		manifest[n.ID] = byNode[n.ID].OutputRef
	}
	raw, err := json.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("engine: marshal result manifest: %w", err)
	}
	ref, err := e.blobs.Put(ctx, inv.ID+"/result.json", raw)
	if err != nil {
		return "", fmt.Errorf("engine: write result manifest: %w", err)
	}
	return ref, nil
}

// failTask applies the retry policy. Within the bound the task is requeued
// with its retry count incremented; past it the task fails permanently, the
// invocation fails, and the remaining tasks are cancelled cooperatively.
func (e *Engine) failTask(ctx context.Context, inv *state.Invocation, t *state.Task, msg string) error {
	now := time.Now().UTC()
	t.Retries++
	t.Error = msg
	t.ExecutorID = ""
	t.UpdatedAt = now

	if t.Retries < e.retryLimit {
		t.Status = state.TaskQueued
		if err := e.store.UpdateTask(ctx, t); err != nil {
			return err
		}
		e.queue.Enqueue(*t)
		e.metrics.TaskRetried()
		e.log.Warn("task failed, requeued",
			"task_id", t.ID, "invocation_id", inv.ID, "retries", t.Retries, "error", msg)
		return nil
	}

	return e.failPermanently(ctx, inv, t, msg)
}

// failPermanently marks the task Failed, cancels the invocation's remaining
// tasks and fails the invocation with an error summary. Caller holds the
// invocation lock.
func (e *Engine) failPermanently(ctx context.Context, inv *state.Invocation, t *state.Task, msg string) error {
	now := time.Now().UTC()
	t.Status = state.TaskFailed
	t.UpdatedAt = now
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return err
	}
	e.metrics.TaskFailed()
	e.metrics.ObserveTaskLatency(now.Sub(t.CreatedAt))
	e.log.Error("task failed permanently",
		"task_id", t.ID, "invocation_id", inv.ID, "node", t.NodeID, "retries", t.Retries, "error", msg)

	if err := e.cancelLiveTasks(ctx, inv.ID); err != nil {
		return err
	}
	inv.Status = state.InvocationFailed
	inv.ErrorSummary = fmt.Sprintf("node %s failed after %d attempts: %s", t.NodeID, t.Retries, msg)
	inv.UpdatedAt = time.Now().UTC()
	return e.store.UpdateInvocation(ctx, inv)
}
