package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"taskmesh/internal/blob"
	"taskmesh/internal/graph"
	"taskmesh/internal/queue"
	"taskmesh/internal/state"
	"taskmesh/internal/state/memory"
)

type fakeNotifier struct {
	mu    sync.Mutex
	calls [][2]string
}

func (f *fakeNotifier) NotifyCancel(executorID, taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, [2]string{executorID, taskID})
}

type testEnv struct {
	eng      *Engine
	store    *memory.Store
	queue    *queue.Queue
	blobs    *blob.MemoryStore
	notifier *fakeNotifier
}

func newTestEnv(t *testing.T, retryLimit int) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    memory.New(),
		queue:    queue.New(),
		blobs:    blob.NewMemoryStore(),
		notifier: &fakeNotifier{},
	}
	eng, err := New(Options{
		Store:      env.store,
		Queue:      env.queue,
		Blobs:      env.blobs,
		RetryLimit: retryLimit,
		Notifier:   env.notifier,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	env.eng = eng
	return env
}

func diamondGraph() *graph.Graph {
	return &graph.Graph{
		ID: "wf",
		Nodes: []graph.Node{
			{ID: "a", Function: "extract", Image: "img"},
			{ID: "b", Function: "left", Image: "img", DependsOn: []string{"a"}},
			{ID: "c", Function: "right", Image: "img", DependsOn: []string{"a"}},
			{ID: "d", Function: "join", Image: "img", DependsOn: []string{"b", "c"}},
		},
	}
}

func (env *testEnv) submit(t *testing.T, g *graph.Graph) string {
	t.Helper()
	ctx := context.Background()
	if err := env.eng.RegisterGraph(ctx, g); err != nil {
		t.Fatalf("RegisterGraph() error = %v", err)
	}
	invID, err := env.eng.Submit(ctx, g.ID, 0, "inputs/seed")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return invID
}

func (env *testEnv) tasksByNode(t *testing.T, invID string) map[string]state.Task {
	t.Helper()
	tasks, err := env.eng.Tasks(context.Background(), invID)
	if err != nil {
		t.Fatalf("Tasks() error = %v", err)
	}
	out := make(map[string]state.Task, len(tasks))
	for _, tk := range tasks {
		out[tk.NodeID] = tk
	}
	return out
}

func (env *testEnv) complete(t *testing.T, taskID, outputRef string) {
	t.Helper()
	err := env.eng.OnTaskTerminal(context.Background(), taskID, Outcome{
		Status:    state.TaskCompleted,
		OutputRef: outputRef,
	})
	if err != nil {
		t.Fatalf("OnTaskTerminal(completed) error = %v", err)
	}
}

func TestEngine_DiamondRunsToCompletion(t *testing.T) {
	env := newTestEnv(t, 3)
	ctx := context.Background()
	invID := env.submit(t, diamondGraph())

	inv, err := env.eng.Invocation(ctx, invID)
	if err != nil {
		t.Fatalf("Invocation() error = %v", err)
	}
	if inv.Status != state.InvocationRunning {
		t.Fatalf("invocation status after submit = %s, want running", inv.Status)
	}

	byNode := env.tasksByNode(t, invID)
	if len(byNode) != 1 {
		t.Fatalf("tasks after submit = %d, want only the root", len(byNode))
	}
	root := byNode["a"]
	if root.Status != state.TaskQueued {
		t.Fatalf("root status = %s, want queued", root.Status)
	}
	if len(root.InputRefs) != 1 || root.InputRefs[0] != "inputs/seed" {
		t.Fatalf("root inputs = %v, want the invocation input", root.InputRefs)
	}
	if env.queue.Depth("img") != 1 {
		t.Fatalf("queue depth = %d, want 1", env.queue.Depth("img"))
	}

	env.complete(t, root.ID, "out/a")

	byNode = env.tasksByNode(t, invID)
	if len(byNode) != 3 {
		t.Fatalf("tasks after root completion = %d, want a, b, c", len(byNode))
	}
	for _, node := range []string{"b", "c"} {
		tk, ok := byNode[node]
		if !ok || tk.Status != state.TaskQueued {
			t.Fatalf("task %s = %+v, want queued", node, tk)
		}
		if len(tk.InputRefs) != 1 || tk.InputRefs[0] != "out/a" {
			t.Fatalf("task %s inputs = %v, want [out/a]", node, tk.InputRefs)
		}
	}

	// Fan-in waits for the last dependency and orders inputs by the
	// dependency declaration, not by completion order.
	env.complete(t, byNode["c"].ID, "out/c")
	if _, ok := env.tasksByNode(t, invID)["d"]; ok {
		t.Fatalf("join task created before all dependencies completed")
	}
	env.complete(t, byNode["b"].ID, "out/b")

	byNode = env.tasksByNode(t, invID)
	join, ok := byNode["d"]
	if !ok {
		t.Fatalf("join task missing after both dependencies completed")
	}
	if len(join.InputRefs) != 2 || join.InputRefs[0] != "out/b" || join.InputRefs[1] != "out/c" {
		t.Fatalf("join inputs = %v, want [out/b out/c] in declaration order", join.InputRefs)
	}

	env.complete(t, join.ID, "out/d")

	inv, _ = env.eng.Invocation(ctx, invID)
	if inv.Status != state.InvocationCompleted {
		t.Fatalf("invocation status = %s, want completed", inv.Status)
	}
	if inv.OutputRef != "out/d" {
		t.Fatalf("invocation output = %q, want the sink output", inv.OutputRef)
	}
}

func TestEngine_MultiRootSeedsEveryRoot(t *testing.T) {
	env := newTestEnv(t, 3)
	g := &graph.Graph{
		ID: "wf",
		Nodes: []graph.Node{
			{ID: "a", Function: "fetch", Image: "img"},
			{ID: "b", Function: "scan", Image: "other"},
			{ID: "c", Function: "merge", Image: "img", DependsOn: []string{"a", "b"}},
		},
	}
	invID := env.submit(t, g)

	byNode := env.tasksByNode(t, invID)
	if len(byNode) != 2 {
		t.Fatalf("tasks after submit = %d, want one per root", len(byNode))
	}
	for _, node := range []string{"a", "b"} {
		tk, ok := byNode[node]
		if !ok || tk.Status != state.TaskQueued {
			t.Fatalf("root %s = %+v, want queued", node, tk)
		}
		if len(tk.InputRefs) != 1 || tk.InputRefs[0] != "inputs/seed" {
			t.Fatalf("root %s inputs = %v, want the invocation input", node, tk.InputRefs)
		}
	}
	if env.queue.Depth("img") != 1 || env.queue.Depth("other") != 1 {
		t.Fatalf("queue depths = %d/%d, want one task on each image",
			env.queue.Depth("img"), env.queue.Depth("other"))
	}
}

func TestEngine_MultiSinkWritesManifest(t *testing.T) {
	env := newTestEnv(t, 3)
	ctx := context.Background()
	g := &graph.Graph{
		ID: "wf",
		Nodes: []graph.Node{
			{ID: "a", Function: "extract", Image: "img"},
			{ID: "b", Function: "left", Image: "img", DependsOn: []string{"a"}},
			{ID: "c", Function: "right", Image: "img", DependsOn: []string{"a"}},
		},
	}
	invID := env.submit(t, g)

	env.complete(t, env.tasksByNode(t, invID)["a"].ID, "out/a")
	byNode := env.tasksByNode(t, invID)
	env.complete(t, byNode["b"].ID, "out/b")
	env.complete(t, byNode["c"].ID, "out/c")

	inv, _ := env.eng.Invocation(ctx, invID)
	if inv.Status != state.InvocationCompleted {
		t.Fatalf("invocation status = %s, want completed", inv.Status)
	}
	raw, err := env.blobs.Get(ctx, inv.OutputRef)
	if err != nil {
		t.Fatalf("manifest Get(%s) error = %v", inv.OutputRef, err)
	}
	var manifest map[string]string
	if err := json.Unmarshal(raw, &manifest); err != nil {
		t.Fatalf("manifest decode error = %v", err)
	}
	if manifest["b"] != "out/b" || manifest["c"] != "out/c" {
		t.Fatalf("manifest = %v, want both sink outputs", manifest)
	}
}

func TestEngine_RetryThenPermanentFailure(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()
	g := &graph.Graph{
		ID: "wf",
		Nodes: []graph.Node{
			{ID: "a", Function: "flaky", Image: "img"},
			{ID: "b", Function: "other", Image: "img"},
		},
	}
	invID := env.submit(t, g)
	taskA := env.tasksByNode(t, invID)["a"]

	fail := func() error {
		return env.eng.OnTaskTerminal(ctx, taskA.ID, Outcome{Status: state.TaskFailed, Error: "boom"})
	}

	if err := fail(); err != nil {
		t.Fatalf("OnTaskTerminal(failed) error = %v", err)
	}
	got := env.tasksByNode(t, invID)["a"]
	if got.Status != state.TaskQueued || got.Retries != 1 {
		t.Fatalf("after first failure: status=%s retries=%d, want queued/1", got.Status, got.Retries)
	}

	if err := fail(); err != nil {
		t.Fatalf("OnTaskTerminal(failed) error = %v", err)
	}
	byNode := env.tasksByNode(t, invID)
	if byNode["a"].Status != state.TaskFailed {
		t.Fatalf("after exhausted retries: status = %s, want failed", byNode["a"].Status)
	}
	if byNode["b"].Status != state.TaskCancelled {
		t.Fatalf("sibling task status = %s, want cancelled", byNode["b"].Status)
	}

	inv, _ := env.eng.Invocation(ctx, invID)
	if inv.Status != state.InvocationFailed {
		t.Fatalf("invocation status = %s, want failed", inv.Status)
	}
	if inv.ErrorSummary == "" {
		t.Fatalf("invocation error summary is empty")
	}

	// The cancelled sibling must have left the matcher.
	for {
		tk, ok := env.queue.Claim("img")
		if !ok {
			break
		}
		if tk.NodeID == "b" {
			t.Fatalf("cancelled task still claimable")
		}
	}
}

func TestEngine_CancelInvocation(t *testing.T) {
	env := newTestEnv(t, 3)
	ctx := context.Background()
	invID := env.submit(t, diamondGraph())

	// Simulate an executor holding the root.
	root := env.tasksByNode(t, invID)["a"]
	root.Status = state.TaskRunning
	root.ExecutorID = "ex-1"
	if err := env.store.UpdateTask(ctx, &root); err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}

	if err := env.eng.Cancel(ctx, invID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	inv, _ := env.eng.Invocation(ctx, invID)
	if inv.Status != state.InvocationFailed || inv.ErrorSummary != "cancelled by client" {
		t.Fatalf("invocation after cancel = %s/%q, want failed/cancelled by client", inv.Status, inv.ErrorSummary)
	}
	if got := env.tasksByNode(t, invID)["a"].Status; got != state.TaskCancelled {
		t.Fatalf("root status after cancel = %s, want cancelled", got)
	}
	if len(env.notifier.calls) != 1 || env.notifier.calls[0] != [2]string{"ex-1", root.ID} {
		t.Fatalf("notifier calls = %v, want the owning executor notified", env.notifier.calls)
	}

	// Cancel on a terminal invocation is a no-op.
	if err := env.eng.Cancel(ctx, invID); err != nil {
		t.Fatalf("Cancel() twice error = %v", err)
	}
}

func TestEngine_LateReportAfterCancelIsDiscarded(t *testing.T) {
	env := newTestEnv(t, 3)
	ctx := context.Background()
	invID := env.submit(t, diamondGraph())
	root := env.tasksByNode(t, invID)["a"]

	if err := env.eng.Cancel(ctx, invID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	env.complete(t, root.ID, "out/a")

	byNode := env.tasksByNode(t, invID)
	if byNode["a"].Status != state.TaskCancelled {
		t.Fatalf("cancelled task overwritten by late completion: %s", byNode["a"].Status)
	}
	if len(byNode) != 1 {
		t.Fatalf("late completion expanded successors: %d tasks", len(byNode))
	}
}

func TestEngine_DuplicateCompletionIsIdempotent(t *testing.T) {
	env := newTestEnv(t, 3)
	invID := env.submit(t, diamondGraph())
	root := env.tasksByNode(t, invID)["a"]

	// Take the root off the matcher the way dispatch would.
	if _, ok := env.queue.Claim("img"); !ok {
		t.Fatalf("root task not claimable")
	}

	env.complete(t, root.ID, "out/a")
	env.complete(t, root.ID, "out/a-again")

	byNode := env.tasksByNode(t, invID)
	if got := byNode["a"].OutputRef; got != "out/a" {
		t.Fatalf("duplicate completion rewrote output: %q", got)
	}
	if len(byNode) != 3 {
		t.Fatalf("duplicate completion changed task count: %d", len(byNode))
	}
	if env.queue.Depth("img") != 2 {
		t.Fatalf("queue depth = %d, want 2 (no duplicate successors)", env.queue.Depth("img"))
	}
}

func TestEngine_RecoverResumesExpansion(t *testing.T) {
	env := newTestEnv(t, 3)
	ctx := context.Background()
	invID := env.submit(t, diamondGraph())
	root := env.tasksByNode(t, invID)["a"]

	// Crash between completion and expansion: the task is Completed but
	// not Expanded and no successors exist.
	root.Status = state.TaskCompleted
	root.OutputRef = "out/a"
	if err := env.store.UpdateTask(ctx, &root); err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}

	// Fresh engine over the same store, as after a restart.
	restarted := newTestEnv(t, 3)
	restarted.store = env.store
	eng, err := New(Options{
		Store:  env.store,
		Queue:  restarted.queue,
		Blobs:  restarted.blobs,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := eng.Recover(ctx); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	tasks, err := eng.Tasks(ctx, invID)
	if err != nil {
		t.Fatalf("Tasks() error = %v", err)
	}
	nodes := make(map[string]state.Task, len(tasks))
	for _, tk := range tasks {
		nodes[tk.NodeID] = tk
	}
	if !nodes["a"].Expanded {
		t.Fatalf("recovered task not marked expanded")
	}
	for _, node := range []string{"b", "c"} {
		if tk, ok := nodes[node]; !ok || tk.Status != state.TaskQueued {
			t.Fatalf("successor %s after recovery = %+v, want queued", node, tk)
		}
	}
	if restarted.queue.Depth("img") != 2 {
		t.Fatalf("rebuilt queue depth = %d, want 2", restarted.queue.Depth("img"))
	}
}

func TestEngine_ReleaseExecutorRequeues(t *testing.T) {
	env := newTestEnv(t, 3)
	ctx := context.Background()
	invID := env.submit(t, diamondGraph())
	root := env.tasksByNode(t, invID)["a"]

	root.Status = state.TaskRunning
	root.ExecutorID = "ex-1"
	if err := env.store.UpdateTask(ctx, &root); err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}
	// Drain what Submit queued so the requeue is observable.
	env.queue.Rebuild(nil)

	released, err := env.eng.ReleaseExecutor(ctx, "ex-1")
	if err != nil {
		t.Fatalf("ReleaseExecutor() error = %v", err)
	}
	if released != 1 {
		t.Fatalf("ReleaseExecutor() = %d, want 1", released)
	}

	got := env.tasksByNode(t, invID)["a"]
	if got.Status != state.TaskQueued || got.Retries != 1 || got.ExecutorID != "" {
		t.Fatalf("released task = %+v, want queued, retries=1, no owner", got)
	}
	if env.queue.Depth("img") != 1 {
		t.Fatalf("queue depth after release = %d, want 1", env.queue.Depth("img"))
	}
}

func TestEngine_ReleaseExecutorHitsRetryLimit(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()
	invID := env.submit(t, diamondGraph())
	root := env.tasksByNode(t, invID)["a"]

	root.Status = state.TaskAssigned
	root.ExecutorID = "ex-1"
	if err := env.store.UpdateTask(ctx, &root); err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}

	if _, err := env.eng.ReleaseExecutor(ctx, "ex-1"); err != nil {
		t.Fatalf("ReleaseExecutor() error = %v", err)
	}

	if got := env.tasksByNode(t, invID)["a"].Status; got != state.TaskFailed {
		t.Fatalf("task status = %s, want failed at the retry limit", got)
	}
	inv, _ := env.eng.Invocation(ctx, invID)
	if inv.Status != state.InvocationFailed {
		t.Fatalf("invocation status = %s, want failed", inv.Status)
	}
}

func TestEngine_SubmitUnknownGraph(t *testing.T) {
	env := newTestEnv(t, 3)
	if _, err := env.eng.Submit(context.Background(), "missing", 0, "inputs/seed"); err == nil {
		t.Fatalf("Submit() for unknown graph succeeded")
	}
}
