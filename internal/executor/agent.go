package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"taskmesh/internal/blob"
	"taskmesh/internal/state"
)

// Function is the unit of user code an executor can run. Inputs arrive in
// the task's dependency declaration order; the returned bytes become the
// task's output object.
type Function func(ctx context.Context, inputs [][]byte) ([]byte, error)

// Options configures an Agent. Image names the runtime environment this
// process provides; only tasks bound to that image are dispatched to it.
type Options struct {
	ServerURL string
	Image     string
	Capacity  int
	Blobs     blob.Store
	Logger    *slog.Logger
}

// Agent is a single executor process: it registers with the orchestrator,
// claims tasks for its image, runs the matching registered function and
// reports the outcome.
type Agent struct {
	client   *Client
	image    string
	capacity int
	blobs    blob.Store
	log      *slog.Logger

	mu        sync.RWMutex
	functions map[string]Function

	load atomic.Int64
}

func NewAgent(opts Options) (*Agent, error) {
	if strings.TrimSpace(opts.ServerURL) == "" {
		return nil, fmt.Errorf("executor: server url is required")
	}
	if strings.TrimSpace(opts.Image) == "" {
		return nil, fmt.Errorf("executor: image is required")
	}
	if opts.Blobs == nil {
		return nil, fmt.Errorf("executor: blob store is required")
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Agent{
		client:    NewClient(opts.ServerURL),
		image:     strings.TrimSpace(opts.Image),
		capacity:  capacity,
		blobs:     opts.Blobs,
		log:       log.With("image", opts.Image),
		functions: make(map[string]Function),
	}, nil
}

// RegisterFunction binds user code to a node function name. Tasks for
// unknown functions are reported failed.
func (a *Agent) RegisterFunction(name string, fn Function) error {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return fmt.Errorf("executor: function name and body are required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.functions[name]; ok {
		return fmt.Errorf("executor: function %q already registered", name)
	}
	a.functions[name] = fn
	return nil
}

func (a *Agent) function(name string) (Function, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	fn, ok := a.functions[name]
	return fn, ok
}

// Run registers the executor and pumps the claim loop until ctx is
// cancelled, then drains in-flight tasks and deregisters so queued work is
// released immediately instead of waiting out the heartbeat timeout.
func (a *Agent) Run(ctx context.Context) error {
	reg, err := a.client.Register(ctx, a.image, a.capacity)
	if err != nil {
		return fmt.Errorf("executor: registration failed: %w", err)
	}
	a.log = a.log.With("executor_id", reg.ExecutorID)
	a.log.Info("executor registered", "capacity", a.capacity)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(ctx, reg)
	}()

	slots := make(chan struct{}, a.capacity)
	for i := 0; i < a.capacity; i++ {
		slots <- struct{}{}
	}

claim:
	for {
		select {
		case <-ctx.Done():
			break claim
		case <-slots:
		}

		task, err := a.client.Claim(ctx, reg.ExecutorID, reg.ClaimWait)
		if err != nil {
			slots <- struct{}{}
			if ctx.Err() != nil {
				break claim
			}
			a.log.Warn("claim failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				break claim
			case <-time.After(time.Second):
			}
			continue
		}
		if task == nil {
			slots <- struct{}{}
			continue
		}

		a.load.Add(1)
		wg.Add(1)
		go func(t state.Task) {
			defer wg.Done()
			defer a.load.Add(-1)
			defer func() { slots <- struct{}{} }()
			a.runTask(t, reg.ExecutorID)
		}(*task)
	}

	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.client.Deregister(shutdownCtx, reg.ExecutorID); err != nil {
		a.log.Warn("deregister failed", "error", err)
	}
	a.log.Info("executor stopped")
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context, reg *Registration) {
	interval := reg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.client.Heartbeat(ctx, reg.ExecutorID, int(a.load.Load())); err != nil && ctx.Err() == nil {
				a.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// runTask carries one claimed task to a terminal report. It deliberately
// runs on a background context: once started, a task finishes and reports
// even while the agent is draining.
func (a *Agent) runTask(t state.Task, executorID string) {
	ctx := context.Background()
	log := a.log.With("task_id", t.ID, "node_id", t.NodeID)

	if err := a.client.Start(ctx, executorID, t.ID); err != nil {
		if err == ErrTaskGone {
			log.Info("task gone before start, abandoning")
			return
		}
		log.Warn("start failed", "error", err)
		a.report(ctx, executorID, t.ID, Outcome{Status: state.TaskFailed, Error: "start failed: " + err.Error()})
		return
	}

	out, err := a.execute(ctx, t)
	if err != nil {
		log.Warn("task failed", "error", err)
		a.report(ctx, executorID, t.ID, Outcome{Status: state.TaskFailed, Error: err.Error()})
		return
	}

	ref, err := a.blobs.Put(ctx, "outputs/"+t.ID, out)
	if err != nil {
		log.Warn("output upload failed", "error", err)
		a.report(ctx, executorID, t.ID, Outcome{Status: state.TaskFailed, Error: "output upload failed: " + err.Error()})
		return
	}

	log.Info("task completed", "output_ref", ref)
	a.report(ctx, executorID, t.ID, Outcome{Status: state.TaskCompleted, OutputRef: ref})
}

func (a *Agent) execute(ctx context.Context, t state.Task) ([]byte, error) {
	fn, ok := a.function(t.Function)
	if !ok {
		return nil, fmt.Errorf("no function registered for %q", t.Function)
	}
	inputs := make([][]byte, 0, len(t.InputRefs))
	for _, ref := range t.InputRefs {
		data, err := a.blobs.Get(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch input %s: %w", ref, err)
		}
		inputs = append(inputs, data)
	}
	return fn(ctx, inputs)
}

func (a *Agent) report(ctx context.Context, executorID, taskID string, out Outcome) {
	if err := a.client.Report(ctx, executorID, taskID, out); err != nil {
		a.log.Warn("report failed", "task_id", taskID, "error", err)
	}
}
