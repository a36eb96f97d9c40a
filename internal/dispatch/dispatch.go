package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"taskmesh/internal/engine"
	"taskmesh/internal/metrics"
	"taskmesh/internal/queue"
	"taskmesh/internal/registry"
	"taskmesh/internal/state"
)

var (
	// ErrTaskCancelled tells an executor to abandon the task it asked about.
	ErrTaskCancelled = errors.New("dispatch: task is cancelled")
	// ErrBadTransition rejects a status change that would regress a task.
	ErrBadTransition = errors.New("dispatch: invalid task transition")
)

// TerminalSink receives accepted terminal outcomes. Implemented by the
// execution engine.
type TerminalSink interface {
	OnTaskTerminal(ctx context.Context, taskID string, out engine.Outcome) error
}

// Service is the server side of the executor protocol. It owns the
// Queued→Assigned→Running transitions and the ownership checks on result
// reports; accepted terminals are forwarded to the engine in acceptance
// order. Stale or duplicate reports are dropped and logged, never surfaced
// to the caller as errors.
type Service struct {
	store    state.Store
	queue    *queue.Queue
	registry *registry.Registry
	sink     TerminalSink
	metrics  *metrics.Collector
	log      *slog.Logger

	cancelMu   sync.Mutex
	cancelSubs map[string]chan string
}

func New(store state.Store, q *queue.Queue, reg *registry.Registry, sink TerminalSink, col *metrics.Collector, log *slog.Logger) *Service {
	if col == nil {
		col = metrics.NewCollector()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:      store,
		queue:      q,
		registry:   reg,
		sink:       sink,
		metrics:    col,
		log:        log,
		cancelSubs: make(map[string]chan string),
	}
}

// Register admits an executor for an image with a concurrency capacity.
func (s *Service) Register(image string, capacity int) (*registry.Executor, error) {
	e, err := s.registry.Register(image, capacity)
	if err != nil {
		return nil, err
	}
	s.log.Info("executor registered", "executor_id", e.ID, "image", e.Image, "capacity", e.Capacity)
	return e, nil
}

func (s *Service) Heartbeat(executorID string, load int) error {
	return s.registry.Heartbeat(executorID, load)
}

// Deregister starts a drain: the executor receives no new work but may
// still report the tasks it holds.
func (s *Service) Deregister(executorID string) error {
	if err := s.registry.Deregister(executorID); err != nil {
		return err
	}
	s.log.Info("executor draining", "executor_id", executorID)
	return nil
}

// Claim hands the executor at most one task matching its image, blocking up
// to wait. Returns nil with no error when nothing is available: the
// executor retries later. Capacity is reserved before the queue is touched
// so an executor can never exceed its declared concurrency.
func (s *Service) Claim(ctx context.Context, executorID string, wait time.Duration) (*state.Task, error) {
	exec, err := s.registry.Get(executorID)
	if err != nil {
		return nil, err
	}
	if err := s.registry.Acquire(executorID); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(wait)
	for {
		remaining := time.Until(deadline)
		var (
			queued state.Task
			ok     bool
		)
		if remaining > 0 {
			queued, ok = s.queue.ClaimWait(ctx, exec.Image, remaining)
		} else {
			queued, ok = s.queue.Claim(exec.Image)
		}
		if !ok {
			s.registry.Release(executorID)
			return nil, nil
		}

		t, err := s.assign(ctx, queued.ID, executorID)
		if err != nil {
			// Store failure: the task is still Queued durably, put it
			// back on the matcher instead of losing it until a restart.
			s.queue.Enqueue(queued)
			s.registry.Release(executorID)
			return nil, err
		}
		if t != nil {
			return t, nil
		}
		// The popped task was cancelled or requeued between the queue and
		// the store read; try the next one.
		if time.Now().After(deadline) {
			s.registry.Release(executorID)
			return nil, nil
		}
	}
}

func (s *Service) assign(ctx context.Context, taskID, executorID string) (*state.Task, error) {
	t, err := s.store.AssignTask(ctx, taskID, executorID)
	if errors.Is(err, state.ErrNotFound) || errors.Is(err, state.ErrConflict) {
		// Cancelled or requeued between the queue pop and the store
		// write; the conditional update leaves the newer status alone.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("task assigned",
		"task_id", t.ID, "invocation_id", t.InvocationID, "executor_id", executorID, "image", t.Image)
	return t, nil
}

// Start moves an owned task from Assigned to Running with a conditional
// store write. A cancelled task returns ErrTaskCancelled so the executor
// abandons it before doing work.
func (s *Service) Start(ctx context.Context, taskID, executorID string) error {
	_, err := s.store.StartTask(ctx, taskID, executorID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, state.ErrConflict) {
		return err
	}

	// The conditional write lost; read the task once to say why.
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status == state.TaskCancelled {
		return ErrTaskCancelled
	}
	if t.ExecutorID != executorID {
		s.dropStale(t, executorID, "start")
		return ErrTaskCancelled
	}
	return fmt.Errorf("%w: %s -> running", ErrBadTransition, t.Status)
}

// Report accepts a terminal outcome from an executor. Reports from a
// non-owner (reassignment happened) and reports for already-terminal tasks
// are dropped without error; the capacity slot of an owning reporter is
// always released.
func (s *Service) Report(ctx context.Context, executorID, taskID string, out engine.Outcome) error {
	if !out.Status.Terminal() {
		return fmt.Errorf("%w: reported status %q is not terminal", ErrBadTransition, out.Status)
	}

	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			s.dropStale(&state.Task{ID: taskID}, executorID, "report")
			return nil
		}
		return err
	}
	if t.ExecutorID != executorID {
		s.dropStale(t, executorID, "report")
		return nil
	}

	s.registry.Release(executorID)

	if t.Status.Terminal() {
		// Cancelled in flight, or duplicate delivery: accepted, discarded.
		s.log.Debug("discarding report for terminal task",
			"task_id", t.ID, "status", t.Status, "executor_id", executorID)
		return nil
	}
	return s.sink.OnTaskTerminal(ctx, taskID, out)
}

func (s *Service) dropStale(t *state.Task, executorID, op string) {
	s.metrics.StaleReport()
	s.log.Warn("dropping stale executor call",
		"op", op, "task_id", t.ID, "owner", t.ExecutorID, "caller", executorID)
}
