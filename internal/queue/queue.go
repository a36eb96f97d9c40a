package queue

import (
	"context"
	"sync"
	"time"

	"taskmesh/internal/state"
)

// Queue is the in-memory matcher between queued tasks and executors. Tasks
// are held per required image in FIFO order; a task whose image has no
// connected executor simply stays queued. The queue is rebuildable from the
// state store's queued tasks, so it carries no durability of its own.
type Queue struct {
	mu      sync.Mutex
	byImage map[string][]*item
	index   map[string]*item
	waiters map[string][]chan state.Task
}

type item struct {
	task    state.Task
	removed bool
}

func New() *Queue {
	return &Queue{
		byImage: make(map[string][]*item),
		index:   make(map[string]*item),
		waiters: make(map[string][]chan state.Task),
	}
}

// Enqueue makes a queued task visible to executors of its image. If an
// executor is blocked in ClaimWait for that image the task is handed to it
// directly, preserving arrival order ahead of later enqueues.
func (q *Queue) Enqueue(t state.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[t.ID]; ok {
		return
	}

	if ws := q.waiters[t.Image]; len(ws) > 0 {
		w := ws[0]
		q.waiters[t.Image] = ws[1:]
		w <- t
		return
	}

	it := &item{task: t}
	q.index[t.ID] = it
	q.byImage[t.Image] = append(q.byImage[t.Image], it)
}

// Claim pops the oldest queued task for the image, or returns false when
// none is queued.
func (q *Queue) Claim(image string) (state.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pop(image)
}

// ClaimWait behaves like Claim but blocks up to wait for a task to arrive.
// This is the orchestrator's only intended blocking point; executors retry
// after the bounded wait expires.
func (q *Queue) ClaimWait(ctx context.Context, image string, wait time.Duration) (state.Task, bool) {
	q.mu.Lock()
	if t, ok := q.pop(image); ok {
		q.mu.Unlock()
		return t, true
	}
	w := make(chan state.Task, 1)
	q.waiters[image] = append(q.waiters[image], w)
	q.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case t := <-w:
		return t, true
	case <-ctx.Done():
	case <-timer.C:
	}

	q.mu.Lock()
	q.dropWaiter(image, w)
	q.mu.Unlock()

	// A task may have been handed over while we were timing out.
	select {
	case t := <-w:
		return t, true
	default:
		return state.Task{}, false
	}
}

// Remove drops a queued task, e.g. on invocation cancellation. Reports
// whether the task was present.
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.index[taskID]
	if !ok {
		return false
	}
	it.removed = true
	delete(q.index, taskID)
	return true
}

// Rebuild replaces the queue contents from the store's queued tasks,
// preserving the given (oldest-first) order. Blocked waiters stay blocked.
func (q *Queue) Rebuild(tasks []state.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.byImage = make(map[string][]*item)
	q.index = make(map[string]*item)
	for _, t := range tasks {
		it := &item{task: t}
		q.index[t.ID] = it
		q.byImage[t.Image] = append(q.byImage[t.Image], it)
	}
}

// Depth returns the number of tasks queued for an image.
func (q *Queue) Depth(image string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.byImage[image] {
		if !it.removed {
			n++
		}
	}
	return n
}

// Depths returns queue depth per image, skipping empty queues.
func (q *Queue) Depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.byImage))
	for image, items := range q.byImage {
		n := 0
		for _, it := range items {
			if !it.removed {
				n++
			}
		}
		if n > 0 {
			out[image] = n
		}
	}
	return out
}

// pop removes and returns the oldest live task for image. Caller holds q.mu.
func (q *Queue) pop(image string) (state.Task, bool) {
	items := q.byImage[image]
	for len(items) > 0 {
		it := items[0]
		items = items[1:]
		if it.removed {
			continue
		}
		if len(items) == 0 {
			delete(q.byImage, image)
		} else {
			q.byImage[image] = items
		}
		delete(q.index, it.task.ID)
		return it.task, true
	}
	delete(q.byImage, image)
	return state.Task{}, false
}

func (q *Queue) dropWaiter(image string, w chan state.Task) {
	ws := q.waiters[image]
	for i, cand := range ws {
		if cand == w {
			q.waiters[image] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(q.waiters[image]) == 0 {
		delete(q.waiters, image)
	}
}
