package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownExecutor = errors.New("registry: unknown executor")
	ErrNotActive       = errors.New("registry: executor is not active")
	ErrAtCapacity      = errors.New("registry: executor is at capacity")
)

type Status string

const (
	StatusActive   Status = "active"
	StatusDraining Status = "draining"
	StatusDead     Status = "dead"
)

// Executor is a live worker connection. IDs are unique per connection
// lifetime; a reconnecting process registers again and gets a new one.
type Executor struct {
	ID            string    `json:"id"`
	Image         string    `json:"image"`
	Capacity      int       `json:"capacity"`
	Load          int       `json:"load"`
	Status        Status    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// Registry owns executor liveness state. It is not persisted: executors are
// ephemeral and the set is rebuilt from registrations after a restart.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]*Executor
	now       func() time.Time
}

func New() *Registry {
	return &Registry{
		executors: make(map[string]*Executor),
		now:       time.Now,
	}
}

// Register admits a new executor for the given image and returns its
// connection-scoped identity.
func (r *Registry) Register(image string, capacity int) (*Executor, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		return nil, fmt.Errorf("registry: image is required")
	}
	if capacity <= 0 {
		capacity = 1
	}
	now := r.now()
	e := &Executor{
		ID:            uuid.NewString(),
		Image:         image,
		Capacity:      capacity,
		Status:        StatusActive,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	r.mu.Lock()
	r.executors[e.ID] = e
	r.mu.Unlock()
	return copyExecutor(e), nil
}

// Heartbeat refreshes liveness and records the executor's reported load.
func (r *Registry) Heartbeat(id string, load int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.executors[id]
	if !ok {
		return ErrUnknownExecutor
	}
	if e.Status == StatusDead {
		return ErrNotActive
	}
	e.LastHeartbeat = r.now()
	if load >= 0 {
		e.Load = load
	}
	return nil
}

// Deregister marks an executor draining; it stops receiving work but may
// still report results for tasks it holds.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.executors[id]
	if !ok {
		return ErrUnknownExecutor
	}
	e.Status = StatusDraining
	return nil
}

// Get returns a copy of the executor record.
func (r *Registry) Get(id string) (*Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[id]
	if !ok {
		return nil, ErrUnknownExecutor
	}
	return copyExecutor(e), nil
}

// Acquire reserves one unit of capacity ahead of a task assignment. The
// matcher never hands an executor more concurrent tasks than it declared.
func (r *Registry) Acquire(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.executors[id]
	if !ok {
		return ErrUnknownExecutor
	}
	if e.Status != StatusActive {
		return ErrNotActive
	}
	if e.Load >= e.Capacity {
		return ErrAtCapacity
	}
	e.Load++
	return nil
}

// Release returns one unit of capacity after a task reaches a terminal
// state or is requeued.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.executors[id]; ok && e.Load > 0 {
		e.Load--
	}
}

// Sweep marks executors whose heartbeat is older than timeout as Dead and
// returns the newly evicted ones. Draining executors with no load are
// dropped entirely.
func (r *Registry) Sweep(timeout time.Duration) []*Executor {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	dead := make([]*Executor, 0, 2)
	for id, e := range r.executors {
		if e.Status == StatusDead {
			continue
		}
		if e.Status == StatusDraining && e.Load == 0 {
			delete(r.executors, id)
			continue
		}
		if now.Sub(e.LastHeartbeat) > timeout {
			e.Status = StatusDead
			dead = append(dead, copyExecutor(e))
		}
	}
	return dead
}

// Drop forgets a dead executor once its tasks have been requeued. Later
// reports carrying its id fail the ownership check in dispatch.
func (r *Registry) Drop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.executors, id)
}

// CountsByImage returns the number of non-dead executors per image.
func (r *Registry) CountsByImage() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, 4)
	for _, e := range r.executors {
		if e.Status != StatusDead {
			out[e.Image]++
		}
	}
	return out
}

// Snapshot returns copies of all known executors.
func (r *Registry) Snapshot() []*Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Executor, 0, len(r.executors))
	for _, e := range r.executors {
		out = append(out, copyExecutor(e))
	}
	return out
}

func copyExecutor(e *Executor) *Executor {
	c := *e
	return &c
}
