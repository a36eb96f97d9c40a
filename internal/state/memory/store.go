package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"taskmesh/internal/graph"
	"taskmesh/internal/state"
)

// Store is an in-memory state.Store used for tests and single-process local
// runs. All returned records are copies; callers never share memory with the
// store.
type Store struct {
	mu          sync.RWMutex
	graphs      map[string][]*graph.Graph // by graph id, index = version-1
	invocations map[string]state.Invocation
	tasks       map[string]state.Task
}

func New() *Store {
	return &Store{
		graphs:      make(map[string][]*graph.Graph),
		invocations: make(map[string]state.Invocation),
		tasks:       make(map[string]state.Task),
	}
}

func (s *Store) PutGraph(_ context.Context, g *graph.Graph) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	if g == nil || strings.TrimSpace(g.ID) == "" {
		return fmt.Errorf("graph id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.graphs[g.ID]
	if g.Version == 0 {
		g.Version = len(versions) + 1
	}
	if g.Version != len(versions)+1 {
		return fmt.Errorf("%w: graph %s version %d", state.ErrConflict, g.ID, g.Version)
	}
	s.graphs[g.ID] = append(versions, copyGraph(g))
	return nil
}

func (s *Store) GetGraph(_ context.Context, id string, version int) (*graph.Graph, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.graphs[id]
	if len(versions) == 0 {
		return nil, state.ErrNotFound
	}
	if version <= 0 {
		version = len(versions)
	}
	if version > len(versions) {
		return nil, state.ErrNotFound
	}
	return copyGraph(versions[version-1]), nil
}

func (s *Store) CreateInvocation(_ context.Context, inv *state.Invocation, roots []*state.Task) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	if inv == nil || strings.TrimSpace(inv.ID) == "" {
		return fmt.Errorf("invocation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invocations[inv.ID]; ok {
		return fmt.Errorf("%w: invocation %s", state.ErrConflict, inv.ID)
	}
	s.invocations[inv.ID] = *inv
	for _, t := range roots {
		s.tasks[t.ID] = *t
	}
	return nil
}

func (s *Store) GetInvocation(_ context.Context, id string) (*state.Invocation, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invocations[id]
	if !ok {
		return nil, state.ErrNotFound
	}
	return &inv, nil
}

func (s *Store) UpdateInvocation(_ context.Context, inv *state.Invocation) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	if inv == nil {
		return fmt.Errorf("invocation is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invocations[inv.ID]; !ok {
		return state.ErrNotFound
	}
	s.invocations[inv.ID] = *inv
	return nil
}

func (s *Store) GetTask(_ context.Context, id string) (*state.Task, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, state.ErrNotFound
	}
	t.InputRefs = append([]string(nil), t.InputRefs...)
	return &t, nil
}

func (s *Store) UpdateTask(_ context.Context, t *state.Task) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	if t == nil {
		return fmt.Errorf("task is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return state.ErrNotFound
	}
	s.tasks[t.ID] = *t
	return nil
}

func (s *Store) AssignTask(_ context.Context, id, executorID string) (*state.Task, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, state.ErrNotFound
	}
	if t.Status != state.TaskQueued {
		return nil, fmt.Errorf("%w: task %s is %s", state.ErrConflict, id, t.Status)
	}
	t.Status = state.TaskAssigned
	t.ExecutorID = executorID
	t.UpdatedAt = time.Now().UTC()
	s.tasks[id] = t
	t.InputRefs = append([]string(nil), t.InputRefs...)
	return &t, nil
}

func (s *Store) StartTask(_ context.Context, id, executorID string) (*state.Task, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, state.ErrNotFound
	}
	if t.Status != state.TaskAssigned || t.ExecutorID != executorID {
		return nil, fmt.Errorf("%w: task %s is %s owned by %q",
			state.ErrConflict, id, t.Status, t.ExecutorID)
	}
	t.Status = state.TaskRunning
	t.UpdatedAt = time.Now().UTC()
	s.tasks[id] = t
	t.InputRefs = append([]string(nil), t.InputRefs...)
	return &t, nil
}

func (s *Store) ListTasks(_ context.Context, invocationID string) ([]state.Task, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]state.Task, 0, 8)
	for _, t := range s.tasks {
		if t.InvocationID == invocationID {
			t.InputRefs = append([]string(nil), t.InputRefs...)
			out = append(out, t)
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *Store) CompleteTaskAndExpand(_ context.Context, t *state.Task, successors []*state.Task) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	if t == nil {
		return fmt.Errorf("task is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return state.ErrNotFound
	}
	t.Expanded = true
	s.tasks[t.ID] = *t
	for _, n := range successors {
		s.tasks[n.ID] = *n
	}
	return nil
}

func (s *Store) ListQueuedTasks(_ context.Context) ([]state.Task, error) {
	return s.listWhere(func(t state.Task) bool { return t.Status == state.TaskQueued })
}

func (s *Store) ListUnexpandedTasks(_ context.Context) ([]state.Task, error) {
	return s.listWhere(func(t state.Task) bool {
		return t.Status == state.TaskCompleted && !t.Expanded
	})
}

func (s *Store) ListOwnedTasks(_ context.Context, executorID string) ([]state.Task, error) {
	return s.listWhere(func(t state.Task) bool {
		return t.ExecutorID == executorID &&
			(t.Status == state.TaskAssigned || t.Status == state.TaskRunning)
	})
}

func (s *Store) listWhere(keep func(state.Task) bool) ([]state.Task, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]state.Task, 0, 8)
	for _, t := range s.tasks {
		if keep(t) {
			t.InputRefs = append([]string(nil), t.InputRefs...)
			out = append(out, t)
		}
	}
	sortTasks(out)
	return out, nil
}

// sortTasks orders by creation time, then id for a stable tie-break.
func sortTasks(ts []state.Task) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

func copyGraph(g *graph.Graph) *graph.Graph {
	out := &graph.Graph{ID: g.ID, Version: g.Version, Nodes: make([]graph.Node, len(g.Nodes))}
	for i, n := range g.Nodes {
		n.DependsOn = append([]string(nil), n.DependsOn...)
		out.Nodes[i] = n
	}
	return out
}
