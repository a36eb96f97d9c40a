package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"taskmesh/internal/state"
)

const taskColumns = `id, invocation_id, node_id, function, image, status, executor_id,
	input_refs, output_ref, error, retries, expanded, created_at, updated_at`

func (s *Store) GetTask(ctx context.Context, id string) (*state.Task, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: query task %s: %w", id, err)
	}
	return t, nil
}

func (s *Store) UpdateTask(ctx context.Context, t *state.Task) error {
	if t == nil {
		return fmt.Errorf("state: task is nil")
	}
	refs, err := json.Marshal(t.InputRefs)
	if err != nil {
		return fmt.Errorf("state: marshal input refs: %w", err)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE tasks SET status = $2, executor_id = $3, input_refs = $4, output_ref = $5,
		 error = $6, retries = $7, expanded = $8, updated_at = $9 WHERE id = $1`,
		t.ID, t.Status, t.ExecutorID, refs, t.OutputRef, t.Error, t.Retries, t.Expanded, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("state: update task %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return state.ErrNotFound
	}
	return nil
}

// AssignTask claims the task with a conditional update so a cancellation
// landing between the queue pop and this write wins.
func (s *Store) AssignTask(ctx context.Context, id, executorID string) (*state.Task, error) {
	row := s.db.QueryRow(ctx,
		`UPDATE tasks SET status = $3, executor_id = $2, updated_at = now()
		 WHERE id = $1 AND status = $4
		 RETURNING `+taskColumns,
		id, executorID, state.TaskAssigned, state.TaskQueued)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s is not claimable", state.ErrConflict, id)
	}
	if err != nil {
		return nil, fmt.Errorf("state: assign task %s: %w", id, err)
	}
	return t, nil
}

func (s *Store) StartTask(ctx context.Context, id, executorID string) (*state.Task, error) {
	row := s.db.QueryRow(ctx,
		`UPDATE tasks SET status = $3, updated_at = now()
		 WHERE id = $1 AND status = $4 AND executor_id = $2
		 RETURNING `+taskColumns,
		id, executorID, state.TaskRunning, state.TaskAssigned)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s is not startable by %s", state.ErrConflict, id, executorID)
	}
	if err != nil {
		return nil, fmt.Errorf("state: start task %s: %w", id, err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, invocationID string) ([]state.Task, error) {
	return s.listTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE invocation_id = $1 ORDER BY created_at, id`,
		invocationID)
}

// CompleteTaskAndExpand records the completed task together with its
// successors so that a crash cannot separate the two.
func (s *Store) CompleteTaskAndExpand(ctx context.Context, t *state.Task, successors []*state.Task) error {
	if t == nil {
		return fmt.Errorf("state: task is nil")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("state: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t.Expanded = true
	refs, err := json.Marshal(t.InputRefs)
	if err != nil {
		return fmt.Errorf("state: marshal input refs: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE tasks SET status = $2, executor_id = $3, input_refs = $4, output_ref = $5,
		 error = $6, retries = $7, expanded = $8, updated_at = $9 WHERE id = $1`,
		t.ID, t.Status, t.ExecutorID, refs, t.OutputRef, t.Error, t.Retries, t.Expanded, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("state: update task %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return state.ErrNotFound
	}

	for _, n := range successors {
		if err := insertTask(ctx, tx, n); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

func (s *Store) ListQueuedTasks(ctx context.Context) ([]state.Task, error) {
	return s.listTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY created_at, id`,
		state.TaskQueued)
}

func (s *Store) ListUnexpandedTasks(ctx context.Context) ([]state.Task, error) {
	return s.listTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = $1 AND expanded = FALSE ORDER BY created_at, id`,
		state.TaskCompleted)
}

func (s *Store) ListOwnedTasks(ctx context.Context, executorID string) ([]state.Task, error) {
	return s.listTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE executor_id = $1 AND status IN ($2, $3) ORDER BY created_at, id`,
		executorID, state.TaskAssigned, state.TaskRunning)
}

func (s *Store) listTasks(ctx context.Context, query string, args ...any) ([]state.Task, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("state: query tasks: %w", err)
	}
	defer rows.Close()

	out := make([]state.Task, 0, 16)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("state: scan task: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: rows tasks: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*state.Task, error) {
	var t state.Task
	var refs []byte
	if err := row.Scan(&t.ID, &t.InvocationID, &t.NodeID, &t.Function, &t.Image, &t.Status, &t.ExecutorID,
		&refs, &t.OutputRef, &t.Error, &t.Retries, &t.Expanded, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if len(refs) > 0 {
		if err := json.Unmarshal(refs, &t.InputRefs); err != nil {
			return nil, fmt.Errorf("unmarshal input refs: %w", err)
		}
	}
	return &t, nil
}

func insertTask(ctx context.Context, tx pgx.Tx, t *state.Task) error {
	refs, err := json.Marshal(t.InputRefs)
	if err != nil {
		return fmt.Errorf("state: marshal input refs: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO tasks (id, invocation_id, node_id, function, image, status, executor_id,
		 input_refs, output_ref, error, retries, expanded, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`,
		t.ID, t.InvocationID, t.NodeID, t.Function, t.Image, t.Status, t.ExecutorID,
		refs, t.OutputRef, t.Error, t.Retries, t.Expanded, t.CreatedAt,
	); err != nil {
		return fmt.Errorf("state: insert task %s: %w", t.ID, err)
	}
	return nil
}
