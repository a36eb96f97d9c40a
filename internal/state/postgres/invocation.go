package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"taskmesh/internal/state"
)

// CreateInvocation persists the invocation record and its root tasks in a
// single transaction, so a submission is never observable half-created.
func (s *Store) CreateInvocation(ctx context.Context, inv *state.Invocation, roots []*state.Task) error {
	if inv == nil {
		return fmt.Errorf("state: invocation is nil")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("state: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO invocations (id, graph_id, graph_version, status, input_ref, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		inv.ID, inv.GraphID, inv.GraphVersion, inv.Status, inv.InputRef, inv.CreatedAt,
	); err != nil {
		return fmt.Errorf("state: insert invocation %s: %w", inv.ID, err)
	}

	for _, t := range roots {
		if err := insertTask(ctx, tx, t); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

func (s *Store) GetInvocation(ctx context.Context, id string) (*state.Invocation, error) {
	var inv state.Invocation
	err := s.db.QueryRow(ctx,
		`SELECT id, graph_id, graph_version, status, input_ref, output_ref, error_summary, created_at, updated_at
		 FROM invocations WHERE id = $1`, id,
	).Scan(&inv.ID, &inv.GraphID, &inv.GraphVersion, &inv.Status, &inv.InputRef,
		&inv.OutputRef, &inv.ErrorSummary, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: query invocation %s: %w", id, err)
	}
	return &inv, nil
}

func (s *Store) UpdateInvocation(ctx context.Context, inv *state.Invocation) error {
	if inv == nil {
		return fmt.Errorf("state: invocation is nil")
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE invocations SET status = $2, output_ref = $3, error_summary = $4, updated_at = $5
		 WHERE id = $1`,
		inv.ID, inv.Status, inv.OutputRef, inv.ErrorSummary, inv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("state: update invocation %s: %w", inv.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return state.ErrNotFound
	}
	return nil
}
