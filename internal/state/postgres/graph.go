package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"taskmesh/internal/graph"
	"taskmesh/internal/state"
)

// PutGraph stores a graph definition. Version 0 allocates the next version
// for the graph id inside the insert transaction.
func (s *Store) PutGraph(ctx context.Context, g *graph.Graph) error {
	if g == nil || strings.TrimSpace(g.ID) == "" {
		return fmt.Errorf("state: graph id is required")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("state: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if g.Version == 0 {
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM graphs WHERE id = $1`, g.ID,
		).Scan(&g.Version); err != nil {
			return fmt.Errorf("state: next graph version: %w", err)
		}
	}

	raw, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("state: marshal graph: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO graphs (id, version, definition) VALUES ($1, $2, $3)`,
		g.ID, g.Version, raw,
	); err != nil {
		return fmt.Errorf("state: insert graph %s@%d: %w", g.ID, g.Version, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

// GetGraph loads a graph definition; version <= 0 resolves the latest.
func (s *Store) GetGraph(ctx context.Context, id string, version int) (*graph.Graph, error) {
	var raw []byte
	var err error
	if version <= 0 {
		err = s.db.QueryRow(ctx,
			`SELECT definition FROM graphs WHERE id = $1 ORDER BY version DESC LIMIT 1`, id,
		).Scan(&raw)
	} else {
		err = s.db.QueryRow(ctx,
			`SELECT definition FROM graphs WHERE id = $1 AND version = $2`, id, version,
		).Scan(&raw)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: query graph %s: %w", id, err)
	}

	var g graph.Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("state: unmarshal graph %s: %w", id, err)
	}
	return &g, nil
}
