package postgres

import "context"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS graphs (
    id         TEXT NOT NULL,
    version    INT NOT NULL,
    definition JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (id, version)
);

CREATE TABLE IF NOT EXISTS invocations (
    id            TEXT PRIMARY KEY,
    graph_id      TEXT NOT NULL,
    graph_version INT NOT NULL,
    status        TEXT NOT NULL,
    input_ref     TEXT NOT NULL DEFAULT '',
    output_ref    TEXT NOT NULL DEFAULT '',
    error_summary TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tasks (
    id            TEXT PRIMARY KEY,
    invocation_id TEXT NOT NULL REFERENCES invocations(id) ON DELETE CASCADE,
    node_id       TEXT NOT NULL,
    function      TEXT NOT NULL DEFAULT '',
    image         TEXT NOT NULL,
    status        TEXT NOT NULL,
    executor_id   TEXT NOT NULL DEFAULT '',
    input_refs    JSONB NOT NULL DEFAULT '[]',
    output_ref    TEXT NOT NULL DEFAULT '',
    error         TEXT NOT NULL DEFAULT '',
    retries       INT NOT NULL DEFAULT 0,
    expanded      BOOLEAN NOT NULL DEFAULT FALSE,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tasks_invocation ON tasks(invocation_id);
CREATE INDEX IF NOT EXISTS idx_tasks_image_status ON tasks(image, status);
CREATE INDEX IF NOT EXISTS idx_tasks_executor ON tasks(executor_id) WHERE executor_id <> '';
CREATE INDEX IF NOT EXISTS idx_tasks_unexpanded ON tasks(status) WHERE status = 'completed' AND expanded = FALSE;
`

// CreateSchema creates the orchestrator tables if they don't exist.
func (s *Store) CreateSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schemaSQL)
	return err
}

// DropSchema drops the orchestrator tables.
func (s *Store) DropSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `DROP TABLE IF EXISTS tasks, invocations, graphs CASCADE;`)
	return err
}
