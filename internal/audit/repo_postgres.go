package audit

import (
	"context"
	"database/sql"
	"errors"

	"chatcall/pkg/utils"
)

var Schema = []string{
	`CREATE TABLE IF NOT EXISTS audit_events (
	id            TEXT PRIMARY KEY,
	group_id      TEXT NOT NULL,
	type          TEXT NOT NULL,
	actor_user_id TEXT NOT NULL DEFAULT '',
	actor_role    TEXT NOT NULL DEFAULT '',
	call_id       TEXT NOT NULL DEFAULT '',
	handle_id     TEXT NOT NULL DEFAULT '',
	message       TEXT NOT NULL DEFAULT '',
	metadata      JSONB,
	created_at    TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS audit_events_group_created_idx ON audit_events (group_id, created_at)`,
}

// PostgresRepo appends to audit_events. Nothing here updates or deletes.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(ctx context.Context, db *sql.DB) (*PostgresRepo, error) {
	if db == nil {
		return nil, errors.New("audit: db required")
	}
	if err := utils.EnsureSchema(ctx, db, Schema...); err != nil {
		return nil, err
	}
	return &PostgresRepo{db: db}, nil
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (id, group_id, type, actor_user_id, actor_role, call_id, handle_id, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`
	var meta any
	if e.Metadata != "" {
		meta = e.Metadata
	}
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.GroupID,
		string(e.Type),
		e.ActorUserID,
		e.ActorRole,
		e.CallID,
		e.HandleID,
		e.Message,
		meta,
		e.CreatedAt,
	)
	return err
}
