package calllog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"chatcall/internal/calls"
	"chatcall/pkg/utils"
)

// Schema is applied at startup with utils.EnsureSchema.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS call_log (
	id               TEXT PRIMARY KEY,
	group_id         TEXT NOT NULL,
	call_id          TEXT NOT NULL,
	user_id          TEXT NOT NULL,
	peer_id          TEXT NOT NULL DEFAULT '',
	peer_name        TEXT NOT NULL DEFAULT '',
	role             TEXT NOT NULL DEFAULT '',
	media_mode       TEXT NOT NULL,
	outcome          TEXT NOT NULL,
	reason           TEXT NOT NULL DEFAULT '',
	error_kind       TEXT NOT NULL DEFAULT '',
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	started_at       TIMESTAMPTZ NOT NULL,
	active_at        TIMESTAMPTZ,
	ended_at         TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS call_log_user_ended_idx ON call_log (user_id, ended_at DESC)`,
}

// PostgresRepo stores entries in call_log through database/sql (pgx stdlib).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(ctx context.Context, db *sql.DB) (*PostgresRepo, error) {
	if db == nil {
		return nil, errors.New("calllog: db required")
	}
	if err := utils.EnsureSchema(ctx, db, Schema...); err != nil {
		return nil, err
	}
	return &PostgresRepo{db: db}, nil
}

func (r *PostgresRepo) Append(ctx context.Context, e Entry) error {
	const q = `
INSERT INTO call_log (id, group_id, call_id, user_id, peer_id, peer_name, role, media_mode, outcome, reason, error_kind, duration_seconds, started_at, active_at, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO NOTHING
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.GroupID,
		e.CallID,
		e.UserID,
		e.PeerID,
		e.PeerName,
		string(e.Role),
		string(e.MediaMode),
		string(e.Outcome),
		string(e.Reason),
		string(e.ErrorKind),
		e.DurationSeconds,
		e.StartedAt,
		e.ActiveAt,
		e.EndedAt,
	)
	return err
}

func (r *PostgresRepo) List(ctx context.Context, userID string, from, to time.Time, limit int) ([]Entry, error) {
	if userID == "" {
		return nil, errors.New("user_id required")
	}
	const q = `
SELECT id, group_id, call_id, user_id, peer_id, peer_name, role, media_mode, outcome, reason, error_kind, duration_seconds, started_at, active_at, ended_at
FROM call_log
WHERE user_id = $1 AND ended_at >= $2 AND ended_at < $3
ORDER BY ended_at DESC
LIMIT NULLIF($4, 0)
`
	rows, err := r.db.QueryContext(ctx, q, userID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var (
			e                                 Entry
			role, mode, outcome, reason, kind string
			activeAt                          sql.NullTime
		)
		if err := rows.Scan(
			&e.ID,
			&e.GroupID,
			&e.CallID,
			&e.UserID,
			&e.PeerID,
			&e.PeerName,
			&role,
			&mode,
			&outcome,
			&reason,
			&kind,
			&e.DurationSeconds,
			&e.StartedAt,
			&activeAt,
			&e.EndedAt,
		); err != nil {
			return nil, err
		}
		e.Role = calls.Role(role)
		e.MediaMode = calls.MediaMode(mode)
		e.Outcome = Outcome(outcome)
		e.Reason = calls.EndReason(reason)
		e.ErrorKind = calls.ErrorKind(kind)
		if activeAt.Valid {
			t := activeAt.Time
			e.ActiveAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
