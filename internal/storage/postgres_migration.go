package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied in order inside one transaction. Statements are
// idempotent so Migrate can run on every start.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS stream_sessions (
		id TEXT PRIMARY KEY,
		broadcaster_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		ingest_key_hash TEXT NOT NULL DEFAULT '',
		manifest_url TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		viewer_count INTEGER NOT NULL DEFAULT 0,
		peak_viewers INTEGER NOT NULL DEFAULT 0,
		chat_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		recording_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		drm_required BOOLEAN NOT NULL DEFAULT FALSE,
		max_viewers INTEGER NOT NULL DEFAULT 0,
		failure_reason TEXT NOT NULL DEFAULT '',
		renditions TEXT[] NOT NULL DEFAULT '{}',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS stream_sessions_broadcaster_idx ON stream_sessions (broadcaster_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS session_viewers (
		session_id TEXT NOT NULL,
		viewer_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		metadata JSONB NOT NULL DEFAULT '{}',
		joined_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		left_at TIMESTAMPTZ,
		PRIMARY KEY (session_id, viewer_id, joined_at)
	)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		sender_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		event TEXT NOT NULL DEFAULT '',
		data JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		deleted_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS chat_messages_session_seq_idx ON chat_messages (session_id, seq)`,
	`CREATE TABLE IF NOT EXISTS chat_moderation (
		id BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		target_id TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMPTZ,
		reason TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS chat_moderation_session_idx ON chat_moderation (session_id, id)`,
	`CREATE TABLE IF NOT EXISTS recordings (
		path TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		bytes BIGINT NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ NOT NULL,
		object_key TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS recordings_session_idx ON recordings (session_id, started_at)`,
}

// Migrate creates or updates the schema.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin migration: %w", err)
		}
		defer rollbackTx(ctx, tx)
		for i, stmt := range schema {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema statement %d: %w", i+1, err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration: %w", err)
		}
		return nil
	})
}
