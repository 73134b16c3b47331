package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rivercast/internal/chat"
	"rivercast/internal/errs"
	"rivercast/internal/models"
	"rivercast/internal/recording"
)

// PostgresConfig describes how the repository initialises its connection
// pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	// Migrate applies the schema when the repository opens.
	Migrate bool
}

// PostgresRepository persists records with pgx.
type PostgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a pool and, when cfg.Migrate is set, applies
// the schema.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (*PostgresRepository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &PostgresRepository{pool: pool, cfg: cfg}
	if cfg.Migrate {
		if err := repo.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return repo, nil
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

func (r *PostgresRepository) withConn(ctx context.Context, fn func(ctx context.Context, conn *pgxpool.Conn) error) error {
	acquireCtx := ctx
	if r.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, r.cfg.AcquireTimeout)
		defer cancel()
	}
	conn, err := r.pool.Acquire(acquireCtx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

const upsertSessionSQL = `
INSERT INTO stream_sessions (
	id, broadcaster_id, title, ingest_key_hash, manifest_url, status, created_at,
	started_at, ended_at, viewer_count, peak_viewers, chat_enabled,
	recording_enabled, drm_required, max_viewers, failure_reason, renditions, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW())
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	ingest_key_hash = CASE WHEN EXCLUDED.ingest_key_hash = '' THEN stream_sessions.ingest_key_hash ELSE EXCLUDED.ingest_key_hash END,
	manifest_url = EXCLUDED.manifest_url,
	status = EXCLUDED.status,
	started_at = EXCLUDED.started_at,
	ended_at = EXCLUDED.ended_at,
	viewer_count = EXCLUDED.viewer_count,
	peak_viewers = GREATEST(stream_sessions.peak_viewers, EXCLUDED.peak_viewers),
	chat_enabled = EXCLUDED.chat_enabled,
	recording_enabled = EXCLUDED.recording_enabled,
	drm_required = EXCLUDED.drm_required,
	max_viewers = EXCLUDED.max_viewers,
	failure_reason = EXCLUDED.failure_reason,
	renditions = EXCLUDED.renditions,
	updated_at = NOW()`

const sessionColumns = `id, broadcaster_id, title, ingest_key_hash, manifest_url, status, created_at,
	started_at, ended_at, viewer_count, peak_viewers, chat_enabled, recording_enabled,
	drm_required, max_viewers, failure_reason, renditions`

func (r *PostgresRepository) SaveSession(ctx context.Context, session models.StreamSession) error {
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("%w: session id is required", errs.ErrInvalidArgument)
	}
	renditions := session.Renditions
	if renditions == nil {
		renditions = []string{}
	}
	createdAt := session.CreatedAt.UTC()
	if session.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, upsertSessionSQL,
			session.ID, session.BroadcasterID, session.Title, session.IngestKeyHash, session.ManifestURL,
			string(session.Status), createdAt, session.StartedAt, session.EndedAt, session.ViewerCount,
			session.PeakViewers, session.ChatEnabled, session.RecordingEnabled, session.DRMRequired,
			session.MaxViewers, session.FailureReason, renditions)
		if err != nil {
			return fmt.Errorf("upsert session %s: %w", session.ID, err)
		}
		return nil
	})
}

func scanSession(row pgx.Row) (models.StreamSession, error) {
	var (
		s      models.StreamSession
		status string
	)
	err := row.Scan(&s.ID, &s.BroadcasterID, &s.Title, &s.IngestKeyHash, &s.ManifestURL, &status, &s.CreatedAt,
		&s.StartedAt, &s.EndedAt, &s.ViewerCount, &s.PeakViewers, &s.ChatEnabled, &s.RecordingEnabled,
		&s.DRMRequired, &s.MaxViewers, &s.FailureReason, &s.Renditions)
	if err != nil {
		return models.StreamSession{}, err
	}
	s.Status = models.SessionStatus(status)
	return s, nil
}

func (r *PostgresRepository) GetSession(ctx context.Context, id string) (models.StreamSession, error) {
	var session models.StreamSession
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, "SELECT "+sessionColumns+" FROM stream_sessions WHERE id = $1", id)
		var err error
		session, err = scanSession(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("session %s: %w", id, errs.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load session %s: %w", id, err)
		}
		return nil
	})
	return session, err
}

func (r *PostgresRepository) ListSessions(ctx context.Context, broadcasterID string, limit int) ([]models.StreamSession, error) {
	limit = normalizeLimit(limit)
	var out []models.StreamSession
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, "SELECT "+sessionColumns+" FROM stream_sessions WHERE ($1 = '' OR broadcaster_id = $1) ORDER BY created_at DESC, id DESC LIMIT $2", broadcasterID, limit)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			session, err := scanSession(rows)
			if err != nil {
				return fmt.Errorf("scan session: %w", err)
			}
			out = append(out, session)
		}
		return rows.Err()
	})
	return out, err
}

func (r *PostgresRepository) SaveViewer(ctx context.Context, viewer models.Viewer) error {
	if viewer.SessionID == "" || viewer.ID == "" {
		return fmt.Errorf("%w: viewer and session ids are required", errs.ErrInvalidArgument)
	}
	metadata := viewer.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
INSERT INTO session_viewers (session_id, viewer_id, user_id, metadata, joined_at, last_seen_at, left_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (session_id, viewer_id, joined_at) DO UPDATE SET
	last_seen_at = EXCLUDED.last_seen_at,
	left_at = EXCLUDED.left_at`,
			viewer.SessionID, viewer.ID, viewer.UserID, metadata, viewer.JoinedAt.UTC(), viewer.LastSeenAt.UTC(), viewer.LeftAt)
		if err != nil {
			return fmt.Errorf("upsert viewer %s: %w", viewer.ID, err)
		}
		return nil
	})
}

func (r *PostgresRepository) ListViewers(ctx context.Context, sessionID string) ([]models.Viewer, error) {
	var out []models.Viewer
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT viewer_id, user_id, metadata, joined_at, last_seen_at, left_at
FROM session_viewers WHERE session_id = $1 ORDER BY joined_at, viewer_id`, sessionID)
		if err != nil {
			return fmt.Errorf("list viewers: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			viewer := models.Viewer{SessionID: sessionID}
			if err := rows.Scan(&viewer.ID, &viewer.UserID, &viewer.Metadata, &viewer.JoinedAt, &viewer.LastSeenAt, &viewer.LeftAt); err != nil {
				return fmt.Errorf("scan viewer: %w", err)
			}
			if len(viewer.Metadata) == 0 {
				viewer.Metadata = nil
			}
			out = append(out, viewer)
		}
		return rows.Err()
	})
	return out, err
}

func (r *PostgresRepository) AppendChatMessage(ctx context.Context, message models.ChatMessage) error {
	if message.ID == "" || message.SessionID == "" {
		return fmt.Errorf("%w: message and session ids are required", errs.ErrInvalidArgument)
	}
	data := message.Data
	if data == nil {
		data = map[string]string{}
	}
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
INSERT INTO chat_messages (id, session_id, seq, sender_id, kind, body, event, data, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING`,
			message.ID, message.SessionID, message.Seq, message.SenderID, string(message.Kind), message.Body,
			message.Event, data, message.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert chat message %s: %w", message.ID, err)
		}
		return nil
	})
}

func (r *PostgresRepository) DeleteChatMessage(ctx context.Context, sessionID, messageID string, at time.Time) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, "UPDATE chat_messages SET deleted_at = COALESCE(deleted_at, $3) WHERE session_id = $1 AND id = $2", sessionID, messageID, at.UTC())
		if err != nil {
			return fmt.Errorf("delete chat message %s: %w", messageID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("message %s: %w", messageID, errs.ErrNotFound)
		}
		return nil
	})
}

func (r *PostgresRepository) ListChatMessages(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	limit = normalizeLimit(limit)
	var out []models.ChatMessage
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
SELECT id, seq, sender_id, kind, body, event, data, created_at FROM (
	SELECT id, seq, sender_id, kind, body, event, data, created_at
	FROM chat_messages
	WHERE session_id = $1 AND deleted_at IS NULL
	ORDER BY seq DESC
	LIMIT $2
) recent ORDER BY seq ASC`, sessionID, limit)
		if err != nil {
			return fmt.Errorf("list chat messages: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				msg  = models.ChatMessage{SessionID: sessionID}
				kind string
			)
			if err := rows.Scan(&msg.ID, &msg.Seq, &msg.SenderID, &kind, &msg.Body, &msg.Event, &msg.Data, &msg.CreatedAt); err != nil {
				return fmt.Errorf("scan chat message: %w", err)
			}
			msg.Kind = models.ChatKind(kind)
			if len(msg.Data) == 0 {
				msg.Data = nil
			}
			out = append(out, msg)
		}
		return rows.Err()
	})
	return out, err
}

func (r *PostgresRepository) RecordModeration(ctx context.Context, event chat.ModerationEvent, at time.Time) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
INSERT INTO chat_moderation (session_id, action, actor_id, target_id, message_id, expires_at, reason, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			event.SessionID, string(event.Action), event.ActorID, event.TargetID, event.MessageID, event.ExpiresAt, event.Reason, at.UTC())
		if err != nil {
			return fmt.Errorf("insert moderation: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) ListModeration(ctx context.Context, sessionID string) ([]ModerationRecord, error) {
	var out []ModerationRecord
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT action, actor_id, target_id, message_id, expires_at, reason, occurred_at
FROM chat_moderation WHERE session_id = $1 ORDER BY id`, sessionID)
		if err != nil {
			return fmt.Errorf("list moderation: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				record ModerationRecord
				action string
			)
			record.SessionID = sessionID
			if err := rows.Scan(&action, &record.ActorID, &record.TargetID, &record.MessageID, &record.ExpiresAt, &record.Reason, &record.OccurredAt); err != nil {
				return fmt.Errorf("scan moderation: %w", err)
			}
			record.Action = chat.ModerationAction(action)
			out = append(out, record)
		}
		return rows.Err()
	})
	return out, err
}

func (r *PostgresRepository) SaveRecording(ctx context.Context, artifact recording.Artifact) error {
	if artifact.SessionID == "" || artifact.Path == "" {
		return fmt.Errorf("%w: recording session and path are required", errs.ErrInvalidArgument)
	}
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
INSERT INTO recordings (path, session_id, bytes, started_at, ended_at, object_key, url)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (path) DO UPDATE SET
	bytes = EXCLUDED.bytes,
	ended_at = EXCLUDED.ended_at,
	object_key = EXCLUDED.object_key,
	url = EXCLUDED.url`,
			artifact.Path, artifact.SessionID, artifact.Bytes, artifact.StartedAt.UTC(), artifact.EndedAt.UTC(), artifact.ObjectKey, artifact.URL)
		if err != nil {
			return fmt.Errorf("upsert recording: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) ListRecordings(ctx context.Context, sessionID string) ([]recording.Artifact, error) {
	var out []recording.Artifact
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT path, bytes, started_at, ended_at, object_key, url
FROM recordings WHERE session_id = $1 ORDER BY started_at`, sessionID)
		if err != nil {
			return fmt.Errorf("list recordings: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			artifact := recording.Artifact{SessionID: sessionID}
			if err := rows.Scan(&artifact.Path, &artifact.Bytes, &artifact.StartedAt, &artifact.EndedAt, &artifact.ObjectKey, &artifact.URL); err != nil {
				return fmt.Errorf("scan recording: %w", err)
			}
			out = append(out, artifact)
		}
		return rows.Err()
	})
	return out, err
}

// TableCounts returns row counts for every table a Snapshot covers, in one
// batch round trip.
func (r *PostgresRepository) TableCounts(ctx context.Context) (SnapshotCounts, error) {
	var counts SnapshotCounts
	targets := []struct {
		table string
		dst   *int
	}{
		{"stream_sessions", &counts.Sessions},
		{"session_viewers", &counts.Viewers},
		{"chat_messages", &counts.ChatMessages},
		{"chat_moderation", &counts.Moderation},
		{"recordings", &counts.Recordings},
	}
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		batch := &pgx.Batch{}
		for _, t := range targets {
			batch.Queue("SELECT COUNT(*) FROM " + t.table)
		}
		results := conn.SendBatch(ctx, batch)
		defer results.Close()
		for _, t := range targets {
			if err := results.QueryRow().Scan(t.dst); err != nil {
				return fmt.Errorf("count %s: %w", t.table, err)
			}
		}
		return nil
	})
	return counts, err
}
