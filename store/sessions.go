package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// UpsertSession creates or replaces a session row. Called on session_start
// and on import; the agent owns the session_id.
func (s *Store) UpsertSession(ctx context.Context, sess Session) error {
	if sess.Status == "" {
		sess.Status = SessionActive
	}
	allowlist, err := json.Marshal(sess.Allowlist)
	if err != nil {
		return &StorageError{Op: "upsert_session", Err: err}
	}
	var cfg any
	if len(sess.SnapshotConfig) > 0 {
		cfg = string(sess.SnapshotConfig)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, created_at, url, safe_mode, allowlist, status, ended_at, snapshot_config, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(session_id) DO UPDATE SET
			url = excluded.url,
			safe_mode = excluded.safe_mode,
			allowlist = excluded.allowlist,
			status = excluded.status,
			ended_at = excluded.ended_at,
			snapshot_config = COALESCE(excluded.snapshot_config, sessions.snapshot_config),
			updated_at = excluded.updated_at`,
		sess.SessionID, sess.CreatedAt, sess.URL, sess.SafeMode, string(allowlist),
		sess.Status, sess.EndedAt, cfg, time.Now().UnixMilli())
	if err != nil {
		return &StorageError{Op: "upsert_session", Err: err}
	}
	return nil
}

// UpdateSession applies a partial mutation from a session_update frame.
// Nil fields are left untouched.
func (s *Store) UpdateSession(ctx context.Context, sessionID string, url *string, safeMode *bool, allowlist []string) error {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if url != nil {
		sess.URL = *url
	}
	if safeMode != nil {
		sess.SafeMode = *safeMode
	}
	if allowlist != nil {
		sess.Allowlist = allowlist
	}
	return s.UpsertSession(ctx, sess)
}

// CloseSession marks the session closed. endedAt is clamped to created_at
// so the ended_at >= created_at invariant holds even with skewed clocks.
func (s *Store) CloseSession(ctx context.Context, sessionID string, endedAt int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, ended_at = MAX(?, created_at), updated_at = ?
		WHERE session_id = ?`,
		SessionClosed, endedAt, time.Now().UnixMilli(), sessionID)
	if err != nil {
		return &StorageError{Op: "close_session", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSession loads one session row.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, created_at, url, safe_mode, allowlist, status, ended_at, snapshot_config
		FROM sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, &StorageError{Op: "get_session", Err: err}
	}
	return sess, nil
}

// ListSessions returns sessions created since the given ms-epoch cutoff,
// newest first.
func (s *Store) ListSessions(ctx context.Context, sinceMs int64, limit, offset int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, created_at, url, safe_mode, allowlist, status, ended_at, snapshot_config
		FROM sessions
		WHERE created_at >= ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, sinceMs, limit, offset)
	if err != nil {
		return nil, &StorageError{Op: "list_sessions", Err: err}
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, &StorageError{Op: "list_sessions", Err: err}
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list_sessions", Err: err}
	}
	return out, nil
}

// Summary aggregates per-session counts in a single call.
func (s *Store) Summary(ctx context.Context, sessionID string) (SessionSummary, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return SessionSummary{}, err
	}
	sum := SessionSummary{Session: sess, EventCounts: map[string]int64{}}

	rows, err := s.db.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM events WHERE session_id = ? GROUP BY type`, sessionID)
	if err != nil {
		return sum, &StorageError{Op: "session_summary", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return sum, &StorageError{Op: "session_summary", Err: err}
		}
		sum.EventCounts[typ] = n
	}
	if err := rows.Err(); err != nil {
		return sum, &StorageError{Op: "session_summary", Err: err}
	}
	sum.ErrorCount = sum.EventCounts["error"]

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN error_type != 'none' THEN 1 ELSE 0 END), 0)
		FROM network_records WHERE session_id = ?`, sessionID).
		Scan(&sum.NetworkCount, &sum.FailureCount)
	if err != nil {
		return sum, &StorageError{Op: "session_summary", Err: err}
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snapshots WHERE session_id = ?`, sessionID).
		Scan(&sum.SnapshotCount)
	if err != nil {
		return sum, &StorageError{Op: "session_summary", Err: err}
	}

	var first, last sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(timestamp), MAX(timestamp) FROM events WHERE session_id = ?`, sessionID).
		Scan(&first, &last)
	if err != nil {
		return sum, &StorageError{Op: "session_summary", Err: err}
	}
	sum.FirstEventMs = first.Int64
	sum.LastEventMs = last.Int64
	return sum, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (Session, error) {
	var sess Session
	var allowlist string
	var endedAt sql.NullInt64
	var cfg sql.NullString
	err := r.Scan(&sess.SessionID, &sess.CreatedAt, &sess.URL, &sess.SafeMode,
		&allowlist, &sess.Status, &endedAt, &cfg)
	if err != nil {
		return Session{}, err
	}
	if allowlist != "" && allowlist != "null" {
		if err := json.Unmarshal([]byte(allowlist), &sess.Allowlist); err != nil {
			return Session{}, err
		}
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Int64
	}
	if cfg.Valid && cfg.String != "" {
		sess.SnapshotConfig = json.RawMessage(cfg.String)
	}
	return sess, nil
}
