package store

import (
	"context"
)

// InsertNetworkBatch writes all records in one transaction.
func (s *Store) InsertNetworkBatch(ctx context.Context, sessionID string, records []NetworkRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "insert_network", Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO network_records
			(network_id, session_id, timestamp, method, url, status, duration_ms, error_type)
		VALUES (?,?,?,?,?,?,?,?)`)
	if err != nil {
		return &StorageError{Op: "insert_network", Err: err}
	}
	defer stmt.Close()

	for _, rec := range records {
		if rec.ErrorType == "" {
			// 4xx/5xx responses count as failures even when the agent
			// reports no transport error.
			if rec.Status >= 400 {
				rec.ErrorType = ErrorHTTPError
			} else {
				rec.ErrorType = ErrorNone
			}
		}
		if rec.Method == "" {
			rec.Method = "GET"
		}
		_, err := stmt.ExecContext(ctx, rec.NetworkID, sessionID, rec.Timestamp,
			rec.Method, rec.URL, rec.Status, rec.DurationMs, rec.ErrorType)
		if err != nil {
			return &StorageError{Op: "insert_network", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "insert_network", Err: err}
	}
	return nil
}

// NetworkFailures returns failed requests (error_type != none) since the
// cutoff, newest first.
func (s *Store) NetworkFailures(ctx context.Context, sessionID string, sinceMs int64, limit, offset int) ([]NetworkRecord, error) {
	return s.queryNetwork(ctx, "network_failures", `
		SELECT network_id, session_id, timestamp, method, url, status, duration_ms, error_type
		FROM network_records
		WHERE session_id = ? AND timestamp >= ? AND error_type != 'none'
		ORDER BY timestamp DESC LIMIT ? OFFSET ?`,
		sessionID, sinceMs, limit, offset)
}

// NetworkInWindow returns all records within [fromMs, toMs].
func (s *Store) NetworkInWindow(ctx context.Context, sessionID string, fromMs, toMs int64, limit int) ([]NetworkRecord, error) {
	return s.queryNetwork(ctx, "network_in_window", `
		SELECT network_id, session_id, timestamp, method, url, status, duration_ms, error_type
		FROM network_records
		WHERE session_id = ? AND timestamp BETWEEN ? AND ?
		ORDER BY timestamp LIMIT ?`,
		sessionID, fromMs, toMs, limit)
}

// LastNetworkFailure returns the most recent failed request, or ErrNotFound.
func (s *Store) LastNetworkFailure(ctx context.Context, sessionID string, sinceMs int64) (NetworkRecord, error) {
	recs, err := s.queryNetwork(ctx, "last_network_failure", `
		SELECT network_id, session_id, timestamp, method, url, status, duration_ms, error_type
		FROM network_records
		WHERE session_id = ? AND timestamp >= ? AND error_type != 'none'
		ORDER BY timestamp DESC LIMIT 1`, sessionID, sinceMs)
	if err != nil {
		return NetworkRecord{}, err
	}
	if len(recs) == 0 {
		return NetworkRecord{}, ErrNotFound
	}
	return recs[0], nil
}

func (s *Store) queryNetwork(ctx context.Context, op, q string, args ...any) ([]NetworkRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &StorageError{Op: op, Err: err}
	}
	defer rows.Close()

	var out []NetworkRecord
	for rows.Next() {
		var rec NetworkRecord
		err := rows.Scan(&rec.NetworkID, &rec.SessionID, &rec.Timestamp,
			&rec.Method, &rec.URL, &rec.Status, &rec.DurationMs, &rec.ErrorType)
		if err != nil {
			return nil, &StorageError{Op: op, Err: err}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: op, Err: err}
	}
	return out, nil
}
