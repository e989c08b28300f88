package store

import (
	"context"
	"database/sql"
	"errors"
)

// UpsertFingerprint increments (or creates) the aggregate row for hash
// within sessionID. Pass sessionID "" for the cross-session row space.
// The sample message/stack stick from the first occurrence.
func (s *Store) UpsertFingerprint(ctx context.Context, hash, sessionID, sampleMessage, sampleStack string, seenAt int64, increment int64) error {
	if increment < 1 {
		increment = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO error_fingerprints (hash, session_id, count, first_seen, last_seen, sample_message, sample_stack)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(hash, session_id) DO UPDATE SET
			count = count + excluded.count,
			first_seen = MIN(first_seen, excluded.first_seen),
			last_seen = MAX(last_seen, excluded.last_seen)`,
		hash, sessionID, increment, seenAt, seenAt, sampleMessage, sampleStack)
	if err != nil {
		return &StorageError{Op: "upsert_fingerprint", Err: err}
	}
	return nil
}

// Fingerprints lists aggregates for one session (or all sessions when
// sessionID is empty), most recently seen first.
func (s *Store) Fingerprints(ctx context.Context, sessionID string, limit, offset int) ([]Fingerprint, error) {
	q := `SELECT hash, session_id, count, first_seen, last_seen, sample_message, sample_stack
		FROM error_fingerprints`
	args := []any{}
	if sessionID != "" {
		q += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	q += " ORDER BY last_seen DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &StorageError{Op: "fingerprints", Err: err}
	}
	defer rows.Close()

	var out []Fingerprint
	for rows.Next() {
		var fp Fingerprint
		err := rows.Scan(&fp.Hash, &fp.SessionID, &fp.Count, &fp.FirstSeen,
			&fp.LastSeen, &fp.SampleMessage, &fp.SampleStack)
		if err != nil {
			return nil, &StorageError{Op: "fingerprints", Err: err}
		}
		out = append(out, fp)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "fingerprints", Err: err}
	}
	return out, nil
}

// GetFingerprint loads one aggregate row.
func (s *Store) GetFingerprint(ctx context.Context, hash, sessionID string) (Fingerprint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT hash, session_id, count, first_seen, last_seen, sample_message, sample_stack
		FROM error_fingerprints WHERE hash = ? AND session_id = ?`, hash, sessionID)
	var fp Fingerprint
	err := row.Scan(&fp.Hash, &fp.SessionID, &fp.Count, &fp.FirstSeen,
		&fp.LastSeen, &fp.SampleMessage, &fp.SampleStack)
	if errors.Is(err, sql.ErrNoRows) {
		return Fingerprint{}, ErrNotFound
	}
	if err != nil {
		return Fingerprint{}, &StorageError{Op: "get_fingerprint", Err: err}
	}
	return fp, nil
}
