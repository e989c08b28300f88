package store

import (
	"context"
	"fmt"
	"strings"
)

// InsertEventBatch writes all events in one transaction. A failure leaves
// the store exactly as before the call.
func (s *Store) InsertEventBatch(ctx context.Context, sessionID string, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "insert_events", Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO events (event_id, session_id, type, timestamp, data)
		VALUES (?,?,?,?,?)`)
	if err != nil {
		return &StorageError{Op: "insert_events", Err: err}
	}
	defer stmt.Close()

	for _, ev := range events {
		var data any
		if len(ev.Data) > 0 {
			data = string(ev.Data)
		}
		if _, err := stmt.ExecContext(ctx, ev.EventID, sessionID, ev.Type, ev.Timestamp, data); err != nil {
			return &StorageError{Op: "insert_events", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "insert_events", Err: err}
	}
	return nil
}

// RecentEvents returns events for a session since the cutoff, ordered by
// timestamp then event_id. An empty types filter matches every type.
func (s *Store) RecentEvents(ctx context.Context, sessionID string, types []string, sinceMs int64, limit, offset int) ([]Event, error) {
	q := `SELECT event_id, session_id, type, timestamp, data
		FROM events WHERE session_id = ? AND timestamp >= ?`
	args := []any{sessionID, sinceMs}
	if len(types) > 0 {
		q += fmt.Sprintf(" AND type IN (%s)", placeholders(len(types)))
		for _, t := range types {
			args = append(args, t)
		}
	}
	q += " ORDER BY timestamp, event_id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)
	return s.queryEvents(ctx, "recent_events", q, args...)
}

// EventsInWindow returns events within [fromMs, toMs], ordered by timestamp.
func (s *Store) EventsInWindow(ctx context.Context, sessionID string, fromMs, toMs int64, limit int) ([]Event, error) {
	return s.queryEvents(ctx, "events_in_window", `
		SELECT event_id, session_id, type, timestamp, data
		FROM events
		WHERE session_id = ? AND timestamp BETWEEN ? AND ?
		ORDER BY timestamp, event_id LIMIT ?`,
		sessionID, fromMs, toMs, limit)
}

// LastEventOfTypes returns the most recent matching event, or ErrNotFound.
func (s *Store) LastEventOfTypes(ctx context.Context, sessionID string, types []string, sinceMs int64) (Event, error) {
	evs, err := s.queryEvents(ctx, "last_event", fmt.Sprintf(`
		SELECT event_id, session_id, type, timestamp, data
		FROM events
		WHERE session_id = ? AND timestamp >= ? AND type IN (%s)
		ORDER BY timestamp DESC, event_id DESC LIMIT 1`, placeholders(len(types))),
		append([]any{sessionID, sinceMs}, toAny(types)...)...)
	if err != nil {
		return Event{}, err
	}
	if len(evs) == 0 {
		return Event{}, ErrNotFound
	}
	return evs[0], nil
}

// GetEvent loads a single event by ID.
func (s *Store) GetEvent(ctx context.Context, sessionID, eventID string) (Event, error) {
	evs, err := s.queryEvents(ctx, "get_event", `
		SELECT event_id, session_id, type, timestamp, data
		FROM events WHERE session_id = ? AND event_id = ?`, sessionID, eventID)
	if err != nil {
		return Event{}, err
	}
	if len(evs) == 0 {
		return Event{}, ErrNotFound
	}
	return evs[0], nil
}

func (s *Store) queryEvents(ctx context.Context, op, q string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &StorageError{Op: op, Err: err}
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var data *string
		if err := rows.Scan(&ev.EventID, &ev.SessionID, &ev.Type, &ev.Timestamp, &data); err != nil {
			return nil, &StorageError{Op: op, Err: err}
		}
		if data != nil {
			ev.Data = []byte(*data)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: op, Err: err}
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
