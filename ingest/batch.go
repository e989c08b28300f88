package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tapbridge/tapbridge/redact"
	"github.com/tapbridge/tapbridge/store"
	"github.com/tapbridge/tapbridge/wire"
)

const (
	retryInitialInterval = 100 * time.Millisecond
	retryMultiplier      = 3
	maxPersistAttempts   = 4 // first try plus three retries
)

// errorEventTypes are events that feed the fingerprint aggregate.
var errorEventTypes = map[string]bool{
	"error":              true,
	"unhandledrejection": true,
}

// persistWithRetry runs op with exponential backoff at 100ms, 300ms and
// 900ms. Transient SQLite contention resolves well inside that window;
// anything still failing afterwards is treated as a lost database.
func (s *Server) persistWithRetry(ctx context.Context, op func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.Multiplier = retryMultiplier
	bo.RandomizationFactor = 0

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op(ctx)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(maxPersistAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.metrics.PersistenceRetry()
			s.logger.Warn("persistence retry", "error", err, "next_in", next)
		}),
	)
	return err
}

// ingestEventBatch redacts, filters and persists one event batch, then
// folds any error events into the fingerprint aggregate. The batch write
// is atomic; fingerprint upserts are best-effort bookkeeping on top.
func (s *Server) ingestEventBatch(ctx context.Context, sessionID string, safeMode bool, events []wire.Event) error {
	rows := make([]store.Event, 0, len(events))
	for _, ev := range events {
		data, dropped := sanitizeEventData(ev.Type, ev.Data, safeMode)
		if dropped {
			continue
		}
		rows = append(rows, store.Event{
			EventID:   ev.EventID,
			SessionID: sessionID,
			Type:      ev.Type,
			Timestamp: ev.Timestamp,
			Data:      data,
		})
	}
	if len(rows) == 0 {
		return nil
	}

	err := s.persistWithRetry(ctx, func(ctx context.Context) error {
		return s.store.InsertEventBatch(ctx, sessionID, rows)
	})
	if err != nil {
		return err
	}
	s.metrics.EventsIngested(len(rows))
	s.metrics.BatchWritten()

	for _, row := range rows {
		if !errorEventTypes[row.Type] {
			continue
		}
		s.aggregateErrorEvent(ctx, sessionID, row)
	}
	return nil
}

// sanitizeEventData applies safe mode and the redaction rules to one
// event payload. Returns (payload, true) when safe mode drops the event.
func sanitizeEventData(eventType string, raw json.RawMessage, safeMode bool) (json.RawMessage, bool) {
	if len(raw) == 0 {
		if safeMode {
			_, dropped := redact.ApplySafeMode(eventType, nil)
			return nil, dropped
		}
		return nil, false
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		// Unparseable payloads are kept opaque rather than lost.
		return raw, false
	}

	if safeMode {
		obj, ok := payload.(map[string]any)
		if !ok {
			obj = nil
		}
		filtered, dropped := redact.ApplySafeMode(eventType, obj)
		if dropped {
			return nil, true
		}
		if obj != nil {
			payload = filtered
		}
	}

	redacted := redact.RedactObject(payload)
	out, err := json.Marshal(redacted.Value)
	if err != nil {
		return raw, false
	}
	return out, false
}

// aggregateErrorEvent upserts the per-session and cross-session
// fingerprint rows for one error event.
func (s *Server) aggregateErrorEvent(ctx context.Context, sessionID string, ev store.Event) {
	var payload struct {
		Message string `json:"message"`
		Stack   string `json:"stack"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.Message == "" {
		return
	}
	hash := store.FingerprintHash(payload.Message, payload.Stack)
	for _, scope := range []string{sessionID, ""} {
		err := s.store.UpsertFingerprint(ctx, hash, scope, payload.Message, payload.Stack, ev.Timestamp, 1)
		if err != nil {
			s.logger.Warn("fingerprint upsert failed", "hash", hash, "error", err)
		}
	}
}

// ingestNetworkBatch persists one network batch. URLs pass through the
// redaction rules so query-string credentials never reach disk.
func (s *Server) ingestNetworkBatch(ctx context.Context, sessionID string, records []wire.NetworkRecord) error {
	rows := make([]store.NetworkRecord, 0, len(records))
	for _, rec := range records {
		rows = append(rows, store.NetworkRecord{
			NetworkID:  rec.NetworkID,
			SessionID:  sessionID,
			Timestamp:  rec.Timestamp,
			Method:     rec.Method,
			URL:        redact.RedactString(rec.URL).Value,
			Status:     rec.Status,
			DurationMs: rec.DurationMs,
			ErrorType:  rec.ErrorType,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	err := s.persistWithRetry(ctx, func(ctx context.Context) error {
		return s.store.InsertNetworkBatch(ctx, sessionID, rows)
	})
	if err != nil {
		return err
	}
	s.metrics.BatchWritten()
	return nil
}
