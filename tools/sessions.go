package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tapbridge/tapbridge/store"
)

func (r *Registry) registerSessionTools() {
	r.add(&mcp.Tool{
		Name:        "list_sessions",
		Description: "List capture sessions, most recent first.",
		InputSchema: inputSchema(map[string]any{
			"since_minutes": map[string]any{"type": "integer", "description": "Lookback window in minutes (1-1440, default 60)"},
			"limit":         map[string]any{"type": "integer"},
			"offset":        map[string]any{"type": "integer"},
		}, nil),
	}, r.handleListSessions)

	r.add(&mcp.Tool{
		Name:        "get_session_summary",
		Description: "Aggregate counts and time bounds for one session.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
		}, []string{"session_id"}),
	}, r.handleSessionSummary)

	r.add(&mcp.Tool{
		Name:        "get_recent_events",
		Description: "Recent telemetry events for a session, optionally filtered by type.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
			"types":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"since_ms":   map[string]any{"type": "integer"},
			"limit":      map[string]any{"type": "integer"},
			"offset":     map[string]any{"type": "integer"},
		}, []string{"session_id"}),
	}, r.handleRecentEvents)

	r.add(&mcp.Tool{
		Name:        "get_navigation_history",
		Description: "Page navigations recorded for a session, in order.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
			"limit":      map[string]any{"type": "integer"},
			"offset":     map[string]any{"type": "integer"},
		}, []string{"session_id"}),
	}, r.handleNavigationHistory)

	r.add(&mcp.Tool{
		Name:        "get_console_events",
		Description: "Console output for a session, optionally filtered by level.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
			"level":      map[string]any{"type": "string", "description": "log, info, warn or error"},
			"limit":      map[string]any{"type": "integer"},
			"offset":     map[string]any{"type": "integer"},
		}, []string{"session_id"}),
	}, r.handleConsoleEvents)
}

type listSessionsReq struct {
	SinceMinutes int `json:"since_minutes"`
	Limit        int `json:"limit"`
	Offset       int `json:"offset"`
}

func (r *Registry) handleListSessions(ctx context.Context, raw json.RawMessage) (any, error) {
	req, verr := decode[listSessionsReq](raw)
	if verr != nil {
		return errEnvelope("", verr), nil
	}
	since, verr := boundedInt("since_minutes", req.SinceMinutes, 1, 1440, 60)
	if verr != nil {
		return errEnvelope("", verr), nil
	}
	limit, offset, verr := pageArgs(req.Limit, req.Offset, 100, 20)
	if verr != nil {
		return errEnvelope("", verr), nil
	}

	sinceMs := r.now().Add(-time.Duration(since) * time.Minute).UnixMilli()
	sessions, err := r.store.ListSessions(ctx, sinceMs, limit, offset)
	if err != nil {
		return nil, persistenceErr(err)
	}
	return envelope("", map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	}, map[string]any{"since_minutes": since, "limit": limit, "offset": offset}), nil
}

type sessionIDReq struct {
	SessionID string `json:"session_id"`
}

func (r *Registry) handleSessionSummary(ctx context.Context, raw json.RawMessage) (any, error) {
	req, verr := decode[sessionIDReq](raw)
	if verr != nil {
		return errEnvelope("", verr), nil
	}
	if verr := requireString("session_id", req.SessionID); verr != nil {
		return errEnvelope("", verr), nil
	}
	summary, err := r.store.Summary(ctx, req.SessionID)
	if store.IsNotFound(err) {
		return errEnvelope(req.SessionID, validationErr("session_id", "unknown session")), nil
	}
	if err != nil {
		return nil, persistenceErr(err)
	}
	return envelope(req.SessionID, map[string]any{"summary": summary}, nil), nil
}

type recentEventsReq struct {
	SessionID string   `json:"session_id"`
	Types     []string `json:"types"`
	SinceMs   int64    `json:"since_ms"`
	Limit     int      `json:"limit"`
	Offset    int      `json:"offset"`
}

func (r *Registry) handleRecentEvents(ctx context.Context, raw json.RawMessage) (any, error) {
	req, verr := decode[recentEventsReq](raw)
	if verr != nil {
		return errEnvelope("", verr), nil
	}
	if verr := requireString("session_id", req.SessionID); verr != nil {
		return errEnvelope("", verr), nil
	}
	limit, offset, verr := pageArgs(req.Limit, req.Offset, 200, 50)
	if verr != nil {
		return errEnvelope(req.SessionID, verr), nil
	}
	events, err := r.store.RecentEvents(ctx, req.SessionID, req.Types, req.SinceMs, limit, offset)
	if err != nil {
		return nil, persistenceErr(err)
	}
	return envelope(req.SessionID, map[string]any{
		"events": events,
		"count":  len(events),
	}, map[string]any{"limit": limit, "offset": offset}), nil
}

type pagedSessionReq struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
}

func (r *Registry) handleNavigationHistory(ctx context.Context, raw json.RawMessage) (any, error) {
	req, verr := decode[pagedSessionReq](raw)
	if verr != nil {
		return errEnvelope("", verr), nil
	}
	if verr := requireString("session_id", req.SessionID); verr != nil {
		return errEnvelope("", verr), nil
	}
	limit, offset, verr := pageArgs(req.Limit, req.Offset, 200, 50)
	if verr != nil {
		return errEnvelope(req.SessionID, verr), nil
	}
	events, err := r.store.RecentEvents(ctx, req.SessionID, []string{"navigation"}, 0, limit, offset)
	if err != nil {
		return nil, persistenceErr(err)
	}
	return envelope(req.SessionID, map[string]any{
		"navigations": events,
		"count":       len(events),
	}, map[string]any{"limit": limit, "offset": offset}), nil
}

type consoleEventsReq struct {
	SessionID string `json:"session_id"`
	Level     string `json:"level"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
}

func (r *Registry) handleConsoleEvents(ctx context.Context, raw json.RawMessage) (any, error) {
	req, verr := decode[consoleEventsReq](raw)
	if verr != nil {
		return errEnvelope("", verr), nil
	}
	if verr := requireString("session_id", req.SessionID); verr != nil {
		return errEnvelope("", verr), nil
	}
	level, verr := oneOf("level", req.Level, "", "log", "info", "warn", "error", "debug")
	if verr != nil {
		return errEnvelope(req.SessionID, verr), nil
	}
	limit, offset, verr := pageArgs(req.Limit, req.Offset, 200, 50)
	if verr != nil {
		return errEnvelope(req.SessionID, verr), nil
	}

	events, err := r.store.RecentEvents(ctx, req.SessionID, []string{"console"}, 0, limit, offset)
	if err != nil {
		return nil, persistenceErr(err)
	}
	if level != "" {
		events = filterByLevel(events, level)
	}
	return envelope(req.SessionID, map[string]any{
		"events": events,
		"count":  len(events),
	}, map[string]any{"limit": limit, "offset": offset}), nil
}

// filterByLevel keeps console events whose payload level matches.
func filterByLevel(events []store.Event, level string) []store.Event {
	out := events[:0]
	for _, ev := range events {
		var payload struct {
			Level string `json:"level"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err == nil && payload.Level == level {
			out = append(out, ev)
		}
	}
	return out
}

func persistenceErr(err error) *Error {
	return &Error{Kind: KindPersistence, Message: err.Error()}
}
