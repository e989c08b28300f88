package tools

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tapbridge/tapbridge/store"
)

func (r *Registry) registerErrorNetworkTools() {
	r.add(&mcp.Tool{
		Name:        "get_error_fingerprints",
		Description: "Deduplicated error groups with counts and samples. Omit session_id for the cross-session view.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
			"limit":      map[string]any{"type": "integer"},
			"offset":     map[string]any{"type": "integer"},
		}, nil),
	}, r.handleErrorFingerprints)

	r.add(&mcp.Tool{
		Name:        "get_network_failures",
		Description: "Failed network requests, optionally grouped by url, error_type or domain.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
			"since_ms":   map[string]any{"type": "integer"},
			"group_by":   map[string]any{"type": "string", "description": "url, error_type or domain"},
			"limit":      map[string]any{"type": "integer"},
			"offset":     map[string]any{"type": "integer"},
		}, []string{"session_id"}),
	}, r.handleNetworkFailures)

	r.add(&mcp.Tool{
		Name:        "get_element_refs",
		Description: "Element references recorded by the agent, filtered by CSS selector substring.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
			"selector":   map[string]any{"type": "string"},
			"limit":      map[string]any{"type": "integer"},
			"offset":     map[string]any{"type": "integer"},
		}, []string{"session_id"}),
	}, r.handleElementRefs)
}

type fingerprintsReq struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
}

func (r *Registry) handleErrorFingerprints(ctx context.Context, raw json.RawMessage) (any, error) {
	req, verr := decode[fingerprintsReq](raw)
	if verr != nil {
		return errEnvelope("", verr), nil
	}
	limit, offset, verr := pageArgs(req.Limit, req.Offset, 200, 50)
	if verr != nil {
		return errEnvelope(req.SessionID, verr), nil
	}
	fps, err := r.store.Fingerprints(ctx, req.SessionID, limit, offset)
	if err != nil {
		return nil, persistenceErr(err)
	}
	return envelope(req.SessionID, map[string]any{
		"fingerprints": fps,
		"count":        len(fps),
	}, map[string]any{"limit": limit, "offset": offset}), nil
}

type networkFailuresReq struct {
	SessionID string `json:"session_id"`
	SinceMs   int64  `json:"since_ms"`
	GroupBy   string `json:"group_by"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
}

func (r *Registry) handleNetworkFailures(ctx context.Context, raw json.RawMessage) (any, error) {
	req, verr := decode[networkFailuresReq](raw)
	if verr != nil {
		return errEnvelope("", verr), nil
	}
	if verr := requireString("session_id", req.SessionID); verr != nil {
		return errEnvelope("", verr), nil
	}
	groupBy, verr := oneOf("group_by", req.GroupBy, "", "url", "error_type", "domain")
	if verr != nil {
		return errEnvelope(req.SessionID, verr), nil
	}
	limit, offset, verr := pageArgs(req.Limit, req.Offset, 200, 50)
	if verr != nil {
		return errEnvelope(req.SessionID, verr), nil
	}

	failures, err := r.store.NetworkFailures(ctx, req.SessionID, req.SinceMs, limit, offset)
	if err != nil {
		return nil, persistenceErr(err)
	}
	payload := map[string]any{
		"failures": failures,
		"count":    len(failures),
	}
	if groupBy != "" {
		payload["groups"] = groupFailures(failures, groupBy)
	}
	return envelope(req.SessionID, payload,
		map[string]any{"limit": limit, "offset": offset}), nil
}

// failureGroup aggregates failures sharing one key.
type failureGroup struct {
	Key    string              `json:"key"`
	Count  int                 `json:"count"`
	Sample store.NetworkRecord `json:"sample"`
}

func groupFailures(failures []store.NetworkRecord, groupBy string) []failureGroup {
	index := map[string]int{}
	var groups []failureGroup
	for _, f := range failures {
		var key string
		switch groupBy {
		case "url":
			key = f.URL
		case "error_type":
			key = f.ErrorType
		case "domain":
			key = domainOf(f.URL)
		}
		if i, ok := index[key]; ok {
			groups[i].Count++
			continue
		}
		index[key] = len(groups)
		groups = append(groups, failureGroup{Key: key, Count: 1, Sample: f})
	}
	return groups
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return rawURL
	}
	return strings.ToLower(u.Hostname())
}

type elementRefsReq struct {
	SessionID string `json:"session_id"`
	Selector  string `json:"selector"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
}

func (r *Registry) handleElementRefs(ctx context.Context, raw json.RawMessage) (any, error) {
	req, verr := decode[elementRefsReq](raw)
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

	events, err := r.store.RecentEvents(ctx, req.SessionID, []string{"ui", "element_ref"}, 0, limit, offset)
	if err != nil {
		return nil, persistenceErr(err)
	}
	if req.Selector != "" {
		events = filterBySelector(events, req.Selector)
	}
	return envelope(req.SessionID, map[string]any{
		"refs":  events,
		"count": len(events),
	}, map[string]any{"limit": limit, "offset": offset}), nil
}

// filterBySelector keeps events whose payload selector contains needle.
func filterBySelector(events []store.Event, needle string) []store.Event {
	out := events[:0]
	for _, ev := range events {
		var payload struct {
			Selector string `json:"selector"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err == nil &&
			strings.Contains(payload.Selector, needle) {
			out = append(out, ev)
		}
	}
	return out
}
