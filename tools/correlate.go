package tools

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tapbridge/tapbridge/store"
)

func (r *Registry) registerCorrelationTools() {
	r.add(&mcp.Tool{
		Name:        "explain_last_failure",
		Description: "Find the most recent failure in a session and the telemetry around it.",
		InputSchema: inputSchema(map[string]any{
			"session_id":       map[string]any{"type": "string"},
			"lookback_seconds": map[string]any{"type": "integer", "description": "1-300, default 30"},
		}, []string{"session_id"}),
	}, r.handleExplainLastFailure)

	r.add(&mcp.Tool{
		Name:        "get_event_correlation",
		Description: "Score events and network records near an anchor event by temporal proximity.",
		InputSchema: inputSchema(map[string]any{
			"session_id":     map[string]any{"type": "string"},
			"event_id":       map[string]any{"type": "string"},
			"window_seconds": map[string]any{"type": "integer", "description": "1-60, default 5"},
		}, []string{"session_id", "event_id"}),
	}, r.handleEventCorrelation)
}

// correlated is one scored record near the anchor.
type correlated struct {
	Kind      string          `json:"kind"` // "event" or "network"
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	DeltaMs   int64           `json:"delta_ms"`
	Score     float64         `json:"score"`
	Causal    bool            `json:"causal"`
	Data      json.RawMessage `json:"data,omitempty"`
	URL       string          `json:"url,omitempty"`
}

// correlationScore is 1 / (1 + |dt| / window), clamped to [0, 1].
func correlationScore(deltaMs, windowMs int64) float64 {
	if windowMs <= 0 {
		return 0
	}
	score := 1.0 / (1.0 + math.Abs(float64(deltaMs))/float64(windowMs))
	return math.Min(1, math.Max(0, score))
}

// causalPairs name anchor-to-neighbor type pairs with a known causal
// direction, used to break score ties.
var causalPairs = map[[2]string]bool{
	{"click", "network"}:      true,
	{"submit", "network"}:     true,
	{"error", "console"}:      true,
	{"navigation", "network"}: true,
}

func isCausal(anchorType, neighborKind, neighborType string) bool {
	if neighborKind == "network" {
		return causalPairs[[2]string{anchorType, "network"}]
	}
	return causalPairs[[2]string{anchorType, neighborType}]
}

// correlateWindow collects and scores records around the anchor.
func (r *Registry) correlateWindow(ctx context.Context, sessionID, anchorType string, anchorID string, anchorTs, windowMs int64) ([]correlated, error) {
	from, to := anchorTs-windowMs, anchorTs+windowMs

	events, err := r.store.EventsInWindow(ctx, sessionID, from, to, 200)
	if err != nil {
		return nil, err
	}
	network, err := r.store.NetworkInWindow(ctx, sessionID, from, to, 200)
	if err != nil {
		return nil, err
	}

	out := make([]correlated, 0, len(events)+len(network))
	for _, ev := range events {
		if ev.EventID == anchorID {
			continue
		}
		delta := ev.Timestamp - anchorTs
		out = append(out, correlated{
			Kind:      "event",
			ID:        ev.EventID,
			Type:      ev.Type,
			Timestamp: ev.Timestamp,
			DeltaMs:   delta,
			Score:     correlationScore(delta, windowMs),
			Causal:    isCausal(anchorType, "event", ev.Type),
			Data:      ev.Data,
		})
	}
	for _, rec := range network {
		delta := rec.Timestamp - anchorTs
		out = append(out, correlated{
			Kind:      "network",
			ID:        rec.NetworkID,
			Type:      rec.ErrorType,
			Timestamp: rec.Timestamp,
			DeltaMs:   delta,
			Score:     correlationScore(delta, windowMs),
			Causal:    isCausal(anchorType, "network", ""),
			URL:       rec.URL,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Causal != out[j].Causal {
			return out[i].Causal
		}
		return abs64(out[i].DeltaMs) < abs64(out[j].DeltaMs)
	})
	return out, nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

type explainFailureReq struct {
	SessionID       string `json:"session_id"`
	LookbackSeconds int    `json:"lookback_seconds"`
}

func (r *Registry) handleExplainLastFailure(ctx context.Context, raw json.RawMessage) (any, error) {
	req, verr := decode[explainFailureReq](raw)
	if verr != nil {
		return errEnvelope("", verr), nil
	}
	if verr := requireString("session_id", req.SessionID); verr != nil {
		return errEnvelope("", verr), nil
	}
	lookback, verr := boundedInt("lookback_seconds", req.LookbackSeconds, 1, 300, 30)
	if verr != nil {
		return errEnvelope(req.SessionID, verr), nil
	}

	sinceMs := r.now().Add(-time.Duration(lookback) * time.Second).UnixMilli()

	// The failure anchor is whichever came last: an error event or a
	// failed network request.
	lastErr, errEv := r.store.LastEventOfTypes(ctx, req.SessionID, []string{"error", "unhandledrejection"}, sinceMs)
	lastNet, errNet := r.store.LastNetworkFailure(ctx, req.SessionID, sinceMs)
	if errEv != nil && !store.IsNotFound(errEv) {
		return nil, persistenceErr(errEv)
	}
	if errNet != nil && !store.IsNotFound(errNet) {
		return nil, persistenceErr(errNet)
	}

	haveEvent := errEv == nil
	haveNet := errNet == nil
	if !haveEvent && !haveNet {
		return envelope(req.SessionID, map[string]any{
			"failure_found": false,
		}, map[string]any{"lookback_seconds": lookback}), nil
	}

	var anchorType, anchorID string
	var anchorTs int64
	var anchor any
	if haveEvent && (!haveNet || lastErr.Timestamp >= lastNet.Timestamp) {
		anchorType, anchorID, anchorTs, anchor = lastErr.Type, lastErr.EventID, lastErr.Timestamp, lastErr
	} else {
		anchorType, anchorID, anchorTs, anchor = "network", lastNet.NetworkID, lastNet.Timestamp, lastNet
	}

	const explainWindowMs = 5_000
	related, err := r.correlateWindow(ctx, req.SessionID, anchorType, anchorID, anchorTs, explainWindowMs)
	if err != nil {
		return nil, persistenceErr(err)
	}
	if len(related) > 20 {
		related = related[:20]
	}

	payload := map[string]any{
		"failure_found": true,
		"anchor_kind":   anchorType,
		"anchor":        anchor,
		"related":       related,
	}
	// A snapshot near the failure is worth more than any log line.
	if snap, err := r.store.SnapshotNearest(ctx, req.SessionID, anchorTs, explainWindowMs); err == nil {
		snap.DomPayload = ""
		snap.StylesPayload = ""
		payload["snapshot"] = snap
	}
	return envelope(req.SessionID, payload,
		map[string]any{"lookback_seconds": lookback, "window_ms": explainWindowMs}), nil
}

type eventCorrelationReq struct {
	SessionID     string `json:"session_id"`
	EventID       string `json:"event_id"`
	WindowSeconds int    `json:"window_seconds"`
}

func (r *Registry) handleEventCorrelation(ctx context.Context, raw json.RawMessage) (any, error) {
	req, verr := decode[eventCorrelationReq](raw)
	if verr != nil {
		return errEnvelope("", verr), nil
	}
	if verr := requireString("session_id", req.SessionID); verr != nil {
		return errEnvelope("", verr), nil
	}
	if verr := requireString("event_id", req.EventID); verr != nil {
		return errEnvelope(req.SessionID, verr), nil
	}
	window, verr := boundedInt("window_seconds", req.WindowSeconds, 1, 60, 5)
	if verr != nil {
		return errEnvelope(req.SessionID, verr), nil
	}

	anchor, err := r.store.GetEvent(ctx, req.SessionID, req.EventID)
	if store.IsNotFound(err) {
		return errEnvelope(req.SessionID, validationErr("event_id", "unknown event")), nil
	}
	if err != nil {
		return nil, persistenceErr(err)
	}

	windowMs := int64(window) * 1000
	related, err := r.correlateWindow(ctx, req.SessionID, anchor.Type, anchor.EventID, anchor.Timestamp, windowMs)
	if err != nil {
		return nil, persistenceErr(err)
	}
	return envelope(req.SessionID, map[string]any{
		"anchor":  anchor,
		"related": related,
	}, map[string]any{"window_seconds": window}), nil
}
