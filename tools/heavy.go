package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tapbridge/tapbridge/capture"
	"github.com/tapbridge/tapbridge/extract"
)

const (
	defaultSubtreeDepth    = 3
	defaultSubtreeBytes    = 50_000
	defaultDocumentBytes   = 200_000
	outlineDepthForSubtree = 6
)

func (r *Registry) registerHeavyTools() {
	r.add(&mcp.Tool{
		Name:        "get_dom_subtree",
		Description: "Capture the live DOM subtree under a CSS selector from the connected agent.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
			"selector":   map[string]any{"type": "string"},
			"max_depth":  map[string]any{"type": "integer", "description": "1-10, default 3"},
			"max_bytes":  map[string]any{"type": "integer", "description": "1000-1000000, default 50000"},
			"timeout_ms": map[string]any{"type": "integer"},
		}, []string{"session_id", "selector"}),
	}, r.handleDomSubtree)

	r.add(&mcp.Tool{
		Name:        "get_dom_document",
		Description: "Capture the live document from the connected agent as outline, html or markdown.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
			"mode":       map[string]any{"type": "string", "description": "outline, html or markdown (default outline)"},
			"max_bytes":  map[string]any{"type": "integer"},
			"timeout_ms": map[string]any{"type": "integer"},
		}, []string{"session_id"}),
	}, r.handleDomDocument)

	r.add(&mcp.Tool{
		Name:        "get_computed_styles",
		Description: "Computed CSS for the element matching a selector, from the connected agent.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
			"selector":   map[string]any{"type": "string"},
			"properties": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"timeout_ms": map[string]any{"type": "integer"},
		}, []string{"session_id", "selector"}),
	}, r.handleComputedStyles)

	r.add(&mcp.Tool{
		Name:        "get_layout_metrics",
		Description: "Viewport and element layout metrics from the connected agent.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
			"selector":   map[string]any{"type": "string"},
			"timeout_ms": map[string]any{"type": "integer"},
		}, []string{"session_id"}),
	}, r.handleLayoutMetrics)

	r.add(&mcp.Tool{
		Name:        "capture_ui_snapshot",
		Description: "Ask the connected agent for an on-demand UI snapshot.",
		InputSchema: inputSchema(map[string]any{
			"session_id":  map[string]any{"type": "string"},
			"selector":    map[string]any{"type": "string"},
			"include_png": map[string]any{"type": "boolean"},
			"timeout_ms":  map[string]any{"type": "integer"},
		}, []string{"session_id"}),
	}, r.handleCaptureUISnapshot)
}

// captureTimeoutFor validates the optional per-call override.
func (r *Registry) captureTimeoutFor(timeoutMs int) (time.Duration, *Error) {
	if timeoutMs == 0 {
		return r.captureTimeout, nil
	}
	if timeoutMs < 100 || timeoutMs > 30_000 {
		return 0, validationErr("timeout_ms", "must be between 100 and 30000")
	}
	return time.Duration(timeoutMs) * time.Millisecond, nil
}

// captureErr maps a dispatcher failure to the tool error taxonomy.
func captureErr(e *capture.Error) *Error {
	return &Error{Kind: e.Kind, Message: e.Detail}
}

// fallbackOutline builds an outline from the most recent persisted
// snapshot when the live agent did not answer in time.
func (r *Registry) fallbackOutline(ctx context.Context, sessionID string) string {
	snap, err := r.store.SnapshotNearest(ctx, sessionID, r.now().UnixMilli(), time.Hour.Milliseconds())
	if err != nil || snap.DomPayload == "" {
		return ""
	}
	if snap.Truncation.Dom {
		// Already an outline.
		return snap.DomPayload
	}
	outline, err := extract.Outline(snap.DomPayload, outlineDepthForSubtree)
	if err != nil {
		return ""
	}
	return outline
}

type domSubtreeReq struct {
	SessionID string `json:"session_id"`
	Selector  string `json:"selector"`
	MaxDepth  int    `json:"max_depth"`
	MaxBytes  int    `json:"max_bytes"`
	TimeoutMs int    `json:"timeout_ms"`
}

func (r *Registry) handleDomSubtree(ctx context.Context, raw json.RawMessage) (any, error) {
	req, verr := decode[domSubtreeReq](raw)
	if verr != nil {
		return errEnvelope("", verr), nil
	}
	if verr := requireString("session_id", req.SessionID); verr != nil {
		return errEnvelope("", verr), nil
	}
	if verr := requireString("selector", req.Selector); verr != nil {
		return errEnvelope(req.SessionID, verr), nil
	}
	depth, verr := boundedInt("max_depth", req.MaxDepth, 1, 10, defaultSubtreeDepth)
	if verr != nil {
		return errEnvelope(req.SessionID, verr), nil
	}
	maxBytes, verr := boundedInt("max_bytes", req.MaxBytes, 1000, 1_000_000, defaultSubtreeBytes)
	if verr != nil {
		return errEnvelope(req.SessionID, verr), nil
	}
	timeout, verr := r.captureTimeoutFor(req.TimeoutMs)
	if verr != nil {
		return errEnvelope(req.SessionID, verr), nil
	}

	payload, _ := json.Marshal(map[string]any{
		"selector":  req.Selector,
		"max_depth": depth,
		"max_bytes": maxBytes,
	})
	res := r.dispatcher.Request(ctx, req.SessionID, capture.KindDomSubtree, payload, timeout)
	limits := map[string]any{"max_depth": depth, "max_bytes": maxBytes}

	if res.Err != nil {
		if res.Err.Kind == capture.ErrKindTimeout {
			// Degraded response: best available structure instead of a
			// bare failure.
			return envelope(req.SessionID, map[string]any{
				"truncated": true,
				"degraded":  true,
				"outline":   r.fallbackOutline(ctx, req.SessionID),
			}, limits), nil
		}
		return errEnvelope(req.SessionID, captureErr(res.Err)), nil
	}

	var data struct {
		HTML string `json:"html"`
	}
	if err := json.Unmarshal(res.Data, &data); err != nil {
		return errEnvelope(req.SessionID, validationErr("result", "agent returned malformed capture data")), nil
	}
	if len(data.HTML) > maxBytes {
		outline, err := extract.Outline(data.HTML, outlineDepthForSubtree)
		if err != nil {
			outline = ""
		}
		return envelope(req.SessionID, map[string]any{
			"truncated": true,
			"outline":   outline,
		}, limits), nil
	}
	return envelope(req.SessionID, map[string]any{
		"truncated": false,
		"html":      data.HTML,
	}, limits), nil
}

type domDocumentReq struct {
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"`
	MaxBytes  int    `json:"max_bytes"`
	TimeoutMs int    `json:"timeout_ms"`
}

func (r *Registry) handleDomDocument(ctx context.Context, raw json.RawMessage) (any, error) {
	req, verr := decode[domDocumentReq](raw)
	if verr != nil {
		return errEnvelope("", verr), nil
	}
	if verr := requireString("session_id", req.SessionID); verr != nil {
		return errEnvelope("", verr), nil
	}
	mode, verr := oneOf("mode", req.Mode, "outline", "outline", "html", "markdown")
	if verr != nil {
		return errEnvelope(req.SessionID, verr), nil
	}
	maxBytes, verr := boundedInt("max_bytes", req.MaxBytes, 1000, 1_000_000, defaultDocumentBytes)
	if verr != nil {
		return errEnvelope(req.SessionID, verr), nil
	}
	timeout, verr := r.captureTimeoutFor(req.TimeoutMs)
	if verr != nil {
		return errEnvelope(req.SessionID, verr), nil
	}

	payload, _ := json.Marshal(map[string]any{"max_bytes": maxBytes})
	res := r.dispatcher.Request(ctx, req.SessionID, capture.KindDomDocument, payload, timeout)
	limits := map[string]any{"mode": mode, "max_bytes": maxBytes}

	if res.Err != nil {
		if res.Err.Kind == capture.ErrKindTimeout {
			return envelope(req.SessionID, map[string]any{
				"truncated": true,
				"degraded":  true,
				"mode":      "outline",
				"outline":   r.fallbackOutline(ctx, req.SessionID),
			}, limits), nil
		}
		return errEnvelope(req.SessionID, captureErr(res.Err)), nil
	}

	var data struct {
		HTML string `json:"html"`
	}
	if err := json.Unmarshal(res.Data, &data); err != nil {
		return errEnvelope(req.SessionID, validationErr("result", "agent returned malformed capture data")), nil
	}

	truncated := false
	rendered := data.HTML
	switch mode {
	case "outline":
		outline, err := extract.Outline(data.HTML, outlineDepthForSubtree)
		if err != nil {
			return errEnvelope(req.SessionID, validationErr("result", "document markup could not be parsed")), nil
		}
		rendered = outline
	case "markdown":
		md, err := extract.Markdown(data.HTML)
		if err != nil {
			return errEnvelope(req.SessionID, validationErr("result", "document markup could not be converted")), nil
		}
		rendered = md
	}
	if len(rendered) > maxBytes {
		outline, err := extract.Outline(data.HTML, outlineDepthForSubtree)
		if err != nil {
			outline = ""
		}
		rendered = outline
		mode = "outline"
		truncated = true
	}
	return envelope(req.SessionID, map[string]any{
		"mode":      mode,
		"document":  rendered,
		"truncated": truncated,
	}, limits), nil
}

type computedStylesReq struct {
	SessionID  string   `json:"session_id"`
	Selector   string   `json:"selector"`
	Properties []string `json:"properties"`
	TimeoutMs  int      `json:"timeout_ms"`
}

func (r *Registry) handleComputedStyles(ctx context.Context, raw json.RawMessage) (any, error) {
	req, verr := decode[computedStylesReq](raw)
	if verr != nil {
		return errEnvelope("", verr), nil
	}
	if verr := requireString("session_id", req.SessionID); verr != nil {
		return errEnvelope("", verr), nil
	}
	if verr := requireString("selector", req.Selector); verr != nil {
		return errEnvelope(req.SessionID, verr), nil
	}
	timeout, verr := r.captureTimeoutFor(req.TimeoutMs)
	if verr != nil {
		return errEnvelope(req.SessionID, verr), nil
	}

	payload, _ := json.Marshal(map[string]any{
		"selector":   req.Selector,
		"properties": req.Properties,
	})
	res := r.dispatcher.Request(ctx, req.SessionID, capture.KindComputedStyles, payload, timeout)
	if res.Err != nil {
		return errEnvelope(req.SessionID, captureErr(res.Err)), nil
	}
	return envelope(req.SessionID, map[string]any{
		"styles": json.RawMessage(res.Data),
	}, nil), nil
}

type layoutMetricsReq struct {
	SessionID string `json:"session_id"`
	Selector  string `json:"selector"`
	TimeoutMs int    `json:"timeout_ms"`
}

func (r *Registry) handleLayoutMetrics(ctx context.Context, raw json.RawMessage) (any, error) {
	req, verr := decode[layoutMetricsReq](raw)
	if verr != nil {
		return errEnvelope("", verr), nil
	}
	if verr := requireString("session_id", req.SessionID); verr != nil {
		return errEnvelope("", verr), nil
	}
	timeout, verr := r.captureTimeoutFor(req.TimeoutMs)
	if verr != nil {
		return errEnvelope(req.SessionID, verr), nil
	}

	payload, _ := json.Marshal(map[string]any{"selector": req.Selector})
	res := r.dispatcher.Request(ctx, req.SessionID, capture.KindLayoutMetrics, payload, timeout)
	if res.Err != nil {
		return errEnvelope(req.SessionID, captureErr(res.Err)), nil
	}
	return envelope(req.SessionID, map[string]any{
		"metrics": json.RawMessage(res.Data),
	}, nil), nil
}

type uiSnapshotReq struct {
	SessionID  string `json:"session_id"`
	Selector   string `json:"selector"`
	IncludePNG bool   `json:"include_png"`
	TimeoutMs  int    `json:"timeout_ms"`
}

func (r *Registry) handleCaptureUISnapshot(ctx context.Context, raw json.RawMessage) (any, error) {
	req, verr := decode[uiSnapshotReq](raw)
	if verr != nil {
		return errEnvelope("", verr), nil
	}
	if verr := requireString("session_id", req.SessionID); verr != nil {
		return errEnvelope("", verr), nil
	}
	timeout, verr := r.captureTimeoutFor(req.TimeoutMs)
	if verr != nil {
		return errEnvelope(req.SessionID, verr), nil
	}

	payload, _ := json.Marshal(map[string]any{
		"selector":    req.Selector,
		"include_png": req.IncludePNG,
		"trigger":     "manual",
	})
	res := r.dispatcher.Request(ctx, req.SessionID, capture.KindUISnapshot, payload, timeout)
	if res.Err != nil {
		return errEnvelope(req.SessionID, captureErr(res.Err)), nil
	}

	// The agent delivers the snapshot itself through the ingest path;
	// the capture result just acknowledges it with the assigned id.
	var data struct {
		SnapshotID string `json:"snapshot_id"`
	}
	_ = json.Unmarshal(res.Data, &data)
	return envelope(req.SessionID, map[string]any{
		"snapshot_id": data.SnapshotID,
		"accepted":    true,
	}, nil), nil
}
