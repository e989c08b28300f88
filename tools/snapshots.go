package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tapbridge/tapbridge/redact"
	"github.com/tapbridge/tapbridge/store"
)

const (
	defaultAssetChunk = 65_536
	maxAssetChunk     = 262_144
	defaultSnapDelta  = 5_000
)

func (r *Registry) registerSnapshotTools() {
	r.add(&mcp.Tool{
		Name:        "list_snapshots",
		Description: "Snapshot metadata for a session, newest window first.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
			"since_ms":   map[string]any{"type": "integer"},
			"limit":      map[string]any{"type": "integer"},
			"offset":     map[string]any{"type": "integer"},
		}, []string{"session_id"}),
	}, r.handleListSnapshots)

	r.add(&mcp.Tool{
		Name:        "get_snapshot_for_event",
		Description: "The snapshot closest in time to an event, within a delta bound.",
		InputSchema: inputSchema(map[string]any{
			"session_id":   map[string]any{"type": "string"},
			"event_id":     map[string]any{"type": "string"},
			"max_delta_ms": map[string]any{"type": "integer", "description": "default 5000"},
		}, []string{"session_id", "event_id"}),
	}, r.handleSnapshotForEvent)

	r.add(&mcp.Tool{
		Name:        "get_snapshot_asset",
		Description: "Chunked retrieval of a snapshot's PNG bytes.",
		InputSchema: inputSchema(map[string]any{
			"snapshot_id": map[string]any{"type": "string"},
			"offset":      map[string]any{"type": "integer"},
			"max_bytes":   map[string]any{"type": "integer", "description": "1-262144, default 65536"},
			"encoding":    map[string]any{"type": "string", "description": "raw or base64 (default base64)"},
		}, []string{"snapshot_id"}),
	}, r.handleSnapshotAsset)
}

type listSnapshotsReq struct {
	SessionID string `json:"session_id"`
	SinceMs   int64  `json:"since_ms"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
}

func (r *Registry) handleListSnapshots(ctx context.Context, raw json.RawMessage) (any, error) {
	req, verr := decode[listSnapshotsReq](raw)
	if verr != nil {
		return errEnvelope("", verr), nil
	}
	if verr := requireString("session_id", req.SessionID); verr != nil {
		return errEnvelope("", verr), nil
	}
	limit, offset, verr := pageArgs(req.Limit, req.Offset, 100, 20)
	if verr != nil {
		return errEnvelope(req.SessionID, verr), nil
	}
	snaps, err := r.store.ListSnapshots(ctx, req.SessionID, req.SinceMs, limit, offset)
	if err != nil {
		return nil, persistenceErr(err)
	}
	for i := range snaps {
		snaps[i].DomPayload = ""
		snaps[i].StylesPayload = ""
	}
	return envelope(req.SessionID, map[string]any{
		"snapshots": snaps,
		"count":     len(snaps),
	}, map[string]any{"limit": limit, "offset": offset}), nil
}

type snapshotForEventReq struct {
	SessionID  string `json:"session_id"`
	EventID    string `json:"event_id"`
	MaxDeltaMs int64  `json:"max_delta_ms"`
}

func (r *Registry) handleSnapshotForEvent(ctx context.Context, raw json.RawMessage) (any, error) {
	req, verr := decode[snapshotForEventReq](raw)
	if verr != nil {
		return errEnvelope("", verr), nil
	}
	if verr := requireString("session_id", req.SessionID); verr != nil {
		return errEnvelope("", verr), nil
	}
	if verr := requireString("event_id", req.EventID); verr != nil {
		return errEnvelope(req.SessionID, verr), nil
	}
	maxDelta, verr := boundedInt64("max_delta_ms", req.MaxDeltaMs, 1, 600_000, defaultSnapDelta)
	if verr != nil {
		return errEnvelope(req.SessionID, verr), nil
	}

	ev, err := r.store.GetEvent(ctx, req.SessionID, req.EventID)
	if store.IsNotFound(err) {
		return errEnvelope(req.SessionID, validationErr("event_id", "unknown event")), nil
	}
	if err != nil {
		return nil, persistenceErr(err)
	}

	snap, err := r.store.SnapshotNearest(ctx, req.SessionID, ev.Timestamp, maxDelta)
	if store.IsNotFound(err) {
		return envelope(req.SessionID, map[string]any{
			"found": false,
		}, map[string]any{"max_delta_ms": maxDelta}), nil
	}
	if err != nil {
		return nil, persistenceErr(err)
	}
	return envelope(req.SessionID, map[string]any{
		"found":    true,
		"snapshot": snap,
		"delta_ms": snap.Timestamp - ev.Timestamp,
	}, map[string]any{"max_delta_ms": maxDelta}), nil
}

type snapshotAssetReq struct {
	SnapshotID string `json:"snapshot_id"`
	Offset     int64  `json:"offset"`
	MaxBytes   int64  `json:"max_bytes"`
	Encoding   string `json:"encoding"`
}

func (r *Registry) handleSnapshotAsset(ctx context.Context, raw json.RawMessage) (any, error) {
	req, verr := decode[snapshotAssetReq](raw)
	if verr != nil {
		return errEnvelope("", verr), nil
	}
	if verr := requireString("snapshot_id", req.SnapshotID); verr != nil {
		return errEnvelope("", verr), nil
	}
	if req.Offset < 0 {
		return errEnvelope("", validationErr("offset", "must not be negative")), nil
	}
	maxBytes, verr := boundedInt64("max_bytes", req.MaxBytes, 1, maxAssetChunk, defaultAssetChunk)
	if verr != nil {
		return errEnvelope("", verr), nil
	}
	encoding, verr := oneOf("encoding", req.Encoding, "base64", "raw", "base64")
	if verr != nil {
		return errEnvelope("", verr), nil
	}

	chunk, total, err := r.store.ReadSnapshotAssetChunk(ctx, req.SnapshotID, req.Offset, maxBytes)
	if store.IsNotFound(err) {
		return errEnvelope("", validationErr("snapshot_id", "no asset for snapshot")), nil
	}
	if err != nil {
		return nil, persistenceErr(err)
	}

	// The chunk itself skips the redaction walk; it is opaque binary,
	// not text, so the envelope is assembled by hand here.
	payload := map[string]any{
		"snapshot_id": req.SnapshotID,
		"offset":      req.Offset,
		"size_bytes":  total,
		"chunk_bytes": len(chunk),
		"eof":         req.Offset+int64(len(chunk)) >= total,
		"encoding":    encoding,
	}
	if encoding == "base64" {
		payload["data"] = base64.StdEncoding.EncodeToString(chunk)
	} else {
		payload["data"] = string(chunk)
	}
	payload["redaction_summary"] = redact.Summary{RulesApplied: []string{}}
	return payload, nil
}
