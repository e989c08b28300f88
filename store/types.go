package store

import "encoding/json"

// Session is a logical capture window bound to a single extension agent.
type Session struct {
	SessionID      string          `json:"session_id"`
	CreatedAt      int64           `json:"created_at"`
	URL            string          `json:"url,omitempty"`
	SafeMode       bool            `json:"safe_mode"`
	Allowlist      []string        `json:"allowlist,omitempty"`
	Status         string          `json:"status"`
	EndedAt        *int64          `json:"ended_at,omitempty"`
	SnapshotConfig json.RawMessage `json:"snapshot_config,omitempty"`
}

// Session status values.
const (
	SessionActive = "active"
	SessionClosed = "closed"
)

// Event is any non-network, non-snapshot telemetry record.
type Event struct {
	EventID   string          `json:"event_id"`
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NetworkRecord is one observed request lifecycle.
type NetworkRecord struct {
	NetworkID  string `json:"network_id"`
	SessionID  string `json:"session_id"`
	Timestamp  int64  `json:"timestamp"`
	Method     string `json:"method"`
	URL        string `json:"url"`
	Status     int    `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	ErrorType  string `json:"error_type"`
}

// Network error types. ErrorNone iff status < 400 and transport succeeded.
const (
	ErrorNone      = "none"
	ErrorTimeout   = "timeout"
	ErrorCORS      = "cors"
	ErrorDNS       = "dns"
	ErrorBlocked   = "blocked"
	ErrorHTTPError = "http_error"
)

// Fingerprint is a deduplicating aggregate over error events. SessionID ""
// addresses the cross-session row space.
type Fingerprint struct {
	Hash          string `json:"hash"`
	SessionID     string `json:"session_id,omitempty"`
	Count         int64  `json:"count"`
	FirstSeen     int64  `json:"first_seen"`
	LastSeen      int64  `json:"last_seen"`
	SampleMessage string `json:"sample_message"`
	SampleStack   string `json:"sample_stack,omitempty"`
}

// Truncation flags which snapshot payloads were cut or blocked.
type Truncation struct {
	Dom    bool `json:"dom"`
	Styles bool `json:"styles"`
	Png    bool `json:"png"`
}

// SnapshotMode records what the capture contained.
type SnapshotMode struct {
	Dom       bool   `json:"dom"`
	Png       bool   `json:"png"`
	StyleMode string `json:"style_mode,omitempty"`
}

// Snapshot is a UI capture at a point in time.
type Snapshot struct {
	SnapshotID    string          `json:"snapshot_id"`
	SessionID     string          `json:"session_id"`
	Timestamp     int64           `json:"timestamp"`
	Trigger       string          `json:"trigger"`
	Selector      string          `json:"selector,omitempty"`
	URL           string          `json:"url,omitempty"`
	Mode          SnapshotMode    `json:"mode"`
	DomPayload    string          `json:"dom_payload,omitempty"`
	StylesPayload string          `json:"styles_payload,omitempty"`
	Truncation    Truncation      `json:"truncation"`
	Redaction     json.RawMessage `json:"redaction,omitempty"`
	PngAssetID    *string         `json:"png_asset_id,omitempty"`
}

// SnapshotAsset is an opaque binary blob for PNG captures.
type SnapshotAsset struct {
	AssetID    string `json:"asset_id"`
	SnapshotID string `json:"snapshot_id"`
	Kind       string `json:"kind"`
	Bytes      []byte `json:"-"`
	SizeBytes  int64  `json:"size_bytes"`
}

// SessionSummary aggregates per-session counts for the summary tool.
type SessionSummary struct {
	Session       Session          `json:"session"`
	EventCounts   map[string]int64 `json:"event_counts"`
	NetworkCount  int64            `json:"network_count"`
	FailureCount  int64            `json:"failure_count"`
	ErrorCount    int64            `json:"error_count"`
	SnapshotCount int64            `json:"snapshot_count"`
	FirstEventMs  int64            `json:"first_event_ms,omitempty"`
	LastEventMs   int64            `json:"last_event_ms,omitempty"`
}
