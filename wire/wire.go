// Package wire defines the JSON frame types exchanged between the bridge
// and the extension agent over the WebSocket transport. One frame per
// WebSocket message, discriminated by the "type" field.
//
// Direction matters: session_start, session_update, session_end,
// event_batch, network_batch, snapshot, capture_result and pong travel
// from the agent to the bridge; capture_command and ping travel from the
// bridge to the agent.
package wire

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates frame types on the wire.
type Kind string

const (
	KindSessionStart   Kind = "session_start"
	KindSessionUpdate  Kind = "session_update"
	KindSessionEnd     Kind = "session_end"
	KindEventBatch     Kind = "event_batch"
	KindNetworkBatch   Kind = "network_batch"
	KindSnapshot       Kind = "snapshot"
	KindCaptureCommand Kind = "capture_command"
	KindCaptureResult  Kind = "capture_result"
	KindPing           Kind = "ping"
	KindPong           Kind = "pong"
)

// Message is any decoded wire frame.
type Message interface {
	WireKind() Kind
}

// SnapshotPolicy mirrors the agent-held capture configuration for snapshots.
type SnapshotPolicy struct {
	Enabled              bool     `json:"enabled"`
	RequireOptIn         bool     `json:"require_opt_in"`
	Mode                 string   `json:"mode,omitempty"`
	StyleMode            string   `json:"style_mode,omitempty"`
	Triggers             []string `json:"triggers,omitempty"`
	MaxImagesPerSession  int      `json:"max_images_per_session,omitempty"`
	MaxBytesPerImage     int      `json:"max_bytes_per_image,omitempty"`
	MinCaptureIntervalMs int64    `json:"min_capture_interval_ms,omitempty"`
	PrivacyProfile       string   `json:"privacy_profile,omitempty"`
}

// Bool decodes the loose boolean encodings agents emit: true/false, the
// numbers 0 and 1 (any nonzero is true), or absent. Marshals as a plain
// JSON boolean.
type Bool bool

func (b *Bool) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true":
		*b = true
		return nil
	case "false", "null":
		*b = false
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("wire: boolean field: invalid value %s", data)
	}
	*b = n != 0
	return nil
}

func (b Bool) MarshalJSON() ([]byte, error) {
	if b {
		return []byte("true"), nil
	}
	return []byte("false"), nil
}

// SessionStart binds the connection to a session and mirrors the agent's
// capture configuration into the session row.
type SessionStart struct {
	Type           Kind            `json:"type"`
	SessionID      string          `json:"session_id"`
	CreatedAt      int64           `json:"created_at"`
	URL            string          `json:"url,omitempty"`
	SafeMode       Bool            `json:"safe_mode"`
	Allowlist      []string        `json:"allowlist,omitempty"`
	SnapshotConfig *SnapshotPolicy `json:"snapshot_config,omitempty"`
}

func (SessionStart) WireKind() Kind { return KindSessionStart }

// SessionUpdate mutates session attributes mid-connection.
type SessionUpdate struct {
	Type      Kind     `json:"type"`
	SessionID string   `json:"session_id"`
	URL       string   `json:"url,omitempty"`
	SafeMode  *Bool    `json:"safe_mode,omitempty"`
	Allowlist []string `json:"allowlist,omitempty"`
}

func (SessionUpdate) WireKind() Kind { return KindSessionUpdate }

// SessionEnd closes the session explicitly.
type SessionEnd struct {
	Type      Kind   `json:"type"`
	SessionID string `json:"session_id"`
	EndedAt   int64  `json:"ended_at,omitempty"`
}

func (SessionEnd) WireKind() Kind { return KindSessionEnd }

// Event is one telemetry record inside an event_batch.
type Event struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventBatch carries up to 200 events accumulated agent-side.
type EventBatch struct {
	Type      Kind    `json:"type"`
	SessionID string  `json:"session_id"`
	Events    []Event `json:"events"`
}

func (EventBatch) WireKind() Kind { return KindEventBatch }

// NetworkRecord is one observed request lifecycle.
type NetworkRecord struct {
	NetworkID  string `json:"network_id"`
	Timestamp  int64  `json:"timestamp"`
	Method     string `json:"method"`
	URL        string `json:"url"`
	Status     int    `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	ErrorType  string `json:"error_type,omitempty"`
}

// NetworkBatch carries network records accumulated agent-side.
type NetworkBatch struct {
	Type      Kind            `json:"type"`
	SessionID string          `json:"session_id"`
	Records   []NetworkRecord `json:"records"`
}

func (NetworkBatch) WireKind() Kind { return KindNetworkBatch }

// Snapshot is a UI capture pushed by the agent (trigger-driven).
type Snapshot struct {
	Type          Kind            `json:"type"`
	SessionID     string          `json:"session_id"`
	SnapshotID    string          `json:"snapshot_id,omitempty"`
	Timestamp     int64           `json:"timestamp"`
	Trigger       string          `json:"trigger"`
	Selector      string          `json:"selector,omitempty"`
	URL           string          `json:"url,omitempty"`
	DomHTML       string          `json:"dom_html,omitempty"`
	StylesPayload json.RawMessage `json:"styles,omitempty"`
	StyleMode     string          `json:"style_mode,omitempty"`
	PngBase64     string          `json:"png_base64,omitempty"`
}

func (Snapshot) WireKind() Kind { return KindSnapshot }

// CaptureCommand asks the agent to perform a heavy capture. Sent by the
// bridge, answered with a CaptureResult carrying the same command ID.
type CaptureCommand struct {
	Type      Kind            `json:"type"`
	CommandID string          `json:"command_id"`
	SessionID string          `json:"session_id"`
	Command   string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (CaptureCommand) WireKind() Kind { return KindCaptureCommand }

// CaptureResult answers a CaptureCommand. Matched by command_id, never by
// arrival order.
type CaptureResult struct {
	Type      Kind            `json:"type"`
	CommandID string          `json:"command_id"`
	OK        bool            `json:"ok"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (CaptureResult) WireKind() Kind { return KindCaptureResult }

// Ping is the bridge-side heartbeat probe.
type Ping struct {
	Type Kind  `json:"type"`
	Seq  int64 `json:"seq,omitempty"`
}

func (Ping) WireKind() Kind { return KindPing }

// Pong answers a Ping.
type Pong struct {
	Type Kind  `json:"type"`
	Seq  int64 `json:"seq,omitempty"`
}

func (Pong) WireKind() Kind { return KindPong }

// Decode parses one frame, dispatching on the "type" discriminator.
func Decode(data []byte) (Message, error) {
	var probe struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("wire: malformed frame: %w", err)
	}

	var msg Message
	switch probe.Type {
	case KindSessionStart:
		msg = &SessionStart{}
	case KindSessionUpdate:
		msg = &SessionUpdate{}
	case KindSessionEnd:
		msg = &SessionEnd{}
	case KindEventBatch:
		msg = &EventBatch{}
	case KindNetworkBatch:
		msg = &NetworkBatch{}
	case KindSnapshot:
		msg = &Snapshot{}
	case KindCaptureCommand:
		msg = &CaptureCommand{}
	case KindCaptureResult:
		msg = &CaptureResult{}
	case KindPing:
		msg = &Ping{}
	case KindPong:
		msg = &Pong{}
	default:
		return nil, fmt.Errorf("wire: unknown frame type %q", probe.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("wire: decode %s: %w", probe.Type, err)
	}
	return msg, nil
}

// Encode serializes a frame, stamping the "type" discriminator from the
// message's own kind so constructors don't have to.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case *SessionStart:
		v.Type = KindSessionStart
	case *SessionUpdate:
		v.Type = KindSessionUpdate
	case *SessionEnd:
		v.Type = KindSessionEnd
	case *EventBatch:
		v.Type = KindEventBatch
	case *NetworkBatch:
		v.Type = KindNetworkBatch
	case *Snapshot:
		v.Type = KindSnapshot
	case *CaptureCommand:
		v.Type = KindCaptureCommand
	case *CaptureResult:
		v.Type = KindCaptureResult
	case *Ping:
		v.Type = KindPing
	case *Pong:
		v.Type = KindPong
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", m.WireKind(), err)
	}
	return data, nil
}
