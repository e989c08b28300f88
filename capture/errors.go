package capture

import "fmt"

// Error kinds, matching the bridge error taxonomy.
const (
	ErrKindNoLiveConnection = "no_live_connection"
	ErrKindTimeout          = "timeout"
	ErrKindConnectionLost   = "connection_lost"
	ErrKindCancelled        = "cancelled"
	ErrKindAgent            = "agent_error"
)

// Error is a typed capture failure.
type Error struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("capture: %s", e.Kind)
	}
	return fmt.Sprintf("capture: %s: %s", e.Kind, e.Detail)
}
