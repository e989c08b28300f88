package tools

// Error kinds surfaced to the MCP host.
const (
	KindValidation       = "validation"
	KindUnknownTool      = "unknown_tool"
	KindNoLiveConnection = "no_live_connection"
	KindTimeout          = "timeout"
	KindPersistence      = "persistence_failed"
	KindRedactionBlocked = "redaction_blocked"
)

// Error is a tool-level failure, carried in-band inside the response
// envelope so hosts can branch on the kind.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
	Field   string `json:"field,omitempty"`
}

func (e *Error) Error() string {
	if e.Field != "" {
		return e.Kind + ": " + e.Field + ": " + e.Message
	}
	return e.Kind + ": " + e.Message
}

func validationErr(field, msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg, Field: field}
}
