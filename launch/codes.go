package launch

import "fmt"

// Stable startup and stop codes, parsed by launcher scripts. Never
// reword the prefixes.
const (
	CodeStartupLocked    = "MCP_STARTUP_LOCKED"
	CodeStartupPortInUse = "MCP_STARTUP_PORT_IN_USE"
	CodeStartupFailed    = "MCP_STARTUP_FAILED"
	CodeStopNotRunning   = "MCP_STOP_NOT_RUNNING"
	CodeStopFailed       = "MCP_STOP_FAILED"
	CodeStopOK           = "MCP_STOP_OK"
)

// StartupError pairs a stable code with a human-readable detail.
type StartupError struct {
	Code   string
	Detail string
}

func (e *StartupError) Error() string {
	return e.Code + ": " + e.Detail
}

func startupErr(code, format string, args ...any) *StartupError {
	return &StartupError{Code: code, Detail: fmt.Sprintf(format, args...)}
}
