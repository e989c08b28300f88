package launch

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const (
	portReleaseAttempts = 12
	portReleaseInterval = 200 * time.Millisecond
	probeTimeout        = 1 * time.Second
)

// BridgeName is what a healthy bridge reports in /health.
const BridgeName = "tapbridge"

// EnsurePort verifies the loopback port is free, recovering it from a
// stale bridge instance when possible. A foreign occupant is a hard
// failure with code MCP_STARTUP_PORT_IN_USE.
func EnsurePort(port int, dataDir string, logger *slog.Logger) *StartupError {
	if portFree(port) {
		return nil
	}

	if !occupantIsBridge(port) {
		return startupErr(CodeStartupPortInUse,
			"port %d is held by a process that is not the bridge", port)
	}

	logger.Warn("stale bridge holds the port, terminating it", "port", port)
	if err := terminateStaleBridge(dataDir); err != nil {
		return startupErr(CodeStartupPortInUse,
			"port %d held by a stale bridge that could not be stopped: %v", port, err)
	}
	for i := 0; i < portReleaseAttempts; i++ {
		time.Sleep(portReleaseInterval)
		if portFree(port) {
			return nil
		}
	}
	return startupErr(CodeStartupPortInUse,
		"port %d not released within %v", port,
		portReleaseAttempts*portReleaseInterval)
}

func portFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// occupantIsBridge probes /health on the occupant and checks for the
// bridge's identity and response shape.
func occupantIsBridge(port int) bool {
	client := &http.Client{Timeout: probeTimeout}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	var body struct {
		Status    string `json:"status"`
		Name      string `json:"name"`
		Websocket string `json:"websocket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	if strings.Contains(body.Name, BridgeName) {
		return true
	}
	return body.Status == "ok" && body.Websocket != ""
}

// terminateStaleBridge reads the occupant's pid from the lockfile and
// sends SIGTERM.
func terminateStaleBridge(dataDir string) error {
	holder := readLockPayload(lockPath(dataDir))
	if holder == nil || holder.PID <= 0 {
		return fmt.Errorf("no lockfile to identify the occupant")
	}
	proc, err := process.NewProcess(int32(holder.PID))
	if err != nil {
		return fmt.Errorf("occupant pid %d not found", holder.PID)
	}
	if err := proc.SendSignal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", holder.PID, err)
	}
	return nil
}
