package launch

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// WatchStdin invokes shutdown when standard input reaches EOF, which is
// how the MCP host signals disconnect. Runs until EOF or a read error;
// call it in its own goroutine.
func WatchStdin(r io.Reader, logger *slog.Logger, shutdown func()) {
	buf := make([]byte, 4096)
	for {
		_, err := r.Read(buf)
		if err != nil {
			logger.Info("stdin closed, shutting down", "error", err)
			shutdown()
			return
		}
	}
}

// Stop terminates a running bridge identified by the lockfile under
// dataDir. Returns a stable MCP_STOP_* code.
func Stop(dataDir string, logger *slog.Logger) (string, error) {
	holder := readLockPayload(lockPath(dataDir))
	if holder == nil || !pidAlive(holder.PID) {
		return CodeStopNotRunning, nil
	}

	proc, err := process.NewProcess(int32(holder.PID))
	if err != nil {
		return CodeStopNotRunning, nil
	}
	if err := proc.SendSignal(syscall.SIGTERM); err != nil {
		return CodeStopFailed, err
	}

	// Give it the same budget the port recovery path uses.
	for i := 0; i < portReleaseAttempts; i++ {
		time.Sleep(portReleaseInterval)
		if !pidAlive(holder.PID) {
			_ = os.Remove(lockPath(dataDir))
			logger.Info("bridge stopped", "pid", holder.PID)
			return CodeStopOK, nil
		}
	}
	return CodeStopFailed, fmt.Errorf("pid %d still alive after %v",
		holder.PID, portReleaseAttempts*portReleaseInterval)
}
