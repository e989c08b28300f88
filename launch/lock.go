// Package launch is the bridge's startup supervisor: single-instance
// locking, port reservation with stale-bridge recovery, the readiness
// probe, and shutdown propagation when the MCP host closes stdin.
// Failures carry stable MCP_STARTUP_* codes on stderr so launcher
// scripts can branch on them.
package launch

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/shirou/gopsutil/v4/process"
)

// LockFileName lives under the data directory.
const LockFileName = ".mcp-start.lock"

func lockPath(dataDir string) string {
	return filepath.Join(dataDir, LockFileName)
}

// lockPayload identifies the lock holder.
type lockPayload struct {
	PID       int    `json:"pid"`
	CreatedAt int64  `json:"created_at"`
	Command   string `json:"command"`
}

// Lock is the held single-instance lock.
type Lock struct {
	path  string
	flock *flock.Flock
	pid   int
}

// AcquireLock takes the single-instance lock under dataDir. A lock held
// by a live process is a hard failure with code MCP_STARTUP_LOCKED; a
// lock left behind by a dead process is reclaimed once.
func AcquireLock(dataDir string, logger *slog.Logger) (*Lock, *StartupError) {
	path := filepath.Join(dataDir, LockFileName)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, startupErr(CodeStartupFailed, "create data dir: %v", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		fl := flock.New(path)
		got, err := fl.TryLock()
		if err != nil {
			return nil, startupErr(CodeStartupFailed, "lock %s: %v", path, err)
		}
		if got {
			lock := &Lock{path: path, flock: fl, pid: os.Getpid()}
			if err := lock.writePayload(); err != nil {
				_ = fl.Unlock()
				return nil, startupErr(CodeStartupFailed, "write lock payload: %v", err)
			}
			return lock, nil
		}

		holder := readLockPayload(path)
		if holder != nil && pidAlive(holder.PID) {
			return nil, startupErr(CodeStartupLocked,
				"bridge already running (pid %d since %s)",
				holder.PID, time.UnixMilli(holder.CreatedAt).Format(time.RFC3339))
		}
		// Holder is gone; unlink the stale file and retry once.
		logger.Warn("reclaiming stale lock", "path", path, "holder", holder)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, startupErr(CodeStartupFailed, "remove stale lock: %v", err)
		}
	}
	return nil, startupErr(CodeStartupLocked, "lock still contended after stale reclaim")
}

func (l *Lock) writePayload() error {
	payload, err := json.Marshal(lockPayload{
		PID:       l.pid,
		CreatedAt: time.Now().UnixMilli(),
		Command:   commandLine(),
	})
	if err != nil {
		return err
	}
	return os.WriteFile(l.path, payload, 0o644)
}

// Release drops the lock. Only the acquiring process may release; a
// mismatched pid in the payload means someone else reclaimed it.
func (l *Lock) Release() {
	if holder := readLockPayload(l.path); holder != nil && holder.PID == l.pid {
		_ = os.Remove(l.path)
	}
	_ = l.flock.Unlock()
}

func readLockPayload(path string) *lockPayload {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var p lockPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil
	}
	return &p
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}

func commandLine() string {
	if len(os.Args) == 0 {
		return ""
	}
	return fmt.Sprintf("%v", os.Args)
}
