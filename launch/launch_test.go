package launch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAcquireAndReleaseLock(t *testing.T) {
	dir := t.TempDir()
	lock, serr := AcquireLock(dir, discard())
	if serr != nil {
		t.Fatal(serr)
	}

	payload := readLockPayload(lockPath(dir))
	if payload == nil || payload.PID != os.Getpid() {
		t.Fatalf("payload = %+v", payload)
	}

	lock.Release()
	if _, err := os.Stat(lockPath(dir)); !os.IsNotExist(err) {
		t.Fatal("lockfile survived release")
	}
}

func TestAcquireLockContended(t *testing.T) {
	dir := t.TempDir()
	lock, serr := AcquireLock(dir, discard())
	if serr != nil {
		t.Fatal(serr)
	}
	defer lock.Release()

	_, serr = AcquireLock(dir, discard())
	if serr == nil || serr.Code != CodeStartupLocked {
		t.Fatalf("second acquire: %v", serr)
	}
}

func TestAcquireLockReclaimsStale(t *testing.T) {
	dir := t.TempDir()
	// A payload pointing at a pid that cannot exist.
	stale, _ := json.Marshal(lockPayload{PID: 1 << 22, CreatedAt: 1})
	if err := os.WriteFile(lockPath(dir), stale, 0o644); err != nil {
		t.Fatal(err)
	}

	lock, serr := AcquireLock(dir, discard())
	if serr != nil {
		t.Fatalf("stale lock not reclaimed: %v", serr)
	}
	lock.Release()
}

func TestEnsurePortFree(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	if serr := EnsurePort(port, t.TempDir(), discard()); serr != nil {
		t.Fatalf("free port rejected: %v", serr)
	}
}

func TestEnsurePortForeignOccupant(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()
	port := portOf(t, ts.URL)

	serr := EnsurePort(port, t.TempDir(), discard())
	if serr == nil || serr.Code != CodeStartupPortInUse {
		t.Fatalf("foreign occupant: %v", serr)
	}
}

func TestOccupantIsBridgeShape(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","name":"tapbridge","websocket":"ready"}`))
	}))
	defer ts.Close()

	if !occupantIsBridge(portOf(t, ts.URL)) {
		t.Fatal("bridge-shaped occupant not recognized")
	}
}

func TestWaitReady(t *testing.T) {
	var ready bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if ready {
			_, _ = w.Write([]byte(`{"status":"ok","websocket":"ready"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"starting"}`))
	}))
	defer ts.Close()
	port := portOf(t, ts.URL)

	if serr := WaitReady(context.Background(), port, 300*time.Millisecond); serr == nil {
		t.Fatal("not-ready bridge reported ready")
	}

	ready = true
	if serr := WaitReady(context.Background(), port, 3*time.Second); serr != nil {
		t.Fatalf("ready bridge not detected: %v", serr)
	}
}

func TestWaitReadyTimeoutCode(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	serr := WaitReady(context.Background(), port, 300*time.Millisecond)
	if serr == nil || serr.Code != CodeStartupFailed {
		t.Fatalf("timeout: %v", serr)
	}
}

func TestWatchStdinTriggersShutdown(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go WatchStdin(r, discard(), func() { close(done) })

	_, _ = w.Write([]byte("ignored input\n"))
	w.Close()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown not triggered by stdin close")
	}
}

func TestStopNotRunning(t *testing.T) {
	code, err := Stop(t.TempDir(), discard())
	if err != nil || code != CodeStopNotRunning {
		t.Fatalf("stop: %s, %v", code, err)
	}
}

func portOf(t *testing.T, url string) int {
	t.Helper()
	idx := strings.LastIndex(url, ":")
	port, err := strconv.Atoi(url[idx+1:])
	if err != nil {
		t.Fatal(err)
	}
	return port
}

func TestLockPayloadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	lock, serr := AcquireLock(dir, discard())
	if serr != nil {
		t.Fatal(serr)
	}
	defer lock.Release()

	data, err := os.ReadFile(filepath.Join(dir, LockFileName))
	if err != nil {
		t.Fatal(err)
	}
	var p lockPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatal(err)
	}
	if p.PID != os.Getpid() || p.CreatedAt == 0 || p.Command == "" {
		t.Fatalf("payload = %+v", p)
	}
}
