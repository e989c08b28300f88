package ingest_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	_ "modernc.org/sqlite"

	"github.com/tapbridge/tapbridge/capture"
	"github.com/tapbridge/tapbridge/dbopen"
	"github.com/tapbridge/tapbridge/ingest"
	"github.com/tapbridge/tapbridge/observability"
	"github.com/tapbridge/tapbridge/store"
	"github.com/tapbridge/tapbridge/wire"
)

type fixture struct {
	store      *store.Store
	dispatcher *capture.Dispatcher
	http       *httptest.Server
}

func newFixture(t *testing.T, opts ...ingest.Option) *fixture {
	t.Helper()
	st, err := store.New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	disp := capture.NewDispatcher()
	opts = append(opts,
		ingest.WithMetrics(observability.NewTransportMetrics(prometheus.NewRegistry())),
		ingest.WithCloseGrace(50*time.Millisecond),
	)
	srv := ingest.NewServer(st, disp, opts...)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &fixture{store: st, dispatcher: disp, http: ts}
}

func (f *fixture) postJSON(t *testing.T, path string, body any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(f.http.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg wire.Message) {
	t.Helper()
	data, err := wire.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

// waitFor polls until check returns nil or the deadline passes. The read
// goroutine persists frames asynchronously from the test's perspective.
func waitFor(t *testing.T, check func() error) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var err error
	for time.Now().Before(deadline) {
		if err = check(); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached: %v", err)
}

func startSession(t *testing.T, ws *websocket.Conn, f *fixture, sessionID string, safeMode bool) {
	t.Helper()
	send(t, ws, &wire.SessionStart{
		SessionID: sessionID,
		CreatedAt: time.Now().UnixMilli(),
		URL:       "https://app.example.com",
		SafeMode:  wire.Bool(safeMode),
	})
	waitFor(t, func() error {
		_, err := f.store.GetSession(t.Context(), sessionID)
		return err
	})
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.http.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Status    string `json:"status"`
		Websocket string `json:"websocket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Websocket != "ready" {
		t.Fatalf("health = %+v", body)
	}
}

func TestImportRequiresSessionID(t *testing.T) {
	f := newFixture(t)

	out := f.postJSON(t, "/sessions/import", map[string]any{
		"session": map[string]any{"created_at": 123},
	})
	if out["ok"] != false {
		t.Fatalf("ok = %v", out["ok"])
	}
	if msg, _ := out["error"].(string); !strings.Contains(msg, "session_id") {
		t.Fatalf("error %q does not mention session_id", msg)
	}

	out = f.postJSON(t, "/sessions/import", map[string]any{
		"session": map[string]any{"session_id": "imp-1", "created_at": 123},
		"events": []map[string]any{
			{"event_id": "e1", "type": "console", "timestamp": 200},
		},
	})
	if out["ok"] != true || out["sessionId"] != "imp-1" {
		t.Fatalf("import = %v", out)
	}
	evs, err := f.store.RecentEvents(t.Context(), "imp-1", nil, 0, 10, 0)
	if err != nil || len(evs) != 1 {
		t.Fatalf("events = %v, %v", evs, err)
	}
}

func TestImportNumericSafeMode(t *testing.T) {
	f := newFixture(t)

	// Exporters encode safe_mode as 0/1; the session must still land in
	// safe mode with its payload policy enforced.
	out := f.postJSON(t, "/sessions/import", map[string]any{
		"session": map[string]any{"session_id": "imp-sm", "created_at": 123, "safe_mode": 1},
		"events": []map[string]any{
			{"event_id": "e1", "type": "storage", "timestamp": 200,
				"data": map[string]any{"localStorageDump": map[string]any{"k": "v"}}},
			{"event_id": "e2", "type": "input", "timestamp": 300,
				"data": map[string]any{"inputValue": "hunter2", "selector": "#pw"}},
		},
	})
	if out["ok"] != true || out["sessionId"] != "imp-sm" {
		t.Fatalf("import = %v", out)
	}

	sess, err := f.store.GetSession(t.Context(), "imp-sm")
	if err != nil {
		t.Fatal(err)
	}
	if !sess.SafeMode {
		t.Fatalf("safe_mode not set: %+v", sess)
	}
	evs, err := f.store.RecentEvents(t.Context(), "imp-sm", nil, 0, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].EventID != "e2" {
		t.Fatalf("storage event survived safe mode: %v", evs)
	}
	if strings.Contains(string(evs[0].Data), "hunter2") {
		t.Fatalf("raw input value persisted: %s", evs[0].Data)
	}
}

func TestImportMirrorsFingerprintsCrossSession(t *testing.T) {
	f := newFixture(t)

	out := f.postJSON(t, "/sessions/import", map[string]any{
		"session": map[string]any{"session_id": "imp-fp", "created_at": 1},
		"fingerprints": []map[string]any{
			{"hash": "fp-abc", "count": 3, "first_seen": 10, "last_seen": 20,
				"sample_message": "boom"},
		},
	})
	if out["ok"] != true {
		t.Fatalf("import = %v", out)
	}

	// Same dual scope as live ingest: session row plus the cross-session
	// aggregate.
	for _, scope := range []string{"imp-fp", ""} {
		fp, err := f.store.GetFingerprint(t.Context(), "fp-abc", scope)
		if err != nil {
			t.Fatalf("scope %q: %v", scope, err)
		}
		if fp.Count != 3 || fp.SampleMessage != "boom" {
			t.Fatalf("scope %q: %+v", scope, fp)
		}
	}
}

func TestPostSnapshotRejectsOversize(t *testing.T) {
	f := newFixture(t, ingest.WithMaxDomBytes(64))

	f.postJSON(t, "/sessions/import", map[string]any{
		"session": map[string]any{"session_id": "s1", "created_at": 1},
	})

	big := strings.Repeat("<div>x</div>", 100)
	out := f.postJSON(t, "/sessions/s1/snapshots", map[string]any{
		"timestamp": 10, "trigger": "manual", "dom_html": big,
	})
	if out["ok"] != false {
		t.Fatalf("ok = %v", out["ok"])
	}
	if msg, _ := out["error"].(string); msg != "Snapshot dom payload exceeds max bytes" {
		t.Fatalf("error = %q", msg)
	}

	out = f.postJSON(t, "/sessions/s1/snapshots", map[string]any{
		"timestamp": 10, "trigger": "manual", "dom_html": "<div>small</div>",
	})
	if out["ok"] != true || out["snapshotId"] == "" {
		t.Fatalf("snapshot = %v", out)
	}
}

func TestListSnapshotsOmitsPayloads(t *testing.T) {
	f := newFixture(t)
	f.postJSON(t, "/sessions/import", map[string]any{
		"session": map[string]any{"session_id": "s1", "created_at": 1},
	})
	f.postJSON(t, "/sessions/s1/snapshots", map[string]any{
		"timestamp": 10, "trigger": "manual", "dom_html": "<div>page</div>",
	})

	resp, err := http.Get(f.http.URL + "/sessions/s1/snapshots")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		OK        bool             `json:"ok"`
		Snapshots []store.Snapshot `json:"snapshots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !body.OK || len(body.Snapshots) != 1 {
		t.Fatalf("snapshots = %+v", body)
	}
	if body.Snapshots[0].DomPayload != "" {
		t.Fatal("listing leaked dom payload")
	}
}

func TestSessionFlowOverWebSocket(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)
	startSession(t, ws, f, "ws-1", false)

	send(t, ws, &wire.EventBatch{
		SessionID: "ws-1",
		Events: []wire.Event{
			{EventID: "e1", Type: "console", Timestamp: 100,
				Data: json.RawMessage(`{"level":"log","text":"hello"}`)},
			{EventID: "e2", Type: "error", Timestamp: 200,
				Data: json.RawMessage(`{"message":"boom","stack":"at f (app.js:1:2)"}`)},
		},
	})
	send(t, ws, &wire.NetworkBatch{
		SessionID: "ws-1",
		Records: []wire.NetworkRecord{
			{NetworkID: "n1", Timestamp: 150, Method: "GET",
				URL: "https://api.example.com/x", Status: 500, ErrorType: "http_error"},
		},
	})

	waitFor(t, func() error {
		evs, err := f.store.RecentEvents(t.Context(), "ws-1", nil, 0, 10, 0)
		if err != nil {
			return err
		}
		if len(evs) != 2 {
			return fmt.Errorf("events = %d", len(evs))
		}
		return nil
	})
	waitFor(t, func() error {
		fails, err := f.store.NetworkFailures(t.Context(), "ws-1", 0, 10, 0)
		if err != nil {
			return err
		}
		if len(fails) != 1 {
			return fmt.Errorf("failures = %d", len(fails))
		}
		return nil
	})

	// The error event must have fed the fingerprint aggregate.
	fps, err := f.store.Fingerprints(t.Context(), "ws-1", 10, 0)
	if err != nil || len(fps) != 1 {
		t.Fatalf("fingerprints = %v, %v", fps, err)
	}
	if fps[0].SampleMessage != "boom" {
		t.Fatalf("sample = %q", fps[0].SampleMessage)
	}
}

func TestFrameBeforeSessionStartClosesConnection(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)

	send(t, ws, &wire.EventBatch{SessionID: "nope", Events: []wire.Event{
		{EventID: "e1", Type: "console", Timestamp: 1},
	}})

	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("connection survived an unbound frame")
	}
}

func TestSafeModeFiltersAtIngest(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)
	startSession(t, ws, f, "safe-1", true)

	send(t, ws, &wire.EventBatch{
		SessionID: "safe-1",
		Events: []wire.Event{
			{EventID: "e1", Type: "storage", Timestamp: 100,
				Data: json.RawMessage(`{"localStorageDump":{"k":"v"}}`)},
			{EventID: "e2", Type: "input", Timestamp: 200,
				Data: json.RawMessage(`{"inputValue":"hunter2","selector":"#pw"}`)},
		},
	})

	waitFor(t, func() error {
		evs, err := f.store.RecentEvents(t.Context(), "safe-1", nil, 0, 10, 0)
		if err != nil {
			return err
		}
		if len(evs) != 1 {
			return fmt.Errorf("events = %d", len(evs))
		}
		return nil
	})
	evs, err := f.store.RecentEvents(t.Context(), "safe-1", nil, 0, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if evs[0].EventID != "e2" {
		t.Fatalf("storage event survived safe mode: %+v", evs[0])
	}
	if !strings.Contains(string(evs[0].Data), "[REDACTED_SAFE_MODE]") {
		t.Fatalf("inputValue not masked: %s", evs[0].Data)
	}
	if strings.Contains(string(evs[0].Data), "hunter2") {
		t.Fatalf("raw input value persisted: %s", evs[0].Data)
	}
}

func TestSnapshotOutlineFallbackOverWebSocket(t *testing.T) {
	f := newFixture(t, ingest.WithMaxDomBytes(128))
	ws := f.dial(t)
	startSession(t, ws, f, "snap-1", false)

	big := "<div id=\"app\">" + strings.Repeat("<p>lorem ipsum</p>", 50) + "</div>"
	send(t, ws, &wire.Snapshot{
		SessionID:  "snap-1",
		SnapshotID: "sn1",
		Timestamp:  100,
		Trigger:    "error",
		DomHTML:    big,
	})

	waitFor(t, func() error {
		_, err := f.store.GetSnapshot(t.Context(), "sn1")
		return err
	})
	snap, err := f.store.GetSnapshot(t.Context(), "sn1")
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Truncation.Dom {
		t.Fatal("oversize dom not flagged truncated")
	}
	if !strings.Contains(snap.DomPayload, "div#app") {
		t.Fatalf("payload is not an outline: %q", snap.DomPayload)
	}
	if strings.Contains(snap.DomPayload, "lorem ipsum</p><p>") {
		t.Fatal("raw dom persisted despite limit")
	}
}

func TestCaptureRoundtripOverWebSocket(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)
	startSession(t, ws, f, "cap-1", false)

	resCh := make(chan capture.Result, 1)
	go func() {
		resCh <- f.dispatcher.Request(t.Context(), "cap-1",
			capture.KindDomSubtree, json.RawMessage(`{"selector":"#app"}`), 3*time.Second)
	}()

	// The agent side: read the command, answer it by id.
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var cmd *wire.CaptureCommand
	for cmd == nil {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		msg, err := wire.Decode(data)
		if err != nil {
			t.Fatal(err)
		}
		if c, ok := msg.(*wire.CaptureCommand); ok {
			cmd = c
		}
	}
	if cmd.Command != capture.KindDomSubtree {
		t.Fatalf("command kind = %q", cmd.Command)
	}
	send(t, ws, &wire.CaptureResult{
		CommandID: cmd.CommandID,
		OK:        true,
		Data:      json.RawMessage(`{"html":"<div id=\"app\"/>"}`),
	})

	res := <-resCh
	if !res.OK {
		t.Fatalf("capture failed: %+v", res.Err)
	}
	if !strings.Contains(string(res.Data), "app") {
		t.Fatalf("data = %s", res.Data)
	}
}

func TestSessionClosedAfterGraceWindow(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)
	startSession(t, ws, f, "gone-1", false)

	ws.Close()

	waitFor(t, func() error {
		sess, err := f.store.GetSession(t.Context(), "gone-1")
		if err != nil {
			return err
		}
		if sess.Status != store.SessionClosed {
			return fmt.Errorf("status = %s", sess.Status)
		}
		return nil
	})
}
