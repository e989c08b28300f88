package ingest

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tapbridge/tapbridge/store"
	"github.com/tapbridge/tapbridge/wire"
)

// importSession wraps the session row so safe_mode tolerates the numeric
// encoding some exporters emit. The shadow field takes decode precedence
// over the embedded one and is copied back after decoding.
type importSession struct {
	store.Session
	SafeMode wire.Bool `json:"safe_mode"`
}

// importBody is an offline session bundle: a session exported elsewhere,
// replayed into this bridge's store for analysis without a live agent.
type importBody struct {
	Session      importSession        `json:"session"`
	Events       []wire.Event         `json:"events,omitempty"`
	Network      []wire.NetworkRecord `json:"network,omitempty"`
	Fingerprints []store.Fingerprint  `json:"fingerprints,omitempty"`
	Snapshots    []wire.Snapshot      `json:"snapshots,omitempty"`
}

// Failures in the HTTP surface are reported in-band: status 200 with
// ok=false, matching how agents already handle the WebSocket channel.
func writeFail(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": msg})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var body importBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeFail(w, "invalid JSON body: "+err.Error())
		return
	}
	if body.Session.SessionID == "" {
		writeFail(w, "session.session_id is required")
		return
	}
	ctx := r.Context()
	sess := body.Session.Session
	sess.SafeMode = bool(body.Session.SafeMode)
	if sess.Status == "" {
		sess.Status = store.SessionClosed
	}
	if err := s.store.UpsertSession(ctx, sess); err != nil {
		writeFail(w, err.Error())
		return
	}
	if err := s.ingestEventBatch(ctx, sess.SessionID, sess.SafeMode, body.Events); err != nil {
		writeFail(w, err.Error())
		return
	}
	if err := s.ingestNetworkBatch(ctx, sess.SessionID, body.Network); err != nil {
		writeFail(w, err.Error())
		return
	}
	for _, fp := range body.Fingerprints {
		// Same dual scope as live ingest: the session row plus the
		// cross-session aggregate.
		for _, scope := range []string{sess.SessionID, ""} {
			err := s.store.UpsertFingerprint(ctx, fp.Hash, scope,
				fp.SampleMessage, fp.SampleStack, fp.LastSeen, fp.Count)
			if err != nil {
				writeFail(w, err.Error())
				return
			}
		}
	}
	policy := snapshotPolicyFor(sess.SafeMode, sess.SnapshotConfig)
	imported := 0
	for i := range body.Snapshots {
		snap := body.Snapshots[i]
		if len(snap.DomHTML) > s.maxDomBytes {
			continue
		}
		if _, err := s.storeSnapshot(ctx, sess.SessionID, policy, &snap); err != nil {
			writeFail(w, err.Error())
			return
		}
		imported++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"sessionId": sess.SessionID,
		"imported": map[string]int{
			"events":       len(body.Events),
			"network":      len(body.Network),
			"fingerprints": len(body.Fingerprints),
			"snapshots":    imported,
		},
	})
}

func (s *Server) handlePostSnapshot(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var snap wire.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeFail(w, "invalid JSON body: "+err.Error())
		return
	}
	// Unlike the WebSocket path, the HTTP path rejects oversize payloads
	// outright instead of substituting an outline.
	if len(snap.DomHTML) > s.maxDomBytes {
		writeFail(w, "Snapshot dom payload exceeds max bytes")
		return
	}
	ctx := r.Context()
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if store.IsNotFound(err) {
			writeFail(w, "session not found: "+sessionID)
			return
		}
		writeFail(w, err.Error())
		return
	}
	policy := snapshotPolicyFor(sess.SafeMode, sess.SnapshotConfig)
	stored, err := s.storeSnapshot(ctx, sessionID, policy, &snap)
	if err != nil {
		writeFail(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"snapshotId": stored.SnapshotID,
		"truncation": stored.Truncation,
	})
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"), 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}
	offset := queryInt(q.Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}
	sinceMs := int64(queryInt(q.Get("since_ms"), 0))

	snaps, err := s.store.ListSnapshots(r.Context(), sessionID, sinceMs, limit, offset)
	if err != nil {
		writeFail(w, err.Error())
		return
	}
	// Listings are metadata only; payloads come through the MCP tools.
	for i := range snaps {
		snaps[i].DomPayload = ""
		snaps[i].StylesPayload = ""
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "snapshots": snaps})
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
