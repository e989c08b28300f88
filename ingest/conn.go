package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tapbridge/tapbridge/redact"
	"github.com/tapbridge/tapbridge/store"
	"github.com/tapbridge/tapbridge/wire"
)

const writeDeadline = 10 * time.Second

// conn is one WebSocket connection from an extension agent. The reader
// goroutine owns the protocol state machine; the writer goroutine drains
// the bounded outbound queue and drives the heartbeat.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	logger *slog.Logger

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	sessionID string // "" until session_start binds
	safeMode  bool
	policy    redact.SnapshotPolicy
	lastPong  time.Time
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &conn{
		srv:      s,
		ws:       ws,
		logger:   s.logger.With("remote", ws.RemoteAddr().String()),
		outbound: make(chan []byte, s.queueSize),
		done:     make(chan struct{}),
		lastPong: time.Now(),
	}
	s.metrics.ConnOpened()
	go c.writeLoop()
	c.readLoop()
}

// session returns the bound session id, or "" during handshake.
func (c *conn) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Enqueue places an encoded frame on the outbound queue. On overflow the
// oldest queued frame is dropped and counted so command traffic keeps
// flowing under backpressure.
func (c *conn) Enqueue(msg wire.Message) bool {
	data, err := wire.Encode(msg)
	if err != nil {
		c.logger.Warn("outbound encode failed", "error", err)
		return false
	}
	for {
		select {
		case <-c.done:
			return false
		case c.outbound <- data:
			return true
		default:
		}
		select {
		case <-c.outbound:
			c.srv.metrics.OutboundDropped()
		default:
		}
	}
}

func (c *conn) readLoop() {
	defer c.close("read_closed")
	c.ws.SetReadLimit(maxHTTPBodyBytes)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			c.logger.Warn("malformed frame dropped", "error", err)
			continue
		}
		if reason := c.handle(msg); reason != "" {
			c.close(reason)
			return
		}
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.srv.heartbeat)
	defer ticker.Stop()
	var seq int64
	for {
		select {
		case <-c.done:
			return
		case data := <-c.outbound:
			if err := c.write(data); err != nil {
				c.close("write_failed")
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			silent := time.Since(c.lastPong)
			c.mu.Unlock()
			// Two unanswered pings mean the agent is gone.
			if silent >= 2*c.srv.heartbeat {
				c.close("heartbeat_timeout")
				return
			}
			seq++
			data, err := wire.Encode(&wire.Ping{Seq: seq})
			if err != nil {
				continue
			}
			if err := c.write(data); err != nil {
				c.close("write_failed")
				return
			}
		}
	}
}

func (c *conn) write(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// close tears the connection down exactly once. The session itself stays
// active for a grace window so a reconnecting agent can resume it.
func (c *conn) close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		sid := c.session()
		if sid != "" {
			c.srv.dispatcher.Unbind(sid, c)
			c.scheduleGraceClose(sid)
		}
		_ = c.ws.Close()
		c.srv.metrics.ConnClosed()
		c.logger.Info("connection closed", "reason", reason, "session_id", sid)
	})
}

func (c *conn) scheduleGraceClose(sessionID string) {
	srv := c.srv
	time.AfterFunc(srv.closeGrace, func() {
		if srv.dispatcher.HasConnection(sessionID) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.store.CloseSession(ctx, sessionID, time.Now().UnixMilli())
		if err != nil && !store.IsNotFound(err) {
			srv.logger.Warn("grace close failed", "session_id", sessionID, "error", err)
		}
	})
}

// handle routes one decoded frame. A non-empty return is a close reason:
// the protocol violation or persistence failure that ends the connection.
func (c *conn) handle(msg wire.Message) string {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if m, ok := msg.(*wire.SessionStart); ok {
		return c.handleSessionStart(ctx, m)
	}

	sid := c.session()
	if sid == "" {
		c.logger.Warn("frame before session_start rejected", "kind", msg.WireKind())
		return "unbound"
	}

	switch m := msg.(type) {
	case *wire.SessionUpdate:
		return c.handleSessionUpdate(ctx, sid, m)
	case *wire.SessionEnd:
		endedAt := m.EndedAt
		if endedAt == 0 {
			endedAt = time.Now().UnixMilli()
		}
		if err := c.srv.store.CloseSession(ctx, sid, endedAt); err != nil && !store.IsNotFound(err) {
			c.logger.Warn("session_end close failed", "error", err)
		}
	case *wire.EventBatch:
		if err := c.srv.ingestEventBatch(ctx, sid, c.snapshotPolicy().SafeMode, m.Events); err != nil {
			c.logger.Error("event batch persistence exhausted", "error", err)
			return "persistence_failed"
		}
	case *wire.NetworkBatch:
		if err := c.srv.ingestNetworkBatch(ctx, sid, m.Records); err != nil {
			c.logger.Error("network batch persistence exhausted", "error", err)
			return "persistence_failed"
		}
	case *wire.Snapshot:
		m.SessionID = sid
		if _, err := c.srv.storeSnapshot(ctx, sid, c.snapshotPolicy(), m); err != nil {
			c.logger.Warn("snapshot rejected", "error", err)
		}
	case *wire.CaptureResult:
		c.srv.dispatcher.Resolve(sid, m)
	case *wire.Pong:
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
	case *wire.Ping:
		c.Enqueue(&wire.Pong{Seq: m.Seq})
	default:
		c.logger.Warn("unexpected frame direction", "kind", msg.WireKind())
	}
	return ""
}

func (c *conn) handleSessionStart(ctx context.Context, m *wire.SessionStart) string {
	if m.SessionID == "" {
		return "unbound"
	}
	createdAt := m.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}
	sess := store.Session{
		SessionID: m.SessionID,
		CreatedAt: createdAt,
		URL:       m.URL,
		SafeMode:  bool(m.SafeMode),
		Allowlist: wire.ParseAllowlist(strings.Join(m.Allowlist, ",")),
		Status:    store.SessionActive,
	}
	if m.SnapshotConfig != nil {
		cfg, err := json.Marshal(m.SnapshotConfig)
		if err == nil {
			sess.SnapshotConfig = cfg
		}
	}
	err := c.srv.persistWithRetry(ctx, func(ctx context.Context) error {
		return c.srv.store.UpsertSession(ctx, sess)
	})
	if err != nil {
		c.logger.Error("session_start persistence exhausted", "error", err)
		return "persistence_failed"
	}

	c.mu.Lock()
	c.sessionID = m.SessionID
	c.safeMode = bool(m.SafeMode)
	c.policy = snapshotPolicyFor(bool(m.SafeMode), sess.SnapshotConfig)
	c.mu.Unlock()

	c.srv.dispatcher.Bind(m.SessionID, c)
	c.logger.Info("session bound", "session_id", m.SessionID, "safe_mode", bool(m.SafeMode))
	return ""
}

func (c *conn) handleSessionUpdate(ctx context.Context, sid string, m *wire.SessionUpdate) string {
	var url *string
	if m.URL != "" {
		url = &m.URL
	}
	var allowlist []string
	if m.Allowlist != nil {
		allowlist = wire.ParseAllowlist(strings.Join(m.Allowlist, ","))
	}
	var safeMode *bool
	if m.SafeMode != nil {
		v := bool(*m.SafeMode)
		safeMode = &v
	}
	if err := c.srv.store.UpdateSession(ctx, sid, url, safeMode, allowlist); err != nil {
		c.logger.Warn("session_update failed", "error", err)
		return ""
	}
	if safeMode != nil {
		c.mu.Lock()
		c.safeMode = *safeMode
		c.policy.SafeMode = *safeMode
		c.mu.Unlock()
	}
	return ""
}

func (c *conn) snapshotPolicy() redact.SnapshotPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

// snapshotPolicyFor derives the masking policy from the session's capture
// configuration. An unknown or absent profile means standard.
func snapshotPolicyFor(safeMode bool, snapshotConfig json.RawMessage) redact.SnapshotPolicy {
	policy := redact.SnapshotPolicy{SafeMode: safeMode, Profile: redact.ProfileStandard}
	if len(snapshotConfig) == 0 {
		return policy
	}
	var cfg struct {
		PrivacyProfile string `json:"privacy_profile"`
	}
	if err := json.Unmarshal(snapshotConfig, &cfg); err == nil && cfg.PrivacyProfile == redact.ProfileStrict {
		policy.Profile = redact.ProfileStrict
	}
	return policy
}
