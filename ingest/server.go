// Package ingest is the bridge's extension-facing transport: a loopback
// HTTP server with the WebSocket accept loop, the health/stats surface,
// and the offline import and snapshot routes. Telemetry flows from the
// agent through the connection's safe-mode filter into the store.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tapbridge/tapbridge/capture"
	"github.com/tapbridge/tapbridge/idgen"
	"github.com/tapbridge/tapbridge/observability"
	"github.com/tapbridge/tapbridge/shield"
	"github.com/tapbridge/tapbridge/store"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultOutboundQueueSize = 1024
	defaultCloseGrace        = 15 * time.Second
	maxHTTPBodyBytes         = 16 << 20
)

// Server is the ingest transport.
type Server struct {
	store      *store.Store
	dispatcher *capture.Dispatcher
	metrics    *observability.TransportMetrics
	logger     *slog.Logger

	heartbeat   time.Duration
	queueSize   int
	closeGrace  time.Duration
	maxDomBytes int
	quiet       bool

	newSnapshotID idgen.Generator
	newAssetID    idgen.Generator

	upgrader  websocket.Upgrader
	httpSrv   *http.Server
	startedAt time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics sets the transport metrics sink.
func WithMetrics(m *observability.TransportMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMaxDomBytes caps persisted snapshot DOM payloads.
func WithMaxDomBytes(n int) Option {
	return func(s *Server) { s.maxDomBytes = n }
}

// WithQuietLogging disables HTTP request logging (MCP stdio mode).
func WithQuietLogging() Option {
	return func(s *Server) { s.quiet = true }
}

// WithHeartbeatInterval overrides the 30s ping interval. Tests only.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Server) { s.heartbeat = d }
}

// WithCloseGrace overrides the session close grace window after
// transport loss.
func WithCloseGrace(d time.Duration) Option {
	return func(s *Server) { s.closeGrace = d }
}

// NewServer creates the ingest transport over the given store and capture
// dispatcher.
func NewServer(st *store.Store, disp *capture.Dispatcher, opts ...Option) *Server {
	s := &Server{
		store:         st,
		dispatcher:    disp,
		logger:        slog.Default(),
		heartbeat:     defaultHeartbeatInterval,
		queueSize:     defaultOutboundQueueSize,
		closeGrace:    defaultCloseGrace,
		maxDomBytes:   512 * 1024,
		newSnapshotID: idgen.Prefixed("snap_", idgen.Default),
		newAssetID:    idgen.Prefixed("ast_", idgen.Default),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			// The extension connects from an extension origin; loopback
			// enforcement happens at the TCP layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observability.NewTransportMetrics(nil)
	}
	return s
}

// Router builds the chi router with the shield middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(shield.LoopbackOnly)
	r.Use(shield.MaxJSONBody(maxHTTPBodyBytes))
	r.Use(shield.RequestLog(s.logger, s.quiet))

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWS)
	r.Post("/sessions/import", s.handleImport)
	r.Route("/sessions/{sessionID}/snapshots", func(r chi.Router) {
		r.Get("/", s.handleListSnapshots)
		r.Post("/", s.handlePostSnapshot)
	})
	return r
}

// Listen binds the loopback port and serves until ctx is cancelled.
func (s *Server) Listen(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("ingest: listen 127.0.0.1:%d: %w", port, err)
	}
	s.httpSrv = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(ln) }()
	s.logger.Info("ingest server listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// healthBody is the bit-exact /health shape the launcher probes for.
type healthBody struct {
	Status         string                       `json:"status"`
	Name           string                       `json:"name"`
	UptimeSeconds  int64                        `json:"uptime_seconds"`
	ActiveSessions int64                        `json:"active_sessions"`
	Websocket      string                       `json:"websocket"`
	Runtime        observability.RuntimeMetrics `json:"runtime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthBody{
		Status:         "ok",
		Name:           "tapbridge",
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		ActiveSessions: s.metrics.Snapshot().ActiveConnections,
		Websocket:      "ready",
		Runtime:        observability.CollectRuntimeMetrics(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Counts(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"tables":      counts,
		"connections": s.metrics.Snapshot(),
		"capture": map[string]any{
			"late_results": s.dispatcher.LateResults(),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
