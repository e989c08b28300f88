// Package tools is the MCP tool surface of the bridge: query tools that
// read the store, heavy tools that drive the capture dispatcher, and
// correlation tools that join the two. Every response carries the
// standard envelope with a redaction summary.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tapbridge/tapbridge/capture"
	"github.com/tapbridge/tapbridge/kit"
	"github.com/tapbridge/tapbridge/redact"
	"github.com/tapbridge/tapbridge/store"
)

// DefaultCaptureTimeout bounds heavy capture tools.
const DefaultCaptureTimeout = 8 * time.Second

// handler executes one tool against its raw JSON arguments.
type handler func(ctx context.Context, raw json.RawMessage) (any, error)

type toolDef struct {
	tool    *mcp.Tool
	handler handler
}

// Registry holds every tool the bridge exposes over MCP.
type Registry struct {
	store          *store.Store
	dispatcher     *capture.Dispatcher
	logger         *slog.Logger
	captureTimeout time.Duration
	now            func() time.Time

	defs  map[string]toolDef
	order []string
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithCaptureTimeout overrides the heavy-capture deadline. Tests only.
func WithCaptureTimeout(d time.Duration) Option {
	return func(r *Registry) { r.captureTimeout = d }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New builds the registry with every tool installed.
func New(st *store.Store, disp *capture.Dispatcher, opts ...Option) *Registry {
	r := &Registry{
		store:          st,
		dispatcher:     disp,
		logger:         slog.Default(),
		captureTimeout: DefaultCaptureTimeout,
		now:            time.Now,
		defs:           map[string]toolDef{},
	}
	for _, o := range opts {
		o(r)
	}
	r.registerSessionTools()
	r.registerErrorNetworkTools()
	r.registerHeavyTools()
	r.registerCorrelationTools()
	r.registerSnapshotTools()
	return r
}

func (r *Registry) add(tool *mcp.Tool, h handler) {
	r.defs[tool.Name] = toolDef{tool: tool, handler: h}
	r.order = append(r.order, tool.Name)
}

// Names lists registered tools in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Call dispatches one tool by name. Unknown names return the in-band
// unknown_tool error envelope rather than a transport failure.
func (r *Registry) Call(ctx context.Context, name string, raw json.RawMessage) (any, error) {
	def, ok := r.defs[name]
	if !ok {
		return errEnvelope("", &Error{
			Kind:    KindUnknownTool,
			Message: fmt.Sprintf("tool %q is not registered", name),
		}), nil
	}
	ctx = kit.WithToolName(ctx, name)
	return def.handler(ctx, raw)
}

// RegisterMCP installs every tool on an MCP server.
func (r *Registry) RegisterMCP(srv *mcp.Server) {
	for _, name := range r.order {
		def := r.defs[name]
		h := def.handler

		endpoint := func(ctx context.Context, req any) (any, error) {
			raw, _ := req.(json.RawMessage)
			return h(ctx, raw)
		}
		decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
			return &kit.MCPDecodeResult{Request: req.Params.Arguments}, nil
		}
		kit.RegisterMCPTool(srv, def.tool, endpoint, decode)
	}
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// envelope wraps a tool payload in the standard response shape. The
// payload passes through the redactor; the summary of what the redactor
// did is part of the contract.
func envelope(sessionID string, payload map[string]any, limits map[string]any) map[string]any {
	res := redact.RedactObject(toPlain(payload))
	out, ok := res.Value.(map[string]any)
	if !ok {
		out = map[string]any{}
	}
	if sessionID != "" {
		out["session_id"] = sessionID
	}
	if len(limits) > 0 {
		out["limits_applied"] = limits
	}
	out["redaction_summary"] = res.Summary
	return out
}

// errEnvelope is the in-band failure shape: callers always receive a
// well-formed tool result carrying {error: {kind, message}}.
func errEnvelope(sessionID string, e *Error) map[string]any {
	out := map[string]any{"error": e}
	if sessionID != "" {
		out["session_id"] = sessionID
	}
	out["redaction_summary"] = redact.Summary{RulesApplied: []string{}}
	return out
}

// toPlain round-trips a value through JSON so the redactor sees plain
// maps, slices and strings instead of typed structs.
func toPlain(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// decode unmarshals raw tool arguments into a typed request. Absent
// arguments decode as the zero request so defaults apply.
func decode[T any](raw json.RawMessage) (T, *Error) {
	var req T
	if len(raw) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, &Error{Kind: KindValidation, Message: "arguments: " + err.Error()}
	}
	return req, nil
}
